package errorlog

import (
	"context"
	"sync"
	"time"
)

// MemoryStore provides an in-memory Store implementation for testing and
// local runs.
type MemoryStore struct {
	mu      sync.Mutex
	entries []*Entry
	nextID  int64
	now     func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryNow overrides the clock, for tests.
func WithMemoryNow(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

// NewMemoryStore creates a new in-memory error log.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{nextID: 1, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryStore) Append(ctx context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *entry
	stored.ID = m.nextID
	m.nextID++
	if stored.Timestamp.IsZero() {
		stored.Timestamp = m.now().UTC()
	}
	if stored.Level == "" {
		stored.Level = LevelError
	}
	m.entries = append(m.entries, &stored)

	*entry = stored
	return nil
}

func (m *MemoryStore) List(ctx context.Context, filter ListFilter) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*Entry
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if filter.Level != "" && e.Level != filter.Level {
			continue
		}
		if !filter.Since.IsZero() && e.Timestamp.Before(filter.Since) {
			continue
		}
		clone := *e
		matched = append(matched, &clone)
		if filter.Limit > 0 && len(matched) >= filter.Limit {
			break
		}
	}
	return matched, nil
}

func (m *MemoryStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().UTC().Add(-olderThan)
	var kept []*Entry
	var pruned int64
	for _, e := range m.entries {
		if e.Timestamp.Before(cutoff) {
			pruned++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return pruned, nil
}
