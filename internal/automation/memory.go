package automation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stewardhq/steward/internal/queue"
	"github.com/stewardhq/steward/internal/storage"
)

// MemoryStore provides an in-memory Store implementation for testing and
// local runs. Task writes go through the wrapped queue store.
type MemoryStore struct {
	mu        sync.Mutex
	tasks     queue.Store
	schedules map[string]*Schedule
	listeners map[string]*Listener
	now       func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryNow overrides the clock, for tests.
func WithMemoryNow(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

// NewMemoryStore creates an in-memory automation store writing task rows
// through tasks.
func NewMemoryStore(tasks queue.Store, opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		tasks:     tasks,
		schedules: map[string]*Schedule{},
		listeners: map[string]*Listener{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryStore) CreateSchedule(ctx context.Context, s *Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.schedules[s.ID]; ok {
		return storage.ErrAlreadyExists
	}
	m.schedules[s.ID] = cloneSchedule(s)
	return nil
}

func (m *MemoryStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.schedules[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneSchedule(s), nil
}

func (m *MemoryStore) ListSchedules(ctx context.Context, f Filter) ([]*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Schedule
	for _, s := range m.schedules {
		if f.ConversationID != "" && s.ConversationID != f.ConversationID {
			continue
		}
		if f.EnabledOnly && !s.Enabled {
			continue
		}
		out = append(out, cloneSchedule(s))
	}
	sortByCreation(out, func(s *Schedule) (time.Time, string) { return s.CreatedAt, s.Name })
	return out, nil
}

func (m *MemoryStore) SwapScheduleRule(ctx context.Context, id, rule string, next *time.Time, first *queue.EnqueueRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.schedules[id]
	if !ok {
		return storage.ErrNotFound
	}
	s.RecurrenceRule = rule
	s.NextScheduledAt = cloneTime(next)

	if _, err := m.cancelInstancesLocked(ctx, id); err != nil {
		return err
	}
	return m.enqueueLocked(ctx, first)
}

func (m *MemoryStore) SetScheduleEnabled(ctx context.Context, id string, enabled bool, next *time.Time, first *queue.EnqueueRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.schedules[id]
	if !ok {
		return storage.ErrNotFound
	}
	s.Enabled = enabled
	s.NextScheduledAt = cloneTime(next)

	if !enabled {
		if _, err := m.cancelInstancesLocked(ctx, id); err != nil {
			return err
		}
	}
	return m.enqueueLocked(ctx, first)
}

func (m *MemoryStore) MarkScheduleExecuted(ctx context.Context, id string, executedAt time.Time, next *time.Time, successor *queue.EnqueueRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.schedules[id]
	if !ok {
		return storage.ErrNotFound
	}
	s.ExecutionCount++
	at := executedAt.UTC()
	s.LastExecutionAt = &at
	s.NextScheduledAt = cloneTime(next)

	return m.enqueueLocked(ctx, successor)
}

func (m *MemoryStore) DeleteSchedule(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.schedules[id]; !ok {
		return storage.ErrNotFound
	}
	delete(m.schedules, id)
	_, err := m.cancelInstancesLocked(ctx, id)
	return err
}

func (m *MemoryStore) CreateListener(ctx context.Context, l *Listener) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.listeners[l.ID]; ok {
		return storage.ErrAlreadyExists
	}
	m.listeners[l.ID] = cloneListener(l)
	return nil
}

func (m *MemoryStore) GetListener(ctx context.Context, id string) (*Listener, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.listeners[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneListener(l), nil
}

func (m *MemoryStore) ListListeners(ctx context.Context, f Filter) ([]*Listener, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Listener
	for _, l := range m.listeners {
		if f.ConversationID != "" && l.ConversationID != f.ConversationID {
			continue
		}
		if f.SourceID != "" && l.SourceID != f.SourceID {
			continue
		}
		if f.EnabledOnly && !l.Enabled {
			continue
		}
		out = append(out, cloneListener(l))
	}
	sortByCreation(out, func(l *Listener) (time.Time, string) { return l.CreatedAt, l.Name })
	return out, nil
}

func (m *MemoryStore) SetListenerEnabled(ctx context.Context, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.listeners[id]
	if !ok {
		return storage.ErrNotFound
	}
	l.Enabled = enabled
	return nil
}

func (m *MemoryStore) TriggerListener(ctx context.Context, id string, at time.Time, disable bool, task queue.EnqueueRequest) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.listeners[id]
	if !ok || !l.Enabled {
		return false, nil
	}

	at = at.UTC()
	l.DailyExecutions = l.ExecutionsToday(at) + 1
	l.LastExecutionAt = &at
	if disable {
		l.Enabled = false
	}

	if err := m.enqueueLocked(ctx, &task); err != nil {
		return false, err
	}
	return true, nil
}

func (m *MemoryStore) ResetDailyCounters(ctx context.Context, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	at = at.UTC()
	reset := 0
	for _, l := range m.listeners {
		if l.DailyExecutions == 0 {
			continue
		}
		l.DailyExecutions = 0
		l.DailyResetAt = &at
		reset++
	}
	return reset, nil
}

func (m *MemoryStore) DeleteListener(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.listeners[id]; !ok {
		return storage.ErrNotFound
	}
	delete(m.listeners, id)
	return nil
}

func (m *MemoryStore) NameAvailable(ctx context.Context, conversationID, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.schedules {
		if s.ConversationID == conversationID && s.Name == name {
			return false, nil
		}
	}
	for _, l := range m.listeners {
		if l.ConversationID == conversationID && l.Name == name {
			return false, nil
		}
	}
	return true, nil
}

func (m *MemoryStore) cancelInstancesLocked(ctx context.Context, automationID string) (int, error) {
	return m.tasks.CancelMatching(ctx, queue.Predicate{
		PayloadEquals: map[string]string{"automation_id": automationID},
	})
}

func (m *MemoryStore) enqueueLocked(ctx context.Context, req *queue.EnqueueRequest) error {
	if req == nil {
		return nil
	}
	_, _, err := m.tasks.Enqueue(ctx, *req)
	return err
}

func sortByCreation[T any](items []*T, key func(*T) (time.Time, string)) {
	sort.Slice(items, func(i, j int) bool {
		ti, ni := key(items[i])
		tj, nj := key(items[j])
		if ti.Equal(tj) {
			return ni < nj
		}
		return ti.Before(tj)
	})
}
