package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stewardhq/steward/internal/storage"
	"github.com/stewardhq/steward/pkg/models"
)

// MemoryStore provides an in-memory Store implementation for testing and
// local runs.
type MemoryStore struct {
	mu       sync.RWMutex
	nextID   int64
	messages []*models.Message
	now      func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryNow overrides the clock, for tests.
func WithMemoryNow(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

// NewMemoryStore creates a new in-memory history store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{nextID: 1, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryStore) Append(ctx context.Context, msg *models.Message) (int64, error) {
	if err := validate(msg); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.ThreadRootID != nil && !m.existsLocked(*msg.ThreadRootID) {
		return 0, fmt.Errorf("thread root %d: %w", *msg.ThreadRootID, storage.ErrNotFound)
	}

	clone := cloneMessage(msg)
	clone.InternalID = m.nextID
	m.nextID++
	if clone.Timestamp.IsZero() {
		clone.Timestamp = m.now().UTC()
	}
	m.messages = append(m.messages, clone)

	msg.InternalID = clone.InternalID
	msg.Timestamp = clone.Timestamp
	return clone.InternalID, nil
}

func (m *MemoryStore) Get(ctx context.Context, internalID int64) (*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, msg := range m.messages {
		if msg.InternalID == internalID {
			return cloneMessage(msg), nil
		}
	}
	return nil, storage.ErrNotFound
}

func (m *MemoryStore) Recent(ctx context.Context, interfaceType models.InterfaceType, conversationID string, opts RecentOptions) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var cutoff time.Time
	if opts.MaxAge > 0 {
		cutoff = m.now().Add(-opts.MaxAge)
	}

	limit := opts.limit()
	var matched []*models.Message
	for i := len(m.messages) - 1; i >= 0 && len(matched) < limit; i-- {
		msg := m.messages[i]
		if msg.InterfaceType != interfaceType || msg.ConversationID != conversationID {
			continue
		}
		if !cutoff.IsZero() && msg.Timestamp.Before(cutoff) {
			continue
		}
		matched = append(matched, cloneMessage(msg))
	}

	// Reverse to get chronological order.
	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}
	return matched, nil
}

func (m *MemoryStore) ByTurn(ctx context.Context, turnID string) ([]*models.Message, error) {
	if turnID == "" {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*models.Message
	for _, msg := range m.messages {
		if msg.TurnID == turnID {
			matched = append(matched, cloneMessage(msg))
		}
	}
	return matched, nil
}

func (m *MemoryStore) existsLocked(internalID int64) bool {
	for _, msg := range m.messages {
		if msg.InternalID == internalID {
			return true
		}
	}
	return false
}

func cloneMessage(msg *models.Message) *models.Message {
	clone := *msg
	if msg.ToolCalls != nil {
		clone.ToolCalls = make([]models.ToolCall, len(msg.ToolCalls))
		copy(clone.ToolCalls, msg.ToolCalls)
	}
	if msg.Attachments != nil {
		clone.Attachments = make([]models.Attachment, len(msg.Attachments))
		copy(clone.Attachments, msg.Attachments)
	}
	if msg.ReasoningInfo != nil {
		clone.ReasoningInfo = append([]byte(nil), msg.ReasoningInfo...)
	}
	if msg.ThreadRootID != nil {
		root := *msg.ThreadRootID
		clone.ThreadRootID = &root
	}
	return &clone
}
