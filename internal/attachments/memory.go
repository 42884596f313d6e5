package attachments

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stewardhq/steward/internal/storage"
)

// MemoryStore provides an in-memory Store implementation for testing and
// local runs.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]*Attachment
}

// NewMemoryStore creates an empty in-memory metadata store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: map[string]*Attachment{}}
}

func (m *MemoryStore) Insert(ctx context.Context, a *Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rows[a.ID]; ok {
		return storage.ErrAlreadyExists
	}
	m.rows[a.ID] = cloneAttachment(a)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.rows[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneAttachment(a), nil
}

func (m *MemoryStore) Touch(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.rows[id]
	if !ok {
		return storage.ErrNotFound
	}
	a.AccessedAt = at
	return nil
}

func (m *MemoryStore) List(ctx context.Context, f Filter) ([]*Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Attachment
	for _, a := range m.rows {
		if f.ConversationID != "" && a.ConversationID != f.ConversationID {
			continue
		}
		if f.SourceType != "" && a.SourceType != f.SourceType {
			continue
		}
		out = append(out, cloneAttachment(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) DeleteAuthorized(ctx context.Context, id, conversationID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.rows[id]
	if !ok {
		return false, nil
	}
	byConversation := conversationID != "" && a.ConversationID == conversationID
	byOwner := userID != "" && a.ConversationID == "" && a.SourceType == SourceUser && a.SourceID == userID
	if !byConversation && !byOwner {
		return false, nil
	}
	delete(m.rows, id)
	return true, nil
}

func (m *MemoryStore) Claim(ctx context.Context, id, conversationID, requiredSourceID string) (*Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.rows[id]
	if !ok || a.ConversationID != "" || a.SourceID != requiredSourceID {
		return nil, nil
	}
	a.ConversationID = conversationID
	return cloneAttachment(a), nil
}

func (m *MemoryStore) SetConversation(ctx context.Context, id, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.rows[id]
	if !ok {
		return storage.ErrNotFound
	}
	a.ConversationID = conversationID
	return nil
}

func (m *MemoryStore) LinkMessage(ctx context.Context, id, conversationID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.rows[id]
	if !ok {
		return storage.ErrNotFound
	}
	a.ConversationID = conversationID
	a.MessageID = messageID
	return nil
}

func (m *MemoryStore) ReferencedIDs(ctx context.Context) (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keep := make(map[string]struct{}, len(m.rows))
	for id := range m.rows {
		keep[id] = struct{}{}
	}
	return keep, nil
}

func cloneAttachment(a *Attachment) *Attachment {
	c := *a
	if a.Metadata != nil {
		c.Metadata = make(map[string]any, len(a.Metadata))
		for k, v := range a.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
