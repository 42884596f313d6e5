package a2a

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/stewardhq/steward/internal/storage"
)

// MemoryStore is an in-memory Store for tests and ephemeral deployments.
type MemoryStore struct {
	mu   sync.RWMutex
	recs map[string]*TaskRecord
	now  func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryNow overrides the clock, for tests.
func WithMemoryNow(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{recs: make(map[string]*TaskRecord), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Insert(ctx context.Context, rec *TaskRecord) error {
	if rec == nil || strings.TrimSpace(rec.TaskID) == "" {
		return fmt.Errorf("a2a task id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.recs[rec.TaskID]; exists {
		return storage.ErrAlreadyExists
	}
	now := s.now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	s.recs[rec.TaskID] = cloneRecord(rec)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, taskID string) (*TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[taskID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (s *MemoryStore) Update(ctx context.Context, taskID string, status TaskState, artifacts, history json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[taskID]
	if !ok {
		return storage.ErrNotFound
	}
	rec.Status = status
	if artifacts != nil {
		rec.ArtifactsJSON = append(json.RawMessage(nil), artifacts...)
	}
	if history != nil {
		rec.HistoryJSON = append(json.RawMessage(nil), history...)
	}
	rec.UpdatedAt = s.now().UTC()
	return nil
}
