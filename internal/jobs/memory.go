package jobs

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stewardhq/steward/internal/storage"
)

// MemoryStore provides an in-memory Store implementation for testing and
// local runs.
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string]*WorkerTask
	seq   map[string]int
	next  int
	now   func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryNow overrides the clock, for tests.
func WithMemoryNow(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

// NewMemoryStore creates a new in-memory worker-task store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		tasks: map[string]*WorkerTask{},
		seq:   map[string]int{},
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryStore) Create(ctx context.Context, task *WorkerTask) error {
	if task == nil || strings.TrimSpace(task.ID) == "" {
		return fmt.Errorf("worker task id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tasks[task.ID]; exists {
		return fmt.Errorf("worker task %s already exists", task.ID)
	}

	now := m.now().UTC()
	stored := cloneWorkerTask(task)
	if stored.Status == "" {
		stored.Status = StatusQueued
	}
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.CompletedAt = nil

	m.tasks[stored.ID] = stored
	m.seq[stored.ID] = m.next
	m.next++

	*task = *cloneWorkerTask(stored)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*WorkerTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneWorkerTask(task), nil
}

func (m *MemoryStore) List(ctx context.Context, filter ListFilter) ([]*WorkerTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*WorkerTask
	for _, task := range m.tasks {
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		matched = append(matched, cloneWorkerTask(task))
	}
	sort.Slice(matched, func(i, j int) bool {
		return m.seq[matched[i].ID] > m.seq[matched[j].ID]
	})
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return storage.ErrNotFound
	}

	task.Status = status
	task.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemoryStore) Complete(ctx context.Context, id string, status Status, result *Result) error {
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return storage.ErrNotFound
	}

	now := m.now().UTC()
	task.Status = status
	task.UpdatedAt = now
	task.CompletedAt = &now
	task.Result = nil
	if result != nil {
		res := *result
		if result.OutputFiles != nil {
			res.OutputFiles = append([]string(nil), result.OutputFiles...)
		}
		task.Result = &res
	}
	return nil
}

func (m *MemoryStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().UTC().Add(-olderThan)
	var pruned int64
	for id, task := range m.tasks {
		if !task.Status.Terminal() || !task.CreatedAt.Before(cutoff) {
			continue
		}
		delete(m.tasks, id)
		delete(m.seq, id)
		pruned++
	}
	return pruned, nil
}
