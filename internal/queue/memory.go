package queue

import (
	"context"
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
	tasks map[string]*Task
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

// NewMemoryStore creates a new in-memory task store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		tasks: map[string]*Task{},
		seq:   map[string]int{},
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryStore) Enqueue(ctx context.Context, req EnqueueRequest) (*Task, bool, error) {
	if err := req.validate(); err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.tasks[req.TaskID]; ok {
		return cloneTask(existing), false, nil
	}

	now := m.now().UTC()
	scheduledAt := req.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = now
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	task := &Task{
		ID:             req.TaskID,
		Type:           req.Type,
		Payload:        clonePayload(req.Payload),
		Status:         StatusPending,
		ScheduledAt:    scheduledAt.UTC(),
		CreatedAt:      now,
		UpdatedAt:      now,
		MaxRetries:     maxRetries,
		RecurrenceRule: req.RecurrenceRule,
		OriginalTaskID: req.OriginalTaskID,
	}
	m.tasks[task.ID] = task
	m.seq[task.ID] = m.next
	m.next++
	return cloneTask(task), true, nil
}

func (m *MemoryStore) Dequeue(ctx context.Context, workerID string, types []string, lease time.Duration) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	var candidates []*Task
	for _, task := range m.tasks {
		if !m.runnableLocked(task, types, now) {
			continue
		}
		candidates = append(candidates, task)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].ScheduledAt.Equal(candidates[j].ScheduledAt) {
			return m.seq[candidates[i].ID] < m.seq[candidates[j].ID]
		}
		return candidates[i].ScheduledAt.Before(candidates[j].ScheduledAt)
	})

	task := candidates[0]
	expires := now.Add(lease)
	started := now
	task.Status = StatusInProgress
	task.WorkerID = workerID
	task.LeaseExpiresAt = &expires
	task.StartedAt = &started
	task.UpdatedAt = now
	return cloneTask(task), nil
}

func (m *MemoryStore) runnableLocked(task *Task, types []string, now time.Time) bool {
	if task.ScheduledAt.After(now) {
		return false
	}
	switch task.Status {
	case StatusPending:
		if task.WorkerID != "" && task.LeaseExpiresAt != nil && !task.LeaseExpiresAt.Before(now) {
			return false
		}
	case StatusInProgress:
		// Crash recovery: an elapsed lease makes the row claimable again.
		if task.LeaseExpiresAt == nil || !task.LeaseExpiresAt.Before(now) {
			return false
		}
	default:
		return false
	}
	if len(types) == 0 {
		return true
	}
	for _, t := range types {
		if task.Type == t {
			return true
		}
	}
	return false
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, taskID string, status Status, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return storage.ErrNotFound
	}

	now := m.now().UTC()
	task.Status = status
	task.LastError = errMsg
	task.UpdatedAt = now
	if status.Terminal() {
		completed := now
		task.CompletedAt = &completed
	}
	if status != StatusInProgress {
		task.WorkerID = ""
		task.LeaseExpiresAt = nil
	}
	return nil
}

func (m *MemoryStore) RescheduleForRetry(ctx context.Context, taskID string, nextScheduledAt time.Time, retryCount int, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return storage.ErrNotFound
	}

	task.Status = StatusPending
	task.ScheduledAt = nextScheduledAt.UTC()
	task.RetryCount = retryCount
	task.LastError = errMsg
	task.WorkerID = ""
	task.LeaseExpiresAt = nil
	task.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemoryStore) CancelMatching(ctx context.Context, pred Predicate) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	cancelled := 0
	for _, task := range m.tasks {
		if task.Status != StatusPending || !matchesPredicate(task, pred) {
			continue
		}
		task.Status = StatusCancelled
		task.UpdatedAt = now
		completed := now
		task.CompletedAt = &completed
		task.WorkerID = ""
		task.LeaseExpiresAt = nil
		cancelled++
	}
	return cancelled, nil
}

func matchesPredicate(task *Task, pred Predicate) bool {
	if len(pred.Types) > 0 {
		found := false
		for _, t := range pred.Types {
			if task.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if pred.IDPrefix != "" && !strings.HasPrefix(task.ID, pred.IDPrefix) {
		return false
	}
	for key, want := range pred.PayloadEquals {
		if task.PayloadString(key) != want {
			return false
		}
	}
	return true
}

func (m *MemoryStore) ExtendLease(ctx context.Context, taskID, workerID string, lease time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return storage.ErrNotFound
	}
	if task.Status != StatusInProgress || task.WorkerID != workerID {
		return storage.ErrNotFound
	}
	expires := m.now().UTC().Add(lease)
	task.LeaseExpiresAt = &expires
	task.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, taskID string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneTask(task), nil
}

func (m *MemoryStore) List(ctx context.Context, filter ListFilter) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*Task
	for _, task := range m.tasks {
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if filter.Type != "" && task.Type != filter.Type {
			continue
		}
		matched = append(matched, cloneTask(task))
	}
	sort.Slice(matched, func(i, j int) bool {
		return m.seq[matched[i].ID] > m.seq[matched[j].ID]
	})
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}
