package queue

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DefaultMaxRetries is applied when an EnqueueRequest leaves MaxRetries
// unset.
const DefaultMaxRetries = 3

// EnqueueRequest describes a task to insert.
type EnqueueRequest struct {
	TaskID         string
	Type           string
	Payload        map[string]any
	ScheduledAt    time.Time
	MaxRetries     int
	RecurrenceRule string
	OriginalTaskID string
}

func (r EnqueueRequest) validate() error {
	if strings.TrimSpace(r.TaskID) == "" {
		return fmt.Errorf("task id is required")
	}
	if strings.TrimSpace(r.Type) == "" {
		return fmt.Errorf("task type is required")
	}
	return nil
}

// Predicate selects tasks for bulk cancellation. Zero fields are ignored;
// set fields must all match.
type Predicate struct {
	// Types restricts matching to these task types.
	Types []string
	// IDPrefix matches task ids beginning with the prefix.
	IDPrefix string
	// PayloadEquals matches string-valued top-level payload keys.
	PayloadEquals map[string]string
}

// ListFilter bounds a List call. Zero fields are ignored.
type ListFilter struct {
	Status Status
	Type   string
	Limit  int
}

// Store is the interface for task persistence. Implementations must make
// Dequeue claim atomic: no two callers may observe the same row as claimed.
type Store interface {
	// Enqueue inserts a task. Inserting an id that already exists is a
	// no-op: the existing row is returned with created=false.
	Enqueue(ctx context.Context, req EnqueueRequest) (task *Task, created bool, err error)

	// Dequeue claims the oldest runnable task of the given types for
	// workerID, holding it for lease. Returns nil when nothing is
	// runnable.
	Dequeue(ctx context.Context, workerID string, types []string, lease time.Duration) (*Task, error)

	// UpdateStatus sets the task status, recording errMsg as last_error.
	// Terminal statuses release the lease and stamp completed_at.
	UpdateStatus(ctx context.Context, taskID string, status Status, errMsg string) error

	// RescheduleForRetry returns a claimed task to pending at a later
	// scheduled_at, releasing the lease.
	RescheduleForRetry(ctx context.Context, taskID string, nextScheduledAt time.Time, retryCount int, errMsg string) error

	// CancelMatching cancels all pending tasks the predicate selects and
	// returns how many were cancelled.
	CancelMatching(ctx context.Context, pred Predicate) (int, error)

	// ExtendLease pushes lease_expires_at forward for a task the worker
	// still holds. It fails if the lease was lost.
	ExtendLease(ctx context.Context, taskID, workerID string, lease time.Duration) error

	// Get returns a task by id.
	Get(ctx context.Context, taskID string) (*Task, error)

	// List returns tasks matching the filter, newest first.
	List(ctx context.Context, filter ListFilter) ([]*Task, error)
}

// Queue pairs a Store with a wake signal so workers pick up fresh work
// without waiting out the poll interval.
type Queue struct {
	Store
	wake chan struct{}
}

// New wraps a store with a wake channel.
func New(store Store) *Queue {
	return &Queue{Store: store, wake: make(chan struct{}, 1)}
}

// Enqueue inserts a task and nudges one sleeping worker.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*Task, bool, error) {
	task, created, err := q.Store.Enqueue(ctx, req)
	if err == nil && created {
		q.Signal()
	}
	return task, created, err
}

// Signal nudges one sleeping worker. Callers that insert task rows outside
// the queue's own Enqueue (inside a store transaction) use it after commit.
func (q *Queue) Signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Wake returns the channel signalled on enqueue.
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}
