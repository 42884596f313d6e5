// Package jobs tracks work handed to external workers. A worker task row is
// created when a job is dispatched out of process; the worker reports back by
// POSTing a completion payload to the webhook endpoint, and the bridge in
// this package applies it.
package jobs

import (
	"context"
	"time"
)

// Status is the lifecycle state of a worker task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether a task in this status will never change again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Result is what an external worker reports on completion.
type Result struct {
	ExitCode    int      `json:"exit_code"`
	Summary     string   `json:"summary,omitempty"`
	OutputFiles []string `json:"output_files,omitempty"`
}

// WorkerTask is one externally-executed job.
type WorkerTask struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Status  Status         `json:"status"`
	Payload map[string]any `json:"payload,omitempty"`
	Result  *Result        `json:"result,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// PayloadString returns a string payload value, or "" when absent or not a
// string.
func (t *WorkerTask) PayloadString(key string) string {
	if t.Payload == nil {
		return ""
	}
	s, _ := t.Payload[key].(string)
	return s
}

// ListFilter bounds a List call. Zero fields are ignored.
type ListFilter struct {
	Status Status
	Limit  int
}

// Store persists worker-task rows.
type Store interface {
	// Create inserts a task. A missing status defaults to queued.
	Create(ctx context.Context, task *WorkerTask) error

	// Get returns a task by id, or storage.ErrNotFound.
	Get(ctx context.Context, id string) (*WorkerTask, error)

	// List returns tasks matching the filter, newest first.
	List(ctx context.Context, filter ListFilter) ([]*WorkerTask, error)

	// UpdateStatus moves a task between non-terminal states.
	UpdateStatus(ctx context.Context, id string, status Status) error

	// Complete records a terminal status and the worker's result.
	Complete(ctx context.Context, id string, status Status, result *Result) error

	// Prune deletes terminal tasks created before now-olderThan and returns
	// how many were removed. Running tasks are never pruned.
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

func cloneWorkerTask(t *WorkerTask) *WorkerTask {
	clone := *t
	if t.Payload != nil {
		clone.Payload = make(map[string]any, len(t.Payload))
		for k, v := range t.Payload {
			clone.Payload[k] = v
		}
	}
	if t.Result != nil {
		res := *t.Result
		if t.Result.OutputFiles != nil {
			res.OutputFiles = append([]string(nil), t.Result.OutputFiles...)
		}
		clone.Result = &res
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		clone.CompletedAt = &v
	}
	return &clone
}
