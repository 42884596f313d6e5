// Package queue implements the durable task queue: a leased-row store with
// memory and SQLite backends, and the worker pool that drains it.
package queue

import "time"

// Status is the lifecycle state of a task row.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether a task in this status will never run again.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCancelled
}

// Task types handled by the core daemon.
const (
	TypeLLMCallback     = "llm_callback"
	TypeScriptExecution = "script_execution"
	TypeIndexDocument   = "index_document"
)

// Task is a row in the task queue.
type Task struct {
	ID             string         `json:"task_id"`
	Type           string         `json:"task_type"`
	Payload        map[string]any `json:"payload,omitempty"`
	Status         Status         `json:"status"`
	ScheduledAt    time.Time      `json:"scheduled_at"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	RetryCount     int            `json:"retry_count"`
	MaxRetries     int            `json:"max_retries"`
	LastError      string         `json:"last_error,omitempty"`
	WorkerID       string         `json:"worker_id,omitempty"`
	LeaseExpiresAt *time.Time     `json:"lease_expires_at,omitempty"`
	RecurrenceRule string         `json:"recurrence_rule,omitempty"`
	OriginalTaskID string         `json:"original_task_id,omitempty"`
}

// PayloadString returns a string payload value, or "" when absent or not a
// string.
func (t *Task) PayloadString(key string) string {
	if t.Payload == nil {
		return ""
	}
	s, _ := t.Payload[key].(string)
	return s
}

// RecurrenceBase returns the id the recurrence chain is keyed on: the
// original task for successors, the task itself for the first instance.
func (t *Task) RecurrenceBase() string {
	if t.OriginalTaskID != "" {
		return t.OriginalTaskID
	}
	return t.ID
}

func cloneTask(t *Task) *Task {
	clone := *t
	if t.Payload != nil {
		clone.Payload = clonePayload(t.Payload)
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		clone.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		clone.CompletedAt = &v
	}
	if t.LeaseExpiresAt != nil {
		v := *t.LeaseExpiresAt
		clone.LeaseExpiresAt = &v
	}
	return &clone
}

func clonePayload(payload map[string]any) map[string]any {
	clone := make(map[string]any, len(payload))
	for k, v := range payload {
		switch typed := v.(type) {
		case map[string]any:
			clone[k] = clonePayload(typed)
		case []any:
			list := make([]any, len(typed))
			copy(list, typed)
			clone[k] = list
		default:
			clone[k] = v
		}
	}
	return clone
}
