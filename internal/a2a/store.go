package a2a

import (
	"context"
	"encoding/json"
	"time"
)

// TaskRecord is the persisted state of one protocol task.
type TaskRecord struct {
	TaskID         string
	ProfileID      string
	ConversationID string
	ContextID      string
	Status         TaskState
	ArtifactsJSON  json.RawMessage
	HistoryJSON    json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Store persists protocol tasks.
type Store interface {
	// Insert creates a record. The task id must be unique.
	Insert(ctx context.Context, rec *TaskRecord) error

	// Get returns the record or storage.ErrNotFound.
	Get(ctx context.Context, taskID string) (*TaskRecord, error)

	// Update replaces status, artifacts, and history of an existing
	// record and bumps updated_at.
	Update(ctx context.Context, taskID string, status TaskState, artifacts, history json.RawMessage) error
}

// wireTask converts a record back to the wire shape.
func wireTask(rec *TaskRecord) (*Task, error) {
	task := &Task{
		ID:        rec.TaskID,
		ContextID: rec.ContextID,
		Kind:      "task",
		Status: TaskStatus{
			State:     rec.Status,
			Timestamp: rec.UpdatedAt.UTC().Format(time.RFC3339),
		},
	}
	if len(rec.ArtifactsJSON) > 0 {
		if err := json.Unmarshal(rec.ArtifactsJSON, &task.Artifacts); err != nil {
			return nil, err
		}
	}
	if len(rec.HistoryJSON) > 0 {
		if err := json.Unmarshal(rec.HistoryJSON, &task.History); err != nil {
			return nil, err
		}
	}
	return task, nil
}

func cloneRecord(rec *TaskRecord) *TaskRecord {
	if rec == nil {
		return nil
	}
	out := *rec
	out.ArtifactsJSON = append(json.RawMessage(nil), rec.ArtifactsJSON...)
	out.HistoryJSON = append(json.RawMessage(nil), rec.HistoryJSON...)
	return &out
}
