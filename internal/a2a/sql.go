package a2a

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stewardhq/steward/internal/storage"
)

// SQLStore persists protocol tasks in the shared SQLite database.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// SQLOption configures a SQLStore.
type SQLOption func(*SQLStore)

// WithSQLNow overrides the clock, for tests.
func WithSQLNow(now func() time.Time) SQLOption {
	return func(s *SQLStore) { s.now = now }
}

// NewSQLStore creates a task store backed by db. The schema must already
// be applied (see storage.Open).
func NewSQLStore(db *sql.DB, opts ...SQLOption) *SQLStore {
	s := &SQLStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SQLStore) Insert(ctx context.Context, rec *TaskRecord) error {
	if rec == nil || strings.TrimSpace(rec.TaskID) == "" {
		return fmt.Errorf("a2a task id is required")
	}
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO a2a_tasks (task_id, profile_id, conversation_id, context_id,
			status, artifacts_json, history_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TaskID, rec.ProfileID, rec.ConversationID, rec.ContextID,
		string(rec.Status), nullableJSON(rec.ArtifactsJSON), nullableJSON(rec.HistoryJSON),
		now, now,
	)
	if storage.IsUniqueViolation(err) {
		return storage.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert a2a task: %w", err)
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now
	return nil
}

func (s *SQLStore) Get(ctx context.Context, taskID string) (*TaskRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, profile_id, conversation_id, context_id, status,
			artifacts_json, history_json, created_at, updated_at
		FROM a2a_tasks WHERE task_id = ?`, taskID)

	var rec TaskRecord
	var status string
	var artifacts, history sql.NullString
	err := row.Scan(&rec.TaskID, &rec.ProfileID, &rec.ConversationID,
		&rec.ContextID, &status, &artifacts, &history,
		&rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get a2a task: %w", err)
	}
	rec.Status = TaskState(status)
	if artifacts.Valid {
		rec.ArtifactsJSON = json.RawMessage(artifacts.String)
	}
	if history.Valid {
		rec.HistoryJSON = json.RawMessage(history.String)
	}
	return &rec, nil
}

func (s *SQLStore) Update(ctx context.Context, taskID string, status TaskState, artifacts, history json.RawMessage) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE a2a_tasks
		SET status = ?,
			artifacts_json = COALESCE(?, artifacts_json),
			history_json = COALESCE(?, history_json),
			updated_at = ?
		WHERE task_id = ?`,
		string(status), nullableJSON(artifacts), nullableJSON(history),
		s.now().UTC(), taskID,
	)
	if err != nil {
		return fmt.Errorf("failed to update a2a task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update a2a task: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
