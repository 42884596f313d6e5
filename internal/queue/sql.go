package queue

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

const taskColumns = `task_id, task_type, payload, status, scheduled_at, created_at,
	updated_at, started_at, completed_at, retry_count, max_retries, last_error,
	worker_id, lease_expires_at, recurrence_rule, original_task_id`

// DBTX is the execution surface the transaction helpers need. Both *sql.DB
// and *sql.Tx satisfy it.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SQLStore persists tasks in the shared SQLite database.
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

// NewSQLStore creates a task store backed by db. The schema must already be
// applied (see storage.Open).
func NewSQLStore(db *sql.DB, opts ...SQLOption) *SQLStore {
	s := &SQLStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InsertTaskTx applies Enqueue's insert semantics through db, which may be
// an open transaction. An existing task_id is a no-op; the return reports
// whether a new row was created.
func InsertTaskTx(ctx context.Context, db DBTX, now time.Time, req EnqueueRequest) (bool, error) {
	if err := req.validate(); err != nil {
		return false, err
	}

	now = now.UTC()
	scheduledAt := req.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = now
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	payloadJSON, err := json.Marshal(req.Payload)
	if err != nil {
		return false, fmt.Errorf("failed to marshal payload: %w", err)
	}

	res, err := db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, task_type, payload, status, scheduled_at,
			created_at, updated_at, max_retries, recurrence_rule, original_task_id)
		VALUES (?, ?, ?, 'pending', ?, ?, ?, ?, ?, ?)
		ON CONFLICT (task_id) DO NOTHING`,
		req.TaskID,
		req.Type,
		string(payloadJSON),
		scheduledAt.UTC(),
		now,
		now,
		maxRetries,
		nullIfEmpty(req.RecurrenceRule),
		nullIfEmpty(req.OriginalTaskID),
	)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue task: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	return inserted > 0, nil
}

func (s *SQLStore) Enqueue(ctx context.Context, req EnqueueRequest) (*Task, bool, error) {
	created, err := InsertTaskTx(ctx, s.db, s.now(), req)
	if err != nil {
		return nil, false, err
	}
	task, err := s.Get(ctx, req.TaskID)
	if err != nil {
		return nil, false, err
	}
	return task, created, nil
}

func (s *SQLStore) Dequeue(ctx context.Context, workerID string, types []string, lease time.Duration) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck // Rollback after commit returns ErrTxDone which is expected
	}()

	now := s.now().UTC()
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE scheduled_at <= ?
		AND ((status = 'pending' AND (worker_id IS NULL OR lease_expires_at < ?))
		  OR (status = 'in_progress' AND lease_expires_at < ?))`
	args := []any{now, now, now}

	if len(types) > 0 {
		query += ` AND task_type IN (` + placeholders(len(types)) + `)`
		for _, t := range types {
			args = append(args, t)
		}
	}
	query += ` ORDER BY scheduled_at ASC, created_at ASC LIMIT 1`

	task, err := scanTask(tx.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select runnable task: %w", err)
	}

	expires := now.Add(lease)
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'in_progress', worker_id = ?, lease_expires_at = ?,
			started_at = ?, updated_at = ?
		WHERE task_id = ? AND (status = 'pending' OR lease_expires_at < ?)`,
		workerID, expires, now, now, task.ID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}
	claimed, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read claim result: %w", err)
	}
	if claimed == 0 {
		// Another worker won the row between select and update.
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	task.Status = StatusInProgress
	task.WorkerID = workerID
	task.LeaseExpiresAt = &expires
	started := now
	task.StartedAt = &started
	task.UpdatedAt = now
	return task, nil
}

func (s *SQLStore) UpdateStatus(ctx context.Context, taskID string, status Status, errMsg string) error {
	now := s.now().UTC()

	var completedAt any
	if status.Terminal() {
		completedAt = now
	}

	var res sql.Result
	var err error
	if status == StatusInProgress {
		res, err = s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, last_error = ?, updated_at = ?
			WHERE task_id = ?`,
			string(status), nullIfEmpty(errMsg), now, taskID)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, last_error = ?, updated_at = ?,
				completed_at = ?, worker_id = NULL, lease_expires_at = NULL
			WHERE task_id = ?`,
			string(status), nullIfEmpty(errMsg), now, completedAt, taskID)
	}
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	return requireRow(res)
}

func (s *SQLStore) RescheduleForRetry(ctx context.Context, taskID string, nextScheduledAt time.Time, retryCount int, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'pending', scheduled_at = ?, retry_count = ?, last_error = ?,
			worker_id = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE task_id = ?`,
		nextScheduledAt.UTC(), retryCount, nullIfEmpty(errMsg), s.now().UTC(), taskID,
	)
	if err != nil {
		return fmt.Errorf("failed to reschedule task: %w", err)
	}
	return requireRow(res)
}

// CancelMatchingTx applies CancelMatching through db, which may be an open
// transaction.
func CancelMatchingTx(ctx context.Context, db DBTX, now time.Time, pred Predicate) (int, error) {
	now = now.UTC()
	query := `UPDATE tasks
		SET status = 'cancelled', updated_at = ?, completed_at = ?,
			worker_id = NULL, lease_expires_at = NULL
		WHERE status = 'pending'`
	args := []any{now, now}

	if len(pred.Types) > 0 {
		query += ` AND task_type IN (` + placeholders(len(pred.Types)) + `)`
		for _, t := range pred.Types {
			args = append(args, t)
		}
	}
	if pred.IDPrefix != "" {
		query += ` AND substr(task_id, 1, ?) = ?`
		args = append(args, len(pred.IDPrefix), pred.IDPrefix)
	}
	for key, want := range pred.PayloadEquals {
		query += ` AND json_extract(payload, ?) = ?`
		args = append(args, "$."+key, want)
	}

	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel tasks: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read cancel result: %w", err)
	}
	return int(affected), nil
}

func (s *SQLStore) CancelMatching(ctx context.Context, pred Predicate) (int, error) {
	return CancelMatchingTx(ctx, s.db, s.now(), pred)
}

func (s *SQLStore) ExtendLease(ctx context.Context, taskID, workerID string, lease time.Duration) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET lease_expires_at = ?, updated_at = ?
		WHERE task_id = ? AND worker_id = ? AND status = 'in_progress'`,
		now.Add(lease), now, taskID, workerID,
	)
	if err != nil {
		return fmt.Errorf("failed to extend lease: %w", err)
	}
	return requireRow(res)
}

func (s *SQLStore) Get(ctx context.Context, taskID string) (*Task, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

func (s *SQLStore) List(ctx context.Context, filter ListFilter) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Type != "" {
		query += ` AND task_type = ?`
		args = append(args, filter.Type)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	task := &Task{}
	var status string
	var payloadJSON []byte
	var startedAt, completedAt, leaseExpiresAt sql.NullTime
	var lastError, workerID, recurrenceRule, originalTaskID sql.NullString

	err := row.Scan(
		&task.ID,
		&task.Type,
		&payloadJSON,
		&status,
		&task.ScheduledAt,
		&task.CreatedAt,
		&task.UpdatedAt,
		&startedAt,
		&completedAt,
		&task.RetryCount,
		&task.MaxRetries,
		&lastError,
		&workerID,
		&leaseExpiresAt,
		&recurrenceRule,
		&originalTaskID,
	)
	if err != nil {
		return nil, err
	}

	task.Status = Status(status)
	task.LastError = lastError.String
	task.WorkerID = workerID.String
	task.RecurrenceRule = recurrenceRule.String
	task.OriginalTaskID = originalTaskID.String
	if startedAt.Valid {
		v := startedAt.Time
		task.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		task.CompletedAt = &v
	}
	if leaseExpiresAt.Valid {
		v := leaseExpiresAt.Time
		task.LeaseExpiresAt = &v
	}
	if len(payloadJSON) > 0 && string(payloadJSON) != "null" {
		if err := json.Unmarshal(payloadJSON, &task.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}
	return task, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func requireRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}
