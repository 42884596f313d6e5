package jobs

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

const workerTaskColumns = `id, name, status, payload, exit_code, summary,
	output_files, created_at, updated_at, completed_at`

// SQLStore persists worker tasks in the shared SQLite database.
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

// NewSQLStore creates a worker-task store backed by db. The schema must
// already be applied (see storage.Open).
func NewSQLStore(db *sql.DB, opts ...SQLOption) *SQLStore {
	s := &SQLStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SQLStore) Create(ctx context.Context, task *WorkerTask) error {
	if task == nil || strings.TrimSpace(task.ID) == "" {
		return fmt.Errorf("worker task id is required")
	}

	status := task.Status
	if status == "" {
		status = StatusQueued
	}
	payloadJSON, err := json.Marshal(task.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	now := s.now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO worker_tasks (id, name, status, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		task.ID, task.Name, string(status), string(payloadJSON), now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create worker task: %w", err)
	}

	task.Status = status
	task.CreatedAt = now
	task.UpdatedAt = now
	task.CompletedAt = nil
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*WorkerTask, error) {
	task, err := scanWorkerTask(s.db.QueryRowContext(ctx,
		`SELECT `+workerTaskColumns+` FROM worker_tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get worker task: %w", err)
	}
	return task, nil
}

func (s *SQLStore) List(ctx context.Context, filter ListFilter) ([]*WorkerTask, error) {
	query := `SELECT ` + workerTaskColumns + ` FROM worker_tasks WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list worker tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*WorkerTask
	for rows.Next() {
		task, err := scanWorkerTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan worker task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating worker tasks: %w", err)
	}
	return tasks, nil
}

func (s *SQLStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE worker_tasks SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), s.now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update worker task: %w", err)
	}
	return requireRow(res)
}

func (s *SQLStore) Complete(ctx context.Context, id string, status Status, result *Result) error {
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}

	var exitCode, summary, outputFiles any
	if result != nil {
		exitCode = result.ExitCode
		if result.Summary != "" {
			summary = result.Summary
		}
		if len(result.OutputFiles) > 0 {
			filesJSON, err := json.Marshal(result.OutputFiles)
			if err != nil {
				return fmt.Errorf("failed to marshal output files: %w", err)
			}
			outputFiles = string(filesJSON)
		}
	}

	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE worker_tasks
		SET status = ?, exit_code = ?, summary = ?, output_files = ?,
			updated_at = ?, completed_at = ?
		WHERE id = ?`,
		string(status), exitCode, summary, outputFiles, now, now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to complete worker task: %w", err)
	}
	return requireRow(res)
}

func (s *SQLStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM worker_tasks
		WHERE created_at < ? AND status IN (?, ?)`,
		cutoff, string(StatusCompleted), string(StatusFailed),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune worker tasks: %w", err)
	}
	pruned, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read prune result: %w", err)
	}
	return pruned, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkerTask(row rowScanner) (*WorkerTask, error) {
	task := &WorkerTask{}
	var status string
	var payloadJSON, outputFiles sql.NullString
	var exitCode sql.NullInt64
	var summary sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(
		&task.ID,
		&task.Name,
		&status,
		&payloadJSON,
		&exitCode,
		&summary,
		&outputFiles,
		&task.CreatedAt,
		&task.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Status = Status(status)
	if completedAt.Valid {
		v := completedAt.Time
		task.CompletedAt = &v
	}
	if payloadJSON.Valid && payloadJSON.String != "" && payloadJSON.String != "null" {
		if err := json.Unmarshal([]byte(payloadJSON.String), &task.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}
	if exitCode.Valid || summary.Valid || outputFiles.Valid {
		result := &Result{
			ExitCode: int(exitCode.Int64),
			Summary:  summary.String,
		}
		if outputFiles.Valid && outputFiles.String != "" {
			if err := json.Unmarshal([]byte(outputFiles.String), &result.OutputFiles); err != nil {
				return nil, fmt.Errorf("failed to unmarshal output files: %w", err)
			}
		}
		task.Result = result
	}
	return task, nil
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
