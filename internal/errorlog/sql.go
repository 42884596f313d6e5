package errorlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLStore persists error-log entries in the shared SQLite database.
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

// NewSQLStore creates an error log backed by db. The schema must already be
// applied (see storage.Open).
func NewSQLStore(db *sql.DB, opts ...SQLOption) *SQLStore {
	s := &SQLStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SQLStore) Append(ctx context.Context, entry *Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now().UTC()
	}
	if entry.Level == "" {
		entry.Level = LevelError
	}

	var traceback any
	if entry.Traceback != "" {
		traceback = entry.Traceback
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO error_logs (timestamp, level, logger_name, message, traceback)
		VALUES (?, ?, ?, ?, ?)`,
		entry.Timestamp, entry.Level, entry.LoggerName, entry.Message, traceback,
	)
	if err != nil {
		return fmt.Errorf("failed to append error log entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read error log id: %w", err)
	}
	entry.ID = id
	return nil
}

func (s *SQLStore) List(ctx context.Context, filter ListFilter) ([]*Entry, error) {
	query := `SELECT id, timestamp, level, logger_name, message, traceback
		FROM error_logs WHERE 1=1`
	var args []any

	if filter.Level != "" {
		query += ` AND level = ?`
		args = append(args, filter.Level)
	}
	if !filter.Since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, filter.Since.UTC())
	}
	query += ` ORDER BY timestamp DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list error log entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry := &Entry{}
		var traceback sql.NullString
		if err := rows.Scan(&entry.ID, &entry.Timestamp, &entry.Level,
			&entry.LoggerName, &entry.Message, &traceback); err != nil {
			return nil, fmt.Errorf("failed to scan error log entry: %w", err)
		}
		entry.Traceback = traceback.String
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating error log entries: %w", err)
	}
	return entries, nil
}

func (s *SQLStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM error_logs WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune error log: %w", err)
	}
	pruned, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read prune result: %w", err)
	}
	return pruned, nil
}
