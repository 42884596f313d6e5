// Package errorlog persists failures that operators need to find after the
// fact: misconfigured task types, broken condition scripts, handler bugs.
// The table is append-only; a maintenance job prunes old rows.
package errorlog

import (
	"context"
	"time"

	"github.com/stewardhq/steward/internal/observability"
)

// Severity levels recorded in entries.
const (
	LevelWarning  = "warning"
	LevelError    = "error"
	LevelCritical = "critical"
)

// Entry is one recorded failure.
type Entry struct {
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Level      string    `json:"level"`
	LoggerName string    `json:"logger_name"`
	Message    string    `json:"message"`
	Traceback  string    `json:"traceback,omitempty"`
}

// ListFilter bounds a List call. Zero fields are ignored.
type ListFilter struct {
	Level string
	Since time.Time
	Limit int
}

// Store persists error-log entries.
type Store interface {
	// Append inserts an entry, assigning its id. A zero timestamp is
	// stamped with now; an empty level defaults to error.
	Append(ctx context.Context, entry *Entry) error

	// List returns entries matching the filter, newest first.
	List(ctx context.Context, filter ListFilter) ([]*Entry, error)

	// Prune deletes entries older than now-olderThan and returns how many
	// were removed.
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Record appends to the error log, degrading to a log line when the write
// fails. A nil store makes it a no-op so callers need no guard.
func Record(ctx context.Context, store Store, logger *observability.Logger, entry Entry) {
	if store == nil {
		return
	}
	if err := store.Append(ctx, &entry); err != nil && logger != nil {
		logger.Error(ctx, "failed to append error log entry",
			"error", err, "original_message", entry.Message)
	}
}
