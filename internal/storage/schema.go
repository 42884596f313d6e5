package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// Migrate creates any missing tables and indexes. Every statement is
// idempotent, so calling it on an already-migrated database is a no-op.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS message_history (
		internal_id          INTEGER PRIMARY KEY AUTOINCREMENT,
		interface_type       TEXT NOT NULL,
		conversation_id      TEXT NOT NULL,
		interface_message_id TEXT,
		turn_id              TEXT,
		thread_root_id       INTEGER,
		timestamp            TIMESTAMP NOT NULL,
		role                 TEXT NOT NULL,
		content              TEXT NOT NULL DEFAULT '',
		tool_calls           TEXT,
		tool_call_id         TEXT,
		reasoning_info       TEXT,
		error_traceback      TEXT,
		attachments          TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_history_conversation
		ON message_history(interface_type, conversation_id, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_history_turn ON message_history(turn_id)`,

	`CREATE TABLE IF NOT EXISTS tasks (
		task_id          TEXT PRIMARY KEY,
		task_type        TEXT NOT NULL,
		payload          TEXT NOT NULL DEFAULT '{}',
		status           TEXT NOT NULL DEFAULT 'pending',
		scheduled_at     TIMESTAMP NOT NULL,
		created_at       TIMESTAMP NOT NULL,
		updated_at       TIMESTAMP NOT NULL,
		started_at       TIMESTAMP,
		completed_at     TIMESTAMP,
		retry_count      INTEGER NOT NULL DEFAULT 0,
		max_retries      INTEGER NOT NULL DEFAULT 3,
		last_error       TEXT,
		worker_id        TEXT,
		lease_expires_at TIMESTAMP,
		recurrence_rule  TEXT,
		original_task_id TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_dequeue ON tasks(status, scheduled_at)`,

	`CREATE TABLE IF NOT EXISTS schedule_automations (
		id                TEXT PRIMARY KEY,
		conversation_id   TEXT NOT NULL,
		interface_type    TEXT NOT NULL,
		name              TEXT NOT NULL,
		description       TEXT,
		recurrence_rule   TEXT NOT NULL,
		action_type       TEXT NOT NULL,
		action_config     TEXT NOT NULL DEFAULT '{}',
		enabled           INTEGER NOT NULL DEFAULT 1,
		created_at        TIMESTAMP NOT NULL,
		last_execution_at TIMESTAMP,
		next_scheduled_at TIMESTAMP,
		execution_count   INTEGER NOT NULL DEFAULT 0,
		UNIQUE (conversation_id, name)
	)`,

	`CREATE TABLE IF NOT EXISTS event_listeners (
		id                TEXT PRIMARY KEY,
		conversation_id   TEXT NOT NULL,
		interface_type    TEXT NOT NULL,
		name              TEXT NOT NULL,
		description       TEXT,
		source_id         TEXT NOT NULL,
		match_conditions  TEXT NOT NULL DEFAULT '{}',
		condition_script  TEXT,
		action_type       TEXT NOT NULL,
		action_config     TEXT NOT NULL DEFAULT '{}',
		one_time          INTEGER NOT NULL DEFAULT 0,
		enabled           INTEGER NOT NULL DEFAULT 1,
		created_at        TIMESTAMP NOT NULL,
		last_execution_at TIMESTAMP,
		daily_executions  INTEGER NOT NULL DEFAULT 0,
		daily_reset_at    TIMESTAMP,
		UNIQUE (conversation_id, name)
	)`,

	`CREATE TABLE IF NOT EXISTS attachment_metadata (
		attachment_id   TEXT PRIMARY KEY,
		source_type     TEXT NOT NULL,
		source_id       TEXT,
		mime_type       TEXT NOT NULL,
		description     TEXT,
		size            INTEGER NOT NULL DEFAULT 0,
		content_url     TEXT,
		storage_path    TEXT,
		conversation_id TEXT,
		message_id      TEXT,
		created_at      TIMESTAMP NOT NULL,
		accessed_at     TIMESTAMP,
		metadata        TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_attachments_conversation
		ON attachment_metadata(conversation_id)`,

	`CREATE TABLE IF NOT EXISTS documents (
		id           TEXT PRIMARY KEY,
		title        TEXT NOT NULL,
		source_type  TEXT NOT NULL,
		source_id    TEXT,
		source_uri   TEXT,
		file_path    TEXT,
		doc_metadata TEXT,
		created_at   TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS document_embeddings (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		document_id     TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		chunk_index     INTEGER NOT NULL,
		embedding_type  TEXT NOT NULL,
		embedding_model TEXT NOT NULL,
		embedding       BLOB,
		content         TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_embeddings_document
		ON document_embeddings(document_id)`,

	`CREATE TABLE IF NOT EXISTS error_logs (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp   TIMESTAMP NOT NULL,
		level       TEXT NOT NULL,
		logger_name TEXT NOT NULL,
		message     TEXT NOT NULL,
		traceback   TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_error_logs_timestamp ON error_logs(timestamp)`,

	`CREATE TABLE IF NOT EXISTS a2a_tasks (
		task_id         TEXT PRIMARY KEY,
		profile_id      TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		context_id      TEXT NOT NULL,
		status          TEXT NOT NULL,
		artifacts_json  TEXT,
		history_json    TEXT,
		created_at      TIMESTAMP NOT NULL,
		updated_at      TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS worker_tasks (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL,
		status       TEXT NOT NULL,
		payload      TEXT,
		exit_code    INTEGER,
		summary      TEXT,
		output_files TEXT,
		created_at   TIMESTAMP NOT NULL,
		updated_at   TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	)`,
}
