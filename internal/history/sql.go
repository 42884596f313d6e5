package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stewardhq/steward/internal/storage"
	"github.com/stewardhq/steward/pkg/models"
)

const messageColumns = `internal_id, interface_type, conversation_id, interface_message_id,
	turn_id, thread_root_id, timestamp, role, content, tool_calls, tool_call_id,
	reasoning_info, error_traceback, attachments`

// SQLStore persists message history in the shared SQLite database.
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

// NewSQLStore creates a history store backed by db. The schema must already
// be applied (see storage.Open).
func NewSQLStore(db *sql.DB, opts ...SQLOption) *SQLStore {
	s := &SQLStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SQLStore) Append(ctx context.Context, msg *models.Message) (int64, error) {
	if err := validate(msg); err != nil {
		return 0, err
	}

	if msg.ThreadRootID != nil {
		if _, err := s.Get(ctx, *msg.ThreadRootID); err != nil {
			return 0, fmt.Errorf("thread root %d: %w", *msg.ThreadRootID, err)
		}
	}

	timestamp := msg.Timestamp
	if timestamp.IsZero() {
		timestamp = s.now()
	}
	timestamp = timestamp.UTC()

	toolCallsJSON, err := marshalOrNull(msg.ToolCalls, len(msg.ToolCalls) > 0)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal tool calls: %w", err)
	}
	attachmentsJSON, err := marshalOrNull(msg.Attachments, len(msg.Attachments) > 0)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal attachments: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO message_history (interface_type, conversation_id, interface_message_id,
			turn_id, thread_root_id, timestamp, role, content, tool_calls, tool_call_id,
			reasoning_info, error_traceback, attachments)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(msg.InterfaceType),
		msg.ConversationID,
		nullString(msg.InterfaceMessageID),
		nullString(msg.TurnID),
		nullInt64(msg.ThreadRootID),
		timestamp,
		string(msg.Role),
		msg.Content,
		toolCallsJSON,
		nullString(msg.ToolCallID),
		rawOrNull(msg.ReasoningInfo),
		nullString(msg.ErrorTraceback),
		attachmentsJSON,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to append message: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted id: %w", err)
	}
	msg.InternalID = id
	msg.Timestamp = timestamp
	return id, nil
}

func (s *SQLStore) Get(ctx context.Context, internalID int64) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM message_history WHERE internal_id = ?`, internalID)

	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *SQLStore) Recent(ctx context.Context, interfaceType models.InterfaceType, conversationID string, opts RecentOptions) ([]*models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM message_history
		WHERE interface_type = ? AND conversation_id = ?`
	args := []any{string(interfaceType), conversationID}

	if opts.MaxAge > 0 {
		query += ` AND timestamp >= ?`
		args = append(args, s.now().Add(-opts.MaxAge).UTC())
	}
	query += ` ORDER BY internal_id DESC LIMIT ?`
	args = append(args, opts.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	messages, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}

	// Reverse to get chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *SQLStore) ByTurn(ctx context.Context, turnID string) ([]*models.Message, error) {
	if turnID == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM message_history WHERE turn_id = ? ORDER BY internal_id ASC`,
		turnID)
	if err != nil {
		return nil, fmt.Errorf("failed to query turn: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*models.Message, error) {
	msg := &models.Message{}
	var interfaceType, role string
	var interfaceMessageID, turnID, toolCallID, errTraceback sql.NullString
	var threadRootID sql.NullInt64
	var toolCallsJSON, reasoningJSON, attachmentsJSON []byte

	err := row.Scan(
		&msg.InternalID,
		&interfaceType,
		&msg.ConversationID,
		&interfaceMessageID,
		&turnID,
		&threadRootID,
		&msg.Timestamp,
		&role,
		&msg.Content,
		&toolCallsJSON,
		&toolCallID,
		&reasoningJSON,
		&errTraceback,
		&attachmentsJSON,
	)
	if err != nil {
		return nil, err
	}

	msg.InterfaceType = models.InterfaceType(interfaceType)
	msg.Role = models.Role(role)
	msg.InterfaceMessageID = interfaceMessageID.String
	msg.TurnID = turnID.String
	msg.ToolCallID = toolCallID.String
	msg.ErrorTraceback = errTraceback.String
	if threadRootID.Valid {
		root := threadRootID.Int64
		msg.ThreadRootID = &root
	}

	if len(toolCallsJSON) > 0 && string(toolCallsJSON) != "null" {
		if err := json.Unmarshal(toolCallsJSON, &msg.ToolCalls); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tool calls: %w", err)
		}
	}
	if len(attachmentsJSON) > 0 && string(attachmentsJSON) != "null" {
		if err := json.Unmarshal(attachmentsJSON, &msg.Attachments); err != nil {
			return nil, fmt.Errorf("failed to unmarshal attachments: %w", err)
		}
	}
	if len(reasoningJSON) > 0 && string(reasoningJSON) != "null" {
		msg.ReasoningInfo = json.RawMessage(append([]byte(nil), reasoningJSON...))
	}
	return msg, nil
}

func collectMessages(rows *sql.Rows) ([]*models.Message, error) {
	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return messages, nil
}

func marshalOrNull(v any, present bool) (any, error) {
	if !present {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func rawOrNull(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
