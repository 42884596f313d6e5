package attachments

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stewardhq/steward/internal/storage"
)

const attachmentColumns = `attachment_id, source_type, source_id, mime_type,
	description, size, content_url, storage_path, conversation_id, message_id,
	created_at, accessed_at, metadata`

// SQLStore persists attachment metadata in the shared SQLite database.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a metadata store backed by db. The schema must already
// be applied (see storage.Open).
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Insert(ctx context.Context, a *Attachment) error {
	var metaJSON any
	if len(a.Metadata) > 0 {
		raw, err := json.Marshal(a.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal attachment metadata: %w", err)
		}
		metaJSON = string(raw)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attachment_metadata (`+attachmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		string(a.SourceType),
		nullIfEmptyStr(a.SourceID),
		a.MimeType,
		nullIfEmptyStr(a.Description),
		a.Size,
		nullIfEmptyStr(a.ContentURL),
		nullIfEmptyStr(a.StoragePath),
		nullIfEmptyStr(a.ConversationID),
		nullIfEmptyStr(a.MessageID),
		a.CreatedAt.UTC(),
		nullableAt(a.AccessedAt),
		metaJSON,
	)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert attachment: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Attachment, error) {
	a, err := scanAttachment(s.db.QueryRowContext(ctx,
		`SELECT `+attachmentColumns+` FROM attachment_metadata WHERE attachment_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get attachment: %w", err)
	}
	return a, nil
}

func (s *SQLStore) Touch(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE attachment_metadata SET accessed_at = ? WHERE attachment_id = ?`,
		at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to touch attachment: %w", err)
	}
	return requireAttachmentRow(res)
}

func (s *SQLStore) List(ctx context.Context, f Filter) ([]*Attachment, error) {
	query := `SELECT ` + attachmentColumns + ` FROM attachment_metadata WHERE 1=1`
	var args []any
	if f.ConversationID != "" {
		query += ` AND conversation_id = ?`
		args = append(args, f.ConversationID)
	}
	if f.SourceType != "" {
		query += ` AND source_type = ?`
		args = append(args, string(f.SourceType))
	}
	query += ` ORDER BY created_at DESC, attachment_id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list attachments: %w", err)
	}
	defer rows.Close()

	var out []*Attachment
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attachments: %w", err)
	}
	return out, nil
}

// DeleteAuthorized checks authorization and deletes in the same statement so
// a concurrent claim cannot slip between the check and the delete.
func (s *SQLStore) DeleteAuthorized(ctx context.Context, id, conversationID, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM attachment_metadata
		WHERE attachment_id = ?
		  AND ((? <> '' AND conversation_id = ?)
			OR (? <> '' AND conversation_id IS NULL AND source_type = 'user' AND source_id = ?))`,
		id, conversationID, conversationID, userID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to delete attachment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read delete result: %w", err)
	}
	return affected > 0, nil
}

func (s *SQLStore) Claim(ctx context.Context, id, conversationID, requiredSourceID string) (*Attachment, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE attachment_metadata SET conversation_id = ?
		WHERE attachment_id = ? AND conversation_id IS NULL AND source_id = ?`,
		conversationID, id, requiredSourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim attachment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read claim result: %w", err)
	}
	if affected == 0 {
		// Already linked, owned by someone else, or gone.
		return nil, nil
	}
	return s.Get(ctx, id)
}

func (s *SQLStore) SetConversation(ctx context.Context, id, conversationID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE attachment_metadata SET conversation_id = ? WHERE attachment_id = ?`,
		conversationID, id)
	if err != nil {
		return fmt.Errorf("failed to link attachment: %w", err)
	}
	return requireAttachmentRow(res)
}

func (s *SQLStore) LinkMessage(ctx context.Context, id, conversationID, messageID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE attachment_metadata SET conversation_id = ?, message_id = ?
		WHERE attachment_id = ?`,
		conversationID, messageID, id)
	if err != nil {
		return fmt.Errorf("failed to link attachment to message: %w", err)
	}
	return requireAttachmentRow(res)
}

func (s *SQLStore) ReferencedIDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT attachment_id FROM attachment_metadata`)
	if err != nil {
		return nil, fmt.Errorf("failed to scan attachment ids: %w", err)
	}
	defer rows.Close()

	keep := map[string]struct{}{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan attachment id: %w", err)
		}
		keep[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attachment ids: %w", err)
	}
	return keep, nil
}

func scanAttachment(row interface{ Scan(dest ...any) error }) (*Attachment, error) {
	a := &Attachment{}
	var sourceType string
	var sourceID, description, contentURL, storagePath sql.NullString
	var conversationID, messageID, metaJSON sql.NullString
	var accessedAt sql.NullTime

	err := row.Scan(
		&a.ID,
		&sourceType,
		&sourceID,
		&a.MimeType,
		&description,
		&a.Size,
		&contentURL,
		&storagePath,
		&conversationID,
		&messageID,
		&a.CreatedAt,
		&accessedAt,
		&metaJSON,
	)
	if err != nil {
		return nil, err
	}

	a.SourceType = SourceType(sourceType)
	a.SourceID = sourceID.String
	a.Description = description.String
	a.ContentURL = contentURL.String
	a.StoragePath = storagePath.String
	a.ConversationID = conversationID.String
	a.MessageID = messageID.String
	if accessedAt.Valid {
		a.AccessedAt = accessedAt.Time
	}
	if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
		if err := json.Unmarshal([]byte(metaJSON.String), &a.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal attachment metadata: %w", err)
		}
	}
	return a, nil
}

func nullIfEmptyStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableAt(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func requireAttachmentRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}
