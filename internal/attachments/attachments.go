// Package attachments is the registry for binary content flowing through
// the assistant: user uploads, tool outputs, and script results. Metadata
// rows live in the shared database; content lives in a blob store keyed by
// attachment id. Uploads start unlinked and are claimed into a conversation
// when a message referencing them is composed.
package attachments

import (
	"context"
	"time"
)

// SourceType identifies what produced an attachment.
type SourceType string

const (
	SourceUser   SourceType = "user"
	SourceTool   SourceType = "tool"
	SourceScript SourceType = "script"
)

// Attachment is one registry row. ConversationID is empty while the
// attachment sits in unlinked staging.
type Attachment struct {
	ID             string         `json:"attachment_id"`
	SourceType     SourceType     `json:"source_type"`
	SourceID       string         `json:"source_id,omitempty"`
	MimeType       string         `json:"mime_type"`
	Description    string         `json:"description,omitempty"`
	Size           int64          `json:"size"`
	ContentURL     string         `json:"content_url,omitempty"`
	StoragePath    string         `json:"storage_path,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	MessageID      string         `json:"message_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	AccessedAt     time.Time      `json:"accessed_at,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Filter narrows List results.
type Filter struct {
	ConversationID string
	SourceType     SourceType
	Limit          int
}

// Store persists attachment metadata.
type Store interface {
	Insert(ctx context.Context, a *Attachment) error

	// Get returns one row, or storage.ErrNotFound.
	Get(ctx context.Context, id string) (*Attachment, error)

	// Touch bumps accessed_at.
	Touch(ctx context.Context, id string, at time.Time) error

	// List returns rows most-recent first.
	List(ctx context.Context, f Filter) ([]*Attachment, error)

	// DeleteAuthorized removes the row in one statement when it is linked
	// to conversationID, or unlinked and owned by userID. It reports
	// whether a row was removed; an authorization miss is not an error.
	DeleteAuthorized(ctx context.Context, id, conversationID, userID string) (bool, error)

	// Claim assigns conversationID only if the row is still unlinked and
	// owned by requiredSourceID. Returns (nil, nil) when the claim loses.
	Claim(ctx context.Context, id, conversationID, requiredSourceID string) (*Attachment, error)

	// SetConversation links the row unconditionally.
	SetConversation(ctx context.Context, id, conversationID string) error

	// LinkMessage stamps the conversation and the message that carried the
	// attachment, at send time.
	LinkMessage(ctx context.Context, id, conversationID, messageID string) error

	// ReferencedIDs returns every attachment id known to the metadata
	// store, the keep-set for the orphan sweep.
	ReferencedIDs(ctx context.Context) (map[string]struct{}, error)
}

// BlobInfo describes stored content.
type BlobInfo struct {
	Path string
	Size int64
}

// BlobStore holds attachment content, one blob per attachment id.
type BlobStore interface {
	Write(ctx context.Context, id string, content []byte) (BlobInfo, error)

	// Read returns the content, or storage.ErrNotFound.
	Read(ctx context.Context, id string) ([]byte, error)

	// Stat returns location and size without reading the content.
	Stat(ctx context.Context, id string) (BlobInfo, error)

	// Delete removes the blob. Missing blobs are not an error.
	Delete(ctx context.Context, id string) error

	// Sweep deletes every blob whose id is not in keep and returns the
	// number removed.
	Sweep(ctx context.Context, keep map[string]struct{}) (int, error)
}
