package attachments

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stewardhq/steward/internal/observability"
)

// Registry coordinates metadata rows and blob content. Registration writes
// the blob before the metadata row; deletion removes the row before the
// blob, so a crash between the two leaves an orphan the sweep reclaims
// rather than a row pointing at nothing.
type Registry struct {
	store   Store
	blobs   BlobStore
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// RegistryOption configures the registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *observability.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithNow injects the clock. Tests use a fixed time.
func WithNow(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a registry over the given metadata and blob stores.
func NewRegistry(store Store, blobs BlobStore, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:  store,
		blobs:  blobs,
		logger: observability.NewLogger(observability.LogConfig{Level: "info"}),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterUserAttachment stores uploaded content and its metadata row. The
// attachment starts unlinked when conversationID is empty; a later claim or
// message send links it.
func (r *Registry) RegisterUserAttachment(ctx context.Context, content []byte, filename, mimeType, conversationID, messageID, userID string) (*Attachment, error) {
	id := uuid.NewString()
	info, err := r.blobs.Write(ctx, id, content)
	if err != nil {
		r.countOp("register", "error")
		return nil, fmt.Errorf("failed to write attachment content: %w", err)
	}

	a := &Attachment{
		ID:             id,
		SourceType:     SourceUser,
		SourceID:       userID,
		MimeType:       mimeType,
		Size:           info.Size,
		StoragePath:    info.Path,
		ConversationID: conversationID,
		MessageID:      messageID,
		CreatedAt:      r.now().UTC(),
	}
	if filename != "" {
		a.Metadata = map[string]any{"filename": filename}
	}
	if err := r.store.Insert(ctx, a); err != nil {
		// The blob is already on disk; remove it so a failed insert
		// does not leave an orphan for the sweep.
		if derr := r.blobs.Delete(ctx, id); derr != nil {
			r.logger.Warn(ctx, "failed to remove blob after insert failure",
				"attachment_id", id, "error", derr)
		}
		r.countOp("register", "error")
		return nil, fmt.Errorf("failed to register attachment: %w", err)
	}

	r.countOp("register", "ok")
	r.logger.Debug(ctx, "registered user attachment",
		"attachment_id", id,
		"mime_type", mimeType,
		"size", info.Size,
		"conversation_id", conversationID)
	return a, nil
}

// RegisterToolAttachment records metadata for content a tool already wrote
// to the blob store under attachmentID.
func (r *Registry) RegisterToolAttachment(ctx context.Context, attachmentID, toolName, mimeType, description, conversationID string, metadata map[string]any) (*Attachment, error) {
	info, err := r.blobs.Stat(ctx, attachmentID)
	if err != nil {
		r.countOp("register", "error")
		return nil, fmt.Errorf("tool attachment %s has no stored content: %w", attachmentID, err)
	}

	a := &Attachment{
		ID:             attachmentID,
		SourceType:     SourceTool,
		SourceID:       toolName,
		MimeType:       mimeType,
		Description:    description,
		Size:           info.Size,
		StoragePath:    info.Path,
		ConversationID: conversationID,
		CreatedAt:      r.now().UTC(),
		Metadata:       metadata,
	}
	if err := r.store.Insert(ctx, a); err != nil {
		r.countOp("register", "error")
		return nil, fmt.Errorf("failed to register tool attachment: %w", err)
	}

	r.countOp("register", "ok")
	r.logger.Debug(ctx, "registered tool attachment",
		"attachment_id", attachmentID,
		"tool", toolName,
		"size", info.Size)
	return a, nil
}

// Get returns the metadata row and bumps accessed_at. Missing rows return
// storage.ErrNotFound.
func (r *Registry) Get(ctx context.Context, id string) (*Attachment, error) {
	a, err := r.store.Get(ctx, id)
	if err != nil {
		r.countOp("get", "miss")
		return nil, err
	}
	at := r.now().UTC()
	if err := r.store.Touch(ctx, id, at); err != nil {
		r.logger.Warn(ctx, "failed to bump accessed_at", "attachment_id", id, "error", err)
	} else {
		a.AccessedAt = at
	}
	r.countOp("get", "ok")
	return a, nil
}

// GetContent returns the stored bytes after a metadata check.
func (r *Registry) GetContent(ctx context.Context, id string) ([]byte, error) {
	if _, err := r.Get(ctx, id); err != nil {
		return nil, err
	}
	content, err := r.blobs.Read(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read attachment content: %w", err)
	}
	return content, nil
}

// List returns metadata rows most-recent first.
func (r *Registry) List(ctx context.Context, f Filter) ([]*Attachment, error) {
	return r.store.List(ctx, f)
}

// Delete removes an attachment when the caller is authorized: either the
// row is linked to conversationID, or it is still unlinked and owned by
// userID. The authorization check and delete are one statement, so a
// concurrent claim cannot slip between them. The blob goes only after the
// row; a failed blob delete is left to the orphan sweep.
func (r *Registry) Delete(ctx context.Context, id, conversationID, userID string) (bool, error) {
	deleted, err := r.store.DeleteAuthorized(ctx, id, conversationID, userID)
	if err != nil {
		r.countOp("delete", "error")
		return false, fmt.Errorf("failed to delete attachment: %w", err)
	}
	if !deleted {
		r.countOp("delete", "denied")
		return false, nil
	}
	if err := r.blobs.Delete(ctx, id); err != nil {
		r.logger.Warn(ctx, "attachment row deleted but blob removal failed",
			"attachment_id", id, "error", err)
	}
	r.countOp("delete", "ok")
	r.logger.Debug(ctx, "deleted attachment", "attachment_id", id)
	return true, nil
}

// ClaimUnlinked links an unlinked attachment to a conversation iff it is
// still unlinked and owned by requiredSourceID, in a single conditional
// update. Returns nil without error when the claim loses.
func (r *Registry) ClaimUnlinked(ctx context.Context, id, conversationID, requiredSourceID string) (*Attachment, error) {
	a, err := r.store.Claim(ctx, id, conversationID, requiredSourceID)
	if err != nil {
		r.countOp("claim", "error")
		return nil, fmt.Errorf("failed to claim attachment: %w", err)
	}
	if a == nil {
		r.countOp("claim", "lost")
		return nil, nil
	}
	r.countOp("claim", "ok")
	r.logger.Debug(ctx, "claimed attachment",
		"attachment_id", id, "conversation_id", conversationID)
	return a, nil
}

// UpdateConversation links the attachment to a conversation unconditionally.
func (r *Registry) UpdateConversation(ctx context.Context, id, conversationID string) error {
	return r.store.SetConversation(ctx, id, conversationID)
}

// LinkToMessage stamps the message that forwarded the attachment. Called at
// send time, once the carrying message has an id.
func (r *Registry) LinkToMessage(ctx context.Context, id, conversationID, messageID string) error {
	if err := r.store.LinkMessage(ctx, id, conversationID, messageID); err != nil {
		return fmt.Errorf("failed to link attachment %s to message: %w", id, err)
	}
	return nil
}

// CleanupOrphaned deletes blobs with no metadata row and returns how many
// were removed. Safe to run repeatedly; a second pass removes nothing.
func (r *Registry) CleanupOrphaned(ctx context.Context) (int, error) {
	keep, err := r.store.ReferencedIDs(ctx)
	if err != nil {
		r.countOp("cleanup", "error")
		return 0, fmt.Errorf("failed to scan referenced attachments: %w", err)
	}
	removed, err := r.blobs.Sweep(ctx, keep)
	if err != nil {
		r.countOp("cleanup", "error")
		return removed, fmt.Errorf("orphan sweep failed: %w", err)
	}
	r.countOp("cleanup", "ok")
	if removed > 0 {
		r.logger.Info(ctx, "removed orphaned attachment blobs", "count", removed)
	}
	return removed, nil
}

func (r *Registry) countOp(operation, status string) {
	if r.metrics == nil {
		return
	}
	r.metrics.AttachmentOps.WithLabelValues(operation, status).Inc()
}
