package builtin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stewardhq/steward/internal/attachments"
	"github.com/stewardhq/steward/internal/storage"
	"github.com/stewardhq/steward/internal/tools"
	"github.com/stewardhq/steward/pkg/models"
)

type listAttachmentsArgs struct {
	SourceType string `json:"source_type,omitempty" jsonschema:"description=Filter by origin: user or tool or script"`
	Limit      int    `json:"limit,omitempty" jsonschema:"description=Maximum number of entries (default 20)"`
}

type getAttachmentArgs struct {
	AttachmentID string `json:"attachment_id" jsonschema:"description=ID of the attachment"`
}

func attachmentTools(deps Deps) []tools.Tool {
	return []tools.Tool{
		{
			Name:        "list_attachments",
			Description: "List attachments in this conversation, most recent first.",
			Schema:      schemaFor(&listAttachmentsArgs{}),
			Execute:     listAttachments(deps.Attachments),
		},
		{
			Name:        "get_attachment",
			Description: "Get the metadata of one attachment by ID.",
			Schema:      schemaFor(&getAttachmentArgs{}),
			Execute:     getAttachment(deps.Attachments),
		},
	}
}

func listAttachments(reg AttachmentRegistry) tools.ExecuteFunc {
	return func(ctx context.Context, args map[string]any, execCtx *tools.ExecContext) (*tools.ToolResult, error) {
		var in listAttachmentsArgs
		if err := decodeInto(args, &in); err != nil {
			return tools.Errorf("invalid arguments: %v", err), nil
		}
		if in.Limit <= 0 {
			in.Limit = 20
		}

		entries, err := reg.List(ctx, attachments.Filter{
			ConversationID: execCtx.ConversationID,
			SourceType:     attachments.SourceType(in.SourceType),
			Limit:          in.Limit,
		})
		if err != nil {
			return nil, fmt.Errorf("list attachments: %w", err)
		}
		if len(entries) == 0 {
			return tools.Text("No attachments found."), nil
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "Found %d attachment(s):\n\n", len(entries))
		for i, a := range entries {
			fmt.Fprintf(&sb, "%d. %s (%s, %d bytes)\n", i+1, a.ID, a.MimeType, a.Size)
			if a.Description != "" {
				fmt.Fprintf(&sb, "   Description: %s\n", truncate(a.Description, 120))
			}
			fmt.Fprintf(&sb, "   Source: %s\n", a.SourceType)
			fmt.Fprintf(&sb, "   Created: %s\n\n", renderTime(a.CreatedAt, execCtx))
		}
		return tools.Text(strings.TrimRight(sb.String(), "\n")), nil
	}
}

func getAttachment(reg AttachmentRegistry) tools.ExecuteFunc {
	return func(ctx context.Context, args map[string]any, execCtx *tools.ExecContext) (*tools.ToolResult, error) {
		var in getAttachmentArgs
		if err := decodeInto(args, &in); err != nil {
			return tools.Errorf("invalid arguments: %v", err), nil
		}

		att, err := reg.Get(ctx, in.AttachmentID)
		if errors.Is(err, storage.ErrNotFound) {
			return tools.Errorf("attachment %s not found", in.AttachmentID), nil
		}
		if err != nil {
			return nil, fmt.Errorf("get attachment: %w", err)
		}
		if !conversationMayRead(att.ConversationID, execCtx) {
			return tools.Errorf("attachment %s not found", in.AttachmentID), nil
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "Attachment %s\n", att.ID)
		fmt.Fprintf(&sb, "Source: %s\n", att.SourceType)
		fmt.Fprintf(&sb, "MIME type: %s\n", att.MimeType)
		fmt.Fprintf(&sb, "Size: %d bytes\n", att.Size)
		if att.Description != "" {
			fmt.Fprintf(&sb, "Description: %s\n", att.Description)
		}
		if att.ContentURL != "" {
			fmt.Fprintf(&sb, "URL: %s\n", att.ContentURL)
		}
		fmt.Fprintf(&sb, "Created: %s", renderTime(att.CreatedAt, execCtx))

		return &tools.ToolResult{
			Content: sb.String(),
			Attachments: []models.Attachment{{
				ID:          att.ID,
				MimeType:    att.MimeType,
				Description: att.Description,
				Size:        att.Size,
				URL:         att.ContentURL,
			}},
		}, nil
	}
}

// conversationMayRead reports whether the calling conversation may see an
// attachment owned by owningConversation. Visibility grants extend the scope
// to explicitly shared conversations.
func conversationMayRead(owningConversation string, execCtx *tools.ExecContext) bool {
	if owningConversation == "" {
		// Unlinked staging rows stay invisible until claimed.
		return false
	}
	if owningConversation == execCtx.ConversationID {
		return true
	}
	for _, grant := range execCtx.VisibilityGrants {
		if grant == owningConversation {
			return true
		}
	}
	return false
}
