package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stewardhq/steward/internal/attachments"
	"github.com/stewardhq/steward/internal/media"
	"github.com/stewardhq/steward/internal/observability"
	"github.com/stewardhq/steward/internal/tools"
	"github.com/stewardhq/steward/pkg/models"
)

// inlineTextLimit is the largest text or JSON attachment inlined verbatim
// into the provider window. Bigger payloads are summarized.
const inlineTextLimit = 10 << 10

// providerCaps describes which payload shapes the active provider accepts.
type providerCaps struct {
	multimodalToolResults bool
	vision                bool
}

func capsOf(p LLMProvider) providerCaps {
	return providerCaps{
		multimodalToolResults: p.SupportsMultimodalToolResults(),
		vision:                p.SupportsVision(),
	}
}

// contentLoader is the slice of the attachment registry the adapter reads
// through.
type contentLoader interface {
	Get(ctx context.Context, id string) (*attachments.Attachment, error)
	GetContent(ctx context.Context, id string) ([]byte, error)
}

// adapter renders tool results and trigger binaries into the shapes the
// active provider can consume. Text stays in the message; images become
// inline data URLs where the provider takes them; everything else is
// described and left retrievable by attachment id.
type adapter struct {
	loader contentLoader
	logger *observability.Logger
}

// adaptToolResult renders one executed tool call for the provider window.
// The first returned message is the role=tool reply. Providers that cannot
// carry binaries inside tool replies get an immediately-following user
// message with the payload instead.
func (a *adapter) adaptToolResult(ctx context.Context, callID string, result *tools.ToolResult, caps providerCaps) []CompletionMessage {
	toolMsg := CompletionMessage{
		Role:       "tool",
		ToolCallID: callID,
		Content:    result.Content,
		IsError:    result.IsError,
	}
	var followUp *CompletionMessage

	for _, att := range result.Attachments {
		a.adaptAttachment(ctx, att, caps, &toolMsg, &followUp)
	}
	if toolMsg.Content == "" && len(toolMsg.Attachments) == 0 {
		toolMsg.Content = "(no output)"
	}

	msgs := []CompletionMessage{toolMsg}
	if followUp != nil {
		msgs = append(msgs, *followUp)
	}
	return msgs
}

// adaptAttachment folds one tool attachment into the tool reply, or into
// the trailing user message when the provider needs the binary there.
func (a *adapter) adaptAttachment(ctx context.Context, att models.Attachment, caps providerCaps, toolMsg *CompletionMessage, followUp **CompletionMessage) {
	mimeType := att.MimeType
	size := att.Size
	if meta, err := a.loader.Get(ctx, att.ID); err == nil {
		if mimeType == "" {
			mimeType = meta.MimeType
		}
		size = meta.Size
	}

	switch {
	case isTextLike(mimeType):
		appendBlock(toolMsg, a.renderText(ctx, att.ID, mimeType, size))

	case media.IsInlinableImage(mimeType):
		inline, err := a.loadImage(ctx, att.ID)
		if err != nil {
			a.logger.Warn(ctx, "attachment could not be inlined",
				"attachment_id", att.ID, "error", err)
			appendBlock(toolMsg, describe(att.ID, mimeType, size))
			return
		}
		block := models.Attachment{
			ID:          att.ID,
			MimeType:    inline.MimeType,
			Filename:    att.Filename,
			Description: att.Description,
			Size:        int64(len(inline.Data)),
			URL:         dataURL(inline.MimeType, inline.Data),
		}
		switch {
		case caps.multimodalToolResults:
			toolMsg.Attachments = append(toolMsg.Attachments, block)
		case caps.vision:
			appendBlock(toolMsg, describe(att.ID, mimeType, size)+" The image follows in the next message.")
			msg := ensureFollowUp(followUp)
			msg.Attachments = append(msg.Attachments, block)
		default:
			appendBlock(toolMsg, describe(att.ID, mimeType, size))
			msg := ensureFollowUp(followUp)
			appendBlock(msg, describe(att.ID, mimeType, size))
		}

	default:
		appendBlock(toolMsg, describe(att.ID, mimeType, size))
		if !caps.multimodalToolResults {
			msg := ensureFollowUp(followUp)
			appendBlock(msg, describe(att.ID, mimeType, size))
		}
	}
}

// adaptUserBinary renders one trigger data part. Images become an inline
// attachment when the provider has vision; everything else comes back as a
// textual note for the trigger message.
func (a *adapter) adaptUserBinary(ctx context.Context, id string, part models.ContentPart, caps providerCaps) (*models.Attachment, string) {
	if media.IsInlinableImage(part.MimeType) && caps.vision {
		fitted, err := media.FitImage(part.Data, nil)
		if err == nil {
			return &models.Attachment{
				ID:       id,
				MimeType: fitted.MimeType,
				Filename: part.Filename,
				Size:     int64(len(fitted.Data)),
				URL:      dataURL(fitted.MimeType, fitted.Data),
			}, ""
		}
		a.logger.Warn(ctx, "trigger image could not be inlined",
			"attachment_id", id, "error", err)
	}
	note := describe(id, part.MimeType, int64(len(part.Data)))
	if part.Filename != "" {
		note = fmt.Sprintf("Attachment %s (%s, %s, %d bytes) is stored and retrievable by id.",
			id, part.Filename, part.MimeType, len(part.Data))
	}
	return nil, note
}

// renderText inlines small text and JSON payloads, summarizes the rest.
func (a *adapter) renderText(ctx context.Context, id, mimeType string, size int64) string {
	content, err := a.loader.GetContent(ctx, id)
	if err != nil {
		a.logger.Warn(ctx, "attachment content unavailable",
			"attachment_id", id, "error", err)
		return describe(id, mimeType, size)
	}

	if len(content) <= inlineTextLimit {
		return fmt.Sprintf("Attachment %s (%s, %d bytes):\n%s", id, mimeType, len(content), content)
	}
	if isJSONMime(mimeType) {
		schema, err := induceJSONSchema(content)
		if err == nil {
			rendered, merr := json.MarshalIndent(schema, "", "  ")
			if merr == nil {
				return fmt.Sprintf(
					"Attachment %s (%s, %d bytes) is too large to inline. Structure:\n%s\nQuery the full content by attachment id %s.",
					id, mimeType, len(content), rendered, id)
			}
		}
	}
	return fmt.Sprintf("Attachment %s (%s, %d bytes) is too large to inline; retrieve it by id.",
		id, mimeType, len(content))
}

func (a *adapter) loadImage(ctx context.Context, id string) (*media.Image, error) {
	content, err := a.loader.GetContent(ctx, id)
	if err != nil {
		return nil, err
	}
	return media.FitImage(content, nil)
}

func ensureFollowUp(followUp **CompletionMessage) *CompletionMessage {
	if *followUp == nil {
		*followUp = &CompletionMessage{Role: "user"}
	}
	return *followUp
}

func appendBlock(msg *CompletionMessage, block string) {
	if block == "" {
		return
	}
	if msg.Content != "" {
		msg.Content += "\n\n"
	}
	msg.Content += block
}

func describe(id, mimeType string, size int64) string {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return fmt.Sprintf("Attachment %s (%s, %d bytes) is stored and retrievable by id.", id, mimeType, size)
}

func dataURL(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func isTextLike(mimeType string) bool {
	return strings.HasPrefix(mimeType, "text/") || isJSONMime(mimeType)
}

func isJSONMime(mimeType string) bool {
	return mimeType == "application/json" || strings.HasSuffix(mimeType, "+json")
}
