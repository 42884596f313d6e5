package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stewardhq/steward/internal/tools"
	"github.com/stewardhq/steward/pkg/models"
)

const selectionToolName = "attach_to_response"

// selectionTool is the single tool offered during the attachment selection
// round. The model answers by calling it with the ids worth forwarding.
func selectionTool(max int) tools.Definition {
	return tools.Definition{
		Name:        selectionToolName,
		Description: fmt.Sprintf("Select up to %d attachments to forward with the reply.", max),
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"attachment_ids": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Attachment ids to forward, most relevant first.",
				},
			},
			"required": []any{"attachment_ids"},
		},
	}
}

// selectAttachments decides which staged tool attachments ride on the final
// reply. Few enough go as-is; past the threshold the model picks via the
// selection tool, and any failure falls back to the first max entries.
func (o *Orchestrator) selectAttachments(ctx context.Context, provider LLMProvider, profile profileParams, reply string, pending []models.Attachment) []models.Attachment {
	threshold := o.cfg.AttachmentSelectionThreshold
	max := o.cfg.MaxResponseAttachments
	if len(pending) <= threshold {
		return pending
	}
	if max <= 0 {
		max = threshold
	}

	selected, err := o.askSelection(ctx, provider, profile, reply, pending, max)
	if err != nil {
		o.logger.Warn(ctx, "attachment selection failed, forwarding first entries",
			"pending", len(pending), "max", max, "error", err)
		return pending[:max]
	}
	return selected
}

func (o *Orchestrator) askSelection(ctx context.Context, provider LLMProvider, profile profileParams, reply string, pending []models.Attachment, max int) ([]models.Attachment, error) {
	var list strings.Builder
	for _, att := range pending {
		fmt.Fprintf(&list, "- %s: %s, %d bytes", att.ID, att.MimeType, att.Size)
		if att.Filename != "" {
			fmt.Fprintf(&list, ", filename %q", att.Filename)
		}
		if att.Description != "" {
			fmt.Fprintf(&list, " - %s", att.Description)
		}
		list.WriteString("\n")
	}

	req := &CompletionRequest{
		Model:  profile.model,
		System: "You curate which tool outputs accompany an assistant reply. Call attach_to_response with the ids that best support the reply. Never exceed the limit.",
		Messages: []CompletionMessage{{
			Role: "user",
			Content: fmt.Sprintf("Reply being sent:\n%s\n\nStaged attachments:\n%s\nPick at most %d.",
				reply, list.String(), max),
		}},
		Tools:     []tools.Definition{selectionTool(max)},
		MaxTokens: 1024,
	}

	llmCtx, cancel := context.WithTimeout(ctx, o.cfg.LLMTimeout)
	defer cancel()

	chunks, err := provider.Complete(llmCtx, req)
	if err != nil {
		return nil, err
	}

	var call *models.ToolCall
	for chunk := range chunks {
		if chunk.Error != nil {
			return nil, chunk.Error
		}
		if chunk.ToolCall != nil && call == nil {
			call = chunk.ToolCall
		}
	}
	if call == nil || call.Name != selectionToolName {
		return nil, fmt.Errorf("model did not call %s", selectionToolName)
	}

	var args struct {
		AttachmentIDs []string `json:"attachment_ids"`
	}
	if err := json.Unmarshal(call.Input, &args); err != nil {
		return nil, fmt.Errorf("invalid selection arguments: %w", err)
	}

	byID := make(map[string]models.Attachment, len(pending))
	for _, att := range pending {
		byID[att.ID] = att
	}
	selected := make([]models.Attachment, 0, max)
	for _, id := range args.AttachmentIDs {
		att, ok := byID[id]
		if !ok {
			continue
		}
		selected = append(selected, att)
		delete(byID, id)
		if len(selected) >= max {
			break
		}
	}
	if len(selected) == 0 {
		return nil, fmt.Errorf("selection named no known attachment")
	}
	return selected, nil
}
