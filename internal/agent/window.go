package agent

import (
	"github.com/stewardhq/steward/pkg/models"
)

// buildWindow converts persisted history into provider messages. Windowing
// and mid-turn crashes can cut a tool exchange in half, so the history is
// repaired first: orphan tool replies are dropped and unanswered tool calls
// are stripped. The returned window always opens with a user message, the
// shape every provider accepts.
func buildWindow(history []*models.Message) []CompletionMessage {
	repaired := repairWindow(history)

	msgs := make([]CompletionMessage, 0, len(repaired))
	for _, m := range repaired {
		switch m.Role {
		case models.RoleUser:
			msgs = append(msgs, CompletionMessage{Role: "user", Content: m.Content})
		case models.RoleAssistant:
			// Error rows persist the traceback with no content; they are
			// operator breadcrumbs, not conversation.
			if m.Content == "" && len(m.ToolCalls) == 0 {
				continue
			}
			msgs = append(msgs, CompletionMessage{
				Role:      "assistant",
				Content:   m.Content,
				ToolCalls: m.ToolCalls,
			})
		case models.RoleTool:
			msgs = append(msgs, CompletionMessage{
				Role:       "tool",
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
				IsError:    m.ErrorTraceback != "",
			})
		}
	}

	for i, m := range msgs {
		if m.Role == "user" {
			return msgs[i:]
		}
	}
	return nil
}

// repairWindow re-pairs tool calls with their replies. A tool reply whose
// call is not pending is dropped; an assistant message whose calls were
// never answered keeps only the answered ones, and disappears entirely when
// nothing is left. Pending calls do not survive past the next non-tool
// message.
func repairWindow(history []*models.Message) []*models.Message {
	out := make([]*models.Message, 0, len(history))
	pending := map[string]struct{}{}
	open := -1 // index in out of the assistant message whose calls are pending

	settle := func() {
		if open >= 0 && len(pending) > 0 {
			msg := *out[open]
			kept := make([]models.ToolCall, 0, len(msg.ToolCalls))
			for _, call := range msg.ToolCalls {
				if _, unanswered := pending[call.ID]; !unanswered {
					kept = append(kept, call)
				}
			}
			msg.ToolCalls = kept
			if len(kept) == 0 && msg.Content == "" {
				out = append(out[:open], out[open+1:]...)
			} else {
				out[open] = &msg
			}
		}
		pending = map[string]struct{}{}
		open = -1
	}

	for _, m := range history {
		if m == nil {
			continue
		}
		switch m.Role {
		case models.RoleAssistant:
			settle()
			if len(m.ToolCalls) > 0 {
				for _, call := range m.ToolCalls {
					if call.ID != "" {
						pending[call.ID] = struct{}{}
					}
				}
				open = len(out)
			}
			out = append(out, m)
		case models.RoleTool:
			if _, ok := pending[m.ToolCallID]; !ok {
				continue
			}
			delete(pending, m.ToolCallID)
			out = append(out, m)
		default:
			settle()
			out = append(out, m)
		}
	}
	settle()
	return out
}
