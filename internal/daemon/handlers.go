package daemon

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stewardhq/steward/internal/agent"
	"github.com/stewardhq/steward/internal/observability"
	"github.com/stewardhq/steward/internal/queue"
	"github.com/stewardhq/steward/internal/sandbox"
	"github.com/stewardhq/steward/internal/tools"
	"github.com/stewardhq/steward/pkg/models"
)

// turnRunner is the slice of the orchestrator the callback handler uses.
type turnRunner interface {
	HandleInteraction(ctx context.Context, req *agent.TurnRequest) (*agent.TurnResult, error)
}

// scriptRunner is the slice of the sandbox engine the script handler uses.
type scriptRunner interface {
	Execute(ctx context.Context, script string, opts sandbox.RunOptions) (*sandbox.Result, error)
}

// handlers holds the queue handlers for the core task types. The daemon
// registers them on its worker; tests construct them over fakes.
type handlers struct {
	runner   turnRunner
	scripts  scriptRunner
	queue    *queue.Queue
	tools    tools.ToolsProvider
	timezone string
	logger   *observability.Logger
}

// llmCallback composes a system-triggered orchestrator turn from the task
// payload. The trigger names the callback context; listener tasks append
// the triggering event so the model can see what fired.
func (h *handlers) llmCallback(ctx context.Context, task *queue.Task) error {
	conversationID := task.PayloadString("conversation_id")
	if conversationID == "" {
		return fmt.Errorf("llm_callback task %s has no conversation_id", task.ID)
	}

	trigger := "System Callback Trigger: " + task.PayloadString("callback_context")
	if event, ok := task.Payload["event"].(map[string]any); ok {
		if raw, err := json.Marshal(event); err == nil {
			trigger += "\n\nTriggering event:\n" + string(raw)
		}
	}

	result, err := h.runner.HandleInteraction(ctx, &agent.TurnRequest{
		InterfaceType:  callbackInterface(task),
		ConversationID: conversationID,
		Content:        []models.ContentPart{models.TextPart(trigger)},
		UserName:       "system",
		ProfileID:      task.PayloadString("profile_id"),
	})
	if err != nil {
		return fmt.Errorf("callback turn: %w", err)
	}
	h.logger.Info(ctx, "callback turn completed",
		"task_id", task.ID,
		"conversation_id", conversationID,
		"turn_id", result.TurnID)
	return nil
}

// scriptExecution runs the payload's script in the sandbox. Each wake_llm
// call the script made becomes a durable llm_callback task, so a crash
// after the run cannot lose the follow-up.
func (h *handlers) scriptExecution(ctx context.Context, task *queue.Task) error {
	script := task.PayloadString("script_code")
	if script == "" {
		return fmt.Errorf("script_execution task %s has no script_code", task.ID)
	}
	name := task.PayloadString("task_name")
	if name == "" {
		name = task.ID
	}

	opts := sandbox.RunOptions{
		Name: name,
		ExecCtx: &tools.ExecContext{
			InterfaceType:  callbackInterface(task),
			ConversationID: task.PayloadString("conversation_id"),
			UserName:       "system",
			Timezone:       h.timezone,
			Tools:          h.tools,
		},
	}
	event, hasEvent := task.Payload["event"].(map[string]any)
	if hasEvent {
		opts.Globals = map[string]any{"event": event}
	}

	result, err := h.scripts.Execute(ctx, script, opts)
	if err != nil {
		return fmt.Errorf("script %s: %w", name, err)
	}
	if result.Output != "" {
		h.logger.Debug(ctx, "script output", "task_id", task.ID, "output", result.Output)
	}

	for i, wake := range result.WakeRequests {
		payload := map[string]any{
			"conversation_id":  task.PayloadString("conversation_id"),
			"interface_type":   task.PayloadString("interface_type"),
			"callback_context": wake.Context,
		}
		if id := task.PayloadString("automation_id"); id != "" {
			payload["automation_id"] = id
			payload["automation_type"] = task.PayloadString("automation_type")
		}
		if wake.IncludeEvent && hasEvent {
			payload["event"] = event
		}
		// Deterministic ids make a partially applied batch safe to redo.
		wakeID := fmt.Sprintf("%s_wake_%d", task.ID, i)
		if _, _, err := h.queue.Enqueue(ctx, queue.EnqueueRequest{
			TaskID:  wakeID,
			Type:    queue.TypeLLMCallback,
			Payload: payload,
		}); err != nil {
			return fmt.Errorf("enqueue wake %s: %w", wakeID, err)
		}
	}
	h.logger.Info(ctx, "script completed",
		"task_id", task.ID,
		"script", name,
		"wakes", len(result.WakeRequests))
	return nil
}

func callbackInterface(task *queue.Task) models.InterfaceType {
	if it := task.PayloadString("interface_type"); it != "" {
		return models.InterfaceType(it)
	}
	return models.InterfaceScheduler
}
