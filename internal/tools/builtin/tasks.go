package builtin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stewardhq/steward/internal/queue"
	"github.com/stewardhq/steward/internal/recurrence"
	"github.com/stewardhq/steward/internal/storage"
	"github.com/stewardhq/steward/internal/tools"
)

type scheduleTaskArgs struct {
	Prompt         string `json:"prompt" jsonschema:"description=Instruction the assistant acts on when the task fires"`
	ScheduledAt    string `json:"scheduled_at,omitempty" jsonschema:"description=RFC 3339 time to run at. Give this or delay_seconds."`
	DelaySeconds   int    `json:"delay_seconds,omitempty" jsonschema:"description=Run after this many seconds. Give this or scheduled_at."`
	RecurrenceRule string `json:"recurrence_rule,omitempty" jsonschema:"description=iCalendar RRULE such as FREQ=DAILY;BYHOUR=7 to repeat the task"`
}

type listScheduledTasksArgs struct {
	IncludeDone bool `json:"include_done,omitempty" jsonschema:"description=Include finished and cancelled tasks"`
	Limit       int  `json:"limit,omitempty" jsonschema:"description=Maximum number of tasks to return (default 20)"`
}

type cancelScheduledTaskArgs struct {
	TaskID string `json:"task_id" jsonschema:"description=ID of the task to cancel"`
}

// taskTools covers direct scheduling: one-off or recurring callbacks the
// model sets up for itself within the current conversation.
func taskTools(deps Deps) []tools.Tool {
	return []tools.Tool{
		{
			Name:        "schedule_task",
			Description: "Schedule the assistant to act on a prompt at a later time, once or on a recurrence rule.",
			Schema:      schemaFor(&scheduleTaskArgs{}),
			Execute:     scheduleTask(deps.Queue),
		},
		{
			Name:        "list_scheduled_tasks",
			Description: "List tasks scheduled in this conversation.",
			Schema:      schemaFor(&listScheduledTasksArgs{}),
			Execute:     listScheduledTasks(deps.Queue),
		},
		{
			Name:        "cancel_scheduled_task",
			Description: "Cancel a scheduled task. Cancelling a recurring task stops the whole chain.",
			Schema:      schemaFor(&cancelScheduledTaskArgs{}),
			Render: func(args map[string]any) string {
				id, _ := args["task_id"].(string)
				return fmt.Sprintf("Cancel scheduled task %s?", id)
			},
			Execute: cancelScheduledTask(deps.Queue),
		},
	}
}

func scheduleTask(q TaskQueue) tools.ExecuteFunc {
	return func(ctx context.Context, args map[string]any, execCtx *tools.ExecContext) (*tools.ToolResult, error) {
		var in scheduleTaskArgs
		if err := decodeInto(args, &in); err != nil {
			return tools.Errorf("invalid arguments: %v", err), nil
		}
		if strings.TrimSpace(in.Prompt) == "" {
			return tools.Errorf("prompt is required"), nil
		}
		if execCtx.ConversationID == "" {
			return tools.Errorf("no conversation to deliver the callback to"), nil
		}

		now := execCtx.Now().UTC()
		at, fail := resolveRunAt(in.ScheduledAt, in.DelaySeconds, now)
		if fail != nil {
			return fail, nil
		}
		if in.RecurrenceRule != "" {
			if err := recurrence.Validate(in.RecurrenceRule); err != nil {
				return tools.Errorf("invalid recurrence rule: %v", err), nil
			}
		}

		task, _, err := q.Enqueue(ctx, queue.EnqueueRequest{
			TaskID: "sched_" + uuid.NewString(),
			Type:   queue.TypeLLMCallback,
			Payload: map[string]any{
				"conversation_id":  execCtx.ConversationID,
				"interface_type":   string(execCtx.InterfaceType),
				"callback_context": in.Prompt,
			},
			ScheduledAt:    at,
			RecurrenceRule: in.RecurrenceRule,
		})
		if err != nil {
			return nil, fmt.Errorf("schedule task: %w", err)
		}

		content := fmt.Sprintf("Task scheduled for %s (in %s)\nID: %s",
			renderTime(at, execCtx), formatDelay(at.Sub(now)), task.ID)
		if in.RecurrenceRule != "" {
			content += "\nRepeats: " + in.RecurrenceRule
		}
		return tools.Text(content), nil
	}
}

// resolveRunAt turns the scheduling arguments into an absolute instant.
// Exactly one of scheduledAt and delaySeconds must be set.
func resolveRunAt(scheduledAt string, delaySeconds int, now time.Time) (time.Time, *tools.ToolResult) {
	switch {
	case scheduledAt != "" && delaySeconds != 0:
		return time.Time{}, tools.Errorf("give either scheduled_at or delay_seconds, not both")
	case scheduledAt != "":
		at, err := time.Parse(time.RFC3339, scheduledAt)
		if err != nil {
			return time.Time{}, tools.Errorf("invalid scheduled_at: %v", err)
		}
		if at.Before(now) {
			return time.Time{}, tools.Errorf("cannot schedule a task in the past")
		}
		return at.UTC(), nil
	case delaySeconds > 0:
		return now.Add(time.Duration(delaySeconds) * time.Second), nil
	case delaySeconds < 0:
		return time.Time{}, tools.Errorf("delay_seconds must be positive")
	default:
		return time.Time{}, tools.Errorf("give scheduled_at or delay_seconds")
	}
}

func listScheduledTasks(q TaskQueue) tools.ExecuteFunc {
	return func(ctx context.Context, args map[string]any, execCtx *tools.ExecContext) (*tools.ToolResult, error) {
		var in listScheduledTasksArgs
		if err := decodeInto(args, &in); err != nil {
			return tools.Errorf("invalid arguments: %v", err), nil
		}
		if in.Limit <= 0 {
			in.Limit = 20
		}

		// The queue filters by status and type only; conversation scoping
		// happens here on the payload, so fetch wide.
		filter := queue.ListFilter{Type: queue.TypeLLMCallback, Limit: 200}
		if !in.IncludeDone {
			filter.Status = queue.StatusPending
		}
		all, err := q.List(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("list tasks: %w", err)
		}

		var mine []*queue.Task
		for _, t := range all {
			if t.PayloadString("conversation_id") != execCtx.ConversationID {
				continue
			}
			mine = append(mine, t)
			if len(mine) == in.Limit {
				break
			}
		}
		if len(mine) == 0 {
			return tools.Text("No scheduled tasks found."), nil
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "Found %d scheduled task(s):\n\n", len(mine))
		for i, t := range mine {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, t.ID)
			fmt.Fprintf(&sb, "   Runs: %s\n", renderTime(t.ScheduledAt, execCtx))
			if prompt := t.PayloadString("callback_context"); prompt != "" {
				fmt.Fprintf(&sb, "   Prompt: %s\n", truncate(prompt, 120))
			}
			if t.RecurrenceRule != "" {
				fmt.Fprintf(&sb, "   Repeats: %s\n", t.RecurrenceRule)
			}
			if autoID := t.PayloadString("automation_id"); autoID != "" {
				fmt.Fprintf(&sb, "   Automation: %s\n", autoID)
			}
			fmt.Fprintf(&sb, "   Status: %s\n\n", t.Status)
		}
		return tools.Text(strings.TrimRight(sb.String(), "\n")), nil
	}
}

func cancelScheduledTask(q TaskQueue) tools.ExecuteFunc {
	return func(ctx context.Context, args map[string]any, execCtx *tools.ExecContext) (*tools.ToolResult, error) {
		var in cancelScheduledTaskArgs
		if err := decodeInto(args, &in); err != nil {
			return tools.Errorf("invalid arguments: %v", err), nil
		}

		task, err := q.Get(ctx, in.TaskID)
		if errors.Is(err, storage.ErrNotFound) {
			return tools.Errorf("task %s not found", in.TaskID), nil
		}
		if err != nil {
			return nil, fmt.Errorf("cancel task: %w", err)
		}
		// Tasks from other conversations stay invisible.
		if task.PayloadString("conversation_id") != execCtx.ConversationID {
			return tools.Errorf("task %s not found", in.TaskID), nil
		}
		// Cancelling a single automation instance would stall the chain
		// without touching the automation record.
		if autoID := task.PayloadString("automation_id"); autoID != "" {
			return tools.Errorf("task %s belongs to automation %s; use set_automation_enabled or delete_automation instead", in.TaskID, autoID), nil
		}

		// Matching on the chain base also cancels any queued recurrence
		// successor.
		n, err := q.CancelMatching(ctx, queue.Predicate{
			IDPrefix:      task.RecurrenceBase(),
			PayloadEquals: map[string]string{"conversation_id": execCtx.ConversationID},
		})
		if err != nil {
			return nil, fmt.Errorf("cancel task: %w", err)
		}
		if n == 0 {
			return tools.Errorf("task %s is not pending (status %s)", in.TaskID, task.Status), nil
		}
		if n == 1 {
			return tools.Text(fmt.Sprintf("Cancelled task %s.", in.TaskID)), nil
		}
		return tools.Text(fmt.Sprintf("Cancelled task %s and %d queued repeat(s).", in.TaskID, n-1)), nil
	}
}
