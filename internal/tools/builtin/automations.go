package builtin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stewardhq/steward/internal/automation"
	"github.com/stewardhq/steward/internal/storage"
	"github.com/stewardhq/steward/internal/tools"
)

type createScheduleAutomationArgs struct {
	Name           string `json:"name" jsonschema:"description=Short name unique within the conversation"`
	RecurrenceRule string `json:"recurrence_rule" jsonschema:"description=iCalendar RRULE controlling when the automation fires"`
	Description    string `json:"description,omitempty" jsonschema:"description=What the automation is for"`
	Context        string `json:"context,omitempty" jsonschema:"description=Prompt the assistant wakes with. Give this or script_code."`
	ScriptCode     string `json:"script_code,omitempty" jsonschema:"description=Script to run instead of waking the assistant"`
	TaskName       string `json:"task_name,omitempty" jsonschema:"description=Label for script runs"`
}

type createEventAutomationArgs struct {
	Name            string         `json:"name" jsonschema:"description=Short name unique within the conversation"`
	SourceID        string         `json:"source_id" jsonschema:"description=Event source to listen on: home_assistant or webhook or document_indexing"`
	Description     string         `json:"description,omitempty" jsonschema:"description=What the automation is for"`
	MatchConditions map[string]any `json:"match_conditions,omitempty" jsonschema:"description=Dotted-path equality conditions the event must meet"`
	ConditionScript string         `json:"condition_script,omitempty" jsonschema:"description=Script whose result decides whether the event triggers"`
	Context         string         `json:"context,omitempty" jsonschema:"description=Prompt the assistant wakes with. Give this or script_code."`
	ScriptCode      string         `json:"script_code,omitempty" jsonschema:"description=Script to run instead of waking the assistant"`
	TaskName        string         `json:"task_name,omitempty" jsonschema:"description=Label for script runs"`
	OneTime         bool           `json:"one_time,omitempty" jsonschema:"description=Disable the automation after its first trigger"`
}

type listAutomationsArgs struct {
	IncludeDisabled bool `json:"include_disabled,omitempty" jsonschema:"description=Include disabled automations"`
}

type setAutomationEnabledArgs struct {
	AutomationID string `json:"automation_id" jsonschema:"description=ID of the automation"`
	Enabled      bool   `json:"enabled" jsonschema:"description=True to enable or false to disable"`
}

type deleteAutomationArgs struct {
	AutomationID string `json:"automation_id" jsonschema:"description=ID of the automation to delete"`
}

func automationTools(deps Deps) []tools.Tool {
	return []tools.Tool{
		{
			Name:        "create_schedule_automation",
			Description: "Create a recurring automation that wakes the assistant or runs a script on a calendar rule.",
			Schema:      schemaFor(&createScheduleAutomationArgs{}),
			Execute:     createScheduleAutomation(deps.Automations),
		},
		{
			Name:        "create_event_automation",
			Description: "Create an automation that triggers when a matching event arrives from a source.",
			Schema:      schemaFor(&createEventAutomationArgs{}),
			Execute:     createEventAutomation(deps.Automations),
		},
		{
			Name:        "list_automations",
			Description: "List automations in this conversation.",
			Schema:      schemaFor(&listAutomationsArgs{}),
			Execute:     listAutomations(deps.Automations),
		},
		{
			Name:        "set_automation_enabled",
			Description: "Enable or disable an automation.",
			Schema:      schemaFor(&setAutomationEnabledArgs{}),
			Execute:     setAutomationEnabled(deps.Automations),
		},
		{
			Name:        "delete_automation",
			Description: "Delete an automation permanently.",
			Schema:      schemaFor(&deleteAutomationArgs{}),
			Render: func(args map[string]any) string {
				id, _ := args["automation_id"].(string)
				return fmt.Sprintf("Delete automation %s?", id)
			},
			Execute: deleteAutomation(deps.Automations),
		},
	}
}

// resolveAction infers the automation action from the exclusive context and
// script_code arguments.
func resolveAction(context, scriptCode, taskName string) (automation.ActionType, automation.ActionConfig, *tools.ToolResult) {
	switch {
	case scriptCode != "" && context != "":
		return "", automation.ActionConfig{}, tools.Errorf("give either context or script_code, not both")
	case scriptCode != "":
		return automation.ActionScript, automation.ActionConfig{ScriptCode: scriptCode, TaskName: taskName}, nil
	case context != "":
		return automation.ActionWakeLLM, automation.ActionConfig{Context: context}, nil
	default:
		return "", automation.ActionConfig{}, tools.Errorf("give context or script_code")
	}
}

func createScheduleAutomation(svc AutomationService) tools.ExecuteFunc {
	return func(ctx context.Context, args map[string]any, execCtx *tools.ExecContext) (*tools.ToolResult, error) {
		var in createScheduleAutomationArgs
		if err := decodeInto(args, &in); err != nil {
			return tools.Errorf("invalid arguments: %v", err), nil
		}
		action, cfg, fail := resolveAction(in.Context, in.ScriptCode, in.TaskName)
		if fail != nil {
			return fail, nil
		}

		sched, err := svc.CreateSchedule(ctx, automation.CreateScheduleRequest{
			ConversationID: execCtx.ConversationID,
			InterfaceType:  execCtx.InterfaceType,
			Name:           in.Name,
			Description:    in.Description,
			RecurrenceRule: in.RecurrenceRule,
			ActionType:     action,
			ActionConfig:   cfg,
		})
		if err != nil {
			return tools.Errorf("create automation: %v", err), nil
		}

		content := fmt.Sprintf("Schedule automation %q created.\nID: %s", sched.Name, sched.ID)
		if sched.NextScheduledAt != nil {
			content += fmt.Sprintf("\nNext run: %s", renderTime(*sched.NextScheduledAt, execCtx))
		}
		return tools.Text(content), nil
	}
}

func createEventAutomation(svc AutomationService) tools.ExecuteFunc {
	return func(ctx context.Context, args map[string]any, execCtx *tools.ExecContext) (*tools.ToolResult, error) {
		var in createEventAutomationArgs
		if err := decodeInto(args, &in); err != nil {
			return tools.Errorf("invalid arguments: %v", err), nil
		}
		action, cfg, fail := resolveAction(in.Context, in.ScriptCode, in.TaskName)
		if fail != nil {
			return fail, nil
		}

		l, err := svc.CreateListener(ctx, automation.CreateListenerRequest{
			ConversationID:  execCtx.ConversationID,
			InterfaceType:   execCtx.InterfaceType,
			Name:            in.Name,
			Description:     in.Description,
			SourceID:        in.SourceID,
			MatchConditions: in.MatchConditions,
			ConditionScript: in.ConditionScript,
			ActionType:      action,
			ActionConfig:    cfg,
			OneTime:         in.OneTime,
		})
		if err != nil {
			return tools.Errorf("create automation: %v", err), nil
		}

		content := fmt.Sprintf("Event automation %q created.\nID: %s\nSource: %s", l.Name, l.ID, l.SourceID)
		if l.OneTime {
			content += "\nOne-time: disables after the first trigger"
		}
		return tools.Text(content), nil
	}
}

func listAutomations(svc AutomationService) tools.ExecuteFunc {
	return func(ctx context.Context, args map[string]any, execCtx *tools.ExecContext) (*tools.ToolResult, error) {
		var in listAutomationsArgs
		if err := decodeInto(args, &in); err != nil {
			return tools.Errorf("invalid arguments: %v", err), nil
		}

		f := automation.Filter{
			ConversationID: execCtx.ConversationID,
			EnabledOnly:    !in.IncludeDisabled,
		}
		schedules, err := svc.ListSchedules(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("list automations: %w", err)
		}
		listeners, err := svc.ListListeners(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("list automations: %w", err)
		}
		if len(schedules)+len(listeners) == 0 {
			return tools.Text("No automations found."), nil
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "Found %d automation(s):\n\n", len(schedules)+len(listeners))
		i := 0
		for _, s := range schedules {
			i++
			fmt.Fprintf(&sb, "%d. **%s** (schedule)\n", i, s.Name)
			fmt.Fprintf(&sb, "   ID: %s\n", s.ID)
			fmt.Fprintf(&sb, "   Rule: %s\n", s.RecurrenceRule)
			fmt.Fprintf(&sb, "   Action: %s\n", s.ActionType)
			fmt.Fprintf(&sb, "   Enabled: %t\n", s.Enabled)
			if s.NextScheduledAt != nil {
				fmt.Fprintf(&sb, "   Next run: %s\n", renderTime(*s.NextScheduledAt, execCtx))
			}
			sb.WriteString("\n")
		}
		for _, l := range listeners {
			i++
			fmt.Fprintf(&sb, "%d. **%s** (event)\n", i, l.Name)
			fmt.Fprintf(&sb, "   ID: %s\n", l.ID)
			fmt.Fprintf(&sb, "   Source: %s\n", l.SourceID)
			fmt.Fprintf(&sb, "   Action: %s\n", l.ActionType)
			fmt.Fprintf(&sb, "   Enabled: %t\n", l.Enabled)
			if l.OneTime {
				sb.WriteString("   One-time: true\n")
			}
			sb.WriteString("\n")
		}
		return tools.Text(strings.TrimRight(sb.String(), "\n")), nil
	}
}

// findAutomation resolves an id to either automation variant, scoped to the
// calling conversation. Unknown and foreign ids both come back nil.
func findAutomation(ctx context.Context, svc AutomationService, id, conversationID string) (*automation.Schedule, *automation.Listener, error) {
	sched, err := svc.GetSchedule(ctx, id)
	switch {
	case err == nil:
		if sched.ConversationID != conversationID {
			return nil, nil, nil
		}
		return sched, nil, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, nil, err
	}

	l, err := svc.GetListener(ctx, id)
	switch {
	case err == nil:
		if l.ConversationID != conversationID {
			return nil, nil, nil
		}
		return nil, l, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, nil, err
	}
	return nil, nil, nil
}

func setAutomationEnabled(svc AutomationService) tools.ExecuteFunc {
	return func(ctx context.Context, args map[string]any, execCtx *tools.ExecContext) (*tools.ToolResult, error) {
		var in setAutomationEnabledArgs
		if err := decodeInto(args, &in); err != nil {
			return tools.Errorf("invalid arguments: %v", err), nil
		}

		sched, listener, err := findAutomation(ctx, svc, in.AutomationID, execCtx.ConversationID)
		if err != nil {
			return nil, fmt.Errorf("set automation enabled: %w", err)
		}
		verb := "disabled"
		if in.Enabled {
			verb = "enabled"
		}
		switch {
		case sched != nil:
			if _, err := svc.SetScheduleEnabled(ctx, in.AutomationID, in.Enabled); err != nil {
				return nil, fmt.Errorf("set automation enabled: %w", err)
			}
			return tools.Text(fmt.Sprintf("Automation %q %s.", sched.Name, verb)), nil
		case listener != nil:
			if err := svc.SetListenerEnabled(ctx, in.AutomationID, in.Enabled); err != nil {
				return nil, fmt.Errorf("set automation enabled: %w", err)
			}
			return tools.Text(fmt.Sprintf("Automation %q %s.", listener.Name, verb)), nil
		default:
			return tools.Errorf("automation %s not found", in.AutomationID), nil
		}
	}
}

func deleteAutomation(svc AutomationService) tools.ExecuteFunc {
	return func(ctx context.Context, args map[string]any, execCtx *tools.ExecContext) (*tools.ToolResult, error) {
		var in deleteAutomationArgs
		if err := decodeInto(args, &in); err != nil {
			return tools.Errorf("invalid arguments: %v", err), nil
		}

		sched, listener, err := findAutomation(ctx, svc, in.AutomationID, execCtx.ConversationID)
		if err != nil {
			return nil, fmt.Errorf("delete automation: %w", err)
		}
		switch {
		case sched != nil:
			if err := svc.DeleteSchedule(ctx, in.AutomationID); err != nil {
				return nil, fmt.Errorf("delete automation: %w", err)
			}
			return tools.Text(fmt.Sprintf("Automation %q deleted.", sched.Name)), nil
		case listener != nil:
			if err := svc.DeleteListener(ctx, in.AutomationID); err != nil {
				return nil, fmt.Errorf("delete automation: %w", err)
			}
			return tools.Text(fmt.Sprintf("Automation %q deleted.", listener.Name)), nil
		default:
			return tools.Errorf("automation %s not found", in.AutomationID), nil
		}
	}
}
