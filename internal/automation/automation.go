// Package automation persists and drives the two automation variants:
// schedule automations, whose recurrence rules expand into queue tasks, and
// event listeners, which trigger tasks when a matching event is dispatched.
package automation

import (
	"fmt"
	"strings"
	"time"

	"github.com/stewardhq/steward/pkg/models"
)

// Type tags the automation variant.
type Type string

const (
	TypeSchedule Type = "schedule"
	TypeEvent    Type = "event"
)

// ActionType selects what a firing automation does.
type ActionType string

const (
	// ActionWakeLLM starts an orchestrator turn with a configured context.
	ActionWakeLLM ActionType = "wake_llm"
	// ActionScript runs a sandboxed script.
	ActionScript ActionType = "script"
)

// ActionConfig carries the action parameters. Context applies to wake_llm;
// ScriptCode and TaskName apply to script.
type ActionConfig struct {
	Context    string `json:"context,omitempty"`
	ScriptCode string `json:"script_code,omitempty"`
	TaskName   string `json:"task_name,omitempty"`
}

// Schedule is a recurrence-driven automation.
type Schedule struct {
	ID              string               `json:"id"`
	ConversationID  string               `json:"conversation_id"`
	InterfaceType   models.InterfaceType `json:"interface_type"`
	Name            string               `json:"name"`
	Description     string               `json:"description,omitempty"`
	RecurrenceRule  string               `json:"recurrence_rule"`
	ActionType      ActionType           `json:"action_type"`
	ActionConfig    ActionConfig         `json:"action_config"`
	Enabled         bool                 `json:"enabled"`
	CreatedAt       time.Time            `json:"created_at"`
	LastExecutionAt *time.Time           `json:"last_execution_at,omitempty"`
	NextScheduledAt *time.Time           `json:"next_scheduled_at,omitempty"`
	ExecutionCount  int                  `json:"execution_count"`
}

// Listener is an event-driven automation.
type Listener struct {
	ID              string               `json:"id"`
	ConversationID  string               `json:"conversation_id"`
	InterfaceType   models.InterfaceType `json:"interface_type"`
	Name            string               `json:"name"`
	Description     string               `json:"description,omitempty"`
	SourceID        string               `json:"source_id"`
	MatchConditions map[string]any       `json:"match_conditions,omitempty"`
	ConditionScript string               `json:"condition_script,omitempty"`
	ActionType      ActionType           `json:"action_type"`
	ActionConfig    ActionConfig         `json:"action_config"`
	OneTime         bool                 `json:"one_time"`
	Enabled         bool                 `json:"enabled"`
	CreatedAt       time.Time            `json:"created_at"`
	LastExecutionAt *time.Time           `json:"last_execution_at,omitempty"`
	DailyExecutions int                  `json:"daily_executions"`
	DailyResetAt    *time.Time           `json:"daily_reset_at,omitempty"`
}

// ExecutionsToday returns the dispatch count for the current UTC day. The
// stored counter rolls over implicitly when the last execution happened on
// an earlier day.
func (l *Listener) ExecutionsToday(now time.Time) int {
	if l.LastExecutionAt == nil {
		return 0
	}
	ly, lm, ld := l.LastExecutionAt.UTC().Date()
	ny, nm, nd := now.UTC().Date()
	if ly == ny && lm == nm && ld == nd {
		return l.DailyExecutions
	}
	return 0
}

// InstanceID derives the task id for one occurrence of a schedule
// automation. The id doubles as the dedup key: enqueueing the same
// occurrence twice is a no-op.
func InstanceID(automationID string, at time.Time) string {
	return fmt.Sprintf("auto_%s_%s", automationID, at.UTC().Format(time.RFC3339))
}

func validateAction(action ActionType, cfg ActionConfig) error {
	switch action {
	case ActionWakeLLM:
		if strings.TrimSpace(cfg.Context) == "" {
			return fmt.Errorf("wake_llm action requires a context")
		}
	case ActionScript:
		if strings.TrimSpace(cfg.ScriptCode) == "" {
			return fmt.Errorf("script action requires script code")
		}
	default:
		return fmt.Errorf("unknown action type %q", action)
	}
	return nil
}

func cloneSchedule(s *Schedule) *Schedule {
	out := *s
	out.LastExecutionAt = cloneTime(s.LastExecutionAt)
	out.NextScheduledAt = cloneTime(s.NextScheduledAt)
	return &out
}

func cloneListener(l *Listener) *Listener {
	out := *l
	out.MatchConditions = cloneMap(l.MatchConditions)
	out.LastExecutionAt = cloneTime(l.LastExecutionAt)
	out.DailyResetAt = cloneTime(l.DailyResetAt)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			out[k] = cloneMap(val)
		case []any:
			out[k] = append([]any(nil), val...)
		default:
			out[k] = v
		}
	}
	return out
}
