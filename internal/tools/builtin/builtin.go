// Package builtin registers the tools the assistant ships with: scheduling
// tasks against the queue, managing automations, reading the attachment
// registry, indexing and searching documents, and running sandboxed scripts.
//
// Each tool group depends on a narrow interface so the daemon wires the real
// services and tests substitute fakes. Argument schemas are reflected from
// the argument structs at registration time; fields without omitempty are
// required.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/stewardhq/steward/internal/attachments"
	"github.com/stewardhq/steward/internal/automation"
	"github.com/stewardhq/steward/internal/documents"
	"github.com/stewardhq/steward/internal/queue"
	"github.com/stewardhq/steward/internal/sandbox"
	"github.com/stewardhq/steward/internal/tools"
)

// TaskQueue is the slice of the task queue the scheduling tools use.
type TaskQueue interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*queue.Task, bool, error)
	Get(ctx context.Context, taskID string) (*queue.Task, error)
	List(ctx context.Context, filter queue.ListFilter) ([]*queue.Task, error)
	CancelMatching(ctx context.Context, pred queue.Predicate) (int, error)
}

// AutomationService is the slice of the automation service the automation
// tools use.
type AutomationService interface {
	CreateSchedule(ctx context.Context, req automation.CreateScheduleRequest) (*automation.Schedule, error)
	CreateListener(ctx context.Context, req automation.CreateListenerRequest) (*automation.Listener, error)
	GetSchedule(ctx context.Context, id string) (*automation.Schedule, error)
	GetListener(ctx context.Context, id string) (*automation.Listener, error)
	ListSchedules(ctx context.Context, f automation.Filter) ([]*automation.Schedule, error)
	ListListeners(ctx context.Context, f automation.Filter) ([]*automation.Listener, error)
	SetScheduleEnabled(ctx context.Context, id string, enabled bool) (*automation.Schedule, error)
	SetListenerEnabled(ctx context.Context, id string, enabled bool) error
	DeleteSchedule(ctx context.Context, id string) error
	DeleteListener(ctx context.Context, id string) error
}

// AttachmentRegistry is the read side of the attachment registry.
type AttachmentRegistry interface {
	Get(ctx context.Context, id string) (*attachments.Attachment, error)
	List(ctx context.Context, f attachments.Filter) ([]*attachments.Attachment, error)
}

// DocumentService indexes and searches documents.
type DocumentService interface {
	RequestIndex(ctx context.Context, req documents.IndexRequest) (string, *queue.Task, error)
	Search(ctx context.Context, query string, limit int) ([]documents.SearchResult, error)
}

// ScriptEngine runs sandboxed scripts.
type ScriptEngine interface {
	Execute(ctx context.Context, script string, opts sandbox.RunOptions) (*sandbox.Result, error)
}

// Deps carries the services the builtin tools call into. A nil service
// skips its tool group, so a partially wired daemon still registers the
// rest.
type Deps struct {
	Queue       TaskQueue
	Automations AutomationService
	Attachments AttachmentRegistry
	Documents   DocumentService
	Scripts     ScriptEngine
}

// ConfirmedTools lists the builtin tools gated behind user confirmation by
// default: the ones that destroy state or run arbitrary code.
var ConfirmedTools = []string{
	"cancel_scheduled_task",
	"delete_automation",
	"execute_script",
}

// Register adds every builtin tool whose service is wired.
func Register(l *tools.Local, deps Deps) error {
	var all []tools.Tool
	if deps.Queue != nil {
		all = append(all, taskTools(deps)...)
	}
	if deps.Automations != nil {
		all = append(all, automationTools(deps)...)
	}
	if deps.Attachments != nil {
		all = append(all, attachmentTools(deps)...)
	}
	if deps.Documents != nil {
		all = append(all, documentTools(deps)...)
	}
	if deps.Scripts != nil {
		all = append(all, scriptTools(deps)...)
	}
	for _, t := range all {
		if err := l.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// schemaFor reflects the JSON schema for an argument struct. Fields without
// omitempty become required; property descriptions come from the jsonschema
// struct tags.
func schemaFor(v any) map[string]any {
	r := jsonschema.Reflector{Anonymous: true, DoNotReference: true}
	raw, err := json.Marshal(r.Reflect(v))
	if err != nil {
		panic(fmt.Sprintf("marshal tool schema: %v", err))
	}
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		panic(fmt.Sprintf("decode tool schema: %v", err))
	}
	delete(schema, "$schema")
	delete(schema, "$id")
	return schema
}

// decodeInto maps schema-validated arguments onto a typed struct.
func decodeInto(args map[string]any, v any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// renderTime formats an instant in the caller's timezone when one is set.
func renderTime(t time.Time, execCtx *tools.ExecContext) string {
	loc := time.UTC
	if execCtx != nil && execCtx.Timezone != "" {
		if l, err := time.LoadLocation(execCtx.Timezone); err == nil {
			loc = l
		}
	}
	return t.In(loc).Format("Mon Jan 2 2006 15:04 MST")
}

// formatDelay renders a duration the way a person would say it.
func formatDelay(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%d seconds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%d minutes", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%.1f hours", d.Hours())
	default:
		return fmt.Sprintf("%.1f days", d.Hours()/24)
	}
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
