package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	starlarkjson "go.starlark.net/lib/json"
	"go.starlark.net/starlark"

	"github.com/stewardhq/steward/internal/storage"
	"github.com/stewardhq/steward/internal/tools"
)

// globals builds the predeclared environment for one run: JSON helpers,
// the tool API, attachment lookup, wake_llm, and any caller-supplied
// bindings.
func (r *run) globals() (starlark.StringDict, error) {
	dict := starlark.StringDict{
		"json_encode":        starlarkjson.Module.Members["encode"],
		"json_decode":        starlarkjson.Module.Members["decode"],
		"tools_list":         starlark.NewBuiltin("tools_list", r.toolsList),
		"tools_get":          starlark.NewBuiltin("tools_get", r.toolsGet),
		"tools_execute":      starlark.NewBuiltin("tools_execute", r.toolsExecute),
		"tools_execute_json": starlark.NewBuiltin("tools_execute_json", r.toolsExecuteJSON),
		"attachment_get":     starlark.NewBuiltin("attachment_get", r.attachmentGet),
		"wake_llm":           starlark.NewBuiltin("wake_llm", r.wakeLLM),
	}
	for name, value := range r.opts.Globals {
		converted, err := toStarlark(value)
		if err != nil {
			return nil, fmt.Errorf("bind global %s: %w", name, err)
		}
		dict[name] = converted
	}
	return dict, nil
}

// toolAllowed applies the run's policy: deny_all wins, a nil allow list
// permits everything, an empty one permits nothing.
func (r *run) toolAllowed(name string) bool {
	if r.opts.DenyAllTools {
		return false
	}
	if r.opts.AllowedTools == nil {
		return true
	}
	for _, allowed := range r.opts.AllowedTools {
		if allowed == name {
			return true
		}
	}
	return false
}

func (r *run) provider() tools.ToolsProvider {
	if r.opts.ExecCtx == nil {
		return nil
	}
	return r.opts.ExecCtx.Tools
}

// toolCtx bounds tool work by the run's remaining wall-clock budget so a
// blocked tool cannot outlive the script cap.
func (r *run) toolCtx() (context.Context, context.CancelFunc) {
	return context.WithDeadline(r.ctx, r.deadline)
}

func (r *run) toolsList(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	provider := r.provider()
	if r.opts.DenyAllTools || provider == nil {
		return starlark.NewList(nil), nil
	}
	ctx, cancel := r.toolCtx()
	defer cancel()
	defs, err := provider.ListDefinitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	var elems []starlark.Value
	for _, def := range defs {
		if r.toolAllowed(def.Name) {
			elems = append(elems, starlark.String(def.Name))
		}
	}
	return starlark.NewList(elems), nil
}

func (r *run) toolsGet(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
		return nil, err
	}
	provider := r.provider()
	if provider == nil || !r.toolAllowed(name) {
		return starlark.None, nil
	}
	ctx, cancel := r.toolCtx()
	defer cancel()
	defs, err := provider.ListDefinitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	for _, def := range defs {
		if def.Name != name {
			continue
		}
		schema, err := toStarlark(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		result := starlark.NewDict(3)
		result.SetKey(starlark.String("name"), starlark.String(def.Name))
		result.SetKey(starlark.String("description"), starlark.String(def.Description))
		result.SetKey(starlark.String("input_schema"), schema)
		return result, nil
	}
	return starlark.None, nil
}

func (r *run) toolsExecute(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, nil, 1, &name); err != nil {
		return nil, err
	}
	toolArgs := make(map[string]any, len(kwargs))
	for _, kv := range kwargs {
		key, ok := starlark.AsString(kv[0])
		if !ok {
			return nil, fmt.Errorf("%s: keyword name must be a string", b.Name())
		}
		value, err := fromStarlark(kv[1])
		if err != nil {
			return nil, fmt.Errorf("%s: argument %s: %w", b.Name(), key, err)
		}
		toolArgs[key] = value
	}
	return r.executeTool(b.Name(), name, toolArgs)
}

func (r *run) toolsExecuteJSON(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, jsonArgs string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "json_args", &jsonArgs); err != nil {
		return nil, err
	}
	toolArgs := map[string]any{}
	if jsonArgs != "" {
		if err := json.Unmarshal([]byte(jsonArgs), &toolArgs); err != nil {
			return nil, fmt.Errorf("%s: arguments must be a JSON object: %v", b.Name(), err)
		}
	}
	return r.executeTool(b.Name(), name, toolArgs)
}

// executeTool enforces the policy gate and proxies to the run's provider.
// A denied name is logged as a security event; a tool-level failure
// surfaces as a script error.
func (r *run) executeTool(api, name string, toolArgs map[string]any) (starlark.Value, error) {
	if !r.toolAllowed(name) {
		r.engine.logger.Warn(r.ctx, "script attempted denied tool",
			"script", r.opts.Name,
			"tool", name,
		)
		return nil, fmt.Errorf("%s: tool %s is not allowed", api, name)
	}
	provider := r.provider()
	if provider == nil {
		return nil, fmt.Errorf("%s: no tools available", api)
	}
	raw, err := json.Marshal(toolArgs)
	if err != nil {
		return nil, fmt.Errorf("%s: encode arguments: %w", api, err)
	}
	ctx, cancel := r.toolCtx()
	defer cancel()
	result, err := provider.Execute(ctx, name, raw, r.opts.ExecCtx)
	if err != nil {
		return nil, fmt.Errorf("%s: %s: %w", api, name, err)
	}
	if result.IsError {
		return nil, fmt.Errorf("%s: %s failed: %s", api, name, result.Content)
	}
	return starlark.String(result.Content), nil
}

func (r *run) attachmentGet(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var id string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "id", &id); err != nil {
		return nil, err
	}
	if r.engine.attachments == nil {
		return starlark.None, nil
	}
	ctx, cancel := r.toolCtx()
	defer cancel()
	att, err := r.engine.attachments.Get(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return starlark.None, nil
		}
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	if !r.attachmentVisible(att.ConversationID) {
		r.engine.logger.Debug(r.ctx, "script denied attachment outside conversation",
			"script", r.opts.Name,
			"attachment_id", id,
		)
		return starlark.None, nil
	}
	meta := map[string]any{
		"attachment_id":   att.ID,
		"source_type":     string(att.SourceType),
		"mime_type":       att.MimeType,
		"description":     att.Description,
		"size":            att.Size,
		"conversation_id": att.ConversationID,
		"message_id":      att.MessageID,
		"created_at":      att.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if len(att.Metadata) > 0 {
		meta["metadata"] = att.Metadata
	}
	return toStarlark(meta)
}

// attachmentVisible reports whether the run's conversation may see an
// attachment owned by owningConversation. Visibility grants extend the
// scope to explicitly shared conversations.
func (r *run) attachmentVisible(owningConversation string) bool {
	if r.opts.ExecCtx == nil {
		return false
	}
	if owningConversation == r.opts.ExecCtx.ConversationID {
		return true
	}
	for _, granted := range r.opts.ExecCtx.VisibilityGrants {
		if granted == owningConversation {
			return true
		}
	}
	return false
}

func (r *run) wakeLLM(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var wakeContext string
	includeEvent := true
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "context", &wakeContext, "include_event?", &includeEvent); err != nil {
		return nil, err
	}
	r.wakes = append(r.wakes, WakeRequest{Context: wakeContext, IncludeEvent: includeEvent})
	return starlark.None, nil
}
