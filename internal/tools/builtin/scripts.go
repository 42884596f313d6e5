package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stewardhq/steward/internal/sandbox"
	"github.com/stewardhq/steward/internal/tools"
	"github.com/stewardhq/steward/pkg/models"
)

type executeScriptArgs struct {
	ScriptCode string `json:"script_code" jsonschema:"description=Script to run in the sandbox"`
	TaskName   string `json:"task_name,omitempty" jsonschema:"description=Label used in logs"`
}

func scriptTools(deps Deps) []tools.Tool {
	return []tools.Tool{
		{
			Name:        "execute_script",
			Description: "Run a sandboxed script. The script can call tools through tools_execute and its return value becomes the result.",
			Schema:      schemaFor(&executeScriptArgs{}),
			Render: func(args map[string]any) string {
				code, _ := args["script_code"].(string)
				return "Run this script?\n\n" + truncate(code, 400)
			},
			Execute: executeScript(deps.Scripts),
		},
	}
}

func executeScript(engine ScriptEngine) tools.ExecuteFunc {
	return func(ctx context.Context, args map[string]any, execCtx *tools.ExecContext) (*tools.ToolResult, error) {
		var in executeScriptArgs
		if err := decodeInto(args, &in); err != nil {
			return tools.Errorf("invalid arguments: %v", err), nil
		}
		if strings.TrimSpace(in.ScriptCode) == "" {
			return tools.Errorf("script_code is required"), nil
		}
		name := in.TaskName
		if name == "" {
			name = "execute_script"
		}

		// Tool access inside the script rides on the turn's provider chain
		// in execCtx, which is already scoped by profile policy.
		res, err := engine.Execute(ctx, in.ScriptCode, sandbox.RunOptions{
			Name:    name,
			ExecCtx: execCtx,
		})
		if err != nil {
			return tools.Errorf("%v", err), nil
		}

		content := renderScriptValue(res.Value)
		if content == "" {
			content = strings.TrimRight(res.Output, "\n")
		}
		if content == "" {
			content = "Script completed."
		}

		result := &tools.ToolResult{Content: content}
		for _, id := range res.AttachmentIDs {
			result.Attachments = append(result.Attachments, models.Attachment{ID: id})
		}
		if res.Output != "" || len(res.WakeRequests) > 0 {
			result.Data = map[string]any{}
			if res.Output != "" {
				result.Data["output"] = res.Output
			}
			if len(res.WakeRequests) > 0 {
				result.Data["wake_requests"] = res.WakeRequests
			}
		}
		return result, nil
	}
}

// renderScriptValue turns a script's return value into result text. Strings
// pass through; everything else is JSON.
func renderScriptValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(raw)
	}
}
