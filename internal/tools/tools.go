// Package tools defines the provider chain the orchestrator and the script
// sandbox execute tools through. A ToolsProvider exposes tool definitions
// and dispatches calls by name; concrete providers are composed into a
// single chain (local registry, remote MCP servers, confirmation gating).
//
// Tool failures are results, not errors: a tool that runs and fails returns
// ToolResult{IsError: true} so the model can read the failure and react.
// Provider errors are reserved for infrastructure faults (unknown tool,
// broken transport, cancelled context).
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stewardhq/steward/pkg/models"
)

// ErrToolNotFound reports that a provider does not serve the named tool.
// Composite providers treat it as a fall-through signal.
var ErrToolNotFound = errors.New("tool not found")

// Tool parameter limits.
const (
	// MaxNameLength is the maximum length of a tool name.
	MaxNameLength = 256

	// MaxArgsSize is the maximum size of tool argument JSON (10MB).
	MaxArgsSize = 10 << 20
)

// Definition describes one callable tool to an LLM provider.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// ToolResult is the outcome of one tool execution. Content is always set;
// Data carries optional structured output and Attachments reference registry
// entries the tool produced.
type ToolResult struct {
	Content     string              `json:"content"`
	IsError     bool                `json:"is_error,omitempty"`
	Data        map[string]any      `json:"data,omitempty"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
}

// Errorf builds an error result from a format string.
func Errorf(format string, args ...any) *ToolResult {
	return &ToolResult{Content: fmt.Sprintf(format, args...), IsError: true}
}

// Text builds a plain success result.
func Text(content string) *ToolResult {
	return &ToolResult{Content: content}
}

// ConfirmFunc asks the user to approve a gated action. It blocks until the
// user answers, the timeout elapses, or ctx is cancelled.
type ConfirmFunc func(ctx context.Context, prompt string) (bool, error)

// ActivityFunc reports liveness to the transport (typing indicators).
type ActivityFunc func(ctx context.Context)

// ExecContext carries per-invocation state into every tool and script
// execution. Tools take what they need and ignore the rest; optional
// callbacks are nil when the transport does not support them.
type ExecContext struct {
	InterfaceType  models.InterfaceType
	ConversationID string
	UserName       string
	UserID         string
	TurnID         string
	ProfileID      string

	// Timezone is the IANA zone name conversions should render in.
	Timezone string

	// Clock returns the current time; tests inject a fixed one.
	Clock func() time.Time

	// RequestConfirmation is the transport's approval callback, nil when
	// the transport cannot prompt.
	RequestConfirmation ConfirmFunc

	// UpdateActivity signals the transport that work is in progress.
	UpdateActivity ActivityFunc

	// Tools is the provider chain for the current turn, already filtered
	// by profile policy. Scripts proxy their tool calls through it.
	Tools ToolsProvider

	// Visibility restricts which shared records the caller may read.
	VisibilityGrants []string
}

// Now returns the context clock's current time, falling back to time.Now.
func (ec *ExecContext) Now() time.Time {
	if ec != nil && ec.Clock != nil {
		return ec.Clock()
	}
	return time.Now()
}

// ToolsProvider is the execution surface the orchestrator consumes.
type ToolsProvider interface {
	// ListDefinitions returns the tool definitions this provider serves.
	ListDefinitions(ctx context.Context) ([]Definition, error)

	// Execute runs the named tool. A nil execCtx is treated as empty.
	// Unknown names return ErrToolNotFound.
	Execute(ctx context.Context, name string, args json.RawMessage, execCtx *ExecContext) (*ToolResult, error)

	// Close releases provider resources (remote sessions, subprocesses).
	Close() error
}

// DecodeArgs unmarshals raw tool arguments into a map, treating empty input
// as an empty object.
func DecodeArgs(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}
