package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/stewardhq/steward/internal/observability"
)

const defaultConfirmTimeout = 60 * time.Second

// Confirming wraps a provider and gates the named tools behind a user
// confirmation. A refused or timed-out confirmation short-circuits with a
// cancellation result; the wrapped tool is never called. Invocations whose
// context carries no confirmation callback run ungated, since the transport
// has no way to ask.
type Confirming struct {
	inner     ToolsProvider
	gated     map[string]struct{}
	renderers map[string]RenderFunc
	timeout   time.Duration
	logger    *observability.Logger
}

// ConfirmingOption configures the confirming provider.
type ConfirmingOption func(*Confirming)

// WithRenderer sets the prompt renderer for one tool.
func WithRenderer(name string, render RenderFunc) ConfirmingOption {
	return func(c *Confirming) { c.renderers[name] = render }
}

// WithConfirmTimeout bounds how long a confirmation may stay unanswered.
func WithConfirmTimeout(d time.Duration) ConfirmingOption {
	return func(c *Confirming) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithConfirmingLogger sets the logger.
func WithConfirmingLogger(logger *observability.Logger) ConfirmingOption {
	return func(c *Confirming) { c.logger = logger }
}

// NewConfirming wraps inner, gating the tools named in gatedNames.
func NewConfirming(inner ToolsProvider, gatedNames []string, opts ...ConfirmingOption) *Confirming {
	c := &Confirming{
		inner:     inner,
		gated:     make(map[string]struct{}, len(gatedNames)),
		renderers: make(map[string]RenderFunc),
		timeout:   defaultConfirmTimeout,
		logger:    observability.NewLogger(observability.LogConfig{Level: "info"}),
	}
	for _, name := range gatedNames {
		c.gated[name] = struct{}{}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GatedNames returns the gated tool names, sorted.
func (c *Confirming) GatedNames() []string {
	names := make([]string, 0, len(c.gated))
	for name := range c.gated {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListDefinitions passes through to the wrapped provider.
func (c *Confirming) ListDefinitions(ctx context.Context) ([]Definition, error) {
	return c.inner.ListDefinitions(ctx)
}

// Execute asks for confirmation when the tool is gated and the invocation
// context can prompt, then delegates to the wrapped provider.
func (c *Confirming) Execute(ctx context.Context, name string, args json.RawMessage, execCtx *ExecContext) (*ToolResult, error) {
	if _, gated := c.gated[name]; !gated {
		return c.inner.Execute(ctx, name, args, execCtx)
	}
	if execCtx == nil || execCtx.RequestConfirmation == nil {
		c.logger.Debug(ctx, "gated tool has no confirmation channel, executing",
			"tool", name)
		return c.inner.Execute(ctx, name, args, execCtx)
	}

	prompt := c.renderPrompt(name, args)
	confirmCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	approved, err := execCtx.RequestConfirmation(confirmCtx, prompt)
	if err != nil || !approved {
		c.logger.Warn(ctx, "tool execution cancelled by user",
			"tool", name,
			"approved", approved,
			"error", err)
		return &ToolResult{
			Content: fmt.Sprintf("OK. Action cancelled by user (no confirmation): %s", name),
		}, nil
	}
	return c.inner.Execute(ctx, name, args, execCtx)
}

// Close passes through to the wrapped provider.
func (c *Confirming) Close() error {
	return c.inner.Close()
}

func (c *Confirming) renderPrompt(name string, args json.RawMessage) string {
	decoded, err := DecodeArgs(args)
	if err != nil {
		decoded = map[string]any{}
	}
	if render, ok := c.renderers[name]; ok && render != nil {
		return render(decoded)
	}
	compact := "{}"
	if raw, err := json.Marshal(decoded); err == nil {
		compact = string(raw)
	}
	return fmt.Sprintf("Allow %s with arguments %s?", name, compact)
}
