package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/stewardhq/steward/internal/observability"
)

// ExecuteFunc runs a tool with decoded arguments and the invocation context.
type ExecuteFunc func(ctx context.Context, args map[string]any, execCtx *ExecContext) (*ToolResult, error)

// RenderFunc turns tool arguments into the human-readable confirmation
// prompt shown before a gated execution.
type RenderFunc func(args map[string]any) string

// Tool is one locally-registered tool. Tools are plain struct literals;
// the Execute function receives everything it needs through its arguments
// and the ExecContext.
type Tool struct {
	Name        string
	Description string

	// Schema is the JSON-Schema for the arguments object. A nil schema
	// skips validation.
	Schema map[string]any

	// Render produces the confirmation prompt for this tool. Optional;
	// the confirming provider falls back to a generic prompt.
	Render RenderFunc

	Execute ExecuteFunc
}

// Local is an in-process tool registry. Arguments are validated against the
// declared schema before the tool function runs.
type Local struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	order    []string
	compiled map[string]*jsonschema.Schema

	logger  *observability.Logger
	metrics *observability.Metrics
}

// LocalOption configures the local provider.
type LocalOption func(*Local)

// WithLocalLogger sets the logger.
func WithLocalLogger(logger *observability.Logger) LocalOption {
	return func(l *Local) { l.logger = logger }
}

// WithLocalMetrics sets the metrics recorder.
func WithLocalMetrics(m *observability.Metrics) LocalOption {
	return func(l *Local) { l.metrics = m }
}

// NewLocal creates an empty local provider.
func NewLocal(opts ...LocalOption) *Local {
	l := &Local{
		tools:    make(map[string]Tool),
		compiled: make(map[string]*jsonschema.Schema),
		logger:   observability.NewLogger(observability.LogConfig{Level: "info"}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Register adds a tool, replacing any previous tool of the same name. The
// schema is compiled eagerly so a malformed one fails at startup, not at
// call time.
func (l *Local) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if t.Execute == nil {
		return fmt.Errorf("tool %q has no execute function", t.Name)
	}
	var compiled *jsonschema.Schema
	if t.Schema != nil {
		raw, err := json.Marshal(t.Schema)
		if err != nil {
			return fmt.Errorf("tool %q: encode schema: %w", t.Name, err)
		}
		compiled, err = jsonschema.CompileString(t.Name+".schema.json", string(raw))
		if err != nil {
			return fmt.Errorf("tool %q: compile schema: %w", t.Name, err)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.tools[t.Name]; !exists {
		l.order = append(l.order, t.Name)
	}
	l.tools[t.Name] = t
	if compiled != nil {
		l.compiled[t.Name] = compiled
	} else {
		delete(l.compiled, t.Name)
	}
	return nil
}

// MustRegister registers a tool and panics on error. Startup wiring only.
func (l *Local) MustRegister(t Tool) {
	if err := l.Register(t); err != nil {
		panic(err)
	}
}

// Get returns a registered tool by name.
func (l *Local) Get(name string) (Tool, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.tools[name]
	return t, ok
}

// ListDefinitions returns definitions in registration order.
func (l *Local) ListDefinitions(ctx context.Context) ([]Definition, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	defs := make([]Definition, 0, len(l.order))
	for _, name := range l.order {
		t := l.tools[name]
		schema := t.Schema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		defs = append(defs, Definition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return defs, nil
}

// Execute validates args against the tool's schema and runs it. Validation
// failures come back as error results so the model can correct itself.
func (l *Local) Execute(ctx context.Context, name string, args json.RawMessage, execCtx *ExecContext) (*ToolResult, error) {
	if len(name) > MaxNameLength {
		return Errorf("tool name exceeds maximum length of %d characters", MaxNameLength), nil
	}
	if len(args) > MaxArgsSize {
		return Errorf("tool arguments exceed maximum size of %d bytes", MaxArgsSize), nil
	}

	l.mu.RLock()
	t, ok := l.tools[name]
	compiled := l.compiled[name]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	decoded, err := DecodeArgs(args)
	if err != nil {
		return Errorf("tool %s: %v", name, err), nil
	}
	if compiled != nil {
		// Validate over a plain decoded value, matching what the
		// schema library expects.
		var generic any
		raw, err := json.Marshal(decoded)
		if err == nil {
			err = json.Unmarshal(raw, &generic)
		}
		if err != nil {
			return Errorf("tool %s: %v", name, err), nil
		}
		if err := compiled.Validate(generic); err != nil {
			l.logger.Debug(ctx, "tool argument validation failed", "tool", name, "error", err)
			return Errorf("invalid arguments for %s: %v", name, err), nil
		}
	}

	if execCtx == nil {
		execCtx = &ExecContext{}
	}
	result, err := t.Execute(ctx, decoded, execCtx)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", name, err)
	}
	if result == nil {
		result = Text("")
	}
	return result, nil
}

// Close is a no-op; local tools hold no external resources.
func (l *Local) Close() error { return nil }
