// Package sandbox executes automation scripts in a restricted Starlark
// dialect. Scripts get pure builtins, JSON helpers, a policy-gated tool
// API, read-only attachment metadata, and wake_llm for requesting a
// follow-up orchestrator turn. There is no while loop, no top-level
// control flow, no imports, and no way to reach the filesystem or network
// except through the tool API.
//
// A script's entry point is a module-level main() when one is defined,
// otherwise the value of the final expression statement.
package sandbox

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/stewardhq/steward/internal/attachments"
	"github.com/stewardhq/steward/internal/observability"
	"github.com/stewardhq/steward/internal/tools"
	"github.com/stewardhq/steward/pkg/models"
)

const defaultTimeout = 10 * time.Minute

// AttachmentReader resolves attachment metadata for scripts. The registry
// implements it.
type AttachmentReader interface {
	Get(ctx context.Context, id string) (*attachments.Attachment, error)
}

// WakeRequest is a script's request for a follow-up orchestrator turn,
// collected during execution and returned with the result.
type WakeRequest struct {
	Context      string `json:"context"`
	IncludeEvent bool   `json:"include_event"`
}

// Result is the outcome of a completed script run.
type Result struct {
	// Value is the entry point's return value, decoded to JSON shapes.
	Value any

	// Output is everything the script printed.
	Output string

	// AttachmentIDs are registry ids extracted from the return value.
	AttachmentIDs []string

	// WakeRequests are the accumulated wake_llm calls, in call order.
	WakeRequests []WakeRequest
}

// RunOptions configure one execution.
type RunOptions struct {
	// Name labels the run in logs and error positions.
	Name string

	// AllowedTools restricts the visible tool names. nil allows every
	// tool the provider serves; an empty non-nil list denies all.
	AllowedTools []string

	// DenyAllTools hides and blocks every tool, overriding AllowedTools.
	DenyAllTools bool

	// ExecCtx carries conversation identity and the tools provider.
	ExecCtx *tools.ExecContext

	// Globals are extra bindings visible to the script (event payloads
	// for condition scripts). Values must be JSON-shaped.
	Globals map[string]any
}

// Engine runs scripts. Safe for concurrent use; each run gets its own
// thread and deadline.
type Engine struct {
	timeout     time.Duration
	attachments AttachmentReader
	logger      *observability.Logger
	metrics     *observability.Metrics
}

// Option configures the engine.
type Option func(*Engine)

// WithTimeout sets the wall-clock cap per run.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithAttachments wires the registry behind attachment_get.
func WithAttachments(r AttachmentReader) Option {
	return func(e *Engine) { e.attachments = r }
}

// WithLogger sets the logger.
func WithLogger(logger *observability.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates an engine with the default 10 minute cap.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		timeout: defaultTimeout,
		logger:  observability.NewLogger(observability.LogConfig{Level: "info"}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// fileOptions is the dialect: no while, no set literals, no top-level
// control flow, no global reassignment, no recursion.
var fileOptions = &syntax.FileOptions{}

// run is the per-execution state shared with the builtins.
type run struct {
	engine   *Engine
	ctx      context.Context
	opts     RunOptions
	deadline time.Time
	output   strings.Builder
	wakes    []WakeRequest
	timedOut atomic.Bool
}

// Execute runs the script to completion or failure. Errors are one of
// *SyntaxError, *TimeoutError, or *ExecError.
func (e *Engine) Execute(ctx context.Context, script string, opts RunOptions) (*Result, error) {
	filename := opts.Name
	if filename == "" {
		filename = "script.star"
	}

	parsed, err := fileOptions.Parse(filename, script, 0)
	if err != nil {
		e.countRun("syntax")
		return nil, asSyntaxError(err)
	}
	program, trailing := splitTrailingExpr(script, parsed)

	r := &run{
		engine:   e,
		ctx:      ctx,
		opts:     opts,
		deadline: time.Now().Add(e.timeout),
	}
	thread := &starlark.Thread{
		Name: filename,
		Print: func(_ *starlark.Thread, msg string) {
			r.output.WriteString(msg)
			r.output.WriteByte('\n')
			e.logger.Debug(ctx, "script print", "script", filename, "message", msg)
		},
	}

	timer := time.AfterFunc(e.timeout, func() {
		r.timedOut.Store(true)
		thread.Cancel("timeout")
	})
	defer timer.Stop()

	predeclared, err := r.globals()
	if err != nil {
		e.countRun("error")
		return nil, &ExecError{Msg: err.Error()}
	}

	globals, err := starlark.ExecFileOptions(fileOptions, thread, filename, program, predeclared)
	if err != nil {
		return nil, e.classify(err, r)
	}

	var value starlark.Value = starlark.None
	if mainFn, ok := globals["main"]; ok {
		callable, ok := mainFn.(starlark.Callable)
		if !ok {
			e.countRun("error")
			return nil, &ExecError{Msg: "main is not callable"}
		}
		value, err = starlark.Call(thread, callable, nil, nil)
		if err != nil {
			return nil, e.classify(err, r)
		}
	} else if trailing != "" {
		env := make(starlark.StringDict, len(predeclared)+len(globals))
		for k, v := range predeclared {
			env[k] = v
		}
		for k, v := range globals {
			env[k] = v
		}
		value, err = starlark.EvalOptions(fileOptions, thread, filename, trailing, env)
		if err != nil {
			return nil, e.classify(err, r)
		}
	}

	decoded, err := fromStarlark(value)
	if err != nil {
		e.countRun("error")
		return nil, &ExecError{Msg: err.Error()}
	}

	e.countRun("ok")
	return &Result{
		Value:         decoded,
		Output:        r.output.String(),
		AttachmentIDs: extractAttachmentIDs(decoded),
		WakeRequests:  r.wakes,
	}, nil
}

// EvalCondition runs a listener condition script with the flattened event
// bound as `event` and no tool access, reporting the result's truthiness.
func (e *Engine) EvalCondition(ctx context.Context, script string, event models.Event) (bool, error) {
	result, err := e.Execute(ctx, script, RunOptions{
		Name:         "condition.star",
		DenyAllTools: true,
		Globals:      map[string]any{"event": event.Flat()},
	})
	if err != nil {
		return false, err
	}
	return truthy(result.Value), nil
}

func (e *Engine) classify(err error, r *run) error {
	if r.timedOut.Load() {
		e.countRun("timeout")
		return &TimeoutError{Limit: e.timeout}
	}
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		e.countRun("error")
		return &ExecError{Msg: evalErr.Msg, Backtrace: evalErr.Backtrace()}
	}
	if se := asSyntaxError(err); se != nil {
		e.countRun("syntax")
		return se
	}
	e.countRun("error")
	return &ExecError{Msg: err.Error()}
}

// asSyntaxError maps parser and resolver failures onto SyntaxError,
// keeping the reported position. Returns nil for other errors.
func asSyntaxError(err error) error {
	var syn syntax.Error
	if errors.As(err, &syn) {
		return &SyntaxError{Line: syn.Pos.Line, Col: syn.Pos.Col, Msg: syn.Msg}
	}
	var resolveList resolve.ErrorList
	if errors.As(err, &resolveList) && len(resolveList) > 0 {
		first := resolveList[0]
		return &SyntaxError{Line: first.Pos.Line, Col: first.Pos.Col, Msg: first.Msg}
	}
	var resolveErr resolve.Error
	if errors.As(err, &resolveErr) {
		return &SyntaxError{Line: resolveErr.Pos.Line, Col: resolveErr.Pos.Col, Msg: resolveErr.Msg}
	}
	return nil
}

// splitTrailingExpr cuts the script's final top-level expression statement
// off so it can be evaluated for its value after the rest of the module
// executes. Compound lines stay intact and yield no trailing expression.
func splitTrailingExpr(script string, parsed *syntax.File) (program, trailing string) {
	if len(parsed.Stmts) == 0 {
		return script, ""
	}
	last, ok := parsed.Stmts[len(parsed.Stmts)-1].(*syntax.ExprStmt)
	if !ok {
		return script, ""
	}
	start, _ := last.Span()
	if start.Col != 1 {
		return script, ""
	}
	lines := strings.Split(script, "\n")
	if int(start.Line) > len(lines) {
		return script, ""
	}
	program = strings.Join(lines[:start.Line-1], "\n")
	trailing = strings.Join(lines[start.Line-1:], "\n")
	return program, trailing
}

func (e *Engine) countRun(status string) {
	if e.metrics == nil {
		return
	}
	e.metrics.SandboxExecutions.WithLabelValues(status).Inc()
}
