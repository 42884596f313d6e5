package tools

import (
	"context"
	"encoding/json"

	"github.com/stewardhq/steward/internal/tools/policy"
)

// Filtered is a per-profile view over a provider chain. Definitions the
// active policy denies are hidden from listings, and executing a hidden
// tool returns an error result instead of running it. The view does not
// own the chain: Close is a no-op so one shared chain can back many
// concurrent turns.
type Filtered struct {
	inner    ToolsProvider
	resolver *policy.Resolver
	policy   *policy.Policy
}

// NewFiltered wraps inner with the given policy. A nil resolver gets a
// fresh one with no groups; a nil policy allows everything.
func NewFiltered(inner ToolsProvider, resolver *policy.Resolver, p *policy.Policy) *Filtered {
	if resolver == nil {
		resolver = policy.NewResolver()
	}
	return &Filtered{inner: inner, resolver: resolver, policy: p}
}

// ListDefinitions returns the wrapped provider's definitions minus the
// ones the policy denies.
func (f *Filtered) ListDefinitions(ctx context.Context) ([]Definition, error) {
	defs, err := f.inner.ListDefinitions(ctx)
	if err != nil {
		return nil, err
	}
	allowed := make([]Definition, 0, len(defs))
	for _, def := range defs {
		if f.resolver.IsAllowed(f.policy, def.Name) {
			allowed = append(allowed, def)
		}
	}
	return allowed, nil
}

// Execute refuses tools the policy denies with an error result, so the
// model sees the refusal as tool output, and delegates the rest.
func (f *Filtered) Execute(ctx context.Context, name string, args json.RawMessage, execCtx *ExecContext) (*ToolResult, error) {
	if !f.resolver.IsAllowed(f.policy, name) {
		return Errorf("tool not allowed: %s", name), nil
	}
	return f.inner.Execute(ctx, name, args, execCtx)
}

// Close is a no-op; the underlying chain outlives the view.
func (f *Filtered) Close() error {
	return nil
}
