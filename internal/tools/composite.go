package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Composite chains providers in priority order. Definitions concatenate;
// execution tries each provider until one serves the name. ErrToolNotFound
// falls through to the next provider, any other error aborts the call.
type Composite struct {
	providers []ToolsProvider
}

// NewComposite builds a chain from the given providers. Nil entries are
// skipped so optional providers can be wired conditionally.
func NewComposite(providers ...ToolsProvider) *Composite {
	c := &Composite{}
	for _, p := range providers {
		if p != nil {
			c.providers = append(c.providers, p)
		}
	}
	return c
}

// ListDefinitions concatenates definitions from all providers in order.
func (c *Composite) ListDefinitions(ctx context.Context) ([]Definition, error) {
	var defs []Definition
	for _, p := range c.providers {
		d, err := p.ListDefinitions(ctx)
		if err != nil {
			return nil, err
		}
		defs = append(defs, d...)
	}
	return defs, nil
}

// Execute dispatches to the first provider that serves the tool.
func (c *Composite) Execute(ctx context.Context, name string, args json.RawMessage, execCtx *ExecContext) (*ToolResult, error) {
	for _, p := range c.providers {
		result, err := p.Execute(ctx, name, args, execCtx)
		if errors.Is(err, ErrToolNotFound) {
			continue
		}
		return result, err
	}
	return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
}

// Close closes every provider and joins their errors.
func (c *Composite) Close() error {
	var errs []error
	for _, p := range c.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
