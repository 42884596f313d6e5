package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

// fakeProvider serves a fixed set of tools; execution records the call and
// returns a canned result or error.
type fakeProvider struct {
	name     string
	tools    []string
	execErr  error
	executed []string
	closed   bool
}

func (f *fakeProvider) ListDefinitions(ctx context.Context) ([]Definition, error) {
	defs := make([]Definition, 0, len(f.tools))
	for _, name := range f.tools {
		defs = append(defs, Definition{Name: name})
	}
	return defs, nil
}

func (f *fakeProvider) Execute(ctx context.Context, name string, args json.RawMessage, execCtx *ExecContext) (*ToolResult, error) {
	found := false
	for _, t := range f.tools {
		if t == name {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if f.execErr != nil {
		return nil, f.execErr
	}
	f.executed = append(f.executed, name)
	return Text(f.name + ":" + name), nil
}

func (f *fakeProvider) Close() error {
	f.closed = true
	return nil
}

func TestCompositeFallsThroughOnNotFound(t *testing.T) {
	first := &fakeProvider{name: "first", tools: []string{"alpha"}}
	second := &fakeProvider{name: "second", tools: []string{"beta"}}
	chain := NewComposite(first, second)

	result, err := chain.Execute(context.Background(), "beta", nil, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Content != "second:beta" {
		t.Fatalf("expected second provider to serve beta, got %q", result.Content)
	}
	if len(first.executed) != 0 {
		t.Fatal("first provider should not have executed anything")
	}
}

func TestCompositeFirstProviderWinsExecution(t *testing.T) {
	first := &fakeProvider{name: "first", tools: []string{"alpha"}}
	second := &fakeProvider{name: "second", tools: []string{"alpha"}}
	chain := NewComposite(first, second)

	result, err := chain.Execute(context.Background(), "alpha", nil, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Content != "first:alpha" {
		t.Fatalf("expected first provider to win, got %q", result.Content)
	}
}

func TestCompositeOtherErrorsAbort(t *testing.T) {
	boom := errors.New("transport exploded")
	first := &fakeProvider{name: "first", tools: []string{"alpha"}, execErr: boom}
	second := &fakeProvider{name: "second", tools: []string{"alpha"}}
	chain := NewComposite(first, second)

	_, err := chain.Execute(context.Background(), "alpha", nil, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("expected transport error to propagate, got %v", err)
	}
	if len(second.executed) != 0 {
		t.Fatal("second provider should not run after a non-not-found error")
	}
}

func TestCompositeExhaustedReturnsNotFound(t *testing.T) {
	chain := NewComposite(&fakeProvider{name: "only", tools: []string{"alpha"}})
	_, err := chain.Execute(context.Background(), "missing", nil, nil)
	if !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("expected ErrToolNotFound, got %v", err)
	}
}

func TestCompositeListConcatenatesInOrder(t *testing.T) {
	chain := NewComposite(
		&fakeProvider{name: "first", tools: []string{"a", "b"}},
		nil,
		&fakeProvider{name: "second", tools: []string{"c"}},
	)

	defs, err := chain.ListDefinitions(context.Background())
	if err != nil {
		t.Fatalf("ListDefinitions: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(defs) != len(want) {
		t.Fatalf("expected %d definitions, got %d", len(want), len(defs))
	}
	for i, def := range defs {
		if def.Name != want[i] {
			t.Fatalf("expected %q at %d, got %q", want[i], i, def.Name)
		}
	}
}

func TestCompositeCloseClosesAll(t *testing.T) {
	first := &fakeProvider{name: "first"}
	second := &fakeProvider{name: "second"}
	chain := NewComposite(first, second)

	if err := chain.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !first.closed || !second.closed {
		t.Fatal("expected both providers closed")
	}
}
