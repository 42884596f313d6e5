package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func echoTool() Tool {
	return Tool{
		Name:        "echo",
		Description: "Echoes the message back",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message": map[string]any{"type": "string"},
			},
			"required": []any{"message"},
		},
		Execute: func(ctx context.Context, args map[string]any, execCtx *ExecContext) (*ToolResult, error) {
			msg, _ := args["message"].(string)
			return Text(msg), nil
		},
	}
}

func TestLocalRegisterAndExecute(t *testing.T) {
	local := NewLocal()
	if err := local.Register(echoTool()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	result, err := local.Execute(context.Background(), "echo", json.RawMessage(`{"message":"hi"}`), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}
	if result.Content != "hi" {
		t.Fatalf("expected %q, got %q", "hi", result.Content)
	}
}

func TestLocalValidatesArguments(t *testing.T) {
	local := NewLocal()
	if err := local.Register(echoTool()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Missing the required "message" property.
	result, err := local.Execute(context.Background(), "echo", json.RawMessage(`{}`), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected validation failure to be an error result")
	}
	if !strings.Contains(result.Content, "echo") {
		t.Fatalf("expected tool name in error, got %q", result.Content)
	}
}

func TestLocalUnknownToolIsNotFound(t *testing.T) {
	local := NewLocal()
	_, err := local.Execute(context.Background(), "nope", nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("expected ErrToolNotFound, got %v", err)
	}
}

func TestLocalRejectsBadRegistrations(t *testing.T) {
	local := NewLocal()
	if err := local.Register(Tool{Name: ""}); err == nil {
		t.Fatal("expected error for empty name")
	}
	if err := local.Register(Tool{Name: "broken"}); err == nil {
		t.Fatal("expected error for missing execute function")
	}
	bad := echoTool()
	bad.Schema = map[string]any{"type": 42}
	if err := local.Register(bad); err == nil {
		t.Fatal("expected error for malformed schema")
	}
}

func TestLocalListDefinitionsInRegistrationOrder(t *testing.T) {
	local := NewLocal()
	for _, name := range []string{"c", "a", "b"} {
		n := name
		local.MustRegister(Tool{
			Name: n,
			Execute: func(ctx context.Context, args map[string]any, execCtx *ExecContext) (*ToolResult, error) {
				return Text(n), nil
			},
		})
	}

	defs, err := local.ListDefinitions(context.Background())
	if err != nil {
		t.Fatalf("ListDefinitions: %v", err)
	}
	if len(defs) != 3 {
		t.Fatalf("expected 3 definitions, got %d", len(defs))
	}
	want := []string{"c", "a", "b"}
	for i, def := range defs {
		if def.Name != want[i] {
			t.Fatalf("expected %q at %d, got %q", want[i], i, def.Name)
		}
		if def.InputSchema == nil {
			t.Fatalf("expected default schema for %q", def.Name)
		}
	}
}

func TestLocalNilSchemaSkipsValidation(t *testing.T) {
	local := NewLocal()
	local.MustRegister(Tool{
		Name: "freeform",
		Execute: func(ctx context.Context, args map[string]any, execCtx *ExecContext) (*ToolResult, error) {
			return Text("ok"), nil
		},
	})

	result, err := local.Execute(context.Background(), "freeform", json.RawMessage(`{"whatever":1}`), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Content != "ok" {
		t.Fatalf("expected ok, got %q", result.Content)
	}
}
