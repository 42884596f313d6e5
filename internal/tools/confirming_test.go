package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestConfirmingRefusalCancelsWithoutExecuting(t *testing.T) {
	inner := &fakeProvider{name: "inner", tools: []string{"delete_everything"}}
	confirming := NewConfirming(inner, []string{"delete_everything"})

	execCtx := &ExecContext{
		RequestConfirmation: func(ctx context.Context, prompt string) (bool, error) {
			return false, nil
		},
	}
	result, err := confirming.Execute(context.Background(), "delete_everything", nil, execCtx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.IsError {
		t.Fatal("cancellation is a normal result, not an error")
	}
	want := "OK. Action cancelled by user (no confirmation): delete_everything"
	if result.Content != want {
		t.Fatalf("expected %q, got %q", want, result.Content)
	}
	if len(inner.executed) != 0 {
		t.Fatal("wrapped tool must not run after refusal")
	}
}

func TestConfirmingApprovalExecutes(t *testing.T) {
	inner := &fakeProvider{name: "inner", tools: []string{"delete_everything"}}
	confirming := NewConfirming(inner, []string{"delete_everything"})

	var sawPrompt string
	execCtx := &ExecContext{
		RequestConfirmation: func(ctx context.Context, prompt string) (bool, error) {
			sawPrompt = prompt
			return true, nil
		},
	}
	result, err := confirming.Execute(context.Background(), "delete_everything", json.RawMessage(`{"target":"all"}`), execCtx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Content != "inner:delete_everything" {
		t.Fatalf("expected wrapped execution, got %q", result.Content)
	}
	if !strings.Contains(sawPrompt, "delete_everything") {
		t.Fatalf("expected generic prompt to name the tool, got %q", sawPrompt)
	}
}

func TestConfirmingTimeoutCancels(t *testing.T) {
	inner := &fakeProvider{name: "inner", tools: []string{"slow"}}
	confirming := NewConfirming(inner, []string{"slow"}, WithConfirmTimeout(10*time.Millisecond))

	execCtx := &ExecContext{
		RequestConfirmation: func(ctx context.Context, prompt string) (bool, error) {
			<-ctx.Done()
			return false, ctx.Err()
		},
	}
	result, err := confirming.Execute(context.Background(), "slow", nil, execCtx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(result.Content, "cancelled by user") {
		t.Fatalf("expected cancellation result, got %q", result.Content)
	}
	if len(inner.executed) != 0 {
		t.Fatal("wrapped tool must not run after timeout")
	}
}

func TestConfirmingUngatedToolSkipsPrompt(t *testing.T) {
	inner := &fakeProvider{name: "inner", tools: []string{"harmless"}}
	confirming := NewConfirming(inner, []string{"dangerous"})

	prompted := false
	execCtx := &ExecContext{
		RequestConfirmation: func(ctx context.Context, prompt string) (bool, error) {
			prompted = true
			return false, nil
		},
	}
	result, err := confirming.Execute(context.Background(), "harmless", nil, execCtx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if prompted {
		t.Fatal("ungated tool should not prompt")
	}
	if result.Content != "inner:harmless" {
		t.Fatalf("expected execution, got %q", result.Content)
	}
}

func TestConfirmingNoCallbackExecutes(t *testing.T) {
	inner := &fakeProvider{name: "inner", tools: []string{"dangerous"}}
	confirming := NewConfirming(inner, []string{"dangerous"})

	result, err := confirming.Execute(context.Background(), "dangerous", nil, &ExecContext{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Content != "inner:dangerous" {
		t.Fatalf("expected execution without a confirmation channel, got %q", result.Content)
	}
}

func TestConfirmingCustomRenderer(t *testing.T) {
	inner := &fakeProvider{name: "inner", tools: []string{"send_email"}}
	confirming := NewConfirming(inner, []string{"send_email"},
		WithRenderer("send_email", func(args map[string]any) string {
			to, _ := args["to"].(string)
			return "Send an email to " + to + "?"
		}))

	var sawPrompt string
	execCtx := &ExecContext{
		RequestConfirmation: func(ctx context.Context, prompt string) (bool, error) {
			sawPrompt = prompt
			return true, nil
		},
	}
	if _, err := confirming.Execute(context.Background(), "send_email", json.RawMessage(`{"to":"pat"}`), execCtx); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if sawPrompt != "Send an email to pat?" {
		t.Fatalf("expected rendered prompt, got %q", sawPrompt)
	}
}
