package agent

import "context"

// ContextProvider contributes system-prompt fragments to a turn: a notes
// digest, a calendar summary, pending reminders. Providers return zero or
// more strings; a failing provider returns nothing rather than blocking the
// turn.
type ContextProvider interface {
	Fragments(ctx context.Context, conversationID string) []string
}

// ContextFunc adapts a function to the ContextProvider interface.
type ContextFunc func(ctx context.Context, conversationID string) []string

// Fragments calls f.
func (f ContextFunc) Fragments(ctx context.Context, conversationID string) []string {
	return f(ctx, conversationID)
}

// StaticContext always contributes the same fragments. Deployments use it
// for fixed instructions that live outside the profile prompt.
type StaticContext []string

// Fragments returns the configured strings.
func (s StaticContext) Fragments(ctx context.Context, conversationID string) []string {
	return s
}
