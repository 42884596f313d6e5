// Package providers implements the LLM provider adapters the agent
// package streams completions from.
package providers

import (
	"fmt"
	"strings"
)

// Reason classifies why a provider call failed. The classification decides
// retry behavior and keeps operator-facing errors comparable across
// providers.
type Reason string

const (
	ReasonBilling          Reason = "billing"
	ReasonRateLimit        Reason = "rate_limit"
	ReasonAuth             Reason = "auth"
	ReasonTimeout          Reason = "timeout"
	ReasonServerError      Reason = "server_error"
	ReasonInvalidRequest   Reason = "invalid_request"
	ReasonModelUnavailable Reason = "model_unavailable"
	ReasonContentFilter    Reason = "content_filter"
	ReasonUnknown          Reason = "unknown"
)

// IsRetryable reports whether a failure with this reason is worth retrying
// against the same provider.
func (r Reason) IsRetryable() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServerError:
		return true
	}
	return false
}

// Error is a classified provider failure.
type Error struct {
	Reason    Reason
	Provider  string
	Model     string
	Status    int
	RequestID string
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Provider, e.Reason)
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.RequestID != "" {
		fmt.Fprintf(&b, " [request %s]", e.RequestID)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// newError builds a classified failure from a raw provider error.
func newError(provider, model string, cause error) *Error {
	return &Error{
		Reason:   Classify(cause),
		Provider: provider,
		Model:    model,
		Message:  cause.Error(),
		Cause:    cause,
	}
}

// Classify maps a raw provider error onto a Reason by message inspection.
// SDKs surface most failures as strings, so substring matching is the
// lowest common denominator that works across both.
func Classify(err error) Reason {
	if err == nil {
		return ReasonUnknown
	}
	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, "billing", "quota", "insufficient_quota", "credit", "payment"):
		return ReasonBilling
	case containsAny(msg, "rate limit", "rate_limit", "429", "too many requests"):
		return ReasonRateLimit
	case containsAny(msg, "api key", "unauthorized", "authentication", "401", "403", "permission"):
		return ReasonAuth
	case containsAny(msg, "timeout", "deadline exceeded", "context canceled"):
		return ReasonTimeout
	case containsAny(msg, "500", "502", "503", "529", "overloaded", "internal server", "service unavailable"):
		return ReasonServerError
	case containsAny(msg, "model_not_found", "does not exist", "unknown model", "model is not available"):
		return ReasonModelUnavailable
	case containsAny(msg, "content filter", "content_filter", "flagged", "safety"):
		return ReasonContentFilter
	case containsAny(msg, "invalid request", "invalid_request", "400", "bad request", "max_tokens"):
		return ReasonInvalidRequest
	}
	return ReasonUnknown
}

// classifyStatus maps an HTTP status onto a Reason. Status beats message
// matching when the SDK exposes one.
func classifyStatus(status int) Reason {
	switch {
	case status == 401 || status == 403:
		return ReasonAuth
	case status == 402:
		return ReasonBilling
	case status == 404:
		return ReasonModelUnavailable
	case status == 408:
		return ReasonTimeout
	case status == 429:
		return ReasonRateLimit
	case status >= 400 && status < 500:
		return ReasonInvalidRequest
	case status >= 500:
		return ReasonServerError
	}
	return ReasonUnknown
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
