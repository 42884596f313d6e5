package models

import (
	"strings"
	"time"
)

// Event source tags. Event automations subscribe to exactly one of these.
const (
	SourceHomeAssistant    = "home_assistant"
	SourceDocumentIndexing = "document_indexing"
	SourceWebhook          = "webhook"
)

// KnownSource reports whether s is one of the event source tags.
func KnownSource(s string) bool {
	switch s {
	case SourceHomeAssistant, SourceDocumentIndexing, SourceWebhook:
		return true
	}
	return false
}

// Event is a dictionary emitted by an event source.
type Event struct {
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// Field resolves a dotted path ("a.b.c") against the flattened event, so
// the reserved source and timestamp keys are addressable too. The second
// return is false when any segment is absent or a non-map is traversed.
func (e Event) Field(path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = e.Flat()
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Flat returns the payload with the reserved source/timestamp keys set,
// the shape scripts and match predicates observe.
func (e Event) Flat() map[string]any {
	out := make(map[string]any, len(e.Payload)+2)
	for k, v := range e.Payload {
		out[k] = v
	}
	out["source"] = e.Source
	if !e.Timestamp.IsZero() {
		out["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return out
}
