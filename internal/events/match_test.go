package events

import (
	"testing"

	"github.com/stewardhq/steward/pkg/models"
)

func doorEvent() models.Event {
	return models.Event{
		Source: models.SourceHomeAssistant,
		Payload: map[string]any{
			"entity_id": "sensor.door",
			"new_state": map[string]any{
				"state": "open",
				"attrs": map[string]any{"battery": float64(80)},
			},
			"tags":  []any{"security", "entry", "ground_floor"},
			"count": float64(3),
		},
	}
}

func TestMatch(t *testing.T) {
	tests := map[string]struct {
		conditions map[string]any
		want       bool
	}{
		"empty matches all": {
			conditions: map[string]any{},
			want:       true,
		},
		"nil matches all": {
			conditions: nil,
			want:       true,
		},
		"simple equality": {
			conditions: map[string]any{"entity_id": "sensor.door"},
			want:       true,
		},
		"simple mismatch": {
			conditions: map[string]any{"entity_id": "sensor.window"},
			want:       false,
		},
		"dotted path": {
			conditions: map[string]any{"new_state.state": "open"},
			want:       true,
		},
		"and joined": {
			conditions: map[string]any{"entity_id": "sensor.door", "new_state.state": "open"},
			want:       true,
		},
		"and joined one fails": {
			conditions: map[string]any{"entity_id": "sensor.door", "new_state.state": "closed"},
			want:       false,
		},
		"absent path never matches": {
			conditions: map[string]any{"missing.path": "anything"},
			want:       false,
		},
		"absent path with nil expectation": {
			conditions: map[string]any{"missing": nil},
			want:       false,
		},
		"list subset": {
			conditions: map[string]any{"tags": []any{"security", "entry"}},
			want:       true,
		},
		"list not subset": {
			conditions: map[string]any{"tags": []any{"security", "roof"}},
			want:       false,
		},
		"list against scalar": {
			conditions: map[string]any{"entity_id": []any{"sensor.door"}},
			want:       false,
		},
		"numeric across types": {
			conditions: map[string]any{"count": 3},
			want:       true,
		},
		"nested number": {
			conditions: map[string]any{"new_state.attrs.battery": 80},
			want:       true,
		},
		"nested map deep equality": {
			conditions: map[string]any{"new_state.attrs": map[string]any{"battery": float64(80)}},
			want:       true,
		},
		"nested map extra key fails": {
			conditions: map[string]any{"new_state.attrs": map[string]any{}},
			want:       false,
		},
		"reserved source key": {
			conditions: map[string]any{"source": models.SourceHomeAssistant},
			want:       true,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			if got := Match(tt.conditions, doorEvent()); got != tt.want {
				t.Errorf("Match(%v) = %v, want %v", tt.conditions, got, tt.want)
			}
		})
	}
}

func TestMatch_ExpectedStringSlice(t *testing.T) {
	evt := models.Event{
		Source:  models.SourceWebhook,
		Payload: map[string]any{"labels": []string{"urgent", "billing"}},
	}
	if !Match(map[string]any{"labels": []string{"urgent"}}, evt) {
		t.Error("string-slice subset should match")
	}
	if Match(map[string]any{"labels": []string{"spam"}}, evt) {
		t.Error("non-member should not match")
	}
}
