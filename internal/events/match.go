package events

import (
	"encoding/json"
	"reflect"

	"github.com/stewardhq/steward/pkg/models"
)

// Match reports whether an event satisfies a listener's match conditions.
//
// Conditions map dotted field paths to expected values, AND-joined. Values
// compare by deep equality, except that an expected list matches when it is
// a subset of an observed list. An absent path never matches; an empty
// condition set matches every event.
func Match(conditions map[string]any, evt models.Event) bool {
	if len(conditions) == 0 {
		return true
	}
	for path, want := range conditions {
		got, ok := evt.Field(path)
		if !ok || !equalValue(want, got) {
			return false
		}
	}
	return true
}

func equalValue(want, got any) bool {
	wantList, wantIsList := asList(want)
	gotList, gotIsList := asList(got)
	if wantIsList && gotIsList {
		return subset(wantList, gotList)
	}
	if wantIsList != gotIsList {
		return false
	}

	switch w := want.(type) {
	case nil:
		return got == nil
	case bool:
		g, ok := got.(bool)
		return ok && g == w
	case string:
		g, ok := got.(string)
		return ok && g == w
	case map[string]any:
		g, ok := got.(map[string]any)
		if !ok || len(g) != len(w) {
			return false
		}
		for k, wv := range w {
			gv, ok := g[k]
			if !ok || !equalValue(wv, gv) {
				return false
			}
		}
		return true
	default:
		// Numbers arrive as float64 from JSON but as native ints from Go
		// publishers; compare them by value.
		wf, wok := asFloat(want)
		gf, gok := asFloat(got)
		if wok && gok {
			return wf == gf
		}
		return reflect.DeepEqual(want, got)
	}
}

// subset reports whether every wanted element has an equal element in got.
func subset(want, got []any) bool {
	for _, wv := range want {
		found := false
		for _, gv := range got {
			if equalValue(wv, gv) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
