package agent

import (
	"encoding/json"
	"math"
)

// induceJSONSchema derives a JSON-Schema sketch from a JSON document. Large
// tool outputs are replaced by this sketch in the provider window so the
// model sees the shape of the data without the bulk; objects keep their
// property names, arrays are described by their first element.
func induceJSONSchema(raw []byte) (map[string]any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return schemaOf(v), nil
}

func schemaOf(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		props := make(map[string]any, len(t))
		for k, val := range t {
			props[k] = schemaOf(val)
		}
		return map[string]any{"type": "object", "properties": props}
	case []any:
		if len(t) == 0 {
			return map[string]any{"type": "array"}
		}
		return map[string]any{"type": "array", "items": schemaOf(t[0])}
	case string:
		return map[string]any{"type": "string"}
	case bool:
		return map[string]any{"type": "boolean"}
	case float64:
		if t == math.Trunc(t) && !math.IsInf(t, 0) {
			return map[string]any{"type": "integer"}
		}
		return map[string]any{"type": "number"}
	case nil:
		return map[string]any{"type": "null"}
	default:
		return map[string]any{"type": "string"}
	}
}
