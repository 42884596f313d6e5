package sandbox

import (
	"fmt"
	"sort"

	"go.starlark.net/starlark"
)

// toStarlark converts a decoded JSON-shaped Go value into a Starlark value.
func toStarlark(v any) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case string:
		return starlark.String(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		// JSON numbers arrive as float64; keep integral ones as ints so
		// scripts can compare and index without surprises.
		if val == float64(int64(val)) {
			return starlark.MakeInt64(int64(val)), nil
		}
		return starlark.Float(val), nil
	case []any:
		elems := make([]starlark.Value, 0, len(val))
		for _, item := range val {
			sv, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			elems = append(elems, sv)
		}
		return starlark.NewList(elems), nil
	case []string:
		elems := make([]starlark.Value, 0, len(val))
		for _, item := range val {
			elems = append(elems, starlark.String(item))
		}
		return starlark.NewList(elems), nil
	case map[string]any:
		dict := starlark.NewDict(len(val))
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sv, err := toStarlark(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("cannot convert %T into a script value", v)
	}
}

// fromStarlark converts a Starlark value back into a JSON-shaped Go value.
func fromStarlark(v starlark.Value) (any, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.String:
		return string(val), nil
	case starlark.Int:
		if i, ok := val.Int64(); ok {
			return i, nil
		}
		return val.String(), nil
	case starlark.Float:
		return float64(val), nil
	case *starlark.List:
		out := make([]any, 0, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlark(val.Index(i))
			if err != nil {
				return nil, err
			}
			out = append(out, item)
		}
		return out, nil
	case starlark.Tuple:
		out := make([]any, 0, len(val))
		for _, item := range val {
			converted, err := fromStarlark(item)
			if err != nil {
				return nil, err
			}
			out = append(out, converted)
		}
		return out, nil
	case *starlark.Dict:
		out := make(map[string]any, val.Len())
		for _, k := range val.Keys() {
			key, ok := starlark.AsString(k)
			if !ok {
				key = k.String()
			}
			item, _, err := val.Get(k)
			if err != nil {
				return nil, err
			}
			converted, err := fromStarlark(item)
			if err != nil {
				return nil, err
			}
			out[key] = converted
		}
		return out, nil
	default:
		return nil, fmt.Errorf("script returned unsupported type %s", v.Type())
	}
}

// extractAttachmentIDs pulls attachment references out of a script's return
// value: a top-level "attachment_id", or ids under an "attachments" key as
// a scalar, a list (of ids or of objects), or a single object.
func extractAttachmentIDs(v any) []string {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	var ids []string
	if id, ok := obj["attachment_id"].(string); ok && id != "" {
		ids = append(ids, id)
	}
	if wrapped, ok := obj["attachments"]; ok {
		ids = append(ids, idsFrom(wrapped)...)
	}
	return dedupe(ids)
}

func idsFrom(v any) []string {
	switch val := v.(type) {
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	case []any:
		var ids []string
		for _, item := range val {
			ids = append(ids, idsFrom(item)...)
		}
		return ids
	case map[string]any:
		if id, ok := val["attachment_id"].(string); ok && id != "" {
			return []string{id}
		}
		if id, ok := val["id"].(string); ok && id != "" {
			return []string{id}
		}
	}
	return nil
}

func dedupe(ids []string) []string {
	if len(ids) < 2 {
		return ids
	}
	seen := make(map[string]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// truthy applies script truthiness to a decoded return value.
func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int64:
		return val != 0
	case float64:
		return val != 0
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}
