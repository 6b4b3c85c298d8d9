package observability

import "strings"

const redactedPlaceholder = "[REDACTED]"

// RedactJSONPaths returns a deep copy of payload with the values at the
// given dotted paths replaced by "[REDACTED]". List leaves are redacted
// element-wise so their length stays visible. Paths that do not resolve
// are skipped. The input payload is never mutated.
func RedactJSONPaths(payload map[string]any, paths ...string) map[string]any {
	result := deepCopyMap(payload)
	for _, path := range paths {
		redactPath(result, strings.Split(path, "."))
	}
	return result
}

func redactPath(node map[string]any, segments []string) {
	if len(segments) == 0 {
		return
	}

	key := segments[0]
	val, ok := node[key]
	if !ok {
		return
	}

	if len(segments) == 1 {
		node[key] = redactLeaf(val)
		return
	}

	child, ok := val.(map[string]any)
	if !ok {
		return
	}
	redactPath(child, segments[1:])
}

func redactLeaf(v any) any {
	if list, ok := v.([]any); ok {
		out := make([]any, len(list))
		for i := range list {
			out[i] = redactedPlaceholder
		}
		return out
	}
	return redactedPlaceholder
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		list := make([]any, len(val))
		for i, item := range val {
			list[i] = deepCopyValue(item)
		}
		return list
	default:
		return v
	}
}
