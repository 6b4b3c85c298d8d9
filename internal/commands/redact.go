package commands

const redactedPlaceholder = "[REDACTED]"

// sensitivePaths are the payload locations that must never be echoed
// back to a chat.
var sensitivePaths = [][]string{
	{"headers", "X-Telegram-Bot-Api-Secret-Token"},
	{"multiValueHeaders", "X-Telegram-Bot-Api-Secret-Token"},
	{"requestContext", "accountId"},
}

// RedactEvent returns a deep copy of the event with every sensitive
// path overwritten. List values are redacted element-wise. Paths absent
// from the event are skipped. The input is never mutated.
func RedactEvent(event map[string]any) map[string]any {
	copied, _ := deepCopyValue(event).(map[string]any)
	for _, path := range sensitivePaths {
		redactPath(copied, path)
	}
	return copied
}

func redactPath(data map[string]any, path []string) {
	if len(path) == 0 || data == nil {
		return
	}
	key := path[0]
	if len(path) == 1 {
		value, ok := data[key]
		if !ok {
			return
		}
		if list, ok := value.([]any); ok {
			redacted := make([]any, len(list))
			for i := range redacted {
				redacted[i] = redactedPlaceholder
			}
			data[key] = redacted
			return
		}
		data[key] = redactedPlaceholder
		return
	}
	if child, ok := data[key].(map[string]any); ok {
		redactPath(child, path[1:])
	}
}

func deepCopyValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		copied := make(map[string]any, len(typed))
		for k, val := range typed {
			copied[k] = deepCopyValue(val)
		}
		return copied
	case []any:
		copied := make([]any, len(typed))
		for i, val := range typed {
			copied[i] = deepCopyValue(val)
		}
		return copied
	default:
		return typed
	}
}
