package core

import "strings"

const RedactedValue = "[REDACTED]"

// RedactSensitiveMap copies metadata replacing the values of sensitive keys,
// recursing into nested maps and slices.
func RedactSensitiveMap(metadata map[string]any) map[string]any {
	if len(metadata) == 0 {
		return map[string]any{}
	}
	return redactSensitiveMap(metadata)
}

// RedactAttributes copies attrs replacing every value of a sensitive
// attribute with RedactedValue.
func RedactAttributes(attrs map[string][]any) map[string][]any {
	if attrs == nil {
		return nil
	}
	out := make(map[string][]any, len(attrs))
	for name, values := range attrs {
		if !shouldRedactKey(name) {
			out[name] = append([]any(nil), values...)
			continue
		}
		masked := make([]any, len(values))
		for i := range masked {
			masked[i] = RedactedValue
		}
		out[name] = masked
	}
	return out
}

func redactSensitiveMap(source map[string]any) map[string]any {
	target := make(map[string]any, len(source))
	for key, value := range source {
		if shouldRedactKey(key) {
			target[key] = RedactedValue
			continue
		}
		target[key] = redactSensitiveValue(value)
	}
	return target
}

func redactSensitiveValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return redactSensitiveMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i := range typed {
			out[i] = redactSensitiveValue(typed[i])
		}
		return out
	default:
		return value
	}
}

func shouldRedactKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" || isTraceabilityKey(key) {
		return false
	}
	sensitiveTokens := []string{
		"password",
		"passwd",
		"secret",
		"token",
		"authorization",
		"api_key",
		"apikey",
		"private_key",
		"credential",
	}
	for _, token := range sensitiveTokens {
		if strings.Contains(key, token) {
			return true
		}
	}
	return false
}

func isTraceabilityKey(key string) bool {
	switch key {
	case "task_key",
		"execution_id",
		"chain_id",
		"resource_key",
		"any_type",
		"any_key",
		"remote_key",
		"object_class",
		"sync_token",
		"seq":
		return true
	default:
		return false
	}
}
