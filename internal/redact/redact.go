// Package redact masks personally identifiable fields before request
// parameters reach the logs. The insurer API carries phone numbers, ID
// documents and emails as plain query params, so every log line that
// echoes params must pass through here first.
package redact

import "strings"

// Mask is the fixed replacement written in place of a sensitive value.
const Mask = "*****"

// sensitiveKeys are matched case-insensitively at any nesting depth.
var sensitiveKeys = map[string]struct{}{
	"numtel":       {},
	"email":        {},
	"numident":     {},
	"telephone":    {},
	"numero_piece": {},
}

// Params returns a copy of params with sensitive values masked,
// recursing through nested objects and lists. The input is never
// modified.
func Params(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	masked := make(map[string]any, len(params))
	for k, v := range params {
		if _, ok := sensitiveKeys[strings.ToLower(k)]; ok {
			masked[k] = Mask
			continue
		}
		masked[k] = value(v)
	}
	return masked
}

func value(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Params(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = value(item)
		}
		return out
	default:
		return v
	}
}
