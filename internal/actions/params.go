package actions

import (
	"encoding/json"
	"fmt"

	"github.com/rendis/chainflow/pkg/schema"
)

// Param helpers used by all action files.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	b, ok := v.(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func floatParam(m map[string]any, key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func requireString(name string, m map[string]any, key string) (string, error) {
	s, ok := m[key].(string)
	if !ok || s == "" {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "%s requires non-empty %q string parameter", name, key)
	}
	return s, nil
}

func stepFailed(name, format string, args ...any) *schema.ChainflowError {
	return schema.NewErrorf(schema.ErrCodeStepFailed, "%s: %s", name, fmt.Sprintf(format, args...))
}
