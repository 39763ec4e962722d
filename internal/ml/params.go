package ml

import (
	"encoding/json"
	"fmt"
)

// Params are decoded from JSON settings, so numbers arrive as float64 (or
// json.Number) and callers must not assume the Go type they wrote.

func ParamFloat(params map[string]any, key string, def float64) (float64, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	}
	return 0, fmt.Errorf("parameter %s: expected a number, got %T", key, v)
}

func ParamInt(params map[string]any, key string, def int) (int, error) {
	f, err := ParamFloat(params, key, float64(def))
	if err != nil {
		return 0, err
	}
	if f != float64(int(f)) {
		return 0, fmt.Errorf("parameter %s: expected an integer, got %v", key, f)
	}
	return int(f), nil
}

func ParamString(params map[string]any, key string, def string) (string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %s: expected a string, got %T", key, v)
	}
	return s, nil
}
