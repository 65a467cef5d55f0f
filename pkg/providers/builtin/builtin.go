// Package builtin registers the resource types that ship with the engine
// itself: local command execution, inert data publishing and the test
// states used to exercise runs without touching real infrastructure.
// Everything else arrives through plugin manifests.
package builtin

import (
	"github.com/trueup-io/trueup/pkg/engine"
)

// Register installs the built-in resource types into a registry.
func Register(reg *engine.Registry) {
	registerExec(reg)
	registerData(reg)
	registerTest(reg)
}

func stringParam(params map[string]interface{}, key string) (string, bool) {
	v, ok := params[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func boolParam(params map[string]interface{}, key string, fallback bool) bool {
	v, ok := params[key]
	if !ok {
		return fallback
	}
	b, ok := v.(bool)
	if !ok {
		return fallback
	}
	return b
}

// numParam tolerates the integer and float types YAML, JSON and CUE
// decoding produce.
func numParam(params map[string]interface{}, key string, fallback float64) float64 {
	switch v := params[key].(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	case float32:
		return float64(v)
	default:
		return fallback
	}
}

func stringSliceParam(params map[string]interface{}, key string) []string {
	raw, ok := params[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func stringMapParam(params map[string]interface{}, key string) map[string]string {
	raw, ok := params[key].(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, item := range raw {
		if s, ok := item.(string); ok {
			out[k] = s
		}
	}
	return out
}

func mapParam(params map[string]interface{}, key string) map[string]interface{} {
	m, _ := params[key].(map[string]interface{})
	return m
}

func boolPtr(v bool) *bool {
	return &v
}
