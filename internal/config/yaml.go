package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// isYAML reports whether name has a .yaml or .yml extension.
func isYAML(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// coerceToJSONBytes turns YAML input into JSON so both formats share the
// strict decoder. JSON input is returned unchanged.
func coerceToJSONBytes(name string, data []byte) ([]byte, string, error) {
	if !isYAML(name) {
		return data, "json", nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, "yaml", fmt.Errorf("yaml unmarshal: %w", err)
	}
	j, err := json.Marshal(stringKeys(v))
	if err != nil {
		return nil, "yaml", fmt.Errorf("yaml to json: %w", err)
	}
	return j, "yaml", nil
}

// stringKeys rewrites nested map[any]any into map[string]any for encoding/json.
func stringKeys(in any) any {
	switch x := in.(type) {
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, v := range x {
			out[fmt.Sprint(k)] = stringKeys(v)
		}
		return out
	case map[string]any:
		for k, v := range x {
			x[k] = stringKeys(v)
		}
		return x
	case []any:
		for i, v := range x {
			x[i] = stringKeys(v)
		}
		return x
	default:
		return in
	}
}
