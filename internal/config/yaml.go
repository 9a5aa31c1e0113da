package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// coerceToJSONBytes turns a YAML document into JSON so both formats go
// through the same strict decoder. Non-YAML names are passed through.
func coerceToJSONBytes(name string, data []byte) ([]byte, string, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
	default:
		return data, "json", nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, "yaml", fmt.Errorf("yaml unmarshal: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	out, err := json.Marshal(stringKeys(doc))
	if err != nil {
		return nil, "yaml", fmt.Errorf("yaml->json marshal: %w", err)
	}
	return out, "yaml", nil
}

// stringKeys rewrites map[any]any nodes (non-string YAML keys) so the tree
// can be JSON-marshaled.
func stringKeys(v any) any {
	switch x := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, val := range x {
			m[fmt.Sprint(k)] = stringKeys(val)
		}
		return m
	case map[string]any:
		for k, val := range x {
			x[k] = stringKeys(val)
		}
		return x
	case []any:
		for i := range x {
			x[i] = stringKeys(x[i])
		}
		return x
	default:
		return v
	}
}
