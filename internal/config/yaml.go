package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// coerceToJSONBytes converts a .yaml/.yml file to JSON so both formats share
// the strict JSON decoder and its field tags. Other files pass through.
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	if ext := strings.ToLower(filepath.Ext(path)); ext != ".yaml" && ext != ".yml" {
		return data, "json", nil
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, "yaml", fmt.Errorf("config %s: %w", path, err)
	}
	// a file with only comments decodes to an empty document
	if len(doc.Content) == 0 {
		return []byte("{}"), "yaml", nil
	}
	var v any
	if err := doc.Decode(&v); err != nil {
		return nil, "yaml", fmt.Errorf("config %s: %w", path, err)
	}
	out, err := json.Marshal(jsonable(v))
	if err != nil {
		return nil, "yaml", fmt.Errorf("config %s: %w", path, err)
	}
	return out, "yaml", nil
}

// jsonable rewrites YAML maps with non-string keys (yes, 1, true) into
// string-keyed maps that encoding/json accepts.
func jsonable(v any) any {
	switch t := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = jsonable(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = jsonable(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = jsonable(val)
		}
		return out
	default:
		return v
	}
}
