package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	yaml "go.yaml.in/yaml/v3"
)

// decoders turn a non-JSON config document into a generic tree. JSON files
// bypass this and go straight to the strict decoder.
var decoders = map[string]struct {
	name   string
	decode func([]byte) (any, error)
}{
	".yaml": {"yaml", decodeYAML},
	".yml":  {"yaml", decodeYAML},
	".toml": {"toml", decodeTOML},
}

func decodeYAML(b []byte) (any, error) {
	var v any
	err := yaml.Unmarshal(b, &v)
	return v, err
}

func decodeTOML(b []byte) (any, error) {
	v := map[string]any{}
	_, err := toml.Decode(string(b), &v)
	return v, err
}

// toJSON returns the document as JSON plus the name of its source format.
func toJSON(path string, data []byte) ([]byte, string, error) {
	d, ok := decoders[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return data, "json", nil
	}
	tree, err := d.decode(data)
	if err != nil {
		return nil, d.name, fmt.Errorf("%s: %w", d.name, err)
	}
	out, err := json.Marshal(stringKeys(tree))
	if err != nil {
		return nil, d.name, fmt.Errorf("%s: re-encode: %w", d.name, err)
	}
	return out, d.name, nil
}

// stringKeys rewrites map[any]any nodes, which encoding/json rejects.
func stringKeys(node any) any {
	switch n := node.(type) {
	case map[any]any:
		out := make(map[string]any, len(n))
		for k, v := range n {
			out[fmt.Sprint(k)] = stringKeys(v)
		}
		return out
	case map[string]any:
		for k, v := range n {
			n[k] = stringKeys(v)
		}
		return n
	case []map[string]any:
		out := make([]any, len(n))
		for i, v := range n {
			out[i] = stringKeys(v)
		}
		return out
	case []any:
		for i, v := range n {
			n[i] = stringKeys(v)
		}
		return n
	}
	return node
}
