package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

const (
	formatJSON = "json"
	formatYAML = "yaml"
)

// Decode parses data into a Config. The format follows the path extension;
// files without a known extension are treated as JSON when they start
// with '{' and as YAML otherwise. ${VAR} and ${VAR:-default} references
// are expanded from the environment first.
func Decode(path string, data []byte) (*Config, error) {
	data = []byte(expandEnv(string(data)))
	format := detectFormat(path, data)

	jb := data
	if format == formatYAML {
		var err error
		if jb, err = yamlToJSON(data); err != nil {
			return nil, err
		}
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%s config: %w", format, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, errors.New("invalid config: trailing data")
		}
		return nil, fmt.Errorf("%s config: %w", format, err)
	}
	return &cfg, nil
}

func detectFormat(path string, data []byte) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return formatJSON
	case ".yaml", ".yml":
		return formatYAML
	}
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		return formatJSON
	}
	return formatYAML
}

// expandEnv supports ${VAR:-default}; unset or empty VAR takes default.
func expandEnv(s string) string {
	return os.Expand(s, func(key string) string {
		name, def, hasDef := strings.Cut(key, ":-")
		if v := os.Getenv(name); v != "" || !hasDef {
			return v
		}
		return def
	})
}

// yamlToJSON re-encodes YAML as JSON so both formats go through the same
// strict decoder.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("yaml config: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	jb, err := json.Marshal(stringKeys(doc))
	if err != nil {
		return nil, fmt.Errorf("yaml config: %w", err)
	}
	return jb, nil
}

// stringKeys rewrites non-string map keys (yaml allows `1: x`) so the
// tree is JSON-encodable.
func stringKeys(in any) any {
	switch x := in.(type) {
	case map[string]any:
		for k, v := range x {
			x[k] = stringKeys(v)
		}
		return x
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, v := range x {
			out[fmt.Sprint(k)] = stringKeys(v)
		}
		return out
	case []any:
		for i, v := range x {
			x[i] = stringKeys(v)
		}
		return x
	}
	return in
}
