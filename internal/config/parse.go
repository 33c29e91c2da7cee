package config

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	yaml "go.yaml.in/yaml/v3"
)

// formatOf picks "yaml" for .yaml/.yml, "json" for .json, and sniffs the
// first non-blank byte for anything else.
func formatOf(name string, data []byte) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	}
	if t := bytes.TrimSpace(data); len(t) == 0 || t[0] == '{' {
		return "json"
	}
	return "yaml"
}

// normalize returns JSON bytes for data so the strict decoder handles
// both formats.
func normalize(name string, data []byte) ([]byte, string, error) {
	format := formatOf(name, data)
	if format == "json" {
		return data, format, nil
	}
	var tree any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, format, fmt.Errorf("yaml: %w", err)
	}
	if tree == nil {
		return []byte("{}"), format, nil
	}
	out, err := json.Marshal(jsonKeys(tree))
	if err != nil {
		return nil, format, fmt.Errorf("yaml to json: %w", err)
	}
	return out, format, nil
}

func jsonKeys(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = jsonKeys(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = jsonKeys(v)
		}
		return x
	case []any:
		for i, v := range x {
			x[i] = jsonKeys(v)
		}
		return x
	}
	return in
}

// ParseDurationField parses a non-negative duration; empty means 0.
// key names the field in errors, e.g. "poll.interval".
func ParseDurationField(key, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %q", key, raw)
	}
	return d, nil
}

// ParseDurationOrDefault returns def for an empty or zero value.
func ParseDurationOrDefault(key, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(key, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// ParseOptionalDuration tells an omitted key (def) from an explicit "0s"
// (zero, which callers treat as off).
func ParseOptionalDuration(key string, raw *string, def time.Duration) (time.Duration, error) {
	if raw == nil {
		return def, nil
	}
	return ParseDurationField(key, *raw)
}
