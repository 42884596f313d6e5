package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// A config file may pull in others with `$include: path` (or a list of
// paths). Includes resolve relative to the including file, apply before the
// file's own keys, and may nest; the loader refuses cycles. ${ENV} references
// expand before parsing, so secrets can stay out of the file.
type loader struct {
	active []string // absolute paths on the current include chain
}

// LoadRaw reads path and everything it includes into one merged key tree.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is required")
	}
	var l loader
	return l.read(path)
}

func (l *loader) read(path string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	for _, seen := range l.active {
		if seen == abs {
			return nil, fmt.Errorf("config include cycle detected at %s", abs)
		}
	}
	l.active = append(l.active, abs)
	defer func() { l.active = l.active[:len(l.active)-1] }()

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}

	tree, err := decodeTree(os.ExpandEnv(string(data)), filepath.Ext(abs))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", abs, err)
	}

	includes, err := includePaths(tree)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}

	merged := map[string]any{}
	for _, inc := range includes {
		target := inc
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(abs), target)
		}
		sub, err := l.read(target)
		if err != nil {
			return nil, err
		}
		overlay(merged, sub)
	}
	overlay(merged, tree)
	return merged, nil
}

// decodeTree parses one document into a key tree. Extension picks the codec:
// .json/.json5 go through the json5 decoder, everything else is YAML. An
// empty document is an empty tree.
func decodeTree(text, ext string) (map[string]any, error) {
	tree := map[string]any{}

	switch strings.ToLower(ext) {
	case ".json", ".json5":
		if err := json5.Unmarshal([]byte(text), &tree); err != nil {
			return nil, err
		}
	default:
		dec := yaml.NewDecoder(strings.NewReader(text))
		if err := dec.Decode(&tree); err != nil {
			if errors.Is(err, io.EOF) {
				return map[string]any{}, nil
			}
			return nil, err
		}
		if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
			return nil, errors.New("expected a single document")
		}
	}
	if tree == nil {
		tree = map[string]any{}
	}
	return tree, nil
}

// includePaths removes the include directive from the tree and returns its
// paths. Both `$include` and bare `include` spellings are honored.
func includePaths(tree map[string]any) ([]string, error) {
	var value any
	for _, key := range []string{"$include", "include"} {
		if v, ok := tree[key]; ok {
			value = v
			delete(tree, key)
			break
		}
	}

	var paths []string
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		paths = []string{v}
	case []any:
		for _, entry := range v {
			s, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("include entries must be strings, got %T", entry)
			}
			paths = append(paths, s)
		}
	default:
		return nil, fmt.Errorf("include must be a string or list of strings, got %T", value)
	}

	out := paths[:0]
	for _, p := range paths {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

// overlay writes src over dst in place, descending into maps so an include
// can override a single nested key without clobbering its siblings.
func overlay(dst, src map[string]any) {
	for key, value := range src {
		srcMap, srcIsMap := value.(map[string]any)
		dstMap, dstIsMap := dst[key].(map[string]any)
		if srcIsMap && dstIsMap {
			overlay(dstMap, srcMap)
			continue
		}
		dst[key] = value
	}
}

// decodeStrict maps a raw tree onto Config, rejecting keys the struct does
// not declare so typos fail loudly instead of silently using defaults.
func decodeStrict(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize config: %w", err)
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(payload))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
