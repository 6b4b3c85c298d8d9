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

// Config files are YAML or JSON5, picked by extension. ${VAR}
// references expand from the environment before parsing, and a
// $include key pulls in shared fragments. Included trees merge first,
// so the including file wins on conflicting keys.

const includeKey = "$include"

// LoadRaw reads the file at path into a merged key tree with includes
// resolved. Load is the usual entry point; LoadRaw exposes the
// pre-decode view for tooling.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is required")
	}
	l := &fileLoader{visiting: map[string]bool{}}
	return l.load(path)
}

// fileLoader tracks the include chain so a file including itself,
// directly or through intermediates, fails instead of recursing.
type fileLoader struct {
	visiting map[string]bool
}

func (l *fileLoader) load(path string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if l.visiting[abs] {
		return nil, fmt.Errorf("config include cycle through %s", abs)
	}
	l.visiting[abs] = true
	defer delete(l.visiting, abs)

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	tree, err := parseTree([]byte(os.ExpandEnv(string(data))), filepath.Ext(abs))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", abs, err)
	}

	includes, err := popIncludes(tree)
	if err != nil {
		return nil, err
	}

	merged := map[string]any{}
	for _, inc := range includes {
		if strings.TrimSpace(inc) == "" {
			continue
		}
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(abs), inc)
		}
		sub, err := l.load(inc)
		if err != nil {
			return nil, err
		}
		merged = deepMerge(merged, sub)
	}
	return deepMerge(merged, tree), nil
}

func parseTree(data []byte, ext string) (map[string]any, error) {
	var tree map[string]any
	switch strings.ToLower(ext) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &tree); err != nil {
			return nil, err
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&tree); err != nil {
			return nil, err
		}
		if err := dec.Decode(new(struct{})); err != io.EOF {
			return nil, errors.New("expected a single YAML document")
		}
	}
	if tree == nil {
		tree = map[string]any{}
	}
	return tree, nil
}

// popIncludes removes the include directive from the tree and returns
// its paths. Both "$include" and plain "include" are accepted.
func popIncludes(tree map[string]any) ([]string, error) {
	var val any
	for _, key := range []string{includeKey, "include"} {
		if v, ok := tree[key]; ok {
			val = v
			delete(tree, key)
			break
		}
	}
	switch v := val.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{v}, nil
	case []string:
		return v, nil
	case []any:
		paths := make([]string, len(v))
		for i, entry := range v {
			s, ok := entry.(string)
			if !ok {
				return nil, errors.New("$include entries must be strings")
			}
			paths[i] = s
		}
		return paths, nil
	default:
		return nil, errors.New("$include must be a path or a list of paths")
	}
}

// deepMerge overlays src onto dst, descending into nested maps so an
// override file can change one key without clobbering its siblings.
func deepMerge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for key, value := range src {
		srcMap, srcIsMap := value.(map[string]any)
		dstMap, dstIsMap := dst[key].(map[string]any)
		if srcIsMap && dstIsMap {
			dst[key] = deepMerge(dstMap, srcMap)
			continue
		}
		dst[key] = value
	}
	return dst
}

// decodeStrict round-trips the merged tree through YAML so unknown
// keys are rejected by name.
func decodeStrict(tree map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("serialize config: %w", err)
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(payload))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}
