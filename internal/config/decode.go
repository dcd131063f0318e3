package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// ParseBytes decodes data as JSON, or YAML when path ends in .yaml/.yml, then overlays
// secrets from the environment. Unknown keys and trailing documents are errors.
func ParseBytes(path string, data []byte) (*Config, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		j, err := yamlToJSON(data)
		if err != nil {
			return nil, err
		}
		data = j
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode %s: trailing data after config", filepath.Base(path))
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// yamlToJSON re-encodes a single YAML document as JSON so both formats share the strict
// JSON decoder. Aliases and merge keys are expanded.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	if len(doc.Content) == 0 {
		return []byte("{}"), nil
	}
	v, err := nodeValue(doc.Content[0])
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func nodeValue(n *yaml.Node) (any, error) {
	switch n.Kind {
	case yaml.AliasNode:
		return nodeValue(n.Alias)
	case yaml.MappingNode:
		obj := make(map[string]any, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			k, v := n.Content[i], n.Content[i+1]
			if k.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("yaml line %d: mapping keys must be scalars", k.Line)
			}
			val, err := nodeValue(v)
			if err != nil {
				return nil, err
			}
			if k.Tag == "!!merge" {
				// "<<: *base" copies keys the mapping does not set itself.
				base, ok := val.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("yaml line %d: merge value must be a mapping", k.Line)
				}
				for bk, bv := range base {
					if _, set := obj[bk]; !set {
						obj[bk] = bv
					}
				}
				continue
			}
			obj[k.Value] = val
		}
		return obj, nil
	case yaml.SequenceNode:
		arr := make([]any, 0, len(n.Content))
		for _, c := range n.Content {
			val, err := nodeValue(c)
			if err != nil {
				return nil, err
			}
			arr = append(arr, val)
		}
		return arr, nil
	default:
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, fmt.Errorf("yaml line %d: %w", n.Line, err)
		}
		return v, nil
	}
}
