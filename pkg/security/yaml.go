package security

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// YAMLLimits bounds the resources a YAML document may use before it is
// decoded into Go values.
type YAMLLimits struct {
	MaxSize      int64
	MaxDepth     int
	MaxNodes     int
	MaxKeyLength int
	// MaxAliases caps anchor references so a small file cannot expand
	// into a huge tree.
	MaxAliases int
}

// DefaultYAMLLimits returns limits suited to operator config files
func DefaultYAMLLimits() YAMLLimits {
	return YAMLLimits{
		MaxSize:      1 << 20,
		MaxDepth:     16,
		MaxNodes:     10000,
		MaxKeyLength: 256,
		MaxAliases:   64,
	}
}

// DecodeYAML checks data against limits and decodes it into v. An empty
// document returns io.EOF unwrapped.
func DecodeYAML(data []byte, v any, limits YAMLLimits) error {
	if int64(len(data)) > limits.MaxSize {
		return fmt.Errorf("YAML input too large: %d bytes (max %d)", len(data), limits.MaxSize)
	}

	var root yaml.Node
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&root); err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("YAML parse error: %w", err)
	}

	w := &yamlWalker{limits: limits}
	if err := w.walk(&root, 0); err != nil {
		return err
	}
	return root.Decode(v)
}

type yamlWalker struct {
	limits  YAMLLimits
	nodes   int
	aliases int
}

func (w *yamlWalker) walk(n *yaml.Node, depth int) error {
	if depth > w.limits.MaxDepth {
		return fmt.Errorf("YAML nesting depth %d exceeds maximum %d", depth, w.limits.MaxDepth)
	}
	w.nodes++
	if w.nodes > w.limits.MaxNodes {
		return fmt.Errorf("YAML node count exceeds maximum %d", w.limits.MaxNodes)
	}

	switch n.Kind {
	case yaml.DocumentNode:
		for _, c := range n.Content {
			if err := w.walk(c, depth); err != nil {
				return err
			}
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			if k := n.Content[i]; len(k.Value) > w.limits.MaxKeyLength {
				return fmt.Errorf("YAML key length %d exceeds maximum %d", len(k.Value), w.limits.MaxKeyLength)
			}
			if err := w.walk(n.Content[i+1], depth+1); err != nil {
				return err
			}
		}
	case yaml.SequenceNode:
		for _, c := range n.Content {
			if err := w.walk(c, depth+1); err != nil {
				return err
			}
		}
	case yaml.AliasNode:
		w.aliases++
		if w.aliases > w.limits.MaxAliases {
			return fmt.Errorf("YAML alias count exceeds maximum %d", w.limits.MaxAliases)
		}
		if n.Alias != nil {
			return w.walk(n.Alias, depth+1)
		}
	}
	return nil
}
