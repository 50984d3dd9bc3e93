package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Binding locates one editable input inside a workflow graph.
type Binding struct {
	NodeID   string `json:"node"`
	InputKey string `json:"input"`
}

// Key returns the key inside the node's inputs map. Bindings may spell the
// key with an "inputs." prefix; it addresses the same input.
func (b Binding) Key() string {
	return strings.TrimPrefix(b.InputKey, "inputs.")
}

// UnmarshalJSON accepts the two-element array form ["3", "image"] as well as
// the object form {"node": "3", "input": "image"}.
func (b *Binding) UnmarshalJSON(data []byte) error {
	var pair []any
	if err := json.Unmarshal(data, &pair); err == nil {
		if len(pair) != 2 {
			return fmt.Errorf("binding must have exactly 2 elements, got %d", len(pair))
		}
		node, err := scalarString(pair[0])
		if err != nil {
			return fmt.Errorf("binding node: %w", err)
		}
		key, ok := pair[1].(string)
		if !ok || key == "" {
			return fmt.Errorf("binding input key must be a non-empty string")
		}
		b.NodeID, b.InputKey = node, key
		return nil
	}

	var obj struct {
		Node  any    `json:"node"`
		Input string `json:"input"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("binding must be [node, input] or {node, input}: %w", err)
	}
	node, err := scalarString(obj.Node)
	if err != nil {
		return fmt.Errorf("binding node: %w", err)
	}
	if obj.Input == "" {
		return fmt.Errorf("binding input key must be a non-empty string")
	}
	b.NodeID, b.InputKey = node, obj.Input
	return nil
}

// MarshalJSON writes the array form used by mapping files.
func (b Binding) MarshalJSON() ([]byte, error) {
	return json.Marshal([]string{b.NodeID, b.InputKey})
}

// scalarString accepts node IDs written either as strings or as integers.
func scalarString(v any) (string, error) {
	switch val := v.(type) {
	case string:
		if val == "" {
			return "", fmt.Errorf("empty node id")
		}
		return val, nil
	case float64:
		if val != float64(int64(val)) {
			return "", fmt.Errorf("node id %v is not an integer", val)
		}
		return fmt.Sprintf("%d", int64(val)), nil
	default:
		return "", fmt.Errorf("node id has unsupported type %T", v)
	}
}

// Mapping translates logical parameter names to graph coordinates for one
// workflow. A loaded Mapping is never mutated.
type Mapping map[string]Binding
