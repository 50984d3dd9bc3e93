package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
)

// Node is one addressable unit of a workflow graph. ClassType and Inputs are
// decoded for reading and injection; every field of the node, including
// ones the client does not know, is kept in document order and written back
// unchanged unless ClassType or Inputs were modified.
type Node struct {
	ClassType string
	Inputs    map[string]any // nil when the node has no inputs object

	fields []nodeField
}

type nodeField struct {
	key   string
	value json.RawMessage
}

// Graph maps node IDs to node specifications. It is submitted to the
// backend verbatim as the "prompt" field of a job request.
type Graph map[string]*Node

// DecodeGraph parses a graph document. Numbers are kept as json.Number so
// large seeds survive a decode/encode round trip unchanged.
func DecodeGraph(data []byte) (Graph, error) {
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, err
	}
	if g == nil {
		return nil, fmt.Errorf("graph document is null")
	}
	for id, n := range g {
		if n == nil {
			return nil, fmt.Errorf("node %q is null", id)
		}
	}
	return g, nil
}

// UnmarshalJSON decodes a node object, recording its fields verbatim.
func (n *Node) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("node is not an object")
	}

	var node Node
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected token %v", tok)
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		node.fields = append(node.fields, nodeField{key: key, value: value})

		switch key {
		case "class_type":
			if err := json.Unmarshal(value, &node.ClassType); err != nil {
				return fmt.Errorf("class_type: %w", err)
			}
		case "inputs":
			if node.Inputs, err = decodeInputs(value); err != nil {
				return fmt.Errorf("inputs: %w", err)
			}
		}
	}
	if _, err := dec.Token(); err != nil {
		return err
	}

	*n = node
	return nil
}

// MarshalJSON writes the node's fields in their original order. Only
// class_type and inputs are re-encoded, and only when they differ from the
// decoded document.
func (n Node) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	var hasClass, hasInputs bool
	write := func(key string, value []byte) {
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		k, _ := json.Marshal(key)
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(value)
	}

	for _, f := range n.fields {
		value := []byte(f.value)
		switch f.key {
		case "class_type":
			hasClass = true
			var orig string
			if json.Unmarshal(f.value, &orig) != nil || orig != n.ClassType {
				b, err := json.Marshal(n.ClassType)
				if err != nil {
					return nil, err
				}
				value = b
			}
		case "inputs":
			hasInputs = true
			orig, err := decodeInputs(f.value)
			if err != nil || !reflect.DeepEqual(orig, n.Inputs) {
				b, err := json.Marshal(n.Inputs)
				if err != nil {
					return nil, fmt.Errorf("inputs: %w", err)
				}
				value = b
			}
		}
		write(f.key, value)
	}

	if !hasClass {
		b, err := json.Marshal(n.ClassType)
		if err != nil {
			return nil, err
		}
		write("class_type", b)
	}
	if !hasInputs && n.Inputs != nil {
		b, err := json.Marshal(n.Inputs)
		if err != nil {
			return nil, fmt.Errorf("inputs: %w", err)
		}
		write("inputs", b)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func decodeInputs(raw json.RawMessage) (map[string]any, error) {
	var m map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}
