package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
)

// FileRef is one file listed in a node's output.
type FileRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// NodeOutput is the output object one node produced.
type NodeOutput struct {
	NodeID string
	fields map[string]json.RawMessage
}

// Files returns the files listed under kind ("images", "videos", "audios").
// ok is false when the node output has no such key.
func (o NodeOutput) Files(kind string) (files []FileRef, ok bool, err error) {
	raw, ok := o.fields[kind]
	if !ok {
		return nil, false, nil
	}
	if err := json.Unmarshal(raw, &files); err != nil {
		return nil, true, fmt.Errorf("node %s: %s: %w", o.NodeID, kind, err)
	}
	return files, true, nil
}

// Keys returns the sorted keys present in the node output.
func (o NodeOutput) Keys() []string {
	keys := make([]string, 0, len(o.fields))
	for k := range o.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HistoryEntry is the backend's record of one prompt.
type HistoryEntry struct {
	// Outputs are in the order the backend listed them.
	Outputs   []NodeOutput
	Status    string
	Completed bool
}

// History queries /history/{promptID}. found is false when the backend has
// no entry for the prompt yet. A non-200 response is a *StatusError.
func (c *Client) History(ctx context.Context, promptID string) (entry *HistoryEntry, found bool, err error) {
	path := "/history/" + url.PathEscape(promptID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("read history: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, &StatusError{Method: http.MethodGet, Path: path, StatusCode: resp.StatusCode, Body: string(body)}
	}

	return parseHistory(body, promptID)
}

func parseHistory(body []byte, promptID string) (*HistoryEntry, bool, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, false, fmt.Errorf("decode history: %w", err)
	}
	raw, ok := doc[promptID]
	if !ok || isEmptyJSON(raw) {
		return nil, false, nil
	}

	var rec struct {
		Outputs json.RawMessage `json:"outputs"`
		Status  *struct {
			StatusStr string `json:"status_str"`
			Completed bool   `json:"completed"`
		} `json:"status"`
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("decode history entry %s: %w", promptID, err)
	}

	entry := &HistoryEntry{}
	if rec.Status != nil {
		entry.Status = rec.Status.StatusStr
		entry.Completed = rec.Status.Completed
	}
	outputs, err := orderedOutputs(rec.Outputs)
	if err != nil {
		return nil, false, fmt.Errorf("decode outputs of %s: %w", promptID, err)
	}
	entry.Outputs = outputs
	return entry, true, nil
}

// orderedOutputs decodes the outputs object keeping the backend's key order,
// which decides the first matching node.
func orderedOutputs(raw json.RawMessage) ([]NodeOutput, error) {
	if isEmptyJSON(raw) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("outputs is not an object")
	}

	var outputs []NodeOutput
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		nodeID, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected token %v", tok)
		}
		var fields map[string]json.RawMessage
		if err := dec.Decode(&fields); err != nil {
			return nil, fmt.Errorf("node %s: %w", nodeID, err)
		}
		outputs = append(outputs, NodeOutput{NodeID: nodeID, fields: fields})
	}
	return outputs, nil
}

func isEmptyJSON(raw json.RawMessage) bool {
	s := string(bytes.TrimSpace(raw))
	return s == "" || s == "null" || s == "{}"
}
