// Package template loads workflow graph templates and their parameter
// mappings from directories laid out as <dir>/<workflow_id>.json.
package template

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/me/comfyrun/pkg/model"
)

const ext = ".json"

// resolve maps a workflow ID to its file inside dir. IDs that could escape
// dir are reported as not found.
func resolve(dir, resource, workflowID string) (string, error) {
	if workflowID == "" || workflowID == "." || workflowID == ".." ||
		strings.ContainsAny(workflowID, `/\`) || strings.Contains(workflowID, "..") {
		return "", &model.NotFoundError{Resource: resource, ID: workflowID}
	}
	return filepath.Join(dir, workflowID+ext), nil
}

// readFile reads path, translating a missing file into a not-found error.
func readFile(path, resource, workflowID string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &model.NotFoundError{Resource: resource, ID: workflowID, Path: path}
		}
		return nil, fmt.Errorf("read %s %q: %w", resource, workflowID, err)
	}
	return data, nil
}

// listIDs returns the workflow IDs that have a file in dir, sorted.
func listIDs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ext) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())))
	}
	sort.Strings(ids)
	return ids, nil
}
