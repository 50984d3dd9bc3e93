package template

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/me/comfyrun/pkg/model"
)

// MappingTable loads parameter mappings on first use and caches them for
// its lifetime. Cached mappings are shared between callers and must be
// treated as read-only.
type MappingTable struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]model.Mapping
}

// NewMappingTable creates a MappingTable reading from dir.
func NewMappingTable(dir string, logger *slog.Logger) *MappingTable {
	return &MappingTable{
		dir:    dir,
		logger: logger.With("component", "mapping-table"),
		cache:  make(map[string]model.Mapping),
	}
}

// Load returns the mapping for workflowID. Failed loads are not cached.
func (t *MappingTable) Load(workflowID string) (model.Mapping, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if m, ok := t.cache[workflowID]; ok {
		return m, nil
	}

	path, err := resolve(t.dir, "mapping", workflowID)
	if err != nil {
		return nil, err
	}
	data, err := readFile(path, "mapping", workflowID)
	if err != nil {
		return nil, err
	}

	var m model.Mapping
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &model.MalformedMappingError{WorkflowID: workflowID, Path: path, Err: err}
	}
	if m == nil {
		return nil, &model.MalformedMappingError{WorkflowID: workflowID, Path: path, Err: fmt.Errorf("mapping document is null")}
	}

	t.cache[workflowID] = m
	t.logger.Info("mapping loaded", "workflow_id", workflowID, "params", len(m))
	return m, nil
}

// List returns the IDs of all stored mappings.
func (t *MappingTable) List() ([]string, error) {
	return listIDs(t.dir)
}
