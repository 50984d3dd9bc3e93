package template

import (
	"log/slog"

	"github.com/me/comfyrun/pkg/model"
)

// GraphStore reads workflow graph templates. It keeps no cache: every Load
// decodes the file again, so callers always own an independent graph.
type GraphStore struct {
	dir    string
	logger *slog.Logger
}

// NewGraphStore creates a GraphStore reading from dir.
func NewGraphStore(dir string, logger *slog.Logger) *GraphStore {
	return &GraphStore{
		dir:    dir,
		logger: logger.With("component", "graph-store"),
	}
}

// Dir returns the template directory.
func (s *GraphStore) Dir() string {
	return s.dir
}

// Load reads the template for workflowID.
func (s *GraphStore) Load(workflowID string) (model.Graph, error) {
	path, err := resolve(s.dir, "workflow", workflowID)
	if err != nil {
		return nil, err
	}
	data, err := readFile(path, "workflow", workflowID)
	if err != nil {
		return nil, err
	}

	g, err := model.DecodeGraph(data)
	if err != nil {
		return nil, &model.MalformedTemplateError{WorkflowID: workflowID, Path: path, Err: err}
	}
	s.logger.Debug("template loaded", "workflow_id", workflowID, "nodes", len(g))
	return g, nil
}

// List returns the IDs of all stored templates.
func (s *GraphStore) List() ([]string, error) {
	return listIDs(s.dir)
}
