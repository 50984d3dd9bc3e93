// Package inject applies logical parameters to a workflow graph through
// the workflow's mapping table.
package inject

import (
	"sort"

	"github.com/me/comfyrun/pkg/model"
)

// Inject sets g[node].inputs[key] = value for every parameter whose name
// appears in m. Names missing from m are skipped. If any used binding names
// a node that g lacks, Inject returns a *model.GraphReferenceError and leaves
// g untouched. The graph is mutated in place and returned for chaining.
func Inject(workflowID string, g model.Graph, m model.Mapping, params map[string]any) (model.Graph, error) {
	names := Applicable(m, params)

	for _, name := range names {
		b := m[name]
		if node, ok := g[b.NodeID]; !ok || node == nil {
			return g, &model.GraphReferenceError{WorkflowID: workflowID, NodeID: b.NodeID, Param: name}
		}
	}

	for _, name := range names {
		b := m[name]
		node := g[b.NodeID]
		if node.Inputs == nil {
			node.Inputs = make(map[string]any)
		}
		node.Inputs[b.Key()] = params[name]
	}
	return g, nil
}

// Applicable returns the parameter names that m binds, sorted.
func Applicable(m model.Mapping, params map[string]any) []string {
	names := make([]string, 0, len(params))
	for name := range params {
		if _, ok := m[name]; ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Skipped returns the parameter names that m does not bind, sorted.
func Skipped(m model.Mapping, params map[string]any) []string {
	var names []string
	for name := range params {
		if _, ok := m[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
