package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "comfyrun API",
		Version:     "v1",
		Description: "Runs stored node-graph workflows on an image backend and collects their artifacts",
		Endpoints: []endpointInfo{
			{"/api/v1/jobs", []string{"GET", "POST"}, "List recorded jobs or start a workflow run (202, runs in background)"},
			{"/api/v1/jobs/{id}", []string{"GET"}, "Single job record"},
			{"/api/v1/workflows", []string{"GET"}, "Stored workflow template ids"},
			{"/api/v1/models", []string{"GET"}, "Checkpoint models reported by the backend at startup"},
			{"/api/v1/health", []string{"GET"}, "Server health and version"},
		},
	})
}
