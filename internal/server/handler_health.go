package server

import (
	"net/http"
	"runtime"
	"time"
)

// Version is reported by /health and the discovery endpoint.
const Version = "0.1.0"

type healthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	GoVersion   string `json:"go_version"`
	Uptime      string `json:"uptime"`
	Backend     string `json:"backend,omitempty"`
	Models      int    `json:"models"`
	JobsRunning int    `json:"jobs_running"`
	MaxJobs     int    `json:"max_jobs"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	models := 0
	if s.models != nil {
		models = len(s.models.Models())
	}
	respondOK(w, reqID, healthResponse{
		Status:      "healthy",
		Version:     Version,
		GoVersion:   runtime.Version(),
		Uptime:      time.Since(s.startTime).Round(time.Second).String(),
		Backend:     s.backend,
		Models:      models,
		JobsRunning: s.slots.InUse(),
		MaxJobs:     s.slots.Capacity(),
	})
}
