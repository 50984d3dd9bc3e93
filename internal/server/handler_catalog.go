package server

import (
	"net/http"

	"github.com/me/comfyrun/pkg/model"
)

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	models := []string{}
	if s.models != nil {
		models = s.models.Models()
	}
	respondOK(w, reqID, map[string]any{"models": models})
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	ids, err := s.workflows.List()
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			&model.APIError{Code: model.ErrInternal, Message: err.Error()})
		return
	}
	if ids == nil {
		ids = []string{}
	}
	respondOK(w, reqID, map[string]any{"workflows": ids})
}
