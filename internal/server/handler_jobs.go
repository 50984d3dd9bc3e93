package server

import (
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/me/comfyrun/internal/job"
	"github.com/me/comfyrun/pkg/model"
)

type createJobRequest struct {
	WorkflowID      string         `json:"workflow_id"`
	Params          map[string]any `json:"params"`
	Kind            string         `json:"kind"`
	OutputDir       string         `json:"output_dir"`
	MaxAttempts     int            `json:"max_attempts"`
	IntervalSeconds float64        `json:"interval_seconds"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var body createJobRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: "Invalid JSON body: " + err.Error(),
		})
		return
	}

	req := job.Request{
		WorkflowID:  strings.TrimSpace(body.WorkflowID),
		Params:      normalizeNumbers(body.Params),
		Kind:        model.ContentKind(body.Kind),
		OutputDir:   body.OutputDir,
		MaxAttempts: body.MaxAttempts,
		Interval:    time.Duration(body.IntervalSeconds * float64(time.Second)),
	}
	if err := req.Validate(); err != nil {
		respondErr(w, reqID, err)
		return
	}

	ids, err := s.workflows.List()
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	if !slices.Contains(ids, req.WorkflowID) {
		respondError(w, reqID, http.StatusNotFound, model.NewMissingError("workflow", req.WorkflowID))
		return
	}

	if !s.slots.TryAcquire() {
		respondError(w, reqID, http.StatusTooManyRequests, &model.APIError{
			Code:    model.ErrBusy,
			Message: "too many running jobs (limit " + strconv.Itoa(s.slots.Capacity()) + ")",
		})
		return
	}

	rec, err := s.runner.Begin(r.Context(), &req)
	if err != nil {
		s.slots.Release()
		respondErr(w, reqID, err)
		return
	}
	snapshot := *rec

	s.running.Add(1)
	go func() {
		defer s.running.Done()
		defer s.slots.Release()
		if _, err := s.runner.Execute(s.jobCtx, rec, req); err != nil {
			s.logger.Warn("background job failed", "job_id", rec.ID, "error", err)
		}
	}()

	s.logger.Info("job accepted", "job_id", snapshot.ID, "workflow_id", snapshot.WorkflowID, "request_id", reqID)
	respondAccepted(w, reqID, snapshot)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	q := r.URL.Query()

	opts := model.DefaultListOptions()
	var details []model.FieldError
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			details = append(details, model.FieldError{Field: "limit", Message: "must be a positive integer"})
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			details = append(details, model.FieldError{Field: "offset", Message: "must be a non-negative integer"})
		}
		opts.Offset = n
	}
	if v := q.Get("state"); v != "" {
		opts.State = v
		st := model.JobState(strings.ToUpper(v))
		if _, ok := model.ValidJobTransitions[st]; !ok && !st.IsTerminal() {
			details = append(details, model.FieldError{Field: "state", Message: "unknown job state " + v})
		}
	}
	opts.WorkflowID = q.Get("workflow_id")
	if len(details) > 0 {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid query", details...))
		return
	}
	opts.Clamp()

	jobs, total, err := s.store.ListJobs(r.Context(), opts)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondList(w, reqID, jobs, model.NewPagination(total, opts))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	rec, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	if rec == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewMissingError("job", id))
		return
	}
	respondOK(w, reqID, rec)
}

// normalizeNumbers turns json.Number values into int64 when integral and
// float64 otherwise, so injected graph inputs keep integer types.
func normalizeNumbers(params map[string]any) map[string]any {
	for k, v := range params {
		params[k] = normalizeValue(v)
	}
	return params
}

func normalizeValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case map[string]any:
		return normalizeNumbers(x)
	case []any:
		for i := range x {
			x[i] = normalizeValue(x[i])
		}
		return x
	}
	return v
}
