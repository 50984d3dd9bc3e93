// Package job chains the workflow client steps into one pipeline run:
// optional image upload, template load, parameter injection, submission,
// completion polling and artifact download. Runs are optionally recorded
// in the job ledger.
package job

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/me/comfyrun/internal/artifact"
	"github.com/me/comfyrun/internal/comfy"
	"github.com/me/comfyrun/internal/config"
	"github.com/me/comfyrun/internal/inject"
	"github.com/me/comfyrun/internal/poller"
	"github.com/me/comfyrun/internal/store"
	"github.com/me/comfyrun/internal/template"
	"github.com/me/comfyrun/pkg/model"
)

// ImageParam is the parameter name an uploaded input image is bound to.
const ImageParam = "image"

// Backend is the subset of the backend client the pipeline uses.
// *comfy.Client satisfies it.
type Backend interface {
	Submit(ctx context.Context, g model.Graph) (string, error)
	History(ctx context.Context, promptID string) (*comfy.HistoryEntry, bool, error)
	ViewURL(filename, subfolder, fileType string) string
	View(ctx context.Context, url string) (io.ReadCloser, int64, error)
	Upload(ctx context.Context, path string) (string, error)
}

// Config holds pipeline defaults applied when a Request leaves them unset.
type Config struct {
	Poll      config.PollConfig
	OutputDir string
}

// DefaultConfig returns the default poll budget and output directory.
func DefaultConfig() Config {
	return Config{
		Poll:      config.DefaultPollConfig(),
		OutputDir: config.DefaultPaths().OutputDir,
	}
}

// Request describes one pipeline run.
type Request struct {
	WorkflowID string
	Params     map[string]any
	Kind       model.ContentKind // default images
	OutputDir  string            // default Config.OutputDir

	// MaxAttempts and Interval override the configured poll budget when
	// non-zero.
	MaxAttempts int
	Interval    time.Duration

	// UploadImage is a local file uploaded before submission. Its
	// server-side name is bound to the "image" parameter unless Params
	// already sets it.
	UploadImage string
}

// Validate checks the request and fills in the default kind.
func (req *Request) Validate() error {
	var details []model.FieldError
	if strings.TrimSpace(req.WorkflowID) == "" {
		details = append(details, model.FieldError{Field: "workflow_id", Message: "is required"})
	}
	if req.Kind == "" {
		req.Kind = model.KindImages
	} else if k, err := model.ParseContentKind(string(req.Kind)); err != nil {
		details = append(details, model.FieldError{Field: "kind", Message: err.Error()})
	} else {
		req.Kind = k
	}
	if req.MaxAttempts < 0 {
		details = append(details, model.FieldError{Field: "max_attempts", Message: "must not be negative"})
	}
	if req.Interval < 0 {
		details = append(details, model.FieldError{Field: "interval", Message: "must not be negative"})
	}
	if len(details) > 0 {
		return model.NewValidationError("invalid job request", details...)
	}
	return nil
}

// Result is the outcome of a completed pipeline run.
type Result struct {
	JobID         string                 `json:"job_id"`
	PromptID      string                 `json:"prompt_id"`
	UploadedImage string                 `json:"uploaded_image,omitempty"`
	Output        model.OutputDescriptor `json:"output"`
	Path          string                 `json:"path"`
	Attempts      int                    `json:"attempts"`
	Elapsed       time.Duration          `json:"elapsed"`
}

// Runner executes pipeline runs. It is safe for concurrent use: runs share
// only the mapping cache and the backend client.
type Runner struct {
	graphs     *template.GraphStore
	mappings   *template.MappingTable
	backend    Backend
	poller     *poller.Poller
	downloader *artifact.Downloader
	ledger     store.Store
	config     Config
	logger     *slog.Logger
}

// NewRunner creates a Runner. ledger may be nil to disable recording.
func NewRunner(graphs *template.GraphStore, mappings *template.MappingTable, backend Backend, ledger store.Store, cfg Config, logger *slog.Logger) *Runner {
	return &Runner{
		graphs:     graphs,
		mappings:   mappings,
		backend:    backend,
		poller:     poller.New(backend, logger),
		downloader: artifact.New(backend, logger),
		ledger:     ledger,
		config:     cfg,
		logger:     logger.With("component", "job-runner"),
	}
}

// Run executes the full pipeline for req and records it in the ledger.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	rec, err := r.Begin(ctx, &req)
	if err != nil {
		return nil, err
	}
	return r.Execute(ctx, rec, req)
}

// Begin validates req and records a PENDING ledger entry for it. The
// returned record is passed to Execute.
func (r *Runner) Begin(ctx context.Context, req *Request) (*model.JobRecord, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	rec := &model.JobRecord{
		ID:         "job_" + uuid.New().String(),
		WorkflowID: req.WorkflowID,
		State:      model.JobStatePending,
		Kind:       req.Kind,
		Source:     req.UploadImage,
		Params:     maps.Clone(req.Params),
		CreatedAt:  time.Now().UTC(),
	}
	if rec.Params == nil {
		rec.Params = map[string]any{}
	}
	if r.ledger != nil {
		if err := r.ledger.CreateJob(ctx, rec); err != nil {
			r.logger.Error("ledger create failed", "job_id", rec.ID, "error", err)
		}
	}
	return rec, nil
}

// Execute runs the pipeline for a record obtained from Begin and moves the
// record to COMPLETED or FAILED.
func (r *Runner) Execute(ctx context.Context, rec *model.JobRecord, req Request) (*Result, error) {
	start := time.Now()
	logger := r.logger.With("job_id", rec.ID, "workflow_id", req.WorkflowID)
	logger.Info("job started", "kind", req.Kind, "params", len(req.Params), "image", req.UploadImage)

	params := maps.Clone(req.Params)
	if params == nil {
		params = map[string]any{}
	}

	res := &Result{JobID: rec.ID}
	if req.UploadImage != "" {
		name, err := r.backend.Upload(ctx, req.UploadImage)
		if err != nil {
			return nil, r.fail(rec, logger, fmt.Errorf("workflow %s: %w", req.WorkflowID, err))
		}
		res.UploadedImage = name
		if _, set := params[ImageParam]; !set {
			params[ImageParam] = name
		}
		rec.Params = maps.Clone(params)
	}

	promptID, err := r.submit(ctx, req.WorkflowID, params, logger)
	if err != nil {
		return nil, r.fail(rec, logger, err)
	}
	res.PromptID = promptID
	rec.PromptID = promptID
	r.transition(rec, model.JobStateSubmitted, logger)

	opts := r.pollOptions(req)
	opts.OnAttempt = func(attempt int, _ model.PollState) { rec.Attempts = attempt }

	out, path, err := r.await(ctx, promptID, req.Kind, opts, r.outputDir(req))
	if err != nil {
		return nil, r.fail(rec, logger, fmt.Errorf("workflow %s: %w", req.WorkflowID, err))
	}
	res.Output = *out
	res.Path = path
	res.Attempts = rec.Attempts
	res.Elapsed = time.Since(start)

	now := time.Now().UTC()
	rec.OutputPath = path
	rec.CompletedAt = &now
	r.transition(rec, model.JobStateCompleted, logger)

	logger.Info("job completed", "prompt_id", promptID, "path", path, "attempts", res.Attempts, "elapsed", res.Elapsed.Round(time.Millisecond))
	return res, nil
}

// Submit injects params into the workflow template and submits it without
// waiting. It returns the backend prompt ID.
func (r *Runner) Submit(ctx context.Context, workflowID string, params map[string]any) (string, error) {
	return r.submit(ctx, workflowID, params, r.logger.With("workflow_id", workflowID))
}

// Wait polls promptID for an output of kind and downloads it to outputDir
// (default Config.OutputDir). Zero MaxAttempts or Interval use the
// configured budget.
func (r *Runner) Wait(ctx context.Context, promptID string, kind model.ContentKind, maxAttempts int, interval time.Duration, outputDir string) (*Result, error) {
	start := time.Now()
	req := Request{MaxAttempts: maxAttempts, Interval: interval, OutputDir: outputDir}
	opts := r.pollOptions(req)
	attempts := 0
	opts.OnAttempt = func(attempt int, _ model.PollState) { attempts = attempt }

	out, path, err := r.await(ctx, promptID, kind, opts, r.outputDir(req))
	if err != nil {
		return nil, err
	}
	return &Result{
		PromptID: promptID,
		Output:   *out,
		Path:     path,
		Attempts: attempts,
		Elapsed:  time.Since(start),
	}, nil
}

// submit loads, injects and submits one graph.
func (r *Runner) submit(ctx context.Context, workflowID string, params map[string]any, logger *slog.Logger) (string, error) {
	g, err := r.graphs.Load(workflowID)
	if err != nil {
		return "", err
	}
	m, err := r.mappings.Load(workflowID)
	if err != nil {
		return "", err
	}

	if skipped := inject.Skipped(m, params); len(skipped) > 0 {
		logger.Debug("unmapped parameters ignored", "params", skipped)
	}
	if _, err := inject.Inject(workflowID, g, m, params); err != nil {
		return "", err
	}
	logger.Debug("parameters injected", "params", inject.Applicable(m, params))

	promptID, err := r.backend.Submit(ctx, g)
	if err != nil {
		return "", fmt.Errorf("workflow %s: %w", workflowID, err)
	}
	logger.Info("job submitted", "prompt_id", promptID)
	return promptID, nil
}

// await polls for the output and downloads it.
func (r *Runner) await(ctx context.Context, promptID string, kind model.ContentKind, opts poller.Options, outputDir string) (*model.OutputDescriptor, string, error) {
	out, err := r.poller.Await(ctx, promptID, kind, opts)
	if err != nil {
		return nil, "", err
	}
	path, err := r.downloader.Download(ctx, *out, outputDir)
	if err != nil {
		return nil, "", fmt.Errorf("job %s: %w", promptID, err)
	}
	return out, path, nil
}

func (r *Runner) pollOptions(req Request) poller.Options {
	opts := poller.Options{
		MaxAttempts:  r.config.Poll.MaxAttempts,
		Interval:     r.config.Poll.Interval,
		InitialDelay: r.config.Poll.InitialDelay,
	}
	if req.MaxAttempts > 0 {
		opts.MaxAttempts = req.MaxAttempts
	}
	if req.Interval > 0 {
		opts.Interval = req.Interval
	}
	return opts
}

func (r *Runner) outputDir(req Request) string {
	if req.OutputDir != "" {
		return req.OutputDir
	}
	return r.config.OutputDir
}

// fail records err on rec and returns it unchanged.
func (r *Runner) fail(rec *model.JobRecord, logger *slog.Logger, err error) error {
	now := time.Now().UTC()
	rec.Error = err.Error()
	rec.CompletedAt = &now
	r.transition(rec, model.JobStateFailed, logger)
	logger.Error("job failed", "prompt_id", rec.PromptID, "error", err)
	return err
}

// transition moves rec to next and persists it. Ledger failures are logged
// only; they never fail the run.
func (r *Runner) transition(rec *model.JobRecord, next model.JobState, logger *slog.Logger) {
	if !rec.State.CanTransitionTo(next) {
		logger.Warn("unexpected job state transition", "from", rec.State, "to", next)
	}
	rec.State = next
	if r.ledger == nil {
		return
	}
	// The run's ctx may already be cancelled; the final state still lands.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.ledger.UpdateJob(ctx, rec); err != nil {
		logger.Error("ledger update failed", "state", next, "error", err)
	}
}
