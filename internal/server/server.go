package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/me/comfyrun/internal/batch"
	"github.com/me/comfyrun/internal/config"
	"github.com/me/comfyrun/internal/job"
	"github.com/me/comfyrun/internal/store"
	"github.com/me/comfyrun/pkg/model"
)

// Runner starts pipeline runs. *job.Runner satisfies it.
type Runner interface {
	Begin(ctx context.Context, req *job.Request) (*model.JobRecord, error)
	Execute(ctx context.Context, rec *model.JobRecord, req job.Request) (*job.Result, error)
}

// ModelLister exposes the backend's advisory model list. *comfy.Client
// satisfies it.
type ModelLister interface {
	Models() []string
}

// WorkflowLister lists the stored workflow templates.
// *template.GraphStore satisfies it.
type WorkflowLister interface {
	List() ([]string, error)
}

// Server is the comfyrun REST API server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	config    config.ServerConfig
	startTime time.Time
	runner    Runner
	workflows WorkflowLister
	store     store.Store
	models    ModelLister // optional
	backend   string      // backend URL reported by /health

	slots *batch.Semaphore

	// Background runs use jobCtx so they outlive the POST request.
	jobCtx    context.Context
	cancelJob context.CancelFunc
	running   sync.WaitGroup
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithModels sets the source of the /models listing.
func WithModels(m ModelLister) Option {
	return func(s *Server) {
		s.models = m
	}
}

// WithBackendURL sets the backend URL reported by /health.
func WithBackendURL(u string) Option {
	return func(s *Server) {
		s.backend = u
	}
}

// New creates a new Server with all routes registered.
func New(cfg config.ServerConfig, runner Runner, workflows WorkflowLister, st store.Store, logger *slog.Logger, opts ...Option) *Server {
	jobCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		config:    cfg,
		startTime: time.Now(),
		runner:    runner,
		workflows: workflows,
		store:     st,
		slots:     batch.NewSemaphore(cfg.MaxConcurrentJobs),
		jobCtx:    jobCtx,
		cancelJob: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Drain waits for background runs to finish. When ctx expires first the
// remaining runs are cancelled and Drain waits for them to record their
// failure before returning ctx.Err().
func (s *Server) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancelJob()
		return nil
	case <-ctx.Done():
		s.logger.Warn("cancelling running jobs", "running", s.slots.InUse())
		s.cancelJob()
		<-done
		return ctx.Err()
	}
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.handleDiscovery)
		r.Get("/health", s.handleHealth)
		r.Get("/models", s.handleListModels)
		r.Get("/workflows", s.handleListWorkflows)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Post("/", s.handleCreateJob)
			r.Get("/{id}", s.handleGetJob)
		})
	})
}
