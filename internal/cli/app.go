package cli

import (
	"context"
	"fmt"

	"github.com/me/comfyrun/internal/comfy"
	"github.com/me/comfyrun/internal/config"
	"github.com/me/comfyrun/internal/job"
	"github.com/me/comfyrun/internal/store"
	"github.com/me/comfyrun/internal/template"
)

// components are the wired pieces a command works with.
type components struct {
	client *comfy.Client
	graphs *template.GraphStore
	runner *job.Runner
	ledger store.Store // nil when the ledger could not be opened
}

// Close releases the ledger.
func (c *components) Close() {
	if c.ledger != nil {
		c.ledger.Close()
	}
}

// openLedger opens and migrates the job ledger at the configured path.
func openLedger(ctx context.Context) (*store.SQLiteStore, error) {
	path := cfg.Paths.DBPath
	if path == "" {
		var err error
		if path, err = config.DefaultDBPath(); err != nil {
			return nil, err
		}
	}
	st, err := store.NewSQLiteStore(path, logger)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	logger.Debug("ledger ready", "path", path)
	return st, nil
}

// ledgerMode selects how wire treats the job ledger.
type ledgerMode int

const (
	ledgerOff      ledgerMode = iota
	ledgerOptional            // open failures are logged
	ledgerRequired
)

// wire builds the backend client, template stores and runner.
func wire(ctx context.Context, mode ledgerMode) (*components, error) {
	c := &components{
		client: comfy.New(ctx, cfg.Client, logger),
		graphs: template.NewGraphStore(cfg.Paths.WorkflowsDir, logger),
	}

	if mode != ledgerOff {
		st, err := openLedger(ctx)
		switch {
		case err == nil:
			c.ledger = st
		case mode == ledgerRequired:
			return nil, err
		default:
			logger.Warn("running without job ledger", "error", err)
		}
	}

	c.runner = job.NewRunner(
		c.graphs,
		template.NewMappingTable(cfg.Paths.MappingsDir, logger),
		c.client,
		c.ledger,
		job.Config{Poll: cfg.Poll, OutputDir: cfg.Paths.OutputDir},
		logger,
	)
	return c, nil
}
