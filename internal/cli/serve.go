package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/comfyrun/internal/config"
	"github.com/me/comfyrun/internal/server"
)

func newServeCmd() *cobra.Command {
	var addr string
	var maxJobs int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the comfyrun REST API",
		Long: `Starts an HTTP API that accepts job requests, runs them in the background
and exposes the job ledger. On SIGINT or SIGTERM the listener stops and
running jobs get the shutdown timeout to finish before they are cancelled.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("max-jobs") {
				cfg.Server.MaxConcurrentJobs = maxJobs
			}
			if cfg.Server.MaxConcurrentJobs < 1 {
				return fmt.Errorf("--max-jobs must be at least 1")
			}

			ctx := cmd.Context()
			c, err := wire(ctx, ledgerRequired)
			if err != nil {
				return err
			}
			defer c.Close()

			srv := server.New(cfg.Server, c.runner, c.graphs, c.ledger, logger,
				server.WithModels(c.client),
				server.WithBackendURL(cfg.Client.Host),
			)
			httpServer := &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("server starting", "addr", cfg.Server.Addr, "backend", cfg.Client.Host, "max_jobs", cfg.Server.MaxConcurrentJobs)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("server failed: %w", err)
				}
			case <-ctx.Done():
			}
			logger.Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("shutdown error", "error", err)
			}
			if err := srv.Drain(shutdownCtx); err != nil {
				logger.Warn("running jobs cancelled", "error", err)
			}
			logger.Info("server stopped")
			return nil
		},
	}

	defaults := config.DefaultServerConfig()
	cmd.Flags().StringVar(&addr, "addr", defaults.Addr, "Listen address")
	cmd.Flags().IntVar(&maxJobs, "max-jobs", defaults.MaxConcurrentJobs, "Jobs run at once; further requests get 429")
	return cmd
}
