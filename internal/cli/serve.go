// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/mobiletoly/go-fieldsync/internal/server"
	"github.com/spf13/cobra"
)

// ServeCmd returns the serve command
func ServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync and import HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := newLogger(cfg.Log, cmd.OutOrStdout())

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			components, err := server.Setup(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to setup server: %w", err)
			}
			defer components.Close()

			httpServer := &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           components.Handler,
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       120 * time.Second,
				WriteTimeout:      120 * time.Second,
				IdleTimeout:       60 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("Starting field sync server", "addr", httpServer.Addr)
				logger.Info("  POST /sync/responses     - Reconcile a batch of responses")
				logger.Info("  GET  /sync/assignments   - Download assignments")
				logger.Info("  POST /imports            - Upload a file for bulk import")
				logger.Info("  GET  /imports/{job_id}   - Poll import status")
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

			logger.Info("Shutting down server...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server forced to shutdown: %w", err)
			}
			logger.Info("Server exited; waiting for running imports")
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}
