// serve.go provides the HTTP server subcommand: the JSON job API in
// front of the same import, annotation and deletion pipelines the
// other subcommands run directly.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openimaging/bulkmeta/internal/jobs"
	"github.com/openimaging/bulkmeta/internal/web"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the bulk metadata job server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			slog.Info("configuration loaded",
				"addr", a.cfg.Server.Addr(),
				"db_max_conns", a.cfg.Database.MaxConns,
				"jobs_max_concurrent", a.cfg.Jobs.MaxConcurrent,
			)

			pool, repo, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			if u, err := url.Parse(a.cfg.Database.URL); err == nil {
				slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
			}

			runner := jobs.NewRunner(a.cfg.Jobs.MaxConcurrent)
			server := web.NewServer(repo, runner, a.cfg)

			go func() {
				sigCh := make(chan os.Signal, 1)
				signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
				select {
				case <-sigCh:
				case <-ctx.Done():
				}

				slog.Info("shutting down...")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
				defer cancel()

				if active := runner.Active(); active > 0 {
					slog.Info("waiting for jobs to finish", "active", active)
				}
				if err := server.Shutdown(shutdownCtx); err != nil {
					slog.Error("shutdown error", "error", err)
				}
			}()

			slog.Info("server starting", "addr", a.cfg.Server.Addr())
			if err := server.Start(a.cfg.Server.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			slog.Info("server stopped")
			return nil
		},
	}
}
