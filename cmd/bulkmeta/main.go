// Command bulkmeta imports, annotates and deletes bulk metadata on a
// remote image data repository. Configuration comes from environment
// variables (optionally a .env file); the target object and input
// files come from flags.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/openimaging/bulkmeta/internal/config"
	"github.com/openimaging/bulkmeta/internal/logging"
	"github.com/openimaging/bulkmeta/internal/model"
	"github.com/openimaging/bulkmeta/internal/remote/pgrepo"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// app carries the loaded configuration into the subcommands.
type app struct {
	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "bulkmeta",
		Short:         "bulk metadata import and annotation for image repositories",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Overload overwrites existing env vars with .env values.
			if err := godotenv.Overload(); err != nil {
				slog.Info("no .env file found, using environment variables")
			}
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
			a.cfg = cfg
			return nil
		},
	}

	root.AddCommand(
		newPopulateCmd(a),
		newAnnotateCmd(a),
		newDeleteCmd(a),
		newSummaryCmd(a),
		newServeCmd(a),
		newAdminCmd(a),
	)
	return root
}

// connect opens the configured database pool and returns a repository
// on top of it. The caller closes the pool.
func (a *app) connect(ctx context.Context) (*pgxpool.Pool, *pgrepo.Repo, error) {
	poolConfig, err := pgxpool.ParseConfig(a.cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse database URL: %w", err)
	}
	poolConfig.MaxConns = int32(a.cfg.Database.MaxConns)
	poolConfig.MinConns = int32(a.cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = a.cfg.Database.MaxConnLifetime
	poolConfig.MaxConnIdleTime = a.cfg.Database.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}

	repo := pgrepo.New(pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return pool, repo, nil
}

// parseTarget parses the positional target argument, e.g. "Plate:42".
func parseTarget(s string) (model.TargetRef, error) {
	if s == "" {
		return model.TargetRef{}, fmt.Errorf("a target is required, e.g. Plate:42")
	}
	return model.ParseTargetRef(s)
}
