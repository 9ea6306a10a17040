// Package cli implements the pdoflow command surface. The binary in
// cmd/pdoflow wires it to an empty registry; producer processes that want
// their own worker binary call Run with a registry holding their callables.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/pdoflow/pdoflow/internal/config"
	"github.com/pdoflow/pdoflow/internal/registry"
	"github.com/pdoflow/pdoflow/internal/store"
)

// Exit codes for the command surface.
const (
	ExitOK              = 0
	ExitError           = 1
	ExitInvalidArgument = 2
	ExitNotFound        = 3
)

// Run executes the CLI against the given registry and returns the process
// exit code.
func Run(reg *registry.StaticRegistry, args []string) int {
	root := NewRootCmd(reg)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		return exitCode(err)
	}
	return ExitOK
}

// exitCode maps the error taxonomy onto the documented exit codes:
// 0 success, 1 generic error, 2 invalid argument, 3 not found.
func exitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, store.ErrInvalidArgument):
		return ExitInvalidArgument
	case errors.Is(err, store.ErrNotFound):
		return ExitNotFound
	default:
		return ExitError
	}
}

// NewRootCmd builds the root command with every subcommand attached.
func NewRootCmd(reg *registry.StaticRegistry) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "pdoflow",
		Short: "PDOFlow — Postgres-coordinated distributed job queue",
		// Silence default error printing; Run logs it with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "",
		"config file path (default "+config.DefaultConfigPath+")")

	getConfig := func() (*config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		slog.SetDefault(newLogger(cfg))
		return cfg, nil
	}

	root.AddCommand(
		poolCmd(reg, getConfig),
		workerCmd(reg, getConfig),
		postingStatusCmd(getConfig),
		listPostingsCmd(getConfig),
		setPostingStatusCmd(getConfig),
		priorityStatsCmd(getConfig),
		executeJobCmd(reg, getConfig),
		migrateCmd(getConfig),
	)
	return root
}

// configFn defers config loading until a subcommand actually runs, so
// --help never needs a config file.
type configFn func() (*config.Config, error)

// newPool creates a pgxpool from the config, retrying briefly so a worker
// host that boots alongside its database does not flap.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(cfg.DBStatementTimeoutMS)
	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime

	var (
		db      *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= 5; attempt++ {
		db, connErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			if connErr = db.Ping(ctx); connErr == nil {
				return db, nil
			}
			db.Close()
		}
		slog.Warn("database not ready, retrying", "attempt", attempt, "error", connErr)
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("database unavailable after retries: %w", connErr)
}

// newLogger builds a slog.Logger from the configured level and format.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// parseUUID wraps malformed ids in ErrInvalidArgument so they exit 2, not 1.
func parseUUID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: malformed id %q: %v", store.ErrInvalidArgument, s, err)
	}
	return id, nil
}
