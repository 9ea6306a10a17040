package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/pdoflow/pdoflow/internal/config"
	"github.com/pdoflow/pdoflow/internal/registry"
	"github.com/pdoflow/pdoflow/internal/store"
	"github.com/pdoflow/pdoflow/internal/worker"
	"github.com/pdoflow/pdoflow/migrations"
)

// ── pool ──────────────────────────────────────────────────────────────────────

func poolCmd(reg *registry.StaticRegistry, getConfig configFn) *cobra.Command {
	var (
		maxWorkers  int
		upkeepRate  float64
		batchSize   int
		profileRate float64
		exceptions  string
	)

	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Run a worker pool until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if maxWorkers <= 0 {
				return fmt.Errorf("%w: --max-workers must be positive", store.ErrInvalidArgument)
			}
			if upkeepRate <= 0 {
				return fmt.Errorf("%w: --upkeep-rate must be positive", store.ErrInvalidArgument)
			}

			cfg, err := getConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			db, err := newPool(ctx, cfg)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer db.Close()

			pool := worker.NewPool(store.New(db), reg, worker.PoolConfig{
				MaxWorkers:     maxWorkers,
				UpkeepInterval: time.Duration(float64(time.Second) / upkeepRate),
				Worker: worker.Config{
					BatchSize:        batchSize,
					ProfileRate:      profileRate,
					ExceptionLogging: worker.ExceptionLevel(exceptions),
				},
			}, slog.Default())

			slog.Info("pool started", "max_workers", maxWorkers, "batch_size", batchSize)
			return pool.Run(ctx)
		},
	}

	cmd.Flags().IntVar(&maxWorkers, "max-workers", 4, "worker slots to keep filled")
	cmd.Flags().Float64Var(&upkeepRate, "upkeep-rate", 1.0, "upkeep cycles per second")
	cmd.Flags().IntVar(&batchSize, "batchsize", worker.DefaultBatchSize, "units claimed per cycle")
	cmd.Flags().Float64Var(&profileRate, "profile-rate", worker.DefaultProfileRate,
		"probability a unit runs under the profiler")
	cmd.Flags().StringVar(&exceptions, "exception-logging", string(worker.LevelError),
		"severity for user-function failures (none|debug|info|warning|error)")
	return cmd
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd(reg *registry.StaticRegistry, getConfig configFn) *cobra.Command {
	var (
		once        bool
		batchSize   int
		profileRate float64
		exceptions  string
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a single worker in this process",
		Long: "Run one worker loop over one private DB connection. With --once, " +
			"perform a single claim/execute/commit cycle and exit — the debugging " +
			"and subprocess entry point.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := getConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			db, err := newPool(ctx, cfg)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer db.Close()

			rt := worker.NewRuntime(store.New(db), reg, worker.Config{
				BatchSize:        batchSize,
				ProfileRate:      profileRate,
				ExceptionLogging: worker.ExceptionLevel(exceptions),
			}, slog.Default(), nil)

			if once {
				n, err := rt.RunOnce(ctx)
				if err != nil {
					return err
				}
				slog.Info("worker cycle complete", "processed", n)
				return nil
			}
			return rt.Run(ctx)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run one claim/execute/commit cycle and exit")
	cmd.Flags().IntVar(&batchSize, "batchsize", worker.DefaultBatchSize, "units claimed per cycle")
	cmd.Flags().Float64Var(&profileRate, "profile-rate", worker.DefaultProfileRate,
		"probability a unit runs under the profiler")
	cmd.Flags().StringVar(&exceptions, "exception-logging", string(worker.LevelError),
		"severity for user-function failures (none|debug|info|warning|error)")
	return cmd
}

// ── execute-job ───────────────────────────────────────────────────────────────

func executeJobCmd(reg *registry.StaticRegistry, getConfig configFn) *cobra.Command {
	return &cobra.Command{
		Use:   "execute-job <uuid>",
		Short: "Run one unit in-process for debugging",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUUID(args[0])
			if err != nil {
				return err
			}

			cfg, err := getConfig()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			db, err := newPool(ctx, cfg)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer db.Close()

			st := store.New(db)
			outcome, err := worker.ExecuteJob(ctx, st, reg, id, slog.Default())
			if err != nil {
				return err
			}
			if outcome.Succeeded {
				slog.Info("job succeeded", "job_id", id)
			} else {
				slog.Warn("job failed", "job_id", id)
			}
			return nil
		},
	}
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd(getConfig configFn) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := getConfig()
			if err != nil {
				return err
			}
			return runMigrations(cfg)
		},
	}
}

func runMigrations(cfg *config.Config) error {
	slog.Info("running migrations")

	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// golang-migrate requires a *sql.DB. Use pgx's stdlib adapter so the
	// same driver is used project-wide. No pooling needed for a one-shot
	// migration run.
	connCfg, err := pgx.ParseConfig(cfg.DSN())
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	connCfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{MultiStatementEnabled: true})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, _, _ := m.Version() //nolint:errcheck
	slog.Info("migrations complete", "version", version)
	return nil
}
