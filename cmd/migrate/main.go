package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/QuoineFinancial/vault-migrate/pkg/config"
	"github.com/QuoineFinancial/vault-migrate/pkg/destination"
	"github.com/QuoineFinancial/vault-migrate/pkg/metrics"
	"github.com/QuoineFinancial/vault-migrate/pkg/migration"
	"github.com/QuoineFinancial/vault-migrate/pkg/models"
	"github.com/QuoineFinancial/vault-migrate/pkg/source"
)

var (
	configPath string
	envFile    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "vault-migrate",
		Short: "copy KV v2 secrets into the privileged access vault, once",
		Args:  cobra.NoArgs,
		Run:   runMigration,
	}

	rootCmd.Flags().StringVar(&configPath, "config", "migrate.yaml", "path of the YAML configuration file")
	rootCmd.Flags().StringVar(&envFile, "env-file", ".env", "optional file of MIGRATE_* variables")

	cobra.CheckErr(rootCmd.Execute())
}

func runMigration(cmd *cobra.Command, args []string) {
	runID := uuid.NewString()
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("run_id", runID).Logger()

	if err := config.LoadDotEnv(envFile); err != nil {
		logger.Fatal().Err(err).
			Msg("error reading env file")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal().Err(err).
			Msg("error loading configuration")
	}

	logger = newLogger(logger, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	summary, err := migrate(ctx, cfg, m, logger, runID)
	push(cfg.Metrics, m, runID, cfg.Timeout, logger)
	if err != nil {
		logger.Fatal().Err(err).
			Msg("migration aborted")
	}

	if err := summary.Err(); err != nil {
		logger.Warn().Err(err).Int("failures", len(summary.Failures)).
			Msg("migration finished with failures")
	}
}

// newLogger applies the configured level; debug also records the caller.
func newLogger(logger zerolog.Logger, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	logger = logger.Level(lvl)
	if lvl <= zerolog.DebugLevel {
		logger = logger.With().Caller().Logger()
	}
	return logger
}

// migrate wires the collaborators of a run together and runs it.
func migrate(
	ctx context.Context,
	cfg models.Config,
	m *metrics.Metrics,
	logger zerolog.Logger,
	runID string,
) (*migration.Summary, error) {
	reader, err := source.New(cfg.Source, cfg.Timeout, cfg.Retry, logger)
	if err != nil {
		return nil, err
	}

	endpoints, err := config.BuildEndpoints(cfg.Destination)
	if err != nil {
		return nil, err
	}
	dest := destination.New(endpoints, cfg.Timeout, cfg.Retry, logger)

	logger.Info().
		Str("source", cfg.Source.Addr()).
		Str("driver", cfg.Source.Driver).
		Strs("engines", cfg.Source.Engines).
		Str("destination", cfg.Destination.Host).
		Msg("starting migration")

	return migration.New(cfg, reader, dest, m, logger).Run(ctx, runID)
}

// push sends the run metrics when a Pushgateway is configured. A failed push
// does not change the outcome of the run.
func push(
	cfg models.Metrics,
	m *metrics.Metrics,
	runID string,
	timeout time.Duration,
	logger zerolog.Logger,
) {
	if cfg.PushgatewayURL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := m.Push(ctx, cfg.PushgatewayURL, cfg.Job, runID); err != nil {
		logger.Warn().Err(err).Msg("error pushing metrics")
	}
}
