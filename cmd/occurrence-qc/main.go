// Command occurrence-qc fetches GBIF occurrence records for one species,
// cleans them and writes the clean, flagged and excluded tables.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/couchcryptid/occurrence-qc/internal/adapter/export"
	"github.com/couchcryptid/occurrence-qc/internal/adapter/gbif"
	httpadapter "github.com/couchcryptid/occurrence-qc/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/occurrence-qc/internal/adapter/kafka"
	"github.com/couchcryptid/occurrence-qc/internal/config"
	"github.com/couchcryptid/occurrence-qc/internal/domain"
	"github.com/couchcryptid/occurrence-qc/internal/observability"
	"github.com/couchcryptid/occurrence-qc/internal/pipeline"
	"github.com/couchcryptid/occurrence-qc/internal/reference"
	"github.com/couchcryptid/occurrence-qc/internal/report"
)

func main() {
	_ = godotenv.Load()

	if err := newRootCommand().Execute(); err != nil {
		// Failures before the configured logger exists go to the default one.
		var reported reportedError
		if !errors.As(err, &reported) {
			slog.Error("occurrence-qc failed", "error", err)
		}
		os.Exit(1)
	}
}

// reportedError wraps an error already written to the configured logger.
type reportedError struct {
	err error
}

func (e reportedError) Error() string { return e.err.Error() }
func (e reportedError) Unwrap() error { return e.err }

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "occurrence-qc",
		Short:         "Fetch and clean GBIF occurrence records for a species",
		Long:          "Fetch occurrence records for one species from GBIF, flag suspicious coordinates, apply quality filters and export the results.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			serve := applyFlags(cmd, cfg)
			logger := observability.NewLogger(cfg)
			return execute(cmd.Context(), cfg, serve, cmd.OutOrStdout(), logger, observability.NewMetrics())
		},
	}

	cmd.Flags().StringP("species", "s", "", "Scientific name to fetch (overrides SPECIES)")
	cmd.Flags().IntP("limit", "n", 0, "Maximum records to fetch (overrides FETCH_LIMIT)")
	cmd.Flags().Bool("require-coords", true, "Only fetch georeferenced records (overrides REQUIRE_COORDS)")
	cmd.Flags().Bool("serve", false, "Keep serving reports and metrics on HTTP_ADDR after the run")

	return cmd
}

// applyFlags overrides cfg with every flag set on the command line and
// reports whether --serve was given.
func applyFlags(cmd *cobra.Command, cfg *config.Config) bool {
	fs := cmd.Flags()
	if fs.Changed("species") {
		cfg.Species, _ = fs.GetString("species")
	}
	if fs.Changed("limit") {
		cfg.FetchLimit, _ = fs.GetInt("limit")
	}
	if fs.Changed("require-coords") {
		cfg.RequireCoords, _ = fs.GetBool("require-coords")
	}
	serve, _ := fs.GetBool("serve")
	if serve && cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	return serve
}

// execute performs one invocation and logs a failure with the configured
// logger.
func execute(ctx context.Context, cfg *config.Config, serve bool, stdout io.Writer, logger *slog.Logger, metrics *observability.Metrics) error {
	if err := run(ctx, cfg, serve, stdout, logger, metrics); err != nil {
		logger.Error("occurrence-qc failed", "error", err)
		return reportedError{err: err}
	}
	return nil
}

func run(parent context.Context, cfg *config.Config, serve bool, stdout io.Writer, logger *slog.Logger, metrics *observability.Metrics) error {
	refs, err := reference.LoadFile(cfg.ReferenceFile)
	if err != nil {
		return fmt.Errorf("load reference data: %w", err)
	}

	client := gbif.NewClient(cfg, metrics, logger)

	// Institution lookup is feature-flagged via INSTITUTION_LOOKUP_ENABLED.
	var locator domain.InstitutionLocator
	if cfg.InstitutionLookupEnabled {
		locator = gbif.NewCachedLocator(client, cfg.InstitutionCacheSize, metrics)
		logger.Info("institution lookup enabled", "cache_size", cfg.InstitutionCacheSize)
	}

	loaders, closers, err := buildLoaders(cfg, metrics, logger)
	defer func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				logger.Error("sink close error", "error", err)
			}
		}
	}()
	if err != nil {
		return fmt.Errorf("open sinks: %w", err)
	}

	cleaner := pipeline.NewCleaner(pipeline.CleanOptions{
		Flag:         cfg.FlagOptions(),
		Quality:      cfg.QualityOptions(),
		References:   refs,
		Institutions: locator,
	}, logger, metrics)
	p := pipeline.New(client, cleaner, loaders, logger, metrics)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var srv *httpadapter.Server
	if cfg.HTTPAddr != "" {
		srv = httpadapter.NewServer(cfg.HTTPAddr, p, cfg.Query(), logger)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server error", "error", err)
			}
		}()
	}

	result, runErr := p.Run(ctx, cfg.Query())
	if runErr == nil {
		if err := report.WriteText(stdout, report.BuildSummary(result)); err != nil {
			logger.Error("failed to write report", "error", err)
		}
	}

	if cfg.PushgatewayURL != "" {
		if err := metrics.Push(ctx, cfg.PushgatewayURL, cfg.Species); err != nil {
			logger.Warn("metrics push failed", "error", err)
		}
	}

	if srv != nil {
		if serve {
			<-ctx.Done()
		}
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", "error", err)
		}
	}

	if runErr != nil {
		return fmt.Errorf("run %q: %w", cfg.Species, runErr)
	}
	return nil
}

// buildLoaders opens every configured sink. Closers are returned even on
// error so that already-opened sinks can be released.
func buildLoaders(cfg *config.Config, metrics *observability.Metrics, logger *slog.Logger) ([]pipeline.Loader, []io.Closer, error) {
	var (
		loaders []pipeline.Loader
		closers []io.Closer
	)

	if len(cfg.OutputFormats) > 0 {
		loaders = append(loaders, export.NewFileSink(cfg.OutputDir, cfg.OutputFormats, logger))
	}
	if cfg.SQLitePath != "" {
		db, err := export.OpenSQLite(cfg.SQLitePath, logger)
		if err != nil {
			return loaders, closers, err
		}
		loaders = append(loaders, db)
		closers = append(closers, db)
	}
	if cfg.KafkaEnabled {
		w := kafkaadapter.NewWriter(cfg, metrics, logger)
		loaders = append(loaders, w)
		closers = append(closers, w)
		logger.Info("kafka sink enabled", "topic", cfg.KafkaSinkTopic)
	}
	return loaders, closers, nil
}
