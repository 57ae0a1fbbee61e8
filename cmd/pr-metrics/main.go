package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "time/tzdata"

	"github.com/cam3ron2/bitbucket-pr-metrics/internal/app"
	"github.com/cam3ron2/bitbucket-pr-metrics/internal/config"
	"github.com/cam3ron2/bitbucket-pr-metrics/internal/metrics"
	"github.com/cam3ron2/bitbucket-pr-metrics/internal/telemetry"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type options struct {
	configPath string
	month      string
	serve      bool
	csvDir     string
}

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "pr-metrics: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	opts, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		return err
	}

	configFile, err := os.Open(opts.configPath)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer func() {
		_ = configFile.Close()
	}()

	cfg, err := config.LoadWithEnv(configFile, os.LookupEnv)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	loggerConfig := zap.NewProductionConfig()
	loggerConfig.Level = zap.NewAtomicLevelAt(logLevel(cfg.Server.LogLevel))
	logger, err := loggerConfig.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil && !shouldIgnoreLoggerSyncError(syncErr) {
			_, _ = fmt.Fprintf(os.Stderr, "pr-metrics: sync logger: %v\n", syncErr)
		}
	}()

	telemetryRuntime, err := telemetry.Setup(telemetry.Config{
		Enabled:          cfg.Telemetry.OTELEnabled,
		ServiceName:      "bitbucket-pr-metrics",
		TraceMode:        cfg.Telemetry.OTELTraceMode,
		TraceSampleRatio: cfg.Telemetry.OTELTraceSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetryRuntime.Shutdown(shutdownCtx)
	}()

	runtime, err := app.NewRuntimeFromConfig(cfg, logger)
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}
	defer func() {
		if closeErr := runtime.Close(); closeErr != nil {
			logger.Warn("failed to close backends", zap.Error(closeErr))
		}
	}()

	rootCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if opts.serve {
		return serve(rootCtx, cfg, runtime, logger)
	}

	period, err := resolvePeriod(opts.month, time.Now())
	if err != nil {
		return err
	}
	return collectOnce(rootCtx, cfg, runtime, period, opts.csvDir, os.Stdout, logger)
}

func parseFlags(fs *flag.FlagSet, args []string) (options, error) {
	var opts options
	fs.StringVar(&opts.configPath, "config", "config/local.yaml", "path to YAML config file")
	fs.StringVar(&opts.month, "month", "", "month to compute as YYYY-MM (default: previous month)")
	fs.BoolVar(&opts.serve, "serve", false, "serve /metrics and the query API, collecting on an interval")
	fs.StringVar(&opts.csvDir, "csv-dir", "", "write <YYYY-MM>.csv with the consolidated totals into this directory")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if opts.serve && opts.month != "" {
		return options{}, errors.New("-month cannot be combined with -serve")
	}
	return opts, nil
}

func resolvePeriod(raw string, now time.Time) (metrics.Period, error) {
	if strings.TrimSpace(raw) == "" {
		return app.PreviousMonth(now), nil
	}
	period, err := metrics.ParseYearMonth(raw)
	if err != nil {
		return metrics.Period{}, fmt.Errorf("parse -month: %w", err)
	}
	return period, nil
}

func collectOnce(
	ctx context.Context,
	cfg *config.Config,
	runtime *app.Runtime,
	period metrics.Period,
	csvDir string,
	out io.Writer,
	logger *zap.Logger,
) error {
	report, collectErr := runtime.Collect(ctx, period)
	if err := printReport(out, report); err != nil {
		return fmt.Errorf("print report: %w", err)
	}

	if csvDir != "" {
		path, err := app.WriteCSVFile(csvDir, report)
		if err != nil {
			return err
		}
		logger.Info("csv report written", zap.String("path", path))
	}

	if cfg.Cache.CleanupOnExit {
		if err := runtime.Cleanup(context.Background()); err != nil {
			logger.Warn("failed to clean up cache", zap.Error(err))
		}
	}

	if errors.Is(collectErr, context.Canceled) {
		return collectErr
	}
	return nil
}

func printReport(out io.Writer, report app.CollectionReport) error {
	for _, repo := range report.Repositories {
		if _, err := fmt.Fprintf(out, "%s\t%s\t%s=%d\t%s=%.2f\n",
			report.Period, repo.Repository,
			app.MetricMergedPRs, repo.MergedPRs,
			app.MetricPRReviewTime, repo.ReviewTime.Hours,
		); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(out, "%s\t%s\t%s=%d\t%s=%.2f\n",
		report.Period, app.TotalRepository,
		app.MetricMergedPRs, report.TotalMergedPRs,
		app.MetricPRReviewTime, report.TotalReviewTimeHours,
	)
	return err
}

func serve(ctx context.Context, cfg *config.Config, runtime *app.Runtime, logger *zap.Logger) error {
	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           runtime.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runtime.Start(ctx)
	logger.Info("collection loop started")

	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.Server.ListenAddr))
		if serveErr := server.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			serverErrCh <- serveErr
		}
		close(serverErrCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case serveErr := <-serverErrCh:
		if serveErr != nil {
			runtime.Stop()
			return fmt.Errorf("http server failed: %w", serveErr)
		}
	}

	runtime.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}

	if cfg.Cache.CleanupOnExit {
		if err := runtime.Cleanup(shutdownCtx); err != nil {
			logger.Warn("failed to clean up cache", zap.Error(err))
		}
	}

	logger.Info("shutdown complete")
	return nil
}

func logLevel(raw string) zapcore.Level {
	switch strings.ToLower(raw) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// stderr on a terminal or pipe rejects fsync.
func shouldIgnoreLoggerSyncError(err error) bool {
	return errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY)
}
