package app

import (
	"context"
	"errors"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/cam3ron2/bitbucket-pr-metrics/internal/config"
	"github.com/cam3ron2/bitbucket-pr-metrics/internal/exporter"
	"github.com/cam3ron2/bitbucket-pr-metrics/internal/health"
	"github.com/cam3ron2/bitbucket-pr-metrics/internal/metrics"
	"github.com/cam3ron2/bitbucket-pr-metrics/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Exported series names.
const (
	MetricMergedPRs          = "s_merged_prs"
	MetricPRReviewTime       = "s_pr_review_time"
	MetricReviewTimeOutcomes = "s_pr_review_time_pull_requests"
	MetricCollectionLastRun  = "pr_metrics_collection_last_run_unixtime"
	MetricCollectionFailures = "pr_metrics_collection_failed_metrics"

	// TotalRepository labels the consolidated series summed over all repositories.
	TotalRepository = "*"
)

var metricHelp = map[string]string{
	MetricMergedPRs:          "Pull requests merged within the period.",
	MetricPRReviewTime:       "Mean hours from creation to first approval for pull requests approved within the period.",
	MetricReviewTimeOutcomes: "Pull requests by review time classification.",
	MetricCollectionLastRun:  "Unix time of the last completed collection.",
	MetricCollectionFailures: "Metrics that failed in the last collection.",
}

// MetricEngine computes and caches repository metrics.
type MetricEngine interface {
	MetricQuerier
	Cleanup(ctx context.Context) error
	CacheDescription() string
}

// Dependencies are the collaborators a Runtime drives.
type Dependencies struct {
	Engine  MetricEngine
	Results store.Store
	// Registry carries client and cache collectors; it is served on /metrics.
	Registry        *prometheus.Registry
	SnapshotHealthy bool
	Close           func() error
}

// RepositoryReport holds one repository's results for a period.
// A metric that failed is reported as zero with its error recorded.
type RepositoryReport struct {
	Repository    string
	MergedPRs     int
	ReviewTime    metrics.ReviewTimeResult
	MergedErr     error
	ReviewTimeErr error
}

// CollectionReport is the outcome of one collection over all configured repositories.
type CollectionReport struct {
	Period       metrics.Period
	Repositories []RepositoryReport
	// Totals add the per-repository values. Failed metrics contribute zero.
	TotalMergedPRs       int
	TotalReviewTimeHours float64
	Failures             int
}

// Runtime is the application runtime orchestrator.
type Runtime struct {
	cfg       *config.Config
	engine    MetricEngine
	results   store.Store
	registry  *prometheus.Registry
	closeFn   func() error
	evaluator *health.StatusEvaluator
	logger    *zap.Logger

	mu                    sync.RWMutex
	schedulerHealthy      bool
	snapshotHealthy       bool
	lastCollectionHealthy bool
	lastCollection        time.Time
	loopCancel            context.CancelFunc
	loopDone              chan struct{}

	// Now is injected for deterministic tests.
	Now func() time.Time
}

// NewRuntime creates a runtime instance.
func NewRuntime(cfg *config.Config, deps Dependencies, logger *zap.Logger) *Runtime {
	if cfg == nil {
		cfg = &config.Config{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	results := deps.Results
	if results == nil {
		results = store.NewMemoryStore(0)
	}
	registry := deps.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	closeFn := deps.Close
	if closeFn == nil {
		closeFn = func() error { return nil }
	}

	return &Runtime{
		cfg:                   cfg,
		engine:                deps.Engine,
		results:               results,
		registry:              registry,
		closeFn:               closeFn,
		evaluator:             health.NewStatusEvaluator(),
		logger:                logger,
		schedulerHealthy:      true,
		snapshotHealthy:       deps.SnapshotHealthy,
		lastCollectionHealthy: true,
		Now:                   time.Now,
	}
}

// Results exposes the result store.
func (r *Runtime) Results() store.Store {
	return r.results
}

// Handler returns the combined HTTP handler.
func (r *Runtime) Handler() http.Handler {
	metricsHandler := exporter.NewOpenMetricsHandler(r.results, r.registry, metricHelp)
	healthHandler := health.NewHandler(r)
	var querier MetricQuerier
	if r.engine != nil {
		querier = r.engine
	}
	return NewHTTPHandler(metricsHandler, healthHandler, querier, r.logger)
}

// CurrentStatus returns current health status.
func (r *Runtime) CurrentStatus(_ context.Context) health.Status {
	r.mu.RLock()
	input := health.Input{
		BitbucketClientUsable: r.engine != nil,
		SchedulerHealthy:      r.schedulerHealthy,
		CacheSnapshotHealthy:  r.snapshotHealthy,
		LastCollectionHealthy: r.lastCollectionHealthy,
	}
	r.mu.RUnlock()
	return r.evaluator.Evaluate(input)
}

// LastCollection reports when the last collection finished. Zero means never.
func (r *Runtime) LastCollection() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastCollection
}

// Collect computes both metrics for every configured repository in period,
// records them in the result store, and returns the report. Individual metric
// failures are logged, reported as zero, and joined into the returned error.
func (r *Runtime) Collect(ctx context.Context, period metrics.Period) (CollectionReport, error) {
	if r.engine == nil {
		return CollectionReport{}, errors.New("runtime has no metric engine")
	}

	started := time.Now()
	year, month := period.YearString(), period.MonthString()
	report := CollectionReport{
		Period:       period,
		Repositories: make([]RepositoryReport, 0, len(r.cfg.Projects)),
	}
	var resultErr error

	r.logger.Info("collection started",
		zap.String("period", period.String()),
		zap.Int("repositories", len(r.cfg.Projects)),
		zap.String("cache", r.engine.CacheDescription()),
	)

	for _, repository := range r.cfg.Projects {
		if err := ctx.Err(); err != nil {
			resultErr = errors.Join(resultErr, err)
			break
		}

		repoReport := RepositoryReport{Repository: repository}

		merged, err := r.engine.MergedPullRequests(ctx, repository, year, month)
		if err != nil {
			r.logger.Warn("metric collection failed",
				zap.String("repository", repository),
				zap.String("metric", metrics.MetricMergedPullRequests),
				zap.Error(err),
			)
			repoReport.MergedErr = err
			report.Failures++
			resultErr = errors.Join(resultErr, err)
		} else {
			repoReport.MergedPRs = merged
		}

		reviewTime, err := r.engine.ReviewTime(ctx, repository, year, month)
		if err != nil {
			r.logger.Warn("metric collection failed",
				zap.String("repository", repository),
				zap.String("metric", metrics.MetricReviewTime),
				zap.Error(err),
			)
			repoReport.ReviewTimeErr = err
			report.Failures++
			resultErr = errors.Join(resultErr, err)
		} else {
			repoReport.ReviewTime = reviewTime
		}

		report.TotalMergedPRs += repoReport.MergedPRs
		report.TotalReviewTimeHours += repoReport.ReviewTime.Hours
		report.Repositories = append(report.Repositories, repoReport)
		r.recordRepositoryBestEffort(ctx, period, repoReport)
	}
	report.TotalReviewTimeHours = roundHours(report.TotalReviewTimeHours)

	now := r.Now()
	periodLabels := map[string]string{"repository": TotalRepository, "period": period.String()}
	r.recordMetricBestEffort(ctx, now, MetricMergedPRs, float64(report.TotalMergedPRs), periodLabels)
	r.recordMetricBestEffort(ctx, now, MetricPRReviewTime, report.TotalReviewTimeHours, periodLabels)
	r.recordMetricBestEffort(ctx, now, MetricCollectionFailures, float64(report.Failures), map[string]string{"period": period.String()})
	r.recordMetricBestEffort(ctx, now, MetricCollectionLastRun, float64(now.Unix()), nil)

	r.mu.Lock()
	r.lastCollection = now
	r.lastCollectionHealthy = report.Failures == 0
	r.mu.Unlock()

	r.logger.Info("collection completed",
		zap.String("period", period.String()),
		zap.Int("repositories", len(report.Repositories)),
		zap.Int(MetricMergedPRs, report.TotalMergedPRs),
		zap.Float64(MetricPRReviewTime, report.TotalReviewTimeHours),
		zap.Int("failures", report.Failures),
		zap.Duration("duration", time.Since(started)),
	)
	return report, resultErr
}

// Start runs Collect for the previous calendar month now and then on every
// collect interval until Stop or ctx cancellation. A zero interval collects once.
func (r *Runtime) Start(ctx context.Context) {
	r.mu.Lock()
	if r.loopCancel != nil {
		r.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.loopCancel = cancel
	r.loopDone = done
	r.schedulerHealthy = true
	r.mu.Unlock()

	r.logger.Info("starting collection loop",
		zap.Int("repositories", len(r.cfg.Projects)),
		zap.Duration("interval", r.cfg.Metrics.CollectInterval),
	)
	go func() {
		defer close(done)
		r.runCollectionLoop(loopCtx)
	}()
}

// Stop stops the collection loop and waits for an in-flight collection to return.
func (r *Runtime) Stop() {
	r.mu.Lock()
	cancel, done := r.loopCancel, r.loopDone
	r.loopCancel = nil
	r.loopDone = nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	r.mu.Lock()
	r.schedulerHealthy = false
	r.mu.Unlock()
	r.logger.Info("stopped collection loop")
}

// Cleanup drops every cached repository-month.
func (r *Runtime) Cleanup(ctx context.Context) error {
	if r.engine == nil {
		return nil
	}
	return r.engine.Cleanup(ctx)
}

// Close releases backend connections.
func (r *Runtime) Close() error {
	return r.closeFn()
}

func (r *Runtime) runCollectionLoop(ctx context.Context) {
	r.collectPreviousMonth(ctx)

	interval := r.cfg.Metrics.CollectInterval
	if interval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("collection loop stopped")
			return
		case <-ticker.C:
			r.collectPreviousMonth(ctx)
		}
	}
}

func (r *Runtime) collectPreviousMonth(ctx context.Context) {
	period := PreviousMonth(r.Now())
	if _, err := r.Collect(ctx, period); err != nil {
		r.logger.Warn("collection finished with errors", zap.String("period", period.String()), zap.Error(err))
	}
}

// PreviousMonth returns the calendar month before the one containing now, in UTC.
func PreviousMonth(now time.Time) metrics.Period {
	firstOfMonth := time.Date(now.UTC().Year(), now.UTC().Month(), 1, 0, 0, 0, 0, time.UTC)
	previous := firstOfMonth.AddDate(0, -1, 0)
	return metrics.Period{Year: previous.Year(), Month: previous.Month()}
}

func (r *Runtime) recordRepositoryBestEffort(ctx context.Context, period metrics.Period, report RepositoryReport) {
	now := r.Now()
	labels := map[string]string{"repository": report.Repository, "period": period.String()}
	r.recordMetricBestEffort(ctx, now, MetricMergedPRs, float64(report.MergedPRs), labels)
	r.recordMetricBestEffort(ctx, now, MetricPRReviewTime, report.ReviewTime.Hours, labels)

	breakdown := report.ReviewTime.Breakdown
	outcomes := map[string]int{
		"counted":       breakdown.Counted,
		"not_merged":    breakdown.NotMerged,
		"no_creation":   breakdown.NoCreation,
		"no_approval":   breakdown.NoApproval,
		"outside_range": breakdown.OutsideRange,
	}
	for outcome, count := range outcomes {
		r.recordMetricBestEffort(ctx, now, MetricReviewTimeOutcomes, float64(count), map[string]string{
			"repository": report.Repository,
			"period":     period.String(),
			"outcome":    outcome,
		})
	}
}

func (r *Runtime) recordMetricBestEffort(ctx context.Context, now time.Time, name string, value float64, labels map[string]string) {
	err := r.results.UpsertMetric(ctx, store.MetricPoint{
		Name:      name,
		Labels:    labels,
		Value:     value,
		UpdatedAt: now,
	})
	if err != nil {
		r.logger.Warn("failed to persist collected metric", zap.String("metric", name), zap.Error(err))
	}
}

func roundHours(value float64) float64 {
	return math.Round(value*100) / 100
}
