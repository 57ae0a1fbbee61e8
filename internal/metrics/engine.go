// Package metrics computes monthly pull request metrics from Bitbucket data.
package metrics

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/cam3ron2/bitbucket-pr-metrics/internal/bitbucket"
	"github.com/cam3ron2/bitbucket-pr-metrics/internal/cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Metric names used in errors and logs.
const (
	MetricMergedPullRequests = "merged_prs"
	MetricReviewTime         = "pr_review_time"
)

const defaultLoadTimeout = 30 * time.Minute

var (
	// ErrInvalidPeriod is wrapped when year or month is malformed.
	ErrInvalidPeriod = errors.New("invalid period")
	// ErrInvalidRepository is wrapped when the repository path is not PROJECT/REPO.
	ErrInvalidRepository = errors.New("invalid repository")
)

// MetricError is returned when a metric could not be computed at all.
type MetricError struct {
	Metric     string
	Repository string
	Period     string
	Err        error
}

func (e *MetricError) Error() string {
	return fmt.Sprintf("metric %s for %s %s: %v", e.Metric, e.Repository, e.Period, e.Err)
}

func (e *MetricError) Unwrap() error {
	return e.Err
}

// Source lists pull requests and reads their details.
type Source interface {
	ListPullRequests(ctx context.Context, project, repo string, concurrent bool) ([]bitbucket.PullRequest, error)
	bitbucket.PullRequestReader
}

// Config configures an Engine.
type Config struct {
	Source Source
	// Cache defaults to a memory-only cache.
	Cache   *cache.Cache
	Workers int
	// ReviewZone is the zone the review time window is computed in. Nil means UTC.
	ReviewZone           *time.Location
	PrefilterMode        PrefilterMode
	SequentialPagination bool
	// LoadTimeout bounds one shared repository-month load. Defaults to 30 minutes.
	LoadTimeout time.Duration
	Logger      *zap.Logger
}

// Breakdown counts how each detail record was classified by ReviewTime.
type Breakdown struct {
	NotMerged    int `json:"not_merged"`
	NoCreation   int `json:"no_creation"`
	NoApproval   int `json:"no_approval"`
	OutsideRange int `json:"outside_range"`
	Counted      int `json:"counted"`
}

// ReviewTimeResult is the mean creation-to-first-approval time in hours.
type ReviewTimeResult struct {
	Hours     float64   `json:"hours"`
	Breakdown Breakdown `json:"breakdown"`
}

// Engine answers metric queries, loading each repository-month once and
// serving later queries from the cache.
type Engine struct {
	source        Source
	cache         *cache.Cache
	fetcher       *bitbucket.DetailFetcher
	reviewZone    *time.Location
	prefilterMode PrefilterMode
	concurrent    bool
	loadTimeout   time.Duration
	logger        *zap.Logger
	tracer        trace.Tracer

	inflight singleflight.Group
}

// NewEngine creates an engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Source == nil {
		return nil, errors.New("metrics engine requires a source")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	store := cfg.Cache
	if store == nil {
		store = cache.New(cache.Config{Logger: logger})
	}
	zone := cfg.ReviewZone
	if zone == nil {
		zone = time.UTC
	}
	mode := cfg.PrefilterMode
	if mode == "" {
		mode = PrefilterStateAndDate
	}
	loadTimeout := cfg.LoadTimeout
	if loadTimeout <= 0 {
		loadTimeout = defaultLoadTimeout
	}

	return &Engine{
		source:        cfg.Source,
		cache:         store,
		fetcher:       bitbucket.NewDetailFetcher(cfg.Source, cfg.Workers, logger),
		reviewZone:    zone,
		prefilterMode: mode,
		concurrent:    !cfg.SequentialPagination,
		loadTimeout:   loadTimeout,
		logger:        logger,
		tracer:        otel.Tracer("bitbucket-pr-metrics/internal/metrics"),
	}, nil
}

// MergedPullRequests counts pull requests merged and closed within the UTC
// calendar month.
func (e *Engine) MergedPullRequests(ctx context.Context, repository, year, month string) (int, error) {
	target, err := e.resolve(MetricMergedPullRequests, repository, year, month)
	if err != nil {
		return 0, err
	}
	entry, err := e.entry(ctx, MetricMergedPullRequests, target)
	if err != nil {
		return 0, err
	}

	window := MonthWindow(target.period, time.UTC)
	totalMerged := 0
	withClosedDate := 0
	count := 0
	for _, pr := range entry.PullRequests {
		if !pr.IsMerged() {
			continue
		}
		totalMerged++
		if pr.ClosedDate == nil {
			continue
		}
		withClosedDate++
		if window.ContainsMillis(*pr.ClosedDate) {
			count++
		}
	}

	e.logger.Info("merged pull requests counted",
		zap.String("repository", target.repository),
		zap.String("period", target.period.String()),
		zap.String("window", window.String()),
		zap.Int("merged_prs", count),
		zap.Int("merged_total", totalMerged),
		zap.Int("merged_with_closed_date", withClosedDate),
	)
	return count, nil
}

// ReviewTime averages the hours between creation and the first approval for
// merged pull requests whose first approval falls in the month, computed in
// the configured review zone. The mean is rounded to two decimals and is 0
// when nothing qualifies.
func (e *Engine) ReviewTime(ctx context.Context, repository, year, month string) (ReviewTimeResult, error) {
	target, err := e.resolve(MetricReviewTime, repository, year, month)
	if err != nil {
		return ReviewTimeResult{}, err
	}
	entry, err := e.entry(ctx, MetricReviewTime, target)
	if err != nil {
		return ReviewTimeResult{}, err
	}

	window := MonthWindow(target.period, e.reviewZone)
	result := ReviewTimeResult{}
	totalHours := 0.0
	for _, pr := range entry.PullRequests {
		if !pr.IsMerged() {
			result.Breakdown.NotMerged++
			continue
		}
		if pr.CreatedDate == nil || *pr.CreatedDate == 0 {
			result.Breakdown.NoCreation++
			continue
		}
		approval, ok := bitbucket.FirstApproval(entry.Activities[bitbucket.FormatID(pr.ID)])
		if !ok || approval.CreatedDate == 0 {
			result.Breakdown.NoApproval++
			continue
		}
		if !window.ContainsMillis(approval.CreatedDate) {
			result.Breakdown.OutsideRange++
			continue
		}
		totalHours += float64(approval.CreatedDate-*pr.CreatedDate) / float64(time.Hour/time.Millisecond)
		result.Breakdown.Counted++
	}

	if result.Breakdown.Counted > 0 {
		result.Hours = roundTo2(totalHours / float64(result.Breakdown.Counted))
	}

	e.logger.Info("review time computed",
		zap.String("repository", target.repository),
		zap.String("period", target.period.String()),
		zap.String("window", window.String()),
		zap.Float64("average_hours", result.Hours),
		zap.Int("counted", result.Breakdown.Counted),
		zap.Int("skipped_not_merged", result.Breakdown.NotMerged),
		zap.Int("skipped_no_creation", result.Breakdown.NoCreation),
		zap.Int("skipped_no_approval", result.Breakdown.NoApproval),
		zap.Int("skipped_outside_range", result.Breakdown.OutsideRange),
	)
	return result, nil
}

// Cleanup drops every cached repository-month, including the persisted snapshot.
func (e *Engine) Cleanup(ctx context.Context) error {
	return e.cache.Cleanup(ctx)
}

// CacheDescription names the cache's persistent tier.
func (e *Engine) CacheDescription() string {
	return e.cache.Describe()
}

type metricTarget struct {
	project    string
	repo       string
	repository string
	period     Period
}

func (e *Engine) resolve(metric, repository, year, month string) (metricTarget, error) {
	period, err := ParsePeriod(year, month)
	if err != nil {
		return metricTarget{}, &MetricError{Metric: metric, Repository: repository, Period: year + "-" + month, Err: err}
	}
	project, repo, err := bitbucket.ParseRepositoryPath(repository)
	if err != nil {
		return metricTarget{}, &MetricError{
			Metric:     metric,
			Repository: repository,
			Period:     period.String(),
			Err:        fmt.Errorf("%w: %v", ErrInvalidRepository, err),
		}
	}
	return metricTarget{
		project:    project,
		repo:       repo,
		repository: project + "/" + repo,
		period:     period,
	}, nil
}

// entry returns the cached detail set for target, loading it on a miss.
// Concurrent misses for the same key share one load. The load is detached from
// the caller that started it, so one caller giving up does not fail the others.
func (e *Engine) entry(ctx context.Context, metric string, t metricTarget) (cache.Entry, error) {
	key := cache.Key{Repository: t.repository, Year: t.period.YearString(), Month: t.period.MonthString()}
	if entry, ok := e.cache.Get(ctx, key); ok {
		e.logger.Info("using cached pull request data",
			zap.String("repository", t.repository),
			zap.String("period", t.period.String()),
			zap.Int("pull_requests", len(entry.PullRequests)),
			zap.Int("activity_records", len(entry.Activities)),
		)
		return entry, nil
	}

	if err := ctx.Err(); err != nil {
		return cache.Entry{}, &MetricError{Metric: metric, Repository: t.repository, Period: t.period.String(), Err: err}
	}
	results := e.inflight.DoChan(key.String(), func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.loadTimeout)
		defer cancel()
		if entry, ok := e.cache.Get(loadCtx, key); ok {
			return entry, nil
		}
		return e.load(loadCtx, t, key)
	})

	select {
	case <-ctx.Done():
		return cache.Entry{}, &MetricError{Metric: metric, Repository: t.repository, Period: t.period.String(), Err: ctx.Err()}
	case result := <-results:
		if result.Err != nil {
			return cache.Entry{}, &MetricError{Metric: metric, Repository: t.repository, Period: t.period.String(), Err: result.Err}
		}
		if result.Shared {
			e.logger.Debug("joined in-flight load", zap.String("key", key.String()))
		}
		return result.Val.(cache.Entry), nil
	}
}

func (e *Engine) load(ctx context.Context, t metricTarget, key cache.Key) (entry cache.Entry, err error) {
	ctx, span := e.tracer.Start(ctx, "metrics.engine.load", trace.WithAttributes(
		attribute.String("bitbucket.repository", t.repository),
		attribute.String("metrics.period", t.period.String()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.Int("metrics.pull_requests", len(entry.PullRequests)))
		}
		span.End()
	}()

	started := time.Now()
	e.logger.Info("fetching pull requests",
		zap.String("repository", t.repository),
		zap.String("period", t.period.String()),
		zap.Bool("concurrent", e.concurrent),
	)
	summaries, err := e.source.ListPullRequests(ctx, t.project, t.repo, e.concurrent)
	if err != nil {
		e.logger.Error("pull request listing failed", zap.String("repository", t.repository), zap.Error(err))
		return cache.Entry{}, fmt.Errorf("list pull requests: %w", err)
	}

	// Merged counts use the UTC month and review time the zone month; keep both.
	window := MonthWindow(t.period, time.UTC).Union(MonthWindow(t.period, e.reviewZone))
	kept, _ := PreFilter(summaries, window, e.prefilterMode, e.logger.With(zap.String("repository", t.repository)))
	details := e.fetcher.FetchDetails(ctx, t.project, t.repo, kept)
	if err := ctx.Err(); err != nil {
		return cache.Entry{}, err
	}

	slices.SortFunc(details.PullRequests, func(a, b bitbucket.PullRequest) int {
		return cmp.Compare(a.ID, b.ID)
	})
	entry = cache.Entry{PullRequests: details.PullRequests, Activities: details.Activities}

	// A failed snapshot write is already logged by the cache and leaves the memory tier usable.
	_ = e.cache.Put(ctx, key, entry)

	e.logger.Info("pull request data loaded",
		zap.String("repository", t.repository),
		zap.String("period", t.period.String()),
		zap.Int("listed", len(summaries)),
		zap.Int("detailed", len(entry.PullRequests)),
		zap.Duration("elapsed", time.Since(started)),
	)
	return entry, nil
}

func roundTo2(value float64) float64 {
	return math.Round(value*100) / 100
}
