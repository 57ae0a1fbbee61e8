//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cam3ron2/bitbucket-pr-metrics/internal/app"
	"github.com/cam3ron2/bitbucket-pr-metrics/internal/bitbucket"
	"github.com/cam3ron2/bitbucket-pr-metrics/internal/config"
	"github.com/cam3ron2/bitbucket-pr-metrics/internal/metrics"
	"go.uber.org/zap"
)

const fixtureToken = "e2e-token"

func utc(year int, month time.Month, day, hour int) time.Time {
	return time.Date(year, month, day, hour, 0, 0, 0, time.UTC)
}

func seedFixture(api *fakeBitbucketAPI) {
	api.AddRepository("PROJ/api",
		fixturePull{ID: 1, State: "MERGED", Created: utc(2025, time.January, 10, 0), Closed: utc(2025, time.January, 12, 0), Approvals: []time.Time{utc(2025, time.January, 11, 0), utc(2025, time.January, 11, 6)}},
		fixturePull{ID: 2, State: "MERGED", Created: utc(2025, time.January, 20, 0), Closed: utc(2025, time.January, 21, 0), Approvals: []time.Time{utc(2025, time.January, 20, 12)}},
		fixturePull{ID: 3, State: "DECLINED", Created: utc(2025, time.January, 3, 0), Closed: utc(2025, time.January, 4, 0)},
		fixturePull{ID: 4, State: "MERGED", Created: utc(2025, time.January, 30, 0), Closed: utc(2025, time.February, 2, 0), Approvals: []time.Time{utc(2025, time.February, 1, 0)}},
		fixturePull{ID: 5, State: "OPEN", Created: utc(2025, time.January, 15, 0)},
	)
	api.AddRepository("PROJ/web",
		fixturePull{ID: 7, State: "MERGED", Created: utc(2025, time.January, 5, 0), Closed: utc(2025, time.January, 6, 0), Approvals: []time.Time{utc(2025, time.January, 5, 6)}},
		fixturePull{ID: 8, State: "MERGED", Created: utc(2025, time.January, 7, 0), Closed: utc(2025, time.January, 8, 0)},
	)
}

func fixtureConfig(baseURL string, cache config.CacheConfig, projects ...string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: ":0", LogLevel: "debug"},
		Bitbucket: config.BitbucketConfig{
			BaseURL:           baseURL,
			Token:             fixtureToken,
			RequestTimeout:    5 * time.Second,
			MaxWorkers:        4,
			RequestsPerSecond: 200,
			PageSize:          2,
		},
		Metrics: config.MetricsConfig{
			ReviewTimeZone: "UTC",
			PrefilterMode:  "state_and_date",
		},
		Cache:    cache,
		Projects: projects,
	}
}

func TestRuntimeCollectsAgainstBitbucketFixture(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		cache func(t *testing.T) config.CacheConfig
	}{
		{
			name: "memory_cache",
			cache: func(_ *testing.T) config.CacheConfig {
				return config.CacheConfig{Backend: "memory"}
			},
		},
		{
			name: "file_cache",
			cache: func(t *testing.T) config.CacheConfig {
				return config.CacheConfig{Backend: "file", SnapshotPath: filepath.Join(t.TempDir(), "pr_cache.json")}
			},
		},
		{
			name: "redis_cache",
			cache: func(t *testing.T) config.CacheConfig {
				server := miniredis.RunT(t)
				return config.CacheConfig{Backend: "redis", RedisMode: "standalone", RedisAddr: server.Addr(), RedisNamespace: "e2e"}
			},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			api := newFakeBitbucketAPI(t, fixtureToken)
			seedFixture(api)

			runtime, err := app.NewRuntimeFromConfig(fixtureConfig(api.URL(), tc.cache(t), "PROJ/api", "PROJ/web"), zap.NewNop())
			if err != nil {
				t.Fatalf("NewRuntimeFromConfig() unexpected error: %v", err)
			}
			t.Cleanup(func() { _ = runtime.Close() })

			period := metrics.Period{Year: 2025, Month: time.January}
			report, err := runtime.Collect(context.Background(), period)
			if err != nil {
				t.Fatalf("Collect() unexpected error: %v", err)
			}

			if report.TotalMergedPRs != 4 {
				t.Fatalf("TotalMergedPRs = %d, want 4", report.TotalMergedPRs)
			}
			if report.TotalReviewTimeHours != 24 {
				t.Fatalf("TotalReviewTimeHours = %v, want 24", report.TotalReviewTimeHours)
			}
			apiReport := report.Repositories[0]
			if apiReport.MergedPRs != 2 || apiReport.ReviewTime.Hours != 18 || apiReport.ReviewTime.Breakdown.Counted != 2 {
				t.Fatalf("PROJ/api report = %+v, want 2 merged and 18h over 2 pull requests", apiReport)
			}
			webReport := report.Repositories[1]
			if webReport.ReviewTime.Breakdown.NoApproval != 1 {
				t.Fatalf("PROJ/web breakdown = %+v, want one pull request without approval", webReport.ReviewTime.Breakdown)
			}

			listCalls := api.Calls("list")
			if _, err := runtime.Collect(context.Background(), period); err != nil {
				t.Fatalf("second Collect() unexpected error: %v", err)
			}
			if got := api.Calls("list"); got != listCalls {
				t.Fatalf("list calls after cached collect = %d, want %d", got, listCalls)
			}

			server := httptest.NewServer(runtime.Handler())
			t.Cleanup(server.Close)

			metricsBody := fetchBody(t, server.URL+"/metrics", http.StatusOK)
			for _, want := range []string{
				`s_merged_prs{period="2025-01",repository="*"} 4`,
				`s_pr_review_time{period="2025-01",repository="PROJ/api"} 18`,
				`bitbucket_requests_total`,
			} {
				if !strings.Contains(metricsBody, want) {
					t.Fatalf("/metrics missing %q in:\n%s", want, metricsBody)
				}
			}

			var response app.MetricsResponse
			body := fetchBody(t, server.URL+"/api/v1/metrics/PROJ/web/2025-01", http.StatusOK)
			if err := json.Unmarshal([]byte(body), &response); err != nil {
				t.Fatalf("decode query response: %v", err)
			}
			if response.MergedPRs != 2 || response.PRReviewTime.Hours != 6 {
				t.Fatalf("query response = %+v, want 2 merged and 6h", response)
			}

			if err := runtime.Cleanup(context.Background()); err != nil {
				t.Fatalf("Cleanup() unexpected error: %v", err)
			}
		})
	}
}

func TestRuntimeReportsBitbucketFailures(t *testing.T) {
	t.Parallel()

	api := newFakeBitbucketAPI(t, fixtureToken)
	seedFixture(api)
	api.FailRepository("PROJ/web", http.StatusInternalServerError)

	runtime, err := app.NewRuntimeFromConfig(
		fixtureConfig(api.URL(), config.CacheConfig{Backend: "memory"}, "PROJ/api", "PROJ/web", "PROJ/missing"),
		zap.NewNop(),
	)
	if err != nil {
		t.Fatalf("NewRuntimeFromConfig() unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = runtime.Close() })

	report, err := runtime.Collect(context.Background(), metrics.Period{Year: 2025, Month: time.January})
	if err == nil {
		t.Fatalf("Collect() expected error, got nil")
	}
	var apiErr *bitbucket.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Collect() error = %v, want *bitbucket.APIError in chain", err)
	}
	if report.Failures != 4 {
		t.Fatalf("Failures = %d, want 4", report.Failures)
	}
	if report.TotalMergedPRs != 2 {
		t.Fatalf("TotalMergedPRs = %d, want 2", report.TotalMergedPRs)
	}

	server := httptest.NewServer(runtime.Handler())
	t.Cleanup(server.Close)

	fetchBody(t, server.URL+"/api/v1/metrics/PROJ/missing/2025-01", http.StatusNotFound)
	fetchBody(t, server.URL+"/api/v1/metrics/PROJ/web/2025-01", http.StatusBadGateway)
	healthBody := fetchBody(t, server.URL+"/healthz", http.StatusOK)
	if !strings.Contains(healthBody, `"mode":"degraded"`) {
		t.Fatalf("/healthz = %s, want degraded", healthBody)
	}
}

func TestRuntimeRejectsWrongToken(t *testing.T) {
	t.Parallel()

	api := newFakeBitbucketAPI(t, "other-token")
	seedFixture(api)

	runtime, err := app.NewRuntimeFromConfig(fixtureConfig(api.URL(), config.CacheConfig{Backend: "memory"}, "PROJ/api"), zap.NewNop())
	if err != nil {
		t.Fatalf("NewRuntimeFromConfig() unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = runtime.Close() })

	_, err = runtime.Collect(context.Background(), metrics.Period{Year: 2025, Month: time.January})
	var apiErr *bitbucket.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Collect() error = %v, want 401 APIError", err)
	}
}

func fetchBody(t *testing.T, url string, wantStatus int) string {
	t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("NewRequest(%s): %v", url, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read %s: %v", url, err)
	}
	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s status = %d, want %d: %s", url, resp.StatusCode, wantStatus, fmt.Sprint(string(body)))
	}
	return string(body)
}
