package exporter

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cam3ron2/bitbucket-pr-metrics/internal/store"
)

func BenchmarkOpenMetricsHandlerRepositories(b *testing.B) {
	now := time.Unix(1739836800, 0)
	memStore := store.NewMemoryStore(0)

	const (
		projects        = 20
		reposPerProject = 50
		months          = 12
	)

	for projectIndex := range projects {
		for repoIndex := range reposPerProject {
			repository := fmt.Sprintf("PROJ%d/repo-%d", projectIndex, repoIndex)
			for month := range months {
				labels := map[string]string{
					"repository": repository,
					"period":     fmt.Sprintf("2025-%02d", month+1),
				}
				addBenchmarkMetric(b, memStore, now, "s_merged_prs", labels, float64(repoIndex))
				addBenchmarkMetric(b, memStore, now, "s_pr_review_time", labels, float64(month)+0.5)
			}
		}
	}

	handler := NewOpenMetricsHandler(memStore, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Accept", "application/openmetrics-text")

	b.ReportAllocs()
	b.ResetTimer()
	for range b.N {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			b.Fatalf("status code = %d, want %d", rec.Code, http.StatusOK)
		}
	}
}

func addBenchmarkMetric(
	b *testing.B,
	memStore *store.MemoryStore,
	now time.Time,
	name string,
	labels map[string]string,
	value float64,
) {
	err := memStore.UpsertMetric(context.Background(), store.MetricPoint{
		Name:      name,
		Labels:    labels,
		Value:     value,
		UpdatedAt: now,
	})
	if err != nil {
		b.Fatalf("UpsertMetric() unexpected error: %v", err)
	}
}
