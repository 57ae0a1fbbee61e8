// Package store keeps the latest collected metric values for export.
package store

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"
)

// MetricPoint is a single metric sample.
type MetricPoint struct {
	Name      string
	Labels    map[string]string
	Value     float64
	UpdatedAt time.Time
}

// Store records metric points and returns them for export.
type Store interface {
	UpsertMetric(ctx context.Context, point MetricPoint) error
	Snapshot(ctx context.Context) []MetricPoint
}

// MemoryStore is an in-memory metric store.
type MemoryStore struct {
	mu        sync.RWMutex
	maxSeries int
	metrics   map[string]MetricPoint
}

// NewMemoryStore creates a memory store. maxSeries <= 0 means unbounded.
func NewMemoryStore(maxSeries int) *MemoryStore {
	return &MemoryStore{
		maxSeries: maxSeries,
		metrics:   make(map[string]MetricPoint),
	}
}

// UpsertMetric inserts or replaces the series identified by name and labels.
func (s *MemoryStore) UpsertMetric(_ context.Context, point MetricPoint) error {
	if err := validatePoint(point); err != nil {
		return err
	}

	key := metricKey(point.Name, point.Labels)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.metrics[key]; !exists && s.maxSeries > 0 && len(s.metrics) >= s.maxSeries {
		return fmt.Errorf("max series budget exceeded")
	}
	s.metrics[key] = clonePoint(point)
	return nil
}

// Snapshot returns all metrics sorted by series key.
func (s *MemoryStore) Snapshot(_ context.Context) []MetricPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]MetricPoint, 0, len(s.metrics))
	for _, point := range s.metrics {
		result = append(result, clonePoint(point))
	}
	sortPoints(result)
	return result
}

func validatePoint(point MetricPoint) error {
	if point.Name == "" {
		return fmt.Errorf("metric name is required")
	}
	if point.UpdatedAt.IsZero() {
		return fmt.Errorf("metric updated time is required")
	}
	return nil
}

func clonePoint(point MetricPoint) MetricPoint {
	return MetricPoint{
		Name:      point.Name,
		Labels:    maps.Clone(point.Labels),
		Value:     point.Value,
		UpdatedAt: point.UpdatedAt,
	}
}

func sortPoints(points []MetricPoint) {
	sort.Slice(points, func(i, j int) bool {
		return metricKey(points[i].Name, points[i].Labels) < metricKey(points[j].Name, points[j].Labels)
	})
}

func metricKey(name string, labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for key := range labels {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	builder := strings.Builder{}
	builder.WriteString(name)
	builder.WriteString("|")
	for _, key := range keys {
		builder.WriteString(key)
		builder.WriteString("=")
		builder.WriteString(labels[key])
		builder.WriteString(";")
	}
	return builder.String()
}
