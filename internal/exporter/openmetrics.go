// Package exporter renders collected metric points as OpenMetrics.
package exporter

import (
	"context"
	"net/http"
	"sort"

	"github.com/cam3ron2/bitbucket-pr-metrics/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SnapshotReader reads metric snapshots.
type SnapshotReader interface {
	Snapshot(ctx context.Context) []store.MetricPoint
}

// NewOpenMetricsHandler returns a handler that renders store snapshots through
// the Prometheus OpenMetrics encoder. Collectors already registered on
// registry are served alongside the snapshot. A nil registry starts empty.
func NewOpenMetricsHandler(reader SnapshotReader, registry *prometheus.Registry, help map[string]string) http.Handler {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	registry.MustRegister(&snapshotCollector{reader: reader, help: help})

	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

type snapshotCollector struct {
	reader SnapshotReader
	help   map[string]string
}

func (c *snapshotCollector) Describe(_ chan<- *prometheus.Desc) {}

func (c *snapshotCollector) Collect(ch chan<- prometheus.Metric) {
	if c == nil || c.reader == nil {
		return
	}

	for _, point := range c.reader.Snapshot(context.Background()) {
		if point.Name == "" {
			continue
		}

		labelKeys := make([]string, 0, len(point.Labels))
		for key := range point.Labels {
			labelKeys = append(labelKeys, key)
		}
		sort.Strings(labelKeys)

		labelValues := make([]string, 0, len(labelKeys))
		for _, key := range labelKeys {
			labelValues = append(labelValues, point.Labels[key])
		}

		help := c.help[point.Name]
		if help == "" {
			help = point.Name
		}
		desc := prometheus.NewDesc(point.Name, help, labelKeys, nil)
		metric, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, point.Value, labelValues...)
		if err != nil {
			continue
		}
		ch <- metric
	}
}
