package bitbucket

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ClientMetrics holds Prometheus instruments for outbound Bitbucket requests.
// A nil *ClientMetrics is valid and records nothing.
type ClientMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewClientMetrics creates and registers request instruments on reg.
func NewClientMetrics(reg prometheus.Registerer) (*ClientMetrics, error) {
	metrics := &ClientMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bitbucket_requests_total",
			Help: "Bitbucket REST requests by endpoint kind and outcome.",
		}, []string{"kind", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bitbucket_request_duration_seconds",
			Help:    "Bitbucket REST request latency excluding rate limiter wait.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
	}
	if reg == nil {
		return metrics, nil
	}
	for _, collector := range []prometheus.Collector{metrics.requests, metrics.duration} {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}
	return metrics, nil
}

func (m *ClientMetrics) observe(kind, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(kind, outcome).Inc()
	if elapsed > 0 {
		m.duration.WithLabelValues(kind).Observe(elapsed.Seconds())
	}
}
