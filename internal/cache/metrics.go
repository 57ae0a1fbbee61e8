package cache

import "github.com/prometheus/client_golang/prometheus"

const (
	tierMemory   = "memory"
	tierSnapshot = "snapshot"
)

// Metrics holds cache instruments. A nil *Metrics records nothing.
type Metrics struct {
	hits     *prometheus.CounterVec
	misses   prometheus.Counter
	ioErrors *prometheus.CounterVec
}

// NewMetrics creates and registers cache instruments on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	metrics := &Metrics{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pr_metrics_cache_hits_total",
			Help: "Cache hits by tier.",
		}, []string{"tier"}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pr_metrics_cache_misses_total",
			Help: "Cache lookups that required a fetch.",
		}),
		ioErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pr_metrics_cache_io_errors_total",
			Help: "Snapshot read, write and remove failures.",
		}, []string{"op"}),
	}
	if reg == nil {
		return metrics, nil
	}
	for _, collector := range []prometheus.Collector{metrics.hits, metrics.misses, metrics.ioErrors} {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}
	return metrics, nil
}

func (m *Metrics) hit(tier string) {
	if m == nil {
		return
	}
	m.hits.WithLabelValues(tier).Inc()
}

func (m *Metrics) miss() {
	if m == nil {
		return
	}
	m.misses.Inc()
}

func (m *Metrics) ioError(op string) {
	if m == nil {
		return
	}
	m.ioErrors.WithLabelValues(op).Inc()
}
