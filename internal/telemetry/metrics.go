package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/HanTheDev/orbit-gateway/internal/breaker"
	"github.com/HanTheDev/orbit-gateway/internal/pool"
	"github.com/HanTheDev/orbit-gateway/internal/ratelimit"
	"github.com/HanTheDev/orbit-gateway/internal/registry"
)

type Metrics struct {
	Requests           *prometheus.CounterVec
	StageTransitions   *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec
	RateLimitRejects   *prometheus.CounterVec
	RegistryEvents     *prometheus.CounterVec
}

// NewMetrics registers the gateway collectors on reg. Tests pass a fresh
// prometheus.NewRegistry().
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orbit_requests_total",
			Help: "Chat requests by adapter and outcome (ok or error kind).",
		}, []string{"adapter", "outcome"}),
		StageTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orbit_stage_transitions_total",
			Help: "Pipeline stage transitions.",
		}, []string{"stage"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orbit_request_duration_seconds",
			Help:    "End to end pipeline latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"adapter"}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orbit_breaker_state",
			Help: "Circuit breaker state per adapter (0 closed, 1 open, 2 half open).",
		}, []string{"adapter"}),
		BreakerTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orbit_breaker_transitions_total",
			Help: "Circuit breaker transitions by target state.",
		}, []string{"adapter", "to"}),
		RateLimitRejects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orbit_ratelimit_rejections_total",
			Help: "Requests rejected by the rate limiter.",
		}, []string{"scope"}),
		RegistryEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orbit_registry_events_total",
			Help: "Adapter registry change events.",
		}, []string{"type"}),
	}
}

// BreakerListener records transitions. It runs under the breaker lock and
// only touches prometheus collectors.
func (m *Metrics) BreakerListener() breaker.Listener {
	return func(name string, _, to breaker.State) {
		m.BreakerState.WithLabelValues(name).Set(float64(to))
		m.BreakerTransitions.WithLabelValues(name, to.String()).Inc()
	}
}

func (m *Metrics) RegistryListener() func(registry.Event) {
	return func(ev registry.Event) {
		m.RegistryEvents.WithLabelValues(string(ev.Type)).Inc()
	}
}

func (m *Metrics) RateLimitRejected(scope ratelimit.Scope) {
	m.RateLimitRejects.WithLabelValues(string(scope)).Inc()
}

// PoolCollector exposes connection pool references per datasource kind at
// scrape time.
type PoolCollector struct {
	stats func() pool.Stats
	refs  *prometheus.Desc
	keys  *prometheus.Desc
}

func NewPoolCollector(stats func() pool.Stats) *PoolCollector {
	return &PoolCollector{
		stats: stats,
		refs:  prometheus.NewDesc("orbit_pool_references", "Outstanding pool references per datasource kind.", []string{"kind"}, nil),
		keys:  prometheus.NewDesc("orbit_pool_handles", "Open pooled handles per datasource kind.", []string{"kind"}, nil),
	}
}

func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.refs
	ch <- c.keys
}

func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	refs := make(map[string]int)
	handles := make(map[string]int)
	for _, ks := range c.stats().Keys {
		refs[ks.Kind] += ks.References
		handles[ks.Kind]++
	}
	for kind, n := range refs {
		ch <- prometheus.MustNewConstMetric(c.refs, prometheus.GaugeValue, float64(n), kind)
		ch <- prometheus.MustNewConstMetric(c.keys, prometheus.GaugeValue, float64(handles[kind]), kind)
	}
}
