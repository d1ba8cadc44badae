package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig controls metric registration.
type MetricsConfig struct {
	Enabled   bool
	Namespace string
}

// Metrics owns the engine's Prometheus collectors. A nil *Metrics and a
// disabled one are both valid and record nothing.
type Metrics struct {
	registry *prometheus.Registry

	fetches       *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	cacheLookups  *prometheus.CounterVec
	saves         *prometheus.CounterVec
	unknownKinds  *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	builderActive prometheus.Gauge
}

// NewMetrics creates and registers the collectors.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return &Metrics{}
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = "pagecraft"
	}

	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "page_fetches_total",
			Help:      "Page fetches by outcome (found, not_found, error).",
		}, []string{"outcome"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "page_fetch_duration_seconds",
			Help:      "Latency of page fetches that reached the source.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "page_cache_lookups_total",
			Help:      "Page cache lookups by result (hit, stale, miss).",
		}, []string{"result"}),
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "page_saves_total",
			Help:      "Page saves by outcome (ok, conflict, invalid, error).",
		}, []string{"outcome"}),
		unknownKinds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "render_unknown_kind_total",
			Help:      "Nodes rendered with the unknown-kind placeholder.",
		}, []string{"kind"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern, method and status.",
		}, []string{"route", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		builderActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "builder_sessions_active",
			Help:      "Open builder websocket sessions.",
		}),
	}

	reg.MustRegister(
		m.fetches, m.fetchDuration, m.cacheLookups, m.saves, m.unknownKinds,
		m.httpRequests, m.httpDuration, m.builderActive,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) enabled() bool { return m != nil && m.registry != nil }

// Registry returns the underlying registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if !m.enabled() {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveFetch records a fetch that went to the source.
func (m *Metrics) ObserveFetch(outcome string, d time.Duration) {
	if !m.enabled() {
		return
	}
	m.fetches.WithLabelValues(outcome).Inc()
	m.fetchDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// CacheLookup records a cache hit, stale hit or miss.
func (m *Metrics) CacheLookup(result string) {
	if !m.enabled() {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// Save records a save outcome.
func (m *Metrics) Save(outcome string) {
	if !m.enabled() {
		return
	}
	m.saves.WithLabelValues(outcome).Inc()
}

// UnknownKind records a placeholder render.
func (m *Metrics) UnknownKind(kind string) {
	if !m.enabled() {
		return
	}
	m.unknownKinds.WithLabelValues(kind).Inc()
}

// HTTPRequest records a served request.
func (m *Metrics) HTTPRequest(route, method, status string, d time.Duration) {
	if !m.enabled() {
		return
	}
	m.httpRequests.WithLabelValues(route, method, status).Inc()
	m.httpDuration.WithLabelValues(route, method).Observe(d.Seconds())
}

// BuilderSessions adjusts the open session gauge by delta.
func (m *Metrics) BuilderSessions(delta int) {
	if !m.enabled() {
		return
	}
	m.builderActive.Add(float64(delta))
}
