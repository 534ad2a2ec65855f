// Package metrics exposes Prometheus collectors for the scrub pipeline and
// the relay. Every method is safe to call on a nil *Metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes counters/histograms for scrub, restore and relay flows.
type Metrics struct {
	scrubTotal     *prometheus.CounterVec
	scrubLatency   *prometheus.HistogramVec
	detectLatency  *prometheus.HistogramVec
	restoreTotal   *prometheus.CounterVec
	unmatchedTotal prometheus.Counter
	spansTotal     *prometheus.CounterVec
	activeScopes   prometheus.Gauge
	relayTotal     *prometheus.CounterVec
	relayLatency   prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		scrubTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zeroveil",
			Subsystem: "sanitize",
			Name:      "scrub_total",
			Help:      "Total scrub calls",
		}, []string{"mode", "status"}),
		scrubLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "zeroveil",
			Subsystem: "sanitize",
			Name:      "scrub_latency_seconds",
			Help:      "Latency of scrub calls including detection",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode"}),
		detectLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "zeroveil",
			Subsystem: "sanitize",
			Name:      "detect_latency_seconds",
			Help:      "Latency of the detector stage",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		restoreTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zeroveil",
			Subsystem: "sanitize",
			Name:      "restore_total",
			Help:      "Total restore calls",
		}, []string{"status"}),
		unmatchedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zeroveil",
			Subsystem: "sanitize",
			Name:      "unmatched_tokens_total",
			Help:      "Token-shaped substrings left unrestored",
		}),
		spansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zeroveil",
			Subsystem: "sanitize",
			Name:      "spans_total",
			Help:      "Spans replaced with tokens, by category",
		}, []string{"category"}),
		activeScopes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "zeroveil",
			Subsystem: "sanitize",
			Name:      "active_scopes",
			Help:      "Scopes currently held in memory",
		}),
		relayTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zeroveil",
			Subsystem: "relay",
			Name:      "requests_total",
			Help:      "Upstream completion requests",
		}, []string{"status"}),
		relayLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "zeroveil",
			Subsystem: "relay",
			Name:      "latency_seconds",
			Help:      "Latency of upstream completion requests including retries",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.scrubTotal, m.scrubLatency, m.detectLatency, m.restoreTotal,
		m.unmatchedTotal, m.spansTotal, m.activeScopes, m.relayTotal, m.relayLatency)
	return m
}

func (m *Metrics) ObserveScrub(mode, status string, seconds float64) {
	if m == nil {
		return
	}
	m.scrubTotal.WithLabelValues(mode, status).Inc()
	m.scrubLatency.WithLabelValues(mode).Observe(seconds)
}

func (m *Metrics) ObserveDetect(status string, seconds float64) {
	if m == nil {
		return
	}
	m.detectLatency.WithLabelValues(status).Observe(seconds)
}

func (m *Metrics) ObserveRestore(status string, unmatched int) {
	if m == nil {
		return
	}
	m.restoreTotal.WithLabelValues(status).Inc()
	if unmatched > 0 {
		m.unmatchedTotal.Add(float64(unmatched))
	}
}

// ObserveSpan counts one replaced span. Only the category is recorded.
func (m *Metrics) ObserveSpan(category string) {
	if m == nil {
		return
	}
	m.spansTotal.WithLabelValues(category).Inc()
}

func (m *Metrics) SetActiveScopes(n int) {
	if m == nil {
		return
	}
	m.activeScopes.Set(float64(n))
}

func (m *Metrics) ObserveRelay(status string, seconds float64) {
	if m == nil {
		return
	}
	m.relayTotal.WithLabelValues(status).Inc()
	m.relayLatency.Observe(seconds)
}
