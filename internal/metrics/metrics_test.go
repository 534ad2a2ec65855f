package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ObserveScrub("deterministic", "ok", 0.01)
	m.ObserveDetect("ok", 0.005)
	m.ObserveRestore("ok", 2)
	m.ObserveSpan("EMAIL_ADDRESS")
	m.SetActiveScopes(3)
	m.ObserveRelay("ok", 1.2)

	families, err := reg.Gather()
	require.NoError(t, err)
	byName := map[string]float64{}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				byName[f.GetName()] += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				byName[f.GetName()] = metric.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, 1.0, byName["zeroveil_sanitize_scrub_total"])
	assert.Equal(t, 2.0, byName["zeroveil_sanitize_unmatched_tokens_total"])
	assert.Equal(t, 1.0, byName["zeroveil_sanitize_spans_total"])
	assert.Equal(t, 3.0, byName["zeroveil_sanitize_active_scopes"])
	assert.Equal(t, 1.0, byName["zeroveil_relay_requests_total"])
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveScrub("deterministic", "ok", 0.1)
	m.ObserveDetect("ok", 0.1)
	m.ObserveRestore("expired", 0)
	m.ObserveSpan("URL")
	m.SetActiveScopes(1)
	m.ObserveRelay("error", 0.1)
}
