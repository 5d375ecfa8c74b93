// Package metrics exposes sync health as Prometheus collectors on a
// private registry.
//
// All methods are safe on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fieldsync"

// Metrics holds every collector the agent publishes.
type Metrics struct {
	registry *prometheus.Registry

	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	lastSuccess   prometheus.Gauge
	ingested      *prometheus.CounterVec
	pushed        *prometheus.CounterVec
	pending       prometheus.Gauge
	breakerState  prometheus.Gauge
}

// New registers the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_cycles_total",
			Help:      "Sync cycles by outcome (ok or the failure code).",
		}, []string{"outcome"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_cycle_duration_seconds",
			Help:      "Wall time of completed sync cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_last_success_timestamp_seconds",
			Help:      "Unix time of the last successful sync cycle.",
		}),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingested_rows_total",
			Help:      "Rows written by bundle ingestion, by table kind.",
		}, []string{"kind"}),
		pushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pushed_operations_total",
			Help:      "Operations delivered by the push phase, by resulting status.",
		}, []string{"status"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_operations",
			Help:      "Operation log entries still PENDING after the last cycle.",
		}),
		breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "remote_breaker_state",
			Help:      "Circuit breaker position: 0 closed, 1 open, 2 half-open.",
		}),
	}
	m.registry.MustRegister(
		m.cycles, m.cycleDuration, m.lastSuccess, m.ingested,
		m.pushed, m.pending, m.breakerState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCycle records a finished cycle. outcome is "ok" or a fault code.
func (m *Metrics) ObserveCycle(outcome string, d time.Duration, at time.Time) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		m.cycleDuration.Observe(d.Seconds())
		m.lastSuccess.Set(float64(at.Unix()))
	} else if outcome != "BUSY" {
		m.cycleDuration.Observe(d.Seconds())
	}
}

// AddIngested counts rows written for one kind ("blueprint" for the
// blueprints table).
func (m *Metrics) AddIngested(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ingested.WithLabelValues(kind).Add(float64(n))
}

// AddPushed counts push outcomes.
func (m *Metrics) AddPushed(synced, failed int) {
	if m == nil {
		return
	}
	if synced > 0 {
		m.pushed.WithLabelValues("SYNCED").Add(float64(synced))
	}
	if failed > 0 {
		m.pushed.WithLabelValues("FAILED").Add(float64(failed))
	}
}

// SetPending publishes the pending queue depth.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// SetBreakerState publishes the breaker position as its ordinal.
func (m *Metrics) SetBreakerState(ordinal int) {
	if m == nil {
		return
	}
	m.breakerState.Set(float64(ordinal))
}
