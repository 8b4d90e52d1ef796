// Package metrics exposes Kanri's Prometheus counters on a private registry.
// All methods are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kanri"

// Metrics holds the registered collectors.
type Metrics struct {
	reg *prometheus.Registry

	messages      *prometheus.CounterVec
	dispatches    *prometheus.CounterVec
	parseDuration *prometheus.HistogramVec
	pending       prometheus.Gauge
	syncRuns      *prometheus.CounterVec
}

// New creates a registry with the Go and process collectors plus Kanri's own.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		reg: reg,
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound chat messages by source and result.",
		}, []string{"source", "result"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Dispatched actions by kind and outcome.",
		}, []string{"kind", "outcome"}),
		parseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "parse_duration_seconds",
			Help:      "Time spent turning a message into an intent.",
			Buckets:   []float64{.001, .01, .1, .5, 1, 2, 5, 10, 30},
		}, []string{"kind"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_disambiguations",
			Help:      "Outstanding disambiguation prompts.",
		}),
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Maintenance job runs by job and result.",
		}, []string{"job", "result"}),
	}
	reg.MustRegister(m.messages, m.dispatches, m.parseDuration, m.pending, m.syncRuns)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Message counts one inbound message.
func (m *Metrics) Message(source, result string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(source, result).Inc()
}

// Dispatch counts one dispatch outcome.
func (m *Metrics) Dispatch(kind, outcome string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(kind, outcome).Inc()
}

// ObserveParse records how long parsing took.
func (m *Metrics) ObserveParse(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.parseDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// SetPending sets the pending disambiguation gauge.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// SyncRun counts one maintenance job run.
func (m *Metrics) SyncRun(job string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.syncRuns.WithLabelValues(job, result).Inc()
}
