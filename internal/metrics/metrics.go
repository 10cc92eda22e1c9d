// Package metrics holds the engine's Prometheus instruments.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine, queue and SSE instruments. A nil *Metrics is
// valid and turns every method into a no-op, so callers wire it
// unconditionally.
type Metrics struct {
	activeRuns      prometheus.Gauge
	queueDepth      prometheus.Gauge
	sseClients      prometheus.Gauge
	eventsEmitted   *prometheus.CounterVec
	gateFailures    prometheus.Counter
	dispatchRetries prometheus.Counter
	runsFinished    *prometheus.CounterVec
	runDuration     prometheus.Histogram
	blockDuration   prometheus.Histogram
}

// New creates and registers the instruments with the given registry.
func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "weft_active_runs",
			Help: "Current number of live run executors",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "weft_queue_depth",
			Help: "Current number of pending queue entries",
		}),
		sseClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "weft_sse_clients",
			Help: "Current number of connected SSE clients",
		}),
		eventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weft_events_emitted_total",
			Help: "Total number of run events emitted by type",
		}, []string{"type"}),
		gateFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weft_gate_failures_total",
			Help: "Total number of failed gate evaluations",
		}),
		dispatchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weft_dispatch_retries_total",
			Help: "Total number of block dispatch retries",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weft_runs_finished_total",
			Help: "Total number of runs settled by terminal status",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "weft_run_duration_seconds",
			Help:    "Wall time from run start to terminal status",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		blockDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "weft_block_duration_seconds",
			Help:    "Wall time from block start to settlement",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
	}

	registry.MustRegister(
		m.activeRuns,
		m.queueDepth,
		m.sseClients,
		m.eventsEmitted,
		m.gateFailures,
		m.dispatchRetries,
		m.runsFinished,
		m.runDuration,
		m.blockDuration,
	)

	return m
}

// RunStarted increments the live executor count.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.activeRuns.Inc()
}

// RunFinished records a settled run with its terminal status and duration.
func (m *Metrics) RunFinished(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.activeRuns.Dec()
	m.runsFinished.WithLabelValues(status).Inc()
	m.runDuration.Observe(duration.Seconds())
}

// SetQueueDepth reports the current pending queue size.
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// ClientConnected increments the connected SSE client count.
func (m *Metrics) ClientConnected() {
	if m == nil {
		return
	}
	m.sseClients.Inc()
}

// ClientDisconnected decrements the connected SSE client count.
func (m *Metrics) ClientDisconnected() {
	if m == nil {
		return
	}
	m.sseClients.Dec()
}

// EventEmitted increments the event counter for the given type.
func (m *Metrics) EventEmitted(eventType string) {
	if m == nil {
		return
	}
	m.eventsEmitted.WithLabelValues(eventType).Inc()
}

// GateFailures adds failed gate evaluations.
func (m *Metrics) GateFailures(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.gateFailures.Add(float64(count))
}

// DispatchRetried increments the retry counter.
func (m *Metrics) DispatchRetried() {
	if m == nil {
		return
	}
	m.dispatchRetries.Inc()
}

// BlockSettled records a block's wall time.
func (m *Metrics) BlockSettled(duration time.Duration) {
	if m == nil {
		return
	}
	m.blockDuration.Observe(duration.Seconds())
}
