package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersInstruments(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	m := New(registry)
	require.NotNil(t, m)

	m.RunStarted()
	m.SetQueueDepth(3)
	m.EventEmitted("run:start")

	families, err := registry.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, family := range families {
		names[family.GetName()] = true
	}
	assert.True(t, names["weft_active_runs"])
	assert.True(t, names["weft_queue_depth"])
	assert.True(t, names["weft_events_emitted_total"])
}

func TestRunLifecycleCounts(t *testing.T) {
	t.Parallel()

	m := New(prometheus.NewRegistry())

	m.RunStarted()
	m.RunStarted()
	assert.Equal(t, float64(2), gaugeValue(t, m.activeRuns))

	m.RunFinished("completed", 120*time.Millisecond)
	assert.Equal(t, float64(1), gaugeValue(t, m.activeRuns))
	assert.Equal(t, float64(1), counterValue(t, m.runsFinished, "completed"))

	m.RunFinished("failed", time.Second)
	assert.Equal(t, float64(0), gaugeValue(t, m.activeRuns))
	assert.Equal(t, float64(1), counterValue(t, m.runsFinished, "failed"))
}

func TestEventAndGateCounters(t *testing.T) {
	t.Parallel()

	m := New(prometheus.NewRegistry())

	m.EventEmitted("block:start")
	m.EventEmitted("block:start")
	m.EventEmitted("block:complete")
	assert.Equal(t, float64(2), counterValue(t, m.eventsEmitted, "block:start"))
	assert.Equal(t, float64(1), counterValue(t, m.eventsEmitted, "block:complete"))

	m.GateFailures(2)
	m.GateFailures(0)
	m.GateFailures(-1)
	var metric dto.Metric
	require.NoError(t, m.gateFailures.Write(&metric))
	assert.Equal(t, float64(2), metric.GetCounter().GetValue())
}

func TestNilSafety(t *testing.T) {
	t.Parallel()

	var m *Metrics
	assert.NotPanics(t, func() {
		m.RunStarted()
		m.RunFinished("completed", time.Second)
		m.SetQueueDepth(1)
		m.ClientConnected()
		m.ClientDisconnected()
		m.EventEmitted("run:start")
		m.GateFailures(1)
		m.DispatchRetried()
		m.BlockSettled(time.Second)
	})
}

func gaugeValue(t *testing.T, gauge prometheus.Gauge) float64 {
	t.Helper()
	var metric dto.Metric
	require.NoError(t, gauge.Write(&metric))
	return metric.GetGauge().GetValue()
}

func counterValue(t *testing.T, counter *prometheus.CounterVec, label string) float64 {
	t.Helper()
	c, err := counter.GetMetricWithLabelValues(label)
	require.NoError(t, err)
	var metric dto.Metric
	require.NoError(t, c.Write(&metric))
	return metric.GetCounter().GetValue()
}
