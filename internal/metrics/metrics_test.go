package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestCollector_CountersIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.Hits.Inc()
	c.Hits.Inc()
	c.Misses.Inc()

	assert.Equal(t, 2.0, counterValue(t, c.Hits))
	assert.Equal(t, 1.0, counterValue(t, c.Misses))
}

func TestCollector_GaugesSetAndReflectLatestValue(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.ConnectionsGauge.Set(3)
	c.ConnectionsGauge.Set(5)

	assert.Equal(t, 5.0, gaugeValue(t, c.ConnectionsGauge))
}

func TestCollector_TimeSnapshotSaveRecordsAnObservation(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	done := c.TimeSnapshotSave()
	done()

	var m dto.Metric
	require.NoError(t, c.SnapshotSaveSeconds.(prometheus.Histogram).Write(&m))
	assert.EqualValues(t, 1, m.GetHistogram().GetSampleCount())
}
