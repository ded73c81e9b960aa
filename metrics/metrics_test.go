package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollectorStartsEmpty(t *testing.T) {
	c := NewCollector()
	snap := c.LatencySnapshot()
	assert.Equal(t, int64(0), snap.Count)
}

func TestObserveRenderRecordsCountAndLatency(t *testing.T) {
	c := NewCollector()

	c.ObserveRender(OutcomeOK, 2*time.Millisecond)
	c.ObserveRender(OutcomeError, 5*time.Millisecond)
	c.ObserveRender(OutcomeCancelled, 1*time.Millisecond)

	snap := c.LatencySnapshot()
	assert.Equal(t, int64(3), snap.Count)
	assert.GreaterOrEqual(t, snap.Max, int64(4900), "max latency should reflect the slowest observed render (microseconds)")
}

func TestObserveRenderIncrementsOutcomeCounter(t *testing.T) {
	c := NewCollector()
	reg := prometheus.NewRegistry()
	c.MustRegister(reg)

	c.ObserveRender(OutcomeOK, time.Millisecond)
	c.ObserveRender(OutcomeOK, time.Millisecond)
	c.ObserveRender(OutcomeError, time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)

	var renders *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == "kestrel_renders_total" {
			renders = f
		}
	}
	require.NotNil(t, renders)

	counts := map[string]float64{}
	for _, m := range renders.Metric {
		for _, l := range m.Label {
			if l.GetName() == "outcome" {
				counts[l.GetValue()] = m.Counter.GetValue()
			}
		}
	}
	assert.Equal(t, float64(2), counts["ok"])
	assert.Equal(t, float64(1), counts["error"])
}

func TestSetCompiledTemplatesUpdatesGauge(t *testing.T) {
	c := NewCollector()
	reg := prometheus.NewRegistry()
	c.MustRegister(reg)

	c.SetCompiledTemplates(7)

	families, err := reg.Gather()
	require.NoError(t, err)

	var gauge *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == "kestrel_compiled_templates" {
			gauge = f
		}
	}
	require.NotNil(t, gauge)
	require.Len(t, gauge.Metric, 1)
	assert.Equal(t, float64(7), gauge.Metric[0].Gauge.GetValue())
}

func TestMustRegisterPanicsOnDuplicateRegistration(t *testing.T) {
	c1 := NewCollector()
	c2 := NewCollector()
	reg := prometheus.NewRegistry()
	c1.MustRegister(reg)

	assert.Panics(t, func() { c2.MustRegister(reg) })
}
