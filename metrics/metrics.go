// Package metrics instruments template renders for callers who want
// Prometheus scraping and/or percentile latency without scraping.
//
// It is opt-in: an Environment with metrics disabled (the default) pays a
// single nil check per render and nothing else.
package metrics

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome classifies how a render finished, for the renders_total counter's
// "outcome" label.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeError     Outcome = "error"
	OutcomeCancelled Outcome = "cancelled"
)

// Collector holds the Prometheus series and HDR histogram a render records
// into. The zero value is not usable; construct with NewCollector.
type Collector struct {
	rendersTotal       *prometheus.CounterVec
	renderDuration     prometheus.Histogram
	compiledTemplates  prometheus.Gauge

	mu   sync.Mutex
	hist *hdrhistogram.Histogram
}

// NewCollector creates a Collector with its own metric instances. Call
// MustRegister to attach them to a Prometheus registry.
func NewCollector() *Collector {
	return &Collector{
		rendersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_renders_total",
			Help: "Total number of template renders, by outcome.",
		}, []string{"outcome"}),
		renderDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kestrel_render_duration_seconds",
			Help:    "Render latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		compiledTemplates: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kestrel_compiled_templates",
			Help: "Number of templates currently cached in the environment.",
		}),
		// 1 microsecond floor, 10 second ceiling, 3 significant digits
		// of precision -- ample for render latencies measured in micros
		// to low hundreds of millis.
		hist: hdrhistogram.New(1, 10_000_000, 3),
	}
}

// MustRegister registers this Collector's series with reg. Panics if a
// series of the same name is already registered, matching
// prometheus.MustRegister's own behavior.
func (c *Collector) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(c.rendersTotal, c.renderDuration, c.compiledTemplates)
}

// ObserveRender records one render's outcome and wall-clock duration.
func (c *Collector) ObserveRender(outcome Outcome, d time.Duration) {
	c.rendersTotal.WithLabelValues(string(outcome)).Inc()
	c.renderDuration.Observe(d.Seconds())

	c.mu.Lock()
	c.hist.RecordValue(d.Microseconds())
	c.mu.Unlock()
}

// SetCompiledTemplates updates the compiled-template-count gauge.
func (c *Collector) SetCompiledTemplates(n int) {
	c.compiledTemplates.Set(float64(n))
}

// LatencySnapshot reports render-latency percentiles (in microseconds)
// without requiring a Prometheus scrape.
type LatencySnapshot struct {
	P50, P90, P99, Max int64
	Count              int64
}

// LatencySnapshot returns the current HDR histogram percentiles.
func (c *Collector) LatencySnapshot() LatencySnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return LatencySnapshot{
		P50:   c.hist.ValueAtQuantile(50),
		P90:   c.hist.ValueAtQuantile(90),
		P99:   c.hist.ValueAtQuantile(99),
		Max:   c.hist.Max(),
		Count: c.hist.TotalCount(),
	}
}
