// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/toskamesh/waterfall/internal/waterfall"
)

var (
	SpansReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waterfall_spans_received_total",
		Help: "Spans ingested, by source (otlp, file, api)",
	}, []string{"source"})

	LayoutsBuilt = promauto.NewCounter(prometheus.CounterOpts{
		Name: "waterfall_layouts_built_total",
		Help: "Waterfall layouts computed",
	})

	LayoutDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "waterfall_layout_duration_seconds",
		Help:    "Time to resolve, normalize and order one trace",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	})

	LayoutSpans = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "waterfall_layout_spans",
		Help:    "Spans per computed layout",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})

	Diagnostics = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waterfall_diagnostics_total",
		Help: "Malformed-input findings tolerated by the layout, by kind",
	}, []string{"kind"})
)

// Build runs waterfall.Build and records its cost and findings.
func Build(spans []waterfall.Span) waterfall.Waterfall {
	start := time.Now()
	w := waterfall.Build(spans)
	LayoutDuration.Observe(time.Since(start).Seconds())
	LayoutsBuilt.Inc()
	LayoutSpans.Observe(float64(len(spans)))
	for _, d := range w.Diagnostics {
		Diagnostics.WithLabelValues(string(d.Kind)).Inc()
	}
	return w
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
