package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type metrics struct {
	registry         *prometheus.Registry
	decisions        *prometheus.CounterVec
	decisionDuration prometheus.Histogram
	events           *prometheus.CounterVec
}

// newMetrics builds a registry per server so tests can run several servers
// in one process.
func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pricegoat",
				Name:      "decisions_total",
				Help:      "Total number of price decisions served.",
			},
			[]string{"kind", "method", "reason"},
		),
		decisionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "pricegoat",
				Name:      "decision_duration_seconds",
				Help:      "Histogram of decision latencies in seconds.",
				Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pricegoat",
				Name:      "events_total",
				Help:      "Total number of ingested events by outcome.",
			},
			[]string{"type", "result"},
		),
	}
	m.registry.MustRegister(
		m.decisions,
		m.decisionDuration,
		m.events,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}
