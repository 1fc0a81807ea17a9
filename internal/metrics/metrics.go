// Package metrics holds the Prometheus collectors for triggers, readiness
// waits, delivery signals and page-side deliveries.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultRegistry is what /metrics exposes.
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		TriggersTotal, WaitsTotal, SignalsTotal,
		DeliveriesTotal, DeliveryDuration, ActiveWaits,
	)
}

// TriggersTotal counts trigger requests by outcome.
var TriggersTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tubeprompt_triggers_total",
		Help: "Trigger requests by outcome.",
	},
	[]string{"outcome"}, // accepted | rejected | failed
)

// WaitsTotal counts finished readiness waits.
var WaitsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tubeprompt_readiness_waits_total",
		Help: "Readiness waits by how they ended.",
	},
	[]string{"outcome"}, // ready | timeout | superseded | closed
)

// SignalsTotal counts delivery signals sent to destination tabs.
var SignalsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tubeprompt_delivery_signals_total",
		Help: "Delivery signals by send result.",
	},
	[]string{"outcome"}, // sent | failed | stale
)

// DeliveriesTotal counts page-side delivery runs by terminal state.
var DeliveriesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tubeprompt_deliveries_total",
		Help: "Delivery agent runs by result.",
	},
	[]string{"result"},
)

// DeliveryDuration observes how long one delivery run takes.
var DeliveryDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "tubeprompt_delivery_duration_seconds",
		Help:    "Duration of one delivery agent run.",
		Buckets: []float64{.05, .1, .25, .5, 1, 2, 3, 5},
	},
)

// ActiveWaits is 1 while a readiness wait is armed.
var ActiveWaits = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "tubeprompt_active_readiness_waits",
		Help: "Number of armed readiness waits (0 or 1).",
	},
)

// Handler serves DefaultRegistry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(DefaultRegistry, promhttp.HandlerOpts{})
}

// Value returns the current value of the counter or gauge named name whose
// labels include every pair in labels. Missing series read as 0.
func Value(name string, labels map[string]string) float64 {
	families, err := DefaultRegistry.Gather()
	if err != nil {
		return 0
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	series:
		for _, m := range mf.GetMetric() {
			have := make(map[string]string, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				have[lp.GetName()] = lp.GetValue()
			}
			for k, v := range labels {
				if have[k] != v {
					continue series
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return 0
}
