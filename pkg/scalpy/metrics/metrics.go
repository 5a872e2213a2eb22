// Package metrics provides Prometheus metrics for the backtest engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects and exposes Prometheus metrics for the backtest
// engine. pkg/fleetly is a standalone, domain-agnostic runtime with no
// application ever embedding a Graph in its own run loop (see
// DESIGN.md) and so carries no metrics of its own here.
type Metrics struct {
	registry *prometheus.Registry

	// Backtest engine metrics
	EventsDispatched  *prometheus.CounterVec
	HandlerDuration   *prometheus.HistogramVec
	OrdersEmitted     *prometheus.CounterVec
	SignalsEmitted    *prometheus.CounterVec
	ReplayDelayMillis *prometheus.HistogramVec
}

// New creates a Metrics collector with its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		EventsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scalpy_events_dispatched_total",
				Help: "Total number of market events dispatched to event handlers",
			},
			[]string{"symbol", "type"},
		),
		HandlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scalpy_handler_duration_seconds",
				Help:    "Time spent inside a handler callback",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
			},
			[]string{"kind"},
		),
		OrdersEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scalpy_orders_emitted_total",
				Help: "Total number of orders emitted by the engine",
			},
			[]string{"symbol"},
		),
		SignalsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scalpy_signals_emitted_total",
				Help: "Total number of signals emitted by event handlers",
			},
			[]string{"symbol"},
		),
		ReplayDelayMillis: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scalpy_replay_delay_milliseconds",
				Help:    "Wall-clock sleep applied by the replay iterator before emitting an event",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
			[]string{"symbol"},
		),
	}

	m.registerAll()
	return m
}

func (m *Metrics) registerAll() {
	m.registry.MustRegister(
		m.EventsDispatched,
		m.HandlerDuration,
		m.OrdersEmitted,
		m.SignalsEmitted,
		m.ReplayDelayMillis,
	)
}

// Registry returns the underlying Prometheus registry, for mounting a
// /metrics HTTP handler via promhttp.HandlerFor.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordDispatch(symbol, dataType string) {
	m.EventsDispatched.WithLabelValues(symbol, dataType).Inc()
}

func (m *Metrics) RecordHandler(kind string, durationSec float64) {
	m.HandlerDuration.WithLabelValues(kind).Observe(durationSec)
}

func (m *Metrics) RecordOrder(symbol string) {
	m.OrdersEmitted.WithLabelValues(symbol).Inc()
}

func (m *Metrics) RecordSignal(symbol string) {
	m.SignalsEmitted.WithLabelValues(symbol).Inc()
}

func (m *Metrics) RecordReplayDelay(symbol string, delayMillis float64) {
	m.ReplayDelayMillis.WithLabelValues(symbol).Observe(delayMillis)
}
