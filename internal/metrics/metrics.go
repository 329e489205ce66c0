// Package metrics exposes the control plane's Prometheus collectors.
// Grounded on the pack's atlas metrics registry: one Registry struct
// holding every collector, registered once at construction, with small
// Record*/Set* methods so callers never touch a *prometheus.CounterVec
// directly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry holds every metric the Trading Process and Supervisor emit.
type Registry struct {
	*prometheus.Registry

	ordersCreated      *prometheus.CounterVec
	orderTransitions   *prometheus.CounterVec
	fillsTotal         prometheus.Counter
	fillVolume         prometheus.Histogram
	killEvents         *prometheus.CounterVec
	eventLogWriteSecs  prometheus.Histogram
	broadcastConns     prometheus.Gauge
	broadcastMessages  *prometheus.CounterVec
	haltActive         prometheus.Gauge
	riskRejections     *prometheus.CounterVec
}

// NewRegistry builds and registers every collector.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Registry{
		Registry: reg,

		ordersCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paperfloor_orders_created_total",
				Help: "Orders submitted to the Order Lifecycle Engine, by side.",
			},
			[]string{"side"},
		),
		orderTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paperfloor_order_transitions_total",
				Help: "Order state transitions, by origin and destination state.",
			},
			[]string{"from", "to"},
		),
		fillsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "paperfloor_fills_total",
				Help: "Total fill confirmations recorded.",
			},
		),
		fillVolume: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "paperfloor_fill_volume",
				Help:    "Filled quantity per fill.",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
		),
		killEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paperfloor_kill_events_total",
				Help: "Supervisor kill-rule triggers, by rule name.",
			},
			[]string{"rule"},
		),
		eventLogWriteSecs: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "paperfloor_eventlog_write_seconds",
				Help:    "Latency of Event Log append calls.",
				Buckets: prometheus.DefBuckets,
			},
		),
		broadcastConns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "paperfloor_broadcast_connections",
				Help: "Current number of connected Broadcast Bus observers.",
			},
		),
		broadcastMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paperfloor_broadcast_messages_total",
				Help: "Broadcast Bus envelopes sent, by channel and message type.",
			},
			[]string{"channel", "type"},
		),
		haltActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "paperfloor_halt_active",
				Help: "1 if the halt flag is currently set, else 0.",
			},
		),
		riskRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paperfloor_risk_rejections_total",
				Help: "Intents rejected by the pre-trade risk gate, by reason.",
			},
			[]string{"reason"},
		),
	}

	reg.MustRegister(
		r.ordersCreated, r.orderTransitions, r.fillsTotal, r.fillVolume,
		r.killEvents, r.eventLogWriteSecs, r.broadcastConns, r.broadcastMessages,
		r.haltActive, r.riskRejections,
	)
	return r
}

func (r *Registry) RecordOrderCreated(side string) {
	r.ordersCreated.WithLabelValues(side).Inc()
}

func (r *Registry) RecordTransition(from, to string) {
	r.orderTransitions.WithLabelValues(from, to).Inc()
}

func (r *Registry) RecordFill(qty float64) {
	r.fillsTotal.Inc()
	r.fillVolume.Observe(qty)
}

func (r *Registry) RecordKillEvent(rule string) {
	r.killEvents.WithLabelValues(rule).Inc()
}

func (r *Registry) ObserveEventLogWrite(seconds float64) {
	r.eventLogWriteSecs.Observe(seconds)
}

func (r *Registry) SetBroadcastConnections(n int) {
	r.broadcastConns.Set(float64(n))
}

func (r *Registry) RecordBroadcastMessage(channel, msgType string) {
	r.broadcastMessages.WithLabelValues(channel, msgType).Inc()
}

func (r *Registry) SetHaltActive(active bool) {
	if active {
		r.haltActive.Set(1)
		return
	}
	r.haltActive.Set(0)
}

func (r *Registry) RecordRiskRejection(reason string) {
	r.riskRejections.WithLabelValues(reason).Inc()
}
