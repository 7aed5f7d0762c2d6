// Package metrics exposes prometheus collectors for the presence hub.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "presence"

type Metrics struct {
	registry *prometheus.Registry

	connections prometheus.Gauge
	rooms       prometheus.Gauge
	broadcasts  prometheus.Counter
	evictions   prometheus.Counter
	lockOps     *prometheus.CounterVec
}

// New registers the hub collectors, plus the Go and process collectors, on a
// fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open presence channels.",
		}),
		rooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Rooms with a running actor.",
		}),
		broadcasts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Presence snapshots broadcast to rooms.",
		}),
		evictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Members removed after missing the liveness deadline.",
		}),
		lockOps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_operations_total",
			Help:      "Soft lock operations by operation and result.",
		}, []string{"op", "result"}),
	}
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) RoomStarted() {
	if m != nil {
		m.rooms.Inc()
	}
}

func (m *Metrics) RoomRetired() {
	if m != nil {
		m.rooms.Dec()
	}
}

func (m *Metrics) Broadcast() {
	if m != nil {
		m.broadcasts.Inc()
	}
}

func (m *Metrics) Evicted(n int) {
	if m != nil && n > 0 {
		m.evictions.Add(float64(n))
	}
}

// LockOp counts one lock decision, e.g. LockOp("acquire", "denied").
func (m *Metrics) LockOp(op, result string) {
	if m != nil {
		m.lockOps.WithLabelValues(op, result).Inc()
	}
}
