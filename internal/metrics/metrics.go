// Package metrics exposes the relay's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "roomrelay"

type Metrics struct {
	Rooms       prometheus.Gauge
	Players     prometheus.Gauge
	Connections prometheus.Gauge
	Events      *prometheus.CounterVec
	Rejections  *prometheus.CounterVec
	Dropped     prometheus.Counter
	Evicted     prometheus.Counter

	gatherer prometheus.Gatherer
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Rooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Rooms currently registered.",
		}),
		Players: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "players",
			Help:      "Players currently inside a room.",
		}),
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open websocket connections.",
		}),
		Events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Inbound events processed by the coordinator.",
		}, []string{"event"}),
		Rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Inbound events rejected back to the sender.",
		}, []string{"reason"}),
		Dropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_messages_total",
			Help:      "Outbound messages dropped because a client buffer was full.",
		}),
		Evicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evicted_rooms_total",
			Help:      "Idle rooms removed by the sweeper.",
		}),
		gatherer: reg,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
