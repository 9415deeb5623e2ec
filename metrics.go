package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the Prometheus collectors for one server instance. The
// collectors live on a private registry so tests can build as many gateways
// as they like without duplicate-registration panics.
type Metrics struct {
	registry *prometheus.Registry

	MessagesHandled  prometheus.Counter
	DecodeErrors     prometheus.Counter
	BroadcastDropped prometheus.Counter
	Removals         prometheus.Counter
}

func newMetrics(rooms *Rooms, conns *Connections) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "pointbox_rooms_active",
		Help: "Number of live planning poker rooms",
	}, func() float64 {
		return float64(rooms.Count())
	})

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "pointbox_connections_active",
		Help: "Number of live WebSocket connections",
	}, func() float64 {
		return float64(conns.Count())
	})

	return &Metrics{
		registry: registry,
		MessagesHandled: factory.NewCounter(prometheus.CounterOpts{
			Name: "pointbox_messages_handled_total",
			Help: "Total number of inbound protocol messages handled",
		}),
		DecodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "pointbox_decode_errors_total",
			Help: "Total number of inbound frames rejected by the decoder",
		}),
		BroadcastDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "pointbox_broadcasts_dropped_total",
			Help: "Total number of broadcast frames dropped due to back pressure",
		}),
		Removals: factory.NewCounter(prometheus.CounterOpts{
			Name: "pointbox_removals_total",
			Help: "Total number of participants removed by a room admin",
		}),
	}
}

// Handler serves this instance's collectors.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
