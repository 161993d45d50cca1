package relay

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	connections prometheus.Gauge
	published   prometheus.Counter
	delivered   prometheus.Counter
	dropped     prometheus.Counter
}

func newMetrics() *metrics {
	return &metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crewrelay_relay_connections",
			Help: "Currently attached live connections.",
		}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crewrelay_relay_events_published_total",
			Help: "Interaction events handed to the relay for fan-out.",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crewrelay_relay_deliveries_total",
			Help: "Per-subscriber deliveries that made it into a connection buffer.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crewrelay_relay_dropped_total",
			Help: "Frames dropped because a subscriber buffer was full.",
		}),
	}
}

// WithRegistry registers the relay's collectors. Tests construct relays
// without it so parallel instances never collide in a shared registry.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(r *Relay) {
		reg.MustRegister(r.metrics.connections, r.metrics.published, r.metrics.delivered, r.metrics.dropped)
	}
}
