package internal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the server's Prometheus collectors.
type Metrics struct {
	ConnectionsTotal prometheus.Counter
	LoginsTotal      prometheus.Counter
	EvictionsTotal   prometheus.Counter
	FramesTotal      prometheus.Counter
	MessagesTotal    prometheus.Counter
	ChunksTotal      prometheus.Counter
	ViolationsTotal  prometheus.Counter
	ActiveSessions   prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "wirechat_connections_total",
			Help: "TCP connections accepted.",
		}),
		LoginsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "wirechat_logins_total",
			Help: "Successful logins.",
		}),
		EvictionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "wirechat_evictions_total",
			Help: "Sessions evicted by a newer login with the same username.",
		}),
		FramesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "wirechat_frames_total",
			Help: "Inbound frames decoded.",
		}),
		MessagesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "wirechat_messages_total",
			Help: "Chat messages stored and fanned out.",
		}),
		ChunksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "wirechat_file_chunks_total",
			Help: "File chunks relayed between clients.",
		}),
		ViolationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "wirechat_protocol_violations_total",
			Help: "Connections dropped for malformed or out-of-order traffic.",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "wirechat_active_sessions",
			Help: "Currently open client sessions.",
		}),
	}
}
