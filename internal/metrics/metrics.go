package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the comms layer's Prometheus instruments. They live in a
// dedicated registry so embedding applications keep control of the
// default one.
type Metrics struct {
	registry *prometheus.Registry

	MessagesSent     *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec
	DedupDrops       prometheus.Counter
	Violations       *prometheus.CounterVec

	ActiveConnections prometheus.Gauge
	KnownPeers        prometheus.Gauge
	BannedPeers       prometheus.Gauge

	SafStored    prometheus.Counter
	SafDelivered prometheus.Counter
	SafEvicted   prometheus.Counter
	SafStoreSize prometheus.Gauge

	RpcSessions     prometheus.Gauge
	RpcCalls        *prometheus.CounterVec
	RpcCallDuration *prometheus.HistogramVec
}

// New creates the metric set registered in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "karst",
			Subsystem: "dht",
			Name:      "messages_sent_total",
			Help:      "Outbound messages by message type.",
		}, []string{"type"}),

		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "karst",
			Subsystem: "dht",
			Name:      "messages_received_total",
			Help:      "Inbound messages by message type.",
		}, []string{"type"}),

		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "karst",
			Subsystem: "dht",
			Name:      "messages_dropped_total",
			Help:      "Inbound messages dropped, by reason.",
		}, []string{"reason"}),

		DedupDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "karst",
			Subsystem: "dht",
			Name:      "dedup_drops_total",
			Help:      "Messages dropped by the recent-nonce cache.",
		}),

		Violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "karst",
			Subsystem: "peers",
			Name:      "protocol_violations_total",
			Help:      "Protocol violations recorded, by kind.",
		}, []string{"kind"}),

		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "karst",
			Subsystem: "conn",
			Name:      "active_connections",
			Help:      "Number of live peer connections.",
		}),

		KnownPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "karst",
			Subsystem: "peers",
			Name:      "known_peers",
			Help:      "Number of peers in the directory.",
		}),

		BannedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "karst",
			Subsystem: "peers",
			Name:      "banned_peers",
			Help:      "Number of peers with an active ban.",
		}),

		SafStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "karst",
			Subsystem: "saf",
			Name:      "stored_total",
			Help:      "Envelopes persisted for offline peers.",
		}),

		SafDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "karst",
			Subsystem: "saf",
			Name:      "delivered_total",
			Help:      "Stored envelopes delivered on reconnect.",
		}),

		SafEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "karst",
			Subsystem: "saf",
			Name:      "evicted_total",
			Help:      "Stored envelopes evicted by quota or age.",
		}),

		SafStoreSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "karst",
			Subsystem: "saf",
			Name:      "store_size",
			Help:      "Envelopes currently held in the SAF store.",
		}),

		RpcSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "karst",
			Subsystem: "rpc",
			Name:      "active_sessions",
			Help:      "Open RPC sessions across all peers.",
		}),

		RpcCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "karst",
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "RPC calls by protocol and status code.",
		}, []string{"protocol", "status"}),

		RpcCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "karst",
			Subsystem: "rpc",
			Name:      "call_duration_seconds",
			Help:      "RPC call latency by protocol.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"protocol"}),
	}

	reg.MustRegister(
		m.MessagesSent,
		m.MessagesReceived,
		m.MessagesDropped,
		m.DedupDrops,
		m.Violations,
		m.ActiveConnections,
		m.KnownPeers,
		m.BannedPeers,
		m.SafStored,
		m.SafDelivered,
		m.SafEvicted,
		m.SafStoreSize,
		m.RpcSessions,
		m.RpcCalls,
		m.RpcCallDuration,
	)

	return m
}

// Registry exposes the underlying registry for test gathering.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler serving the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
