// Package metrics defines the Prometheus instruments exported by the dispatch server.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "dispatch"

// Drop reasons for inbound frames.
const (
	ReasonMalformed   = "malformed"
	ReasonInvalid     = "invalid_payload"
	ReasonRateLimited = "rate_limited"
	ReasonUnknownType = "unknown_type"
)

// Delivery kinds.
const (
	KindBroadcast = "broadcast"
	KindDirect    = "direct"
)

type Metrics struct {
	ConnectedClients   prometheus.Gauge
	BoundIdentities    prometheus.Gauge
	InboundFrames      *prometheus.CounterVec
	DroppedFrames      *prometheus.CounterVec
	Deliveries         *prometheus.CounterVec
	UnroutedSends      prometheus.Counter
	SlowClientsEvicted prometheus.Counter
	RelayMessages      *prometheus.CounterVec
}

// New creates the instruments and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "connected_clients",
			Help:      "Number of open socket connections.",
		}),
		BoundIdentities: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "bound_identities",
			Help:      "Number of user ids currently bound to a connection.",
		}),
		InboundFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "inbound_frames_total",
			Help:      "Inbound frames accepted for dispatch, by envelope type.",
		}, []string{"type"}),
		DroppedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "dropped_frames_total",
			Help:      "Inbound frames dropped, by reason.",
		}, []string{"reason"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "deliveries_total",
			Help:      "Envelopes enqueued to connections, by delivery kind.",
		}, []string{"kind"}),
		UnroutedSends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "unrouted_sends_total",
			Help:      "Direct sends with no open connection bound to the recipient.",
		}),
		SlowClientsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "slow_clients_evicted_total",
			Help:      "Connections closed because their outbound buffer was full.",
		}),
		RelayMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Messages handled by the NATS relay, by subject kind and outcome.",
		}, []string{"kind", "outcome"}),
	}

	reg.MustRegister(
		m.ConnectedClients,
		m.BoundIdentities,
		m.InboundFrames,
		m.DroppedFrames,
		m.Deliveries,
		m.UnroutedSends,
		m.SlowClientsEvicted,
		m.RelayMessages,
	)
	return m
}

// NewNop returns instruments registered on a throwaway registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
