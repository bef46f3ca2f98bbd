package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gauges
var (
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "murmur_relay_active_rooms",
		Help: "Number of rooms with at least one member",
	})
	ActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "murmur_relay_active_clients",
		Help: "Number of connected signaling clients",
	})
	PeerLinks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "murmur_peer_links",
		Help: "Number of open peer links across local sessions",
	})
)

// Counters
var (
	RelayedMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "murmur_relay_messages_total",
		Help: "Signaling messages relayed by event type",
	}, []string{"type"})
	RejectedMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "murmur_relay_rejected_messages_total",
		Help: "Signaling messages the relay refused by reason",
	}, []string{"reason"})
	NegotiationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "murmur_negotiation_failures_total",
		Help: "Peer links that failed during offer/answer",
	})
	ProtocolViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "murmur_protocol_violations_total",
		Help: "Signaling messages discarded because they arrived in the wrong state",
	})
	StaleMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "murmur_stale_messages_total",
		Help: "Signaling messages discarded because the peer was unknown",
	})
	RTPPacketsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "murmur_rtp_packets_total",
		Help: "Total RTP packets received across all peer links",
	})
	EncodeErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "murmur_opus_encode_errors_total",
		Help: "Total Opus encode failures in synthetic devices",
	})
)
