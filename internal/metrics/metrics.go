// Package metrics exposes Prometheus counters for the session client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Stanza metrics
	StanzasReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hipbot_stanzas_received_total",
			Help: "Total inbound stanzas by kind",
		},
		[]string{"kind"}, // "iq", "presence", "message"
	)

	StanzasDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hipbot_stanzas_dropped_total",
			Help: "Total stanzas dropped by the router",
		},
		[]string{"reason"}, // "error", "no_id", "unmatched"
	)

	// Query correlation metrics
	QueriesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hipbot_queries_sent_total",
			Help: "Total IQ queries sent",
		},
	)

	QueriesResolved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hipbot_queries_resolved_total",
			Help: "Total IQ queries resolved by a response",
		},
	)

	QueriesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hipbot_queries_rejected_total",
			Help: "Total IQ queries rejected",
		},
		[]string{"reason"}, // "error", "timeout", "send"
	)

	// Message metrics
	MessagesClassified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hipbot_messages_classified_total",
			Help: "Total messages classified",
		},
		[]string{"kind"}, // "chat", "groupchat", "channel", "command", "invite"
	)

	MessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hipbot_messages_sent_total",
			Help: "Total messages posted",
		},
	)

	// Lifecycle metrics
	Reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hipbot_reconnects_total",
			Help: "Total reconnect attempts",
		},
	)

	KeepAlivesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hipbot_keepalives_sent_total",
			Help: "Total keepalive pings sent",
		},
	)
)
