package coap

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricMessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "coap",
		Name:      "messages_received_total",
		Help:      "Datagrams received, including undecodable ones.",
	})
	metricMessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "coap",
		Name:      "messages_sent_total",
		Help:      "Datagrams written to the socket.",
	})
	metricRetransmissions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "coap",
		Name:      "retransmissions_total",
		Help:      "Confirmable message retransmissions.",
	})
	metricTransmissionTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "coap",
		Name:      "transmission_timeouts_total",
		Help:      "Confirmable messages that exhausted all retries.",
	})
	metricDuplicatesSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "coap",
		Name:      "duplicates_suppressed_total",
		Help:      "Inbound messages dropped by deduplication.",
	})
	metricNotificationsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "coap",
		Name:      "notifications_sent_total",
		Help:      "Observe notifications emitted.",
	})
	metricActiveObservations = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "coap",
		Name:      "active_observations",
		Help:      "Currently registered observations.",
	})
)
