// Package metrics registers the Prometheus collectors shared across the
// server, queue, and delivery packages.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "osprey_connections_total",
		Help: "Inbound SMTP connections accepted.",
	})

	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "osprey_messages_total",
		Help: "Messages by final session outcome.",
	}, []string{"result"}) // accepted, rejected, quarantined, delegated

	AuthAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "osprey_auth_attempts_total",
		Help: "AUTH exchanges by outcome.",
	}, []string{"mechanism", "result"})

	QueueMovesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "osprey_queue_moves_total",
		Help: "Queue entry moves between spool areas.",
	}, []string{"from", "to"})

	QueueEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "osprey_queue_entries",
		Help: "Entries currently in each spool area.",
	}, []string{"queue"})

	DeliveryAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "osprey_delivery_attempts_total",
		Help: "Delivery attempts by result.",
	}, []string{"result"}) // delivered, deferred, failed

	DeliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "osprey_delivery_duration_seconds",
		Help:    "Duration of delivery attempts.",
		Buckets: prometheus.DefBuckets,
	})

	DelegationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "osprey_delegations_total",
		Help: "Delegation round trips by service and outcome.",
	}, []string{"service", "result"}) // submitted, resumed, expired, dropped
)
