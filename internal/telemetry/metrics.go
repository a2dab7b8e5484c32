package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the prometheus collectors exported by a sync engine
// process. All fields are safe for concurrent use, as promauto collectors
// always are.
var (
	FoldersByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "syncengine_folders_by_state",
			Help: "Number of folders currently in each sync state.",
		},
		[]string{"state"},
	)

	MessagesIndexedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncengine_messages_indexed_total",
			Help: "Message index entries committed, per account.",
		},
		[]string{"account_id"},
	)

	IMAPCommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "syncengine_imap_command_duration_seconds",
			Help:    "Duration of IMAP commands issued through the connection pool.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"command"},
	)

	IMAPSessionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "syncengine_imap_sessions_open",
			Help: "Pooled IMAP sessions currently open, per host.",
		},
		[]string{"host"},
	)

	IMAPReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncengine_imap_reconnects_total",
			Help: "IMAP session reconnect attempts, per reason.",
		},
		[]string{"reason"},
	)

	WebhookDeliveryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncengine_webhook_delivery_attempts_total",
			Help: "Webhook delivery attempts, by outcome.",
		},
		[]string{"outcome"},
	)

	WebhookDeliveryPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "syncengine_webhook_delivery_pending",
			Help: "Webhook deliveries claimed by the most recent dispatcher poll.",
		},
	)

	WebhookDeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "syncengine_webhook_delivery_duration_seconds",
			Help:    "Webhook POST round-trip duration.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)

	CoordinatorLeasesHeld = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "syncengine_coordinator_leases_held",
			Help: "Accounts currently assigned to this worker's lease.",
		},
	)

	CoordinatorIsLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "syncengine_coordinator_is_leader",
			Help: "1 if this process currently holds the coordinator leader lease.",
		},
	)

	CoordinatorRebalancesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "syncengine_coordinator_rebalances_total",
			Help: "Account-to-worker rebalances performed by the leader.",
		},
	)
)
