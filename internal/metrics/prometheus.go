package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// API metrics
var (
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "path", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "Duration of API requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	APIAuthFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_auth_failures_total",
			Help: "Total number of API authentication failures",
		},
		[]string{"scheme"}, // api_key, bearer
	)
)

// Database metrics
var (
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Duration of database queries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	DBErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_errors_total",
			Help: "Total number of database errors",
		},
		[]string{"query"},
	)
)

// Queue metrics
var (
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_messages",
			Help: "Number of messages created in the last 24h by status",
		},
		[]string{"status"},
	)

	MessagesEnqueuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_messages_enqueued_total",
			Help: "Total number of messages enqueued",
		},
	)
)

// Dispatch metrics
var (
	MessagesProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_messages_processed_total",
			Help: "Total number of delivery attempts by outcome",
		},
		[]string{"outcome"}, // sent, retry, failed, deferred
	)

	MessageProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_message_processing_duration_seconds",
			Help:    "Duration of a single claim-send-record cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	TransportErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_transport_errors_total",
			Help: "Total number of transport failures by error kind",
		},
		[]string{"kind"},
	)

	DispatcherPaused = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_paused",
			Help: "1 when the dispatcher has stopped claiming because no account can send",
		},
	)
)

// Account metrics
var (
	AccountHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "account_healthy",
			Help: "1 if the sending account is healthy, 0 otherwise",
		},
		[]string{"account"},
	)

	AccountHourlyCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "account_hourly_sent",
			Help: "Messages sent by the account in the current hourly window",
		},
		[]string{"account"},
	)
)

// Event metrics
var (
	EventsRecordedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_recorded_total",
			Help: "Total number of delivery events recorded by type",
		},
		[]string{"type"},
	)
)

// SMTP intake metrics
var (
	SMTPConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smtp_connections_active",
			Help: "Number of open SMTP submission sessions",
		},
	)

	SMTPMessagesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtp_messages_received_total",
			Help: "Total number of SMTP submissions by result",
		},
		[]string{"result"}, // accepted, rejected, error
	)
)
