package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Filter metrics
var (
	MessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailflow_messages_processed_total",
			Help: "Inbound messages processed by outcome",
		},
		[]string{"outcome"},
	)

	ProcessDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailflow_process_duration_seconds",
			Help:    "Time spent processing one inbound message",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	RuleMatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailflow_rule_matches_total",
			Help: "Filter rules that matched a message",
		},
	)

	SpamDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailflow_spam_decisions_total",
			Help: "Spam decisions by source",
		},
		[]string{"source"},
	)

	ForwardsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailflow_forwards_total",
			Help: "Forward attempts by result",
		},
		[]string{"result"},
	)

	AutorepliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailflow_autoreplies_total",
			Help: "Autoreply decisions by result",
		},
		[]string{"result"},
	)
)

// Queue metrics
var (
	QueuePushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailflow_queue_pushes_total",
			Help: "Messages submitted to the outbound queue by reason and result",
		},
		[]string{"reason", "result"},
	)

	QueueDeliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailflow_queue_deliveries_total",
			Help: "Delivery records inserted into the queue",
		},
	)

	QueueMessageBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailflow_queue_message_bytes",
			Help:    "Size of queued messages in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		},
	)

	LoopsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailflow_loops_detected_total",
			Help: "Forwarding loops detected by detection method",
		},
		[]string{"method"},
	)

	HookVetoes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailflow_hook_vetoes_total",
			Help: "Messages rejected by a hook per phase",
		},
		[]string{"phase"},
	)
)

// Storage metrics
var (
	S3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailflow_s3_operations_total",
			Help: "Total number of S3 operations",
		},
		[]string{"operation", "status"},
	)

	S3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailflow_s3_operation_duration_seconds",
			Help:    "Duration of S3 operations in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
		},
		[]string{"operation"},
	)

	StorageOperationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailflow_storage_operation_errors_total",
			Help: "Failed S3 operations by operation and error class",
		},
		[]string{"operation", "error_type"},
	)

	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailflow_db_queries_total",
			Help: "Total number of database queries executed",
		},
		[]string{"operation", "status"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailflow_db_query_duration_seconds",
			Help:    "Duration of database queries in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
		[]string{"operation"},
	)

	TTLStoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailflow_ttl_store_operations_total",
			Help: "Rate counter and keyed set operations by backend, operation and result",
		},
		[]string{"backend", "operation", "result"},
	)
)
