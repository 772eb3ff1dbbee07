// Package metrics provides Prometheus metrics for the Fern service.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// APIRequestsTotal tracks inbound API requests, webhooks included
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total number of inbound API requests",
		},
		[]string{"method", "route", "status_code"},
	)

	// APIRequestDuration tracks inbound API request duration
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "Duration of inbound API requests in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"method", "route"},
	)

	// WebhooksTotal tracks webhook deliveries by integration type and outcome
	WebhooksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Total number of webhook deliveries by outcome",
		},
		[]string{"service_name", "outcome"},
	)

	// RowsUpserted tracks resolver outcomes per integration type
	RowsUpserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "replication",
			Name:      "rows_total",
			Help:      "Total number of rows written by action",
		},
		[]string{"service_name", "action"},
	)

	// HTTPRequestsTotal tracks outbound HTTP requests to source APIs
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "http_client",
			Name:      "requests_total",
			Help:      "Total number of outbound HTTP requests",
		},
		[]string{"method", "status_code"},
	)

	// HTTPRequestDuration tracks outbound HTTP request duration
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "http_client",
			Name:      "request_duration_seconds",
			Help:      "Duration of outbound HTTP requests in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method"},
	)

	// BackfillsTotal tracks backfill runs by status
	BackfillsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "backfill",
			Name:      "runs_total",
			Help:      "Total number of backfill runs by status",
		},
		[]string{"service_name", "status"},
	)

	// BackfillDuration tracks backfill run duration in seconds
	BackfillDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "backfill",
			Name:      "run_duration_seconds",
			Help:      "Duration of backfill runs in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"service_name"},
	)

	// BackfillRetries tracks page and enrichment retries
	BackfillRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "backfill",
			Name:      "retries_total",
			Help:      "Total number of retried source API calls",
		},
		[]string{"stage"},
	)

	// QueueJobsProcessed tracks jobs processed from the queue
	QueueJobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "queue",
			Name:      "jobs_processed_total",
			Help:      "Total number of jobs processed from the queue",
		},
		[]string{"status"},
	)

	// QueueJobsInFlight tracks jobs currently being processed
	QueueJobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fern",
			Subsystem: "queue",
			Name:      "jobs_in_flight",
			Help:      "Number of jobs currently being processed",
		},
	)

	// DLQJobsTotal tracks jobs sent to the dead letter queue
	DLQJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "dlq",
			Name:      "jobs_total",
			Help:      "Total number of jobs sent to dead letter queue",
		},
		[]string{"organization_id", "reason"},
	)

	// RateLimitWaitTime tracks time spent waiting on enrichment gates
	RateLimitWaitTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "ratelimit",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for rate limits in seconds",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"limit_name"},
	)

	// KafkaMessagesPublished tracks Kafka messages published
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"},
	)

	// KafkaPublishDuration tracks Kafka publish duration
	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "kafka",
			Name:      "publish_duration_seconds",
			Help:      "Duration of Kafka publish operations in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		},
	)
)

func RecordAPIRequest(method, route string, status int, elapsed time.Duration) {
	APIRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// RecordWebhook records a webhook delivery outcome (accepted, rejected, malformed, failed)
func RecordWebhook(serviceName, outcome string) {
	WebhooksTotal.WithLabelValues(serviceName, outcome).Inc()
}

func RecordRow(serviceName, action string) {
	RowsUpserted.WithLabelValues(serviceName, action).Inc()
}

// RecordHTTPRequest records an outbound HTTP request metric
func RecordHTTPRequest(method, statusCode string, durationSeconds float64) {
	HTTPRequestsTotal.WithLabelValues(method, statusCode).Inc()
	HTTPRequestDuration.WithLabelValues(method).Observe(durationSeconds)
}

// RecordBackfill records a finished backfill run
func RecordBackfill(serviceName, status string, elapsed time.Duration) {
	BackfillsTotal.WithLabelValues(serviceName, status).Inc()
	BackfillDuration.WithLabelValues(serviceName).Observe(elapsed.Seconds())
}

func RecordRetry(stage string) {
	BackfillRetries.WithLabelValues(stage).Inc()
}

// RecordQueueJob records a queue job processing metric
func RecordQueueJob(status string) {
	QueueJobsProcessed.WithLabelValues(status).Inc()
}

// RecordDLQJob records a dead letter queue job
func RecordDLQJob(organizationID, reason string) {
	DLQJobsTotal.WithLabelValues(organizationID, reason).Inc()
}

func RecordRateLimitWait(name string, waited time.Duration) {
	RateLimitWaitTime.WithLabelValues(name).Observe(waited.Seconds())
}

// RecordKafkaPublish records a Kafka publish operation
func RecordKafkaPublish(topic, status string, durationSeconds float64) {
	KafkaMessagesPublished.WithLabelValues(topic, status).Inc()
	KafkaPublishDuration.Observe(durationSeconds)
}
