package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slacksummarizer_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	// Slack API metrics
	APICallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slacksummarizer_slack_api_calls_total",
			Help: "Total number of Slack API calls",
		},
		[]string{"operation", "status"},
	)

	APIRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slacksummarizer_slack_api_retries_total",
			Help: "Total number of rate-limit retries against the Slack API",
		},
		[]string{"operation"},
	)

	// Ingestion metrics
	MessagesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slacksummarizer_messages_ingested_total",
			Help: "Total number of messages persisted during ingestion",
		},
		[]string{"channel", "status"},
	)

	ConversationsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "slacksummarizer_conversations_skipped_total",
			Help: "Total number of conversations skipped due to errors",
		},
	)

	// Summary metrics
	SummariesGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slacksummarizer_summaries_generated_total",
			Help: "Total number of summaries generated",
		},
		[]string{"path", "status"},
	)

	DigestsPosted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slacksummarizer_digests_posted_total",
			Help: "Total number of digests posted to the destination channel",
		},
		[]string{"status"},
	)

	// Retention metrics
	MessagesPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "slacksummarizer_messages_purged_total",
			Help: "Total number of raw messages removed by the retention sweep",
		},
	)

	// Run metrics
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "slacksummarizer_run_duration_seconds",
			Help:    "Duration of scheduled pipeline runs in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"stage"},
	)
)
