// Package metrics provides Prometheus metrics for the identity resolution service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ResolutionsTotal tracks resolve calls by action
	ResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kanoniv",
			Subsystem: "resolve",
			Name:      "resolutions_total",
			Help:      "Total number of resolve calls by action",
		},
		[]string{"tenant_id", "source_system", "action"},
	)

	// ResolutionDuration tracks resolve call duration in seconds
	ResolutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kanoniv",
			Subsystem: "resolve",
			Name:      "resolution_duration_seconds",
			Help:      "Duration of resolve calls in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"tenant_id", "source_system"},
	)

	// FastPathHits tracks fast-path cache lookups
	FastPathHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kanoniv",
			Subsystem: "fastpath",
			Name:      "lookups_total",
			Help:      "Total number of fast-path cache lookups by result",
		},
		[]string{"result"},
	)

	// CandidatesRetrieved tracks candidate set sizes per resolve call
	CandidatesRetrieved = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "kanoniv",
			Subsystem: "blocking",
			Name:      "candidates_retrieved",
			Help:      "Number of candidate entities retrieved per resolve call",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		},
	)

	// LockRetries tracks entity lock acquisition retries
	LockRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kanoniv",
			Subsystem: "locks",
			Name:      "retries_total",
			Help:      "Total number of lock acquisition retries",
		},
	)

	// ConcurrencyConflicts tracks resolve calls abandoned after retry exhaustion
	ConcurrencyConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kanoniv",
			Subsystem: "resolve",
			Name:      "concurrency_conflicts_total",
			Help:      "Total number of resolve calls that failed with a concurrency conflict",
		},
	)

	// MergesTotal tracks entity merges performed
	MergesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kanoniv",
			Subsystem: "graph",
			Name:      "merges_total",
			Help:      "Total number of entity merges by status",
		},
		[]string{"tenant_id", "status"},
	)

	// KafkaMessagesPublished tracks Kafka messages published
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kanoniv",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"},
	)

	// KafkaPublishDuration tracks Kafka publish duration
	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "kanoniv",
			Subsystem: "kafka",
			Name:      "publish_duration_seconds",
			Help:      "Duration of Kafka publish operations in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		},
	)

	// DatabaseQueryDuration tracks database query duration
	DatabaseQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kanoniv",
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Duration of database queries in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)
)

// RecordResolution records a resolve call metric
func RecordResolution(tenantID, sourceSystem, action string, durationSeconds float64) {
	ResolutionsTotal.WithLabelValues(tenantID, sourceSystem, action).Inc()
	ResolutionDuration.WithLabelValues(tenantID, sourceSystem).Observe(durationSeconds)
}

// RecordFastPathLookup records a fast-path cache lookup
func RecordFastPathLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	FastPathHits.WithLabelValues(result).Inc()
}

// RecordMerge records an entity merge
func RecordMerge(tenantID, status string) {
	MergesTotal.WithLabelValues(tenantID, status).Inc()
}

// RecordKafkaPublish records a Kafka publish operation
func RecordKafkaPublish(topic, status string, durationSeconds float64) {
	KafkaMessagesPublished.WithLabelValues(topic, status).Inc()
	KafkaPublishDuration.Observe(durationSeconds)
}
