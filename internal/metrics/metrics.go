// Package metrics exposes Prometheus instrumentation for the HTTP API,
// provider calls, search fallbacks, recommendation sources and the
// embedding pipeline. Collectors register on the default registry and are
// served by promhttp at /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reelsense_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reelsense_api_request_duration_seconds",
			Help:    "API request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Providers
	ProviderRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reelsense_provider_request_duration_seconds",
			Help:    "Duration of embedding and generation provider calls",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider", "operation"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reelsense_provider_errors_total",
			Help: "Total number of failed provider calls",
		},
		[]string{"provider", "operation"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reelsense_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reelsense_circuit_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// Search
	SearchFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reelsense_search_fallbacks_total",
			Help: "Searches answered by the lexical fallback",
		},
		[]string{"reason"}, // unconfigured, embed_error, index_error, similar_error
	)

	// Recommendations
	RecommendationSourceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reelsense_recommendation_source_errors_total",
			Help: "Recommendation sources that failed and contributed nothing",
		},
		[]string{"source"},
	)

	// Embeddings
	EmbeddingsProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reelsense_embeddings_processed_total",
			Help: "Items successfully embedded",
		},
	)

	EmbeddingsFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reelsense_embeddings_failed_total",
			Help: "Items whose embedding could not be produced or stored",
		},
	)

	EmbedJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reelsense_embed_jobs_total",
			Help: "Queued embed jobs handled by the worker",
		},
		[]string{"outcome"}, // completed, retried, failed
	)

	// Chat
	ChatTurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reelsense_chat_turns_total",
			Help: "Assistant turns persisted",
		},
		[]string{"mode", "outcome"}, // mode: send|stream, outcome: ok|apology|cancelled
	)
)

// RecordProviderCall observes a provider call's latency and failure.
func RecordProviderCall(provider, operation string, d time.Duration, err error) {
	ProviderRequestDuration.WithLabelValues(provider, operation).Observe(d.Seconds())
	if err != nil {
		ProviderErrors.WithLabelValues(provider, operation).Inc()
	}
}

func RecordAPIRequest(method, route, status string, d time.Duration) {
	APIRequestsTotal.WithLabelValues(method, route, status).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// RecordEmbeddingResult adds a batch outcome to the embedding counters.
func RecordEmbeddingResult(processed, failed int) {
	EmbeddingsProcessed.Add(float64(processed))
	EmbeddingsFailed.Add(float64(failed))
}
