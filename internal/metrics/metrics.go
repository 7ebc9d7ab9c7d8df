// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Agent requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "machinist_agent_requests_total",
			Help: "Agent requests by routing strategy and outcome",
		},
		[]string{"strategy", "outcome"}, // outcome: answered, error, cancelled
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "machinist_agent_request_duration_seconds",
			Help:    "Agent request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1min
		},
		[]string{"strategy"},
	)

	RequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "machinist_agent_requests_in_flight",
			Help: "Agent requests currently being served",
		},
	)

	TokensStreamed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "machinist_agent_tokens_streamed_total",
			Help: "Answer tokens streamed to clients",
		},
		[]string{"provider"},
	)

	// Routing
	ClassificationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "machinist_router_classification_failures_total",
			Help: "Classifier failures that fell back to retrieval",
		},
	)

	// Telemetry
	QueryRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "machinist_telemetry_query_retries_total",
			Help: "Telemetry queries retried over a narrower time range after a timeout",
		},
	)

	// Documents
	DocumentsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "machinist_documents_ingested_total",
			Help: "Document ingestions by outcome",
		},
		[]string{"outcome"}, // outcome: indexed, rejected, failed
	)

	ChunksIndexed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "machinist_chunks_indexed_total",
			Help: "Document chunks embedded and stored",
		},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
