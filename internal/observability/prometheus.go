// Package observability exposes Prometheus collectors for the evaluation
// pipeline and persists run-level metric history to Redis.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors holds the Prometheus instruments for the evaluation pipeline.
type Collectors struct {
	registry *prometheus.Registry

	JudgmentsCalculated prometheus.Counter
	JudgmentsDuration   prometheus.Histogram

	QuerySetsCreated *prometheus.CounterVec

	RunsCompleted *prometheus.CounterVec
	RunDuration   prometheus.Histogram
	QueriesFailed prometheus.Counter

	BackendRequests *prometheus.CounterVec
	BackendLatency  prometheus.Histogram

	EventsIngested prometheus.Counter
}

// NewCollectors creates and registers the pipeline collectors on a fresh
// registry.
func NewCollectors() *Collectors {
	registry := prometheus.NewRegistry()

	c := &Collectors{
		registry: registry,

		JudgmentsCalculated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "search_relevance",
			Name:      "judgment_sets_total",
			Help:      "Number of judgment sets calculated.",
		}),
		JudgmentsDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "search_relevance",
			Name:      "judgment_calculation_seconds",
			Help:      "Wall time of judgment calculations.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),

		QuerySetsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "search_relevance",
			Name:      "query_sets_total",
			Help:      "Number of query sets created, by sampling method.",
		}, []string{"sampling"}),

		RunsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "search_relevance",
			Name:      "runs_total",
			Help:      "Number of query set runs, by outcome.",
		}, []string{"outcome"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "search_relevance",
			Name:      "run_seconds",
			Help:      "Wall time of query set runs.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 12),
		}),
		QueriesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "search_relevance",
			Name:      "run_failed_queries_total",
			Help:      "Queries excluded from run aggregation because they failed.",
		}),

		BackendRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "search_relevance",
			Name:      "backend_requests_total",
			Help:      "Search backend requests, by operation and status.",
		}, []string{"operation", "status"}),
		BackendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "search_relevance",
			Name:      "backend_request_seconds",
			Help:      "Search backend request latency.",
			Buckets:   prometheus.DefBuckets,
		}),

		EventsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "search_relevance",
			Name:      "events_ingested_total",
			Help:      "Behavioral events ingested from the bus.",
		}),
	}

	registry.MustRegister(
		c.JudgmentsCalculated,
		c.JudgmentsDuration,
		c.QuerySetsCreated,
		c.RunsCompleted,
		c.RunDuration,
		c.QueriesFailed,
		c.BackendRequests,
		c.BackendLatency,
		c.EventsIngested,
	)

	return c
}

// ObserveRequest implements engine.RequestObserver.
func (c *Collectors) ObserveRequest(operation, status string, elapsed time.Duration) {
	c.BackendRequests.WithLabelValues(operation, status).Inc()
	c.BackendLatency.Observe(elapsed.Seconds())
}

// Handler returns the HTTP handler serving the registry in the Prometheus
// exposition format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
