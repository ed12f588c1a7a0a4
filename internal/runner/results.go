package runner

import (
	"github.com/o19s/search-relevance/internal/metrics"
)

// QueryResult is the outcome of running and scoring one query.
type QueryResult struct {
	// Query is the user query text the result was produced for.
	Query string `json:"query"`

	// DocumentIDs are the returned document ids in ranked order, bounded
	// by k.
	DocumentIDs []string `json:"document_ids"`

	// Metrics are the ranking metrics calculated for this query.
	Metrics []metrics.Metric `json:"metrics"`

	// FrogsPercent is the percentage of top-k results with no judgment.
	FrogsPercent float64 `json:"frogs_percent"`
}

// QuerySetRunResult is the outcome of one full query set run.
type QuerySetRunResult struct {
	RunID      string `json:"run_id"`
	QuerySetID string `json:"query_set_id"`
	Timestamp  string `json:"timestamp"`

	// Metrics are the run-level aggregates: the mean of each per-query
	// metric over the queries that ran successfully.
	Metrics []metrics.Metric `json:"metrics"`

	QueryResults []QueryResult `json:"query_results"`

	// FailedQueries counts queries excluded from aggregation because
	// their search or scoring failed.
	FailedQueries int `json:"failed_queries"`
}
