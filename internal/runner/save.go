package runner

import (
	"context"

	"github.com/google/uuid"

	"github.com/o19s/search-relevance/internal/engine"
	"github.com/o19s/search-relevance/internal/pkg/errors"
)

// MetricsIndexName is the index per-query metric rows are persisted to.
// The row schema matches the relevance dashboard's expectations.
const MetricsIndexName = "sqe_metrics_sample_data"

const metricsMapping = `{
  "mappings": {
    "properties": {
      "datetime":      { "type": "date", "format": "strict_date_time" },
      "search_config": { "type": "keyword" },
      "query_set_id":  { "type": "keyword" },
      "query":         { "type": "keyword" },
      "metric":        { "type": "keyword" },
      "value":         { "type": "double" },
      "application":   { "type": "keyword" },
      "evaluation_id": { "type": "keyword" },
      "frogs_percent": { "type": "double" }
    }
  }
}`

// metricRow is one per-query, per-metric dashboard row.
type metricRow struct {
	Datetime     string  `json:"datetime"`
	SearchConfig string  `json:"search_config"`
	QuerySetID   string  `json:"query_set_id"`
	Query        string  `json:"query"`
	Metric       string  `json:"metric"`
	Value        float64 `json:"value"`
	Application  string  `json:"application"`
	EvaluationID string  `json:"evaluation_id"`
	FrogsPercent float64 `json:"frogs_percent"`
}

// saveRun flattens a run result into one row per query per metric and bulk
// indexes them.
func (r *Runner) saveRun(ctx context.Context, params Parameters, result *QuerySetRunResult) error {
	if err := r.engine.EnsureIndex(ctx, MetricsIndexName, metricsMapping); err != nil {
		return errors.BackendError("ensuring metrics index", err)
	}

	var docs []engine.Document
	for _, qr := range result.QueryResults {
		for _, metric := range qr.Metrics {
			docs = append(docs, engine.Document{
				ID: uuid.NewString(),
				Source: metricRow{
					Datetime:     result.Timestamp,
					SearchConfig: params.SearchConfig,
					QuerySetID:   result.QuerySetID,
					Query:        qr.Query,
					Metric:       metric.Name,
					Value:        metric.Value,
					Application:  params.Application,
					EvaluationID: result.RunID,
					FrogsPercent: qr.FrogsPercent,
				},
			})
		}
	}

	written, err := r.engine.BulkWrite(ctx, MetricsIndexName, docs)
	if err != nil {
		return errors.BackendError("indexing metric rows", err)
	}
	if len(written.Failed) > 0 {
		return errors.BackendError("some metric rows failed to index: "+written.Failed[0].Reason, nil)
	}

	r.log.Info("persisted run metrics", "run_id", result.RunID, "rows", written.Indexed)
	return nil
}
