// Package runner executes stored query sets against a live index and
// scores the results against a judgment set.
package runner

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/o19s/search-relevance/internal/engine"
	"github.com/o19s/search-relevance/internal/metrics"
	"github.com/o19s/search-relevance/internal/pkg/errors"
	"github.com/o19s/search-relevance/internal/pkg/logger"
	"github.com/o19s/search-relevance/internal/sampling"
)

// QueryPlaceholder is the token in a query template that gets replaced
// with each user query text.
const QueryPlaceholder = "#$query##"

// Options bounds the concurrency and request rate of a run. The limiter
// is shared across all in-flight searches of the run.
type Options struct {
	Workers       int
	RatePerSecond float64
	Burst         int
}

func (o *Options) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.RatePerSecond <= 0 {
		o.RatePerSecond = 20
	}
	if o.Burst <= 0 {
		o.Burst = 1
	}
}

// Parameters configures one query set run.
type Parameters struct {
	QuerySetID  string
	JudgmentsID string

	// Index is the live index queries run against.
	Index string

	// QueryBody is the search template. It must contain QueryPlaceholder.
	QueryBody string

	// IDField names the source field holding the document id. Empty uses
	// the backend document id.
	IDField string

	// SearchPipeline optionally names a search pipeline to apply.
	SearchPipeline string

	K         int
	Threshold float64

	// SearchConfig and Application label the persisted metric rows.
	SearchConfig string
	Application  string
}

func (p *Parameters) validate() error {
	if p.QuerySetID == "" {
		return errors.ValidationError("query_set_id is required")
	}
	if p.JudgmentsID == "" {
		return errors.ValidationError("judgments_id is required")
	}
	if p.Index == "" {
		return errors.ValidationError("index is required")
	}
	if !strings.Contains(p.QueryBody, QueryPlaceholder) {
		return errors.ValidationError("query body must contain the placeholder " + QueryPlaceholder)
	}
	if p.K <= 0 {
		p.K = 10
	}
	return nil
}

// Runner runs query sets.
type Runner struct {
	engine    engine.SearchEngine
	querySets *sampling.Store
	scorer    *Scorer
	limiter   *rate.Limiter
	workers   int
	log       *logger.Logger
}

// New creates a runner.
func New(e engine.SearchEngine, querySets *sampling.Store, scorer *Scorer, opts Options, log *logger.Logger) *Runner {
	opts.applyDefaults()
	return &Runner{
		engine:    e,
		querySets: querySets,
		scorer:    scorer,
		limiter:   rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.Burst),
		workers:   opts.Workers,
		log:       log,
	}
}

// queryOutcome carries one query's result, or its failure, to the reducer.
type queryOutcome struct {
	index  int
	result *QueryResult
	err    error
}

// Run executes every query in the set, scores each result list, and
// aggregates the per-query metrics into run-level means. A failing query
// does not abort the run; it is excluded from aggregation and counted.
// Context cancellation aborts in-flight searches and persists nothing.
func (r *Runner) Run(ctx context.Context, params Parameters) (*QuerySetRunResult, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	querySet, err := r.querySets.Get(ctx, params.QuerySetID)
	if err != nil {
		return nil, err
	}
	if len(querySet.Queries) == 0 {
		return nil, errors.EmptyResultError("query set " + params.QuerySetID + " has no queries")
	}

	log := r.log.WithQuerySet(params.QuerySetID)
	log.Info("starting query set run", "queries", len(querySet.Queries), "index", params.Index, "k", params.K)

	outcomes := make(chan queryOutcome, len(querySet.Queries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)

	for i, qsq := range querySet.Queries {
		g.Go(func() error {
			if err := r.limiter.Wait(gctx); err != nil {
				// Cancellation aborts the run, not just this query.
				return err
			}

			result, err := r.runQuery(gctx, params, qsq.Query)
			outcomes <- queryOutcome{index: i, result: result, err: err}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(errors.CodeInternal, "query set run aborted", err)
	}
	close(outcomes)

	ordered := make([]*QueryResult, len(querySet.Queries))
	failed := 0
	for outcome := range outcomes {
		if outcome.err != nil {
			log.Warn("query failed", "query", querySet.Queries[outcome.index].Query, "error", outcome.err)
			failed++
			continue
		}
		ordered[outcome.index] = outcome.result
	}

	results := make([]QueryResult, 0, len(ordered))
	for _, qr := range ordered {
		if qr != nil {
			results = append(results, *qr)
		}
	}
	if len(results) == 0 {
		return nil, errors.EmptyResultError("no queries in the set ran successfully")
	}

	runResult := &QuerySetRunResult{
		RunID:         uuid.NewString(),
		QuerySetID:    params.QuerySetID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Metrics:       aggregate(results),
		QueryResults:  results,
		FailedQueries: failed,
	}

	if err := r.saveRun(ctx, params, runResult); err != nil {
		return nil, err
	}

	log.Info("query set run complete",
		"run_id", runResult.RunID,
		"succeeded", len(results),
		"failed", failed)
	return runResult, nil
}

// runQuery substitutes the user query into the template, executes the
// bounded search, and scores the returned document ids.
func (r *Runner) runQuery(ctx context.Context, params Parameters, userQuery string) (*QueryResult, error) {
	query, err := renderQuery(params.QueryBody, userQuery)
	if err != nil {
		return nil, err
	}

	var includes []string
	if params.IDField != "" {
		includes = []string{params.IDField}
	}

	resp, err := r.engine.Search(ctx, engine.SearchRequest{
		Index:          params.Index,
		Query:          query,
		From:           0,
		Size:           params.K,
		SourceIncludes: includes,
		Pipeline:       params.SearchPipeline,
	})
	if err != nil {
		return nil, err
	}

	documentIDs, err := r.documentIDs(resp.Hits, params.IDField)
	if err != nil {
		return nil, err
	}

	scores, frogs, err := r.scorer.Score(ctx, params.JudgmentsID, userQuery, documentIDs, params.K)
	if err != nil {
		return nil, err
	}

	return &QueryResult{
		Query:        userQuery,
		DocumentIDs:  documentIDs,
		Metrics:      metrics.Calculate(scores, params.K, params.Threshold),
		FrogsPercent: frogs,
	}, nil
}

// renderQuery substitutes the user query text into the template and parses
// the result. The text is JSON-escaped first so queries containing quotes
// or backslashes stay valid.
func renderQuery(template, userQuery string) (map[string]any, error) {
	escaped, err := json.Marshal(userQuery)
	if err != nil {
		return nil, errors.InternalError("escaping user query", err)
	}

	body := strings.ReplaceAll(template, QueryPlaceholder, string(escaped[1:len(escaped)-1]))

	var query map[string]any
	if err := json.Unmarshal([]byte(body), &query); err != nil {
		return nil, errors.ValidationError("query body is not valid JSON after substitution: " + err.Error())
	}
	return query, nil
}

// documentIDs extracts the ranked document ids from the hits, reading the
// configured source field when one is set.
func (r *Runner) documentIDs(hits []engine.Hit, idField string) ([]string, error) {
	ids := make([]string, 0, len(hits))
	for _, hit := range hits {
		if idField == "" {
			ids = append(ids, hit.ID)
			continue
		}

		source, err := hit.SourceMap()
		if err != nil {
			return nil, errors.InternalError("decoding hit source", err)
		}
		value, ok := source[idField].(string)
		if !ok {
			r.log.Warn("hit missing id field, using document id", "field", idField, "id", hit.ID)
			value = hit.ID
		}
		ids = append(ids, value)
	}
	return ids, nil
}

// aggregate averages each metric over the successful queries.
func aggregate(results []QueryResult) []metrics.Metric {
	sums := make(map[string]float64)
	var order []string
	for _, qr := range results {
		for _, m := range qr.Metrics {
			if _, seen := sums[m.Name]; !seen {
				order = append(order, m.Name)
			}
			sums[m.Name] += m.Value
		}
	}

	aggregated := make([]metrics.Metric, 0, len(order))
	for _, name := range order {
		aggregated = append(aggregated, metrics.Metric{
			Name:  name,
			Value: sums[name] / float64(len(results)),
		})
	}
	return aggregated
}
