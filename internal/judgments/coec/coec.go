// Package coec implements the COEC (Clicks Over Expected Clicks) click
// model. It derives implicit relevance judgments from behavioral events by
// normalizing observed clicks against a position-bias baseline.
package coec

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/o19s/search-relevance/internal/engine"
	"github.com/o19s/search-relevance/internal/judgments"
	"github.com/o19s/search-relevance/internal/pkg/logger"
	"github.com/o19s/search-relevance/internal/ubi"
)

// Name is the click model name used for dispatch.
const Name = "coec"

// Parameters configures one COEC calculation.
type Parameters struct {
	// MaxRank bounds the positions considered for the CTR baseline and
	// the expected-clicks sum.
	MaxRank int

	// ScrollPageSize is the page size for the event corpus scroll.
	ScrollPageSize int

	// RoundingDigits is the decimal precision of stored judgment values.
	RoundingDigits int

	// Workers bounds the concurrent expected-clicks lookups.
	Workers int
}

func (p *Parameters) applyDefaults() {
	if p.MaxRank <= 0 {
		p.MaxRank = 20
	}
	if p.ScrollPageSize <= 0 {
		p.ScrollPageSize = 1000
	}
	if p.RoundingDigits <= 0 {
		p.RoundingDigits = 3
	}
	if p.Workers <= 0 {
		p.Workers = 4
	}
}

// ClickModel calculates COEC judgments.
type ClickModel struct {
	engine  engine.SearchEngine
	store   *judgments.Store
	queries *QueryCache
	params  Parameters
	log     *logger.Logger
}

// New creates a COEC click model.
func New(e engine.SearchEngine, store *judgments.Store, queries *QueryCache, params Parameters, log *logger.Logger) *ClickModel {
	params.applyDefaults()
	return &ClickModel{
		engine:  e,
		store:   store,
		queries: queries,
		params:  params,
		log:     log,
	}
}

// Name implements judgments.ClickModel.
func (m *ClickModel) Name() string {
	return Name
}

// CalculateJudgments implements judgments.ClickModel. It runs the three
// calculation stages in order and persists the judgment batch as one
// logical unit. Any stage failure aborts the whole calculation; an empty
// result surfaces as an empty-result error, never as an id.
func (m *ClickModel) CalculateJudgments(ctx context.Context) (string, error) {
	m.log.Info("beginning calculation of rank-aggregated clickthrough")
	ctrByRank, err := m.rankAggregatedClickthrough(ctx)
	if err != nil {
		return "", err
	}
	m.log.Info("rank-aggregated clickthrough positions", "count", len(ctrByRank))

	m.log.Info("beginning calculation of clickthrough rates")
	rates, err := m.clickthroughRates(ctx)
	if err != nil {
		return "", err
	}
	m.log.Info("clickthrough rates calculated", "queries", len(rates))

	m.log.Info("beginning calculation of implicit judgments")
	batch, err := m.calculateCoec(ctx, ctrByRank, rates)
	if err != nil {
		return "", err
	}

	return m.store.IndexSet(ctx, batch)
}

// pairJudgment carries one computed judgment with its position in the
// stable pair ordering, so concurrent workers can fan in without locking.
type pairJudgment struct {
	index    int
	judgment judgments.Judgment
}

// calculateCoec computes a judgment for every (user query, clickthrough
// rate) pair: observed clicks divided by the expected clicks an average
// document would receive over the same impressions. A zero expected-clicks
// denominator yields a judgment of exactly 0, never NaN or Inf.
func (m *ClickModel) calculateCoec(
	ctx context.Context,
	ctrByRank map[int]float64,
	rates map[string][]*ClickthroughRate,
) ([]judgments.Judgment, error) {

	// Stable ordering over user queries keeps output deterministic and
	// gives each query a stable numeric id within the set.
	userQueries := make([]string, 0, len(rates))
	for userQuery := range rates {
		userQueries = append(userQueries, userQuery)
	}
	sort.Strings(userQueries)

	type pair struct {
		userQuery string
		queryID   int
		rate      *ClickthroughRate
	}

	var pairs []pair
	for i, userQuery := range userQueries {
		for _, rate := range rates[userQuery] {
			pairs = append(pairs, pair{userQuery: userQuery, queryID: i + 1, rate: rate})
		}
	}

	results := make(chan pairJudgment, len(pairs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.params.Workers)

	// The expected-clicks lookups dominate the cost of a calculation:
	// one count per rank per pair, scoped to all query ids sharing the
	// user query text.
	queryIDsByUserQuery := make(map[string][]string, len(userQueries))
	for _, userQuery := range userQueries {
		ids, err := m.queryIDsForUserQuery(ctx, userQuery)
		if err != nil {
			return nil, err
		}
		queryIDsByUserQuery[userQuery] = ids
	}

	for i, p := range pairs {
		g.Go(func() error {
			expectedClicks, err := m.expectedClicks(gctx, queryIDsByUserQuery[p.userQuery], p.rate.ObjectID, ctrByRank)
			if err != nil {
				return err
			}

			value := 0.0
			if expectedClicks > 0 {
				value = round(float64(p.rate.Clicks)/expectedClicks, m.params.RoundingDigits)
			}

			results <- pairJudgment{
				index: i,
				judgment: judgments.Judgment{
					QueryID:    strconv.Itoa(p.queryID),
					UserQuery:  p.userQuery,
					DocumentID: p.rate.ObjectID,
					Judgment:   value,
				},
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	close(results)

	batch := make([]judgments.Judgment, len(pairs))
	for r := range results {
		batch[r.index] = r.judgment
	}

	m.log.Info("judgments calculated", "user_queries", len(userQueries), "judgments", len(batch))
	return batch, nil
}

// expectedClicks sums, over all ranks up to maxRank, the baseline CTR at
// the rank times the number of impressions this document received at the
// rank across all queries sharing the user query text.
func (m *ClickModel) expectedClicks(ctx context.Context, queryIDs []string, objectID string, ctrByRank map[int]float64) (float64, error) {
	if len(queryIDs) == 0 {
		return 0, nil
	}

	sum := 0.0
	for rank := 0; rank < m.params.MaxRank; rank++ {
		meanCtr := ctrByRank[rank]
		if meanCtr == 0 {
			continue
		}

		shown, err := m.countShownAtRank(ctx, queryIDs, objectID, rank)
		if err != nil {
			return 0, err
		}
		sum += meanCtr * float64(shown)
	}
	return sum, nil
}

// countShownAtRank counts impression events for the document at exactly
// the given rank, over the given query ids, as a single terms-filtered
// count.
func (m *ClickModel) countShownAtRank(ctx context.Context, queryIDs []string, objectID string, rank int) (int64, error) {
	ids := make([]any, 0, len(queryIDs))
	for _, id := range queryIDs {
		ids = append(ids, id)
	}

	return m.engine.Count(ctx, ubi.EventsIndexName, map[string]any{
		"bool": map[string]any{
			"must": []any{
				map[string]any{"terms": map[string]any{"query_id": ids}},
				map[string]any{"term": map[string]any{"action_name": ubi.ActionImpression}},
				map[string]any{"term": map[string]any{"event_attributes.position.ordinal": rank}},
				map[string]any{"term": map[string]any{"event_attributes.object.object_id": objectID}},
			},
		},
	})
}

func round(value float64, digits int) float64 {
	scale := math.Pow(10, float64(digits))
	return math.Round(value*scale) / scale
}

// queryIDsForUserQuery resolves every query id sharing the user query text.
func (m *ClickModel) queryIDsForUserQuery(ctx context.Context, userQuery string) ([]string, error) {
	resp, err := m.engine.Search(ctx, engine.SearchRequest{
		Index: ubi.QueriesIndexName,
		Query: map[string]any{
			"match": map[string]any{"user_query": userQuery},
		},
		From:           0,
		Size:           10000,
		SourceIncludes: []string{"query_id"},
	})
	if err != nil {
		return nil, err
	}

	queryIDs := make([]string, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		var doc struct {
			QueryID string `json:"query_id"`
		}
		if err := json.Unmarshal(hit.Source, &doc); err != nil {
			m.log.Warn("skipping undecodable query record", "id", hit.ID, "error", err)
			continue
		}
		queryIDs = append(queryIDs, doc.QueryID)
	}
	return queryIDs, nil
}
