package coec

import (
	"context"
	"strconv"

	"github.com/google/uuid"

	"github.com/o19s/search-relevance/internal/engine"
	"github.com/o19s/search-relevance/internal/ubi"
)

// RankAggregatedCtrIndexName holds the per-position CTR baseline.
const RankAggregatedCtrIndexName = "rank_aggregated_ctr"

const rankAggregatedCtrMapping = `{
  "mappings": {
    "properties": {
      "position": { "type": "integer" },
      "ctr":      { "type": "double" }
    }
  }
}`

// rankAggregatedClickthrough computes the position-only CTR baseline: for
// each rank up to maxRank, the number of clicks at that rank divided by the
// number of impressions at that rank, over all queries and documents.
//
// Ranks with no impressions, or with impressions but no clicks, get a CTR
// of 0.
func (m *ClickModel) rankAggregatedClickthrough(ctx context.Context) (map[int]float64, error) {
	buckets, err := m.engine.Aggregate(ctx, engine.AggregateRequest{
		Index: ubi.EventsIndexName,
		Query: map[string]any{
			"bool": map[string]any{
				"must": []any{
					map[string]any{
						"range": map[string]any{
							"event_attributes.position.ordinal": map[string]any{"lte": m.params.MaxRank},
						},
					},
				},
			},
		},
		Field:      "action_name",
		SubField:   "event_attributes.position.ordinal",
		Size:       m.params.MaxRank,
		OrderByKey: true,
	})
	if err != nil {
		return nil, err
	}

	impressionCounts := make(map[int]float64)
	clickCounts := make(map[int]float64)

	for _, actionBucket := range buckets {
		var counts map[int]float64
		switch actionBucket.Key {
		case ubi.ActionImpression:
			counts = impressionCounts
		case ubi.ActionClick:
			counts = clickCounts
		default:
			continue
		}
		for _, positionBucket := range actionBucket.Buckets {
			position, err := strconv.Atoi(positionBucket.Key)
			if err != nil {
				m.log.Warn("ignoring non-numeric position bucket", "key", positionBucket.Key)
				continue
			}
			counts[position] = float64(positionBucket.DocCount)
		}
	}

	ctrByRank := make(map[int]float64, m.params.MaxRank)
	for rank := 0; rank < m.params.MaxRank; rank++ {
		impressions, hasImpressions := impressionCounts[rank]
		clicks, hasClicks := clickCounts[rank]

		switch {
		case !hasImpressions:
			// No impressions recorded at this rank.
			ctrByRank[rank] = 0.0
		case !hasClicks:
			// Impressions but no clicks.
			ctrByRank[rank] = 0.0
		default:
			ctrByRank[rank] = clicks / impressions
		}
	}

	if err := m.indexRankAggregatedClickthrough(ctx, ctrByRank); err != nil {
		return nil, err
	}

	return ctrByRank, nil
}

func (m *ClickModel) indexRankAggregatedClickthrough(ctx context.Context, ctrByRank map[int]float64) error {
	if len(ctrByRank) == 0 {
		return nil
	}

	if err := m.engine.EnsureIndex(ctx, RankAggregatedCtrIndexName, rankAggregatedCtrMapping); err != nil {
		return err
	}

	docs := make([]engine.Document, 0, len(ctrByRank))
	for position, ctr := range ctrByRank {
		docs = append(docs, engine.Document{
			ID: uuid.NewString(),
			Source: map[string]any{
				"position": position,
				"ctr":      ctr,
			},
		})
	}

	result, err := m.engine.BulkWrite(ctx, RankAggregatedCtrIndexName, docs)
	if err != nil {
		return err
	}
	if len(result.Failed) > 0 {
		m.log.Warn("some rank-aggregated CTR docs failed to index", "failed", len(result.Failed))
	}
	return nil
}
