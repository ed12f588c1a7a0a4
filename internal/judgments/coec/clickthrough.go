package coec

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/o19s/search-relevance/internal/engine"
	"github.com/o19s/search-relevance/internal/ubi"
)

// ClickthroughIndexName holds the per-pair clickthrough rates.
const ClickthroughIndexName = "click_through_rates"

const clickthroughMapping = `{
  "mappings": {
    "properties": {
      "user_query": { "type": "keyword" },
      "object_id":  { "type": "keyword" },
      "clicks":     { "type": "integer" },
      "events":     { "type": "integer" },
      "ctr":        { "type": "double" }
    }
  }
}`

// ClickthroughRate tracks observed clicks and impressions for one
// (user query, document) pair during a calculation pass.
type ClickthroughRate struct {
	ObjectID    string
	Clicks      int
	Impressions int
}

// Ctr returns clicks/impressions, 0 when there are no impressions.
func (c *ClickthroughRate) Ctr() float64 {
	if c.Impressions == 0 {
		return 0
	}
	return float64(c.Clicks) / float64(c.Impressions)
}

// clickthroughRates pages through the full event corpus and accumulates
// click and impression counts per (user query, document) pair. Events whose
// query_id has no matching query record are skipped; unrecognized action
// names are ignored. Both are logged, neither aborts the pass.
func (m *ClickModel) clickthroughRates(ctx context.Context) (map[string][]*ClickthroughRate, error) {
	query := map[string]any{
		"bool": map[string]any{
			"should": []any{
				map[string]any{"term": map[string]any{"action_name": ubi.ActionClick}},
				map[string]any{"term": map[string]any{"action_name": ubi.ActionImpression}},
			},
			"must": []any{
				map[string]any{
					"range": map[string]any{
						"event_attributes.position.ordinal": map[string]any{"lte": m.params.MaxRank},
					},
				},
			},
		},
	}

	scroll, err := m.engine.OpenScroll(ctx, ubi.EventsIndexName, query, m.params.ScrollPageSize)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := scroll.Close(ctx); err != nil {
			m.log.Warn("closing event scroll", "error", err)
		}
	}()

	rates := make(map[string][]*ClickthroughRate)

	for {
		hits, err := scroll.Next(ctx)
		if err != nil {
			return nil, err
		}
		if hits == nil {
			break
		}

		for _, hit := range hits {
			var event ubi.Event
			if err := json.Unmarshal(hit.Source, &event); err != nil {
				m.log.Warn("skipping undecodable event", "id", hit.ID, "error", err)
				continue
			}

			userQuery, found, err := m.queries.UserQuery(ctx, event.QueryID)
			if err != nil {
				return nil, err
			}
			if !found {
				m.log.Warn("no query exists for event query_id", "query_id", event.QueryID)
				continue
			}

			rate := findOrAddRate(rates, userQuery, event.ObjectID())

			switch event.ActionName {
			case ubi.ActionClick:
				rate.Clicks++
			case ubi.ActionImpression:
				rate.Impressions++
			default:
				m.log.Warn("invalid event action name", "action_name", event.ActionName)
			}
		}
	}

	if err := m.indexClickthroughRates(ctx, rates); err != nil {
		return nil, err
	}

	return rates, nil
}

func findOrAddRate(rates map[string][]*ClickthroughRate, userQuery, objectID string) *ClickthroughRate {
	for _, rate := range rates[userQuery] {
		if rate.ObjectID == objectID {
			return rate
		}
	}
	rate := &ClickthroughRate{ObjectID: objectID}
	rates[userQuery] = append(rates[userQuery], rate)
	return rate
}

func (m *ClickModel) indexClickthroughRates(ctx context.Context, rates map[string][]*ClickthroughRate) error {
	if len(rates) == 0 {
		return nil
	}

	if err := m.engine.EnsureIndex(ctx, ClickthroughIndexName, clickthroughMapping); err != nil {
		return err
	}

	var docs []engine.Document
	for userQuery, pairRates := range rates {
		for _, rate := range pairRates {
			docs = append(docs, engine.Document{
				ID: uuid.NewString(),
				Source: map[string]any{
					"user_query": userQuery,
					"object_id":  rate.ObjectID,
					"clicks":     rate.Clicks,
					"events":     rate.Impressions,
					"ctr":        rate.Ctr(),
				},
			})
		}
	}

	result, err := m.engine.BulkWrite(ctx, ClickthroughIndexName, docs)
	if err != nil {
		return err
	}
	if len(result.Failed) > 0 {
		m.log.Warn("some clickthrough rates failed to index", "failed", len(result.Failed))
	}
	return nil
}
