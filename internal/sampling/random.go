package sampling

import (
	"context"
	"encoding/json"
	"time"

	"github.com/o19s/search-relevance/internal/engine"
	"github.com/o19s/search-relevance/internal/pkg/logger"
	"github.com/o19s/search-relevance/internal/ubi"
)

// RandomSampler selects queries with a uniform-random scoring function,
// collapsed to one hit per distinct user query. The corpus-wide frequency
// of each selected query is resolved with a separate count.
type RandomSampler struct {
	engine engine.SearchEngine
	store  *Store
	params Parameters
	log    *logger.Logger
}

// Name implements Sampler.
func (s *RandomSampler) Name() string {
	return NameRandom
}

// Sample implements Sampler.
func (s *RandomSampler) Sample(ctx context.Context) (string, error) {
	seed := s.params.Seed
	if seed == 0 {
		seed = time.Now().UnixMilli()
	}

	resp, err := s.engine.Search(ctx, engine.SearchRequest{
		Index: ubi.QueriesIndexName,
		Query: map[string]any{
			"bool": map[string]any{
				"must": []any{
					map[string]any{"exists": map[string]any{"field": userQueryField}},
					map[string]any{
						"function_score": map[string]any{
							"query": map[string]any{"match_all": map[string]any{}},
							"functions": []any{
								map[string]any{
									"random_score": map[string]any{"seed": seed, "field": "_seq_no"},
								},
							},
						},
					},
				},
				"must_not": []any{map[string]any{"term": map[string]any{userQueryField: ""}}},
			},
		},
		From:           0,
		Size:           s.params.QuerySetSize,
		Collapse:       userQueryField,
		SourceIncludes: []string{userQueryField},
	})
	if err != nil {
		return "", err
	}

	queries := make(map[string]int64, len(resp.Hits))
	for _, hit := range resp.Hits {
		var query ubi.Query
		if err := json.Unmarshal(hit.Source, &query); err != nil {
			s.log.Warn("skipping undecodable query record", "id", hit.ID, "error", err)
			continue
		}

		frequency, err := s.engine.Count(ctx, ubi.QueriesIndexName, map[string]any{
			"term": map[string]any{userQueryField: query.UserQuery},
		})
		if err != nil {
			return "", err
		}

		s.log.Debug("adding user query to query set", "query", query.UserQuery, "frequency", frequency)
		queries[query.UserQuery] = frequency
	}

	return s.store.Save(ctx, s.params.Name, s.params.Description, NameRandom, queries)
}
