package sampling

import (
	"context"

	"github.com/o19s/search-relevance/internal/engine"
	"github.com/o19s/search-relevance/internal/pkg/logger"
	"github.com/o19s/search-relevance/internal/ubi"
)

// TopNSampler selects the most frequent user queries via a terms
// aggregation ordered by descending document count.
type TopNSampler struct {
	engine engine.SearchEngine
	store  *Store
	params Parameters
	log    *logger.Logger
}

// Name implements Sampler.
func (s *TopNSampler) Name() string {
	return NameTopN
}

// Sample implements Sampler.
func (s *TopNSampler) Sample(ctx context.Context) (string, error) {
	buckets, err := s.engine.Aggregate(ctx, engine.AggregateRequest{
		Index: ubi.QueriesIndexName,
		Query: map[string]any{
			"bool": map[string]any{
				"must":     []any{map[string]any{"exists": map[string]any{"field": userQueryField}}},
				"must_not": []any{map[string]any{"term": map[string]any{userQueryField: ""}}},
			},
		},
		Field: userQueryField,
		Size:  s.params.QuerySetSize,
	})
	if err != nil {
		return "", err
	}

	queries := make(map[string]int64, len(buckets))
	for _, bucket := range buckets {
		s.log.Debug("adding user query to query set", "query", bucket.Key, "frequency", bucket.DocCount)
		queries[bucket.Key] = bucket.DocCount
	}

	return s.store.Save(ctx, s.params.Name, s.params.Description, NameTopN, queries)
}
