package sampling

import (
	"context"
	"encoding/json"

	"github.com/o19s/search-relevance/internal/engine"
	"github.com/o19s/search-relevance/internal/pkg/logger"
	"github.com/o19s/search-relevance/internal/ubi"
)

// AllSampler pages through the full query corpus and counts occurrences
// per user query text, stopping once the configured cap is reached.
type AllSampler struct {
	engine engine.SearchEngine
	store  *Store
	params Parameters
	log    *logger.Logger
}

// Name implements Sampler.
func (s *AllSampler) Name() string {
	return NameAll
}

// Sample implements Sampler.
func (s *AllSampler) Sample(ctx context.Context) (string, error) {
	scroll, err := s.engine.OpenScroll(ctx, ubi.QueriesIndexName, map[string]any{
		"match_all": map[string]any{},
	}, s.params.CorpusPageSize)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := scroll.Close(ctx); err != nil {
			s.log.Warn("closing query corpus scroll", "error", err)
		}
	}()

	queries := make(map[string]int64)
	seen := 0

corpus:
	for {
		hits, err := scroll.Next(ctx)
		if err != nil {
			return "", err
		}
		if hits == nil {
			break
		}

		for _, hit := range hits {
			var query ubi.Query
			if err := json.Unmarshal(hit.Source, &query); err != nil {
				s.log.Warn("skipping undecodable query record", "id", hit.ID, "error", err)
				continue
			}
			if query.UserQuery == "" {
				continue
			}

			queries[query.UserQuery]++
			seen++
			if seen >= s.params.MaxQueries {
				s.log.Info("query corpus cap reached", "cap", s.params.MaxQueries)
				break corpus
			}
		}
	}

	return s.store.Save(ctx, s.params.Name, s.params.Description, NameAll, queries)
}
