package sampling

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/o19s/search-relevance/internal/engine"
	"github.com/o19s/search-relevance/internal/pkg/errors"
	"github.com/o19s/search-relevance/internal/pkg/logger"
	"github.com/o19s/search-relevance/internal/ubi"
)

// weightTolerance bounds how far normalized weights may drift from 1.0
// before the sampler refuses to draw.
const weightTolerance = 1e-5

// PptssSampler implements probability-proportional-to-size sampling: each
// distinct user query is drawn with probability proportional to how often
// it appears in the corpus.
type PptssSampler struct {
	engine engine.SearchEngine
	store  *Store
	params Parameters
	log    *logger.Logger
}

// Name implements Sampler.
func (s *PptssSampler) Name() string {
	return NamePptss
}

// Sample implements Sampler.
func (s *PptssSampler) Sample(ctx context.Context) (string, error) {
	frequencies, err := s.loadFrequencies(ctx)
	if err != nil {
		return "", err
	}
	if len(frequencies) == 0 {
		return "", errors.EmptyResultError("query corpus is empty")
	}

	// Draws walk the cumulative distribution in sorted query-text order
	// so a fixed seed yields the same sample on every run.
	texts := make([]string, 0, len(frequencies))
	var total int64
	for text, frequency := range frequencies {
		texts = append(texts, text)
		total += frequency
	}
	sort.Strings(texts)

	cumulative := make([]float64, len(texts))
	sum := 0.0
	for i, text := range texts {
		sum += float64(frequencies[text]) / float64(total)
		cumulative[i] = sum
	}
	if math.Abs(sum-1.0) > weightTolerance {
		return "", errors.ValidationError(fmt.Sprintf("query weights sum to %f, expected 1.0", sum))
	}

	seed := s.params.Seed
	if seed == 0 {
		seed = time.Now().UnixMilli()
	}
	rng := rand.New(rand.NewSource(seed))

	queries := make(map[string]int64, s.params.QuerySetSize)
	for i := 0; i < s.params.QuerySetSize; i++ {
		text := texts[drawIndex(cumulative, rng.Float64())]
		queries[text] = frequencies[text]
	}

	s.log.Info("sampled query set", "distinct", len(queries), "draws", s.params.QuerySetSize, "seed", seed)
	return s.store.Save(ctx, s.params.Name, s.params.Description, NamePptss, queries)
}

// drawIndex returns the first index whose cumulative weight covers r.
func drawIndex(cumulative []float64, r float64) int {
	i := sort.SearchFloat64s(cumulative, r)
	if i >= len(cumulative) {
		i = len(cumulative) - 1
	}
	return i
}

// loadFrequencies walks the full query corpus and counts occurrences per
// distinct user query text.
func (s *PptssSampler) loadFrequencies(ctx context.Context) (map[string]int64, error) {
	scroll, err := s.engine.OpenScroll(ctx, ubi.QueriesIndexName, map[string]any{
		"bool": map[string]any{
			"must":     []any{map[string]any{"exists": map[string]any{"field": userQueryField}}},
			"must_not": []any{map[string]any{"term": map[string]any{userQueryField: ""}}},
		},
	}, s.params.CorpusPageSize)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := scroll.Close(ctx); err != nil {
			s.log.Warn("closing query corpus scroll", "error", err)
		}
	}()

	frequencies := make(map[string]int64)
	for {
		hits, err := scroll.Next(ctx)
		if err != nil {
			return nil, err
		}
		if hits == nil {
			return frequencies, nil
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
			frequencies[query.UserQuery]++
		}
	}
}
