// Package sampling selects bounded, weighted sets of historical queries
// for repeatable relevance evaluation.
package sampling

import (
	"context"
	"fmt"
	"strings"

	"github.com/o19s/search-relevance/internal/engine"
	"github.com/o19s/search-relevance/internal/pkg/errors"
	"github.com/o19s/search-relevance/internal/pkg/logger"
)

// Sampler names.
const (
	NameRandom = "random"
	NameTopN   = "topn"
	NamePptss  = "pptss"
	NameAll    = "all"
)

// userQueryField is the queries-index field samplers select over.
const userQueryField = "user_query"

// QuerySetQuery is one sampled query with its corpus-wide frequency.
type QuerySetQuery struct {
	Query     string `json:"query"`
	Frequency int64  `json:"frequency"`
}

// QuerySet is a fixed, named sample of historical queries. Immutable once
// created; runs reference it by id.
type QuerySet struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Sampling    string          `json:"sampling"`
	Queries     []QuerySetQuery `json:"query_set_queries"`
	Timestamp   string          `json:"timestamp"`
}

// Parameters configures one sampling run.
type Parameters struct {
	Name         string
	Description  string
	QuerySetSize int

	// Seed fixes the random source for the random and pptss samplers.
	// Zero selects a time-based seed.
	Seed int64

	// CorpusPageSize bounds each page loaded from the query corpus.
	CorpusPageSize int

	// MaxQueries caps the corpus walk of the "all" sampler.
	MaxQueries int
}

func (p *Parameters) applyDefaults() {
	if p.QuerySetSize <= 0 {
		p.QuerySetSize = 100
	}
	if p.CorpusPageSize <= 0 {
		p.CorpusPageSize = 10000
	}
	if p.MaxQueries <= 0 {
		p.MaxQueries = 100000
	}
}

// Sampler selects a query set and persists it, returning the new id.
type Sampler interface {
	Name() string
	Sample(ctx context.Context) (string, error)
}

// New creates a sampler by method name.
func New(method string, e engine.SearchEngine, store *Store, params Parameters, log *logger.Logger) (Sampler, error) {
	params.applyDefaults()

	switch strings.ToLower(method) {
	case NameRandom:
		return &RandomSampler{engine: e, store: store, params: params, log: log}, nil
	case NameTopN:
		return &TopNSampler{engine: e, store: store, params: params, log: log}, nil
	case NamePptss:
		return &PptssSampler{engine: e, store: store, params: params, log: log}, nil
	case NameAll:
		return &AllSampler{engine: e, store: store, params: params, log: log}, nil
	default:
		return nil, errors.InvalidRequestError(fmt.Sprintf("unknown sampling method: %s", method))
	}
}
