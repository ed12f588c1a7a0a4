package sampling

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/o19s/search-relevance/internal/engine"
	"github.com/o19s/search-relevance/internal/pkg/errors"
	"github.com/o19s/search-relevance/internal/pkg/logger"
)

// QuerySetsIndexName is the index query sets are persisted to.
const QuerySetsIndexName = "query_sets"

// querySetsMapping is the query sets index schema.
const querySetsMapping = `{
  "mappings": {
    "properties": {
      "id":          { "type": "keyword" },
      "name":        { "type": "keyword" },
      "description": { "type": "text" },
      "sampling":    { "type": "keyword" },
      "query_set_queries": {
        "properties": {
          "query":     { "type": "keyword" },
          "frequency": { "type": "long" }
        }
      },
      "timestamp": { "type": "date", "format": "strict_date_time" }
    }
  }
}`

// Store persists and resolves query sets.
type Store struct {
	engine engine.SearchEngine
	log    *logger.Logger
}

// NewStore creates a query set store backed by the search engine.
func NewStore(e engine.SearchEngine, log *logger.Logger) *Store {
	return &Store{engine: e, log: log}
}

// Save persists a sampled query set under a fresh id and returns the id.
// Entries are sorted by query text for a stable persisted order.
func (s *Store) Save(ctx context.Context, name, description, sampling string, queries map[string]int64) (string, error) {
	if err := s.engine.EnsureIndex(ctx, QuerySetsIndexName, querySetsMapping); err != nil {
		return "", errors.BackendError("ensuring query sets index", err)
	}

	entries := make([]QuerySetQuery, 0, len(queries))
	for query, frequency := range queries {
		entries = append(entries, QuerySetQuery{Query: query, Frequency: frequency})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Query < entries[j].Query })

	querySet := QuerySet{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Sampling:    sampling,
		Queries:     entries,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}

	result, err := s.engine.BulkWrite(ctx, QuerySetsIndexName, []engine.Document{
		{ID: querySet.ID, Source: querySet},
	})
	if err != nil {
		return "", errors.BackendError("indexing query set", err)
	}
	if len(result.Failed) > 0 {
		return "", errors.BackendError("query set failed to index: "+result.Failed[0].Reason, nil)
	}

	s.log.Info("indexed query set", "query_set_id", querySet.ID, "queries", len(entries), "sampling", sampling)
	return querySet.ID, nil
}

// Get loads a query set by id.
func (s *Store) Get(ctx context.Context, id string) (*QuerySet, error) {
	resp, err := s.engine.Search(ctx, engine.SearchRequest{
		Index: QuerySetsIndexName,
		Query: map[string]any{
			"term": map[string]any{"id": id},
		},
		From: 0,
		Size: 1,
	})
	if err != nil {
		return nil, errors.BackendError("fetching query set", err)
	}
	if len(resp.Hits) == 0 {
		return nil, errors.NotFoundError("query set " + id)
	}

	var querySet QuerySet
	if err := json.Unmarshal(resp.Hits[0].Source, &querySet); err != nil {
		return nil, errors.InternalError("decoding query set", err)
	}
	return &querySet, nil
}

// Delete removes a query set by id. Returns false when it did not exist.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	found, err := s.engine.Delete(ctx, QuerySetsIndexName, id)
	if err != nil {
		return false, errors.BackendError("deleting query set", err)
	}
	return found, nil
}
