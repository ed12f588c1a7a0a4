package runner

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/o19s/search-relevance/internal/engine"
	"github.com/o19s/search-relevance/internal/pkg/errors"
	"github.com/o19s/search-relevance/internal/pkg/logger"
)

// SearchConfigsIndexName is the index stored search configurations live in.
const SearchConfigsIndexName = "search_configurations"

const searchConfigsMapping = `{
  "mappings": {
    "properties": {
      "id":         { "type": "keyword" },
      "name":       { "type": "keyword" },
      "query_body": { "type": "text", "index": false },
      "timestamp":  { "type": "date", "format": "strict_date_time" }
    }
  }
}`

// SearchConfiguration is a named, reusable query template. Runs may
// reference one by id instead of carrying the template inline.
type SearchConfiguration struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	QueryBody string `json:"query_body"`
	Timestamp string `json:"timestamp"`
}

// SearchConfigStore persists search configurations.
type SearchConfigStore struct {
	engine engine.SearchEngine
	log    *logger.Logger
}

// NewSearchConfigStore creates a search configuration store.
func NewSearchConfigStore(e engine.SearchEngine, log *logger.Logger) *SearchConfigStore {
	return &SearchConfigStore{engine: e, log: log}
}

// Save persists a configuration under a fresh id and returns the id. The
// query body must carry the substitution placeholder.
func (s *SearchConfigStore) Save(ctx context.Context, name, queryBody string) (string, error) {
	if name == "" {
		return "", errors.ValidationError("name is required")
	}
	if !strings.Contains(queryBody, QueryPlaceholder) {
		return "", errors.ValidationError("query body must contain the placeholder " + QueryPlaceholder)
	}

	if err := s.engine.EnsureIndex(ctx, SearchConfigsIndexName, searchConfigsMapping); err != nil {
		return "", errors.BackendError("ensuring search configurations index", err)
	}

	config := SearchConfiguration{
		ID:        uuid.NewString(),
		Name:      name,
		QueryBody: queryBody,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	result, err := s.engine.BulkWrite(ctx, SearchConfigsIndexName, []engine.Document{
		{ID: config.ID, Source: config},
	})
	if err != nil {
		return "", errors.BackendError("indexing search configuration", err)
	}
	if len(result.Failed) > 0 {
		return "", errors.BackendError("search configuration failed to index: "+result.Failed[0].Reason, nil)
	}

	s.log.Info("indexed search configuration", "id", config.ID, "name", name)
	return config.ID, nil
}

// Get loads a configuration by id.
func (s *SearchConfigStore) Get(ctx context.Context, id string) (*SearchConfiguration, error) {
	resp, err := s.engine.Search(ctx, engine.SearchRequest{
		Index: SearchConfigsIndexName,
		Query: map[string]any{"term": map[string]any{"id": id}},
		From:  0,
		Size:  1,
	})
	if err != nil {
		return nil, errors.BackendError("fetching search configuration", err)
	}
	if len(resp.Hits) == 0 {
		return nil, errors.NotFoundError("search configuration " + id)
	}

	var config SearchConfiguration
	if err := json.Unmarshal(resp.Hits[0].Source, &config); err != nil {
		return nil, errors.InternalError("decoding search configuration", err)
	}
	return &config, nil
}

// List returns stored configurations, newest first.
func (s *SearchConfigStore) List(ctx context.Context, size int) ([]SearchConfiguration, error) {
	if size <= 0 {
		size = 100
	}
	resp, err := s.engine.Search(ctx, engine.SearchRequest{
		Index: SearchConfigsIndexName,
		Query: map[string]any{"match_all": map[string]any{}},
		From:  0,
		Size:  size,
	})
	if err != nil {
		return nil, errors.BackendError("listing search configurations", err)
	}

	configs := make([]SearchConfiguration, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		var config SearchConfiguration
		if err := json.Unmarshal(hit.Source, &config); err != nil {
			s.log.Warn("skipping undecodable search configuration", "id", hit.ID, "error", err)
			continue
		}
		configs = append(configs, config)
	}
	return configs, nil
}

// Delete removes a configuration by id. Returns false when it did not exist.
func (s *SearchConfigStore) Delete(ctx context.Context, id string) (bool, error) {
	found, err := s.engine.Delete(ctx, SearchConfigsIndexName, id)
	if err != nil {
		return false, errors.BackendError("deleting search configuration", err)
	}
	return found, nil
}
