package coec

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/o19s/search-relevance/internal/engine"
	"github.com/o19s/search-relevance/internal/ubi"
)

// QueryCache is a read-through cache from query_id to user_query text,
// backed by single-document lookups against the queries index. It is safe
// for concurrent use and bounded: when full, the oldest entry is evicted.
type QueryCache struct {
	engine  engine.SearchEngine
	maxSize int

	mu    sync.RWMutex
	cache map[string]string
	order []string
}

// NewQueryCache creates a query cache with the given capacity.
func NewQueryCache(e engine.SearchEngine, maxSize int) *QueryCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &QueryCache{
		engine:  e,
		maxSize: maxSize,
		cache:   make(map[string]string),
		order:   make([]string, 0, maxSize),
	}
}

// UserQuery resolves a query_id to its user_query text. The second return
// value is false when no query record exists for the id; such events are
// skipped by the caller.
func (c *QueryCache) UserQuery(ctx context.Context, queryID string) (string, bool, error) {
	c.mu.RLock()
	userQuery, ok := c.cache[queryID]
	c.mu.RUnlock()
	if ok {
		return userQuery, true, nil
	}

	resp, err := c.engine.Search(ctx, engine.SearchRequest{
		Index: ubi.QueriesIndexName,
		Query: map[string]any{
			"match": map[string]any{"query_id": queryID},
		},
		From:           0,
		Size:           1,
		SourceIncludes: []string{"user_query"},
	})
	if err != nil {
		return "", false, err
	}
	if len(resp.Hits) == 0 {
		return "", false, nil
	}

	var doc struct {
		UserQuery string `json:"user_query"`
	}
	if err := json.Unmarshal(resp.Hits[0].Source, &doc); err != nil {
		return "", false, err
	}

	c.put(queryID, doc.UserQuery)
	return doc.UserQuery, true, nil
}

func (c *QueryCache) put(queryID, userQuery string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.cache[queryID]; exists {
		return
	}
	if len(c.order) >= c.maxSize {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.cache, oldest)
	}
	c.cache[queryID] = userQuery
	c.order = append(c.order, queryID)
}

// Len returns the number of cached entries.
func (c *QueryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}
