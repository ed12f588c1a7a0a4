// Package engine abstracts the search backend consumed by the judgment
// calculators, samplers, and the query set runner. Implementations must
// retry transient failures internally; callers receive terminal results.
package engine

import (
	"context"
	"encoding/json"
)

// Hit is a single search result.
type Hit struct {
	ID     string
	Source json.RawMessage
}

// SourceMap decodes the hit source into a generic map.
func (h Hit) SourceMap() (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(h.Source, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// SearchRequest is a bounded search against one index.
type SearchRequest struct {
	Index string

	// Query is the backend query DSL, e.g. {"match_all": {}}.
	Query map[string]any

	From int
	Size int

	// SourceIncludes restricts returned source fields. Empty returns all.
	SourceIncludes []string

	// Collapse folds hits to one per distinct value of the given field.
	Collapse string

	// Pipeline names an optional search pipeline to apply.
	Pipeline string
}

// SearchResponse holds ordered hits and the total match count.
type SearchResponse struct {
	Hits  []Hit
	Total int64
}

// AggregateRequest is a terms aggregation, optionally with one nested
// terms sub-aggregation.
type AggregateRequest struct {
	Index string
	Query map[string]any

	Field    string
	SubField string
	Size     int

	// OrderByKey orders buckets by key instead of descending count.
	OrderByKey bool
}

// Bucket is one terms-aggregation bucket. Buckets holds the nested
// sub-aggregation buckets when a SubField was requested.
type Bucket struct {
	Key      string
	DocCount int64
	Buckets  []Bucket
}

// Document is one item of a bulk write.
type Document struct {
	ID     string
	Source any
}

// BulkResult reports per-item outcomes of a bulk write.
type BulkResult struct {
	Indexed int
	Failed  []BulkFailure
}

// BulkFailure describes one rejected bulk item.
type BulkFailure struct {
	ID     string
	Reason string
}

// Scroll pages through a large result set. Next returns nil hits when the
// scroll is exhausted. Close releases the backend cursor.
type Scroll interface {
	Next(ctx context.Context) ([]Hit, error)
	Close(ctx context.Context) error
}

// SearchEngine is the backend contract. It is implementation-agnostic; the
// Elasticsearch client is the production implementation and tests provide
// stubs.
type SearchEngine interface {
	// Search executes a bounded search.
	Search(ctx context.Context, req SearchRequest) (*SearchResponse, error)

	// Aggregate runs a terms aggregation and returns its buckets.
	Aggregate(ctx context.Context, req AggregateRequest) ([]Bucket, error)

	// Count returns the number of documents matching the query.
	Count(ctx context.Context, index string, query map[string]any) (int64, error)

	// OpenScroll starts a cursor over all documents matching the query.
	OpenScroll(ctx context.Context, index string, query map[string]any, pageSize int) (Scroll, error)

	// BulkWrite indexes the documents into the index as one bulk request.
	BulkWrite(ctx context.Context, index string, docs []Document) (*BulkResult, error)

	// EnsureIndex creates the index with the mapping if it does not exist.
	EnsureIndex(ctx context.Context, name, mapping string) error

	// Delete removes a document by id. Returns false if it did not exist.
	Delete(ctx context.Context, index, id string) (bool, error)

	// DeleteByQuery removes all documents matching the query and returns
	// the number deleted.
	DeleteByQuery(ctx context.Context, index string, query map[string]any) (int64, error)
}
