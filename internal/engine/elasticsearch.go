package engine

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	es "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/o19s/search-relevance/internal/config"
	"github.com/o19s/search-relevance/internal/pkg/logger"
)

const (
	defaultScrollTTL  = 10 * time.Minute
	defaultMaxElapsed = 30 * time.Second
)

// RequestObserver records the outcome of backend requests. One observation
// covers a whole operation including its retries.
type RequestObserver interface {
	ObserveRequest(operation, status string, elapsed time.Duration)
}

// Elasticsearch implements SearchEngine against an Elasticsearch or
// OpenSearch cluster. Transient failures (network errors, 429, 5xx) are
// retried with exponential backoff before an error is surfaced.
type Elasticsearch struct {
	client     *es.Client
	log        *logger.Logger
	maxElapsed time.Duration
	observer   RequestObserver
}

// SetObserver attaches request instrumentation. Must be called before the
// engine serves traffic.
func (e *Elasticsearch) SetObserver(obs RequestObserver) {
	e.observer = obs
}

// NewElasticsearch creates the production engine and verifies connectivity.
func NewElasticsearch(cfg config.ElasticsearchConfig, log *logger.Logger) (*Elasticsearch, error) {
	addresses := []string{cfg.URL}
	if !strings.HasPrefix(cfg.URL, "http://") && !strings.HasPrefix(cfg.URL, "https://") {
		addresses = []string{"http://" + cfg.URL}
	}

	clientConfig := es.Config{
		Addresses:  addresses,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.Username != "" {
		clientConfig.Username = cfg.Username
		clientConfig.Password = cfg.Password
	}

	client, err := es.NewClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}

	e := &Elasticsearch{
		client:     client,
		log:        log,
		maxElapsed: defaultMaxElapsed,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping elasticsearch: %w", err)
	}

	return e, nil
}

func (e *Elasticsearch) ping(ctx context.Context) error {
	res, err := e.client.Ping(e.client.Ping.WithContext(ctx))
	if err != nil {
		return err
	}
	defer closeBody(res)

	if res.IsError() {
		return fmt.Errorf("ping failed: %s", res.String())
	}
	return nil
}

// transientError marks an error as retryable.
type transientError struct {
	err error
}

func (t *transientError) Error() string { return t.err.Error() }
func (t *transientError) Unwrap() error { return t.err }

// do runs op with exponential backoff, retrying only transient errors.
func (e *Elasticsearch) do(ctx context.Context, name string, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = e.maxElapsed

	start := time.Now()
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		var transient *transientError
		if stderrors.As(err, &transient) {
			e.log.Warn("retrying backend operation", "op", name, "attempt", attempt, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(bo, ctx))

	if e.observer != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		e.observer.ObserveRequest(name, status, time.Since(start))
	}
	return err
}

// checkResponse classifies an API response, draining and closing its body.
// The decoded body is written into out when out is non-nil.
func checkResponse(res *esapi.Response, out any) error {
	defer closeBody(res)

	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		err := fmt.Errorf("backend returned [%d]: %s", res.StatusCode, string(body))
		if res.StatusCode == 429 || res.StatusCode >= 500 {
			return &transientError{err: err}
		}
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding backend response: %w", err)
	}
	return nil
}

func closeBody(res *esapi.Response) {
	if res != nil && res.Body != nil {
		_, _ = io.Copy(io.Discard, res.Body)
		_ = res.Body.Close()
	}
}

// searchBody builds the request body for a SearchRequest.
func searchBody(req SearchRequest) (io.Reader, error) {
	body := map[string]any{
		"query": req.Query,
		"from":  req.From,
		"size":  req.Size,
	}
	if len(req.SourceIncludes) > 0 {
		body["_source"] = req.SourceIncludes
	}
	if req.Collapse != "" {
		body["collapse"] = map[string]any{"field": req.Collapse}
	}
	if req.Pipeline != "" {
		body["search_pipeline"] = req.Pipeline
	}
	return encodeBody(body)
}

func encodeBody(body any) (io.Reader, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, fmt.Errorf("encoding request body: %w", err)
	}
	return &buf, nil
}

type esHits struct {
	Total struct {
		Value int64 `json:"value"`
	} `json:"total"`
	Hits []struct {
		ID     string          `json:"_id"`
		Source json.RawMessage `json:"_source"`
	} `json:"hits"`
}

type esSearchResponse struct {
	ScrollID     string                     `json:"_scroll_id"`
	Hits         esHits                     `json:"hits"`
	Aggregations map[string]json.RawMessage `json:"aggregations"`
}

func (r *esSearchResponse) toHits() []Hit {
	hits := make([]Hit, 0, len(r.Hits.Hits))
	for _, h := range r.Hits.Hits {
		hits = append(hits, Hit{ID: h.ID, Source: h.Source})
	}
	return hits
}

// Search implements SearchEngine.
func (e *Elasticsearch) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	var out esSearchResponse

	err := e.do(ctx, "search", func() error {
		body, err := searchBody(req)
		if err != nil {
			return err
		}
		res, err := e.client.Search(
			e.client.Search.WithContext(ctx),
			e.client.Search.WithIndex(req.Index),
			e.client.Search.WithBody(body),
			e.client.Search.WithTrackTotalHits(true),
		)
		if err != nil {
			return &transientError{err: err}
		}
		return checkResponse(res, &out)
	})
	if err != nil {
		return nil, err
	}

	return &SearchResponse{Hits: out.toHits(), Total: out.Hits.Total.Value}, nil
}

// Aggregate implements SearchEngine.
func (e *Elasticsearch) Aggregate(ctx context.Context, req AggregateRequest) ([]Bucket, error) {
	order := map[string]any{"_count": "desc"}
	if req.OrderByKey {
		order = map[string]any{"_key": "asc"}
	}

	terms := map[string]any{
		"terms": map[string]any{
			"field": req.Field,
			"size":  req.Size,
			"order": order,
		},
	}
	if req.SubField != "" {
		terms["aggs"] = map[string]any{
			"sub": map[string]any{
				"terms": map[string]any{
					"field": req.SubField,
					"size":  req.Size,
					"order": order,
				},
			},
		}
	}

	body := map[string]any{
		"query": req.Query,
		"size":  0,
		"aggs":  map[string]any{"agg": terms},
	}

	var out esSearchResponse
	err := e.do(ctx, "aggregate", func() error {
		reader, err := encodeBody(body)
		if err != nil {
			return err
		}
		res, err := e.client.Search(
			e.client.Search.WithContext(ctx),
			e.client.Search.WithIndex(req.Index),
			e.client.Search.WithBody(reader),
		)
		if err != nil {
			return &transientError{err: err}
		}
		return checkResponse(res, &out)
	})
	if err != nil {
		return nil, err
	}

	raw, ok := out.Aggregations["agg"]
	if !ok {
		return nil, nil
	}
	return parseBuckets(raw)
}

type rawBucket struct {
	Key      json.RawMessage `json:"key"`
	DocCount int64           `json:"doc_count"`
	Sub      *struct {
		Buckets []rawBucket `json:"buckets"`
	} `json:"sub"`
}

func parseBuckets(raw json.RawMessage) ([]Bucket, error) {
	var agg struct {
		Buckets []rawBucket `json:"buckets"`
	}
	if err := json.Unmarshal(raw, &agg); err != nil {
		return nil, fmt.Errorf("decoding aggregation: %w", err)
	}
	return convertBuckets(agg.Buckets), nil
}

func convertBuckets(raw []rawBucket) []Bucket {
	buckets := make([]Bucket, 0, len(raw))
	for _, rb := range raw {
		b := Bucket{Key: bucketKey(rb.Key), DocCount: rb.DocCount}
		if rb.Sub != nil {
			b.Buckets = convertBuckets(rb.Sub.Buckets)
		}
		buckets = append(buckets, b)
	}
	return buckets
}

// bucketKey renders a bucket key as a string whether the backend returned
// it as a string or a number.
func bucketKey(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return strings.Trim(string(raw), `"`)
}

// Count implements SearchEngine.
func (e *Elasticsearch) Count(ctx context.Context, index string, query map[string]any) (int64, error) {
	var out struct {
		Count int64 `json:"count"`
	}

	err := e.do(ctx, "count", func() error {
		reader, err := encodeBody(map[string]any{"query": query})
		if err != nil {
			return err
		}
		res, err := e.client.Count(
			e.client.Count.WithContext(ctx),
			e.client.Count.WithIndex(index),
			e.client.Count.WithBody(reader),
		)
		if err != nil {
			return &transientError{err: err}
		}
		return checkResponse(res, &out)
	})
	if err != nil {
		return 0, err
	}
	return out.Count, nil
}

// esScroll pages through a scroll cursor. Next calls are
// sequential-dependent; each is retried with backoff on transient failure.
type esScroll struct {
	engine   *Elasticsearch
	scrollID string
	first    []Hit
	done     bool
}

// OpenScroll implements SearchEngine.
func (e *Elasticsearch) OpenScroll(ctx context.Context, index string, query map[string]any, pageSize int) (Scroll, error) {
	var out esSearchResponse

	err := e.do(ctx, "scroll_open", func() error {
		reader, err := encodeBody(map[string]any{"query": query, "size": pageSize})
		if err != nil {
			return err
		}
		res, err := e.client.Search(
			e.client.Search.WithContext(ctx),
			e.client.Search.WithIndex(index),
			e.client.Search.WithBody(reader),
			e.client.Search.WithScroll(defaultScrollTTL),
		)
		if err != nil {
			return &transientError{err: err}
		}
		return checkResponse(res, &out)
	})
	if err != nil {
		return nil, err
	}

	return &esScroll{
		engine:   e,
		scrollID: out.ScrollID,
		first:    out.toHits(),
	}, nil
}

// Next implements Scroll.
func (s *esScroll) Next(ctx context.Context) ([]Hit, error) {
	if s.done {
		return nil, nil
	}
	if s.first != nil {
		hits := s.first
		s.first = nil
		if len(hits) == 0 {
			s.done = true
			return nil, nil
		}
		return hits, nil
	}

	var out esSearchResponse
	err := s.engine.do(ctx, "scroll_next", func() error {
		res, err := s.engine.client.Scroll(
			s.engine.client.Scroll.WithContext(ctx),
			s.engine.client.Scroll.WithScrollID(s.scrollID),
			s.engine.client.Scroll.WithScroll(defaultScrollTTL),
		)
		if err != nil {
			return &transientError{err: err}
		}
		return checkResponse(res, &out)
	})
	if err != nil {
		return nil, err
	}

	s.scrollID = out.ScrollID
	hits := out.toHits()
	if len(hits) == 0 {
		s.done = true
		return nil, nil
	}
	return hits, nil
}

// Close implements Scroll.
func (s *esScroll) Close(ctx context.Context) error {
	if s.scrollID == "" {
		return nil
	}
	res, err := s.engine.client.ClearScroll(
		s.engine.client.ClearScroll.WithContext(ctx),
		s.engine.client.ClearScroll.WithScrollID(s.scrollID),
	)
	if err != nil {
		return err
	}
	return checkResponse(res, nil)
}

// BulkWrite implements SearchEngine.
func (e *Elasticsearch) BulkWrite(ctx context.Context, index string, docs []Document) (*BulkResult, error) {
	if len(docs) == 0 {
		return &BulkResult{}, nil
	}

	var out struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			ID     string `json:"_id"`
			Status int    `json:"status"`
			Error  *struct {
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}

	err := e.do(ctx, "bulk", func() error {
		var buf bytes.Buffer
		for _, doc := range docs {
			action := map[string]any{"index": map[string]any{}}
			if doc.ID != "" {
				action["index"] = map[string]any{"_id": doc.ID}
			}
			if err := json.NewEncoder(&buf).Encode(action); err != nil {
				return err
			}
			if err := json.NewEncoder(&buf).Encode(doc.Source); err != nil {
				return err
			}
		}

		res, err := e.client.Bulk(
			&buf,
			e.client.Bulk.WithContext(ctx),
			e.client.Bulk.WithIndex(index),
		)
		if err != nil {
			return &transientError{err: err}
		}
		return checkResponse(res, &out)
	})
	if err != nil {
		return nil, err
	}

	result := &BulkResult{}
	for _, item := range out.Items {
		for _, status := range item {
			if status.Error != nil {
				result.Failed = append(result.Failed, BulkFailure{ID: status.ID, Reason: status.Error.Reason})
			} else {
				result.Indexed++
			}
		}
	}
	return result, nil
}

// EnsureIndex implements SearchEngine.
func (e *Elasticsearch) EnsureIndex(ctx context.Context, name, mapping string) error {
	res, err := e.client.Indices.Exists(
		[]string{name},
		e.client.Indices.Exists.WithContext(ctx),
	)
	if err != nil {
		return err
	}
	exists := res.StatusCode == 200
	closeBody(res)
	if exists {
		return nil
	}

	return e.do(ctx, "create_index", func() error {
		res, err := e.client.Indices.Create(
			name,
			e.client.Indices.Create.WithContext(ctx),
			e.client.Indices.Create.WithBody(strings.NewReader(mapping)),
		)
		if err != nil {
			return &transientError{err: err}
		}
		// A concurrent create is fine.
		if res.StatusCode == 400 {
			closeBody(res)
			return nil
		}
		return checkResponse(res, nil)
	})
}

// Delete implements SearchEngine.
func (e *Elasticsearch) Delete(ctx context.Context, index, id string) (bool, error) {
	res, err := e.client.Delete(
		index,
		id,
		e.client.Delete.WithContext(ctx),
	)
	if err != nil {
		return false, err
	}
	if res.StatusCode == 404 {
		closeBody(res)
		return false, nil
	}
	if err := checkResponse(res, nil); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteByQuery implements SearchEngine.
func (e *Elasticsearch) DeleteByQuery(ctx context.Context, index string, query map[string]any) (int64, error) {
	var out struct {
		Deleted int64 `json:"deleted"`
	}

	err := e.do(ctx, "delete_by_query", func() error {
		reader, err := encodeBody(map[string]any{"query": query})
		if err != nil {
			return err
		}
		res, err := e.client.DeleteByQuery(
			[]string{index},
			reader,
			e.client.DeleteByQuery.WithContext(ctx),
		)
		if err != nil {
			return &transientError{err: err}
		}
		return checkResponse(res, &out)
	})
	if err != nil {
		return 0, err
	}
	return out.Deleted, nil
}
