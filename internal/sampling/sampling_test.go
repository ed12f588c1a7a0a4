package sampling

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"testing"

	"github.com/o19s/search-relevance/internal/engine"
	"github.com/o19s/search-relevance/internal/pkg/errors"
	"github.com/o19s/search-relevance/internal/pkg/logger"
)

// stubEngine is an in-memory search backend for sampler tests. Behavior is
// programmed per test through the function fields; unset calls fail.
type stubEngine struct {
	searchFn    func(req engine.SearchRequest) (*engine.SearchResponse, error)
	aggregateFn func(req engine.AggregateRequest) ([]engine.Bucket, error)
	countFn     func(index string, query map[string]any) (int64, error)
	scrollHits  [][]engine.Hit

	indexed map[string][]engine.Document
	deleted map[string]bool
}

func newStubEngine() *stubEngine {
	return &stubEngine{
		indexed: make(map[string][]engine.Document),
		deleted: make(map[string]bool),
	}
}

func (s *stubEngine) Search(_ context.Context, req engine.SearchRequest) (*engine.SearchResponse, error) {
	if s.searchFn == nil {
		return nil, fmt.Errorf("unexpected search on %s", req.Index)
	}
	return s.searchFn(req)
}

func (s *stubEngine) Aggregate(_ context.Context, req engine.AggregateRequest) ([]engine.Bucket, error) {
	if s.aggregateFn == nil {
		return nil, fmt.Errorf("unexpected aggregation on %s", req.Index)
	}
	return s.aggregateFn(req)
}

func (s *stubEngine) Count(_ context.Context, index string, query map[string]any) (int64, error) {
	if s.countFn == nil {
		return 0, fmt.Errorf("unexpected count on %s", index)
	}
	return s.countFn(index, query)
}

func (s *stubEngine) OpenScroll(_ context.Context, _ string, _ map[string]any, _ int) (engine.Scroll, error) {
	return &stubScroll{pages: s.scrollHits}, nil
}

func (s *stubEngine) BulkWrite(_ context.Context, index string, docs []engine.Document) (*engine.BulkResult, error) {
	s.indexed[index] = append(s.indexed[index], docs...)
	return &engine.BulkResult{Indexed: len(docs)}, nil
}

func (s *stubEngine) EnsureIndex(_ context.Context, _, _ string) error {
	return nil
}

func (s *stubEngine) Delete(_ context.Context, index, id string) (bool, error) {
	key := index + "/" + id
	if s.deleted[key] {
		return false, nil
	}
	s.deleted[key] = true
	return true, nil
}

func (s *stubEngine) DeleteByQuery(_ context.Context, _ string, _ map[string]any) (int64, error) {
	return 0, nil
}

type stubScroll struct {
	pages [][]engine.Hit
	pos   int
}

func (s *stubScroll) Next(_ context.Context) ([]engine.Hit, error) {
	if s.pos >= len(s.pages) {
		return nil, nil
	}
	page := s.pages[s.pos]
	s.pos++
	return page, nil
}

func (s *stubScroll) Close(_ context.Context) error {
	return nil
}

func queryHit(id, userQuery string) engine.Hit {
	source, _ := json.Marshal(map[string]string{"user_query": userQuery})
	return engine.Hit{ID: id, Source: source}
}

// savedQuerySet decodes the single query set the test wrote to the stub.
func savedQuerySet(t *testing.T, e *stubEngine) QuerySet {
	t.Helper()
	docs := e.indexed[QuerySetsIndexName]
	if len(docs) != 1 {
		t.Fatalf("indexed %d query sets, want 1", len(docs))
	}
	raw, err := json.Marshal(docs[0].Source)
	if err != nil {
		t.Fatalf("marshaling saved query set: %v", err)
	}
	var qs QuerySet
	if err := json.Unmarshal(raw, &qs); err != nil {
		t.Fatalf("decoding saved query set: %v", err)
	}
	return qs
}

func TestNewUnknownMethod(t *testing.T) {
	_, err := New("bogus", newStubEngine(), nil, Parameters{}, logger.Default())
	if err == nil {
		t.Fatal("expected error for unknown sampling method")
	}
	appErr, ok := err.(*errors.AppError)
	if !ok || appErr.Code != errors.CodeInvalidRequest {
		t.Fatalf("got %v, want invalid request error", err)
	}
}

func TestTopNSampler(t *testing.T) {
	e := newStubEngine()
	e.aggregateFn = func(req engine.AggregateRequest) ([]engine.Bucket, error) {
		if req.Field != "user_query" {
			t.Fatalf("aggregated on %q, want user_query", req.Field)
		}
		if req.Size != 2 {
			t.Fatalf("aggregation size %d, want 2", req.Size)
		}
		return []engine.Bucket{
			{Key: "laptop", DocCount: 50},
			{Key: "phone", DocCount: 30},
		}, nil
	}

	log := logger.Default()
	sampler, err := New(NameTopN, e, NewStore(e, log), Parameters{Name: "top", QuerySetSize: 2}, log)
	if err != nil {
		t.Fatal(err)
	}

	id, err := sampler.Sample(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("expected a query set id")
	}

	qs := savedQuerySet(t, e)
	if qs.Sampling != NameTopN {
		t.Errorf("sampling = %q, want %q", qs.Sampling, NameTopN)
	}
	want := []QuerySetQuery{
		{Query: "laptop", Frequency: 50},
		{Query: "phone", Frequency: 30},
	}
	if !reflect.DeepEqual(qs.Queries, want) {
		t.Errorf("queries = %+v, want %+v", qs.Queries, want)
	}
}

func TestAllSamplerCountsAndCaps(t *testing.T) {
	e := newStubEngine()
	e.scrollHits = [][]engine.Hit{
		{queryHit("1", "laptop"), queryHit("2", "phone"), queryHit("3", "laptop")},
		{queryHit("4", "tablet"), queryHit("5", "tablet")},
	}

	log := logger.Default()
	sampler, err := New(NameAll, e, NewStore(e, log), Parameters{Name: "all", MaxQueries: 4}, log)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sampler.Sample(context.Background()); err != nil {
		t.Fatal(err)
	}

	qs := savedQuerySet(t, e)
	// Cap of 4 stops the walk after the first tablet occurrence.
	want := []QuerySetQuery{
		{Query: "laptop", Frequency: 2},
		{Query: "phone", Frequency: 1},
		{Query: "tablet", Frequency: 1},
	}
	if !reflect.DeepEqual(qs.Queries, want) {
		t.Errorf("queries = %+v, want %+v", qs.Queries, want)
	}
}

func TestRandomSamplerResolvesFrequencies(t *testing.T) {
	e := newStubEngine()
	e.searchFn = func(req engine.SearchRequest) (*engine.SearchResponse, error) {
		if req.Collapse != "user_query" {
			t.Fatalf("collapse on %q, want user_query", req.Collapse)
		}
		return &engine.SearchResponse{
			Hits:  []engine.Hit{queryHit("1", "laptop"), queryHit("2", "phone")},
			Total: 2,
		}, nil
	}
	counts := map[string]int64{"laptop": 17, "phone": 5}
	e.countFn = func(_ string, query map[string]any) (int64, error) {
		term := query["term"].(map[string]any)
		return counts[term["user_query"].(string)], nil
	}

	log := logger.Default()
	sampler, err := New(NameRandom, e, NewStore(e, log), Parameters{Name: "rnd", QuerySetSize: 2, Seed: 42}, log)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sampler.Sample(context.Background()); err != nil {
		t.Fatal(err)
	}

	qs := savedQuerySet(t, e)
	want := []QuerySetQuery{
		{Query: "laptop", Frequency: 17},
		{Query: "phone", Frequency: 5},
	}
	if !reflect.DeepEqual(qs.Queries, want) {
		t.Errorf("queries = %+v, want %+v", qs.Queries, want)
	}
}

func TestPptssSamplerDeterministicForSeed(t *testing.T) {
	pages := [][]engine.Hit{{
		queryHit("1", "laptop"), queryHit("2", "laptop"), queryHit("3", "laptop"),
		queryHit("4", "phone"), queryHit("5", "phone"),
		queryHit("6", "tablet"),
	}}

	sample := func() []QuerySetQuery {
		e := newStubEngine()
		e.scrollHits = pages
		log := logger.Default()
		sampler, err := New(NamePptss, e, NewStore(e, log), Parameters{Name: "p", QuerySetSize: 4, Seed: 7}, log)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := sampler.Sample(context.Background()); err != nil {
			t.Fatal(err)
		}
		return savedQuerySet(t, e).Queries
	}

	first := sample()
	second := sample()
	if !reflect.DeepEqual(first, second) {
		t.Errorf("same seed produced different samples: %+v vs %+v", first, second)
	}
	if len(first) == 0 || len(first) > 3 {
		t.Errorf("sampled %d distinct queries from a corpus of 3", len(first))
	}
	for _, q := range first {
		if q.Frequency <= 0 {
			t.Errorf("query %q has frequency %d", q.Query, q.Frequency)
		}
	}
}

func TestPptssSamplerEmptyCorpus(t *testing.T) {
	e := newStubEngine()
	log := logger.Default()
	sampler, err := New(NamePptss, e, NewStore(e, log), Parameters{Name: "p", Seed: 1}, log)
	if err != nil {
		t.Fatal(err)
	}

	_, err = sampler.Sample(context.Background())
	if !errors.IsEmptyResult(err) {
		t.Fatalf("got %v, want empty result error", err)
	}
}

func TestDrawIndexCoversDistribution(t *testing.T) {
	cumulative := []float64{0.5, 0.8, 1.0}
	tests := []struct {
		r    float64
		want int
	}{
		{0.0, 0},
		{0.49, 0},
		{0.5, 0},
		{0.51, 1},
		{0.8, 1},
		{0.99, 2},
		{1.0, 2},
	}
	for _, tt := range tests {
		if got := drawIndex(cumulative, tt.r); got != tt.want {
			t.Errorf("drawIndex(%v) = %d, want %d", tt.r, got, tt.want)
		}
	}
}

func TestStoreGetNotFound(t *testing.T) {
	e := newStubEngine()
	e.searchFn = func(_ engine.SearchRequest) (*engine.SearchResponse, error) {
		return &engine.SearchResponse{}, nil
	}
	store := NewStore(e, logger.Default())

	_, err := store.Get(context.Background(), "missing")
	if !errors.IsNotFound(err) {
		t.Fatalf("got %v, want not found error", err)
	}
}
