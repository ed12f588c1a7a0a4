package coec

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/o19s/search-relevance/internal/engine"
	"github.com/o19s/search-relevance/internal/judgments"
	"github.com/o19s/search-relevance/internal/pkg/logger"
	"github.com/o19s/search-relevance/internal/ubi"
)

// stubEngine backs the click model with fixed corpora: a queries index
// mapping query_id to user_query, an event stream, aggregation buckets for
// the rank baseline, and impression counts per (object, rank).
type stubEngine struct {
	queriesByID map[string]string // query_id -> user_query
	eventPages  [][]engine.Hit
	ctrBuckets  []engine.Bucket
	shownAtRank map[string]int64 // "object_id@rank" -> impressions

	mu      sync.Mutex
	indexed map[string][]engine.Document
}

func newStubEngine() *stubEngine {
	return &stubEngine{
		queriesByID: make(map[string]string),
		shownAtRank: make(map[string]int64),
		indexed:     make(map[string][]engine.Document),
	}
}

func (s *stubEngine) Search(_ context.Context, req engine.SearchRequest) (*engine.SearchResponse, error) {
	match, ok := req.Query["match"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected search query: %v", req.Query)
	}

	if queryID, ok := match["query_id"].(string); ok {
		userQuery, exists := s.queriesByID[queryID]
		if !exists {
			return &engine.SearchResponse{}, nil
		}
		source, _ := json.Marshal(map[string]string{"user_query": userQuery})
		return &engine.SearchResponse{Hits: []engine.Hit{{ID: queryID, Source: source}}, Total: 1}, nil
	}

	if userQuery, ok := match["user_query"].(string); ok {
		var hits []engine.Hit
		for queryID, text := range s.queriesByID {
			if text != userQuery {
				continue
			}
			source, _ := json.Marshal(map[string]string{"query_id": queryID})
			hits = append(hits, engine.Hit{ID: queryID, Source: source})
		}
		return &engine.SearchResponse{Hits: hits, Total: int64(len(hits))}, nil
	}

	return nil, fmt.Errorf("unexpected match query: %v", match)
}

func (s *stubEngine) Aggregate(_ context.Context, _ engine.AggregateRequest) ([]engine.Bucket, error) {
	return s.ctrBuckets, nil
}

func (s *stubEngine) Count(_ context.Context, _ string, query map[string]any) (int64, error) {
	must := query["bool"].(map[string]any)["must"].([]any)
	rank := must[2].(map[string]any)["term"].(map[string]any)["event_attributes.position.ordinal"].(int)
	objectID := must[3].(map[string]any)["term"].(map[string]any)["event_attributes.object.object_id"].(string)
	return s.shownAtRank[fmt.Sprintf("%s@%d", objectID, rank)], nil
}

func (s *stubEngine) OpenScroll(_ context.Context, _ string, _ map[string]any, _ int) (engine.Scroll, error) {
	return &stubScroll{pages: s.eventPages}, nil
}

func (s *stubEngine) BulkWrite(_ context.Context, index string, docs []engine.Document) (*engine.BulkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexed[index] = append(s.indexed[index], docs...)
	return &engine.BulkResult{Indexed: len(docs)}, nil
}

func (s *stubEngine) EnsureIndex(_ context.Context, _, _ string) error {
	return nil
}

func (s *stubEngine) Delete(_ context.Context, _, _ string) (bool, error) {
	return false, nil
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

func eventHit(action, queryID, objectID string, rank int) engine.Hit {
	source, _ := json.Marshal(ubi.Event{
		ActionName: action,
		QueryID:    queryID,
		EventAttributes: ubi.EventAttributes{
			Object:   ubi.Object{ObjectID: objectID},
			Position: ubi.Position{Ordinal: rank},
		},
	})
	return engine.Hit{ID: queryID + "-" + objectID, Source: source}
}

func newClickModel(e *stubEngine) *ClickModel {
	log := logger.Default()
	return New(e, judgments.NewStore(e, log), NewQueryCache(e, 100), Parameters{MaxRank: 5, Workers: 2}, log)
}

// indexedJudgments decodes every judgment doc the stub recorded.
func indexedJudgments(t *testing.T, e *stubEngine) map[string]float64 {
	t.Helper()
	values := make(map[string]float64)
	for _, doc := range e.indexed[judgments.IndexName] {
		raw, err := json.Marshal(doc.Source)
		if err != nil {
			t.Fatal(err)
		}
		var j struct {
			Query      string  `json:"query"`
			DocumentID string  `json:"document_id"`
			Judgment   float64 `json:"judgment"`
		}
		if err := json.Unmarshal(raw, &j); err != nil {
			t.Fatal(err)
		}
		values[j.Query+"|"+j.DocumentID] = j.Judgment
	}
	return values
}

func TestCalculateJudgments(t *testing.T) {
	e := newStubEngine()
	e.queriesByID["q1"] = "laptop"
	e.ctrBuckets = []engine.Bucket{
		{Key: ubi.ActionImpression, DocCount: 2, Buckets: []engine.Bucket{{Key: "0", DocCount: 2}}},
		{Key: ubi.ActionClick, DocCount: 1, Buckets: []engine.Bucket{{Key: "0", DocCount: 1}}},
	}
	e.eventPages = [][]engine.Hit{{
		eventHit(ubi.ActionImpression, "q1", "doc-a", 0),
		eventHit(ubi.ActionImpression, "q1", "doc-a", 0),
		eventHit(ubi.ActionClick, "q1", "doc-a", 0),
	}}
	e.shownAtRank["doc-a@0"] = 2

	judgmentsID, err := newClickModel(e).CalculateJudgments(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if judgmentsID == "" {
		t.Fatal("expected a judgments id")
	}

	// Baseline CTR at rank 0 is 1/2. Expected clicks for doc-a over 2
	// impressions is 0.5*2 = 1, observed clicks 1, judgment 1.0.
	values := indexedJudgments(t, e)
	got, ok := values["laptop|doc-a"]
	if !ok {
		t.Fatalf("no judgment for laptop|doc-a, got %v", values)
	}
	if math.Abs(got-1.0) > 1e-12 {
		t.Errorf("judgment = %v, want 1.0", got)
	}

	// Calculation artifacts are persisted alongside the judgments.
	if len(e.indexed[RankAggregatedCtrIndexName]) == 0 {
		t.Error("rank-aggregated CTR baseline was not persisted")
	}
	if len(e.indexed[ClickthroughIndexName]) == 0 {
		t.Error("clickthrough rates were not persisted")
	}
}

func TestCalculateJudgmentsRoundsValues(t *testing.T) {
	e := newStubEngine()
	e.queriesByID["q1"] = "laptop"
	e.ctrBuckets = []engine.Bucket{
		{Key: ubi.ActionImpression, DocCount: 2, Buckets: []engine.Bucket{{Key: "0", DocCount: 2}}},
		{Key: ubi.ActionClick, DocCount: 1, Buckets: []engine.Bucket{{Key: "0", DocCount: 1}}},
	}
	// Baseline CTR 0.5 over 3 impressions gives expected clicks 1.5; one
	// observed click yields 2/3, stored rounded to three digits.
	e.eventPages = [][]engine.Hit{{
		eventHit(ubi.ActionImpression, "q1", "doc-a", 0),
		eventHit(ubi.ActionImpression, "q1", "doc-a", 0),
		eventHit(ubi.ActionImpression, "q1", "doc-a", 0),
		eventHit(ubi.ActionClick, "q1", "doc-a", 0),
	}}
	e.shownAtRank["doc-a@0"] = 3

	if _, err := newClickModel(e).CalculateJudgments(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := indexedJudgments(t, e)["laptop|doc-a"]; got != 0.667 {
		t.Errorf("judgment = %v, want 0.667", got)
	}
}

func TestCalculateJudgmentsZeroExpectedClicks(t *testing.T) {
	e := newStubEngine()
	e.queriesByID["q1"] = "laptop"
	// Clicks exist but the baseline has no CTR mass anywhere, so expected
	// clicks is 0. The judgment must be exactly 0, never NaN or Inf.
	e.ctrBuckets = nil
	e.eventPages = [][]engine.Hit{{
		eventHit(ubi.ActionClick, "q1", "doc-a", 0),
	}}

	_, err := newClickModel(e).CalculateJudgments(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	got := indexedJudgments(t, e)["laptop|doc-a"]
	if got != 0 {
		t.Errorf("judgment = %v, want exactly 0", got)
	}
	if math.IsNaN(got) || math.IsInf(got, 0) {
		t.Errorf("judgment is not finite: %v", got)
	}
}

func TestCalculateJudgmentsEmptyEvents(t *testing.T) {
	e := newStubEngine()

	_, err := newClickModel(e).CalculateJudgments(context.Background())
	if err == nil {
		t.Fatal("expected empty-result error for an empty event corpus")
	}
}

func TestClickthroughRatesSkipsUnknownQueryID(t *testing.T) {
	e := newStubEngine()
	e.queriesByID["q1"] = "laptop"
	e.eventPages = [][]engine.Hit{{
		eventHit(ubi.ActionImpression, "q1", "doc-a", 0),
		eventHit(ubi.ActionImpression, "ghost", "doc-b", 0),
	}}

	m := newClickModel(e)
	rates, err := m.clickthroughRates(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if len(rates) != 1 {
		t.Fatalf("got rates for %d queries, want 1", len(rates))
	}
	if len(rates["laptop"]) != 1 || rates["laptop"][0].Impressions != 1 {
		t.Errorf("rates[laptop] = %+v", rates["laptop"])
	}
}

func TestRankAggregatedClickthrough(t *testing.T) {
	e := newStubEngine()
	e.ctrBuckets = []engine.Bucket{
		{Key: ubi.ActionImpression, Buckets: []engine.Bucket{
			{Key: "0", DocCount: 10},
			{Key: "1", DocCount: 8},
		}},
		{Key: ubi.ActionClick, Buckets: []engine.Bucket{
			{Key: "0", DocCount: 5},
		}},
	}

	m := newClickModel(e)
	ctrByRank, err := m.rankAggregatedClickthrough(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		rank int
		want float64
	}{
		{0, 0.5}, // clicks over impressions
		{1, 0.0}, // impressions, no clicks
		{2, 0.0}, // no impressions at all
	}
	for _, tt := range tests {
		if got := ctrByRank[tt.rank]; got != tt.want {
			t.Errorf("ctr at rank %d = %v, want %v", tt.rank, got, tt.want)
		}
	}
}

func TestClickthroughRateCtr(t *testing.T) {
	rate := &ClickthroughRate{ObjectID: "a", Clicks: 3, Impressions: 4}
	if got := rate.Ctr(); got != 0.75 {
		t.Errorf("ctr = %v, want 0.75", got)
	}

	empty := &ClickthroughRate{ObjectID: "b"}
	if got := empty.Ctr(); got != 0 {
		t.Errorf("ctr with no impressions = %v, want 0", got)
	}
}

func TestQueryCacheReadThroughAndEviction(t *testing.T) {
	e := newStubEngine()
	e.queriesByID["q1"] = "laptop"
	e.queriesByID["q2"] = "phone"
	e.queriesByID["q3"] = "tablet"

	cache := NewQueryCache(e, 2)

	for _, tt := range []struct{ id, want string }{
		{"q1", "laptop"},
		{"q2", "phone"},
		{"q3", "tablet"},
	} {
		got, found, err := cache.UserQuery(context.Background(), tt.id)
		if err != nil {
			t.Fatal(err)
		}
		if !found || got != tt.want {
			t.Errorf("UserQuery(%s) = (%q, %v), want (%q, true)", tt.id, got, found, tt.want)
		}
	}

	// Capacity 2: the q1 entry was evicted to admit q3.
	if cache.Len() != 2 {
		t.Errorf("cache size = %d, want 2", cache.Len())
	}

	_, found, err := cache.UserQuery(context.Background(), "missing")
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Error("lookup of unknown query_id should report not found")
	}
}
