package judgments

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/o19s/search-relevance/internal/engine"
	"github.com/o19s/search-relevance/internal/pkg/errors"
	"github.com/o19s/search-relevance/internal/pkg/logger"
)

type stubEngine struct {
	indexed     []engine.Document
	failBulk    []engine.BulkFailure
	judgment    *float64
	deleteCount int64
}

func (s *stubEngine) Search(_ context.Context, _ engine.SearchRequest) (*engine.SearchResponse, error) {
	if s.judgment == nil {
		return &engine.SearchResponse{}, nil
	}
	source, _ := json.Marshal(map[string]float64{"judgment": *s.judgment})
	return &engine.SearchResponse{Hits: []engine.Hit{{ID: "j1", Source: source}}, Total: 1}, nil
}

func (s *stubEngine) Aggregate(_ context.Context, _ engine.AggregateRequest) ([]engine.Bucket, error) {
	return nil, nil
}

func (s *stubEngine) Count(_ context.Context, _ string, _ map[string]any) (int64, error) {
	return 0, nil
}

func (s *stubEngine) OpenScroll(_ context.Context, _ string, _ map[string]any, _ int) (engine.Scroll, error) {
	return nil, nil
}

func (s *stubEngine) BulkWrite(_ context.Context, _ string, docs []engine.Document) (*engine.BulkResult, error) {
	s.indexed = append(s.indexed, docs...)
	return &engine.BulkResult{Indexed: len(docs) - len(s.failBulk), Failed: s.failBulk}, nil
}

func (s *stubEngine) EnsureIndex(_ context.Context, _, _ string) error {
	return nil
}

func (s *stubEngine) Delete(_ context.Context, _, _ string) (bool, error) {
	return false, nil
}

func (s *stubEngine) DeleteByQuery(_ context.Context, _ string, _ map[string]any) (int64, error) {
	return s.deleteCount, nil
}

func TestIndexSetEmptyBatch(t *testing.T) {
	store := NewStore(&stubEngine{}, logger.Default())

	_, err := store.IndexSet(context.Background(), nil)
	if !errors.IsEmptyResult(err) {
		t.Fatalf("got %v, want empty result error", err)
	}
}

func TestIndexSetAssignsOneSetID(t *testing.T) {
	e := &stubEngine{}
	store := NewStore(e, logger.Default())

	batch := []Judgment{
		{QueryID: "1", UserQuery: "laptop", DocumentID: "a", Judgment: 1.5},
		{QueryID: "1", UserQuery: "laptop", DocumentID: "b", Judgment: 0.0},
	}
	judgmentsID, err := store.IndexSet(context.Background(), batch)
	if err != nil {
		t.Fatal(err)
	}
	if judgmentsID == "" {
		t.Fatal("expected a judgments id")
	}

	if len(e.indexed) != 2 {
		t.Fatalf("indexed %d docs, want 2", len(e.indexed))
	}
	for _, doc := range e.indexed {
		raw, _ := json.Marshal(doc.Source)
		var stored struct {
			JudgmentsID string `json:"judgments_id"`
		}
		if err := json.Unmarshal(raw, &stored); err != nil {
			t.Fatal(err)
		}
		if stored.JudgmentsID != judgmentsID {
			t.Errorf("doc carries set id %q, want %q", stored.JudgmentsID, judgmentsID)
		}
	}
}

func TestIndexSetPartialFailureAbortsBatch(t *testing.T) {
	e := &stubEngine{failBulk: []engine.BulkFailure{{ID: "x", Reason: "mapper_parsing_exception"}}}
	store := NewStore(e, logger.Default())

	_, err := store.IndexSet(context.Background(), []Judgment{
		{QueryID: "1", UserQuery: "laptop", DocumentID: "a", Judgment: 1.0},
	})
	if err == nil {
		t.Fatal("a failed bulk item must fail the whole set")
	}
}

func TestGetValue(t *testing.T) {
	value := 2.5
	e := &stubEngine{judgment: &value}
	store := NewStore(e, logger.Default())

	got, found, err := store.GetValue(context.Background(), "jd-1", "laptop", "a")
	if err != nil {
		t.Fatal(err)
	}
	if !found || got != 2.5 {
		t.Errorf("GetValue = (%v, %v), want (2.5, true)", got, found)
	}
}

func TestGetValueNotFound(t *testing.T) {
	store := NewStore(&stubEngine{}, logger.Default())

	_, found, err := store.GetValue(context.Background(), "jd-1", "laptop", "missing")
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Error("expected not found")
	}
}

func TestDeleteSet(t *testing.T) {
	e := &stubEngine{deleteCount: 3}
	store := NewStore(e, logger.Default())

	found, err := store.DeleteSet(context.Background(), "jd-1")
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Error("expected deletion to report found")
	}

	e.deleteCount = 0
	found, err = store.DeleteSet(context.Background(), "missing")
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Error("deleting an unknown set should report not found")
	}
}
