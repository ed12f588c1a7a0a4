package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/o19s/search-relevance/internal/bus"
	"github.com/o19s/search-relevance/internal/engine"
	"github.com/o19s/search-relevance/internal/pkg/logger"
	"github.com/o19s/search-relevance/internal/ubi"
)

type stubEngine struct {
	mu      sync.Mutex
	indexed map[string][]engine.Document
}

func newStubEngine() *stubEngine {
	return &stubEngine{indexed: make(map[string][]engine.Document)}
}

func (s *stubEngine) Search(_ context.Context, _ engine.SearchRequest) (*engine.SearchResponse, error) {
	return &engine.SearchResponse{}, nil
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

func (s *stubEngine) indexedCount(index string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.indexed[index])
}

func clickEvent(queryID string) bus.Event {
	return bus.Event{
		ID:   "bus-" + queryID,
		Type: "ubi.event",
		Payload: ubi.Event{
			ActionName: ubi.ActionClick,
			QueryID:    queryID,
			EventAttributes: ubi.EventAttributes{
				Object:   ubi.Object{ObjectID: "doc-1"},
				Position: ubi.Position{Ordinal: 0},
			},
		},
	}
}

func startConsumer(t *testing.T, e *stubEngine, b bus.Bus, opts Options) *Consumer {
	t.Helper()
	c := NewConsumer(e, b, opts, logger.Default())
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestConsumerFlushesFullBatch(t *testing.T) {
	e := newStubEngine()
	b := bus.NewMemoryBus(logger.Default())
	defer b.Close()

	c := startConsumer(t, e, b, Options{BatchSize: 2, FlushInterval: time.Hour})

	for _, id := range []string{"q1", "q2"} {
		if err := b.Publish(context.Background(), bus.TopicUbiEvents, clickEvent(id)); err != nil {
			t.Fatal(err)
		}
	}
	if !b.DrainTimeout(time.Second) {
		t.Fatal("handlers did not drain")
	}

	if got := e.indexedCount(ubi.EventsIndexName); got != 2 {
		t.Errorf("indexed %d events, want 2", got)
	}

	if err := c.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestConsumerStopDrainsPartialBatch(t *testing.T) {
	e := newStubEngine()
	b := bus.NewMemoryBus(logger.Default())
	defer b.Close()

	c := startConsumer(t, e, b, Options{BatchSize: 100, FlushInterval: time.Hour})

	if err := b.Publish(context.Background(), bus.TopicUbiEvents, clickEvent("q1")); err != nil {
		t.Fatal(err)
	}
	if !b.DrainTimeout(time.Second) {
		t.Fatal("handlers did not drain")
	}

	if got := e.indexedCount(ubi.EventsIndexName); got != 0 {
		t.Fatalf("indexed %d events before stop, want 0", got)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := e.indexedCount(ubi.EventsIndexName); got != 1 {
		t.Errorf("indexed %d events after stop, want 1", got)
	}
}

type countingMeter struct {
	mu    sync.Mutex
	total float64
}

func (m *countingMeter) Add(n float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total += n
}

func (m *countingMeter) value() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

func TestConsumerCountsIngestedEvents(t *testing.T) {
	e := newStubEngine()
	b := bus.NewMemoryBus(logger.Default())
	defer b.Close()

	meter := &countingMeter{}
	c := startConsumer(t, e, b, Options{BatchSize: 2, FlushInterval: time.Hour, Ingested: meter})

	for _, id := range []string{"q1", "q2"} {
		if err := b.Publish(context.Background(), bus.TopicUbiEvents, clickEvent(id)); err != nil {
			t.Fatal(err)
		}
	}
	if !b.DrainTimeout(time.Second) {
		t.Fatal("handlers did not drain")
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := meter.value(); got != 2 {
		t.Errorf("counted %v ingested events, want 2", got)
	}
}

func TestConsumerDropsMalformedEvents(t *testing.T) {
	e := newStubEngine()
	b := bus.NewMemoryBus(logger.Default())
	defer b.Close()

	c := startConsumer(t, e, b, Options{BatchSize: 1, FlushInterval: time.Hour})
	defer c.Stop(context.Background())

	bad := bus.Event{ID: "bad", Payload: map[string]any{"unrelated": true}}
	if err := b.Publish(context.Background(), bus.TopicUbiEvents, bad); err != nil {
		t.Fatal(err)
	}
	if !b.DrainTimeout(time.Second) {
		t.Fatal("handlers did not drain")
	}

	if got := e.indexedCount(ubi.EventsIndexName); got != 0 {
		t.Errorf("indexed %d events, want 0", got)
	}
}
