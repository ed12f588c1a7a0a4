// Package ingest feeds behavioral events arriving on the bus into the
// events index the judgment calculators read.
package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/o19s/search-relevance/internal/bus"
	"github.com/o19s/search-relevance/internal/engine"
	"github.com/o19s/search-relevance/internal/pkg/errors"
	"github.com/o19s/search-relevance/internal/pkg/logger"
	"github.com/o19s/search-relevance/internal/ubi"
)

// eventsMapping is the behavioral events index schema.
const eventsMapping = `{
  "mappings": {
    "properties": {
      "action_name": { "type": "keyword" },
      "query_id":    { "type": "keyword" },
      "client_id":   { "type": "keyword" },
      "timestamp":   { "type": "date", "format": "strict_date_time" },
      "event_attributes": {
        "properties": {
          "object":   { "properties": { "object_id": { "type": "keyword" } } },
          "position": { "properties": { "ordinal": { "type": "integer" } } }
        }
      }
    }
  }
}`

// Counter records a monotonically increasing count. Satisfied by
// Prometheus counters.
type Counter interface {
	Add(float64)
}

// Options bounds the ingestion batching.
type Options struct {
	// BatchSize triggers a flush once this many events are buffered.
	BatchSize int

	// FlushInterval bounds how long a partial batch may sit unflushed.
	FlushInterval time.Duration

	// Ingested, when set, counts successfully indexed events.
	Ingested Counter
}

func (o *Options) applyDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 5 * time.Second
	}
}

// Consumer batches behavioral events from the bus and bulk-indexes them.
type Consumer struct {
	engine engine.SearchEngine
	bus    bus.Bus
	opts   Options
	log    *logger.Logger

	mu     sync.Mutex
	buffer []ubi.Event

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewConsumer creates an event ingestion consumer.
func NewConsumer(e engine.SearchEngine, b bus.Bus, opts Options, log *logger.Logger) *Consumer {
	opts.applyDefaults()
	return &Consumer{
		engine: e,
		bus:    b,
		opts:   opts,
		log:    log,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start subscribes to the events topic and begins the flush loop.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.engine.EnsureIndex(ctx, ubi.EventsIndexName, eventsMapping); err != nil {
		return errors.BackendError("ensuring events index", err)
	}

	if err := c.bus.Subscribe(ctx, bus.TopicUbiEvents, c.handle); err != nil {
		return err
	}

	go c.flushLoop()
	c.log.Info("event ingestion started", "batch_size", c.opts.BatchSize, "flush_interval", c.opts.FlushInterval)
	return nil
}

// Stop drains the buffer and stops the flush loop.
func (c *Consumer) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
	return c.flush(ctx)
}

// handle decodes one bus event and buffers it, flushing when the batch
// size is reached.
func (c *Consumer) handle(ctx context.Context, event bus.Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return errors.InternalError("encoding event payload", err)
	}

	var behavioral ubi.Event
	if err := json.Unmarshal(payload, &behavioral); err != nil {
		c.log.Warn("dropping undecodable behavioral event", "event_id", event.ID, "error", err)
		return nil
	}
	if behavioral.ActionName == "" || behavioral.QueryID == "" {
		c.log.Warn("dropping behavioral event missing action_name or query_id", "event_id", event.ID)
		return nil
	}

	c.mu.Lock()
	c.buffer = append(c.buffer, behavioral)
	full := len(c.buffer) >= c.opts.BatchSize
	c.mu.Unlock()

	if full {
		return c.flush(ctx)
	}
	return nil
}

// flushLoop flushes partial batches on a timer until stopped.
func (c *Consumer) flushLoop() {
	defer close(c.done)

	ticker := time.NewTicker(c.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if err := c.flush(context.Background()); err != nil {
				c.log.Warn("periodic flush failed", "error", err)
			}
		}
	}
}

// flush bulk-indexes the buffered events.
func (c *Consumer) flush(ctx context.Context) error {
	c.mu.Lock()
	batch := c.buffer
	c.buffer = nil
	c.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	docs := make([]engine.Document, 0, len(batch))
	for _, event := range batch {
		docs = append(docs, engine.Document{ID: uuid.NewString(), Source: event})
	}

	result, err := c.engine.BulkWrite(ctx, ubi.EventsIndexName, docs)
	if err != nil {
		return errors.BackendError("indexing behavioral events", err)
	}
	if len(result.Failed) > 0 {
		c.log.Warn("some behavioral events failed to index", "failed", len(result.Failed), "total", len(docs))
	}
	if c.opts.Ingested != nil {
		c.opts.Ingested.Add(float64(result.Indexed))
	}

	c.log.Debug("flushed behavioral events", "count", result.Indexed)
	return nil
}
