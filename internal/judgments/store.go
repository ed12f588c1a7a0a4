package judgments

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/o19s/search-relevance/internal/engine"
	"github.com/o19s/search-relevance/internal/pkg/errors"
	"github.com/o19s/search-relevance/internal/pkg/logger"
)

// Store persists and resolves judgment sets.
type Store struct {
	engine engine.SearchEngine
	log    *logger.Logger
}

// NewStore creates a judgment store backed by the search engine.
func NewStore(e engine.SearchEngine, log *logger.Logger) *Store {
	return &Store{engine: e, log: log}
}

type judgmentDoc struct {
	JudgmentsID string  `json:"judgments_id"`
	QueryID     string  `json:"query_id"`
	Query       string  `json:"query"`
	DocumentID  string  `json:"document_id"`
	Judgment    float64 `json:"judgment"`
	Timestamp   string  `json:"timestamp"`
}

// IndexSet writes a batch of judgments under a freshly generated set id.
// The batch is one logical unit: the id is only returned when every
// judgment indexed successfully.
func (s *Store) IndexSet(ctx context.Context, batch []Judgment) (string, error) {
	if len(batch) == 0 {
		return "", errors.EmptyResultError("no judgments to index")
	}

	if err := s.engine.EnsureIndex(ctx, IndexName, IndexMapping); err != nil {
		return "", errors.BackendError("ensuring judgments index", err)
	}

	judgmentsID := uuid.NewString()
	timestamp := time.Now().UTC().Format(time.RFC3339)

	docs := make([]engine.Document, 0, len(batch))
	for _, j := range batch {
		docs = append(docs, engine.Document{
			ID: uuid.NewString(),
			Source: judgmentDoc{
				JudgmentsID: judgmentsID,
				QueryID:     j.QueryID,
				Query:       j.UserQuery,
				DocumentID:  j.DocumentID,
				Judgment:    j.Judgment,
				Timestamp:   timestamp,
			},
		})
	}

	result, err := s.engine.BulkWrite(ctx, IndexName, docs)
	if err != nil {
		return "", errors.BackendError("indexing judgments", err)
	}
	if len(result.Failed) > 0 {
		return "", errors.BackendError(
			fmt.Sprintf("%d of %d judgments failed to index", len(result.Failed), len(docs)),
			nil,
		)
	}

	s.log.Info("indexed judgment set", "judgments_id", judgmentsID, "count", result.Indexed)
	return judgmentsID, nil
}

// GetValue looks up the judgment for a (set, user query, document) triple.
// The second return value reports whether a judgment exists.
func (s *Store) GetValue(ctx context.Context, judgmentsID, query, documentID string) (float64, bool, error) {
	req := engine.SearchRequest{
		Index: IndexName,
		Query: map[string]any{
			"bool": map[string]any{
				"must": []any{
					map[string]any{"term": map[string]any{"judgments_id": judgmentsID}},
					map[string]any{"term": map[string]any{"query": query}},
					map[string]any{"term": map[string]any{"document_id": documentID}},
				},
			},
		},
		From:           0,
		Size:           1,
		SourceIncludes: []string{"judgment"},
	}

	resp, err := s.engine.Search(ctx, req)
	if err != nil {
		return 0, false, errors.BackendError("fetching judgment", err)
	}
	if len(resp.Hits) == 0 {
		return 0, false, nil
	}

	var doc struct {
		Judgment float64 `json:"judgment"`
	}
	if err := json.Unmarshal(resp.Hits[0].Source, &doc); err != nil {
		return 0, false, errors.InternalError("decoding judgment", err)
	}
	return doc.Judgment, true, nil
}

// DeleteSet removes every judgment in a set. Returns false when no
// judgments carried the id.
func (s *Store) DeleteSet(ctx context.Context, judgmentsID string) (bool, error) {
	deleted, err := s.engine.DeleteByQuery(ctx, IndexName, map[string]any{
		"term": map[string]any{"judgments_id": judgmentsID},
	})
	if err != nil {
		return false, errors.BackendError("deleting judgment set", err)
	}
	return deleted > 0, nil
}
