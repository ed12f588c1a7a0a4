package runner

import (
	"context"

	"github.com/o19s/search-relevance/internal/judgments"
	"github.com/o19s/search-relevance/internal/pkg/logger"
)

// Scorer resolves relevance scores for ranked results against a stored
// judgment set.
type Scorer struct {
	store *judgments.Store
	log   *logger.Logger
}

// NewScorer creates a scorer over the judgment store.
func NewScorer(store *judgments.Store, log *logger.Logger) *Scorer {
	return &Scorer{store: store, log: log}
}

// Score maps the top-k document ids for a query to their judgment values.
// Unjudged documents are skipped, so the returned list is compacted and may
// be shorter than the result list. The second return value is the frogs
// percentage: the share of considered results that had no judgment, 100
// when the query returned nothing.
func (s *Scorer) Score(ctx context.Context, judgmentsID, userQuery string, documentIDs []string, k int) ([]float64, float64, error) {
	considered := len(documentIDs)
	if considered > k {
		considered = k
	}
	if considered == 0 {
		return nil, 100.0, nil
	}

	scores := make([]float64, 0, considered)
	unjudged := 0
	for _, documentID := range documentIDs[:considered] {
		value, found, err := s.store.GetValue(ctx, judgmentsID, userQuery, documentID)
		if err != nil {
			return nil, 0, err
		}
		if !found {
			s.log.Debug("no judgment for document", "query", userQuery, "document_id", documentID)
			unjudged++
			continue
		}
		scores = append(scores, value)
	}

	frogs := 100.0 * float64(unjudged) / float64(considered)
	return scores, frogs, nil
}
