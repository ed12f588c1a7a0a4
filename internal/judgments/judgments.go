// Package judgments defines implicit relevance judgments and the click
// model contract that produces them.
package judgments

import "context"

// IndexName is the index judgments are persisted to.
const IndexName = "judgments"

// IndexMapping is the judgments index schema.
const IndexMapping = `{
  "mappings": {
    "properties": {
      "judgments_id": { "type": "keyword" },
      "query_id":     { "type": "keyword" },
      "query":        { "type": "keyword" },
      "document_id":  { "type": "keyword" },
      "judgment":     { "type": "double" },
      "timestamp":    { "type": "date", "format": "strict_date_time" }
    }
  }
}`

// Judgment is one implicit relevance judgment for a query/document pair.
// Judgments are keyed by the user query text, not by a query id: the same
// search issued by different users shares one judgment.
type Judgment struct {
	QueryID    string  `json:"query_id"`
	UserQuery  string  `json:"query"`
	DocumentID string  `json:"document_id"`
	Judgment   float64 `json:"judgment"`
}

// ClickModel derives implicit judgments from behavioral events. The
// returned id identifies the persisted judgment set.
type ClickModel interface {
	Name() string
	CalculateJudgments(ctx context.Context) (string, error)
}
