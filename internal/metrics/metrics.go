// Package metrics implements the ranking quality metrics calculated for
// each query in a query set run.
package metrics

import (
	"fmt"
	"math"
	"sort"
)

// Metric is one named metric value for a single query.
type Metric struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// Dcg calculates Discounted Cumulative Gain over an ordered list of
// relevance scores. The list may be shorter than k when fewer results were
// returned or judged.
func Dcg(relevanceScores []float64) float64 {
	dcg := 0.0
	for i, rel := range relevanceScores {
		gain := math.Pow(2, rel) - 1
		discount := math.Log2(float64(i + 2))
		dcg += gain / discount
	}
	return dcg
}

// Ndcg calculates Normalized DCG: the DCG of the scores divided by the DCG
// of the same scores sorted descending. Defined as 0 when either DCG is 0,
// never a division by zero.
func Ndcg(relevanceScores []float64) float64 {
	dcg := Dcg(relevanceScores)
	if dcg == 0 {
		return 0
	}

	ideal := make([]float64, len(relevanceScores))
	copy(ideal, relevanceScores)
	sort.Sort(sort.Reverse(sort.Float64Slice(ideal)))

	idcg := Dcg(ideal)
	if idcg == 0 {
		return 0
	}
	return dcg / idcg
}

// Precision calculates Precision@k with a relevance threshold. The divisor
// is the nominal k, not the score list length: missing results count as
// non-relevant.
func Precision(relevanceScores []float64, k int, threshold float64) float64 {
	relevant := 0.0
	for _, rel := range relevanceScores {
		if rel >= threshold {
			relevant++
		}
	}
	return relevant / float64(k)
}

// Calculate computes the full metric set for one query's relevance scores.
func Calculate(relevanceScores []float64, k int, threshold float64) []Metric {
	return []Metric{
		{Name: fmt.Sprintf("dcg_at_%d", k), Value: Dcg(relevanceScores)},
		{Name: fmt.Sprintf("ndcg_at_%d", k), Value: Ndcg(relevanceScores)},
		{Name: fmt.Sprintf("precision_at_%d", k), Value: Precision(relevanceScores, k, threshold)},
	}
}
