// Package search implements hybrid retrieval: parallel vector and lexical
// search, text-keyed dedup, cross-encoder reranking and grounded answer
// generation.
package search

import (
	"context"
)

// RerankResult scores one input passage. Index is the passage's position in
// the input slice.
type RerankResult struct {
	Index int
	Score float64
}

// Reranker scores (query, passage) pairs with a cross-encoder and returns
// results sorted by score descending. Transient failures let the retriever
// fall back to the pre-rerank order.
type Reranker interface {
	Rerank(ctx context.Context, query string, passages []string) ([]RerankResult, error)
}

// NoOpReranker keeps the incoming order, used when reranking is disabled.
type NoOpReranker struct{}

var _ Reranker = (*NoOpReranker)(nil)

// Rerank returns passages in original order with decreasing scores.
func (NoOpReranker) Rerank(_ context.Context, _ string, passages []string) ([]RerankResult, error) {
	results := make([]RerankResult, len(passages))
	for i := range passages {
		results[i] = RerankResult{Index: i, Score: 1.0 - float64(i)*0.01}
	}
	return results, nil
}
