// Package store provides the persistence layer for indexed chunks: the
// VectorStore capability interface with its Qdrant and in-process
// providers, and the per-collection BM25 lexical index.
package store

import (
	"context"
)

// PayloadTextKey is the payload field holding the chunk text.
const PayloadTextKey = "text"

// Point is one embedded chunk written to a vector store. If ID is empty the
// store generates one.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// ScoredPoint is a vector search hit. Score is similarity, higher is
// better.
type ScoredPoint struct {
	ID      string
	Text    string
	Score   float64
	Payload map[string]any
}

// VectorStore is the capability interface the indexing and retrieval layers
// assume. Providers: Qdrant over HTTP, and an in-process HNSW store used by
// tests and standalone deployments.
type VectorStore interface {
	// EnsureCollection creates the collection with the given dimensionality
	// if it does not exist yet.
	EnsureCollection(ctx context.Context, collection string, dim int) error

	// CollectionExists reports whether the collection exists.
	CollectionExists(ctx context.Context, collection string) (bool, error)

	// Upsert writes points. The collection must exist.
	Upsert(ctx context.Context, collection string, points []Point) error

	// Search returns the k nearest points to the query vector.
	Search(ctx context.Context, collection string, vector []float32, k int) ([]ScoredPoint, error)

	// DeleteByFilter removes points whose payload matches every key/value in
	// filter, returning the number removed.
	DeleteByFilter(ctx context.Context, collection string, filter map[string]any) (int, error)

	// DeleteCollection removes the whole collection.
	DeleteCollection(ctx context.Context, collection string) error

	// Scroll reads up to limit points, used by the BM25 rebuild to re-read
	// all chunk texts. limit <= 0 reads everything.
	Scroll(ctx context.Context, collection string, limit int) ([]ScoredPoint, error)

	// ListCollections returns all collection names.
	ListCollections(ctx context.Context) ([]string, error)

	// Count returns the number of points in the collection.
	Count(ctx context.Context, collection string) (int, error)
}

// BM25Document is one entry of a lexical index build.
type BM25Document struct {
	ID       string
	Text     string
	Metadata map[string]any
}

// BM25Hit is a lexical search result.
type BM25Hit struct {
	ID       string
	Text     string
	Score    float64
	Metadata map[string]any
}

// BM25Index is a per-collection lexical index. The index is an immutable
// snapshot: Build replaces the previous contents atomically; there is no
// incremental add. Search on an index that was never built returns no hits
// rather than an error so hybrid retrieval can degrade to vector-only.
type BM25Index interface {
	Build(ctx context.Context, docs []BM25Document) error
	Search(ctx context.Context, query string, k int) ([]BM25Hit, error)
	Ready() bool
	Count() int
	// Delete removes the persisted blob and empties the index.
	Delete() error
	Close() error
}
