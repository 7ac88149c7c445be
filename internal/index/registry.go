// Package index manages collection lifecycle, document ingestion and the
// BM25 rebuild pipeline that keeps the lexical index in step with the
// vector store.
package index

import (
	"context"
	"log/slog"
	"sync"

	"github.com/inboxlab/mailrag/internal/errors"
	"github.com/inboxlab/mailrag/internal/store"
)

// collectionState tracks where a collection is in its lifecycle.
type collectionState int

const (
	stateCreating collectionState = iota
	stateReady
	stateDeleting
)

// Collection is one live collection: its vector-store name, established
// dimensionality and lexical index.
type Collection struct {
	Name string

	mu    sync.RWMutex
	state collectionState
	dim   int
	bm25  store.BM25Index
}

// Dim returns the established embedding dimensionality, 0 if none yet.
func (c *Collection) Dim() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dim
}

// BM25 returns the collection's lexical index.
func (c *Collection) BM25() store.BM25Index {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bm25
}

// Registry owns the collection table. Collections are created lazily on
// first ingest and deleted as a unit (vector collection plus BM25 blob).
type Registry struct {
	vectors  store.VectorStore
	bm25Root string
	backend  store.BM25Backend
	logger   *slog.Logger

	mu          sync.Mutex
	collections map[string]*Collection
}

// NewRegistry creates a registry over the vector store. bm25Root is the
// directory holding one lexical index per collection; empty means in-memory
// lexical indexes.
func NewRegistry(vectors store.VectorStore, bm25Root string, backend store.BM25Backend, logger *slog.Logger) *Registry {
	return &Registry{
		vectors:     vectors,
		bm25Root:    bm25Root,
		backend:     backend,
		logger:      logger,
		collections: make(map[string]*Collection),
	}
}

// Ensure returns the ready collection named name, creating it (vector
// collection plus lexical index) if absent. dim is the dimensionality the
// caller is about to write; a conflict with the established dimensionality
// is rejected before anything is written.
func (r *Registry) Ensure(ctx context.Context, name string, dim int) (*Collection, error) {
	r.mu.Lock()
	col, ok := r.collections[name]
	if !ok {
		col = &Collection{Name: name, state: stateCreating}
		r.collections[name] = col
	}
	r.mu.Unlock()

	col.mu.Lock()
	defer col.mu.Unlock()

	switch col.state {
	case stateDeleting:
		return nil, errors.CollectionGone(name)
	case stateReady:
		if dim > 0 && col.dim > 0 && col.dim != dim {
			return nil, errors.DimensionMismatch(col.dim, dim)
		}
		return col, nil
	}

	if err := r.vectors.EnsureCollection(ctx, name, dim); err != nil {
		r.dropEntry(name, col)
		return nil, err
	}
	bm25, err := store.NewBM25Index(r.bm25Root, name, r.backend)
	if err != nil {
		r.dropEntry(name, col)
		return nil, err
	}

	col.dim = dim
	col.bm25 = bm25
	col.state = stateReady
	r.logger.Info("collection_created",
		slog.String("collection", name),
		slog.Int("dim", dim))
	return col, nil
}

// Get returns the ready collection or CollectionGone.
func (r *Registry) Get(name string) (*Collection, error) {
	r.mu.Lock()
	col, ok := r.collections[name]
	r.mu.Unlock()
	if !ok {
		return nil, errors.CollectionGone(name)
	}

	col.mu.RLock()
	defer col.mu.RUnlock()
	if col.state != stateReady {
		return nil, errors.CollectionGone(name)
	}
	return col, nil
}

// Attach registers an already-existing vector collection (discovered at
// startup) so queries can reach it without an ingest first.
func (r *Registry) Attach(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.collections[name]; ok {
		return nil
	}
	bm25, err := store.NewBM25Index(r.bm25Root, name, r.backend)
	if err != nil {
		return err
	}
	r.collections[name] = &Collection{Name: name, state: stateReady, bm25: bm25}
	return nil
}

// List returns the names of ready collections.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.collections))
	for name, col := range r.collections {
		col.mu.RLock()
		ready := col.state == stateReady
		col.mu.RUnlock()
		if ready {
			names = append(names, name)
		}
	}
	return names
}

// Delete tears the collection down: vector collection and lexical index.
// Concurrent operations observe the deleting state as CollectionGone.
func (r *Registry) Delete(ctx context.Context, name string) error {
	r.mu.Lock()
	col, ok := r.collections[name]
	r.mu.Unlock()
	if !ok {
		return errors.CollectionGone(name)
	}

	col.mu.Lock()
	if col.state != stateReady {
		col.mu.Unlock()
		return errors.CollectionGone(name)
	}
	col.state = stateDeleting
	bm25 := col.bm25
	col.mu.Unlock()

	if err := r.vectors.DeleteCollection(ctx, name); err != nil && !errors.IsKind(err, errors.KindCollectionGone) {
		// Put the collection back in service; nothing was removed.
		col.mu.Lock()
		col.state = stateReady
		col.mu.Unlock()
		return err
	}
	if bm25 != nil {
		if err := bm25.Delete(); err != nil {
			r.logger.Warn("bm25_delete_failed",
				slog.String("collection", name),
				slog.String("error", err.Error()))
		}
	}

	r.dropEntry(name, col)
	r.logger.Info("collection_deleted", slog.String("collection", name))
	return nil
}

// ResetBM25 drops the collection's lexical index and replaces it with a
// fresh empty one. Vector data is untouched; the next rebuild repopulates.
func (r *Registry) ResetBM25(name string) error {
	r.mu.Lock()
	col, ok := r.collections[name]
	r.mu.Unlock()
	if !ok {
		return errors.CollectionGone(name)
	}

	col.mu.Lock()
	defer col.mu.Unlock()
	if col.state != stateReady {
		return errors.CollectionGone(name)
	}
	if col.bm25 != nil {
		if err := col.bm25.Delete(); err != nil {
			return err
		}
	}
	bm25, err := store.NewBM25Index(r.bm25Root, name, r.backend)
	if err != nil {
		return err
	}
	col.bm25 = bm25
	r.logger.Info("bm25_reset", slog.String("collection", name))
	return nil
}

// setDim records the dimensionality established by the first write.
func (c *Collection) setDim(dim int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dim == 0 {
		c.dim = dim
	}
}

func (r *Registry) dropEntry(name string, col *Collection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.collections[name]; ok && current == col {
		delete(r.collections, name)
	}
}

// Close closes every lexical index.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, col := range r.collections {
		col.mu.Lock()
		if col.bm25 != nil {
			if err := col.bm25.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		col.mu.Unlock()
	}
	return firstErr
}
