package index

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/inboxlab/mailrag/internal/errors"
	"github.com/inboxlab/mailrag/internal/store"
)

// Rebuilder regenerates a collection's BM25 index from the vector store.
// Rebuilds are coalesced per collection: while one runs, any number of
// further requests collapse into a single queued follow-up, so a burst of
// ingests triggers at most one extra rebuild.
type Rebuilder struct {
	vectors  store.VectorStore
	registry *Registry
	logger   *slog.Logger
	timeout  time.Duration

	mu      sync.Mutex
	running map[string]bool
	queued  map[string]bool
	wg      sync.WaitGroup

	// onRebuild is called after each completed rebuild attempt. Used by
	// metrics and tests.
	onRebuild func(collection string, err error)
}

// NewRebuilder creates a rebuilder. timeout bounds one background rebuild.
func NewRebuilder(vectors store.VectorStore, registry *Registry, logger *slog.Logger, timeout time.Duration) *Rebuilder {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Rebuilder{
		vectors:  vectors,
		registry: registry,
		logger:   logger,
		timeout:  timeout,
		running:  make(map[string]bool),
		queued:   make(map[string]bool),
	}
}

// SetOnRebuild installs a completion hook.
func (r *Rebuilder) SetOnRebuild(fn func(collection string, err error)) {
	r.onRebuild = fn
}

// Schedule requests an asynchronous rebuild. If one is already running for
// the collection, exactly one follow-up is queued regardless of how many
// times Schedule is called meanwhile.
func (r *Rebuilder) Schedule(collection string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running[collection] {
		r.queued[collection] = true
		return
	}
	r.running[collection] = true
	r.wg.Add(1)
	go r.runLoop(collection)
}

func (r *Rebuilder) runLoop(collection string) {
	defer r.wg.Done()
	for {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		err := r.rebuild(ctx, collection)
		cancel()

		if err != nil && !errors.IsKind(err, errors.KindEmptyCorpus) &&
			!errors.IsKind(err, errors.KindCollectionGone) {
			r.logger.Error("bm25_rebuild_failed",
				slog.String("collection", collection),
				slog.String("error", err.Error()))
		}
		if r.onRebuild != nil {
			r.onRebuild(collection, err)
		}

		r.mu.Lock()
		if r.queued[collection] {
			delete(r.queued, collection)
			r.mu.Unlock()
			continue
		}
		delete(r.running, collection)
		r.mu.Unlock()
		return
	}
}

// RebuildNow rebuilds synchronously, for the explicit rebuild endpoint.
func (r *Rebuilder) RebuildNow(ctx context.Context, collection string) error {
	return r.rebuild(ctx, collection)
}

// rebuild re-reads every chunk from the vector store and builds a fresh
// lexical snapshot. A collection with no chunks yields EmptyCorpus and the
// previous snapshot stays in place.
func (r *Rebuilder) rebuild(ctx context.Context, collection string) error {
	col, err := r.registry.Get(collection)
	if err != nil {
		return err
	}

	points, err := r.vectors.Scroll(ctx, collection, 0)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		return errors.EmptyCorpus(collection)
	}

	docs := make([]store.BM25Document, 0, len(points))
	for _, p := range points {
		if p.Text == "" {
			continue
		}
		meta := make(map[string]any, len(p.Payload))
		for k, v := range p.Payload {
			if k == store.PayloadTextKey {
				continue
			}
			meta[k] = v
		}
		docs = append(docs, store.BM25Document{ID: p.ID, Text: p.Text, Metadata: meta})
	}
	if len(docs) == 0 {
		return errors.EmptyCorpus(collection)
	}

	start := time.Now()
	if err := col.BM25().Build(ctx, docs); err != nil {
		return err
	}
	r.logger.Info("bm25_rebuilt",
		slog.String("collection", collection),
		slog.Int("documents", len(docs)),
		slog.Duration("took", time.Since(start)))
	return nil
}

// Wait blocks until all in-flight rebuilds finish. Used on shutdown.
func (r *Rebuilder) Wait() {
	r.wg.Wait()
}
