package index

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboxlab/mailrag/internal/errors"
	"github.com/inboxlab/mailrag/internal/store"
)

func newTestRebuilder(t *testing.T) (*Rebuilder, *Registry, *store.MemoryStore) {
	t.Helper()
	vectors := store.NewMemoryStore()
	registry := NewRegistry(vectors, "", store.BM25BackendSQLite, testLogger())
	t.Cleanup(func() { _ = registry.Close() })
	return NewRebuilder(vectors, registry, testLogger(), time.Minute), registry, vectors
}

func seedChunks(t *testing.T, registry *Registry, vectors *store.MemoryStore, collection string, texts ...string) {
	t.Helper()
	ctx := context.Background()
	_, err := registry.Ensure(ctx, collection, 2)
	require.NoError(t, err)

	points := make([]store.Point, len(texts))
	for i, text := range texts {
		points[i] = store.Point{
			Vector:  []float32{float32(i + 1), 1},
			Payload: map[string]any{store.PayloadTextKey: text, "doc_id": "d1"},
		}
	}
	require.NoError(t, vectors.Upsert(ctx, collection, points))
}

func TestRebuildNow_BuildsFromVectorStore(t *testing.T) {
	rebuilder, registry, vectors := newTestRebuilder(t)
	seedChunks(t, registry, vectors, "inbox", "invoice for march", "server maintenance window")

	require.NoError(t, rebuilder.RebuildNow(context.Background(), "inbox"))

	col, err := registry.Get("inbox")
	require.NoError(t, err)
	assert.Equal(t, 2, col.BM25().Count())

	hits, err := col.BM25().Search(context.Background(), "invoice", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "d1", hits[0].Metadata["doc_id"])
	// The text payload key is carried as text, not duplicated in metadata.
	_, hasText := hits[0].Metadata[store.PayloadTextKey]
	assert.False(t, hasText)
}

func TestRebuildNow_EmptyCorpus(t *testing.T) {
	rebuilder, registry, _ := newTestRebuilder(t)
	_, err := registry.Ensure(context.Background(), "inbox", 2)
	require.NoError(t, err)

	err = rebuilder.RebuildNow(context.Background(), "inbox")
	assert.Equal(t, errors.KindEmptyCorpus, errors.KindOf(err))
}

func TestRebuildNow_UnknownCollection(t *testing.T) {
	rebuilder, _, _ := newTestRebuilder(t)

	err := rebuilder.RebuildNow(context.Background(), "nope")
	assert.Equal(t, errors.KindCollectionGone, errors.KindOf(err))
}

func TestSchedule_CoalescesBursts(t *testing.T) {
	rebuilder, registry, vectors := newTestRebuilder(t)
	seedChunks(t, registry, vectors, "inbox", "some text to index")

	var (
		mu       sync.Mutex
		rebuilds int
	)
	rebuilder.SetOnRebuild(func(collection string, err error) {
		mu.Lock()
		defer mu.Unlock()
		rebuilds++
		assert.NoError(t, err)
		assert.Equal(t, "inbox", collection)
	})

	// A burst of schedule calls must trigger at most one running rebuild
	// plus one queued follow-up.
	for i := 0; i < 20; i++ {
		rebuilder.Schedule("inbox")
	}
	rebuilder.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, rebuilds, 1)
	assert.LessOrEqual(t, rebuilds, 2)
}

func TestSchedule_RunsAgainAfterCompletion(t *testing.T) {
	rebuilder, registry, vectors := newTestRebuilder(t)
	seedChunks(t, registry, vectors, "inbox", "some text to index")

	var (
		mu       sync.Mutex
		rebuilds int
	)
	rebuilder.SetOnRebuild(func(string, error) {
		mu.Lock()
		rebuilds++
		mu.Unlock()
	})

	rebuilder.Schedule("inbox")
	rebuilder.Wait()
	rebuilder.Schedule("inbox")
	rebuilder.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, rebuilds)
}
