package index

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboxlab/mailrag/internal/chunk"
	"github.com/inboxlab/mailrag/internal/errors"
	"github.com/inboxlab/mailrag/internal/llm"
	"github.com/inboxlab/mailrag/internal/store"
)

// fakeLLM embeds deterministically; optional failures for retry tests.
type fakeLLM struct {
	mu        sync.Mutex
	dim       int
	failures  int
	batchErrs int
}

func (f *fakeLLM) vector(text string) []float32 {
	vec := make([]float32, f.dim)
	for i := range vec {
		vec[i] = float32(len(text)%7) + float32(i)
	}
	vec[0] = float32(len(text))
	return vec
}

func (f *fakeLLM) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *fakeLLM) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		f.batchErrs++
		return nil, errors.Transient("embedding endpoint unavailable", nil)
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vector(t)
	}
	return out, nil
}

func (f *fakeLLM) Chat(ctx context.Context, messages []llm.ChatMessage, opts llm.ChatOptions) (string, error) {
	return "ok", nil
}

type ingestEnv struct {
	vectors   *store.MemoryStore
	registry  *Registry
	rebuilder *Rebuilder
	ingestor  *Ingestor
	llm       *fakeLLM
}

func newIngestEnv(t *testing.T) *ingestEnv {
	t.Helper()
	logger := testLogger()
	vectors := store.NewMemoryStore()
	registry := NewRegistry(vectors, "", store.BM25BackendSQLite, logger)
	t.Cleanup(func() { _ = registry.Close() })
	rebuilder := NewRebuilder(vectors, registry, logger, time.Minute)

	client := &fakeLLM{dim: 4}
	splitter, err := chunk.NewSplitter(50, 10)
	require.NoError(t, err)

	// Fast retries keep the failure tests quick.
	ingestor := NewIngestor(vectors, registry, rebuilder, client, splitter, logger)
	ingestor.retry = errors.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
		Jitter:       0,
	}
	return &ingestEnv{vectors: vectors, registry: registry, rebuilder: rebuilder, ingestor: ingestor, llm: client}
}

func TestIngest_WritesChunksAndSchedulesRebuild(t *testing.T) {
	env := newIngestEnv(t)
	ctx := context.Background()

	text := strings.Repeat("the quick brown fox jumps over the lazy dog. ", 5)
	res, err := env.ingestor.Ingest(ctx, IngestRequest{
		Collection: "inbox",
		DocID:      "d1",
		Text:       text,
		Metadata:   map[string]any{"uid": "42"},
	})
	require.NoError(t, err)
	assert.Equal(t, "d1", res.DocID)
	assert.Greater(t, res.ChunksTotal, 1)
	assert.Equal(t, res.ChunksTotal, res.ChunksIndexed)

	count, err := env.vectors.Count(ctx, "inbox")
	require.NoError(t, err)
	assert.Equal(t, res.ChunksTotal, count)

	// Every point carries text plus document metadata.
	points, err := env.vectors.Scroll(ctx, "inbox", 0)
	require.NoError(t, err)
	for _, p := range points {
		assert.NotEmpty(t, p.Text)
		assert.Equal(t, "d1", p.Payload[chunk.MetaDocID])
		assert.Equal(t, "42", p.Payload["uid"])
	}

	// The scheduled rebuild makes the lexical index searchable.
	env.rebuilder.Wait()
	col, err := env.registry.Get("inbox")
	require.NoError(t, err)
	assert.Equal(t, res.ChunksTotal, col.BM25().Count())
}

func TestIngest_CompletionHookReportsWrittenChunks(t *testing.T) {
	env := newIngestEnv(t)
	ctx := context.Background()

	written := map[string]int{}
	env.ingestor.SetOnIngest(func(collection string, chunks int) {
		written[collection] += chunks
	})

	res, err := env.ingestor.Ingest(ctx, IngestRequest{
		Collection: "inbox",
		Text:       strings.Repeat("the quick brown fox jumps over the lazy dog. ", 5),
	})
	require.NoError(t, err)
	assert.Equal(t, res.ChunksIndexed, written["inbox"])

	// A rejected document never fires the hook.
	_, err = env.ingestor.Ingest(ctx, IngestRequest{Collection: "inbox", Text: "   "})
	require.Error(t, err)
	assert.Equal(t, res.ChunksIndexed, written["inbox"])
}

func TestIngest_EmptyTextRejected(t *testing.T) {
	env := newIngestEnv(t)

	for _, text := range []string{"", "   ", "\n\t"} {
		_, err := env.ingestor.Ingest(context.Background(), IngestRequest{Collection: "inbox", Text: text})
		assert.Equal(t, errors.KindEmptyInput, errors.KindOf(err))
	}

	// Nothing was created.
	_, err := env.registry.Get("inbox")
	assert.Equal(t, errors.KindCollectionGone, errors.KindOf(err))
}

func TestIngest_GeneratesDocIDWhenMissing(t *testing.T) {
	env := newIngestEnv(t)

	res, err := env.ingestor.Ingest(context.Background(), IngestRequest{
		Collection: "inbox",
		Text:       "a short document",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.DocID)
}

func TestIngest_RetriesTransientEmbeddingFailures(t *testing.T) {
	env := newIngestEnv(t)
	env.llm.failures = 1

	res, err := env.ingestor.Ingest(context.Background(), IngestRequest{
		Collection: "inbox",
		Text:       "a short document",
	})
	require.NoError(t, err)
	assert.Equal(t, res.ChunksTotal, res.ChunksIndexed)
	assert.Equal(t, 1, env.llm.batchErrs)
}

func TestIngest_GivesUpAfterRetryBudget(t *testing.T) {
	env := newIngestEnv(t)
	env.llm.failures = 10

	res, err := env.ingestor.Ingest(context.Background(), IngestRequest{
		Collection: "inbox",
		Text:       "a short document",
	})
	require.Error(t, err)
	assert.Equal(t, errors.KindTransient, errors.KindOf(err))
	assert.Zero(t, res.ChunksIndexed)
}

func TestIngest_SameDocIDAccumulates(t *testing.T) {
	env := newIngestEnv(t)
	ctx := context.Background()

	first, err := env.ingestor.Ingest(ctx, IngestRequest{Collection: "inbox", DocID: "d1", Text: "version one"})
	require.NoError(t, err)
	second, err := env.ingestor.Ingest(ctx, IngestRequest{Collection: "inbox", DocID: "d1", Text: "version two"})
	require.NoError(t, err)

	count, err := env.vectors.Count(ctx, "inbox")
	require.NoError(t, err)
	assert.Equal(t, first.ChunksIndexed+second.ChunksIndexed, count)
}

func TestDeleteDocument_MatchesByFallbackKeys(t *testing.T) {
	env := newIngestEnv(t)
	ctx := context.Background()

	_, err := env.ingestor.Ingest(ctx, IngestRequest{
		Collection: "inbox", DocID: "d1", Text: "first document",
		Metadata: map[string]any{"uid": "101", "message_id": "<m1@example.com>"},
	})
	require.NoError(t, err)
	_, err = env.ingestor.Ingest(ctx, IngestRequest{
		Collection: "inbox", DocID: "d2", Text: "second document",
		Metadata: map[string]any{"uid": "102", "message_id": "<m2@example.com>"},
	})
	require.NoError(t, err)

	// doc_id match.
	removed, err := env.ingestor.DeleteDocument(ctx, "inbox", "d1")
	require.NoError(t, err)
	assert.Positive(t, removed)

	// Falls through doc_id to the message_id filter.
	removed, err = env.ingestor.DeleteDocument(ctx, "inbox", "<m2@example.com>")
	require.NoError(t, err)
	assert.Positive(t, removed)

	count, err := env.vectors.Count(ctx, "inbox")
	require.NoError(t, err)
	assert.Zero(t, count)

	// Unknown identifier removes nothing and is not an error.
	removed, err = env.ingestor.DeleteDocument(ctx, "inbox", "ghost")
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestDeleteDocument_UnknownCollection(t *testing.T) {
	env := newIngestEnv(t)

	_, err := env.ingestor.DeleteDocument(context.Background(), "nope", "d1")
	assert.Equal(t, errors.KindCollectionGone, errors.KindOf(err))
}
