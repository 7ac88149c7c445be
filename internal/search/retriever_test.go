package search

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboxlab/mailrag/internal/config"
	"github.com/inboxlab/mailrag/internal/errors"
	"github.com/inboxlab/mailrag/internal/index"
	"github.com/inboxlab/mailrag/internal/llm"
	"github.com/inboxlab/mailrag/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubLLM returns a fixed query embedding; chat replies are canned.
type stubLLM struct {
	queryVec []float32
	chatFn   func(messages []llm.ChatMessage) (string, error)
	chats    int
}

func (s *stubLLM) Embed(ctx context.Context, text string) ([]float32, error) {
	return s.queryVec, nil
}

func (s *stubLLM) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = s.queryVec
	}
	return out, nil
}

func (s *stubLLM) Chat(ctx context.Context, messages []llm.ChatMessage, opts llm.ChatOptions) (string, error) {
	s.chats++
	if s.chatFn != nil {
		return s.chatFn(messages)
	}
	return "stub answer", nil
}

// scriptedReranker returns fixed results or a fixed error.
type scriptedReranker struct {
	results  []RerankResult
	err      error
	calls    int
	lastSize int
}

func (s *scriptedReranker) Rerank(ctx context.Context, query string, passages []string) ([]RerankResult, error) {
	s.calls++
	s.lastSize = len(passages)
	if s.err != nil {
		return nil, s.err
	}
	if s.results != nil {
		return s.results, nil
	}
	return NoOpReranker{}.Rerank(ctx, query, passages)
}

type retrieverEnv struct {
	vectors  *store.MemoryStore
	registry *index.Registry
	llm      *stubLLM
	reranker *scriptedReranker
}

func searchLimits() config.SearchConfig {
	return config.SearchConfig{
		MaxTopK:           50,
		MaxQueryChars:     2000,
		MaxRerankPassages: 30,
	}
}

func newRetrieverEnv(t *testing.T) (*HybridRetriever, *retrieverEnv) {
	t.Helper()
	env := &retrieverEnv{
		vectors:  store.NewMemoryStore(),
		llm:      &stubLLM{queryVec: []float32{1, 0}},
		reranker: &scriptedReranker{},
	}
	env.registry = index.NewRegistry(env.vectors, "", store.BM25BackendSQLite, testLogger())
	t.Cleanup(func() { _ = env.registry.Close() })

	retriever := NewHybridRetriever(env.vectors, env.registry, env.llm, env.reranker, searchLimits(), testLogger())
	return retriever, env
}

// seed writes three chunks whose vector similarity to the query [1,0] is
// a > b > c, then builds the lexical index over them.
func seed(t *testing.T, env *retrieverEnv) {
	t.Helper()
	ctx := context.Background()
	_, err := env.registry.Ensure(ctx, "inbox", 2)
	require.NoError(t, err)

	points := []store.Point{
		{ID: "a", Vector: []float32{1, 0}, Payload: map[string]any{store.PayloadTextKey: "alpha invoice text", "doc_id": "d1"}},
		{ID: "b", Vector: []float32{0.8, 0.6}, Payload: map[string]any{store.PayloadTextKey: "beta maintenance text", "doc_id": "d2"}},
		{ID: "c", Vector: []float32{0, 1}, Payload: map[string]any{store.PayloadTextKey: "gamma unrelated text", "doc_id": "d3"}},
	}
	require.NoError(t, env.vectors.Upsert(ctx, "inbox", points))

	col, err := env.registry.Get("inbox")
	require.NoError(t, err)
	docs := make([]store.BM25Document, len(points))
	for i, p := range points {
		docs[i] = store.BM25Document{
			ID:       p.ID,
			Text:     p.Payload[store.PayloadTextKey].(string),
			Metadata: map[string]any{"doc_id": p.Payload["doc_id"]},
		}
	}
	require.NoError(t, col.BM25().Build(ctx, docs))
}

func TestRetrieve_Validation(t *testing.T) {
	retriever, env := newRetrieverEnv(t)
	seed(t, env)
	ctx := context.Background()

	tests := []struct {
		name  string
		query string
		opts  Options
	}{
		{"empty query", "   ", Options{TopK: 10, FinalK: 5}},
		{"query too long", strings.Repeat("q", 2001), Options{TopK: 10, FinalK: 5}},
		{"zero final_k", "hello", Options{TopK: 10, FinalK: 0}},
		{"final_k above top_k", "hello", Options{TopK: 3, FinalK: 5}},
		{"top_k above max", "hello", Options{TopK: 51, FinalK: 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := retriever.Retrieve(ctx, tt.query, "inbox", tt.opts)
			assert.Equal(t, errors.KindInvalidArgument, errors.KindOf(err))
		})
	}
}

func TestRetrieve_UnknownCollection(t *testing.T) {
	retriever, _ := newRetrieverEnv(t)

	_, err := retriever.Retrieve(context.Background(), "hello", "nope", Options{TopK: 10, FinalK: 5})
	assert.Equal(t, errors.KindCollectionGone, errors.KindOf(err))
}

func TestRetrieve_VectorOnly(t *testing.T) {
	retriever, env := newRetrieverEnv(t)
	seed(t, env)

	res, err := retriever.Retrieve(context.Background(), "alpha", "inbox", Options{TopK: 3, FinalK: 2})
	require.NoError(t, err)
	require.Len(t, res.Chunks, 2)
	assert.False(t, res.Degraded)

	// NoOp-style rerank keeps vector order: a then b.
	assert.Equal(t, "alpha invoice text", res.Chunks[0].Text)
	assert.Contains(t, res.Chunks[0].Metadata, MetaVectorScore)
	assert.Equal(t, "d1", res.Chunks[0].Metadata["doc_id"])
}

func TestRetrieve_HybridMergesAndDedupes(t *testing.T) {
	retriever, env := newRetrieverEnv(t)
	seed(t, env)

	// "invoice" matches chunk a lexically; a also tops the vector list, so
	// it must appear once with both scores annotated.
	res, err := retriever.Retrieve(context.Background(), "invoice", "inbox",
		Options{TopK: 3, FinalK: 3, UseBM25: true})
	require.NoError(t, err)

	seen := map[string]int{}
	for _, c := range res.Chunks {
		seen[c.Text]++
	}
	assert.Equal(t, 1, seen["alpha invoice text"], "duplicate passage must merge")

	for _, c := range res.Chunks {
		if c.Text == "alpha invoice text" {
			assert.Contains(t, c.Metadata, MetaVectorScore)
			assert.Contains(t, c.Metadata, MetaBM25Score)
		}
	}
}

func TestRetrieve_BM25NotReadyDegradesToVectorOnly(t *testing.T) {
	retriever, env := newRetrieverEnv(t)
	ctx := context.Background()

	// Seed vectors but never build the lexical index.
	_, err := env.registry.Ensure(ctx, "inbox", 2)
	require.NoError(t, err)
	require.NoError(t, env.vectors.Upsert(ctx, "inbox", []store.Point{
		{ID: "a", Vector: []float32{1, 0}, Payload: map[string]any{store.PayloadTextKey: "only text"}},
	}))

	res, err := retriever.Retrieve(ctx, "anything", "inbox", Options{TopK: 5, FinalK: 5, UseBM25: true})
	require.NoError(t, err)
	require.Len(t, res.Chunks, 1)
	assert.False(t, res.Degraded)
	// The lexical leg was requested but never built; the result says so.
	assert.True(t, res.BM25Unavailable)

	res, err = retriever.Retrieve(ctx, "anything", "inbox", Options{TopK: 5, FinalK: 5})
	require.NoError(t, err)
	assert.False(t, res.BM25Unavailable, "flag only set when bm25 was requested")
}

func TestRetrieve_RerankReorders(t *testing.T) {
	retriever, env := newRetrieverEnv(t)
	seed(t, env)

	// Invert the vector order: last passage wins.
	env.reranker.results = []RerankResult{
		{Index: 2, Score: 0.9},
		{Index: 1, Score: 0.5},
		{Index: 0, Score: 0.1},
	}

	res, err := retriever.Retrieve(context.Background(), "alpha", "inbox", Options{TopK: 3, FinalK: 3})
	require.NoError(t, err)
	require.Len(t, res.Chunks, 3)
	assert.Equal(t, "gamma unrelated text", res.Chunks[0].Text)
	assert.InDelta(t, 0.9, res.Chunks[0].Score, 1e-9)
	assert.InDelta(t, 0.9, res.Chunks[0].Metadata[MetaRerankScore], 1e-9)
}

func TestRetrieve_TransientRerankFailureFallsBack(t *testing.T) {
	retriever, env := newRetrieverEnv(t)
	seed(t, env)
	env.reranker.err = errors.Transient("reranker unavailable", nil)

	res, err := retriever.Retrieve(context.Background(), "alpha", "inbox", Options{TopK: 3, FinalK: 3})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	require.Len(t, res.Chunks, 3)
	// Pre-rerank (vector) order preserved.
	assert.Equal(t, "alpha invoice text", res.Chunks[0].Text)
}

func TestRetrieve_PermanentRerankFailurePropagates(t *testing.T) {
	retriever, env := newRetrieverEnv(t)
	seed(t, env)
	env.reranker.err = errors.Permanent("bad rerank request", nil)

	_, err := retriever.Retrieve(context.Background(), "alpha", "inbox", Options{TopK: 3, FinalK: 3})
	require.Error(t, err)
	assert.Equal(t, errors.KindPermanent, errors.KindOf(err))
}

func TestRetrieve_FinalKCutsAfterRerank(t *testing.T) {
	retriever, env := newRetrieverEnv(t)
	seed(t, env)

	res, err := retriever.Retrieve(context.Background(), "alpha", "inbox", Options{TopK: 3, FinalK: 1})
	require.NoError(t, err)
	assert.Len(t, res.Chunks, 1)
}

func TestRetrieve_CapsRerankInput(t *testing.T) {
	retriever, env := newRetrieverEnv(t)
	seed(t, env)
	retriever.cfg.MaxRerankPassages = 2

	_, err := retriever.Retrieve(context.Background(), "alpha", "inbox", Options{TopK: 3, FinalK: 2})
	require.NoError(t, err)

	// The reranker saw only the capped batch, best-scored first.
	assert.Equal(t, 1, env.reranker.calls)
	assert.Equal(t, 2, env.reranker.lastSize)
}
