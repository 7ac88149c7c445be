package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboxlab/mailrag/internal/chunk"
	"github.com/inboxlab/mailrag/internal/config"
	"github.com/inboxlab/mailrag/internal/index"
	"github.com/inboxlab/mailrag/internal/llm"
	"github.com/inboxlab/mailrag/internal/search"
	"github.com/inboxlab/mailrag/internal/store"
	"github.com/inboxlab/mailrag/internal/telemetry"
)

const testAPIKey = "secret-key"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubLLM embeds deterministically and chats with a canned answer.
type stubLLM struct{}

func (stubLLM) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)%5) + 1, 1}, nil
}

func (s stubLLM) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = s.Embed(ctx, t)
	}
	return out, nil
}

func (stubLLM) Chat(ctx context.Context, messages []llm.ChatMessage, opts llm.ChatOptions) (string, error) {
	return "generated answer", nil
}

type serverEnv struct {
	srv       *httptest.Server
	registry  *index.Registry
	vectors   *store.MemoryStore
	rebuilder *index.Rebuilder
}

func newServerEnv(t *testing.T) *serverEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Server.APIKey = testAPIKey

	vectors := store.NewMemoryStore()
	registry := index.NewRegistry(vectors, "", store.BM25BackendSQLite, testLogger())
	t.Cleanup(func() { _ = registry.Close() })
	rebuilder := index.NewRebuilder(vectors, registry, testLogger(), time.Minute)

	splitter, err := chunk.NewSplitter(cfg.Chunking.Size, cfg.Chunking.Overlap)
	require.NoError(t, err)

	client := stubLLM{}
	ingestor := index.NewIngestor(vectors, registry, rebuilder, client, splitter, testLogger())
	retriever := search.NewHybridRetriever(vectors, registry, client, search.NoOpReranker{}, cfg.Search, testLogger())
	answerer := search.NewAnswerGenerator(client, &cfg, testLogger())

	recorder, err := telemetry.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = recorder.Close() })

	api := New(&cfg, vectors, registry, ingestor, rebuilder, retriever, answerer,
		client, recorder, nil, testLogger())
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	// Let the HTTP-triggered rebuilds finish before the registry closes.
	t.Cleanup(rebuilder.Wait)

	return &serverEnv{srv: srv, registry: registry, vectors: vectors, rebuilder: rebuilder}
}

func (e *serverEnv) do(t *testing.T, method, path string, body any, out any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set(APIKeyHeader, testAPIKey)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestServer_RequiresAPIKey(t *testing.T) {
	env := newServerEnv(t)

	resp, err := http.Get(env.srv.URL + "/collections")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Health probes stay open.
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(env.srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestServer_ReadyzReportsDeps(t *testing.T) {
	env := newServerEnv(t)

	var ready struct {
		Ready bool              `json:"ready"`
		Deps  map[string]string `json:"deps"`
	}
	resp, err := http.Get(env.srv.URL + "/readyz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ready))

	assert.True(t, ready.Ready)
	assert.Equal(t, "ok", ready.Deps["vector_store"])
	// The LLM dependency is never probed by the readiness check.
	assert.Equal(t, "not_probed", ready.Deps["llm"])
}

func TestServer_IngestSearchDeleteFlow(t *testing.T) {
	env := newServerEnv(t)

	var ingested struct {
		Status        string `json:"status"`
		DocID         string `json:"doc_id"`
		ChunksCreated int    `json:"chunks_created"`
	}
	resp := env.do(t, http.MethodPost, "/ingest", map[string]any{
		"collection": "docs",
		"doc_id":     "d1",
		"text":       strings.Repeat("A", 2000),
		"metadata":   map[string]any{"source": "test"},
	}, &ingested)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", ingested.Status)
	assert.Equal(t, "d1", ingested.DocID)
	assert.Equal(t, 3, ingested.ChunksCreated)

	var found struct {
		Chunks []search.Chunk `json:"chunks"`
	}
	resp = env.do(t, http.MethodPost, "/search", map[string]any{
		"collection": "docs",
		"query":      "AAAA",
		"top_k":      10,
		"final_k":    5,
	}, &found)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, found.Chunks)

	var deleted struct {
		DeletedCount int `json:"deleted_count"`
	}
	resp = env.do(t, http.MethodDelete, "/document/d1?collection=docs", nil, &deleted)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, deleted.DeletedCount)

	resp = env.do(t, http.MethodPost, "/search", map[string]any{
		"collection": "docs",
		"query":      "AAAA",
		"top_k":      10,
		"final_k":    5,
	}, &found)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, found.Chunks)
}

func TestServer_ChatReturnsAnswerWithSources(t *testing.T) {
	env := newServerEnv(t)

	env.do(t, http.MethodPost, "/ingest", map[string]any{
		"collection": "docs",
		"text":       "the vpn gateway lives at 10.0.0.1",
	}, nil)

	var chat struct {
		Answer  string          `json:"answer"`
		Sources []search.Source `json:"sources"`
	}
	resp := env.do(t, http.MethodPost, "/chat", map[string]any{
		"collection": "docs",
		"query":      "where is the vpn gateway?",
	}, &chat)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "generated answer", chat.Answer)
	assert.NotEmpty(t, chat.Sources)
}

func TestServer_ValidationErrorsMapTo400(t *testing.T) {
	env := newServerEnv(t)
	env.do(t, http.MethodPost, "/ingest", map[string]any{
		"collection": "docs", "text": "some text",
	}, nil)

	var apiErr struct {
		Error struct {
			Code string `json:"code"`
			Kind string `json:"kind"`
		} `json:"error"`
	}
	resp := env.do(t, http.MethodPost, "/search", map[string]any{
		"collection": "docs",
		"query":      "q",
		"top_k":      10_000,
		"final_k":    5,
	}, &apiErr)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_argument", apiErr.Error.Kind)
}

func TestServer_UnknownCollectionIs404(t *testing.T) {
	env := newServerEnv(t)

	resp := env.do(t, http.MethodPost, "/search", map[string]any{
		"collection": "ghost", "query": "q",
	}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/collection/ghost", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_BM25Lifecycle(t *testing.T) {
	env := newServerEnv(t)
	env.do(t, http.MethodPost, "/ingest", map[string]any{
		"collection": "docs",
		"text":       "bm25 build target text",
	}, nil)

	var built struct {
		DocsCount int `json:"docs_count"`
	}
	resp := env.do(t, http.MethodPost, "/build-bm25/docs", nil, &built)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Positive(t, built.DocsCount)

	resp = env.do(t, http.MethodDelete, "/bm25/docs", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Rebuilding an unknown collection fails fast.
	resp = env.do(t, http.MethodPost, "/build-bm25/ghost", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_SearchReportsBM25Unavailable(t *testing.T) {
	env := newServerEnv(t)
	env.do(t, http.MethodPost, "/ingest", map[string]any{
		"collection": "docs", "text": "vector only text",
	}, nil)

	// Drop the lexical index after the scheduled rebuild settles, leaving
	// the collection vector-only.
	env.rebuilder.Wait()
	resp := env.do(t, http.MethodDelete, "/bm25/docs", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var found struct {
		Chunks    []search.Chunk `json:"chunks"`
		DebugInfo *struct {
			BM25 string `json:"bm25"`
		} `json:"debug_info"`
	}
	resp = env.do(t, http.MethodPost, "/search", map[string]any{
		"collection": "docs", "query": "vector", "use_bm25": true,
	}, &found)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, found.Chunks)
	require.NotNil(t, found.DebugInfo)
	assert.Equal(t, "unavailable", found.DebugInfo.BM25)

	// Once rebuilt, the indicator clears.
	resp = env.do(t, http.MethodPost, "/build-bm25/docs", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	found.DebugInfo = nil
	resp = env.do(t, http.MethodPost, "/search", map[string]any{
		"collection": "docs", "query": "vector", "use_bm25": true,
	}, &found)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, found.DebugInfo)
}

func TestServer_CollectionsListing(t *testing.T) {
	env := newServerEnv(t)
	env.do(t, http.MethodPost, "/ingest", map[string]any{
		"collection": "beta", "text": "second collection text",
	}, nil)
	env.do(t, http.MethodPost, "/ingest", map[string]any{
		"collection": "alpha", "text": "first collection text",
	}, nil)

	var listing struct {
		Collections []struct {
			Name        string `json:"name"`
			VectorCount int    `json:"vector_count"`
		} `json:"collections"`
	}
	resp := env.do(t, http.MethodGet, "/collections", nil, &listing)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, listing.Collections, 2)
	assert.Equal(t, "alpha", listing.Collections[0].Name)
	assert.Equal(t, "beta", listing.Collections[1].Name)
	assert.Positive(t, listing.Collections[0].VectorCount)
}

func TestServer_DeleteCollection(t *testing.T) {
	env := newServerEnv(t)
	env.do(t, http.MethodPost, "/ingest", map[string]any{
		"collection": "docs", "text": "short lived",
	}, nil)

	var result map[string]bool
	resp := env.do(t, http.MethodDelete, "/collection/docs", nil, &result)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, result["vector_deleted"])

	resp = env.do(t, http.MethodPost, "/search", map[string]any{
		"collection": "docs", "query": "short",
	}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
