// Package server exposes the HTTP API: ingest, hybrid search, chat,
// collection lifecycle and the lexical-index maintenance endpoints. Every
// route except the health probes requires the shared X-API-Key secret.
package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/inboxlab/mailrag/internal/config"
	"github.com/inboxlab/mailrag/internal/errors"
	"github.com/inboxlab/mailrag/internal/index"
	"github.com/inboxlab/mailrag/internal/llm"
	"github.com/inboxlab/mailrag/internal/search"
	"github.com/inboxlab/mailrag/internal/store"
	"github.com/inboxlab/mailrag/internal/telemetry"
)

// APIKeyHeader carries the shared secret.
const APIKeyHeader = "X-API-Key"

// readyCheckTimeout bounds the dependency probes behind /readyz.
const readyCheckTimeout = 3 * time.Second

// Server is the HTTP API over the retrieval pipeline.
type Server struct {
	cfg       *config.Config
	vectors   store.VectorStore
	registry  *index.Registry
	ingestor  *index.Ingestor
	rebuilder *index.Rebuilder
	retriever *search.HybridRetriever
	answerer  *search.AnswerGenerator
	llm       llm.Client
	recorder  *telemetry.Recorder
	metrics   http.Handler
	logger    *slog.Logger
}

// New wires the API. recorder and metrics may be nil.
func New(cfg *config.Config, vectors store.VectorStore, registry *index.Registry,
	ingestor *index.Ingestor, rebuilder *index.Rebuilder, retriever *search.HybridRetriever,
	answerer *search.AnswerGenerator, client llm.Client, recorder *telemetry.Recorder,
	metrics http.Handler, logger *slog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		vectors:   vectors,
		registry:  registry,
		ingestor:  ingestor,
		rebuilder: rebuilder,
		retriever: retriever,
		answerer:  answerer,
		llm:       client,
		recorder:  recorder,
		metrics:   metrics,
		logger:    logger,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health probes stay open so orchestrators can reach them.
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)

	mux.Handle("POST /ingest", s.authed(s.handleIngest))
	mux.Handle("POST /search", s.authed(s.handleSearch))
	mux.Handle("POST /chat", s.authed(s.handleChat))
	mux.Handle("DELETE /document/{doc_id}", s.authed(s.handleDeleteDocument))
	mux.Handle("DELETE /collection/{name}", s.authed(s.handleDeleteCollection))
	mux.Handle("POST /build-bm25/{collection}", s.authed(s.handleBuildBM25))
	mux.Handle("DELETE /bm25/{collection}", s.authed(s.handleDeleteBM25))
	mux.Handle("GET /collections", s.authed(s.handleCollections))

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.authed(s.metrics.ServeHTTP))
	}
	return mux
}

// authed enforces the API key. An empty configured key means auth is
// disabled, which is the local development mode.
func (s *Server) authed(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Server.APIKey != "" && r.Header.Get(APIKeyHeader) != s.cfg.Server.APIKey {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"error": map[string]string{"code": "ERR_401_UNAUTHORIZED", "message": "missing or invalid API key"},
			})
			return
		}
		next(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyCheckTimeout)
	defer cancel()

	// The LLM endpoint is deliberately not probed here; a readiness check
	// must not spend tokens or depend on upstream rate limits.
	deps := map[string]string{
		"llm":  "not_probed",
		"bm25": "ok",
	}
	ready := true
	if _, err := s.vectors.ListCollections(ctx); err != nil {
		deps["vector_store"] = "error: " + err.Error()
		ready = false
	} else {
		deps["vector_store"] = "ok"
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ready": ready, "deps": deps})
}

// writeJSON writes a JSON response body.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps a pipeline error onto the API error shape.
func writeError(w http.ResponseWriter, err error) {
	code := errors.CodeInternal
	var e *errors.Error
	if stderrors.As(err, &e) {
		code = e.Code
	}
	writeJSON(w, errors.HTTPStatus(err), map[string]any{
		"error": map[string]string{
			"code":    code,
			"kind":    errors.KindOf(err).String(),
			"message": err.Error(),
		},
	})
}

// decode parses a JSON request body into dst.
func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errors.InvalidArgumentf("invalid request body: %v", err)
	}
	return nil
}
