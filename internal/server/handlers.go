package server

import (
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/inboxlab/mailrag/internal/index"
	"github.com/inboxlab/mailrag/internal/search"
	"github.com/inboxlab/mailrag/internal/telemetry"
)

type ingestRequest struct {
	Collection   string         `json:"collection"`
	DocID        string         `json:"doc_id"`
	Text         string         `json:"text"`
	Metadata     map[string]any `json:"metadata"`
	ChunkSize    int            `json:"chunk_size"`
	ChunkOverlap int            `json:"chunk_overlap"`
}

type ingestResponse struct {
	Status        string `json:"status"`
	DocID         string `json:"doc_id"`
	ChunksCreated int    `json:"chunks_created"`
	Message       string `json:"message,omitempty"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Collection == "" {
		req.Collection = s.cfg.Mail.DefaultWorkspace
	}

	start := time.Now()
	result, err := s.ingestor.Ingest(r.Context(), index.IngestRequest{
		Collection:   req.Collection,
		DocID:        req.DocID,
		Text:         req.Text,
		Metadata:     req.Metadata,
		ChunkSize:    req.ChunkSize,
		ChunkOverlap: req.ChunkOverlap,
	})
	if err != nil && result.ChunksIndexed == 0 {
		writeError(w, err)
		return
	}
	s.recordIngest(req.Collection, result.ChunksIndexed, time.Since(start))

	resp := ingestResponse{
		Status:        "ok",
		DocID:         result.DocID,
		ChunksCreated: result.ChunksIndexed,
	}
	if err != nil {
		// Partial write: the indexed prefix stays, the caller decides.
		resp.Status = "partial"
		resp.Message = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

type searchRequest struct {
	Query      string `json:"query"`
	Collection string `json:"collection"`
	TopK       int    `json:"top_k"`
	FinalK     int    `json:"final_k"`
	UseBM25    *bool  `json:"use_bm25"`
}

type searchResponse struct {
	Query     string         `json:"query"`
	Chunks    []search.Chunk `json:"chunks"`
	Degraded  bool           `json:"degraded"`
	DebugInfo *debugInfo     `json:"debug_info,omitempty"`
}

// debugInfo flags retrieval legs that did not run as requested.
type debugInfo struct {
	BM25 string `json:"bm25,omitempty"`
}

// debugFor reports why a retrieval fell short of the requested hybrid mode,
// or nil when everything ran.
func debugFor(result search.Result) *debugInfo {
	if result.BM25Unavailable {
		return &debugInfo{BM25: "unavailable"}
	}
	return nil
}

// retrieveOptions applies the configured defaults to a search request.
func (s *Server) retrieveOptions(req *searchRequest) search.Options {
	if req.Collection == "" {
		req.Collection = s.cfg.Mail.DefaultWorkspace
	}
	opts := search.Options{
		TopK:    req.TopK,
		FinalK:  req.FinalK,
		UseBM25: s.cfg.Search.UseBM25Default,
	}
	if opts.TopK == 0 {
		opts.TopK = s.cfg.Search.DefaultTopK
	}
	if opts.FinalK == 0 {
		opts.FinalK = s.cfg.Search.DefaultFinalK
	}
	if req.UseBM25 != nil {
		opts.UseBM25 = *req.UseBM25
	}
	return opts
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	opts := s.retrieveOptions(&req)

	start := time.Now()
	result, err := s.retriever.Retrieve(r.Context(), req.Query, req.Collection, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	s.recordQuery(req.Collection, req.Query, len(result.Chunks), result.Degraded, time.Since(start))

	chunks := result.Chunks
	if chunks == nil {
		chunks = []search.Chunk{}
	}
	writeJSON(w, http.StatusOK, searchResponse{
		Query:     req.Query,
		Chunks:    chunks,
		Degraded:  result.Degraded,
		DebugInfo: debugFor(result),
	})
}

type chatRequest struct {
	searchRequest
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

type chatResponse struct {
	Query     string          `json:"query"`
	Answer    string          `json:"answer"`
	Sources   []search.Source `json:"sources"`
	Degraded  bool            `json:"degraded"`
	DebugInfo *debugInfo      `json:"debug_info,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	opts := s.retrieveOptions(&req.searchRequest)

	start := time.Now()
	result, err := s.retriever.Retrieve(r.Context(), req.Query, req.Collection, opts)
	if err != nil {
		writeError(w, err)
		return
	}

	answer, err := s.answerer.Generate(r.Context(), req.Query, req.Collection, result.Chunks,
		search.GenerateOptions{Temperature: req.Temperature, MaxTokens: req.MaxTokens})
	if err != nil {
		writeError(w, err)
		return
	}
	s.recordQuery(req.Collection, req.Query, len(result.Chunks), result.Degraded, time.Since(start))

	sources := answer.Sources
	if sources == nil {
		sources = []search.Source{}
	}
	writeJSON(w, http.StatusOK, chatResponse{
		Query:     req.Query,
		Answer:    answer.Text,
		Sources:   sources,
		Degraded:  result.Degraded,
		DebugInfo: debugFor(result),
	})
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("doc_id")
	collection := r.URL.Query().Get("collection")
	if collection == "" {
		collection = s.cfg.Mail.DefaultWorkspace
	}

	deleted, err := s.ingestor.DeleteDocument(r.Context(), collection, docID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted_count": deleted})
}

func (s *Server) handleDeleteCollection(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.registry.Delete(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{
		"vector_deleted": true,
		"bm25_deleted":   true,
	})
}

func (s *Server) handleBuildBM25(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("collection")
	if err := s.rebuilder.RebuildNow(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}

	col, err := s.registry.Get(name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"docs_count": col.BM25().Count()})
}

func (s *Server) handleDeleteBM25(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("collection")
	if err := s.registry.ResetBM25(name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type collectionInfo struct {
	Name        string `json:"name"`
	VectorCount int    `json:"vector_count"`
	BM25Ready   bool   `json:"bm25_ready"`
	BM25Count   int    `json:"bm25_count"`

	QueryStats  *telemetry.QueryStats  `json:"query_stats,omitempty"`
	IngestStats *telemetry.IngestStats `json:"ingest_stats,omitempty"`
}

func (s *Server) handleCollections(w http.ResponseWriter, r *http.Request) {
	names := s.registry.List()
	sort.Strings(names)

	infos := make([]collectionInfo, 0, len(names))
	for _, name := range names {
		info := collectionInfo{Name: name}

		if count, err := s.vectors.Count(r.Context(), name); err == nil {
			info.VectorCount = count
		}
		if col, err := s.registry.Get(name); err == nil {
			info.BM25Ready = col.BM25().Ready()
			info.BM25Count = col.BM25().Count()
		}
		if s.recorder != nil {
			if stats, err := s.recorder.QueryStatsFor(name); err == nil {
				info.QueryStats = &stats
			}
			if stats, err := s.recorder.IngestStatsFor(name); err == nil {
				info.IngestStats = &stats
			}
		}
		infos = append(infos, info)
	}
	writeJSON(w, http.StatusOK, map[string]any{"collections": infos})
}

func (s *Server) recordQuery(collection, query string, results int, degraded bool, took time.Duration) {
	if s.recorder == nil {
		return
	}
	err := s.recorder.RecordQuery(telemetry.QueryEvent{
		Collection:  collection,
		Query:       query,
		ResultCount: results,
		Degraded:    degraded,
		Latency:     took,
	})
	if err != nil {
		s.logger.Warn("telemetry_record_failed", slog.String("error", err.Error()))
	}
}

func (s *Server) recordIngest(collection string, chunks int, took time.Duration) {
	if s.recorder == nil {
		return
	}
	err := s.recorder.RecordIngest(telemetry.IngestEvent{
		Collection: collection,
		Chunks:     chunks,
		Latency:    took,
	})
	if err != nil {
		s.logger.Warn("telemetry_record_failed", slog.String("error", err.Error()))
	}
}
