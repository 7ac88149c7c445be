package search

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/inboxlab/mailrag/internal/config"
	"github.com/inboxlab/mailrag/internal/errors"
	"github.com/inboxlab/mailrag/internal/index"
	"github.com/inboxlab/mailrag/internal/llm"
	"github.com/inboxlab/mailrag/internal/store"
)

// Score metadata keys annotated on retrieved chunks.
const (
	MetaVectorScore = "vector_score"
	MetaBM25Score   = "bm25_score"
	MetaRerankScore = "rerank_score"
)

// Chunk is one retrieved passage with its working score and annotated
// metadata.
type Chunk struct {
	Text     string         `json:"text"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata"`
}

// Options tune one retrieval.
type Options struct {
	TopK    int
	FinalK  int
	UseBM25 bool
}

// Result is a finished retrieval. Degraded is set when the reranker failed
// transiently and the pre-rerank order was used instead. BM25Unavailable is
// set when the lexical leg was requested but the collection has no built
// BM25 index, so only vector hits contributed.
type Result struct {
	Chunks          []Chunk
	Degraded        bool
	BM25Unavailable bool
}

// candidate tracks merge bookkeeping during retrieval.
type candidate struct {
	chunk      Chunk
	fromVector bool
	order      int
}

// HybridRetriever orchestrates vector and lexical search, dedup, rerank and
// the final cut.
type HybridRetriever struct {
	vectors  store.VectorStore
	registry *index.Registry
	llm      llm.Client
	reranker Reranker
	cfg      config.SearchConfig
	logger   *slog.Logger

	// onRetrieve observes completed retrievals for metrics/telemetry.
	onRetrieve func(collection string, hits int, degraded bool, took time.Duration)
}

// NewHybridRetriever wires the retrieval pipeline.
func NewHybridRetriever(vectors store.VectorStore, registry *index.Registry, client llm.Client,
	reranker Reranker, cfg config.SearchConfig, logger *slog.Logger) *HybridRetriever {
	if reranker == nil {
		reranker = NoOpReranker{}
	}
	return &HybridRetriever{
		vectors:  vectors,
		registry: registry,
		llm:      client,
		reranker: reranker,
		cfg:      cfg,
		logger:   logger,
	}
}

// SetOnRetrieve installs a completion hook.
func (h *HybridRetriever) SetOnRetrieve(fn func(collection string, hits int, degraded bool, took time.Duration)) {
	h.onRetrieve = fn
}

// Retrieve runs the full pipeline for one query.
func (h *HybridRetriever) Retrieve(ctx context.Context, query, collection string, opts Options) (Result, error) {
	start := time.Now()

	query = strings.TrimSpace(query)
	if err := h.validate(query, opts); err != nil {
		return Result{}, err
	}

	col, err := h.registry.Get(collection)
	if err != nil {
		return Result{}, err
	}

	queryVec, err := h.llm.Embed(ctx, query)
	if err != nil {
		return Result{}, err
	}

	// Vector and lexical search run in parallel; a BM25 index that is not
	// ready contributes nothing rather than failing the request, but the
	// result records that the lexical leg was skipped.
	lexicalReady := opts.UseBM25 && col.BM25() != nil && col.BM25().Ready()
	bm25Unavailable := opts.UseBM25 && !lexicalReady
	if bm25Unavailable {
		h.logger.Debug("bm25_unavailable", slog.String("collection", collection))
	}

	var (
		vectorHits []store.ScoredPoint
		bm25Hits   []store.BM25Hit
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var searchErr error
		vectorHits, searchErr = h.vectors.Search(gctx, collection, queryVec, opts.TopK)
		return searchErr
	})
	if lexicalReady {
		g.Go(func() error {
			var searchErr error
			bm25Hits, searchErr = col.BM25().Search(gctx, query, opts.TopK)
			return searchErr
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	candidates := h.merge(vectorHits, bm25Hits)
	if len(candidates) == 0 {
		h.finish(collection, 0, false, start)
		return Result{Chunks: []Chunk{}, BM25Unavailable: bm25Unavailable}, nil
	}

	candidates = h.capForRerank(candidates)

	reranked, degraded, err := h.rerank(ctx, query, candidates)
	if err != nil {
		return Result{}, err
	}

	if opts.FinalK < len(reranked) {
		reranked = reranked[:opts.FinalK]
	}

	h.finish(collection, len(reranked), degraded, start)
	return Result{Chunks: reranked, Degraded: degraded, BM25Unavailable: bm25Unavailable}, nil
}

func (h *HybridRetriever) validate(query string, opts Options) error {
	if query == "" {
		return errors.InvalidArgument("query is empty")
	}
	if utf8.RuneCountInString(query) > h.cfg.MaxQueryChars {
		return errors.InvalidArgumentf("query exceeds %d characters", h.cfg.MaxQueryChars)
	}
	if opts.FinalK <= 0 || opts.TopK < opts.FinalK || opts.TopK > h.cfg.MaxTopK {
		return errors.InvalidArgumentf(
			"require 0 < final_k <= top_k <= %d, got top_k=%d final_k=%d",
			h.cfg.MaxTopK, opts.TopK, opts.FinalK)
	}
	return nil
}

// merge combines both hit lists, deduplicating by exact chunk text. The
// duplicate with the higher score survives; both scores stay visible in
// metadata.
func (h *HybridRetriever) merge(vectorHits []store.ScoredPoint, bm25Hits []store.BM25Hit) []candidate {
	byText := make(map[string]*candidate, len(vectorHits)+len(bm25Hits))
	var ordered []*candidate

	for _, hit := range vectorHits {
		meta := cloneMeta(hit.Payload)
		delete(meta, store.PayloadTextKey)
		meta[MetaVectorScore] = hit.Score

		c := &candidate{
			chunk:      Chunk{Text: hit.Text, Score: hit.Score, Metadata: meta},
			fromVector: true,
			order:      len(ordered),
		}
		byText[hit.Text] = c
		ordered = append(ordered, c)
	}

	for _, hit := range bm25Hits {
		if existing, ok := byText[hit.Text]; ok {
			existing.chunk.Metadata[MetaBM25Score] = hit.Score
			if hit.Score > existing.chunk.Score {
				existing.chunk.Score = hit.Score
			}
			continue
		}
		meta := cloneMeta(hit.Metadata)
		meta[MetaBM25Score] = hit.Score

		c := &candidate{
			chunk: Chunk{Text: hit.Text, Score: hit.Score, Metadata: meta},
			order: len(ordered),
		}
		byText[hit.Text] = c
		ordered = append(ordered, c)
	}

	out := make([]candidate, len(ordered))
	for i, c := range ordered {
		out[i] = *c
	}
	return out
}

// capForRerank keeps the highest-scored candidates up to the configured
// rerank budget, vector hits winning ties, insertion order breaking the
// rest.
func (h *HybridRetriever) capForRerank(candidates []candidate) []candidate {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].chunk.Score != candidates[j].chunk.Score {
			return candidates[i].chunk.Score > candidates[j].chunk.Score
		}
		if candidates[i].fromVector != candidates[j].fromVector {
			return candidates[i].fromVector
		}
		return candidates[i].order < candidates[j].order
	})
	if h.cfg.MaxRerankPassages > 0 && len(candidates) > h.cfg.MaxRerankPassages {
		candidates = candidates[:h.cfg.MaxRerankPassages]
	}
	return candidates
}

// rerank scores the candidates with the cross-encoder. A transient failure
// keeps the pre-rerank order and flags the result degraded; anything else
// propagates.
func (h *HybridRetriever) rerank(ctx context.Context, query string, candidates []candidate) ([]Chunk, bool, error) {
	passages := make([]string, len(candidates))
	for i, c := range candidates {
		passages[i] = c.chunk.Text
	}

	results, err := h.reranker.Rerank(ctx, query, passages)
	if err != nil {
		if errors.IsRetryable(err) {
			h.logger.Warn("rerank_degraded", slog.String("error", err.Error()))
			chunks := make([]Chunk, len(candidates))
			for i, c := range candidates {
				chunks[i] = c.chunk
			}
			return chunks, true, nil
		}
		return nil, false, err
	}

	sortRerankResults(results)
	chunks := make([]Chunk, 0, len(results))
	for _, res := range results {
		c := candidates[res.Index].chunk
		c.Score = res.Score
		c.Metadata[MetaRerankScore] = res.Score
		chunks = append(chunks, c)
	}
	return chunks, false, nil
}

func (h *HybridRetriever) finish(collection string, hits int, degraded bool, start time.Time) {
	took := time.Since(start)
	h.logger.Info("retrieve_done",
		slog.String("collection", collection),
		slog.Int("hits", hits),
		slog.Bool("degraded", degraded),
		slog.Duration("took", took))
	if h.onRetrieve != nil {
		h.onRetrieve(collection, hits, degraded, took)
	}
}

// sortRerankResults orders by score descending, stable on input index.
func sortRerankResults(results []RerankResult) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
}

func cloneMeta(meta map[string]any) map[string]any {
	out := make(map[string]any, len(meta)+2)
	for k, v := range meta {
		out[k] = v
	}
	return out
}
