package index

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/inboxlab/mailrag/internal/chunk"
	"github.com/inboxlab/mailrag/internal/errors"
	"github.com/inboxlab/mailrag/internal/llm"
	"github.com/inboxlab/mailrag/internal/store"
)

const (
	// embedBatchSize is the number of chunk texts sent per embedding call.
	embedBatchSize = 64

	// upsertBatchSize is the number of points written per vector store call.
	upsertBatchSize = 100

	// embedConcurrency bounds parallel embedding calls for one document.
	embedConcurrency = 4
)

// IngestRequest is one document to index. ChunkSize/ChunkOverlap override
// the configured splitter for this document when positive.
type IngestRequest struct {
	Collection   string
	DocID        string
	Text         string
	Metadata     map[string]any
	ChunkSize    int
	ChunkOverlap int
}

// IngestResult reports what an ingest wrote. ChunksIndexed can fall short
// of ChunksTotal when an upsert batch fails partway; the accompanying error
// carries the cause.
type IngestResult struct {
	DocID         string
	ChunksTotal   int
	ChunksIndexed int
}

// Ingestor turns documents into embedded chunks in the vector store and
// schedules the lexical rebuild that follows every successful write.
type Ingestor struct {
	vectors   store.VectorStore
	registry  *Registry
	rebuilder *Rebuilder
	llm       llm.Client
	splitter  *chunk.Splitter
	retry     errors.RetryConfig
	logger    *slog.Logger

	// onIngest observes chunks written per collection for metrics.
	onIngest func(collection string, chunks int)
}

// NewIngestor wires the ingest pipeline.
func NewIngestor(vectors store.VectorStore, registry *Registry, rebuilder *Rebuilder,
	client llm.Client, splitter *chunk.Splitter, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		vectors:   vectors,
		registry:  registry,
		rebuilder: rebuilder,
		llm:       client,
		splitter:  splitter,
		retry:     errors.DefaultRetryConfig(),
		logger:    logger,
	}
}

// SetOnIngest installs a completion hook, called with the number of chunks
// actually written. Partial writes report the written prefix.
func (ing *Ingestor) SetOnIngest(fn func(collection string, chunks int)) {
	ing.onIngest = fn
}

// Ingest chunks, embeds and writes one document. A document with no usable
// text is rejected with EmptyInput before anything is written.
func (ing *Ingestor) Ingest(ctx context.Context, req IngestRequest) (IngestResult, error) {
	if strings.TrimSpace(req.Text) == "" {
		return IngestResult{}, errors.EmptyInput("document has no usable text")
	}
	if req.Collection == "" {
		return IngestResult{}, errors.InvalidArgument("collection is required")
	}

	docID := req.DocID
	if docID == "" {
		docID = uuid.New().String()
	}

	meta := make(map[string]any, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		meta[k] = v
	}
	meta[chunk.MetaDocID] = docID

	splitter := ing.splitter
	if req.ChunkSize > 0 {
		var err error
		splitter, err = chunk.NewSplitter(req.ChunkSize, req.ChunkOverlap)
		if err != nil {
			return IngestResult{DocID: docID}, errors.InvalidArgumentf("bad chunking parameters: %v", err)
		}
	}
	chunks, err := splitter.Split(req.Text, meta)
	if err != nil {
		return IngestResult{DocID: docID}, err
	}
	if len(chunks) == 0 {
		return IngestResult{DocID: docID}, errors.EmptyInput("document has no usable text")
	}

	if err := ing.embedChunks(ctx, chunks); err != nil {
		return IngestResult{DocID: docID, ChunksTotal: len(chunks)}, err
	}

	dim := len(chunks[0].Embedding)
	for _, c := range chunks {
		if len(c.Embedding) != dim {
			return IngestResult{DocID: docID, ChunksTotal: len(chunks)},
				errors.DimensionMismatch(dim, len(c.Embedding))
		}
	}

	col, err := ing.registry.Ensure(ctx, req.Collection, dim)
	if err != nil {
		return IngestResult{DocID: docID, ChunksTotal: len(chunks)}, err
	}
	col.setDim(dim)

	written, err := ing.upsertChunks(ctx, req.Collection, chunks)
	result := IngestResult{DocID: docID, ChunksTotal: len(chunks), ChunksIndexed: written}
	if written > 0 {
		ing.rebuilder.Schedule(req.Collection)
		if ing.onIngest != nil {
			ing.onIngest(req.Collection, written)
		}
	}
	if err != nil {
		ing.logger.Error("ingest_partial_write",
			slog.String("collection", req.Collection),
			slog.String("doc_id", docID),
			slog.Int("written", written),
			slog.Int("total", len(chunks)),
			slog.String("error", err.Error()))
		return result, err
	}

	ing.logger.Info("document_indexed",
		slog.String("collection", req.Collection),
		slog.String("doc_id", docID),
		slog.Int("chunks", len(chunks)))
	return result, nil
}

// embedChunks fills Embedding on every chunk, batching texts and running a
// bounded number of embedding calls in parallel. Transient upstream
// failures are retried with backoff before the batch is given up on.
func (ing *Ingestor) embedChunks(ctx context.Context, chunks []chunk.Chunk) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)

	for start := 0; start < len(chunks); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		g.Go(func() error {
			texts := make([]string, len(batch))
			for i, c := range batch {
				texts[i] = c.Text
			}

			var vecs [][]float32
			err := errors.Retry(gctx, ing.retry, func() error {
				var embedErr error
				vecs, embedErr = ing.llm.EmbedBatch(gctx, texts)
				return embedErr
			})
			if err != nil {
				return err
			}
			for i := range batch {
				batch[i].Embedding = vecs[i]
			}
			return nil
		})
	}
	return g.Wait()
}

// upsertChunks writes chunks in batches, returning how many made it in
// before any failure.
func (ing *Ingestor) upsertChunks(ctx context.Context, collection string, chunks []chunk.Chunk) (int, error) {
	written := 0
	for start := 0; start < len(chunks); start += upsertBatchSize {
		end := start + upsertBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}

		points := make([]store.Point, 0, end-start)
		for _, c := range chunks[start:end] {
			payload := make(map[string]any, len(c.Metadata)+1)
			for k, v := range c.Metadata {
				payload[k] = v
			}
			payload[store.PayloadTextKey] = c.Text
			points = append(points, store.Point{
				ID:      uuid.New().String(),
				Vector:  c.Embedding,
				Payload: payload,
			})
		}

		err := errors.Retry(ctx, ing.retry, func() error {
			return ing.vectors.Upsert(ctx, collection, points)
		})
		if err != nil {
			return written, err
		}
		written += len(points)
	}
	return written, nil
}

// deleteFilterKeys are tried in order until one matches points.
var deleteFilterKeys = []string{"doc_id", "uid", "message_id"}

// DeleteDocument removes every chunk whose payload identifies the document,
// matching by doc_id first, then uid, then message_id. A successful removal
// schedules a lexical rebuild.
func (ing *Ingestor) DeleteDocument(ctx context.Context, collection, docID string) (int, error) {
	if _, err := ing.registry.Get(collection); err != nil {
		return 0, err
	}

	for _, key := range deleteFilterKeys {
		removed, err := ing.vectors.DeleteByFilter(ctx, collection, map[string]any{key: docID})
		if err != nil {
			return 0, err
		}
		if removed > 0 {
			ing.logger.Info("document_deleted",
				slog.String("collection", collection),
				slog.String("doc_id", docID),
				slog.String("matched_by", key),
				slog.Int("chunks", removed))
			ing.rebuilder.Schedule(collection)
			return removed, nil
		}
	}
	return 0, nil
}
