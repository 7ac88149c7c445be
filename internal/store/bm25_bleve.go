package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/whitespace"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/inboxlab/mailrag/internal/errors"
)

const termsAnalyzerName = "terms_analyzer"

// BleveBM25Index implements BM25Index on Bleve v2. The index directory is a
// snapshot: Build writes a fresh directory and renames it into place.
//
// Text is pre-tokenized with the shared tokenizer before indexing, so Bleve
// only needs a whitespace split and scoring stays identical to the SQLite
// backend.
type BleveBM25Index struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	closed bool
}

var _ BM25Index = (*BleveBM25Index)(nil)

// bleveChunk is the indexed document shape. Terms is searchable, Text and
// Meta are stored for hydrating hits.
type bleveChunk struct {
	Terms string `json:"terms"`
	Text  string `json:"text"`
	Meta  string `json:"meta"`
}

// NewBleveBM25Index opens (or creates) the index at path. An empty path
// gives an in-memory index for testing.
func NewBleveBM25Index(path string) (*BleveBM25Index, error) {
	idx, err := openBleveIndex(path)
	if err != nil {
		return nil, err
	}
	return &BleveBM25Index{index: idx, path: path}, nil
}

func openBleveIndex(path string) (bleve.Index, error) {
	indexMapping, err := chunkIndexMapping()
	if err != nil {
		return nil, err
	}

	if path == "" {
		return bleve.NewMemOnly(indexMapping)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create bm25 directory: %w", err)
	}

	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		idx, err = bleve.New(path, indexMapping)
	} else if err != nil {
		// A damaged index is recreated empty; the next rebuild repopulates it.
		if removeErr := os.RemoveAll(path); removeErr != nil {
			return nil, fmt.Errorf("bm25 index unreadable at %s and cannot remove: %w", path, removeErr)
		}
		idx, err = bleve.New(path, indexMapping)
	}
	if err != nil {
		return nil, fmt.Errorf("open bm25 index: %w", err)
	}
	return idx, nil
}

func chunkIndexMapping() (*mapping.IndexMappingImpl, error) {
	indexMapping := bleve.NewIndexMapping()

	err := indexMapping.AddCustomAnalyzer(termsAnalyzerName, map[string]interface{}{
		"type":          custom.Name,
		"tokenizer":     whitespace.Name,
		"token_filters": []string{lowercase.Name},
	})
	if err != nil {
		return nil, fmt.Errorf("add terms analyzer: %w", err)
	}

	termsField := bleve.NewTextFieldMapping()
	termsField.Analyzer = termsAnalyzerName
	termsField.Store = false
	termsField.IncludeInAll = false

	storedField := bleve.NewTextFieldMapping()
	storedField.Index = false
	storedField.Store = true
	storedField.IncludeInAll = false

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("terms", termsField)
	doc.AddFieldMappingsAt("text", storedField)
	doc.AddFieldMappingsAt("meta", storedField)

	indexMapping.DefaultMapping = doc
	indexMapping.DefaultAnalyzer = termsAnalyzerName
	return indexMapping, nil
}

// Build replaces the index contents with docs. On-disk indexes are built
// into a sibling directory and swapped in with a rename.
func (b *BleveBM25Index) Build(ctx context.Context, docs []BM25Document) error {
	if len(docs) == 0 {
		return errors.EmptyCorpus(collectionFromPath(b.path))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.Internal("bm25 index is closed", nil)
	}

	buildPath := ""
	if b.path != "" {
		buildPath = b.path + ".building"
		_ = os.RemoveAll(buildPath)
	}

	fresh, err := openBleveIndex(buildPath)
	if err != nil {
		return err
	}
	if err := indexChunks(fresh, docs); err != nil {
		_ = fresh.Close()
		if buildPath != "" {
			_ = os.RemoveAll(buildPath)
		}
		return err
	}

	if b.path == "" {
		old := b.index
		b.index = fresh
		_ = old.Close()
		return nil
	}

	if err := fresh.Close(); err != nil {
		_ = os.RemoveAll(buildPath)
		return fmt.Errorf("close temp bm25 index: %w", err)
	}
	_ = b.index.Close()
	if err := os.RemoveAll(b.path); err != nil {
		return fmt.Errorf("clear old bm25 index: %w", err)
	}
	if err := os.Rename(buildPath, b.path); err != nil {
		return fmt.Errorf("swap bm25 index: %w", err)
	}

	reopened, err := bleve.Open(b.path)
	if err != nil {
		return fmt.Errorf("reopen bm25 index: %w", err)
	}
	b.index = reopened
	return nil
}

func indexChunks(idx bleve.Index, docs []BM25Document) error {
	batch := idx.NewBatch()
	for _, doc := range docs {
		meta := ""
		if doc.Metadata != nil {
			raw, err := json.Marshal(doc.Metadata)
			if err != nil {
				return fmt.Errorf("marshal metadata for %s: %w", doc.ID, err)
			}
			meta = string(raw)
		}
		entry := bleveChunk{
			Terms: TokenizedText(doc.Text),
			Text:  doc.Text,
			Meta:  meta,
		}
		if err := batch.Index(doc.ID, entry); err != nil {
			return fmt.Errorf("index document %s: %w", doc.ID, err)
		}
	}
	if err := idx.Batch(batch); err != nil {
		return fmt.Errorf("execute bm25 batch: %w", err)
	}
	return nil
}

// Search tokenizes query with the indexing tokenizer and matches any term.
func (b *BleveBM25Index) Search(ctx context.Context, query string, k int) ([]BM25Hit, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, errors.Internal("bm25 index is closed", nil)
	}
	if k <= 0 {
		return []BM25Hit{}, nil
	}

	terms := TokenizedText(query)
	if terms == "" {
		return []BM25Hit{}, nil
	}

	matchQuery := bleve.NewMatchQuery(terms)
	matchQuery.SetField("terms")

	req := bleve.NewSearchRequest(matchQuery)
	req.Size = k
	req.Fields = []string{"text", "meta"}

	result, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("bm25 search: %w", err)
	}

	hits := make([]BM25Hit, 0, len(result.Hits))
	for _, hit := range result.Hits {
		out := BM25Hit{ID: hit.ID, Score: hit.Score}
		if text, ok := hit.Fields["text"].(string); ok {
			out.Text = text
		}
		if meta, ok := hit.Fields["meta"].(string); ok && meta != "" {
			if err := json.Unmarshal([]byte(meta), &out.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata for %s: %w", hit.ID, err)
			}
		}
		hits = append(hits, out)
	}
	return hits, nil
}

// Ready reports whether the index holds at least one document.
func (b *BleveBM25Index) Ready() bool {
	return b.Count() > 0
}

// Count returns the number of indexed documents.
func (b *BleveBM25Index) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}
	count, err := b.index.DocCount()
	if err != nil {
		return 0
	}
	return int(count)
}

// Delete closes the index and removes its directory.
func (b *BleveBM25Index) Delete() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed && b.index != nil {
		_ = b.index.Close()
	}
	b.closed = true

	if b.path == "" {
		return nil
	}
	if err := os.RemoveAll(b.path); err != nil {
		return fmt.Errorf("remove bm25 index: %w", err)
	}
	return nil
}

// Close releases the index. Idempotent.
func (b *BleveBM25Index) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.index.Close()
}
