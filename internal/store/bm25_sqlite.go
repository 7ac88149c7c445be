package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // pure Go SQLite driver, no CGO

	"github.com/inboxlab/mailrag/internal/errors"
)

// SQLiteBM25Index implements BM25Index on SQLite FTS5. Each collection owns
// one database file; Build writes a fresh file and renames it over the old
// one so readers never observe a half-built index.
type SQLiteBM25Index struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	count  int
	closed bool
}

var _ BM25Index = (*SQLiteBM25Index)(nil)

const bm25Schema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY
);

-- doc_id is stored but not searchable; terms holds the pre-tokenized text.
CREATE VIRTUAL TABLE IF NOT EXISTS fts_chunks USING fts5(
	doc_id UNINDEXED,
	terms,
	tokenize='unicode61'
);

CREATE TABLE IF NOT EXISTS chunks (
	doc_id TEXT PRIMARY KEY,
	text   TEXT NOT NULL,
	meta   TEXT
);

INSERT OR IGNORE INTO schema_version (version) VALUES (1);
`

// NewSQLiteBM25Index opens (or creates) the index at path. An empty path
// gives an in-memory index for testing.
func NewSQLiteBM25Index(path string) (*SQLiteBM25Index, error) {
	idx := &SQLiteBM25Index{path: path}

	db, err := openBM25DB(path)
	if err != nil {
		return nil, err
	}
	idx.db = db

	if err := idx.refreshCount(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

func openBM25DB(path string) (*sql.DB, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create bm25 directory: %w", err)
		}
		dsn = path + "?_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open bm25 database: %w", err)
	}

	// Single writer; the rebuild path replaces the whole file anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	if _, err := db.Exec(bm25Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize bm25 schema: %w", err)
	}
	return db, nil
}

func (s *SQLiteBM25Index) refreshCount() error {
	return s.db.QueryRow(`SELECT COUNT(*) FROM chunks`).Scan(&s.count)
}

// Build replaces the index contents with docs. On-disk indexes are built
// into a sibling temp file and swapped in with a rename.
func (s *SQLiteBM25Index) Build(ctx context.Context, docs []BM25Document) error {
	if len(docs) == 0 {
		return errors.EmptyCorpus(collectionFromPath(s.path))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.Internal("bm25 index is closed", nil)
	}

	if s.path == "" {
		return s.rebuildInPlace(ctx, docs)
	}

	tmpPath := s.path + ".building"
	_ = os.Remove(tmpPath)
	_ = os.Remove(tmpPath + "-wal")
	_ = os.Remove(tmpPath + "-shm")

	tmpDB, err := openBM25DB(tmpPath)
	if err != nil {
		return err
	}
	if err := insertDocs(ctx, tmpDB, docs); err != nil {
		_ = tmpDB.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	// Checkpoint so the main file is complete before the rename.
	_, _ = tmpDB.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	if err := tmpDB.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp bm25 index: %w", err)
	}

	_ = s.db.Close()
	_ = os.Remove(s.path + "-wal")
	_ = os.Remove(s.path + "-shm")
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("swap bm25 index: %w", err)
	}

	db, err := openBM25DB(s.path)
	if err != nil {
		return err
	}
	s.db = db
	s.count = len(docs)
	return nil
}

func (s *SQLiteBM25Index) rebuildInPlace(ctx context.Context, docs []BM25Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin bm25 rebuild: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM fts_chunks`); err != nil {
		return fmt.Errorf("clear fts table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks`); err != nil {
		return fmt.Errorf("clear chunks table: %w", err)
	}
	if err := insertDocsTx(ctx, tx, docs); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit bm25 rebuild: %w", err)
	}
	s.count = len(docs)
	return nil
}

func insertDocs(ctx context.Context, db *sql.DB, docs []BM25Document) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin bm25 build: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertDocsTx(ctx, tx, docs); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit bm25 build: %w", err)
	}
	return nil
}

func insertDocsTx(ctx context.Context, tx *sql.Tx, docs []BM25Document) error {
	ftsStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO fts_chunks(doc_id, terms) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare fts insert: %w", err)
	}
	defer ftsStmt.Close()

	chunkStmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO chunks(doc_id, text, meta) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare chunk insert: %w", err)
	}
	defer chunkStmt.Close()

	for _, doc := range docs {
		var meta []byte
		if doc.Metadata != nil {
			meta, err = json.Marshal(doc.Metadata)
			if err != nil {
				return fmt.Errorf("marshal metadata for %s: %w", doc.ID, err)
			}
		}
		if _, err := ftsStmt.ExecContext(ctx, doc.ID, TokenizedText(doc.Text)); err != nil {
			return fmt.Errorf("index document %s: %w", doc.ID, err)
		}
		if _, err := chunkStmt.ExecContext(ctx, doc.ID, doc.Text, meta); err != nil {
			return fmt.Errorf("store document %s: %w", doc.ID, err)
		}
	}
	return nil
}

// Search tokenizes query with the indexing tokenizer and matches any term.
// An empty or never-built index yields no hits.
func (s *SQLiteBM25Index) Search(ctx context.Context, query string, k int) ([]BM25Hit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.Internal("bm25 index is closed", nil)
	}
	if s.count == 0 || k <= 0 {
		return []BM25Hit{}, nil
	}

	tokens := Tokenize(query)
	if len(tokens) == 0 {
		return []BM25Hit{}, nil
	}
	quoted := make([]string, len(tokens))
	for i, tok := range tokens {
		quoted[i] = `"` + strings.ReplaceAll(tok, `"`, `""`) + `"`
	}
	match := strings.Join(quoted, " OR ")

	// bm25() returns negative values, lower is better; ORDER BY score puts
	// best matches first and negation makes higher better for callers.
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.doc_id, bm25(fts_chunks) AS score, c.text, c.meta
		FROM fts_chunks f
		JOIN chunks c ON c.doc_id = f.doc_id
		WHERE f.terms MATCH ?
		ORDER BY score
		LIMIT ?
	`, match, k)
	if err != nil {
		if strings.Contains(err.Error(), "fts5") || strings.Contains(err.Error(), "syntax error") {
			return []BM25Hit{}, nil
		}
		return nil, fmt.Errorf("bm25 search: %w", err)
	}
	defer rows.Close()

	var hits []BM25Hit
	for rows.Next() {
		var (
			hit   BM25Hit
			score float64
			meta  sql.NullString
		)
		if err := rows.Scan(&hit.ID, &score, &hit.Text, &meta); err != nil {
			return nil, fmt.Errorf("scan bm25 hit: %w", err)
		}
		hit.Score = -score
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &hit.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata for %s: %w", hit.ID, err)
			}
		}
		hits = append(hits, hit)
	}
	if hits == nil {
		hits = []BM25Hit{}
	}
	return hits, rows.Err()
}

// Ready reports whether the index holds at least one document.
func (s *SQLiteBM25Index) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed && s.count > 0
}

// Count returns the number of indexed documents.
func (s *SQLiteBM25Index) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// Delete closes the index and removes its files.
func (s *SQLiteBM25Index) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed && s.db != nil {
		_ = s.db.Close()
	}
	s.closed = true
	s.count = 0

	if s.path == "" {
		return nil
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove bm25 index: %w", err)
	}
	_ = os.Remove(s.path + "-wal")
	_ = os.Remove(s.path + "-shm")
	return nil
}

// Close releases the database handle. Idempotent.
func (s *SQLiteBM25Index) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.db != nil {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return s.db.Close()
	}
	return nil
}
