package store

import (
	"fmt"
	"path/filepath"
	"strings"
)

// BM25Backend selects the lexical index implementation.
type BM25Backend string

const (
	// BM25BackendSQLite uses SQLite FTS5 (default). Pure Go, single file
	// per collection, WAL mode.
	BM25BackendSQLite BM25Backend = "sqlite"

	// BM25BackendBleve uses Bleve v2. Directory per collection, exclusive
	// BoltDB lock, single process only.
	BM25BackendBleve BM25Backend = "bleve"
)

// NewBM25Index creates a lexical index for one collection under root. The
// backend decides the on-disk shape: <root>/<collection>.db for SQLite,
// <root>/<collection>.bleve for Bleve. An empty root gives an in-memory
// index for testing.
func NewBM25Index(root, collection string, backend BM25Backend) (BM25Index, error) {
	switch backend {
	case BM25BackendSQLite, "":
		path := ""
		if root != "" {
			path = filepath.Join(root, collection+".db")
		}
		return NewSQLiteBM25Index(path)

	case BM25BackendBleve:
		path := ""
		if root != "" {
			path = filepath.Join(root, collection+".bleve")
		}
		return NewBleveBM25Index(path)

	default:
		return nil, fmt.Errorf("unknown bm25 backend %q (valid: sqlite, bleve)", backend)
	}
}

// collectionFromPath recovers the collection name from an index path laid
// out by NewBM25Index. In-memory indexes have none.
func collectionFromPath(path string) string {
	if path == "" {
		return ""
	}
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, ".db")
	return strings.TrimSuffix(base, ".bleve")
}
