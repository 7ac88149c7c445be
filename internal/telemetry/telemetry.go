// Package telemetry records query and ingest activity in a local SQLite
// database. All data stays on disk next to the indexes - nothing is
// reported externally. Aggregation is daily per collection, with a small
// rolling buffer of zero-result queries for recall debugging.
package telemetry

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// zeroResultKeep is how many zero-result queries the rolling buffer holds.
const zeroResultKeep = 100

const schema = `
CREATE TABLE IF NOT EXISTS query_stats (
	date             TEXT NOT NULL,
	collection       TEXT NOT NULL,
	count            INTEGER NOT NULL DEFAULT 0,
	zero_results     INTEGER NOT NULL DEFAULT 0,
	degraded         INTEGER NOT NULL DEFAULT 0,
	total_latency_ms INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (date, collection)
);

CREATE TABLE IF NOT EXISTS ingest_stats (
	date             TEXT NOT NULL,
	collection       TEXT NOT NULL,
	documents        INTEGER NOT NULL DEFAULT 0,
	chunks           INTEGER NOT NULL DEFAULT 0,
	total_latency_ms INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (date, collection)
);

CREATE TABLE IF NOT EXISTS zero_result_queries (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	collection TEXT NOT NULL,
	query      TEXT NOT NULL,
	unix_ts    INTEGER NOT NULL
);
`

// QueryEvent is one completed retrieval.
type QueryEvent struct {
	Collection  string
	Query       string
	ResultCount int
	Degraded    bool
	Latency     time.Duration
}

// IngestEvent is one completed document ingest.
type IngestEvent struct {
	Collection string
	Chunks     int
	Latency    time.Duration
}

// QueryStats are the accumulated per-collection retrieval numbers.
type QueryStats struct {
	Queries      int64   `json:"queries"`
	ZeroResults  int64   `json:"zero_results"`
	Degraded     int64   `json:"degraded"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
}

// IngestStats are the accumulated per-collection ingest numbers.
type IngestStats struct {
	Documents int64 `json:"documents"`
	Chunks    int64 `json:"chunks"`
}

// ZeroResultQuery is one query that returned nothing.
type ZeroResultQuery struct {
	Collection string    `json:"collection"`
	Query      string    `json:"query"`
	Timestamp  time.Time `json:"timestamp"`
}

// Recorder writes telemetry rows. Safe for concurrent use; the single
// connection serializes writers.
type Recorder struct {
	db *sql.DB
}

// Open creates (or opens) the telemetry database at path. An empty path
// gives an in-memory database for tests.
func Open(path string) (*Recorder, error) {
	dsn := path
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open telemetry db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create telemetry schema: %w", err)
	}
	return &Recorder{db: db}, nil
}

func day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// RecordQuery upserts the daily counters for one retrieval and, for a
// zero-result query, appends it to the rolling buffer.
func (r *Recorder) RecordQuery(ev QueryEvent) error {
	zero, degraded := 0, 0
	if ev.ResultCount == 0 {
		zero = 1
	}
	if ev.Degraded {
		degraded = 1
	}
	_, err := r.db.Exec(`
		INSERT INTO query_stats (date, collection, count, zero_results, degraded, total_latency_ms)
		VALUES (?, ?, 1, ?, ?, ?)
		ON CONFLICT(date, collection) DO UPDATE SET
			count = count + 1,
			zero_results = zero_results + excluded.zero_results,
			degraded = degraded + excluded.degraded,
			total_latency_ms = total_latency_ms + excluded.total_latency_ms`,
		day(time.Now()), ev.Collection, zero, degraded, ev.Latency.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to record query: %w", err)
	}
	if zero == 1 {
		return r.recordZeroResult(ev)
	}
	return nil
}

func (r *Recorder) recordZeroResult(ev QueryEvent) error {
	if _, err := r.db.Exec(
		`INSERT INTO zero_result_queries (collection, query, unix_ts) VALUES (?, ?, ?)`,
		ev.Collection, ev.Query, time.Now().Unix()); err != nil {
		return fmt.Errorf("failed to record zero-result query: %w", err)
	}
	_, err := r.db.Exec(`
		DELETE FROM zero_result_queries WHERE id NOT IN (
			SELECT id FROM zero_result_queries ORDER BY id DESC LIMIT ?)`,
		zeroResultKeep)
	if err != nil {
		return fmt.Errorf("failed to trim zero-result buffer: %w", err)
	}
	return nil
}

// RecordIngest upserts the daily counters for one ingested document.
func (r *Recorder) RecordIngest(ev IngestEvent) error {
	_, err := r.db.Exec(`
		INSERT INTO ingest_stats (date, collection, documents, chunks, total_latency_ms)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(date, collection) DO UPDATE SET
			documents = documents + 1,
			chunks = chunks + excluded.chunks,
			total_latency_ms = total_latency_ms + excluded.total_latency_ms`,
		day(time.Now()), ev.Collection, ev.Chunks, ev.Latency.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to record ingest: %w", err)
	}
	return nil
}

// QueryStatsFor sums the retrieval counters for one collection across all
// recorded days.
func (r *Recorder) QueryStatsFor(collection string) (QueryStats, error) {
	var stats QueryStats
	var totalMS int64
	err := r.db.QueryRow(`
		SELECT COALESCE(SUM(count),0), COALESCE(SUM(zero_results),0),
		       COALESCE(SUM(degraded),0), COALESCE(SUM(total_latency_ms),0)
		FROM query_stats WHERE collection = ?`, collection).
		Scan(&stats.Queries, &stats.ZeroResults, &stats.Degraded, &totalMS)
	if err != nil {
		return stats, fmt.Errorf("failed to read query stats: %w", err)
	}
	if stats.Queries > 0 {
		stats.AvgLatencyMS = float64(totalMS) / float64(stats.Queries)
	}
	return stats, nil
}

// IngestStatsFor sums the ingest counters for one collection.
func (r *Recorder) IngestStatsFor(collection string) (IngestStats, error) {
	var stats IngestStats
	err := r.db.QueryRow(`
		SELECT COALESCE(SUM(documents),0), COALESCE(SUM(chunks),0)
		FROM ingest_stats WHERE collection = ?`, collection).
		Scan(&stats.Documents, &stats.Chunks)
	if err != nil {
		return stats, fmt.Errorf("failed to read ingest stats: %w", err)
	}
	return stats, nil
}

// ZeroResultQueries returns the most recent zero-result queries, newest
// first.
func (r *Recorder) ZeroResultQueries(limit int) ([]ZeroResultQuery, error) {
	if limit <= 0 || limit > zeroResultKeep {
		limit = zeroResultKeep
	}
	rows, err := r.db.Query(`
		SELECT collection, query, unix_ts FROM zero_result_queries
		ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read zero-result queries: %w", err)
	}
	defer rows.Close()

	var out []ZeroResultQuery
	for rows.Next() {
		var q ZeroResultQuery
		var ts int64
		if err := rows.Scan(&q.Collection, &q.Query, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan zero-result query: %w", err)
		}
		q.Timestamp = time.Unix(ts, 0).UTC()
		out = append(out, q)
	}
	return out, rows.Err()
}

// Close closes the database.
func (r *Recorder) Close() error {
	return r.db.Close()
}
