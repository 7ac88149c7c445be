package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/inboxlab/mailrag/internal/errors"
)

// QdrantConfig holds connection settings for a Qdrant HTTP endpoint.
type QdrantConfig struct {
	Host    string
	Port    int
	APIKey  string
	Timeout time.Duration
}

// QdrantStore is a minimal Qdrant HTTP client implementing VectorStore.
type QdrantStore struct {
	base string
	key  string
	http *http.Client
}

var _ VectorStore = (*QdrantStore)(nil)

// NewQdrantStore creates a client for the given endpoint.
func NewQdrantStore(cfg QdrantConfig) *QdrantStore {
	port := cfg.Port
	if port == 0 {
		port = 6333
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &QdrantStore{
		base: fmt.Sprintf("http://%s:%d", cfg.Host, port),
		key:  cfg.APIKey,
		http: &http.Client{Timeout: timeout},
	}
}

// do executes one JSON request. Network failures and upstream 5xx come back
// transient; 404 maps to CollectionGone so callers can branch on it.
func (q *QdrantStore) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return errors.Internal("encode qdrant request", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, q.base+path, reader)
	if err != nil {
		return errors.Internal("build qdrant request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if q.key != "" {
		req.Header.Set("api-key", q.key)
	}

	resp, err := q.http.Do(req)
	if err != nil {
		return errors.Transient("qdrant request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errors.New(errors.KindCollectionGone, errors.CodeCollectionGone,
			fmt.Sprintf("qdrant: %s %s returned 404", method, path), nil)
	case resp.StatusCode >= 500:
		return errors.Transient(fmt.Sprintf("qdrant status %d", resp.StatusCode), nil)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errors.Permanent(fmt.Sprintf("qdrant status %d: %s", resp.StatusCode, raw), nil)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Transient("decode qdrant response", err)
		}
	}
	return nil
}

// EnsureCollection creates the collection if missing, cosine distance.
func (q *QdrantStore) EnsureCollection(ctx context.Context, collection string, dim int) error {
	exists, err := q.CollectionExists(ctx, collection)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	body := map[string]any{
		"vectors": map[string]any{
			"size":     dim,
			"distance": "Cosine",
		},
	}
	return q.do(ctx, http.MethodPut, "/collections/"+collection, body, nil)
}

// CollectionExists reports whether the collection exists.
func (q *QdrantStore) CollectionExists(ctx context.Context, collection string) (bool, error) {
	err := q.do(ctx, http.MethodGet, "/collections/"+collection, nil, nil)
	if errors.IsKind(err, errors.KindCollectionGone) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

type qdrantUpsertPoint struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Upsert writes points, waiting for the write to be applied.
func (q *QdrantStore) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	items := make([]qdrantUpsertPoint, len(points))
	for i, p := range points {
		id := p.ID
		if id == "" {
			id = uuid.New().String()
		}
		items[i] = qdrantUpsertPoint{ID: id, Vector: p.Vector, Payload: p.Payload}
	}
	body := map[string]any{"points": items}
	return q.do(ctx, http.MethodPut, "/collections/"+collection+"/points?wait=true", body, nil)
}

type qdrantScoredPoint struct {
	ID      any            `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

func (p qdrantScoredPoint) toScoredPoint() ScoredPoint {
	out := ScoredPoint{
		ID:      fmt.Sprintf("%v", p.ID),
		Score:   p.Score,
		Payload: p.Payload,
	}
	if text, ok := p.Payload[PayloadTextKey].(string); ok {
		out.Text = text
	}
	return out
}

// Search returns the k nearest points by cosine similarity.
func (q *QdrantStore) Search(ctx context.Context, collection string, vector []float32, k int) ([]ScoredPoint, error) {
	body := map[string]any{
		"query":        vector,
		"limit":        k,
		"with_payload": true,
	}
	var resp struct {
		Result struct {
			Points []qdrantScoredPoint `json:"points"`
		} `json:"result"`
	}
	if err := q.do(ctx, http.MethodPost, "/collections/"+collection+"/points/query", body, &resp); err != nil {
		return nil, err
	}

	out := make([]ScoredPoint, len(resp.Result.Points))
	for i, p := range resp.Result.Points {
		out[i] = p.toScoredPoint()
	}
	return out, nil
}

func qdrantFilter(filter map[string]any) map[string]any {
	must := make([]map[string]any, 0, len(filter))
	for key, value := range filter {
		must = append(must, map[string]any{
			"key":   key,
			"match": map[string]any{"value": value},
		})
	}
	return map[string]any{"must": must}
}

// DeleteByFilter removes points whose payload matches all filter entries and
// returns how many were removed.
func (q *QdrantStore) DeleteByFilter(ctx context.Context, collection string, filter map[string]any) (int, error) {
	qf := qdrantFilter(filter)

	var countResp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	countBody := map[string]any{"filter": qf, "exact": true}
	if err := q.do(ctx, http.MethodPost, "/collections/"+collection+"/points/count", countBody, &countResp); err != nil {
		return 0, err
	}
	if countResp.Result.Count == 0 {
		return 0, nil
	}

	deleteBody := map[string]any{"filter": qf}
	if err := q.do(ctx, http.MethodPost, "/collections/"+collection+"/points/delete?wait=true", deleteBody, nil); err != nil {
		return 0, err
	}
	return countResp.Result.Count, nil
}

// DeleteCollection removes the whole collection.
func (q *QdrantStore) DeleteCollection(ctx context.Context, collection string) error {
	return q.do(ctx, http.MethodDelete, "/collections/"+collection, nil, nil)
}

// Scroll pages through the collection until limit points are read or the
// collection is exhausted.
func (q *QdrantStore) Scroll(ctx context.Context, collection string, limit int) ([]ScoredPoint, error) {
	const pageSize = 256

	var (
		out    []ScoredPoint
		offset any
	)
	for {
		page := pageSize
		if limit > 0 && limit-len(out) < page {
			page = limit - len(out)
		}
		if page <= 0 {
			break
		}

		body := map[string]any{
			"limit":        page,
			"with_payload": true,
		}
		if offset != nil {
			body["offset"] = offset
		}

		var resp struct {
			Result struct {
				Points         []qdrantScoredPoint `json:"points"`
				NextPageOffset any                 `json:"next_page_offset"`
			} `json:"result"`
		}
		if err := q.do(ctx, http.MethodPost, "/collections/"+collection+"/points/scroll", body, &resp); err != nil {
			return nil, err
		}
		for _, p := range resp.Result.Points {
			out = append(out, p.toScoredPoint())
		}
		if resp.Result.NextPageOffset == nil || len(resp.Result.Points) == 0 {
			break
		}
		offset = resp.Result.NextPageOffset
	}
	return out, nil
}

// ListCollections returns all collection names.
func (q *QdrantStore) ListCollections(ctx context.Context) ([]string, error) {
	var resp struct {
		Result struct {
			Collections []struct {
				Name string `json:"name"`
			} `json:"collections"`
		} `json:"result"`
	}
	if err := q.do(ctx, http.MethodGet, "/collections", nil, &resp); err != nil {
		return nil, err
	}
	names := make([]string, len(resp.Result.Collections))
	for i, c := range resp.Result.Collections {
		names[i] = c.Name
	}
	return names, nil
}

// Count returns the number of points in the collection.
func (q *QdrantStore) Count(ctx context.Context, collection string) (int, error) {
	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	body := map[string]any{"exact": true}
	if err := q.do(ctx, http.MethodPost, "/collections/"+collection+"/points/count", body, &resp); err != nil {
		return 0, err
	}
	return resp.Result.Count, nil
}
