package store

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/coder/hnsw"
	"github.com/google/uuid"

	"github.com/inboxlab/mailrag/internal/errors"
)

// MemoryStore is an in-process VectorStore backed by coder/hnsw, one graph
// per collection. Used by tests and standalone deployments that have no
// Qdrant endpoint.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
}

type memCollection struct {
	dim     int
	graph   *hnsw.Graph[uint64]
	idMap   map[string]uint64
	keyMap  map[uint64]string
	points  map[string]Point
	nextKey uint64
}

var _ VectorStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]*memCollection)}
}

func newMemCollection(dim int) *memCollection {
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = 16
	graph.EfSearch = 20
	return &memCollection{
		dim:    dim,
		graph:  graph,
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
		points: make(map[string]Point),
	}
}

// EnsureCollection creates the collection if missing. An existing collection
// with a different dimensionality is a conflict.
func (m *MemoryStore) EnsureCollection(ctx context.Context, collection string, dim int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if col, ok := m.collections[collection]; ok {
		if col.dim != dim {
			return errors.DimensionMismatch(col.dim, dim)
		}
		return nil
	}
	m.collections[collection] = newMemCollection(dim)
	return nil
}

// CollectionExists reports whether the collection exists.
func (m *MemoryStore) CollectionExists(ctx context.Context, collection string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.collections[collection]
	return ok, nil
}

// Upsert writes points. Re-used IDs are lazily deleted from the graph: the
// old node stays but is no longer addressable.
func (m *MemoryStore) Upsert(ctx context.Context, collection string, points []Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	col, ok := m.collections[collection]
	if !ok {
		return errors.CollectionGone(collection)
	}

	for _, p := range points {
		if len(p.Vector) != col.dim {
			return errors.DimensionMismatch(col.dim, len(p.Vector))
		}
		id := p.ID
		if id == "" {
			id = uuid.New().String()
		}
		if oldKey, exists := col.idMap[id]; exists {
			delete(col.keyMap, oldKey)
		}

		key := col.nextKey
		col.nextKey++

		vec := make([]float32, len(p.Vector))
		copy(vec, p.Vector)
		normalizeInPlace(vec)

		col.graph.Add(hnsw.MakeNode(key, vec))
		col.idMap[id] = key
		col.keyMap[key] = id
		col.points[id] = Point{ID: id, Vector: vec, Payload: p.Payload}
	}
	return nil
}

// Search returns the k nearest live points by cosine similarity.
func (m *MemoryStore) Search(ctx context.Context, collection string, vector []float32, k int) ([]ScoredPoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	col, ok := m.collections[collection]
	if !ok {
		return nil, errors.CollectionGone(collection)
	}
	if len(vector) != col.dim {
		return nil, errors.DimensionMismatch(col.dim, len(vector))
	}
	if col.graph.Len() == 0 || k <= 0 {
		return []ScoredPoint{}, nil
	}

	query := make([]float32, len(vector))
	copy(query, vector)
	normalizeInPlace(query)

	// Over-fetch to compensate for lazily deleted nodes still in the graph.
	fetch := k + (col.graph.Len() - len(col.idMap))
	nodes := col.graph.Search(query, fetch)

	out := make([]ScoredPoint, 0, k)
	for _, node := range nodes {
		id, live := col.keyMap[node.Key]
		if !live {
			continue
		}
		distance := col.graph.Distance(query, node.Value)
		sp := ScoredPoint{
			ID:      id,
			Score:   float64(1 - distance),
			Payload: col.points[id].Payload,
		}
		if text, ok := sp.Payload[PayloadTextKey].(string); ok {
			sp.Text = text
		}
		out = append(out, sp)
		if len(out) == k {
			break
		}
	}
	return out, nil
}

func payloadMatches(payload map[string]any, filter map[string]any) bool {
	for key, want := range filter {
		got, ok := payload[key]
		if !ok || got != want {
			return false
		}
	}
	return true
}

// DeleteByFilter lazily deletes every point whose payload matches filter.
func (m *MemoryStore) DeleteByFilter(ctx context.Context, collection string, filter map[string]any) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	col, ok := m.collections[collection]
	if !ok {
		return 0, errors.CollectionGone(collection)
	}

	removed := 0
	for id, p := range col.points {
		if !payloadMatches(p.Payload, filter) {
			continue
		}
		if key, exists := col.idMap[id]; exists {
			delete(col.keyMap, key)
			delete(col.idMap, id)
		}
		delete(col.points, id)
		removed++
	}
	return removed, nil
}

// DeleteCollection removes the whole collection.
func (m *MemoryStore) DeleteCollection(ctx context.Context, collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.collections[collection]; !ok {
		return errors.CollectionGone(collection)
	}
	delete(m.collections, collection)
	return nil
}

// Scroll returns up to limit points in a stable (ID-sorted) order.
func (m *MemoryStore) Scroll(ctx context.Context, collection string, limit int) ([]ScoredPoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	col, ok := m.collections[collection]
	if !ok {
		return nil, errors.CollectionGone(collection)
	}

	ids := make([]string, 0, len(col.points))
	for id := range col.points {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}

	out := make([]ScoredPoint, 0, len(ids))
	for _, id := range ids {
		p := col.points[id]
		sp := ScoredPoint{ID: id, Payload: p.Payload}
		if text, ok := p.Payload[PayloadTextKey].(string); ok {
			sp.Text = text
		}
		out = append(out, sp)
	}
	return out, nil
}

// ListCollections returns all collection names, sorted.
func (m *MemoryStore) ListCollections(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.collections))
	for name := range m.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Count returns the number of live points in the collection.
func (m *MemoryStore) Count(ctx context.Context, collection string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	col, ok := m.collections[collection]
	if !ok {
		return 0, errors.CollectionGone(collection)
	}
	return len(col.points), nil
}

// normalizeInPlace scales v to unit length so cosine distance behaves.
func normalizeInPlace(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
}
