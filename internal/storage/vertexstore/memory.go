package vertexstore

import (
	"context"
	"sort"
	"sync"

	"github.com/LeJamon/goDAGBFT/internal/core/consensus"
)

// MemoryStore is an arena of vertices indexed by id. Vertices hold only
// parent ids; the children, height and tip indexes are built on insert.
type MemoryStore struct {
	mu       sync.RWMutex
	vertices map[consensus.VertexID]*consensus.Vertex
	children map[consensus.VertexID][]consensus.VertexID
	byHeight map[uint64][]consensus.VertexID
	tips     map[consensus.VertexID]struct{}
}

// NewMemoryStore creates an empty arena.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		vertices: make(map[consensus.VertexID]*consensus.Vertex),
		children: make(map[consensus.VertexID][]consensus.VertexID),
		byHeight: make(map[uint64][]consensus.VertexID),
		tips:     make(map[consensus.VertexID]struct{}),
	}
}

func (m *MemoryStore) GetVertex(_ context.Context, id consensus.VertexID) (*consensus.Vertex, error) {
	m.mu.RLock()
	v, ok := m.vertices[id]
	m.mu.RUnlock()
	if !ok {
		return nil, consensus.ErrVertexNotFound
	}
	return v.Clone(), nil
}

func (m *MemoryStore) HasVertex(_ context.Context, id consensus.VertexID) (bool, error) {
	m.mu.RLock()
	_, ok := m.vertices[id]
	m.mu.RUnlock()
	return ok, nil
}

func (m *MemoryStore) PutVertex(ctx context.Context, v *consensus.Vertex) error {
	if err := checkParents(ctx, m, v); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.vertices[v.ID]; exists {
		return nil
	}
	m.vertices[v.ID] = v.Clone()
	m.byHeight[v.Height] = append(m.byHeight[v.Height], v.ID)
	m.tips[v.ID] = struct{}{}
	for _, p := range v.Parents {
		m.children[p] = append(m.children[p], v.ID)
		delete(m.tips, p)
	}
	return nil
}

func (m *MemoryStore) GetTips(context.Context) ([]consensus.VertexID, error) {
	m.mu.RLock()
	out := make([]consensus.VertexID, 0, len(m.tips))
	for id := range m.tips {
		out = append(out, id)
	}
	m.mu.RUnlock()
	sortIDs(out)
	return out, nil
}

func (m *MemoryStore) QueryByHeight(_ context.Context, height uint64) ([]consensus.VertexID, error) {
	m.mu.RLock()
	out := append([]consensus.VertexID(nil), m.byHeight[height]...)
	m.mu.RUnlock()
	sortIDs(out)
	return out, nil
}

func (m *MemoryStore) Children(_ context.Context, id consensus.VertexID) ([]consensus.VertexID, error) {
	m.mu.RLock()
	out := append([]consensus.VertexID(nil), m.children[id]...)
	m.mu.RUnlock()
	return out, nil
}

// Len returns the number of stored vertices.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.vertices)
}

func (m *MemoryStore) Close() error { return nil }

func sortIDs(ids []consensus.VertexID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Compare(ids[j]) < 0 })
}
