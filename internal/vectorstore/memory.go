package vectorstore

import (
	"context"
	"sync"

	"ragchat/internal/domain"
)

// Memory is an in-process store. It backs transient, request-scoped indexes
// and the "memory" driver.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
}

type memCollection struct {
	info   domain.Collection
	order  []string
	points map[string]domain.EmbeddedChunk
}

func NewMemory() *Memory {
	return &Memory{collections: make(map[string]*memCollection)}
}

func (m *Memory) Describe(ctx context.Context, name string) (domain.Collection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[name]
	if !ok {
		return domain.Collection{}, domain.ErrCollectionNotFound
	}
	return c.info, nil
}

func (m *Memory) CreateCollection(ctx context.Context, c domain.Collection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[c.Name]; ok {
		return domain.ErrCollectionExists
	}
	m.collections[c.Name] = &memCollection{info: c, points: make(map[string]domain.EmbeddedChunk)}
	return nil
}

func (m *Memory) Upsert(ctx context.Context, collection string, chunks []domain.EmbeddedChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[collection]
	if !ok {
		return domain.ErrCollectionNotFound
	}
	if err := checkChunks(c.info, chunks); err != nil {
		return err
	}
	for _, ch := range chunks {
		id := PointID(ch.Chunk)
		if _, exists := c.points[id]; !exists {
			c.order = append(c.order, id)
		}
		c.points[id] = ch
	}
	return nil
}

func (m *Memory) Search(ctx context.Context, collection string, vector []float32, topK int) ([]domain.ScoredChunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[collection]
	if !ok {
		return nil, domain.ErrCollectionNotFound
	}
	if err := checkDimension(c.info, vector); err != nil {
		return nil, err
	}
	hits := make([]domain.ScoredChunk, 0, len(c.points))
	for _, id := range c.order {
		p := c.points[id]
		hits = append(hits, domain.ScoredChunk{Chunk: p.Chunk, Score: Cosine(vector, p.Vector)})
	}
	return Rank(hits, topK), nil
}

// Count returns the number of points in a collection.
func (m *Memory) Count(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.collections[collection]; ok {
		return len(c.points)
	}
	return 0
}

// DeleteCollection forgets a collection and its points.
func (m *Memory) DeleteCollection(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, name)
	return nil
}

func (m *Memory) Close() error { return nil }

var _ domain.VectorStore = (*Memory)(nil)
