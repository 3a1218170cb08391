package index

import (
	"context"
	"hash/fnv"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"ragchat/internal/chunker"
	"ragchat/internal/domain"
	"ragchat/internal/vectorstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// fakeEmbedder hashes text into a fixed-size vector and counts dimension lookups.
type fakeEmbedder struct {
	dim     int
	lookups atomic.Int32
	delay   time.Duration
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		h := fnv.New32a()
		h.Write([]byte(t))
		seed := h.Sum32()
		v := make([]float32, f.dim)
		for j := range v {
			v[j] = float32((seed>>uint(j%32))&0xff) + 1
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dimension(ctx context.Context) (int, error) {
	f.lookups.Add(1)
	if _, err := f.Embed(ctx, []string{"hi"}); err != nil {
		return 0, err
	}
	return f.dim, nil
}

func newProvisioner(t *testing.T, store domain.VectorStore, emb Embedder) *Provisioner {
	t.Helper()
	ch, err := chunker.New(20, 0)
	require.NoError(t, err)
	return New(Config{Store: store, Embedder: emb, Chunker: ch, Logger: testLogger()})
}

func TestEnsureCollection_CreatesOnce(t *testing.T) {
	store := vectorstore.NewMemory()
	emb := &fakeEmbedder{dim: 4}
	p := newProvisioner(t, store, emb)
	ctx := context.Background()

	c, err := p.EnsureCollection(ctx, store, "docs", emb)
	require.NoError(t, err)
	assert.Equal(t, domain.Collection{Name: "docs", Dimension: 4}, c)

	c, err = p.EnsureCollection(ctx, store, "docs", emb)
	require.NoError(t, err)
	assert.Equal(t, 4, c.Dimension)
	assert.Equal(t, int32(1), emb.lookups.Load())
}

// racingStore holds every create until the gate opens, so that all callers
// race on CreateCollection.
type racingStore struct {
	*vectorstore.Memory
	mu      sync.Mutex
	creates int
	gate    chan struct{}
}

func (r *racingStore) CreateCollection(ctx context.Context, c domain.Collection) error {
	r.mu.Lock()
	r.creates++
	r.mu.Unlock()
	<-r.gate
	return r.Memory.CreateCollection(ctx, c)
}

func TestEnsureCollection_ConcurrentCallersConverge(t *testing.T) {
	store := &racingStore{Memory: vectorstore.NewMemory(), gate: make(chan struct{})}
	emb := &fakeEmbedder{dim: 3}
	p := newProvisioner(t, store, emb)

	const callers = 8
	results := make([]domain.Collection, callers)
	g, ctx := errgroup.WithContext(context.Background())
	for i := range callers {
		g.Go(func() error {
			c, err := p.EnsureCollection(ctx, store, "shared", emb)
			results[i] = c
			return err
		})
	}
	// Let every caller reach CreateCollection before any succeeds.
	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.creates == callers
	}, 2*time.Second, 5*time.Millisecond)
	close(store.gate)

	require.NoError(t, g.Wait())
	for _, c := range results {
		assert.Equal(t, domain.Collection{Name: "shared", Dimension: 3}, c)
	}
}

func TestEnsureCollection_RequiresName(t *testing.T) {
	store := vectorstore.NewMemory()
	emb := &fakeEmbedder{dim: 2}
	p := newProvisioner(t, store, emb)
	_, err := p.EnsureCollection(context.Background(), store, "", emb)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestEnsureCollection_DeadlineIsProvisioningTimeout(t *testing.T) {
	store := vectorstore.NewMemory()
	emb := &fakeEmbedder{dim: 2, delay: time.Second}
	ch, err := chunker.New(20, 0)
	require.NoError(t, err)
	p := New(Config{Store: store, Embedder: emb, Chunker: ch, Timeout: 20 * time.Millisecond, Logger: testLogger()})

	_, err = p.EnsureCollection(context.Background(), store, "slow", emb)
	require.ErrorIs(t, err, domain.ErrProvisioningTimeout)
	assert.Equal(t, 504, domain.HTTPStatus(err))

	_, err = store.Describe(context.Background(), "slow")
	assert.ErrorIs(t, err, domain.ErrCollectionNotFound)
}

func TestEnsureCollection_CallerDeadlineGoverns(t *testing.T) {
	store := vectorstore.NewMemory()
	emb := &fakeEmbedder{dim: 2, delay: 100 * time.Millisecond}
	ch, err := chunker.New(20, 0)
	require.NoError(t, err)
	p := New(Config{Store: store, Embedder: emb, Chunker: ch, Timeout: 20 * time.Millisecond, Logger: testLogger()})

	// A request timeout longer than the configured one is honoured.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := p.EnsureCollection(ctx, store, "patient", emb)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Dimension)

	// So is a shorter one.
	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	_, err = p.EnsureCollection(short, store, "hurried", emb)
	require.ErrorIs(t, err, domain.ErrProvisioningTimeout)
}

func TestIndexDocuments_Transient(t *testing.T) {
	emb := &fakeEmbedder{dim: 4}
	p := newProvisioner(t, nil, emb)

	idx, chunks, err := p.IndexDocuments(context.Background(),
		[]domain.Document{domain.NewDocument("Alpha beta. Gamma delta.")}, "")
	require.NoError(t, err)
	defer idx.Close()

	assert.True(t, idx.Transient())
	require.Len(t, chunks, 2)
	assert.Equal(t, "Alpha beta.", chunks[0].Text)
	assert.Equal(t, "Gamma delta.", chunks[1].Text)
	assert.Equal(t, 4, idx.Collection().Dimension)

	hits, err := idx.Search(context.Background(), chunks[1].Vector, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "Gamma delta.", hits[0].Chunk.Text)
}

func TestIndexDocuments_Persistent(t *testing.T) {
	store := vectorstore.NewMemory()
	emb := &fakeEmbedder{dim: 4}
	p := newProvisioner(t, store, emb)
	ctx := context.Background()

	idx, chunks, err := p.IndexDocuments(ctx, []domain.Document{domain.NewDocument("Alpha beta. Gamma delta.")}, "docs")
	require.NoError(t, err)
	assert.False(t, idx.Transient())
	assert.Len(t, chunks, 2)
	assert.Equal(t, 2, store.Count("docs"))

	// Re-ingesting the same document overwrites its points.
	_, _, err = p.IndexDocuments(ctx, []domain.Document{domain.NewDocument("Alpha beta. Gamma delta.")}, "docs")
	require.NoError(t, err)
	assert.Equal(t, 2, store.Count("docs"))

	opened, err := p.Open(ctx, store, "docs")
	require.NoError(t, err)
	assert.Equal(t, 4, opened.Collection().Dimension)
}

func TestIndexDocuments_NoStore(t *testing.T) {
	p := newProvisioner(t, nil, &fakeEmbedder{dim: 2})
	_, _, err := p.IndexDocuments(context.Background(), []domain.Document{domain.NewDocument("text")}, "docs")
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestIndexEmbedded(t *testing.T) {
	p := newProvisioner(t, nil, &fakeEmbedder{dim: 2})
	ctx := context.Background()

	_, err := p.IndexEmbedded(ctx, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	idx, err := p.IndexEmbedded(ctx, []domain.EmbeddedChunk{
		{Chunk: domain.Chunk{DocumentID: "req", Ordinal: 0, Text: "a"}, Vector: []float32{1, 0}},
		{Chunk: domain.Chunk{DocumentID: "req", Ordinal: 1, Text: "b"}, Vector: []float32{0, 1}},
	})
	require.NoError(t, err)
	defer idx.Close()
	hits, err := idx.Search(ctx, []float32{0, 1}, 1)
	require.NoError(t, err)
	assert.Equal(t, "b", hits[0].Chunk.Text)

	_, err = p.IndexEmbedded(ctx, []domain.EmbeddedChunk{
		{Chunk: domain.Chunk{DocumentID: "req", Ordinal: 0}, Vector: []float32{1, 0}},
		{Chunk: domain.Chunk{DocumentID: "req", Ordinal: 1}, Vector: []float32{1, 0, 0}},
	})
	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
}
