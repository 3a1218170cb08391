package retriever

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragchat/internal/chunker"
	"ragchat/internal/domain"
	"ragchat/internal/index"
	"ragchat/internal/vectorstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type staticEmbedder struct {
	vec []float32
	err error
}

func (s staticEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	return s.vec, s.err
}

func transientIndex(t *testing.T, chunks []domain.EmbeddedChunk) *index.Index {
	t.Helper()
	ch, err := chunker.New(100, 0)
	require.NoError(t, err)
	p := index.New(index.Config{Chunker: ch, Logger: testLogger()})
	idx, err := p.IndexEmbedded(context.Background(), chunks)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

// unitAt returns a 2-d vector whose cosine with (1, 0) is score.
func unitAt(score float32) []float32 {
	return []float32{score, float32(math.Sqrt(1 - float64(score*score)))}
}

func TestRetrieve_RanksAndBreaksTiesByOrdinal(t *testing.T) {
	scores := []float32{0.9, 0.5, 0.5, 0.1}
	var chunks []domain.EmbeddedChunk
	// Insert in reverse so store order does not match the expected order.
	for i := len(scores) - 1; i >= 0; i-- {
		chunks = append(chunks, domain.EmbeddedChunk{
			Chunk:  domain.Chunk{DocumentID: "doc", Ordinal: i, Text: string(rune('a' + i))},
			Vector: unitAt(scores[i]),
		})
	}
	idx := transientIndex(t, chunks)

	r := New(staticEmbedder{vec: []float32{1, 0}}, testLogger())
	hits, err := r.Retrieve(context.Background(), idx, "query", 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, 0, hits[0].Chunk.Ordinal)
	assert.InDelta(t, 0.9, hits[0].Score, 1e-5)
	assert.Equal(t, 1, hits[1].Chunk.Ordinal)
	assert.InDelta(t, 0.5, hits[1].Score, 1e-5)
}

func TestRetrieve_TopKLargerThanCollection(t *testing.T) {
	idx := transientIndex(t, []domain.EmbeddedChunk{
		{Chunk: domain.Chunk{DocumentID: "doc", Ordinal: 0, Text: "only"}, Vector: []float32{1, 0}},
	})
	r := New(staticEmbedder{vec: []float32{1, 0}}, testLogger())
	hits, err := r.Retrieve(context.Background(), idx, "q", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestRetrieve_RejectsNonPositiveTopK(t *testing.T) {
	idx := transientIndex(t, []domain.EmbeddedChunk{
		{Chunk: domain.Chunk{DocumentID: "doc"}, Vector: []float32{1, 0}},
	})
	r := New(staticEmbedder{vec: []float32{1, 0}}, testLogger())
	for _, k := range []int{0, -1} {
		_, err := r.Retrieve(context.Background(), idx, "q", k)
		assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	}
}

func TestRetrieve_DimensionMismatch(t *testing.T) {
	idx := transientIndex(t, []domain.EmbeddedChunk{
		{Chunk: domain.Chunk{DocumentID: "doc"}, Vector: []float32{1, 0}},
	})
	r := New(staticEmbedder{vec: []float32{1, 0, 0}}, testLogger())
	_, err := r.Retrieve(context.Background(), idx, "q", 1)
	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
	assert.Equal(t, 409, domain.HTTPStatus(err))
}

func TestRetrieve_EmbeddingFailure(t *testing.T) {
	idx := transientIndex(t, []domain.EmbeddedChunk{
		{Chunk: domain.Chunk{DocumentID: "doc"}, Vector: []float32{1, 0}},
	})
	r := New(staticEmbedder{err: domain.ErrEmbeddingUnavailable}, testLogger())
	_, err := r.Retrieve(context.Background(), idx, "q", 1)
	assert.True(t, errors.Is(err, domain.ErrEmbeddingUnavailable))
}

func TestRetrieve_EmptyCollection(t *testing.T) {
	store := vectorstore.NewMemory()
	ctx := context.Background()
	require.NoError(t, store.CreateCollection(ctx, domain.Collection{Name: "empty", Dimension: 2}))
	ch, err := chunker.New(100, 0)
	require.NoError(t, err)
	idx, err := index.New(index.Config{Store: store, Chunker: ch, Logger: testLogger()}).Open(ctx, store, "empty")
	require.NoError(t, err)

	hits, err := New(staticEmbedder{vec: []float32{1, 0}}, testLogger()).Retrieve(ctx, idx, "q", 3)
	require.NoError(t, err)
	assert.NotNil(t, hits)
	assert.Empty(t, hits)
}
