package vectorstore

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragchat/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func embedded(doc string, ordinal int, text string, vec ...float32) domain.EmbeddedChunk {
	return domain.EmbeddedChunk{
		Chunk:  domain.Chunk{DocumentID: doc, Ordinal: ordinal, Text: text, Start: ordinal * 10, End: ordinal*10 + len(text)},
		Vector: vec,
	}
}

func TestRank_ScoreThenOrdinal(t *testing.T) {
	hits := []domain.ScoredChunk{
		{Chunk: domain.Chunk{Ordinal: 3}, Score: 0.5},
		{Chunk: domain.Chunk{Ordinal: 0}, Score: 0.9},
		{Chunk: domain.Chunk{Ordinal: 1}, Score: 0.5},
		{Chunk: domain.Chunk{Ordinal: 2}, Score: 0.1},
	}
	got := Rank(hits, 2)
	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0].Chunk.Ordinal)
	assert.Equal(t, 1, got[1].Chunk.Ordinal)
}

func TestRank_TopKLargerThanHits(t *testing.T) {
	hits := []domain.ScoredChunk{{Score: 0.2}, {Score: 0.4}}
	got := Rank(hits, 10)
	require.Len(t, got, 2)
	assert.Equal(t, 0.4, got[0].Score)
}

func TestPointID_Stable(t *testing.T) {
	a := domain.Chunk{DocumentID: "doc", Ordinal: 1, Text: "x"}
	b := domain.Chunk{DocumentID: "doc", Ordinal: 1, Text: "changed"}
	c := domain.Chunk{DocumentID: "doc", Ordinal: 2}
	assert.Equal(t, PointID(a), PointID(b))
	assert.NotEqual(t, PointID(a), PointID(c))
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, Cosine([]float32{0, 0}, []float32{1, 1}))
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "redis"})
	assert.Error(t, err)
}

// runStoreContract exercises behavior every backend shares.
func runStoreContract(t *testing.T, s domain.VectorStore) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Describe(ctx, "docs")
	require.ErrorIs(t, err, domain.ErrCollectionNotFound)

	require.NoError(t, s.CreateCollection(ctx, domain.Collection{Name: "docs", Dimension: 2}))
	assert.ErrorIs(t, s.CreateCollection(ctx, domain.Collection{Name: "docs", Dimension: 2}), domain.ErrCollectionExists)

	info, err := s.Describe(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, 2, info.Dimension)

	require.NoError(t, s.Upsert(ctx, "docs", []domain.EmbeddedChunk{
		embedded("d1", 0, "north", 0, 1),
		embedded("d1", 1, "east", 1, 0),
		embedded("d1", 2, "north-east", 1, 1),
	}))
	// Re-upserting a chunk replaces it.
	require.NoError(t, s.Upsert(ctx, "docs", []domain.EmbeddedChunk{embedded("d1", 1, "east", 1, 0)}))

	hits, err := s.Search(ctx, "docs", []float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "east", hits[0].Chunk.Text)
	assert.Equal(t, "north-east", hits[1].Chunk.Text)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	assert.Equal(t, 10, hits[0].Chunk.Start)

	_, err = s.Search(ctx, "docs", []float32{1, 0, 0}, 2)
	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
	assert.ErrorIs(t, s.Upsert(ctx, "docs", []domain.EmbeddedChunk{embedded("d2", 0, "x", 1)}), domain.ErrDimensionMismatch)

	_, err = s.Search(ctx, "missing", []float32{1, 0}, 2)
	assert.ErrorIs(t, err, domain.ErrCollectionNotFound)

	if d, ok := s.(Dropper); ok {
		require.NoError(t, d.DeleteCollection(ctx, "docs"))
		_, err = s.Describe(ctx, "docs")
		assert.ErrorIs(t, err, domain.ErrCollectionNotFound)
	}
}

func TestMemory_Contract(t *testing.T) {
	runStoreContract(t, NewMemory())
}

func TestMemory_Count(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.CreateCollection(ctx, domain.Collection{Name: "c", Dimension: 1}))
	require.NoError(t, m.Upsert(ctx, "c", []domain.EmbeddedChunk{embedded("d", 0, "a", 1), embedded("d", 0, "a", 1)}))
	assert.Equal(t, 1, m.Count("c"))
	assert.Equal(t, 0, m.Count("other"))
}

func TestSQLite_Contract(t *testing.T) {
	s, err := NewSQLite(filepath.Join(t.TempDir(), "vectors.db"), testLogger())
	require.NoError(t, err)
	defer s.Close()
	runStoreContract(t, s)
}

func TestSQLite_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectors.db")
	ctx := context.Background()

	s, err := NewSQLite(path, testLogger())
	require.NoError(t, err)
	require.NoError(t, s.CreateCollection(ctx, domain.Collection{Name: "c", Dimension: 3}))
	require.NoError(t, s.Upsert(ctx, "c", []domain.EmbeddedChunk{embedded("d", 0, "kept", 0.25, -1.5, 3)}))
	require.NoError(t, s.Close())

	s, err = NewSQLite(path, testLogger())
	require.NoError(t, err)
	defer s.Close()

	version, err := schemaVersion(s.db)
	require.NoError(t, err)
	assert.Equal(t, sqliteSchemaVersion, version)

	hits, err := s.Search(ctx, "c", []float32{0.25, -1.5, 3}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "kept", hits[0].Chunk.Text)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
}

func TestVectorCodec(t *testing.T) {
	v := []float32{0, 1.5, -2.25, 3e-7}
	assert.Equal(t, v, decodeVector(encodeVector(v)))
}
