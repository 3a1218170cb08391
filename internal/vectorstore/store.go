// Package vectorstore implements domain.VectorStore over several backends.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"

	"github.com/google/uuid"

	"ragchat/internal/domain"
	"ragchat/internal/httpx"
)

// pointNamespace scopes deterministic point IDs so re-ingesting a document
// overwrites its previous points.
var pointNamespace = uuid.MustParse("6f3f5c52-8d0e-4d8f-9a55-2b8f6e0c1a7d")

// PointID returns the stable identifier of a chunk within a collection.
func PointID(c domain.Chunk) string {
	return uuid.NewSHA1(pointNamespace, []byte(c.DocumentID+":"+strconv.Itoa(c.Ordinal))).String()
}

// Cosine returns the cosine similarity of two equal-length vectors.
func Cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Rank sorts hits by score descending, breaking ties by ordinal, and keeps topK.
func Rank(hits []domain.ScoredChunk, topK int) []domain.ScoredChunk {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].Chunk.Ordinal != hits[j].Chunk.Ordinal {
			return hits[i].Chunk.Ordinal < hits[j].Chunk.Ordinal
		}
		return hits[i].Chunk.DocumentID < hits[j].Chunk.DocumentID
	})
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

func checkDimension(c domain.Collection, vec []float32) error {
	if len(vec) != c.Dimension {
		return fmt.Errorf("%w: collection %s has dimension %d, vector has %d",
			domain.ErrDimensionMismatch, c.Name, c.Dimension, len(vec))
	}
	return nil
}

func checkChunks(c domain.Collection, chunks []domain.EmbeddedChunk) error {
	for _, ch := range chunks {
		if err := checkDimension(c, ch.Vector); err != nil {
			return err
		}
	}
	return nil
}

// unavailable marks transport failures as ErrStoreUnavailable.
func unavailable(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, domain.ErrCollectionExists) || errors.Is(err, domain.ErrCollectionNotFound) ||
		errors.Is(err, domain.ErrDimensionMismatch) {
		return err
	}
	if httpx.IsTransient(err) {
		return fmt.Errorf("%s: %w: %v", op, domain.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Dropper is implemented by stores that can delete a collection.
type Dropper interface {
	DeleteCollection(ctx context.Context, name string) error
}

// Config selects and configures a backend.
type Config struct {
	Driver string // memory | qdrant | pgvector | sqlite
	URL    string
	APIKey string
	DSN    string
	Path   string
	Logger *slog.Logger
}

// Open creates the configured store. The caller owns it and must Close it.
func Open(ctx context.Context, cfg Config) (domain.VectorStore, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(), nil
	case "qdrant":
		return NewQdrant(QdrantConfig{URL: cfg.URL, APIKey: cfg.APIKey, Logger: cfg.Logger}), nil
	case "pgvector":
		return NewPGVector(ctx, cfg.DSN, cfg.Logger)
	case "sqlite":
		return NewSQLite(cfg.Path, cfg.Logger)
	default:
		return nil, fmt.Errorf("unknown vector store driver: %s", cfg.Driver)
	}
}

var (
	_ Dropper = (*Memory)(nil)
	_ Dropper = (*Qdrant)(nil)
	_ Dropper = (*PGVector)(nil)
	_ Dropper = (*SQLite)(nil)
)
