// Package retriever finds the chunks most similar to a query.
package retriever

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ragchat/internal/domain"
	"ragchat/internal/index"
	"ragchat/internal/metrics"
	"ragchat/internal/vectorstore"
)

// DefaultTopK is used when a request does not set topk.
const DefaultTopK = 5

// QueryEmbedder embeds a single query string.
type QueryEmbedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

type Retriever struct {
	embedder QueryEmbedder
	logger   *slog.Logger
}

func New(embedder QueryEmbedder, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{embedder: embedder, logger: logger}
}

// Retrieve returns at most topK chunks ordered by score descending, ties
// broken by ascending ordinal.
func (r *Retriever) Retrieve(ctx context.Context, idx *index.Index, query string, topK int) ([]domain.ScoredChunk, error) {
	if topK <= 0 {
		return nil, domain.Invalid("topk must be positive, got %d", topK)
	}
	start := time.Now()
	defer func() { metrics.RetrievalLatency.Observe(metrics.Since(start)) }()

	vec, err := r.embedder.EmbedOne(ctx, query)
	if err != nil {
		return nil, domain.E("embed query", err)
	}
	if want := idx.Collection().Dimension; len(vec) != want {
		return nil, fmt.Errorf("%w: query vector has %d dimensions, collection %s expects %d",
			domain.ErrDimensionMismatch, len(vec), idx.Collection().Name, want)
	}

	hits, err := idx.Search(ctx, vec, topK)
	if err != nil {
		return nil, domain.E("search", err)
	}
	hits = vectorstore.Rank(hits, topK)
	r.logger.Debug("retrieved context", "collection", idx.Collection().Name, "hits", len(hits), "topk", topK)
	if hits == nil {
		hits = []domain.ScoredChunk{}
	}
	return hits, nil
}
