package domain

import "context"

// VectorStore is a handle on an external (or in-process) vector database.
// Implementations report a missing collection as ErrCollectionNotFound and
// a racing create as ErrCollectionExists.
type VectorStore interface {
	Describe(ctx context.Context, name string) (Collection, error)
	CreateCollection(ctx context.Context, c Collection) error
	Upsert(ctx context.Context, collection string, chunks []EmbeddedChunk) error
	Search(ctx context.Context, collection string, vector []float32, topK int) ([]ScoredChunk, error)
	Close() error
}
