package domain

import (
	"crypto/sha256"
	"fmt"
)

// Document is raw ingested text. It is immutable once chunked.
type Document struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// NewDocument creates a document whose ID is derived from its content.
func NewDocument(text string) Document {
	hash := sha256.Sum256([]byte(text))
	return Document{ID: fmt.Sprintf("%x", hash[:8]), Text: text}
}

// Chunk is a bounded contiguous segment of a document's text.
// Start and End are byte offsets of the untrimmed span in the document.
type Chunk struct {
	DocumentID string `json:"document_id"`
	Text       string `json:"text"`
	Ordinal    int    `json:"ordinal"`
	Start      int    `json:"start"`
	End        int    `json:"end"`
}

// EmbeddedChunk is a chunk plus its embedding vector.
type EmbeddedChunk struct {
	Chunk
	Vector []float32 `json:"vector"`
}

// Collection is a named, dimension-fixed partition of a vector store.
type Collection struct {
	Name      string `json:"name"`
	Dimension int    `json:"dimension"`
}

// ScoredChunk is a retrieval hit.
type ScoredChunk struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}

// Embedding is the wire shape used by ingestion responses and by chat
// requests that carry precomputed embeddings.
type Embedding struct {
	Text      string    `json:"text"`
	Embedding []float32 `json:"embedding"`
}
