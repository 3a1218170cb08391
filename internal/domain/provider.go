package domain

import "context"

// Provider is the interface all language-model providers implement.
type Provider interface {
	Name() string
	// Chat runs a single non-streaming completion.
	Chat(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
	// Stream starts a streaming completion. The returned Stream must be closed.
	Stream(ctx context.Context, req GenerateRequest) (Stream, error)
	Healthy(ctx context.Context) error
}

// Stream is a lazy, non-restartable sequence of partial responses.
// Next returns io.EOF after the final increment. Close aborts the
// underlying call and is safe to call more than once.
type Stream interface {
	Next(ctx context.Context) (Increment, error)
	Close() error
}

// Increment is one partial response. Text is cumulative: each increment
// supersedes the previous one.
type Increment struct {
	Text  string
	Delta string
	Final bool
}

// ProviderMessage is a message in the form providers consume.
type ProviderMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type GenerateRequest struct {
	Messages    []ProviderMessage
	Model       string
	MaxTokens   int
	Temperature *float64
	TopP        *float64
}

type GenerateResponse struct {
	Content      string
	FinishReason string
	Usage        Usage
	LatencyMs    int64
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// EmbeddingProvider converts texts into fixed-length vectors.
type EmbeddingProvider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	ModelName() string
	// MaxBatch is the largest number of texts accepted per call.
	MaxBatch() int
}
