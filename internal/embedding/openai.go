package embedding

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"ragchat/internal/domain"
	"ragchat/internal/httpx"
)

const (
	openAIDefaultModel = "text-embedding-3-small"
	openAIMaxBatch     = 100
)

// OpenAI embeds through the OpenAI embeddings API or any compatible endpoint.
type OpenAI struct {
	client    openai.Client
	model     string
	dimension int
}

type OpenAIConfig struct {
	APIKey  string
	APIBase string
	Model   string
	// Dimension requests shortened vectors from models that support it; zero keeps the native size.
	Dimension int
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.Model == "" {
		cfg.Model = openAIDefaultModel
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.APIBase != "" {
		opts = append(opts, option.WithBaseURL(cfg.APIBase))
	}
	return &OpenAI{
		client:    openai.NewClient(opts...),
		model:     cfg.Model,
		dimension: cfg.Dimension,
	}
}

func (o *OpenAI) ModelName() string { return o.model }
func (o *OpenAI) MaxBatch() int     { return openAIMaxBatch }

func (o *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	params := openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(o.model),
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	}
	if o.dimension > 0 {
		params.Dimensions = openai.Int(int64(o.dimension))
	}

	resp, err := o.client.Embeddings.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("openai embeddings: %w", &httpx.StatusError{StatusCode: apiErr.StatusCode, Body: apiErr.Message})
		}
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}

	out := make([][]float32, len(texts))
	for _, data := range resp.Data {
		if data.Index < 0 || int(data.Index) >= len(out) {
			return nil, fmt.Errorf("%w: openai embeddings: index %d out of range", domain.ErrEmbeddingUnavailable, data.Index)
		}
		vector := make([]float32, len(data.Embedding))
		for i, v := range data.Embedding {
			vector[i] = float32(v)
		}
		out[data.Index] = vector
	}
	for i, v := range out {
		if v == nil {
			return nil, fmt.Errorf("%w: openai embeddings: no vector for input %d", domain.ErrEmbeddingUnavailable, i)
		}
	}
	return out, nil
}

var _ domain.EmbeddingProvider = (*OpenAI)(nil)
