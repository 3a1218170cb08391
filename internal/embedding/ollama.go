package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"ragchat/internal/domain"
	"ragchat/internal/httpx"
)

const (
	ollamaDefaultBase  = "http://localhost:11434"
	ollamaDefaultModel = "nomic-embed-text"
	ollamaMaxBatch     = 32
)

// Ollama calls the Ollama /api/embed endpoint.
type Ollama struct {
	apiBase  string
	model    string
	maxBatch int
	retrier  *httpx.Retrier
}

type OllamaConfig struct {
	APIBase  string
	Model    string
	MaxBatch int
	Client   *http.Client
	Logger   *slog.Logger
}

func NewOllama(cfg OllamaConfig) *Ollama {
	if cfg.APIBase == "" {
		cfg.APIBase = ollamaDefaultBase
	}
	if cfg.Model == "" {
		cfg.Model = ollamaDefaultModel
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = ollamaMaxBatch
	}
	return &Ollama{
		apiBase:  cfg.APIBase,
		model:    cfg.Model,
		maxBatch: cfg.MaxBatch,
		retrier:  httpx.NewRetrier(cfg.Client, cfg.Logger),
	}
}

func (o *Ollama) ModelName() string { return o.model }
func (o *Ollama) MaxBatch() int     { return o.maxBatch }

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (o *Ollama) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: o.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	resp, err := o.retrier.Do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.apiBase+"/api/embed", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama embed: %w", httpx.ReadError(resp))
	}
	defer resp.Body.Close()

	var out ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	return out.Embeddings, nil
}

// Healthy checks that the Ollama server answers.
func (o *Ollama) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.apiBase+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := o.retrier.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrEmbeddingUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: ollama returned status %d", domain.ErrEmbeddingUnavailable, resp.StatusCode)
	}
	return nil
}

var _ domain.EmbeddingProvider = (*Ollama)(nil)
