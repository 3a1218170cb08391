package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"ragchat/internal/domain"
	"ragchat/internal/httpx"
)

const (
	ollamaDefaultBase  = "http://localhost:11434"
	ollamaDefaultModel = "llama3.1:8b"
)

// Ollama implements domain.Provider for an Ollama server.
type Ollama struct {
	apiBase       string
	defaultModel  string
	contextWindow int
	retrier       *httpx.Retrier
	logger        *slog.Logger
}

type OllamaConfig struct {
	APIBase      string
	DefaultModel string
	// ContextWindow is sent as num_ctx when positive.
	ContextWindow int
	Client        *http.Client
	Logger        *slog.Logger
}

func NewOllama(cfg OllamaConfig) *Ollama {
	if cfg.APIBase == "" {
		cfg.APIBase = ollamaDefaultBase
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = ollamaDefaultModel
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Ollama{
		apiBase:       strings.TrimRight(cfg.APIBase, "/"),
		defaultModel:  cfg.DefaultModel,
		contextWindow: cfg.ContextWindow,
		retrier:       httpx.NewRetrier(cfg.Client, cfg.Logger),
		logger:        cfg.Logger,
	}
}

func (o *Ollama) Name() string { return "ollama" }

func (o *Ollama) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.apiBase+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := o.retrier.Client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}
	return nil
}

// Pull forwards a model pull request body to /api/pull. The caller owns the
// response and relays it as is.
func (o *Ollama) Pull(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.apiBase+"/api/pull", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return o.retrier.Client.Do(req)
}

// ollamaRequest matches the Ollama /api/chat request body.
type ollamaRequest struct {
	Model    string         `json:"model"`
	Messages []ollamaMsg    `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  *ollamaOptions `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	NumCtx      int      `json:"num_ctx,omitempty"`
}

type ollamaMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaResponse struct {
	Message         ollamaMsg `json:"message"`
	Done            bool      `json:"done"`
	DoneReason      string    `json:"done_reason"`
	PromptEvalCount int       `json:"prompt_eval_count"`
	EvalCount       int       `json:"eval_count"`
	Error           string    `json:"error"`
}

func (o *Ollama) buildRequest(req domain.GenerateRequest, stream bool) ollamaRequest {
	model := req.Model
	if model == "" {
		model = o.defaultModel
	}
	msgs := make([]ollamaMsg, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = ollamaMsg{Role: m.Role, Content: m.Content}
	}
	body := ollamaRequest{Model: model, Messages: msgs, Stream: stream}
	opts := ollamaOptions{
		Temperature: req.Temperature,
		TopP:        req.TopP,
		NumPredict:  req.MaxTokens,
		NumCtx:      o.contextWindow,
	}
	if opts != (ollamaOptions{}) {
		body.Options = &opts
	}
	return body
}

func (o *Ollama) post(ctx context.Context, body ollamaRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	resp, err := o.retrier.Do(ctx, func() (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.apiBase+"/api/chat", bytes.NewReader(jsonBody))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		return httpReq, nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama chat: %w", httpx.ReadError(resp))
	}
	return resp, nil
}

func (o *Ollama) Chat(ctx context.Context, req domain.GenerateRequest) (*domain.GenerateResponse, error) {
	start := time.Now()
	resp, err := o.post(ctx, o.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("ollama chat: %s", out.Error)
	}
	return &domain.GenerateResponse{
		Content:      out.Message.Content,
		FinishReason: out.DoneReason,
		Usage: domain.Usage{
			PromptTokens:     out.PromptEvalCount,
			CompletionTokens: out.EvalCount,
			TotalTokens:      out.PromptEvalCount + out.EvalCount,
		},
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

// Stream starts a streaming chat. The response is NDJSON, one object per
// generated piece, ending with done=true.
func (o *Ollama) Stream(ctx context.Context, req domain.GenerateRequest) (domain.Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	resp, err := o.post(ctx, o.buildRequest(req, true))
	if err != nil {
		cancel()
		return nil, err
	}
	return &ollamaStream{
		body:    resp.Body,
		scanner: bufio.NewScanner(resp.Body),
		cancel:  cancel,
	}, nil
}

type ollamaStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc
	text    strings.Builder
	done    bool

	closeOnce sync.Once
}

func (s *ollamaStream) Next(ctx context.Context) (domain.Increment, error) {
	if s.done {
		return domain.Increment{}, io.EOF
	}
	for {
		if err := ctx.Err(); err != nil {
			return domain.Increment{}, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return domain.Increment{}, fmt.Errorf("ollama stream: %w", err)
			}
			return domain.Increment{}, fmt.Errorf("ollama stream: %w", io.ErrUnexpectedEOF)
		}
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return domain.Increment{}, fmt.Errorf("ollama stream decode: %w", err)
		}
		if chunk.Error != "" {
			return domain.Increment{}, fmt.Errorf("ollama stream: %s", chunk.Error)
		}
		s.text.WriteString(chunk.Message.Content)
		if chunk.Done {
			s.done = true
			return domain.Increment{Text: s.text.String(), Delta: chunk.Message.Content, Final: true}, nil
		}
		if chunk.Message.Content == "" {
			continue
		}
		return domain.Increment{Text: s.text.String(), Delta: chunk.Message.Content}, nil
	}
}

func (s *ollamaStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.body.Close()
	})
	return err
}

var _ domain.Provider = (*Ollama)(nil)
