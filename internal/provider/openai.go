package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/ssestream"
	"github.com/openai/openai-go/v3/shared"

	"ragchat/internal/domain"
	"ragchat/internal/httpx"
)

const openAIDefaultModel = "gpt-4o-mini"

// OpenAI implements domain.Provider for OpenAI and OpenAI-compatible APIs.
type OpenAI struct {
	name   string
	client openai.Client
	model  string
	logger *slog.Logger
}

type OpenAIConfig struct {
	// Name overrides the reported provider name for compatible endpoints.
	Name    string
	APIKey  string
	APIBase string
	Model   string
	Logger  *slog.Logger
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.Model == "" {
		cfg.Model = openAIDefaultModel
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.APIBase != "" {
		opts = append(opts, option.WithBaseURL(cfg.APIBase))
	}
	return &OpenAI{
		name:   cfg.Name,
		client: openai.NewClient(opts...),
		model:  cfg.Model,
		logger: cfg.Logger,
	}
}

func (o *OpenAI) Name() string { return o.name }

func (o *OpenAI) Healthy(ctx context.Context) error {
	if _, err := o.client.Models.List(ctx); err != nil {
		return fmt.Errorf("%s not reachable: %w", o.name, convertError(err))
	}
	return nil
}

func (o *OpenAI) params(req domain.GenerateRequest) openai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = o.model
	}
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case "assistant":
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: msgs,
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openai.Float(*req.TopP)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	return params
}

func (o *OpenAI) Chat(ctx context.Context, req domain.GenerateRequest) (*domain.GenerateResponse, error) {
	start := time.Now()
	completion, err := o.client.Chat.Completions.New(ctx, o.params(req))
	if err != nil {
		return nil, fmt.Errorf("%s chat: %w", o.name, convertError(err))
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("%s chat: no choices returned", o.name)
	}
	choice := completion.Choices[0]
	return &domain.GenerateResponse{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage: domain.Usage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:      int(completion.Usage.TotalTokens),
		},
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

// Stream opens a streaming completion. The first chunk is read before
// returning so that connection and authentication failures surface here.
func (o *OpenAI) Stream(ctx context.Context, req domain.GenerateRequest) (domain.Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	stream := o.client.Chat.Completions.NewStreaming(ctx, o.params(req))
	s := &openAIStream{name: o.name, stream: stream, cancel: cancel}
	if !stream.Next() {
		err := stream.Err()
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		s.Close()
		return nil, fmt.Errorf("%s stream: %w", o.name, convertError(err))
	}
	s.primed = true
	return s, nil
}

type openAIStream struct {
	name   string
	stream *ssestream.Stream[openai.ChatCompletionChunk]
	cancel context.CancelFunc
	text   strings.Builder
	primed bool
	done   bool

	closeOnce sync.Once
}

func (s *openAIStream) Next(ctx context.Context) (domain.Increment, error) {
	if s.done {
		return domain.Increment{}, io.EOF
	}
	for {
		if err := ctx.Err(); err != nil {
			return domain.Increment{}, err
		}
		if s.primed {
			s.primed = false
		} else if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				return domain.Increment{}, fmt.Errorf("%s stream: %w", s.name, convertError(err))
			}
			// Some compatible servers end without a finish_reason.
			s.done = true
			return domain.Increment{Text: s.text.String(), Final: true}, nil
		}
		chunk := s.stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		s.text.WriteString(choice.Delta.Content)
		if choice.FinishReason != "" {
			s.done = true
			return domain.Increment{Text: s.text.String(), Delta: choice.Delta.Content, Final: true}, nil
		}
		if choice.Delta.Content == "" {
			continue
		}
		return domain.Increment{Text: s.text.String(), Delta: choice.Delta.Content}, nil
	}
}

func (s *openAIStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.stream.Close()
	})
	return err
}

// convertError maps API errors onto httpx.StatusError so callers can classify them.
func convertError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &httpx.StatusError{StatusCode: apiErr.StatusCode, Body: apiErr.Message}
	}
	return err
}

var _ domain.Provider = (*OpenAI)(nil)
