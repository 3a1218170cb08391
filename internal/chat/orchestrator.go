// Package chat runs one chat turn: it selects the engine, retrieves context,
// opens the provider stream and turns increments into stream events.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ragchat/internal/domain"
	"ragchat/internal/history"
	"ragchat/internal/index"
	"ragchat/internal/metrics"
	"ragchat/internal/retriever"
)

const (
	DefaultTimeout         = 40 * time.Second
	DefaultMaxTokens       = 1024
	DefaultContextMaxChars = 8000
)

// Orchestrator starts chat turns. It is safe for concurrent use; all
// per-request state lives in the Turn.
type Orchestrator struct {
	provider        domain.Provider
	provisioner     *index.Provisioner
	embedder        index.Embedder
	retriever       *retriever.Retriever
	summarizer      history.Summarizer
	summarize       bool
	retentionWindow int
	tokenBudget     int
	systemPrompt    string
	maxTokens       int
	temperature     *float64
	topP            *float64
	contextMaxChars int
	timeout         time.Duration
	logger          *slog.Logger
}

type Config struct {
	Provider    domain.Provider
	Provisioner *index.Provisioner
	// Embedder probes the dimension when a datasource collection is created.
	Embedder  index.Embedder
	Retriever *retriever.Retriever

	// Summarizer is used only when Summarize is set and the request asks
	// for memory.
	Summarizer      history.Summarizer
	Summarize       bool
	RetentionWindow int
	TokenBudget     int

	SystemPrompt    string
	MaxTokens       int
	Temperature     *float64
	TopP            *float64
	ContextMaxChars int
	Timeout         time.Duration
	Logger          *slog.Logger
}

func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.ContextMaxChars <= 0 {
		cfg.ContextMaxChars = DefaultContextMaxChars
	}
	return &Orchestrator{
		provider:        cfg.Provider,
		provisioner:     cfg.Provisioner,
		embedder:        cfg.Embedder,
		retriever:       cfg.Retriever,
		summarizer:      cfg.Summarizer,
		summarize:       cfg.Summarize,
		retentionWindow: cfg.RetentionWindow,
		tokenBudget:     cfg.TokenBudget,
		systemPrompt:    cfg.SystemPrompt,
		maxTokens:       cfg.MaxTokens,
		temperature:     cfg.Temperature,
		topP:            cfg.TopP,
		contextMaxChars: cfg.ContextMaxChars,
		timeout:         cfg.Timeout,
		logger:          cfg.Logger,
	}
}

// Validate checks the required fields of a chat request.
func Validate(req domain.ChatRequest) error {
	var missing []string
	if strings.TrimSpace(req.Message.String()) == "" {
		missing = append(missing, "message")
	}
	if req.ChatHistory == nil {
		missing = append(missing, "chatHistory")
	}
	if req.Config == nil {
		missing = append(missing, "config")
	}
	if len(missing) > 0 {
		return domain.Invalid("missing required field(s): %s", strings.Join(missing, ", "))
	}
	if req.TopK < 0 {
		return domain.Invalid("topk must be positive, got %d", req.TopK)
	}
	if req.TimeoutMs < 0 {
		return domain.Invalid("timeout must be positive, got %d", req.TimeoutMs)
	}
	for i, e := range req.Embeddings {
		if len(e.Embedding) == 0 {
			return domain.Invalid("embeddings[%d] has no vector", i)
		}
	}
	return nil
}

// Start validates req, prepares the prompt and opens the provider stream.
// Errors returned here happen before any event is produced. The caller must
// Close the returned Turn.
func (o *Orchestrator) Start(ctx context.Context, req domain.ChatRequest) (*Turn, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}
	metrics.ChatRequests.With(mode(req)).Inc()

	timeout := o.timeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	topK := req.TopK
	if topK == 0 {
		topK = retriever.DefaultTopK
	}

	hist := o.history(req)
	hist.Checkpoint()
	query := req.Message.String()
	appendCtx, cancel := context.WithTimeout(ctx, timeout)
	hist.Append(appendCtx, domain.ConversationMessage{Role: domain.RoleUser, Content: req.Message})
	cancel()

	contextBlock, err := o.retrieve(ctx, req, query, topK, timeout)
	if err != nil {
		metrics.ChatErrors.With("retrieve").Inc()
		return nil, err
	}

	genReq := domain.GenerateRequest{
		Messages:    providerMessages(o.systemPrompt, contextBlock, hist.Snapshot()),
		Model:       req.Config.Model,
		MaxTokens:   o.maxTokens,
		Temperature: o.temperature,
		TopP:        o.topP,
	}
	if req.Config.MaxTokens > 0 {
		genReq.MaxTokens = req.Config.MaxTokens
	}
	if req.Config.Temperature != nil {
		genReq.Temperature = req.Config.Temperature
	}
	if req.Config.TopP != nil {
		genReq.TopP = req.Config.TopP
	}

	turn, err := o.open(ctx, genReq, hist, timeout)
	if err != nil {
		metrics.ChatErrors.With("open").Inc()
		return nil, err
	}
	o.logger.Debug("chat turn started",
		"provider", o.provider.Name(),
		"model", genReq.Model,
		"messages", len(genReq.Messages),
		"context", contextBlock != "",
		"history", hist.Strategy().String(),
	)
	return turn, nil
}

func mode(req domain.ChatRequest) string {
	if len(req.Embeddings) > 0 || req.Datasource != "" {
		return "context"
	}
	return "plain"
}

func (o *Orchestrator) history(req domain.ChatRequest) *history.Manager {
	strategy := history.Simple
	if o.summarize && req.Config.SendMemory {
		strategy = history.Summarizing
	}
	opts := []history.Option{history.WithLogger(o.logger)}
	if o.summarizer != nil {
		opts = append(opts, history.WithSummarizer(o.summarizer))
	}
	if o.retentionWindow > 0 {
		opts = append(opts, history.WithRetentionWindow(o.retentionWindow))
	}
	if o.tokenBudget > 0 {
		opts = append(opts, history.WithTokenBudget(o.tokenBudget))
	}
	return history.New(req.ChatHistory, strategy, opts...)
}

// retrieve selects the engine and returns the context block. Plain chat
// returns an empty block. Precomputed embeddings win over a datasource.
func (o *Orchestrator) retrieve(ctx context.Context, req domain.ChatRequest, query string, topK int, timeout time.Duration) (string, error) {
	if len(req.Embeddings) == 0 && req.Datasource == "" {
		return "", nil
	}
	if o.provisioner == nil || o.retriever == nil {
		return "", fmt.Errorf("%w: retrieval is not configured", domain.ErrStoreUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	idx, err := o.openIndex(ctx, req)
	if err != nil {
		return "", o.provisioningTimeout(ctx, err)
	}
	defer idx.Close()

	hits, err := o.retriever.Retrieve(ctx, idx, query, topK)
	if err != nil {
		return "", o.provisioningTimeout(ctx, err)
	}
	return BuildContext(hits, o.contextMaxChars), nil
}

func (o *Orchestrator) openIndex(ctx context.Context, req domain.ChatRequest) (*index.Index, error) {
	if len(req.Embeddings) > 0 {
		chunks := make([]domain.EmbeddedChunk, len(req.Embeddings))
		for i, e := range req.Embeddings {
			chunks[i] = domain.EmbeddedChunk{
				Chunk:  domain.Chunk{DocumentID: "request", Text: e.Text, Ordinal: i, End: len(e.Text)},
				Vector: e.Embedding,
			}
		}
		return o.provisioner.IndexEmbedded(ctx, chunks)
	}
	store := o.provisioner.Store()
	if _, err := o.provisioner.EnsureCollection(ctx, store, req.Datasource, o.embedder); err != nil {
		return nil, err
	}
	return o.provisioner.Open(ctx, store, req.Datasource)
}

// provisioningTimeout reports an expired request deadline as a provisioning
// timeout while leaving a cancelled parent context alone.
func (o *Orchestrator) provisioningTimeout(ctx context.Context, err error) error {
	if errors.Is(err, domain.ErrProvisioningTimeout) {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.E("retrieve", fmt.Errorf("%w: %v", domain.ErrProvisioningTimeout, err))
	}
	return err
}

func (o *Orchestrator) open(ctx context.Context, req domain.GenerateRequest, hist *history.Manager, timeout time.Duration) (*Turn, error) {
	streamCtx, cancel := context.WithCancelCause(ctx)
	watchdog := time.AfterFunc(timeout, func() { cancel(domain.ErrGenerationTimeout) })

	stream, err := o.provider.Stream(streamCtx, req)
	if err != nil {
		watchdog.Stop()
		cause := context.Cause(streamCtx)
		cancel(nil)
		if errors.Is(cause, domain.ErrGenerationTimeout) || errors.Is(cause, context.DeadlineExceeded) {
			return nil, domain.E("open stream", domain.ErrGenerationTimeout)
		}
		return nil, domain.E("open stream", err)
	}
	return &Turn{
		ctx:      streamCtx,
		cancel:   cancel,
		stream:   stream,
		hist:     hist,
		timeout:  timeout,
		watchdog: watchdog,
		started:  time.Now(),
		logger:   o.logger,
	}, nil
}
