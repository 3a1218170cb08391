package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"ragchat/internal/channel"
	"ragchat/internal/chat"
	"ragchat/internal/chunker"
	"ragchat/internal/config"
	"ragchat/internal/domain"
	"ragchat/internal/embedding"
	"ragchat/internal/history"
	"ragchat/internal/index"
	"ragchat/internal/ingest"
	"ragchat/internal/provider"
	"ragchat/internal/retriever"
	"ragchat/internal/vectorstore"
)

// app holds every long-lived component built from the config.
type app struct {
	cfg         *config.Config
	store       domain.VectorStore
	embedder    *embedding.Embedder
	embedHealth func(context.Context) error
	provisioner *index.Provisioner
	factory     *provider.Factory
	provider    domain.Provider
	chat        *chat.Orchestrator
	ingest      *ingest.Service
}

// loadConfig reads the config file, falling back to defaults when it is missing.
func loadConfig() (*config.Config, string, error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("config not found, using defaults", "path", cfgPath)
			return config.Defaults(), cfgPath, nil
		}
		return nil, cfgPath, fmt.Errorf("load config: %w", err)
	}
	return cfg, cfgPath, nil
}

// newLogger builds the process logger from general.logLevel and general.logFormat.
func newLogger(cfg config.GeneralConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func newEmbeddingProvider(cfg config.EmbeddingConfig) (domain.EmbeddingProvider, func(context.Context) error, error) {
	switch cfg.Provider {
	case "", "ollama":
		o := embedding.NewOllama(embedding.OllamaConfig{
			APIBase:  cfg.APIBase,
			Model:    cfg.Model,
			MaxBatch: cfg.MaxBatch,
			Logger:   logger,
		})
		return o, o.Healthy, nil
	case "openai":
		o := embedding.NewOpenAI(embedding.OpenAIConfig{
			APIKey:    cfg.APIKey,
			APIBase:   cfg.APIBase,
			Model:     cfg.Model,
			Dimension: cfg.Dimension,
		})
		return o, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown embedding provider: %s", cfg.Provider)
	}
}

// buildApp wires config into the chat and ingest pipelines. The caller
// must call close.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	store, err := vectorstore.Open(ctx, vectorstore.Config{
		Driver: cfg.VectorStore.Driver,
		URL:    cfg.VectorStore.URL,
		APIKey: cfg.VectorStore.APIKey,
		DSN:    cfg.VectorStore.DSN,
		Path:   config.ExpandPath(cfg.VectorStore.Path),
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("vector store: %w", err)
	}
	a.store = store

	embProvider, embHealth, err := newEmbeddingProvider(cfg.Embedding)
	if err != nil {
		a.close()
		return nil, err
	}
	a.embedHealth = embHealth
	a.embedder = embedding.New(embedding.Config{
		Provider:          embProvider,
		RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
		Burst:             cfg.Embedding.Burst,
		Concurrency:       cfg.Embedding.Concurrency,
		ProbeTimeout:      time.Duration(cfg.Timeouts.RequestMs) * time.Millisecond,
		Logger:            logger,
	})

	counter, err := chunker.NewCounter(cfg.Chunking.Unit, cfg.Chunking.Encoding)
	if err != nil {
		a.close()
		return nil, err
	}
	ch, err := chunker.New(cfg.Chunking.MaxLength, cfg.Chunking.Overlap, chunker.WithCounter(counter))
	if err != nil {
		a.close()
		return nil, err
	}

	timeout := time.Duration(cfg.Timeouts.RequestMs) * time.Millisecond
	a.provisioner = index.New(index.Config{
		Store:    store,
		Embedder: a.embedder,
		Chunker:  ch,
		Timeout:  timeout,
		Logger:   logger,
	})

	a.factory = provider.NewFactory(cfg.LLM, logger)
	a.provider, err = a.factory.DefaultProvider()
	if err != nil {
		a.close()
		return nil, fmt.Errorf("llm provider: %w", err)
	}

	var summarizer history.Summarizer
	if cfg.History.Summarize {
		summarizer = history.NewLLMSummarizer(history.LLMSummarizerConfig{
			Provider: a.provider,
			Model:    cfg.History.SummaryModel,
			Logger:   logger,
		})
	}

	temperature, topP := cfg.LLM.Temperature, cfg.LLM.TopP
	a.chat = chat.New(chat.Config{
		Provider:        a.provider,
		Provisioner:     a.provisioner,
		Embedder:        a.embedder,
		Retriever:       retriever.New(a.embedder, logger),
		Summarizer:      summarizer,
		Summarize:       cfg.History.Summarize,
		RetentionWindow: cfg.History.RetentionWindow,
		TokenBudget:     cfg.History.TokenBudget,
		SystemPrompt:    cfg.LLM.SystemPrompt,
		MaxTokens:       cfg.LLM.MaxTokens,
		Temperature:     &temperature,
		TopP:            &topP,
		ContextMaxChars: cfg.Retrieval.ContextMaxChars,
		Timeout:         timeout,
		Logger:          logger,
	})

	a.ingest = ingest.New(ingest.Config{
		Indexer:  a.provisioner,
		Sanitize: cfg.Ingest.SanitizeText,
		Logger:   logger,
	})
	return a, nil
}

// healthChecks probes the LLM, the embedder and the store.
func (a *app) healthChecks() map[string]channel.HealthCheck {
	checks := map[string]channel.HealthCheck{
		"llm": a.provider.Healthy,
		"store": func(ctx context.Context) error {
			_, err := a.store.Describe(ctx, "__health__")
			if err == nil || errors.Is(err, domain.ErrCollectionNotFound) {
				return nil
			}
			return err
		},
	}
	if a.embedHealth != nil {
		checks["embedding"] = a.embedHealth
	}
	return checks
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Warn("close vector store", "err", err)
		}
	}
}
