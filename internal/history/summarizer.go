package history

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"ragchat/internal/domain"
)

const summarizerPrompt = `You are a conversation summarizer. Summarize the following conversation
concisely, preserving key facts, decisions, and context. If an earlier summary
is given, merge it into the new one. Keep the summary under 200 words. Focus on
information that would be needed to continue the conversation naturally.`

// LLMSummarizer summarizes history with a non-streaming provider call.
type LLMSummarizer struct {
	provider  domain.Provider
	model     string
	maxTokens int
	logger    *slog.Logger
}

type LLMSummarizerConfig struct {
	Provider domain.Provider
	Model    string
	// MaxTokens bounds the summary length (default 512).
	MaxTokens int
	Logger    *slog.Logger
}

func NewLLMSummarizer(cfg LLMSummarizerConfig) *LLMSummarizer {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &LLMSummarizer{
		provider:  cfg.Provider,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		logger:    cfg.Logger,
	}
}

func (s *LLMSummarizer) Summarize(ctx context.Context, prior *domain.ConversationMessage, collapsed []domain.ConversationMessage) (string, error) {
	var sb strings.Builder
	if prior != nil {
		sb.WriteString("Earlier summary:\n")
		sb.WriteString(prior.Content.String())
		sb.WriteString("\n\n")
	}
	sb.WriteString("Summarize this conversation:\n\n")
	for _, m := range collapsed {
		sb.WriteString(string(m.Role))
		sb.WriteString(": ")
		sb.WriteString(m.Content.String())
		sb.WriteString("\n")
	}

	temperature := 0.3
	resp, err := s.provider.Chat(ctx, domain.GenerateRequest{
		Messages: []domain.ProviderMessage{
			{Role: string(domain.RoleSystem), Content: summarizerPrompt},
			{Role: string(domain.RoleUser), Content: sb.String()},
		},
		Model:       s.model,
		MaxTokens:   s.maxTokens,
		Temperature: &temperature,
	})
	if err != nil {
		return "", fmt.Errorf("summarization LLM call: %w", err)
	}
	s.logger.Debug("history summarized", "messages", len(collapsed), "latency_ms", resp.LatencyMs)
	return resp.Content, nil
}
