package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"ragchat/internal/domain"
)

// FailoverProvider tries multiple providers in order, falling back to the next
// one when the current fails.
type FailoverProvider struct {
	providers []domain.Provider
	logger    *slog.Logger
}

// NewFailoverProvider creates a failover chain from the given providers.
// At least one provider is required.
func NewFailoverProvider(providers []domain.Provider, logger *slog.Logger) *FailoverProvider {
	return &FailoverProvider{
		providers: providers,
		logger:    logger,
	}
}

func (fp *FailoverProvider) Name() string {
	names := make([]string, len(fp.providers))
	for i, p := range fp.providers {
		names[i] = p.Name()
	}
	return "failover(" + strings.Join(names, "→") + ")"
}

func (fp *FailoverProvider) Healthy(ctx context.Context) error {
	for _, p := range fp.providers {
		if err := p.Healthy(ctx); err == nil {
			return nil
		}
	}
	return fmt.Errorf("no healthy provider in failover chain")
}

// Chat tries each provider in order. Returns the first successful response.
func (fp *FailoverProvider) Chat(ctx context.Context, req domain.GenerateRequest) (*domain.GenerateResponse, error) {
	var lastErr error
	for i, p := range fp.providers {
		resp, err := p.Chat(ctx, req)
		if err == nil {
			if i > 0 {
				fp.logger.Info("failover: used fallback provider", "provider", p.Name(), "attempt", i+1)
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		fp.logger.Warn("failover: provider failed, trying next", "provider", p.Name(), "attempt", i+1, "error", err)
	}
	return nil, fmt.Errorf("all providers in failover chain failed: %w", lastErr)
}

// Stream fails over only while opening. Once a stream has been handed back,
// its increments may already be on the wire, so a later failure is final.
func (fp *FailoverProvider) Stream(ctx context.Context, req domain.GenerateRequest) (domain.Stream, error) {
	var lastErr error
	for i, p := range fp.providers {
		s, err := p.Stream(ctx, req)
		if err == nil {
			if i > 0 {
				fp.logger.Info("failover: streaming from fallback provider", "provider", p.Name(), "attempt", i+1)
			}
			return s, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		fp.logger.Warn("failover: stream open failed, trying next", "provider", p.Name(), "attempt", i+1, "error", err)
	}
	return nil, fmt.Errorf("all providers in failover chain failed: %w", lastErr)
}

var _ domain.Provider = (*FailoverProvider)(nil)
