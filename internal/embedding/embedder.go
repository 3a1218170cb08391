// Package embedding turns text into vectors through a pluggable provider.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"ragchat/internal/domain"
	"ragchat/internal/httpx"
	"ragchat/internal/metrics"
)

// Canary is embedded once to discover a model's dimension.
const Canary = "hi"

// DefaultProbeTimeout bounds the shared dimension probe.
const DefaultProbeTimeout = 40 * time.Second

// Embedder sub-batches calls to a provider, bounds their rate and
// concurrency, and reassembles results in input order.
type Embedder struct {
	provider    domain.EmbeddingProvider
	limiter     *rate.Limiter
	concurrency int
	logger      *slog.Logger

	probeTimeout time.Duration
	probe        singleflight.Group
	dimension    atomic.Int64
}

type Config struct {
	Provider domain.EmbeddingProvider
	// RequestsPerSecond limits provider calls; zero means unlimited.
	RequestsPerSecond float64
	Burst             int
	// Concurrency bounds in-flight sub-batches (default 4).
	Concurrency int
	// ProbeTimeout bounds the canary call made by Dimension (default 40s).
	ProbeTimeout time.Duration
	Logger       *slog.Logger
}

func New(cfg Config) *Embedder {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Embedder{
		provider:     cfg.Provider,
		limiter:      rate.NewLimiter(limit, burst),
		concurrency:  cfg.Concurrency,
		logger:       cfg.Logger,
		probeTimeout: cfg.ProbeTimeout,
	}
}

func (e *Embedder) ModelName() string { return e.provider.ModelName() }

// Embed returns one vector per text, in input order.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	size := e.provider.MaxBatch()
	if size <= 0 {
		size = len(texts)
	}

	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for offset := 0; offset < len(texts); offset += size {
		end := min(offset+size, len(texts))
		g.Go(func() error {
			vecs, err := e.embedBatch(gctx, texts[offset:end])
			if err != nil {
				return err
			}
			copy(out[offset:end], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	dim := len(out[0])
	for i, v := range out {
		if len(v) != dim {
			return nil, fmt.Errorf("%w: provider returned %d and %d dimensions (text %d)",
				domain.ErrDimensionMismatch, dim, len(v), i)
		}
	}
	return out, nil
}

// EmbedOne embeds a single text.
func (e *Embedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// Dimension reports the model's vector length, embedding the canary on
// first use. Concurrent callers share one probe, and each stops waiting when
// its own ctx is done.
func (e *Embedder) Dimension(ctx context.Context) (int, error) {
	if d := e.dimension.Load(); d > 0 {
		return int(d), nil
	}
	ch := e.probe.DoChan("dimension", func() (any, error) {
		// The probe outlives any single caller; it is bounded on its own.
		probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.probeTimeout)
		defer cancel()
		vec, err := e.EmbedOne(probeCtx, Canary)
		if err != nil {
			return 0, fmt.Errorf("probe embedding dimension: %w", err)
		}
		e.dimension.Store(int64(len(vec)))
		e.logger.Debug("embedding dimension discovered", "model", e.provider.ModelName(), "dimension", len(vec))
		return len(vec), nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return 0, res.Err
		}
		return res.Val.(int), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (e *Embedder) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	model := e.provider.ModelName()
	start := time.Now()
	metrics.EmbeddingCalls.With(model).Inc()
	vecs, err := e.provider.Embed(ctx, batch)
	metrics.EmbeddingLatency.Observe(metrics.Since(start))
	if err != nil {
		err = classify(ctx, err)
		reason := "rejected"
		if errors.Is(err, domain.ErrEmbeddingUnavailable) {
			reason = "unavailable"
		}
		metrics.EmbeddingErrors.With(model, reason).Inc()
		return nil, err
	}
	if len(vecs) != len(batch) {
		metrics.EmbeddingErrors.With(model, "unavailable").Inc()
		return nil, fmt.Errorf("%w: provider returned %d vectors for %d texts",
			domain.ErrEmbeddingUnavailable, len(vecs), len(batch))
	}
	for i, v := range vecs {
		if len(v) == 0 {
			metrics.EmbeddingErrors.With(model, "unavailable").Inc()
			return nil, fmt.Errorf("%w: provider returned no vector for text %d of the batch",
				domain.ErrEmbeddingUnavailable, i)
		}
	}
	return vecs, nil
}

// classify marks retryable provider failures as ErrEmbeddingUnavailable.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, domain.ErrEmbeddingUnavailable) || errors.Is(err, domain.ErrDimensionMismatch) {
		return err
	}
	if httpx.IsTransient(err) {
		return fmt.Errorf("%w: %v", domain.ErrEmbeddingUnavailable, err)
	}
	return fmt.Errorf("embed: %w", err)
}
