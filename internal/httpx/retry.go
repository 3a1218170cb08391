// Package httpx holds the HTTP plumbing shared by the LLM, embedding and
// vector-store clients.
package httpx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"
)

const defaultMaxRetries = 3

// StatusError is a non-2xx response from an upstream service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Transient reports whether the status is worth retrying.
func (e *StatusError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// IsTransient reports whether err is a network failure or a retryable
// upstream status. Context cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Transient()
	}
	return true
}

// Retrier executes requests with exponential backoff for transient errors
// (network failures, 5xx, 429).
type Retrier struct {
	Client      *http.Client
	MaxRetries  int
	BaseBackoff time.Duration
	Logger      *slog.Logger
}

// NewRetrier creates a Retrier with the default policy: 3 retries,
// backoff attempt² seconds plus jitter.
func NewRetrier(client *http.Client, logger *slog.Logger) *Retrier {
	if client == nil {
		client = SharedClient(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrier{Client: client, MaxRetries: defaultMaxRetries, BaseBackoff: time.Second, Logger: logger}
}

// Do builds and sends a request until it succeeds, fails permanently, or
// retries run out. A non-transient non-2xx status is returned to the caller
// as a response, not an error.
func (r *Retrier) Do(ctx context.Context, buildReq func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= r.MaxRetries; attempt++ {
		if attempt > 0 {
			base := time.Duration(attempt*attempt) * r.BaseBackoff
			jitter := time.Duration(rand.Int64N(int64(base/2 + 1)))
			backoff := base + jitter
			r.Logger.Warn("retrying request", "attempt", attempt+1, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := r.Client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			if attempt < r.MaxRetries {
				r.Logger.Warn("request failed, will retry", "err", err)
				continue
			}
			return nil, fmt.Errorf("request failed after %d retries: %w", r.MaxRetries, err)
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			lastErr = &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
			if attempt < r.MaxRetries {
				r.Logger.Warn("server error, will retry", "status", resp.StatusCode, "body", string(body))
				continue
			}
			return nil, fmt.Errorf("server error after %d retries: %w", r.MaxRetries, lastErr)
		}

		return resp, nil
	}

	return nil, lastErr
}

// ReadError drains a failed response into a StatusError.
func ReadError(resp *http.Response) error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
}
