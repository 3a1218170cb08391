package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"ragchat/internal/domain"
	"ragchat/internal/history"
	"ragchat/internal/metrics"
)

// Turn is one in-flight chat generation. Next yields a Token event per
// increment and ends with exactly one Done or Error event, after which it
// returns io.EOF. A Turn is not safe for concurrent use, except Close.
type Turn struct {
	ctx      context.Context
	cancel   context.CancelCauseFunc
	stream   domain.Stream
	hist     *history.Manager
	timeout  time.Duration
	watchdog *time.Timer
	started  time.Time
	logger   *slog.Logger

	text       string
	firstToken bool
	finished   bool

	closeOnce sync.Once
	closeErr  error
}

// Next returns the next event. It returns domain.ErrStreamAborted when ctx
// or the request context is cancelled by the consumer; no event is produced
// for an abort. An expired deadline is a timeout, not an abort.
func (t *Turn) Next(ctx context.Context) (domain.StreamEvent, error) {
	if t.finished {
		return domain.StreamEvent{}, io.EOF
	}
	for {
		inc, err := t.stream.Next(ctx)
		switch {
		case errors.Is(err, io.EOF):
			return t.done(ctx), nil
		case err != nil:
			return t.fail(ctx, err)
		}

		t.watchdog.Reset(t.timeout)
		if !t.firstToken {
			t.firstToken = true
			metrics.LLMLatency.Observe(metrics.Since(t.started))
		}
		if inc.Text == t.text {
			// Nothing new, typically the final increment.
			continue
		}
		t.text = inc.Text
		return domain.TokenEvent(inc.Text), nil
	}
}

func (t *Turn) done(ctx context.Context) domain.StreamEvent {
	t.finished = true
	t.watchdog.Stop()
	appendCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	t.hist.Append(appendCtx, domain.NewMessage(domain.RoleAssistant, t.text))
	return domain.DoneEvent(t.hist.Memory())
}

func (t *Turn) fail(ctx context.Context, err error) (domain.StreamEvent, error) {
	t.finished = true
	t.watchdog.Stop()
	switch {
	case expired(t.ctx), expired(ctx):
		// The idle watchdog or the request ceiling fired.
		err = domain.ErrGenerationTimeout
	case ctx.Err() != nil, t.ctx.Err() != nil:
		t.logger.Debug("chat turn aborted by consumer", "err", err)
		return domain.StreamEvent{}, domain.ErrStreamAborted
	}
	metrics.ChatErrors.With("generate").Inc()
	t.logger.Warn("chat generation failed", "err", err, "partial_chars", len(t.text))
	return domain.ErrorEvent(domain.PublicMessage(err)), nil
}

func expired(ctx context.Context) bool {
	cause := context.Cause(ctx)
	return errors.Is(cause, domain.ErrGenerationTimeout) || errors.Is(cause, context.DeadlineExceeded)
}

// Text returns the cumulative text generated so far.
func (t *Turn) Text() string { return t.text }

// NewMessages returns the messages this turn added to the history.
func (t *Turn) NewMessages() []domain.ConversationMessage { return t.hist.NewMessages() }

// Close aborts generation if still running and releases the provider
// stream. It is safe to call more than once.
func (t *Turn) Close() error {
	t.closeOnce.Do(func() {
		t.watchdog.Stop()
		t.cancel(nil)
		t.closeErr = t.stream.Close()
	})
	return t.closeErr
}
