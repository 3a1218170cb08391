// Package stream relays chat events to a consumer one frame at a time.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"

	"ragchat/internal/domain"
	"ragchat/internal/metrics"
)

// Source produces events. It returns io.EOF once exhausted and
// domain.ErrStreamAborted when the consumer went away.
type Source interface {
	Next(ctx context.Context) (domain.StreamEvent, error)
	Close() error
}

// Sink writes and flushes one event per call.
type Sink interface {
	Write(ev domain.StreamEvent) error
	Close() error
}

// Pump copies events from src to sink until a terminal event was written.
// The next event is pulled only after the previous one was flushed. Source
// failures and a source ending without a terminal event become a final Error
// frame, and so does an expired ctx deadline. A cancelled ctx writes nothing
// further and returns domain.ErrStreamAborted. src and sink are closed
// exactly once on return.
func Pump(ctx context.Context, src Source, sink Sink) (err error) {
	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()
	defer func() {
		err = errors.Join(err, src.Close(), sink.Close())
	}()

	for {
		var ev domain.StreamEvent
		var nerr error
		switch cerr := ctx.Err(); {
		case errors.Is(cerr, context.Canceled):
			return domain.ErrStreamAborted
		case cerr != nil:
			nerr = domain.ErrGenerationTimeout
		default:
			ev, nerr = src.Next(ctx)
		}

		switch {
		case errors.Is(nerr, domain.ErrStreamAborted), nerr != nil && errors.Is(ctx.Err(), context.Canceled):
			return domain.ErrStreamAborted
		case nerr != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
			ev = domain.ErrorEvent(domain.PublicMessage(domain.ErrGenerationTimeout))
		case errors.Is(nerr, io.EOF):
			ev = domain.ErrorEvent(domain.LLMErrorMessage)
		case nerr != nil:
			ev = domain.ErrorEvent(domain.PublicMessage(nerr))
		}

		if werr := sink.Write(ev); werr != nil {
			return fmt.Errorf("%w: %v", domain.ErrStreamAborted, werr)
		}
		metrics.StreamFrames.With(string(ev.Type)).Inc()
		if ev.Terminal() {
			return nil
		}
	}
}
