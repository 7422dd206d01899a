// Package relay forwards completion fragments to a client connection.
//
// A producer goroutine drains the fragment iterator into a channel and the
// caller's goroutine consumes it, writing one fragment at a time and waiting
// a fixed pacing delay after each write. The delay smooths perceived typing
// speed only; it is not backpressure. Fragments that arrive while the consumer
// is paused queue behind the pending write and keep their order.
package relay

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"
)

// Stage names where a relay failed.
type Stage string

const (
	// StageSource means the completion source reported an error.
	StageSource Stage = "source"
	// StageSink means the client connection could not be written or closed.
	StageSink Stage = "sink"
	// StageContext means the request was cancelled, usually by a disconnect.
	StageContext Stage = "context"
)

// Error describes an aborted relay. Written is the number of bytes that had
// already reached the sink; callers use it to decide whether a separate
// error response is still possible.
type Error struct {
	Stage   Stage
	Written int64
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("relay %s failed after %d bytes: %v", e.Stage, e.Written, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Started reports whether any bytes were flushed before the failure.
func (e *Error) Started() bool { return e.Written > 0 }

// Sink receives fragments in order. Implementations need not be safe for
// concurrent use; the relay never writes concurrently.
type Sink interface {
	Write(ctx context.Context, fragment string) error
	Close() error
}

// Stats summarizes a finished relay.
type Stats struct {
	Fragments int
	Bytes     int64
	Duration  time.Duration
}

// Relay holds the pacing policy. The zero value relays without delay and
// without buffering.
type Relay struct {
	delay  time.Duration
	buffer int
}

// New creates a relay with the given pacing delay and channel buffer size.
func New(delay time.Duration, buffer int) *Relay {
	if delay < 0 {
		delay = 0
	}
	if buffer < 0 {
		buffer = 0
	}
	return &Relay{delay: delay, buffer: buffer}
}

type item struct {
	fragment string
	err      error
}

// Run relays fragments until the sequence ends, then closes the sink. It never
// writes error text into the sink; failures are returned as *Error.
func (r *Relay) Run(ctx context.Context, fragments iter.Seq2[string, error], sink Sink) (Stats, error) {
	start := time.Now()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	items := make(chan item, r.buffer)
	go produce(ctx, fragments, items)

	var stats Stats
	fail := func(stage Stage, err error) (Stats, error) {
		stats.Duration = time.Since(start)
		return stats, &Error{Stage: stage, Written: stats.Bytes, Err: err}
	}

	for {
		var it item
		var ok bool
		select {
		case <-ctx.Done():
			return fail(StageContext, ctx.Err())
		case it, ok = <-items:
		}
		if !ok {
			break
		}
		if it.err != nil {
			return fail(StageSource, it.err)
		}
		if it.fragment == "" {
			continue
		}

		if err := sink.Write(ctx, it.fragment); err != nil {
			return fail(StageSink, err)
		}
		stats.Fragments++
		stats.Bytes += int64(len(it.fragment))

		if err := pause(ctx, r.delay); err != nil {
			return fail(StageContext, err)
		}
	}

	if err := sink.Close(); err != nil {
		return fail(StageSink, err)
	}
	stats.Duration = time.Since(start)
	return stats, nil
}

// produce pulls from the iterator until it ends, fails, or ctx is done.
func produce(ctx context.Context, fragments iter.Seq2[string, error], out chan<- item) {
	defer close(out)
	for fragment, err := range fragments {
		select {
		case out <- item{fragment: fragment, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsStarted reports whether err is a relay failure that happened after bytes
// were already written to the client.
func IsStarted(err error) bool {
	var relayErr *Error
	return errors.As(err, &relayErr) && relayErr.Started()
}
