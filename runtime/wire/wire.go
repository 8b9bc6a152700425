package wire

import (
	"context"
	"errors"
	"io"
	"sync"
)

const (
	// DefaultCapacity is the buffer size used when Options does not specify
	// one. Bounded capacity provides backpressure against runaway token
	// streaming.
	DefaultCapacity = 64
	// MinCapacity is the smallest buffer the wire will accept.
	MinCapacity = 16
)

// ErrClosed is returned by Write after the wire has been closed. A late write
// is a lost event, never a crash; only tracer-style best-effort producers may
// legitimately race closure.
var ErrClosed = errors.New("wire: closed")

type (
	// Wire is the bounded in-run event channel. Many producers, one consumer.
	//
	// Ordering is FIFO with respect to a single producer; cross-producer
	// ordering is the wall-clock order of successful writes. The top-level run
	// owner is the sole closer; nested runs receive the wire and must not
	// close it.
	Wire struct {
		events chan *StepEvent
		done   chan struct{}

		closeOnce sync.Once
	}

	// Options configures a Wire.
	Options struct {
		// Capacity bounds the event buffer. Values below MinCapacity are
		// raised to DefaultCapacity.
		Capacity int
	}
)

// New constructs a wire with the given options.
func New(opts Options) *Wire {
	capacity := opts.Capacity
	if capacity < MinCapacity {
		capacity = DefaultCapacity
	}
	return &Wire{
		events: make(chan *StepEvent, capacity),
		done:   make(chan struct{}),
	}
}

// Write enqueues an event. It blocks when the buffer is full and returns
// ErrClosed once the wire is closed. A write racing Close may be accepted or
// lost; it never panics.
func (w *Wire) Write(ctx context.Context, ev *StepEvent) error {
	if ev == nil {
		return errors.New("wire: nil event")
	}
	select {
	case <-w.done:
		return ErrClosed
	default:
	}
	select {
	case w.events <- ev:
		return nil
	case <-w.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv returns the next event in arrival order. After Close, Recv drains the
// remaining buffered events and then returns io.EOF. The context cancels a
// blocked receive.
func (w *Wire) Recv(ctx context.Context) (*StepEvent, error) {
	select {
	case ev := <-w.events:
		return ev, nil
	default:
	}
	select {
	case ev := <-w.events:
		return ev, nil
	case <-w.done:
		// Closed: drain whatever was buffered before reporting end of stream.
		select {
		case ev := <-w.events:
			return ev, nil
		default:
			return nil, io.EOF
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close terminates the wire. It is idempotent. Pending consumers drain the
// buffered events and then observe io.EOF; subsequent writes fail with
// ErrClosed.
func (w *Wire) Close() {
	w.closeOnce.Do(func() { close(w.done) })
}

// Closed reports whether Close has been called. Buffered events may still be
// pending for the consumer.
func (w *Wire) Closed() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// Drain collects all remaining events until the wire terminates or the
// context is canceled. Intended for tests and synchronous callers.
func (w *Wire) Drain(ctx context.Context) ([]*StepEvent, error) {
	var out []*StepEvent
	for {
		ev, err := w.Recv(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, err
		}
		out = append(out, ev)
	}
}
