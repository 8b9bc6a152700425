package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"goa.design/agentcore/runtime/wire"
)

type (
	// Options configures a Forwarder.
	Options struct {
		// Client publishes the events. Required.
		Client Client
		// StreamID derives the target Pulse stream from an event. Defaults
		// to "run/<root run id>" so every event of a run tree, at any
		// nesting depth, lands on the top-level run's stream.
		StreamID func(*wire.StepEvent) (string, error)
	}

	// EventSource is anything the forwarder can drain: *wire.Wire or a
	// trace.Collector wrapping one.
	EventSource interface {
		Recv(ctx context.Context) (*wire.StepEvent, error)
	}

	// Forwarder republishes wire events onto Pulse streams. Safe for
	// concurrent Publish calls; Forward is single-consumer like the wire it
	// drains. The default routing remembers which root run each nested run
	// belongs to, learned from run_started events, so an event only carrying
	// its immediate parent still reaches the root's stream.
	Forwarder struct {
		client   Client
		streamID func(*wire.StepEvent) (string, error)

		mu    sync.Mutex
		roots map[string]string
	}

	// envelope wraps run events for transmission over Pulse streams.
	envelope struct {
		// Timestamp records when the event was published (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Event is the wire event verbatim.
		Event *wire.StepEvent `json:"event"`
	}
)

// NewForwarder constructs a Pulse-backed event forwarder.
func NewForwarder(opts Options) (*Forwarder, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	f := &Forwarder{
		client:   opts.Client,
		streamID: opts.StreamID,
		roots:    make(map[string]string),
	}
	if f.streamID == nil {
		f.streamID = f.rootStreamID
	}
	return f, nil
}

// Publish sends one event to its derived stream.
func (f *Forwarder) Publish(ctx context.Context, ev *wire.StepEvent) error {
	if ev == nil {
		return errors.New("event is required")
	}
	name, err := f.streamID(ev)
	if err != nil {
		return err
	}
	stream, err := f.client.Stream(name)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(envelope{Timestamp: time.Now().UTC(), Event: ev})
	if err != nil {
		return err
	}
	if _, err := stream.Add(ctx, string(ev.Type), payload); err != nil {
		return err
	}
	return nil
}

// Forward drains src until it terminates, publishing every event. Returns nil
// on clean wire closure; publish failures abort the forward so the caller can
// decide whether to retry with a fresh consumer.
func (f *Forwarder) Forward(ctx context.Context, src EventSource) error {
	for {
		ev, err := src.Recv(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := f.Publish(ctx, ev); err != nil {
			return fmt.Errorf("publish %s event: %w", ev.Type, err)
		}
	}
}

// rootStreamID groups an entire run tree onto the root run's stream. A nested
// run_started resolves its root through the parents recorded before it, so
// events at depth two and beyond route past their immediate parent. Terminal
// events drop the recorded mapping.
func (f *Forwarder) rootStreamID(ev *wire.StepEvent) (string, error) {
	if ev.RunID == "" {
		return "", errors.New("event missing run id")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if ev.Type == wire.EventRunStarted && ev.Depth > 0 && ev.ParentRunID != "" {
		f.roots[ev.RunID] = f.rootOf(ev.ParentRunID)
	}
	id, ok := f.roots[ev.RunID]
	if !ok {
		if ev.Depth > 0 && ev.ParentRunID != "" {
			// The run_started was not seen, e.g. the forwarder attached
			// mid-run. Route through the parent chain as far as it is known.
			id = f.rootOf(ev.ParentRunID)
		} else {
			id = ev.RunID
		}
	}
	if ev.Depth > 0 && (ev.Type == wire.EventRunCompleted || ev.Type == wire.EventRunFailed) {
		delete(f.roots, ev.RunID)
	}
	return "run/" + id, nil
}

// rootOf resolves a run id to its recorded root; top-level runs resolve to
// themselves. Callers hold f.mu.
func (f *Forwarder) rootOf(runID string) string {
	if root, ok := f.roots[runID]; ok {
		return root
	}
	return runID
}
