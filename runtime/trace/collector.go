package trace

import (
	"context"
	"errors"
	"sync"
	"time"

	"goa.design/clue/log"

	"goa.design/agentcore/runtime/step"
	"goa.design/agentcore/runtime/wire"
)

type (
	// EventSource is anything the collector can drain, typically *wire.Wire.
	EventSource interface {
		Recv(ctx context.Context) (*wire.StepEvent, error)
	}

	// Collector wraps an event source. Recv forwards each event unchanged
	// while folding it into a growing Trace; after every significant event
	// the partial trace is handed to a background writer. Collector failures
	// never disturb the forwarded stream.
	//
	// Single-consumer like the wire it wraps.
	Collector struct {
		src   EventSource
		store Store

		trace      *Trace
		spans      map[string]*Span // agent spans by run id
		writes     chan *Trace
		writerDone chan struct{}
		flushOnce  sync.Once
	}
)

// NewCollector wraps src. A nil store disables persistence; the trace is
// still built and available from Trace.
func NewCollector(src EventSource, store Store) *Collector {
	c := &Collector{
		src:        src,
		store:      store,
		spans:      make(map[string]*Span),
		writes:     make(chan *Trace, 16),
		writerDone: make(chan struct{}),
	}
	go c.writer()
	return c
}

// Recv returns the next event from the wrapped source. On io.EOF the pending
// trace writes are flushed before the error is returned.
func (c *Collector) Recv(ctx context.Context) (*wire.StepEvent, error) {
	ev, err := c.src.Recv(ctx)
	if err != nil {
		c.flush()
		return nil, err
	}
	c.observe(ctx, ev)
	return ev, nil
}

// Trace returns a snapshot of the tree built so far.
func (c *Collector) Trace() *Trace {
	return c.trace.Clone()
}

// observe folds one event into the trace and schedules persistence for the
// event types that change durable state.
func (c *Collector) observe(ctx context.Context, ev *wire.StepEvent) {
	now := time.Now().UTC()
	switch ev.Type {
	case wire.EventRunStarted:
		if c.trace == nil {
			c.trace = &Trace{ID: ev.RunID, SessionID: ev.SessionID}
		}
		name := ev.NestedRunnableID
		if name == "" {
			name = ev.RunID
		}
		span := &Span{
			ID:        ev.RunID,
			Kind:      KindAgent,
			Name:      name,
			RunID:     ev.RunID,
			StartedAt: now,
			Status:    StatusRunning,
		}
		if parent, ok := c.spans[ev.ParentRunID]; ok {
			span.ParentID = parent.ID
		}
		c.spans[ev.RunID] = span
		c.trace.Spans = append(c.trace.Spans, span)

	case wire.EventStepCompleted:
		if c.trace == nil || ev.Step == nil {
			return
		}
		span := c.stepSpan(ev.Step, now)
		if span == nil {
			return
		}
		if parent, ok := c.spans[ev.RunID]; ok {
			span.ParentID = parent.ID
		}
		c.trace.Spans = append(c.trace.Spans, span)

	case wire.EventRunCompleted, wire.EventRunFailed:
		span, ok := c.spans[ev.RunID]
		if !ok {
			return
		}
		at := now
		span.EndedAt = &at
		span.Status = StatusOK
		if ev.Type == wire.EventRunFailed {
			span.Status = StatusError
			if msg, ok := ev.Data["error"].(string); ok {
				if span.Attributes == nil {
					span.Attributes = make(map[string]any)
				}
				span.Attributes["error"] = msg
			}
		}

	default:
		return
	}

	c.trace.UpdatedAt = now
	c.persist(ctx)
}

// stepSpan builds the call span for a committed step. User steps produce no
// span.
func (c *Collector) stepSpan(s *step.Step, now time.Time) *Span {
	var (
		kind SpanKind
		name string
	)
	switch s.Role {
	case step.RoleAssistant:
		kind = KindLLMCall
		name = "llm"
	case step.RoleTool:
		kind = KindToolCall
		name = s.ToolName
	default:
		return nil
	}
	span := &Span{
		ID:     "span-" + s.ID,
		Kind:   kind,
		Name:   name,
		RunID:  s.RunID,
		StepID: s.ID,
		Status: StatusOK,
	}
	started := now
	ended := now
	if m := s.Metrics; m != nil {
		if name == "llm" && m.Model != "" {
			span.Name = m.Model
		}
		span.Attributes = map[string]any{}
		if m.TotalTokens > 0 {
			span.Attributes["input_tokens"] = m.InputTokens
			span.Attributes["output_tokens"] = m.OutputTokens
			span.Attributes["total_tokens"] = m.TotalTokens
		}
		duration := m.WallTime
		if kind == KindToolCall && m.ToolDuration > 0 {
			duration = m.ToolDuration
			span.Attributes["duration_ms"] = m.ToolDuration.Milliseconds()
		}
		if duration > 0 {
			started = now.Add(-duration)
		}
		if len(span.Attributes) == 0 {
			span.Attributes = nil
		}
	}
	span.StartedAt = started
	span.EndedAt = &ended
	return span
}

// persist hands a snapshot to the background writer without blocking the
// forward path; a full queue drops the snapshot, the next event resends a
// superset.
func (c *Collector) persist(ctx context.Context) {
	if c.store == nil || c.trace == nil {
		return
	}
	select {
	case c.writes <- c.trace.Clone():
	default:
		log.Debugf(ctx, "trace write queue full, skipping snapshot %s", c.trace.ID)
	}
}

// writer drains snapshots until flush closes the queue.
func (c *Collector) writer() {
	defer close(c.writerDone)
	ctx := context.Background()
	for t := range c.writes {
		if err := c.store.UpsertTrace(ctx, t); err != nil {
			log.Errorf(ctx, err, "upsert trace %s", t.ID)
		}
	}
}

// flush enqueues one last snapshot, closes the write queue, and waits for
// pending upserts. The last snapshot matters: persist may have dropped the
// terminal state on a full queue, and no further event will resend it. The
// send blocks until the writer makes room. Idempotent.
func (c *Collector) flush() {
	c.flushOnce.Do(func() {
		if c.store != nil && c.trace != nil {
			c.writes <- c.trace.Clone()
		}
		close(c.writes)
		<-c.writerDone
	})
}

// ErrTraceNotFound is returned by stores when no trace exists for the id.
var ErrTraceNotFound = errors.New("trace not found")
