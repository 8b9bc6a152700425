// Package trace derives an observability tree from the run event stream. The
// Collector wraps an event source, forwards every event unchanged, and
// incrementally builds a Trace of Spans that is upserted after each
// significant event so a crash preserves progress.
package trace

import (
	"context"
	"time"
)

// SpanKind classifies a span.
type SpanKind string

const (
	// KindAgent covers one run of an agent, top level or nested.
	KindAgent SpanKind = "agent"
	// KindLLMCall covers one committed assistant step.
	KindLLMCall SpanKind = "llm_call"
	// KindToolCall covers one committed tool step.
	KindToolCall SpanKind = "tool_call"
)

// SpanStatus is the terminal state of a span.
type SpanStatus string

const (
	// StatusRunning marks a span whose run has not closed yet.
	StatusRunning SpanStatus = "running"
	// StatusOK marks a successfully closed span.
	StatusOK SpanStatus = "ok"
	// StatusError marks a span closed by run_failed.
	StatusError SpanStatus = "error"
)

type (
	// Span is one node of the trace tree.
	Span struct {
		// ID is unique within the trace. Agent spans use their run id.
		ID string `json:"id" bson:"id"`
		// ParentID is empty on the root span.
		ParentID string `json:"parent_id,omitempty" bson:"parent_id,omitempty"`
		// Kind classifies the span.
		Kind SpanKind `json:"kind" bson:"kind"`
		// Name is the display name: the runnable id for agent spans, the
		// model or tool name for call spans.
		Name string `json:"name" bson:"name"`
		// RunID is the run the span belongs to.
		RunID string `json:"run_id" bson:"run_id"`
		// StepID links call spans to their committed step.
		StepID string `json:"step_id,omitempty" bson:"step_id,omitempty"`
		// StartedAt and EndedAt bound the span; EndedAt is nil while open.
		StartedAt time.Time  `json:"started_at" bson:"started_at"`
		EndedAt   *time.Time `json:"ended_at,omitempty" bson:"ended_at,omitempty"`
		// Status is running until the span closes.
		Status SpanStatus `json:"status" bson:"status"`
		// Attributes carries metrics: token counts, durations, errors.
		Attributes map[string]any `json:"attributes,omitempty" bson:"attributes,omitempty"`
	}

	// Trace is the full tree for one top-level run, keyed by the root run
	// id so persistence upserts in place.
	Trace struct {
		// ID is the trace identifier, the root run id.
		ID string `json:"id" bson:"_id"`
		// SessionID is the session the traced run belongs to.
		SessionID string `json:"session_id" bson:"session_id"`
		// Spans lists every span in creation order.
		Spans []*Span `json:"spans" bson:"spans"`
		// UpdatedAt is the last mutation time.
		UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
	}

	// Store persists traces. Upserts are keyed by Trace.ID so partial trees
	// overwrite their predecessors.
	Store interface {
		// UpsertTrace writes the trace snapshot.
		UpsertTrace(ctx context.Context, t *Trace) error
		// LoadTrace returns the stored trace or ErrTraceNotFound.
		LoadTrace(ctx context.Context, traceID string) (*Trace, error)
	}
)

// Clone returns a deep copy suitable for handing to an async writer while
// the collector keeps mutating the original.
func (t *Trace) Clone() *Trace {
	if t == nil {
		return nil
	}
	out := &Trace{ID: t.ID, SessionID: t.SessionID, UpdatedAt: t.UpdatedAt}
	out.Spans = make([]*Span, len(t.Spans))
	for i, s := range t.Spans {
		cp := *s
		if s.EndedAt != nil {
			at := *s.EndedAt
			cp.EndedAt = &at
		}
		if len(s.Attributes) > 0 {
			cp.Attributes = make(map[string]any, len(s.Attributes))
			for k, v := range s.Attributes {
				cp.Attributes[k] = v
			}
		}
		out.Spans[i] = &cp
	}
	return out
}
