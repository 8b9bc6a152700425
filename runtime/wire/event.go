// Package wire provides the bounded in-run event channel connecting an
// executing agent to the caller draining its run. Every observable moment of
// a run — lifecycle transitions, streamed deltas, committed steps, consent
// decisions — crosses the wire as a StepEvent.
//
// The wire is a bounded, ordered, single-closer channel: many producers, one
// consumer, closed exactly once by the top-level run owner. Closure is the
// sole run-termination signal to the consumer. Nested runs share their
// parent's wire and must never close it.
package wire

import (
	"goa.design/agentcore/runtime/step"
)

// EventType enumerates the event kinds flowing on the wire. Consumers must
// tolerate unknown types: the enum is extensible.
type EventType string

const (
	// EventRunStarted opens a run. Data carries the run input.
	EventRunStarted EventType = "run_started"
	// EventStepDelta streams an incremental assistant update. Advisory for
	// UIs; deltas are never persisted.
	EventStepDelta EventType = "step_delta"
	// EventStepCompleted announces a committed, durable step.
	EventStepCompleted EventType = "step_completed"
	// EventRunCompleted closes a run successfully. Data carries the output,
	// metrics, and termination reason.
	EventRunCompleted EventType = "run_completed"
	// EventRunFailed closes a run on an irrecoverable error. Data carries the
	// error message.
	EventRunFailed EventType = "run_failed"
	// EventToolAuthRequired signals that a tool call is awaiting consent.
	EventToolAuthRequired EventType = "tool_auth_required"
	// EventToolAuthDenied signals that consent was denied for a tool call.
	EventToolAuthDenied EventType = "tool_auth_denied"
)

// StepEvent is the envelope flowing on the wire. Exactly one of Delta, Step,
// or Data is populated depending on Type: Delta for step_delta, Step for
// step_completed, Data for run lifecycle and consent events.
//
// The nesting fields let a single consumer demultiplex an arbitrarily deep
// agent-as-tool tree: events of a nested run carry its own RunID, the
// ParentRunID that spawned it, and its Depth below the top-level run.
type StepEvent struct {
	// Type identifies the event kind.
	Type EventType `json:"type"`
	// RunID is the run that emitted the event.
	RunID string `json:"run_id"`
	// SessionID is the session shared by all runs on this wire.
	SessionID string `json:"session_id,omitempty"`
	// StepID identifies the subject step for step events.
	StepID string `json:"step_id,omitempty"`
	// Delta is the incremental update for step_delta events.
	Delta *step.Delta `json:"delta,omitempty"`
	// Step is the complete committed step for step_completed events.
	Step *step.Step `json:"step,omitempty"`
	// Data is the free-form payload for run lifecycle and consent events.
	Data map[string]any `json:"data,omitempty"`
	// NestedRunnableID identifies the nested runnable for events emitted
	// below the top level.
	NestedRunnableID string `json:"nested_runnable_id,omitempty"`
	// ParentRunID is the run that spawned this event's run, when nested.
	ParentRunID string `json:"parent_run_id,omitempty"`
	// Depth is the nesting depth of the emitting run; zero at top level.
	Depth int `json:"depth"`
}
