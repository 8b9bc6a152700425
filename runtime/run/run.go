// Package run defines the per-run execution descriptor and lifecycle
// primitives shared by every runnable: the immutable Context threaded through
// a run, the cooperative AbortSignal, and the Output returned when a run
// terminates.
package run

import (
	"maps"

	"github.com/google/uuid"

	"goa.design/agentcore/runtime/step"
	"goa.design/agentcore/runtime/wire"
)

// RunnableType classifies the kind of runnable executing a run.
type RunnableType string

const (
	// RunnableAgent marks an LLM/tool loop execution.
	RunnableAgent RunnableType = "agent"
	// RunnableWorkflow marks a workflow-style composition layered on the same
	// contract.
	RunnableWorkflow RunnableType = "workflow"
)

// NestingType records how a nested run was spawned from its parent.
type NestingType string

const (
	// NestingToolCall marks a run spawned by an agent-as-tool invocation.
	NestingToolCall NestingType = "tool_call"
	// NestingWorkflowNode marks a run spawned by a workflow node.
	NestingWorkflowNode NestingType = "workflow_node"
)

// TerminationReason is the enumerated final status of a run.
type TerminationReason string

const (
	// TerminationCompleted means the model returned a final assistant step
	// with no tool calls.
	TerminationCompleted TerminationReason = "completed"
	// TerminationMaxSteps means the iteration budget was exhausted.
	TerminationMaxSteps TerminationReason = "max_steps"
	// TerminationMaxTokens means the token budget was exhausted.
	TerminationMaxTokens TerminationReason = "max_tokens"
	// TerminationCancelled means an external cancel signal stopped the run.
	TerminationCancelled TerminationReason = "cancelled"
	// TerminationError means a fatal internal failure ended the run.
	TerminationError TerminationReason = "error"
)

// MetadataCallStack is the Context metadata key tracking the chain of nested
// runnable identifiers. AgentTool consults it to detect cycles.
const MetadataCallStack = "_call_stack"

type (
	// Context is the immutable descriptor of an executing runnable. It is
	// created at run entry, passed through the entire run, and discarded at
	// completion. Child derivation uses structural sharing: the wire and
	// session identity are inherited, depth increments, and metadata is
	// copied so siblings never observe each other's entries.
	Context struct {
		// RunID identifies this execution.
		RunID string
		// SessionID is stable across all runs of a conversation.
		SessionID string
		// UserID optionally identifies the end user, used for consent checks.
		UserID string
		// RunnableType classifies the executing runnable.
		RunnableType RunnableType
		// RunnableID identifies the executing runnable when known.
		RunnableID string
		// ParentRunID is set on nested runs.
		ParentRunID string
		// NestedRunnableID is the id of the runnable this nested run executes.
		NestedRunnableID string
		// NestingType records how this run was spawned, empty at top level.
		NestingType NestingType
		// Depth is zero at top level and increments per nesting level.
		Depth int
		// Wire is the shared event channel. Nested runs must not close it.
		Wire *wire.Wire
		// Abort is the shared cancellation flag for this run tree.
		Abort *AbortSignal
		// Metadata carries small string-keyed hints (call stack, tracing).
		Metadata map[string]any
	}

	// Output is the result of one run.
	Output struct {
		// Response is the final assistant text.
		Response string
		// RunID echoes the run identifier.
		RunID string
		// SessionID echoes the session identifier.
		SessionID string
		// Metrics aggregates model usage across the run.
		Metrics *step.Metrics
		// TerminationReason records why the run stopped.
		TerminationReason TerminationReason
		// Err is set when the run failed; nil on normal termination.
		Err error
	}
)

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return "run-" + uuid.NewString()
}

// NewContext builds a top-level context for the given session and wire.
func NewContext(runID, sessionID string, w *wire.Wire) *Context {
	if runID == "" {
		runID = NewRunID()
	}
	return &Context{
		RunID:        runID,
		SessionID:    sessionID,
		RunnableType: RunnableAgent,
		Wire:         w,
		Abort:        NewAbortSignal(),
	}
}

// Child derives the context for a nested run. The child shares the session,
// wire, user, and abort signal; it records this context's RunID as its
// parent, increments depth, and extends the metadata call stack with
// nestedRunnableID. Extra metadata entries override inherited ones.
func (c *Context) Child(runID, nestedRunnableID string, nesting NestingType, extra map[string]any) *Context {
	if runID == "" {
		runID = NewRunID()
	}
	md := make(map[string]any, len(c.Metadata)+len(extra)+1)
	maps.Copy(md, c.Metadata)
	maps.Copy(md, extra)
	md[MetadataCallStack] = append(c.CallStack(), nestedRunnableID)
	return &Context{
		RunID:            runID,
		SessionID:        c.SessionID,
		UserID:           c.UserID,
		RunnableType:     c.RunnableType,
		RunnableID:       nestedRunnableID,
		ParentRunID:      c.RunID,
		NestedRunnableID: nestedRunnableID,
		NestingType:      nesting,
		Depth:            c.Depth + 1,
		Wire:             c.Wire,
		Abort:            c.Abort,
		Metadata:         md,
	}
}

// CallStack returns a copy of the nested runnable id chain recorded in
// metadata, outermost first. Empty at top level.
func (c *Context) CallStack() []string {
	v, ok := c.Metadata[MetadataCallStack]
	if !ok {
		return nil
	}
	stack, ok := v.([]string)
	if !ok {
		return nil
	}
	return append([]string(nil), stack...)
}

// OnStack reports whether the given runnable id already appears in the call
// stack.
func (c *Context) OnStack(runnableID string) bool {
	for _, id := range c.CallStack() {
		if id == runnableID {
			return true
		}
	}
	return false
}
