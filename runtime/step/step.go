// Package step defines the canonical durable record of agent execution: the
// Step. A step is one LLM message or one tool result within a session. Steps
// are immutable after commit and totally ordered per session by Sequence.
//
// The package also defines StepDelta, the ephemeral incremental update emitted
// while a model streams an assistant turn. Deltas are advisory for UIs and are
// never persisted.
package step

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a step within the conversation transcript.
type Role string

const (
	// RoleUser marks end-user input steps.
	RoleUser Role = "user"
	// RoleAssistant marks model-generated steps, possibly carrying tool calls.
	RoleAssistant Role = "assistant"
	// RoleTool marks tool result steps produced in response to an assistant
	// step's tool calls.
	RoleTool Role = "tool"
)

type (
	// Step is the canonical durable record of one LLM message or one tool
	// result. The concatenation of a session's depth-zero steps in Sequence
	// order is a valid LLM message history: an assistant step with tool calls
	// is followed by the tool steps answering all of its calls before the next
	// assistant step. Nested agent runs commit their steps with their Depth so
	// they interleave in storage without corrupting that transcript.
	//
	// Steps are immutable after commit. The pipeline is the sole allocator of
	// Sequence values; any two committed steps in a session carry distinct,
	// strictly increasing sequences.
	Step struct {
		// ID is the globally unique step identifier.
		ID string `json:"id"`
		// SessionID is stable across all steps of a conversation.
		SessionID string `json:"session_id"`
		// RunID is stable across all steps of one user-initiated execution.
		RunID string `json:"run_id"`
		// Sequence totally orders steps within a session. Assigned by the
		// pipeline at commit time; zero before commit.
		Sequence int64 `json:"sequence"`
		// Role is the transcript role: user, assistant, or tool.
		Role Role `json:"role"`
		// Content is the message text. May be empty when ToolCalls is set.
		Content string `json:"content"`
		// ToolCalls lists the tool invocations requested by an assistant step.
		// Nil for user and tool steps.
		ToolCalls []ToolCall `json:"tool_calls,omitempty"`
		// ToolCallID links a tool step to the assistant tool call it answers.
		ToolCallID string `json:"tool_call_id,omitempty"`
		// ToolName names the tool that produced a tool step.
		ToolName string `json:"tool_name,omitempty"`
		// Depth is the agent nesting depth of the run that committed the step.
		// Zero for top-level runs; nested agent runs record their depth so the
		// top-level transcript can be rendered without their internal steps.
		Depth int `json:"depth,omitempty"`
		// Metrics carries optional execution measurements for the step.
		Metrics *Metrics `json:"metrics,omitempty"`
		// CreatedAt records when the step was finalized (UTC).
		CreatedAt time.Time `json:"created_at"`
	}

	// ToolCall is one tool invocation requested by an assistant step.
	// Arguments is the raw JSON string exactly as serialized by the provider;
	// it is parsed only when the call is dispatched.
	ToolCall struct {
		// ID is the provider-assigned correlation identifier for the call.
		ID string `json:"id"`
		// Name identifies the tool to invoke.
		Name string `json:"name"`
		// Arguments is the JSON-encoded argument object.
		Arguments string `json:"arguments"`
	}

	// Metrics records per-step execution measurements when available.
	Metrics struct {
		// WallTime is the total wall-clock duration of the step.
		WallTime time.Duration `json:"wall_time,omitempty"`
		// FirstTokenLatency is the delay before the first streamed token.
		FirstTokenLatency time.Duration `json:"first_token_latency,omitempty"`
		// InputTokens counts prompt tokens attributed to this step.
		InputTokens int `json:"input_tokens,omitempty"`
		// OutputTokens counts completion tokens attributed to this step.
		OutputTokens int `json:"output_tokens,omitempty"`
		// TotalTokens is the provider-reported aggregate when available.
		TotalTokens int `json:"total_tokens,omitempty"`
		// Model identifies the model that produced the step.
		Model string `json:"model,omitempty"`
		// Provider identifies the model provider (e.g. "openai").
		Provider string `json:"provider,omitempty"`
		// ToolDuration is the tool execution time for tool steps.
		ToolDuration time.Duration `json:"tool_duration,omitempty"`
	}

	// Delta is an incremental update emitted while the model streams an
	// assistant step. A delta carries a content fragment, tool-call fragments,
	// or both. Deltas are ephemeral: they cross the wire and are discarded.
	Delta struct {
		// Content is a fragment of assistant text, empty when the delta only
		// advances tool calls.
		Content string `json:"content,omitempty"`
		// ToolCalls carries sparse indexed tool-call fragments.
		ToolCalls []ToolCallDelta `json:"tool_calls,omitempty"`
	}

	// ToolCallDelta is one streamed fragment of a tool call. Providers deliver
	// tool calls piecewise: the first fragment for an index typically sets ID
	// and Name, later fragments extend Arguments.
	ToolCallDelta struct {
		// Index addresses the accumulating tool call within the step.
		Index int `json:"index"`
		// ID sets the call identifier when non-empty.
		ID string `json:"id,omitempty"`
		// Name sets the tool name when non-empty.
		Name string `json:"name,omitempty"`
		// ArgumentsFragment extends the accumulated argument JSON.
		ArgumentsFragment string `json:"arguments_fragment,omitempty"`
	}
)

// NewID returns a fresh globally unique step identifier.
func NewID() string {
	return "step-" + uuid.NewString()
}

// NewUserStep builds an uncommitted user step for the given session and run.
func NewUserStep(sessionID, runID, content string) *Step {
	return &Step{
		ID:        NewID(),
		SessionID: sessionID,
		RunID:     runID,
		Role:      RoleUser,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// NewToolStep builds an uncommitted tool step answering the given tool call.
func NewToolStep(sessionID, runID string, call ToolCall, content string) *Step {
	return &Step{
		ID:         NewID(),
		SessionID:  sessionID,
		RunID:      runID,
		Role:       RoleTool,
		Content:    content,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		CreatedAt:  time.Now().UTC(),
	}
}

// Clone returns a deep copy of the step. Committed steps are shared between
// the pipeline, the wire, and stores; cloning keeps them immutable.
func (s *Step) Clone() *Step {
	if s == nil {
		return nil
	}
	out := *s
	if len(s.ToolCalls) > 0 {
		out.ToolCalls = append([]ToolCall(nil), s.ToolCalls...)
	}
	if s.Metrics != nil {
		m := *s.Metrics
		out.Metrics = &m
	}
	return &out
}
