// Package model provides the provider-agnostic contract for LLM invocation.
// It defines normalized request/response/streaming types so the executor can
// drive chat-completion providers (OpenAI, Anthropic, etc.) without coupling
// to specific SDKs. Feature packages translate these types into provider
// formats.
package model

import (
	"context"
	"errors"

	"goa.design/agentcore/runtime/step"
)

type (
	// Client is the contract the executor uses to invoke LLM calls.
	// Implementations wrap provider SDKs and translate Request/Response to
	// provider-specific formats. Clients must be safe for concurrent use.
	Client interface {
		// Complete sends a chat completion request and returns the full
		// response. Returns an error if the provider is unavailable, quota is
		// exceeded, or the request is malformed.
		Complete(ctx context.Context, req Request) (Response, error)

		// Stream sends a chat completion request and returns a Streamer
		// yielding incremental chunks (text, tool-call fragments, usage,
		// stop). The returned Streamer must be closed by callers. Providers
		// without streaming support return ErrStreamingUnsupported.
		Stream(ctx context.Context, req Request) (Streamer, error)
	}

	// Streamer delivers incremental model output. Successive Recv calls
	// return Chunk values until io.EOF. Single-goroutine use; Close releases
	// provider resources and is safe to call after EOF.
	Streamer interface {
		// Recv returns the next chunk from the stream.
		Recv() (Chunk, error)
		// Close closes the stream.
		Close() error
	}

	// Request captures the normalized parameters for one model invocation.
	Request struct {
		// Model is the provider-specific model identifier.
		Model string
		// Messages is the ordered chat history, system prompt first.
		Messages []Message
		// Tools describes the tool schemas exposed for function calling.
		Tools []ToolDefinition
		// Temperature controls sampling; zero means provider default.
		Temperature float32
		// MaxTokens caps completion tokens; zero means provider default.
		MaxTokens int
	}

	// Response wraps a complete (non-streamed) model turn.
	Response struct {
		// Content is the assistant text, empty when only tools were called.
		Content string
		// ToolCalls lists tool invocations requested by the model.
		ToolCalls []step.ToolCall
		// Usage reports token usage when the provider supplies it.
		Usage TokenUsage
		// StopReason is the provider-specific stop value ("stop",
		// "tool_calls", "max_tokens", ...). May be empty.
		StopReason string
	}

	// Message is one normalized chat message.
	Message struct {
		// Role is "system", "user", "assistant", or "tool".
		Role string
		// Content is the message text.
		Content string
		// ToolCalls carries the calls of an assistant message, if any.
		ToolCalls []step.ToolCall
		// ToolCallID links a tool message to the call it answers.
		ToolCallID string
		// Name is the tool name on tool messages.
		Name string
	}

	// ToolDefinition describes a tool schema passed to providers for function
	// calling.
	ToolDefinition struct {
		// Name is the identifier presented to the model. Providers restrict
		// characters, typically alphanumerics plus underscores.
		Name string
		// Description documents the tool for prompting purposes.
		Description string
		// InputSchema is the JSON Schema object describing the tool's
		// arguments, usually a map[string]any with "type": "object".
		InputSchema map[string]any
	}

	// Chunk is one streaming event. Type selects the populated payload.
	Chunk struct {
		// Type is one of the ChunkType constants.
		Type string
		// Delta carries text and tool-call fragments for ChunkTypeDelta.
		Delta *step.Delta
		// Usage reports incremental token usage for ChunkTypeUsage.
		Usage *TokenUsage
		// StopReason explains termination for ChunkTypeStop.
		StopReason string
	}

	// TokenUsage records prompt/completion token counts when reported.
	TokenUsage struct {
		// InputTokens counts prompt tokens including history.
		InputTokens int
		// OutputTokens counts completion tokens.
		OutputTokens int
		// TotalTokens is the provider aggregate; prefer it over summing.
		TotalTokens int
	}
)

// Chunk type constants for Chunk.Type.
const (
	// ChunkTypeDelta carries an incremental content or tool-call update.
	ChunkTypeDelta = "delta"
	// ChunkTypeUsage reports token usage, typically once near stream end.
	ChunkTypeUsage = "usage"
	// ChunkTypeStop terminates the logical turn with a stop reason.
	ChunkTypeStop = "stop"
)

// ErrStreamingUnsupported indicates the provider does not implement streaming
// for the requested model or parameters.
var ErrStreamingUnsupported = errors.New("model: streaming not supported")

// ErrRateLimited indicates the provider rejected the request due to rate
// limiting. Adapters wrap provider 429 responses with this sentinel so
// middlewares can back off.
var ErrRateLimited = errors.New("model: rate limited")

// Add accumulates u into the receiver.
func (t *TokenUsage) Add(u TokenUsage) {
	t.InputTokens += u.InputTokens
	t.OutputTokens += u.OutputTokens
	t.TotalTokens += u.TotalTokens
}

// MessagesFromSteps converts a committed step history into the normalized
// message list sent to providers. The optional system prompt leads; steps map
// role-for-role, with assistant tool calls and tool result linkage preserved.
func MessagesFromSteps(system string, steps []*step.Step) []Message {
	msgs := make([]Message, 0, len(steps)+1)
	if system != "" {
		msgs = append(msgs, Message{Role: "system", Content: system})
	}
	for _, s := range steps {
		m := Message{Role: string(s.Role), Content: s.Content}
		switch s.Role {
		case step.RoleAssistant:
			if len(s.ToolCalls) > 0 {
				m.ToolCalls = append([]step.ToolCall(nil), s.ToolCalls...)
			}
		case step.RoleTool:
			m.ToolCallID = s.ToolCallID
			m.Name = s.ToolName
		}
		msgs = append(msgs, m)
	}
	return msgs
}
