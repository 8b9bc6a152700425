// Package tools defines the tool contract the executor dispatches to: the
// Tool interface, the ToolResult every invocation produces, the registry
// agents resolve tools from, and the consent surface for tools that require
// user authorization.
package tools

import (
	"context"
	"time"

	"goa.design/agentcore/runtime/model"
	"goa.design/agentcore/runtime/run"
)

// ErrorKind is the machine-readable classification of a failed tool result.
type ErrorKind string

const (
	// ErrToolNotFound marks a call to a tool absent from the registry.
	ErrToolNotFound ErrorKind = "tool_not_found"
	// ErrMalformedArguments marks arguments that failed parsing or schema
	// validation.
	ErrMalformedArguments ErrorKind = "malformed_arguments"
	// ErrToolExecution marks a domain error raised by the tool itself.
	ErrToolExecution ErrorKind = "tool_execution_error"
	// ErrPermissionDenied marks a call rejected or timed out by consent.
	ErrPermissionDenied ErrorKind = "permission_denied"
	// ErrNestingViolation marks a nested-agent call rejected by the depth or
	// cycle guard.
	ErrNestingViolation ErrorKind = "nesting_violation"
	// ErrCancelled marks a call stopped by the run's abort signal.
	ErrCancelled ErrorKind = "cancelled"
)

type (
	// Tool is one capability exposed to the model. Implementations must be
	// safe for concurrent use: calls within a batch run in parallel.
	Tool interface {
		// Definition returns the schema advertised to the model.
		Definition() model.ToolDefinition
		// Execute runs the tool with parsed arguments. rctx carries the
		// calling run's identity and wire; nested-agent tools derive child
		// contexts from it. Implementations honor ctx cancellation and the
		// abort signal on rctx.
		Execute(ctx context.Context, args map[string]any, rctx *run.Context) (*Result, error)
	}

	// ConsentRequirer is implemented by tools whose invocation needs user
	// authorization before executing.
	ConsentRequirer interface {
		// RequiresConsent reports whether the call must pass the authorizer.
		RequiresConsent() bool
	}

	// Result is the outcome of one tool invocation.
	Result struct {
		// ToolName names the invoked tool.
		ToolName string
		// ToolCallID correlates the result with the assistant's call.
		ToolCallID string
		// Content is the LLM-readable result text. On failure it explains
		// the problem so the model can adapt.
		Content string
		// Output optionally carries the structured result value.
		Output any
		// ErrorKind classifies the failure, empty on success.
		ErrorKind ErrorKind
		// Error is the machine-readable failure detail, empty on success.
		Error string
		// StartedAt and Duration bound the execution.
		StartedAt time.Time
		Duration  time.Duration
		// IsSuccess reports whether the invocation succeeded.
		IsSuccess bool
	}

	// Decision is an authorizer verdict for one tool call.
	Decision struct {
		// Allowed reports whether the call may proceed.
		Allowed bool
		// Reason explains a denial in human-readable terms.
		Reason string
		// FromCache reports whether the verdict was served from a prior
		// grant without suspending for user input.
		FromCache bool
	}

	// Authorizer decides whether a consent-gated tool call may proceed. It
	// may suspend awaiting user input; implementations honor ctx deadlines.
	Authorizer interface {
		Check(ctx context.Context, userID, toolName string, args map[string]any, rctx *run.Context) (Decision, error)
	}
)

// Success builds a successful result.
func Success(toolName, callID, content string, output any) *Result {
	return &Result{
		ToolName:   toolName,
		ToolCallID: callID,
		Content:    content,
		Output:     output,
		IsSuccess:  true,
	}
}

// Failure builds a failed result. content is what the model reads; detail is
// the machine-readable cause.
func Failure(toolName, callID string, kind ErrorKind, content, detail string) *Result {
	return &Result{
		ToolName:   toolName,
		ToolCallID: callID,
		Content:    content,
		ErrorKind:  kind,
		Error:      detail,
	}
}
