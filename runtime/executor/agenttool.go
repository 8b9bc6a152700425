package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"goa.design/agentcore/runtime/model"
	"goa.design/agentcore/runtime/run"
	"goa.design/agentcore/runtime/tools"
)

// DefaultMaxDepth bounds agent-as-tool nesting when AgentToolOptions does
// not.
const DefaultMaxDepth = 5

type (
	// AgentTool adapts a Runnable as a tool so one agent can delegate to
	// another. The nested run shares the caller's session and wire: its
	// events stream to the top-level consumer, distinguishable by run_id,
	// parent_run_id, and depth. Depth and call-stack guards keep the nesting
	// a finite DAG. Agents persisting to the same store must share one
	// pipeline (Options.Pipeline) so step sequences stay distinct across the
	// run tree.
	AgentTool struct {
		inner       Runnable
		name        string
		description string
		maxDepth    int
		consent     bool
	}

	// AgentToolOptions configures an AgentTool.
	AgentToolOptions struct {
		// Name overrides the tool name; defaults to "call_<inner id>" with
		// non-identifier characters replaced.
		Name string
		// Description overrides the tool description.
		Description string
		// MaxDepth bounds nesting; zero selects DefaultMaxDepth.
		MaxDepth int
		// RequiresConsent gates invocations behind the authorizer.
		RequiresConsent bool
	}
)

// NewAgentTool wraps inner as a tool.
func NewAgentTool(inner Runnable, opts AgentToolOptions) (*AgentTool, error) {
	if inner == nil {
		return nil, fmt.Errorf("executor: inner runnable is required")
	}
	name := opts.Name
	if name == "" {
		name = "call_" + sanitizeToolName(inner.ID())
	}
	description := opts.Description
	if description == "" {
		if a, ok := inner.(*Agent); ok && a.Description() != "" {
			description = a.Description()
		} else {
			description = fmt.Sprintf("Delegate a task to the %s agent.", inner.ID())
		}
	}
	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &AgentTool{
		inner:       inner,
		name:        name,
		description: description,
		maxDepth:    maxDepth,
		consent:     opts.RequiresConsent,
	}, nil
}

// Definition implements tools.Tool.
func (t *AgentTool) Definition() model.ToolDefinition {
	return model.ToolDefinition{
		Name:        t.name,
		Description: t.description,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task": map[string]any{
					"type":        "string",
					"description": "The task to delegate, phrased as a complete request.",
				},
			},
			"required": []any{"task"},
		},
	}
}

// RequiresConsent implements tools.ConsentRequirer.
func (t *AgentTool) RequiresConsent() bool { return t.consent }

// Execute implements tools.Tool. It guards depth and cycles, derives a child
// context sharing the caller's wire and session, and runs the inner agent to
// completion. The inner run's response becomes the tool result the outer
// model reads.
func (t *AgentTool) Execute(ctx context.Context, args map[string]any, rctx *run.Context) (*tools.Result, error) {
	id := t.inner.ID()
	if rctx.Depth >= t.maxDepth {
		return tools.Failure(t.name, "", tools.ErrNestingViolation,
			fmt.Sprintf("Cannot delegate to %s: the maximum agent nesting depth (%d) was reached. Answer directly instead.", id, t.maxDepth),
			"max_depth_exceeded"), nil
	}
	if rctx.OnStack(id) {
		return tools.Failure(t.name, "", tools.ErrNestingViolation,
			fmt.Sprintf("Cannot delegate to %s: it is already executing in this call chain. Answer directly instead.", id),
			"cycle_detected"), nil
	}

	child := rctx.Child("", id, run.NestingToolCall, nil)
	out, err := t.inner.Run(ctx, taskText(args), child)
	if err != nil {
		return tools.Failure(t.name, "", tools.ErrToolExecution,
			fmt.Sprintf("Delegation to %s failed: %s.", id, err), err.Error()), nil
	}
	if out.Err != nil {
		return tools.Failure(t.name, "", tools.ErrToolExecution,
			fmt.Sprintf("Delegation to %s failed: %s.", id, out.Err), out.Err.Error()), nil
	}
	res := tools.Success(t.name, "", out.Response, out)
	return res, nil
}

// taskText extracts the delegated task from the arguments, falling back to
// the raw argument object when the task field is absent.
func taskText(args map[string]any) string {
	if v, ok := args["task"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	return string(raw)
}

// sanitizeToolName maps a runnable id onto the provider-safe tool name
// alphabet.
func sanitizeToolName(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
