// Package toolexec dispatches the tool calls of one assistant step. Calls in
// a batch are independent: they run concurrently under a bounded limit, each
// failure is isolated to its own ToolResult, and results come back in request
// order so the transcript stays aligned with the model's call list.
package toolexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"

	"goa.design/agentcore/runtime/run"
	"goa.design/agentcore/runtime/step"
	"goa.design/agentcore/runtime/tools"
	"goa.design/agentcore/runtime/wire"
)

// DefaultConcurrency bounds parallel tool executions within one batch.
const DefaultConcurrency = 4

type (
	// Executor runs tool-call batches. Safe for concurrent use across runs.
	Executor struct {
		registry    *tools.Registry
		authorizer  tools.Authorizer
		concurrency int
		timeout     time.Duration

		schemas schemaCache
	}

	// Options configures an Executor.
	Options struct {
		// Registry resolves tool names. Required.
		Registry *tools.Registry
		// Authorizer decides consent-gated calls. Nil denies every
		// consent-requiring call.
		Authorizer tools.Authorizer
		// Concurrency bounds parallel executions per batch. Zero or negative
		// selects DefaultConcurrency.
		Concurrency int
		// Timeout bounds each tool invocation. Zero disables the per-call
		// deadline.
		Timeout time.Duration
	}
)

// New returns an executor with the given options.
func New(opts Options) (*Executor, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("toolexec: registry is required")
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Executor{
		registry:    opts.Registry,
		authorizer:  opts.Authorizer,
		concurrency: concurrency,
		timeout:     opts.Timeout,
	}, nil
}

// Execute dispatches the batch and returns one result per call, in request
// order. It never returns an error for tool-scoped failures; those become
// failure results the model reads on the next turn. The returned error is
// non-nil only when the context is canceled before the batch settles.
func (e *Executor) Execute(ctx context.Context, rctx *run.Context, calls []step.ToolCall) ([]*tools.Result, error) {
	results := make([]*tools.Result, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = e.executeOne(gctx, rctx, call)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, ctx.Err()
}

// executeOne resolves, validates, authorizes, and invokes a single call. All
// failure modes produce a result; none escape as errors or panics.
func (e *Executor) executeOne(ctx context.Context, rctx *run.Context, call step.ToolCall) *tools.Result {
	started := time.Now()
	res := e.run(ctx, rctx, call)
	res.ToolName = call.Name
	res.ToolCallID = call.ID
	if res.StartedAt.IsZero() {
		res.StartedAt = started
	}
	if res.Duration == 0 {
		res.Duration = time.Since(started)
	}
	return res
}

func (e *Executor) run(ctx context.Context, rctx *run.Context, call step.ToolCall) *tools.Result {
	if rctx.Abort != nil && rctx.Abort.Aborted() {
		return tools.Failure(call.Name, call.ID, tools.ErrCancelled,
			"The run was cancelled before this tool executed.", rctx.Abort.Reason())
	}

	tool, ok := e.registry.Lookup(call.Name)
	if !ok {
		return tools.Failure(call.Name, call.ID, tools.ErrToolNotFound,
			fmt.Sprintf("Tool %q is not available. Use one of the provided tools.", call.Name),
			"tool not found")
	}

	args, err := e.parseArguments(tool, call)
	if err != nil {
		return tools.Failure(call.Name, call.ID, tools.ErrMalformedArguments,
			fmt.Sprintf("The arguments for %q could not be parsed: %s. Emit a valid JSON object matching the tool schema.", call.Name, err),
			"malformed arguments")
	}

	if cr, ok := tool.(tools.ConsentRequirer); ok && cr.RequiresConsent() {
		if res := e.authorize(ctx, rctx, call, args); res != nil {
			return res
		}
	}

	return e.invoke(ctx, rctx, tool, call, args)
}

// parseArguments decodes the provider-serialized argument string and, when
// the tool advertises a schema, validates the decoded object against it.
func (e *Executor) parseArguments(tool tools.Tool, call step.ToolCall) (map[string]any, error) {
	raw := call.Arguments
	if raw == "" {
		raw = "{}"
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	def := tool.Definition()
	if len(def.InputSchema) == 0 {
		return args, nil
	}
	schema, err := e.schemas.compile(def.Name, def.InputSchema)
	if err != nil {
		// A broken schema is a host bug, not a model error. Skip validation
		// rather than blaming the arguments.
		return args, nil
	}
	doc, err := decodeForValidation(raw)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(doc); err != nil {
		return nil, err
	}
	return args, nil
}

// authorize runs the consent check, emitting tool_auth_required before and
// tool_auth_denied on rejection. Returns nil when the call may proceed.
func (e *Executor) authorize(ctx context.Context, rctx *run.Context, call step.ToolCall, args map[string]any) *tools.Result {
	emitAuth(ctx, rctx, wire.EventToolAuthRequired, call, "")

	if e.authorizer == nil {
		emitAuth(ctx, rctx, wire.EventToolAuthDenied, call, "no authorizer configured")
		return tools.Failure(call.Name, call.ID, tools.ErrPermissionDenied,
			fmt.Sprintf("Tool %q requires user consent and no consent channel is available.", call.Name),
			"permission denied: no authorizer")
	}

	decision, err := e.authorizer.Check(ctx, rctx.UserID, call.Name, args, rctx)
	if err != nil {
		emitAuth(ctx, rctx, wire.EventToolAuthDenied, call, err.Error())
		return tools.Failure(call.Name, call.ID, tools.ErrPermissionDenied,
			fmt.Sprintf("Consent for %q could not be obtained: %s.", call.Name, err),
			"permission denied: "+err.Error())
	}
	if !decision.Allowed {
		emitAuth(ctx, rctx, wire.EventToolAuthDenied, call, decision.Reason)
		reason := decision.Reason
		if reason == "" {
			reason = "the user denied this action"
		}
		return tools.Failure(call.Name, call.ID, tools.ErrPermissionDenied,
			fmt.Sprintf("Permission to run %q was denied: %s. Do not retry; explain or pick another approach.", call.Name, reason),
			"permission denied: "+reason)
	}
	return nil
}

// invoke calls the tool with panic recovery and the per-call deadline.
func (e *Executor) invoke(ctx context.Context, rctx *run.Context, tool tools.Tool, call step.ToolCall, args map[string]any) (res *tools.Result) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Errorf(ctx, fmt.Errorf("%v", r), "tool %s panicked", call.Name)
			res = tools.Failure(call.Name, call.ID, tools.ErrToolExecution,
				fmt.Sprintf("Tool %q failed unexpectedly.", call.Name),
				fmt.Sprintf("panic: %v", r))
			res.StartedAt = started
			res.Duration = time.Since(started)
		}
	}()

	out, err := tool.Execute(ctx, args, rctx)
	duration := time.Since(started)
	if err != nil {
		res = tools.Failure(call.Name, call.ID, tools.ErrToolExecution,
			fmt.Sprintf("Tool %q failed: %s.", call.Name, err), err.Error())
	} else if out == nil {
		res = tools.Success(call.Name, call.ID, "", nil)
	} else {
		res = out
	}
	res.StartedAt = started
	res.Duration = duration
	return res
}

// emitAuth writes a consent event. Best effort: a full or closed wire drops
// the event rather than stalling the batch.
func emitAuth(ctx context.Context, rctx *run.Context, typ wire.EventType, call step.ToolCall, reason string) {
	if rctx.Wire == nil {
		return
	}
	data := map[string]any{
		"tool_call_id": call.ID,
		"tool_name":    call.Name,
	}
	if reason != "" {
		data["reason"] = reason
	}
	ev := &wire.StepEvent{
		Type:             typ,
		RunID:            rctx.RunID,
		SessionID:        rctx.SessionID,
		Data:             data,
		NestedRunnableID: rctx.NestedRunnableID,
		ParentRunID:      rctx.ParentRunID,
		Depth:            rctx.Depth,
	}
	if err := rctx.Wire.Write(ctx, ev); err != nil {
		log.Debugf(ctx, "drop %s event for %s: %v", typ, call.Name, err)
	}
}

// decodeForValidation re-decodes the raw argument JSON the way the schema
// validator expects (json.Number for numerics).
func decodeForValidation(raw string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}
