// Package executor implements the LLM/tool loop: the Agent that drives a
// model, streams deltas, commits steps, dispatches tool batches, and
// terminates with an explicit reason. It also provides AgentTool, the adapter
// that exposes an agent as a tool to another agent so runs nest over a single
// shared wire.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"goa.design/agentcore/runtime/model"
	"goa.design/agentcore/runtime/pipeline"
	"goa.design/agentcore/runtime/run"
	"goa.design/agentcore/runtime/session"
	"goa.design/agentcore/runtime/step"
	"goa.design/agentcore/runtime/telemetry"
	"goa.design/agentcore/runtime/toolexec"
	"goa.design/agentcore/runtime/tools"
	"goa.design/agentcore/runtime/wire"
)

const (
	// DefaultMaxSteps bounds loop iterations when Options does not.
	DefaultMaxSteps = 10

	// DefaultSummaryPrompt asks the model to wrap up after a budget cut the
	// loop short. Used when SummaryEnabled is set without a custom prompt.
	DefaultSummaryPrompt = "The conversation reached its execution budget before finishing. " +
		"Summarize what was accomplished so far and give your best final answer " +
		"to the original request. Do not call any tools."
)

// ErrMalformedToolCall reports a streamed tool call that was incomplete when
// the model finished the turn: a missing id or name, or argument JSON that
// does not parse. The condition is fatal to the run.
var ErrMalformedToolCall = errors.New("executor: malformed tool call at turn end")

type (
	// Agent executes the LLM/tool loop. An Agent is immutable after New and
	// safe for concurrent runs.
	Agent struct {
		id          string
		name        string
		description string
		system      string
		client      model.Client
		modelName   string
		registry    *tools.Registry
		toolExec    *toolexec.Executor
		pipe        *pipeline.Pipeline
		store       session.Store
		maxSteps    int
		maxTokens   int
		temperature float32
		completion  int
		summary     bool
		summaryTmpl string
		cancelOK    bool
		wireCap     int
		logger      telemetry.Logger
		metrics     telemetry.Metrics
	}

	// Options configures an Agent.
	Options struct {
		// ID is the stable agent identifier. Required.
		ID string
		// Name is the human-facing agent name; defaults to ID.
		Name string
		// Description documents the agent, used when exposed as a tool.
		Description string
		// SystemPrompt leads every model request when non-empty.
		SystemPrompt string
		// Model is the LLM client. Required.
		Model model.Client
		// ModelName is the provider model identifier. Required.
		ModelName string
		// Tools resolves the agent's tool calls. Nil means no tools.
		Tools *tools.Registry
		// ToolExecutor overrides the batch executor built from Tools.
		ToolExecutor *toolexec.Executor
		// Authorizer gates consent-requiring tools when ToolExecutor is not
		// supplied.
		Authorizer tools.Authorizer
		// Store persists sessions and steps. Nil disables persistence.
		Store session.Store
		// Pipeline overrides the step pipeline built from Store.
		Pipeline *pipeline.Pipeline
		// MaxSteps bounds loop iterations; zero selects DefaultMaxSteps.
		MaxSteps int
		// MaxTokens bounds total tokens across the run; zero is unlimited.
		MaxTokens int
		// MaxCompletionTokens caps each model turn; zero is provider default.
		MaxCompletionTokens int
		// Temperature is passed through to the model.
		Temperature float32
		// SummaryEnabled issues one final non-tool model call when a budget
		// ends the run, turning its output into the terminal assistant step.
		SummaryEnabled bool
		// SummaryPrompt overrides DefaultSummaryPrompt.
		SummaryPrompt string
		// CancelCompletes reports cancellation as run_completed with reason
		// "cancelled" instead of run_failed.
		CancelCompletes bool
		// WireCapacity sets the event buffer for RunStream wires.
		WireCapacity int
		// Logger defaults to the Clue logger.
		Logger telemetry.Logger
		// Metrics defaults to the OTEL recorder (noop provider unless the
		// host configures one).
		Metrics telemetry.Metrics
	}
)

// New validates opts and constructs an Agent.
func New(opts Options) (*Agent, error) {
	if opts.ID == "" {
		return nil, fmt.Errorf("executor: agent id is required")
	}
	if opts.Model == nil {
		return nil, fmt.Errorf("executor: model client is required")
	}
	if opts.ModelName == "" {
		return nil, fmt.Errorf("executor: model name is required")
	}
	name := opts.Name
	if name == "" {
		name = opts.ID
	}
	maxSteps := opts.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	te := opts.ToolExecutor
	if te == nil && opts.Tools != nil {
		var err error
		te, err = toolexec.New(toolexec.Options{
			Registry:   opts.Tools,
			Authorizer: opts.Authorizer,
		})
		if err != nil {
			return nil, err
		}
	}
	pipe := opts.Pipeline
	if pipe == nil {
		pipe = pipeline.New(opts.Store)
	}
	summaryTmpl := opts.SummaryPrompt
	if summaryTmpl == "" {
		summaryTmpl = DefaultSummaryPrompt
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewClueLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewOTELMetrics()
	}
	return &Agent{
		id:          opts.ID,
		name:        name,
		description: opts.Description,
		system:      opts.SystemPrompt,
		client:      opts.Model,
		modelName:   opts.ModelName,
		registry:    opts.Tools,
		toolExec:    te,
		pipe:        pipe,
		store:       opts.Store,
		maxSteps:    maxSteps,
		maxTokens:   opts.MaxTokens,
		temperature: opts.Temperature,
		completion:  opts.MaxCompletionTokens,
		summary:     opts.SummaryEnabled,
		summaryTmpl: summaryTmpl,
		cancelOK:    opts.CancelCompletes,
		wireCap:     opts.WireCapacity,
		logger:      logger,
		metrics:     metrics,
	}, nil
}

// ID implements Runnable.
func (a *Agent) ID() string { return a.id }

// Name returns the human-facing agent name.
func (a *Agent) Name() string { return a.name }

// Description returns the agent description.
func (a *Agent) Description() string { return a.description }

// StreamOptions configures a top-level RunStream invocation.
type StreamOptions struct {
	// SessionID continues an existing conversation; empty starts a new one.
	SessionID string
	// RunID overrides the generated run identifier.
	RunID string
	// UserID identifies the end user for consent checks.
	UserID string
	// Metadata seeds the execution context metadata.
	Metadata map[string]any
	// Pending resumes a partially executed tool batch before the first
	// model turn.
	Pending []step.ToolCall
}

// RunStream opens a top-level run: it creates the wire and execution context,
// runs the agent on a background goroutine, and returns the wire for the
// caller to drain with Recv until io.EOF. The wire is closed exactly once on
// every exit path. Cancelling ctx aborts the run.
func (a *Agent) RunStream(ctx context.Context, input string, opts StreamOptions) (*wire.Wire, *run.Context, error) {
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = "sess-" + uuid.NewString()
	}
	if a.store != nil {
		if _, err := a.store.CreateSession(ctx, sessionID, time.Now().UTC()); err != nil {
			if errors.Is(err, session.ErrSessionEnded) {
				return nil, nil, err
			}
			a.logger.Warn(ctx, "create session", "session_id", sessionID, "err", err.Error())
		}
	}

	w := wire.New(wire.Options{Capacity: a.wireCap})
	rctx := run.NewContext(opts.RunID, sessionID, w)
	rctx.UserID = opts.UserID
	rctx.RunnableID = a.id
	rctx.Metadata = map[string]any{run.MetadataCallStack: []string{a.id}}
	for k, v := range opts.Metadata {
		if k != run.MetadataCallStack {
			rctx.Metadata[k] = v
		}
	}

	go func() {
		defer w.Close()
		if _, err := a.runWithPending(ctx, input, rctx, opts.Pending); err != nil {
			a.logger.Error(ctx, "run aborted", "run_id", rctx.RunID, "err", err.Error())
		}
	}()
	return w, rctx, nil
}

// Run implements Runnable: the nested entry form. It drives the full loop on
// the supplied context, emitting lifecycle and step events to the shared
// wire, and never closes the wire.
func (a *Agent) Run(ctx context.Context, input string, rctx *run.Context) (*run.Output, error) {
	return a.runWithPending(ctx, input, rctx, nil)
}

// runWithPending is the lifecycle wrapper: it brackets the loop with
// run_started and exactly one of run_completed or run_failed, and keeps run
// metadata current in the store.
func (a *Agent) runWithPending(ctx context.Context, input string, rctx *run.Context, pending []step.ToolCall) (*run.Output, error) {
	if rctx == nil {
		return nil, fmt.Errorf("executor: execution context is required")
	}
	if rctx.Abort == nil {
		rctx.Abort = run.NewAbortSignal()
	}
	started := time.Now()

	a.upsertRunMeta(ctx, rctx, session.RunStatusRunning, "", "")
	a.emitLifecycle(ctx, rctx, wire.EventRunStarted, map[string]any{"input": input})

	out := a.execute(ctx, input, rctx, pending)

	a.finish(ctx, rctx, out, time.Since(started))
	return out, nil
}

// finish emits the closing lifecycle event, records metrics, and updates run
// metadata.
func (a *Agent) finish(ctx context.Context, rctx *run.Context, out *run.Output, elapsed time.Duration) {
	failed := out.TerminationReason == run.TerminationError ||
		(out.TerminationReason == run.TerminationCancelled && !a.cancelOK)

	if failed {
		msg := "run failed"
		if out.Err != nil {
			msg = out.Err.Error()
		}
		a.emitLifecycle(ctx, rctx, wire.EventRunFailed, map[string]any{
			"error":              msg,
			"termination_reason": string(out.TerminationReason),
		})
		status := session.RunStatusFailed
		if out.TerminationReason == run.TerminationCancelled {
			status = session.RunStatusCanceled
		}
		a.upsertRunMeta(ctx, rctx, status, string(out.TerminationReason), msg)
	} else {
		data := map[string]any{
			"output":             out.Response,
			"termination_reason": string(out.TerminationReason),
		}
		if out.Metrics != nil {
			data["metrics"] = map[string]any{
				"input_tokens":  out.Metrics.InputTokens,
				"output_tokens": out.Metrics.OutputTokens,
				"total_tokens":  out.Metrics.TotalTokens,
				"wall_time_ms":  out.Metrics.WallTime.Milliseconds(),
			}
		}
		a.emitLifecycle(ctx, rctx, wire.EventRunCompleted, data)
		status := session.RunStatusCompleted
		if out.TerminationReason == run.TerminationCancelled {
			status = session.RunStatusCanceled
		}
		a.upsertRunMeta(ctx, rctx, status, string(out.TerminationReason), "")
	}

	a.metrics.IncCounter(telemetry.MetricRunsTotal, 1,
		"runnable_id", a.id, "termination_reason", string(out.TerminationReason))
	a.metrics.RecordTimer(telemetry.MetricRunDuration, elapsed, "runnable_id", a.id)
	a.logger.Info(ctx, "run finished",
		"run_id", rctx.RunID,
		"session_id", rctx.SessionID,
		"termination_reason", string(out.TerminationReason),
		"depth", rctx.Depth,
	)
}

// emitLifecycle writes a run lifecycle event with nesting attribution.
func (a *Agent) emitLifecycle(ctx context.Context, rctx *run.Context, typ wire.EventType, data map[string]any) {
	if rctx.Wire == nil {
		return
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
		a.logger.Warn(ctx, "drop lifecycle event", "type", string(typ), "run_id", rctx.RunID, "err", err.Error())
	}
}

// upsertRunMeta records run metadata, best effort.
func (a *Agent) upsertRunMeta(ctx context.Context, rctx *run.Context, status session.RunStatus, reason, errMsg string) {
	if a.store == nil {
		return
	}
	meta := session.RunMeta{
		RunID:             rctx.RunID,
		SessionID:         rctx.SessionID,
		RunnableID:        a.id,
		ParentRunID:       rctx.ParentRunID,
		Status:            status,
		TerminationReason: reason,
	}
	if errMsg != "" {
		meta.Metadata = map[string]any{"error": errMsg}
	}
	if err := a.store.UpsertRun(ctx, meta); err != nil {
		a.logger.Warn(ctx, "upsert run meta", "run_id", rctx.RunID, "err", err.Error())
	}
}
