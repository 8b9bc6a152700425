package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/agentcore/runtime/model"
	"goa.design/agentcore/runtime/pipeline"
	"goa.design/agentcore/runtime/run"
	"goa.design/agentcore/runtime/step"
	"goa.design/agentcore/runtime/telemetry"
	"goa.design/agentcore/runtime/tools"
)

// ErrRunCancelled is the Output.Err value of a run stopped by the abort
// signal or context cancellation.
var ErrRunCancelled = errors.New("executor: run cancelled")

// execute drives the loop from seed input to termination. It never returns a
// nil output; fatal conditions set Output.Err and the "error" reason.
func (a *Agent) execute(ctx context.Context, input string, rctx *run.Context, pending []step.ToolCall) *run.Output {
	out := &run.Output{
		RunID:     rctx.RunID,
		SessionID: rctx.SessionID,
		Metrics:   &step.Metrics{Model: a.modelName},
	}
	tracker := out.Metrics
	started := time.Now()
	cc := pipeline.CommitContext{
		Wire:             rctx.Wire,
		NestedRunnableID: rctx.NestedRunnableID,
		ParentRunID:      rctx.ParentRunID,
		Depth:            rctx.Depth,
	}

	messages, err := a.seedMessages(ctx, input, rctx, cc)
	if err != nil {
		out.Err = err
		out.TerminationReason = run.TerminationError
		return out
	}

	// Resume a partially executed tool batch before the first model turn.
	if len(pending) > 0 {
		toolMsgs, ok := a.runToolBatch(ctx, rctx, cc, pending, tracker)
		if !ok {
			a.terminateCancelled(out)
			tracker.WallTime = time.Since(started)
			return out
		}
		messages = append(messages, toolMsgs...)
	}

	var reason run.TerminationReason
	var response string

	for stepCount := 0; ; stepCount++ {
		if a.aborted(ctx, rctx) {
			reason = run.TerminationCancelled
			break
		}
		if stepCount >= a.maxSteps {
			reason = run.TerminationMaxSteps
			break
		}
		if a.maxTokens > 0 && tracker.TotalTokens >= a.maxTokens {
			reason = run.TerminationMaxTokens
			break
		}

		turn, err := a.streamTurn(ctx, rctx, messages, true)
		if err != nil {
			if errors.Is(err, errAborted) {
				reason = run.TerminationCancelled
				break
			}
			out.Err = err
			reason = run.TerminationError
			break
		}
		a.trackUsage(tracker, turn.usage)

		if err := validateToolCalls(turn.toolCalls); err != nil {
			out.Err = err
			reason = run.TerminationError
			break
		}

		assistant := &step.Step{
			ID:        turn.stepID,
			SessionID: rctx.SessionID,
			RunID:     rctx.RunID,
			Role:      step.RoleAssistant,
			Content:   turn.content,
			ToolCalls: turn.toolCalls,
			Metrics: &step.Metrics{
				WallTime:          turn.wall,
				FirstTokenLatency: turn.firstToken,
				InputTokens:       turn.usage.InputTokens,
				OutputTokens:      turn.usage.OutputTokens,
				TotalTokens:       turn.usage.TotalTokens,
				Model:             a.modelName,
			},
			CreatedAt: time.Now().UTC(),
		}
		if _, err := a.pipe.Commit(ctx, cc, assistant); err != nil {
			reason = run.TerminationCancelled
			break
		}
		messages = append(messages, model.Message{
			Role:      "assistant",
			Content:   turn.content,
			ToolCalls: turn.toolCalls,
		})

		if len(turn.toolCalls) == 0 {
			// Empty content with no tool calls still completes, with an
			// empty response.
			response = turn.content
			reason = run.TerminationCompleted
			break
		}

		toolMsgs, ok := a.runToolBatch(ctx, rctx, cc, turn.toolCalls, tracker)
		if !ok {
			reason = run.TerminationCancelled
			break
		}
		messages = append(messages, toolMsgs...)
	}

	if (reason == run.TerminationMaxSteps || reason == run.TerminationMaxTokens) && a.summary {
		if text, ok := a.summarize(ctx, rctx, cc, messages, tracker); ok {
			response = text
		}
	}

	out.Response = response
	out.TerminationReason = reason
	if reason == run.TerminationCancelled {
		a.terminateCancelled(out)
	}
	tracker.WallTime = time.Since(started)
	return out
}

// seedMessages renders the conversation history for the first model turn,
// committing the incoming user input as a step first. With a store the
// top-level transcript is reloaded so follow-up runs see prior steps; without
// one the history is just the system prompt and the input.
//
// Nested runs never touch the shared transcript here: committing the delegated
// task as a user step, or replaying stored history, would splice their
// messages between the caller's assistant step and its tool steps. They start
// from the system prompt and the task alone, and their assistant and tool
// steps are committed with a non-zero depth so top-level replay skips them.
func (a *Agent) seedMessages(ctx context.Context, input string, rctx *run.Context, cc pipeline.CommitContext) ([]model.Message, error) {
	if rctx.Depth == 0 {
		if input != "" {
			user := step.NewUserStep(rctx.SessionID, rctx.RunID, input)
			if _, err := a.pipe.Commit(ctx, cc, user); err != nil {
				return nil, fmt.Errorf("commit user step: %w", err)
			}
		}
		if a.store != nil {
			steps, err := a.store.GetSteps(ctx, rctx.SessionID, 0)
			if err == nil {
				return model.MessagesFromSteps(a.system, topLevelSteps(steps)), nil
			}
			a.logger.Warn(ctx, "load history", "session_id", rctx.SessionID, "err", err.Error())
		}
	}
	var msgs []model.Message
	if a.system != "" {
		msgs = append(msgs, model.Message{Role: "system", Content: a.system})
	}
	if input != "" {
		msgs = append(msgs, model.Message{Role: "user", Content: input})
	}
	return msgs, nil
}

// topLevelSteps filters a stored transcript down to depth-zero steps, dropping
// the interleaved internals of nested agent runs.
func topLevelSteps(steps []*step.Step) []*step.Step {
	out := make([]*step.Step, 0, len(steps))
	for _, st := range steps {
		if st.Depth == 0 {
			out = append(out, st)
		}
	}
	return out
}

// runToolBatch dispatches the calls, commits one tool step per result in
// request order, and returns the tool messages for the next model turn. The
// second return is false when the batch was cut short by cancellation.
func (a *Agent) runToolBatch(ctx context.Context, rctx *run.Context, cc pipeline.CommitContext, calls []step.ToolCall, tracker *step.Metrics) ([]model.Message, bool) {
	results := a.dispatch(ctx, rctx, calls)
	if a.aborted(ctx, rctx) {
		return nil, false
	}
	msgs := make([]model.Message, 0, len(results))
	for i, res := range results {
		content := res.Content
		if content == "" && !res.IsSuccess {
			content = res.Error
		}
		ts := step.NewToolStep(rctx.SessionID, rctx.RunID, calls[i], content)
		ts.Metrics = &step.Metrics{ToolDuration: res.Duration, WallTime: res.Duration}
		if _, err := a.pipe.Commit(ctx, cc, ts); err != nil {
			return nil, false
		}
		outcome := "success"
		if !res.IsSuccess {
			outcome = string(res.ErrorKind)
		}
		a.metrics.RecordTimer(telemetry.MetricToolDuration, res.Duration,
			"tool", res.ToolName, "outcome", outcome)
		tracker.ToolDuration += res.Duration
		msgs = append(msgs, model.Message{
			Role:       "tool",
			Content:    content,
			ToolCallID: calls[i].ID,
			Name:       calls[i].Name,
		})
	}
	return msgs, true
}

// dispatch runs the batch through the tool executor, degrading to uniform
// tool_not_found results when the agent has no tools configured.
func (a *Agent) dispatch(ctx context.Context, rctx *run.Context, calls []step.ToolCall) []*tools.Result {
	if a.toolExec != nil {
		results, err := a.toolExec.Execute(ctx, rctx, calls)
		if err == nil {
			return results
		}
		a.logger.Warn(ctx, "tool batch interrupted", "run_id", rctx.RunID, "err", err.Error())
		for i, call := range calls {
			if results[i] == nil {
				results[i] = tools.Failure(call.Name, call.ID, tools.ErrCancelled,
					"The run was cancelled before this tool executed.", err.Error())
			}
		}
		return results
	}
	results := make([]*tools.Result, len(calls))
	for i, call := range calls {
		results[i] = tools.Failure(call.Name, call.ID, tools.ErrToolNotFound,
			fmt.Sprintf("Tool %q is not available.", call.Name), "tool not found")
	}
	return results
}

// summarize issues the final non-tool model call after a budget ended the
// loop and commits its output as the terminal assistant step.
func (a *Agent) summarize(ctx context.Context, rctx *run.Context, cc pipeline.CommitContext, messages []model.Message, tracker *step.Metrics) (string, bool) {
	messages = append(messages, model.Message{Role: "user", Content: a.summaryTmpl})
	turn, err := a.streamTurn(ctx, rctx, messages, false)
	if err != nil {
		a.logger.Warn(ctx, "termination summary", "run_id", rctx.RunID, "err", err.Error())
		return "", false
	}
	a.trackUsage(tracker, turn.usage)
	assistant := &step.Step{
		ID:        turn.stepID,
		SessionID: rctx.SessionID,
		RunID:     rctx.RunID,
		Role:      step.RoleAssistant,
		Content:   turn.content,
		Metrics: &step.Metrics{
			WallTime:          turn.wall,
			FirstTokenLatency: turn.firstToken,
			InputTokens:       turn.usage.InputTokens,
			OutputTokens:      turn.usage.OutputTokens,
			TotalTokens:       turn.usage.TotalTokens,
			Model:             a.modelName,
		},
		CreatedAt: time.Now().UTC(),
	}
	if _, err := a.pipe.Commit(ctx, cc, assistant); err != nil {
		return "", false
	}
	return turn.content, true
}

func (a *Agent) trackUsage(tracker *step.Metrics, usage model.TokenUsage) {
	tracker.InputTokens += usage.InputTokens
	tracker.OutputTokens += usage.OutputTokens
	tracker.TotalTokens += usage.TotalTokens
	a.metrics.IncCounter(telemetry.MetricModelTokens, float64(usage.InputTokens),
		"direction", "input", "model", a.modelName)
	a.metrics.IncCounter(telemetry.MetricModelTokens, float64(usage.OutputTokens),
		"direction", "output", "model", a.modelName)
}

func (a *Agent) aborted(ctx context.Context, rctx *run.Context) bool {
	if rctx.Abort != nil && rctx.Abort.Aborted() {
		return true
	}
	return ctx.Err() != nil
}

func (a *Agent) terminateCancelled(out *run.Output) {
	out.TerminationReason = run.TerminationCancelled
	if !a.cancelOK && out.Err == nil {
		out.Err = ErrRunCancelled
	}
}

// validateToolCalls rejects streamed tool calls that are incomplete at turn
// end: a missing id or name, or argument JSON that does not parse.
func validateToolCalls(calls []step.ToolCall) error {
	for _, call := range calls {
		if call.ID == "" || call.Name == "" {
			return fmt.Errorf("%w: id=%q name=%q", ErrMalformedToolCall, call.ID, call.Name)
		}
		args := call.Arguments
		if args == "" {
			continue
		}
		if !json.Valid([]byte(args)) {
			return fmt.Errorf("%w: tool %s arguments are not valid JSON", ErrMalformedToolCall, call.Name)
		}
	}
	return nil
}
