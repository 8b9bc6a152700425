package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"goa.design/agentcore/runtime/model"
	"goa.design/agentcore/runtime/run"
	"goa.design/agentcore/runtime/step"
	"goa.design/agentcore/runtime/wire"
)

// errAborted reports a model turn cut short by the abort signal or context
// cancellation. Internal to the loop; it maps to the cancelled termination.
var errAborted = errors.New("executor: aborted mid-stream")

// turnResult is one finished assistant turn before commit.
type turnResult struct {
	stepID     string
	content    string
	toolCalls  []step.ToolCall
	usage      model.TokenUsage
	stopReason string
	firstToken time.Duration
	wall       time.Duration
}

// streamTurn runs one model turn, emitting a step_delta event per streamed
// fragment and accumulating them into the finished turn. Providers without
// streaming fall back to Complete with a single synthetic delta.
func (a *Agent) streamTurn(ctx context.Context, rctx *run.Context, messages []model.Message, withTools bool) (*turnResult, error) {
	req := model.Request{
		Model:       a.modelName,
		Messages:    messages,
		Temperature: a.temperature,
		MaxTokens:   a.completion,
	}
	if withTools && a.registry != nil {
		req.Tools = a.registry.Definitions()
	}

	started := time.Now()
	tr := &turnResult{stepID: step.NewID()}

	st, err := a.client.Stream(ctx, req)
	if err != nil {
		if errors.Is(err, model.ErrStreamingUnsupported) {
			return a.completeTurn(ctx, rctx, req, tr, started)
		}
		return nil, fmt.Errorf("model stream: %w", err)
	}
	defer st.Close()

	acc := step.NewAccumulator()
	for {
		chunk, err := st.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("model recv: %w", err)
		}
		switch chunk.Type {
		case model.ChunkTypeDelta:
			if chunk.Delta == nil || (chunk.Delta.Content == "" && len(chunk.Delta.ToolCalls) == 0) {
				break
			}
			if tr.firstToken == 0 {
				tr.firstToken = time.Since(started)
			}
			acc.Apply(chunk.Delta)
			a.emitDelta(ctx, rctx, tr.stepID, chunk.Delta)
		case model.ChunkTypeUsage:
			if chunk.Usage != nil {
				tr.usage.Add(*chunk.Usage)
			}
		case model.ChunkTypeStop:
			tr.stopReason = chunk.StopReason
		}
		if a.aborted(ctx, rctx) {
			return nil, errAborted
		}
	}

	tr.content = acc.Content()
	tr.toolCalls = acc.ToolCalls()
	tr.wall = time.Since(started)
	return tr, nil
}

// completeTurn is the non-streaming fallback. The full response surfaces as
// one delta so consumers see a uniform event shape.
func (a *Agent) completeTurn(ctx context.Context, rctx *run.Context, req model.Request, tr *turnResult, started time.Time) (*turnResult, error) {
	resp, err := a.client.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("model complete: %w", err)
	}
	tr.content = resp.Content
	tr.toolCalls = resp.ToolCalls
	tr.usage = resp.Usage
	tr.stopReason = resp.StopReason
	tr.firstToken = time.Since(started)
	tr.wall = time.Since(started)
	if resp.Content != "" {
		a.emitDelta(ctx, rctx, tr.stepID, &step.Delta{Content: resp.Content})
	}
	return tr, nil
}

// emitDelta writes a step_delta event. Deltas are advisory; delivery failures
// are logged and dropped rather than failing the turn.
func (a *Agent) emitDelta(ctx context.Context, rctx *run.Context, stepID string, d *step.Delta) {
	if rctx.Wire == nil {
		return
	}
	ev := &wire.StepEvent{
		Type:             wire.EventStepDelta,
		RunID:            rctx.RunID,
		SessionID:        rctx.SessionID,
		StepID:           stepID,
		Delta:            d,
		NestedRunnableID: rctx.NestedRunnableID,
		ParentRunID:      rctx.ParentRunID,
		Depth:            rctx.Depth,
	}
	if err := rctx.Wire.Write(ctx, ev); err != nil {
		a.logger.Debug(ctx, "drop delta", "run_id", rctx.RunID, "err", err.Error())
	}
}
