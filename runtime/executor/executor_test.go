package executor

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/agentcore/runtime/model"
	"goa.design/agentcore/runtime/pipeline"
	"goa.design/agentcore/runtime/run"
	"goa.design/agentcore/runtime/session"
	"goa.design/agentcore/runtime/session/inmem"
	"goa.design/agentcore/runtime/step"
	"goa.design/agentcore/runtime/tools"
	"goa.design/agentcore/runtime/wire"
)

// scriptedClient replays canned responses. Stream delivers each response as
// chunked deltas unless streaming is disabled, in which case the executor
// falls back to Complete.
type scriptedClient struct {
	mu        sync.Mutex
	responses []model.Response
	requests  []model.Request
	noStream  bool
}

func (c *scriptedClient) next(req model.Request) (model.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if len(c.responses) == 0 {
		return model.Response{}, errors.New("scripted client: no responses left")
	}
	resp := c.responses[0]
	c.responses = c.responses[1:]
	return resp, nil
}

func (c *scriptedClient) Complete(_ context.Context, req model.Request) (model.Response, error) {
	return c.next(req)
}

func (c *scriptedClient) Stream(_ context.Context, req model.Request) (model.Streamer, error) {
	if c.noStream {
		return nil, model.ErrStreamingUnsupported
	}
	resp, err := c.next(req)
	if err != nil {
		return nil, err
	}
	return newScriptStreamer(resp), nil
}

// scriptStreamer chunks one response: per-rune content deltas, one delta per
// tool call, then usage and stop.
type scriptStreamer struct {
	chunks []model.Chunk
}

func newScriptStreamer(resp model.Response) *scriptStreamer {
	var chunks []model.Chunk
	for _, r := range resp.Content {
		chunks = append(chunks, model.Chunk{Type: model.ChunkTypeDelta, Delta: &step.Delta{Content: string(r)}})
	}
	for i, call := range resp.ToolCalls {
		chunks = append(chunks,
			model.Chunk{Type: model.ChunkTypeDelta, Delta: &step.Delta{ToolCalls: []step.ToolCallDelta{{
				Index: i, ID: call.ID, Name: call.Name,
			}}}},
			model.Chunk{Type: model.ChunkTypeDelta, Delta: &step.Delta{ToolCalls: []step.ToolCallDelta{{
				Index: i, ArgumentsFragment: call.Arguments,
			}}}},
		)
	}
	chunks = append(chunks,
		model.Chunk{Type: model.ChunkTypeUsage, Usage: &resp.Usage},
		model.Chunk{Type: model.ChunkTypeStop, StopReason: resp.StopReason},
	)
	return &scriptStreamer{chunks: chunks}
}

func (s *scriptStreamer) Recv() (model.Chunk, error) {
	if len(s.chunks) == 0 {
		return model.Chunk{}, io.EOF
	}
	chunk := s.chunks[0]
	s.chunks = s.chunks[1:]
	return chunk, nil
}

func (s *scriptStreamer) Close() error { return nil }

func textResponse(text string) model.Response {
	return model.Response{
		Content:    text,
		Usage:      model.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
		StopReason: "stop",
	}
}

func toolResponse(calls ...step.ToolCall) model.Response {
	return model.Response{
		ToolCalls:  calls,
		Usage:      model.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
		StopReason: "tool_calls",
	}
}

func newTestAgent(t *testing.T, opts Options) *Agent {
	t.Helper()
	if opts.ID == "" {
		opts.ID = "assistant"
	}
	if opts.ModelName == "" {
		opts.ModelName = "test-model"
	}
	a, err := New(opts)
	require.NoError(t, err)
	return a
}

func drainRun(t *testing.T, w *wire.Wire) []*wire.StepEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events, err := w.Drain(ctx)
	require.NoError(t, err)
	return events
}

func eventTypes(events []*wire.StepEvent) []wire.EventType {
	out := make([]wire.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestRunStreamHappyPath(t *testing.T) {
	store := inmem.New()
	client := &scriptedClient{responses: []model.Response{textResponse("hi there")}}
	a := newTestAgent(t, Options{Model: client, Store: store})

	w, rctx, err := a.RunStream(context.Background(), "hello", StreamOptions{})
	require.NoError(t, err)
	events := drainRun(t, w)

	types := eventTypes(events)
	require.Equal(t, wire.EventRunStarted, types[0])
	require.Equal(t, wire.EventRunCompleted, types[len(types)-1])

	var userSteps, assistantSteps, deltas int
	var content string
	for _, ev := range events {
		switch ev.Type {
		case wire.EventStepCompleted:
			switch ev.Step.Role {
			case step.RoleUser:
				userSteps++
			case step.RoleAssistant:
				assistantSteps++
			}
		case wire.EventStepDelta:
			deltas++
			content += ev.Delta.Content
		}
	}
	require.Equal(t, 1, userSteps)
	require.Equal(t, 1, assistantSteps)
	require.Equal(t, len("hi there"), deltas)
	require.Equal(t, "hi there", content)

	final := events[len(events)-1]
	require.Equal(t, "hi there", final.Data["output"])
	require.Equal(t, "completed", final.Data["termination_reason"])

	// The transcript was persisted with contiguous sequences.
	steps, err := store.GetSteps(context.Background(), rctx.SessionID, 0)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	require.Equal(t, int64(1), steps[0].Sequence)
	require.Equal(t, step.RoleUser, steps[0].Role)
	require.Equal(t, int64(2), steps[1].Sequence)
	require.Equal(t, step.RoleAssistant, steps[1].Role)

	// Run metadata reached its terminal status.
	meta, err := store.LoadRun(context.Background(), rctx.RunID)
	require.NoError(t, err)
	require.Equal(t, session.RunStatusCompleted, meta.Status)
	require.Equal(t, "completed", meta.TerminationReason)
}

func TestCompleteFallbackWhenStreamingUnsupported(t *testing.T) {
	client := &scriptedClient{noStream: true, responses: []model.Response{textResponse("plain answer")}}
	a := newTestAgent(t, Options{Model: client})

	w, _, err := a.RunStream(context.Background(), "hello", StreamOptions{})
	require.NoError(t, err)
	events := drainRun(t, w)

	var deltas int
	for _, ev := range events {
		if ev.Type == wire.EventStepDelta {
			deltas++
			require.Equal(t, "plain answer", ev.Delta.Content)
		}
	}
	require.Equal(t, 1, deltas, "fallback emits one synthetic delta")
	require.Equal(t, wire.EventRunCompleted, events[len(events)-1].Type)
}

func TestToolRoundTrip(t *testing.T) {
	store := inmem.New()
	lookup := &tools.FuncTool{
		Def: model.ToolDefinition{Name: "lookup"},
		Fn: func(_ context.Context, args map[string]any, _ *run.Context) (*tools.Result, error) {
			return tools.Success("lookup", "", "42 degrees", nil), nil
		},
	}
	registry, err := tools.NewRegistry(lookup)
	require.NoError(t, err)

	client := &scriptedClient{responses: []model.Response{
		toolResponse(step.ToolCall{ID: "call-1", Name: "lookup", Arguments: `{"city":"Paris"}`}),
		textResponse("It is 42 degrees in Paris."),
	}}
	a := newTestAgent(t, Options{Model: client, Tools: registry, Store: store})

	w, rctx, err := a.RunStream(context.Background(), "weather in paris?", StreamOptions{})
	require.NoError(t, err)
	events := drainRun(t, w)
	require.Equal(t, wire.EventRunCompleted, events[len(events)-1].Type)

	steps, err := store.GetSteps(context.Background(), rctx.SessionID, 0)
	require.NoError(t, err)
	require.Len(t, steps, 4) // user, assistant+tool_calls, tool, assistant
	require.Equal(t, step.RoleAssistant, steps[1].Role)
	require.Len(t, steps[1].ToolCalls, 1)
	require.Equal(t, step.RoleTool, steps[2].Role)
	require.Equal(t, "call-1", steps[2].ToolCallID)
	require.Equal(t, "lookup", steps[2].ToolName)
	require.Equal(t, "42 degrees", steps[2].Content)
	require.Equal(t, step.RoleAssistant, steps[3].Role)
	require.Equal(t, "It is 42 degrees in Paris.", steps[3].Content)

	// The second model request carried the tool result message.
	require.Len(t, client.requests, 2)
	second := client.requests[1]
	last := second.Messages[len(second.Messages)-1]
	require.Equal(t, "tool", last.Role)
	require.Equal(t, "call-1", last.ToolCallID)
	require.Equal(t, "42 degrees", last.Content)
}

func TestParallelToolIsolation(t *testing.T) {
	ok := &tools.FuncTool{
		Def: model.ToolDefinition{Name: "works"},
		Fn: func(context.Context, map[string]any, *run.Context) (*tools.Result, error) {
			return tools.Success("works", "", "fine", nil), nil
		},
	}
	broken := &tools.FuncTool{
		Def: model.ToolDefinition{Name: "breaks"},
		Fn: func(context.Context, map[string]any, *run.Context) (*tools.Result, error) {
			return nil, errors.New("backend down")
		},
	}
	registry, err := tools.NewRegistry(ok, broken)
	require.NoError(t, err)

	client := &scriptedClient{responses: []model.Response{
		toolResponse(
			step.ToolCall{ID: "call-1", Name: "breaks", Arguments: "{}"},
			step.ToolCall{ID: "call-2", Name: "works", Arguments: "{}"},
		),
		textResponse("partial results"),
	}}
	store := inmem.New()
	a := newTestAgent(t, Options{Model: client, Tools: registry, Store: store})

	w, rctx, err := a.RunStream(context.Background(), "go", StreamOptions{})
	require.NoError(t, err)
	events := drainRun(t, w)
	require.Equal(t, wire.EventRunCompleted, events[len(events)-1].Type)

	steps, err := store.GetSteps(context.Background(), rctx.SessionID, 0)
	require.NoError(t, err)
	// Tool steps arrive in request order regardless of completion order.
	require.Equal(t, "call-1", steps[2].ToolCallID)
	require.Contains(t, steps[2].Content, "backend down")
	require.Equal(t, "call-2", steps[3].ToolCallID)
	require.Equal(t, "fine", steps[3].Content)
}

func TestMaxStepsWithSummary(t *testing.T) {
	noop := &tools.FuncTool{
		Def: model.ToolDefinition{Name: "busy"},
		Fn: func(context.Context, map[string]any, *run.Context) (*tools.Result, error) {
			return tools.Success("busy", "", "still working", nil), nil
		},
	}
	registry, err := tools.NewRegistry(noop)
	require.NoError(t, err)

	client := &scriptedClient{responses: []model.Response{
		toolResponse(step.ToolCall{ID: "call-1", Name: "busy", Arguments: "{}"}),
		toolResponse(step.ToolCall{ID: "call-2", Name: "busy", Arguments: "{}"}),
		textResponse("Budget reached; here is what I found."),
	}}
	a := newTestAgent(t, Options{
		Model:          client,
		Tools:          registry,
		MaxSteps:       2,
		SummaryEnabled: true,
	})

	w, _, err := a.RunStream(context.Background(), "research this", StreamOptions{})
	require.NoError(t, err)
	events := drainRun(t, w)

	final := events[len(events)-1]
	require.Equal(t, wire.EventRunCompleted, final.Type)
	require.Equal(t, "max_steps", final.Data["termination_reason"])
	require.Equal(t, "Budget reached; here is what I found.", final.Data["output"])

	// The summary request asks to wrap up and offers no tools.
	last := client.requests[len(client.requests)-1]
	require.Empty(t, last.Tools)
	require.Equal(t, DefaultSummaryPrompt, last.Messages[len(last.Messages)-1].Content)
}

func TestMaxTokensTermination(t *testing.T) {
	noop := &tools.FuncTool{
		Def: model.ToolDefinition{Name: "busy"},
		Fn: func(context.Context, map[string]any, *run.Context) (*tools.Result, error) {
			return tools.Success("busy", "", "ok", nil), nil
		},
	}
	registry, err := tools.NewRegistry(noop)
	require.NoError(t, err)

	client := &scriptedClient{responses: []model.Response{
		toolResponse(step.ToolCall{ID: "call-1", Name: "busy", Arguments: "{}"}),
	}}
	a := newTestAgent(t, Options{Model: client, Tools: registry, MaxTokens: 15})

	w, _, err := a.RunStream(context.Background(), "go", StreamOptions{})
	require.NoError(t, err)
	events := drainRun(t, w)

	final := events[len(events)-1]
	require.Equal(t, wire.EventRunCompleted, final.Type)
	require.Equal(t, "max_tokens", final.Data["termination_reason"])
}

func TestCancelledRunFails(t *testing.T) {
	client := &scriptedClient{responses: []model.Response{textResponse("never sent")}}
	a := newTestAgent(t, Options{Model: client})

	w := wire.New(wire.Options{})
	rctx := run.NewContext("run-1", "sess-1", w)
	rctx.Abort.Trigger("user cancel")

	out, err := a.Run(context.Background(), "hello", rctx)
	require.NoError(t, err)
	require.Equal(t, run.TerminationCancelled, out.TerminationReason)
	require.ErrorIs(t, out.Err, ErrRunCancelled)

	w.Close()
	events := drainRun(t, w)
	require.Equal(t, wire.EventRunFailed, events[len(events)-1].Type)
	require.Equal(t, "cancelled", events[len(events)-1].Data["termination_reason"])
}

func TestCancelCompletesOption(t *testing.T) {
	client := &scriptedClient{responses: []model.Response{textResponse("never sent")}}
	a := newTestAgent(t, Options{Model: client, CancelCompletes: true})

	w := wire.New(wire.Options{})
	rctx := run.NewContext("run-1", "sess-1", w)
	rctx.Abort.Trigger("user cancel")

	out, err := a.Run(context.Background(), "hello", rctx)
	require.NoError(t, err)
	require.Equal(t, run.TerminationCancelled, out.TerminationReason)
	require.NoError(t, out.Err)

	w.Close()
	events := drainRun(t, w)
	require.Equal(t, wire.EventRunCompleted, events[len(events)-1].Type)
	require.Equal(t, "cancelled", events[len(events)-1].Data["termination_reason"])
}

func TestMalformedToolCallFailsRun(t *testing.T) {
	client := &scriptedClient{responses: []model.Response{
		toolResponse(step.ToolCall{ID: "", Name: "lookup", Arguments: "{}"}),
	}}
	a := newTestAgent(t, Options{Model: client})

	w := wire.New(wire.Options{})
	rctx := run.NewContext("run-1", "sess-1", w)

	out, err := a.Run(context.Background(), "go", rctx)
	require.NoError(t, err)
	require.Equal(t, run.TerminationError, out.TerminationReason)
	require.ErrorIs(t, out.Err, ErrMalformedToolCall)

	w.Close()
	events := drainRun(t, w)
	require.Equal(t, wire.EventRunFailed, events[len(events)-1].Type)
}

func TestPendingBatchResume(t *testing.T) {
	store := inmem.New()
	lookup := &tools.FuncTool{
		Def: model.ToolDefinition{Name: "lookup"},
		Fn: func(context.Context, map[string]any, *run.Context) (*tools.Result, error) {
			return tools.Success("lookup", "", "resumed result", nil), nil
		},
	}
	registry, err := tools.NewRegistry(lookup)
	require.NoError(t, err)

	client := &scriptedClient{responses: []model.Response{textResponse("done")}}
	a := newTestAgent(t, Options{Model: client, Tools: registry, Store: store})

	w, rctx, err := a.RunStream(context.Background(), "", StreamOptions{
		Pending: []step.ToolCall{{ID: "call-9", Name: "lookup", Arguments: "{}"}},
	})
	require.NoError(t, err)
	events := drainRun(t, w)
	require.Equal(t, wire.EventRunCompleted, events[len(events)-1].Type)

	steps, err := store.GetSteps(context.Background(), rctx.SessionID, 0)
	require.NoError(t, err)
	require.Equal(t, step.RoleTool, steps[0].Role)
	require.Equal(t, "call-9", steps[0].ToolCallID)
	require.Equal(t, "resumed result", steps[0].Content)
}

func TestSessionContinuation(t *testing.T) {
	store := inmem.New()
	client := &scriptedClient{responses: []model.Response{
		textResponse("first answer"),
		textResponse("second answer"),
	}}
	a := newTestAgent(t, Options{Model: client, Store: store, SystemPrompt: "be brief"})

	w, rctx, err := a.RunStream(context.Background(), "first question", StreamOptions{})
	require.NoError(t, err)
	drainRun(t, w)

	w, _, err = a.RunStream(context.Background(), "second question", StreamOptions{SessionID: rctx.SessionID})
	require.NoError(t, err)
	drainRun(t, w)

	// The second run's first request replays the whole transcript.
	second := client.requests[1]
	require.Equal(t, "system", second.Messages[0].Role)
	require.Equal(t, "be brief", second.Messages[0].Content)
	require.Equal(t, "first question", second.Messages[1].Content)
	require.Equal(t, "first answer", second.Messages[2].Content)
	require.Equal(t, "second question", second.Messages[3].Content)

	// Sequences continue across runs.
	steps, err := store.GetSteps(context.Background(), rctx.SessionID, 0)
	require.NoError(t, err)
	require.Len(t, steps, 4)
	require.Equal(t, int64(4), steps[3].Sequence)
}

func TestEmptyInputReplaysStoredTranscript(t *testing.T) {
	store := inmem.New()
	client := &scriptedClient{responses: []model.Response{
		textResponse("first answer"),
		textResponse(""),
	}}
	a := newTestAgent(t, Options{Model: client, Store: store, SystemPrompt: "be brief"})

	w, rctx, err := a.RunStream(context.Background(), "first question", StreamOptions{})
	require.NoError(t, err)
	drainRun(t, w)

	// An empty-input run replays the stored transcript as-is: no new user
	// step, and the model sees exactly the prior history.
	w, _, err = a.RunStream(context.Background(), "", StreamOptions{SessionID: rctx.SessionID})
	require.NoError(t, err)
	events := drainRun(t, w)

	replay := client.requests[1].Messages
	require.Len(t, replay, 3)
	require.Equal(t, "system", replay[0].Role)
	require.Equal(t, "first question", replay[1].Content)
	require.Equal(t, "first answer", replay[2].Content)

	var completed int
	for _, ev := range events {
		if ev.Type == wire.EventRunCompleted {
			completed++
		}
	}
	require.Equal(t, 1, completed)
	final := events[len(events)-1]
	require.Equal(t, wire.EventRunCompleted, final.Type)
	require.Equal(t, "", final.Data["output"])
	require.Equal(t, "completed", final.Data["termination_reason"])

	steps, err := store.GetSteps(context.Background(), rctx.SessionID, 0)
	require.NoError(t, err)
	require.Len(t, steps, 3) // user, assistant, assistant — no second user step
	require.Equal(t, step.RoleAssistant, steps[2].Role)
}

func TestEmptyAssistantTurnCompletes(t *testing.T) {
	store := inmem.New()
	client := &scriptedClient{responses: []model.Response{{
		Usage:      model.TokenUsage{InputTokens: 10, OutputTokens: 0, TotalTokens: 10},
		StopReason: "stop",
	}}}
	a := newTestAgent(t, Options{Model: client, Store: store})

	w, rctx, err := a.RunStream(context.Background(), "say nothing", StreamOptions{})
	require.NoError(t, err)
	events := drainRun(t, w)

	// Empty content with no tool calls is a normal completion, not an error.
	final := events[len(events)-1]
	require.Equal(t, wire.EventRunCompleted, final.Type)
	require.Equal(t, "", final.Data["output"])
	require.Equal(t, "completed", final.Data["termination_reason"])

	steps, err := store.GetSteps(context.Background(), rctx.SessionID, 0)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	require.Equal(t, step.RoleAssistant, steps[1].Role)
	require.Equal(t, "", steps[1].Content)
	require.Empty(t, steps[1].ToolCalls)
}

func TestRunUnderEndedSessionRejected(t *testing.T) {
	store := inmem.New()
	ctx := context.Background()
	_, err := store.CreateSession(ctx, "sess-done", time.Now().UTC())
	require.NoError(t, err)
	_, err = store.EndSession(ctx, "sess-done", time.Now().UTC())
	require.NoError(t, err)

	client := &scriptedClient{responses: []model.Response{textResponse("never")}}
	a := newTestAgent(t, Options{Model: client, Store: store})

	_, _, err = a.RunStream(ctx, "hello", StreamOptions{SessionID: "sess-done"})
	require.ErrorIs(t, err, session.ErrSessionEnded)
}

func TestNestedAgentEvents(t *testing.T) {
	store := inmem.New()
	pipe := pipeline.New(store)

	innerClient := &scriptedClient{responses: []model.Response{textResponse("the answer is 42")}}
	inner := newTestAgent(t, Options{
		ID:       "researcher",
		Model:    innerClient,
		Store:    store,
		Pipeline: pipe,
	})

	innerTool, err := NewAgentTool(inner, AgentToolOptions{})
	require.NoError(t, err)
	registry, err := tools.NewRegistry(innerTool)
	require.NoError(t, err)

	outerClient := &scriptedClient{responses: []model.Response{
		toolResponse(step.ToolCall{ID: "call-1", Name: "call_researcher", Arguments: `{"task":"find the answer"}`}),
		textResponse("Research says: 42"),
	}}
	outer := newTestAgent(t, Options{
		ID:       "orchestrator",
		Model:    outerClient,
		Tools:    registry,
		Store:    store,
		Pipeline: pipe,
	})

	w, rctx, err := outer.RunStream(context.Background(), "what is the answer?", StreamOptions{})
	require.NoError(t, err)
	events := drainRun(t, w)

	// All events share the single wire; nested ones carry depth 1 and the
	// parent run id.
	var nestedStarted, nestedCompleted bool
	for _, ev := range events {
		if ev.Depth == 1 {
			require.Equal(t, rctx.RunID, ev.ParentRunID)
			require.Equal(t, "researcher", ev.NestedRunnableID)
			require.NotEqual(t, rctx.RunID, ev.RunID)
			switch ev.Type {
			case wire.EventRunStarted:
				nestedStarted = true
			case wire.EventRunCompleted:
				nestedCompleted = true
			}
		}
	}
	require.True(t, nestedStarted, "nested run_started missing")
	require.True(t, nestedCompleted, "nested run_completed missing")

	final := events[len(events)-1]
	require.Equal(t, wire.EventRunCompleted, final.Type)
	require.Zero(t, final.Depth)
	require.Equal(t, "Research says: 42", final.Data["output"])

	// The inner run's response became the outer tool result.
	require.Len(t, outerClient.requests, 2)
	msgs := outerClient.requests[1].Messages
	require.Equal(t, "the answer is 42", msgs[len(msgs)-1].Content)

	// Inner requests saw the delegated task.
	require.Len(t, innerClient.requests, 1)
	innerMsgs := innerClient.requests[0].Messages
	require.Equal(t, "find the answer", innerMsgs[len(innerMsgs)-1].Content)

	// Shared pipeline: all step sequences are distinct and increasing.
	steps, err := store.GetSteps(context.Background(), rctx.SessionID, 0)
	require.NoError(t, err)
	for i := 1; i < len(steps); i++ {
		require.Greater(t, steps[i].Sequence, steps[i-1].Sequence)
	}
}

func TestNestedRunStaysOutOfTopLevelTranscript(t *testing.T) {
	store := inmem.New()
	pipe := pipeline.New(store)

	innerClient := &scriptedClient{responses: []model.Response{textResponse("the answer is 42")}}
	inner := newTestAgent(t, Options{ID: "researcher", Model: innerClient, Store: store, Pipeline: pipe})

	innerTool, err := NewAgentTool(inner, AgentToolOptions{})
	require.NoError(t, err)
	registry, err := tools.NewRegistry(innerTool)
	require.NoError(t, err)

	outerClient := &scriptedClient{responses: []model.Response{
		toolResponse(step.ToolCall{ID: "call-1", Name: "call_researcher", Arguments: `{"task":"find the answer"}`}),
		textResponse("Research says: 42"),
		textResponse("Still 42."),
	}}
	outer := newTestAgent(t, Options{ID: "orchestrator", Model: outerClient, Tools: registry, Store: store, Pipeline: pipe})

	w, rctx, err := outer.RunStream(context.Background(), "what is the answer?", StreamOptions{})
	require.NoError(t, err)
	drainRun(t, w)

	// The persisted top-level transcript is contiguous: the assistant step
	// carrying the tool call is followed, among depth-zero steps, directly by
	// its tool step. The nested run's steps interleave between them in raw
	// sequence order but carry depth 1.
	steps, err := store.GetSteps(context.Background(), rctx.SessionID, 0)
	require.NoError(t, err)
	var topRoles []step.Role
	var nested []*step.Step
	for _, st := range steps {
		if st.Depth == 0 {
			topRoles = append(topRoles, st.Role)
		} else {
			nested = append(nested, st)
		}
	}
	require.Equal(t, []step.Role{step.RoleUser, step.RoleAssistant, step.RoleTool, step.RoleAssistant}, topRoles)
	require.NotEmpty(t, nested, "nested run committed no steps")
	for _, st := range nested {
		require.Equal(t, 1, st.Depth)
		require.NotEqual(t, step.RoleUser, st.Role, "nested run committed its task as a user step")
	}

	// A follow-up run replays only the top-level transcript, so the history
	// the provider sees alternates legally: the assistant tool_calls message
	// is immediately followed by its tool message.
	w, _, err = outer.RunStream(context.Background(), "again?", StreamOptions{SessionID: rctx.SessionID})
	require.NoError(t, err)
	drainRun(t, w)

	replay := outerClient.requests[len(outerClient.requests)-1].Messages
	roles := make([]string, len(replay))
	for i, m := range replay {
		roles[i] = m.Role
	}
	require.Equal(t, []string{"user", "assistant", "tool", "assistant", "user"}, roles)
	require.Equal(t, "call-1", replay[2].ToolCallID)
}

func TestSelfDelegationCycleDetected(t *testing.T) {
	client := &scriptedClient{responses: []model.Response{
		toolResponse(step.ToolCall{ID: "call-1", Name: "call_assistant", Arguments: `{"task":"recurse"}`}),
		textResponse("fine, I will answer myself"),
	}}

	registry, err := tools.NewRegistry()
	require.NoError(t, err)
	a := newTestAgent(t, Options{ID: "assistant", Model: client, Tools: registry})

	selfTool, err := NewAgentTool(a, AgentToolOptions{})
	require.NoError(t, err)
	require.NoError(t, registry.Register(selfTool))

	w, _, err := a.RunStream(context.Background(), "do it", StreamOptions{})
	require.NoError(t, err)
	events := drainRun(t, w)

	// The self call was rejected without spawning a nested run.
	for _, ev := range events {
		require.Zero(t, ev.Depth, "nested run spawned despite cycle guard")
	}
	var cycleStep *step.Step
	for _, ev := range events {
		if ev.Type == wire.EventStepCompleted && ev.Step.Role == step.RoleTool {
			cycleStep = ev.Step
		}
	}
	require.NotNil(t, cycleStep)
	require.Contains(t, cycleStep.Content, "already executing")
	require.Equal(t, wire.EventRunCompleted, events[len(events)-1].Type)
}

func TestDepthGuard(t *testing.T) {
	client := &scriptedClient{responses: []model.Response{textResponse("unused")}}
	inner := newTestAgent(t, Options{ID: "worker", Model: client})
	tool, err := NewAgentTool(inner, AgentToolOptions{MaxDepth: 2})
	require.NoError(t, err)

	rctx := run.NewContext("run-1", "sess-1", nil)
	rctx.Depth = 2

	res, err := tool.Execute(context.Background(), map[string]any{"task": "x"}, rctx)
	require.NoError(t, err)
	require.Equal(t, tools.ErrNestingViolation, res.ErrorKind)
	require.Equal(t, "max_depth_exceeded", res.Error)
}

func TestAgentToolDefinition(t *testing.T) {
	client := &scriptedClient{}
	inner := newTestAgent(t, Options{ID: "data-analyst", Model: client, Description: "Analyzes data."})

	tool, err := NewAgentTool(inner, AgentToolOptions{})
	require.NoError(t, err)

	def := tool.Definition()
	require.Equal(t, "call_data_analyst", def.Name)
	require.Equal(t, "Analyzes data.", def.Description)
	require.Equal(t, "object", def.InputSchema["type"])
}
