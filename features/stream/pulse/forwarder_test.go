package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/agentcore/runtime/wire"
)

type (
	fakeClient struct {
		streams map[string]*fakeStream
	}

	fakeStream struct {
		name   string
		events []addedEvent
		addErr error
	}

	addedEvent struct {
		event   string
		payload []byte
	}
)

func newFakeClient() *fakeClient {
	return &fakeClient{streams: make(map[string]*fakeStream)}
}

func (c *fakeClient) Stream(name string) (Stream, error) {
	s, ok := c.streams[name]
	if !ok {
		s = &fakeStream{name: name}
		c.streams[name] = s
	}
	return s, nil
}

func (c *fakeClient) Close(context.Context) error { return nil }

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	if s.addErr != nil {
		return "", s.addErr
	}
	s.events = append(s.events, addedEvent{event: event, payload: payload})
	return "1-1", nil
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

func TestPublishRoutesToRunStream(t *testing.T) {
	client := newFakeClient()
	f, err := NewForwarder(Options{Client: client})
	require.NoError(t, err)

	ev := &wire.StepEvent{Type: wire.EventRunStarted, RunID: "run-1", SessionID: "sess-1"}
	require.NoError(t, f.Publish(context.Background(), ev))

	stream := client.streams["run/run-1"]
	require.NotNil(t, stream)
	require.Len(t, stream.events, 1)
	require.Equal(t, string(wire.EventRunStarted), stream.events[0].event)

	var env envelope
	require.NoError(t, json.Unmarshal(stream.events[0].payload, &env))
	require.Equal(t, "run-1", env.Event.RunID)
	require.False(t, env.Timestamp.IsZero())
}

func TestNestedEventsShareParentStream(t *testing.T) {
	client := newFakeClient()
	f, err := NewForwarder(Options{Client: client})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, f.Publish(ctx, &wire.StepEvent{Type: wire.EventRunStarted, RunID: "run-1"}))
	require.NoError(t, f.Publish(ctx, &wire.StepEvent{Type: wire.EventRunStarted, RunID: "run-2", Depth: 1, ParentRunID: "run-1"}))

	require.Len(t, client.streams, 1)
	require.Len(t, client.streams["run/run-1"].events, 2)
}

func TestDeeplyNestedEventsRouteToRootStream(t *testing.T) {
	client := newFakeClient()
	f, err := NewForwarder(Options{Client: client})
	require.NoError(t, err)

	// run-3 sits at depth 2: its events name run-2 as parent, never run-1,
	// so routing has to go through the lineage learned from run_started.
	ctx := context.Background()
	events := []*wire.StepEvent{
		{Type: wire.EventRunStarted, RunID: "run-1"},
		{Type: wire.EventRunStarted, RunID: "run-2", Depth: 1, ParentRunID: "run-1"},
		{Type: wire.EventRunStarted, RunID: "run-3", Depth: 2, ParentRunID: "run-2"},
		{Type: wire.EventStepCompleted, RunID: "run-3", StepID: "step-1", Depth: 2, ParentRunID: "run-2"},
		{Type: wire.EventRunCompleted, RunID: "run-3", Depth: 2, ParentRunID: "run-2"},
		{Type: wire.EventRunCompleted, RunID: "run-2", Depth: 1, ParentRunID: "run-1"},
		{Type: wire.EventRunCompleted, RunID: "run-1"},
	}
	for _, ev := range events {
		require.NoError(t, f.Publish(ctx, ev))
	}

	require.Len(t, client.streams, 1)
	require.Len(t, client.streams["run/run-1"].events, len(events))
	// Terminal events released the lineage bookkeeping.
	require.Empty(t, f.roots)
}

func TestPublishRejectsMissingRunID(t *testing.T) {
	f, err := NewForwarder(Options{Client: newFakeClient()})
	require.NoError(t, err)

	require.Error(t, f.Publish(context.Background(), &wire.StepEvent{Type: wire.EventRunStarted}))
	require.Error(t, f.Publish(context.Background(), nil))
}

func TestForwardDrainsWire(t *testing.T) {
	ctx := context.Background()
	w := wire.New(wire.Options{})
	events := []*wire.StepEvent{
		{Type: wire.EventRunStarted, RunID: "run-1"},
		{Type: wire.EventStepCompleted, RunID: "run-1", StepID: "step-1"},
		{Type: wire.EventRunCompleted, RunID: "run-1"},
	}
	for _, ev := range events {
		require.NoError(t, w.Write(ctx, ev))
	}
	w.Close()

	client := newFakeClient()
	f, err := NewForwarder(Options{Client: client})
	require.NoError(t, err)

	require.NoError(t, f.Forward(ctx, w))

	stream := client.streams["run/run-1"]
	require.NotNil(t, stream)
	require.Len(t, stream.events, len(events))
	for i, added := range stream.events {
		require.Equal(t, string(events[i].Type), added.event)
	}
}

func TestForwardAbortsOnPublishFailure(t *testing.T) {
	ctx := context.Background()
	w := wire.New(wire.Options{})
	require.NoError(t, w.Write(ctx, &wire.StepEvent{Type: wire.EventRunStarted, RunID: "run-1"}))
	require.NoError(t, w.Write(ctx, &wire.StepEvent{Type: wire.EventRunCompleted, RunID: "run-1"}))
	w.Close()

	client := newFakeClient()
	broken := &fakeStream{name: "run/run-1", addErr: errors.New("redis down")}
	client.streams["run/run-1"] = broken

	f, err := NewForwarder(Options{Client: client})
	require.NoError(t, err)

	err = f.Forward(ctx, w)
	require.Error(t, err)
	require.ErrorContains(t, err, "redis down")
}

func TestCustomStreamID(t *testing.T) {
	client := newFakeClient()
	f, err := NewForwarder(Options{
		Client: client,
		StreamID: func(ev *wire.StepEvent) (string, error) {
			return "session/" + ev.SessionID, nil
		},
	})
	require.NoError(t, err)

	ev := &wire.StepEvent{Type: wire.EventRunStarted, RunID: "run-1", SessionID: "sess-9"}
	require.NoError(t, f.Publish(context.Background(), ev))
	require.Contains(t, client.streams, "session/sess-9")
}

func TestNewForwarderRequiresClient(t *testing.T) {
	_, err := NewForwarder(Options{})
	require.Error(t, err)
}
