package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/agentcore/runtime/session"
	"goa.design/agentcore/runtime/step"
)

type (
	// fakeCollection records the filters and updates the store issues and
	// returns scripted documents, so query shapes are verified without a
	// running server.
	fakeCollection struct {
		findOneDoc any
		findOneErr error
		findDocs   []any
		findErr    error
		updateErr  error

		lastFilter any
		lastUpdate any
		inserted   any
		deleted    any
	}

	fakeSingleResult struct {
		doc any
		err error
	}

	fakeCursor struct {
		docs []any
		i    int
	}
)

func (c *fakeCollection) FindOne(_ context.Context, filter any, _ ...options.Lister[options.FindOneOptions]) singleResult {
	c.lastFilter = filter
	return fakeSingleResult{doc: c.findOneDoc, err: c.findOneErr}
}

func (c *fakeCollection) Find(_ context.Context, filter any, _ ...options.Lister[options.FindOptions]) (cursor, error) {
	c.lastFilter = filter
	if c.findErr != nil {
		return nil, c.findErr
	}
	return &fakeCursor{docs: c.findDocs}, nil
}

func (c *fakeCollection) UpdateOne(_ context.Context, filter any, update any,
	_ ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	c.lastFilter = filter
	c.lastUpdate = update
	return &mongodriver.UpdateResult{}, c.updateErr
}

func (c *fakeCollection) InsertMany(_ context.Context, documents any) error {
	c.inserted = documents
	return nil
}

func (c *fakeCollection) DeleteMany(_ context.Context, filter any) (int64, error) {
	c.deleted = filter
	return 0, nil
}

func (c *fakeCollection) Indexes() indexView { return fakeIndexView{} }

type fakeIndexView struct{}

func (fakeIndexView) CreateOne(context.Context, mongodriver.IndexModel) (string, error) {
	return "", nil
}

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	raw, err := bson.Marshal(r.doc)
	if err != nil {
		return err
	}
	return bson.Unmarshal(raw, val)
}

func (c *fakeCursor) Next(context.Context) bool {
	if c.i >= len(c.docs) {
		return false
	}
	c.i++
	return true
}

func (c *fakeCursor) Decode(val any) error {
	raw, err := bson.Marshal(c.docs[c.i-1])
	if err != nil {
		return err
	}
	return bson.Unmarshal(raw, val)
}

func (c *fakeCursor) Err() error { return nil }

func (c *fakeCursor) Close(context.Context) error { return nil }

func newTestStore() (*Store, *fakeCollection, *fakeCollection, *fakeCollection) {
	sessions := &fakeCollection{findOneErr: mongodriver.ErrNoDocuments}
	runs := &fakeCollection{findOneErr: mongodriver.ErrNoDocuments}
	steps := &fakeCollection{findOneErr: mongodriver.ErrNoDocuments}
	return &Store{sessions: sessions, runs: runs, steps: steps, timeout: time.Second}, sessions, runs, steps
}

func TestLoadSessionNotFound(t *testing.T) {
	s, _, _, _ := newTestStore()
	_, err := s.LoadSession(context.Background(), "sess-1")
	require.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestLoadSessionDecodes(t *testing.T) {
	s, sessions, _, _ := newTestStore()
	created := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	sessions.findOneErr = nil
	sessions.findOneDoc = sessionDocument{SessionID: "sess-1", Status: session.StatusActive, CreatedAt: created}

	got, err := s.LoadSession(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Equal(t, "sess-1", got.ID)
	require.Equal(t, session.StatusActive, got.Status)
	require.Equal(t, created, got.CreatedAt)
	require.Equal(t, bson.M{"session_id": "sess-1"}, sessions.lastFilter)
}

func TestEndedSessionCannotBeRecreated(t *testing.T) {
	s, sessions, _, _ := newTestStore()
	ended := time.Now().UTC()
	sessions.findOneErr = nil
	sessions.findOneDoc = sessionDocument{
		SessionID: "sess-1",
		Status:    session.StatusEnded,
		CreatedAt: ended.Add(-time.Hour),
		EndedAt:   &ended,
	}

	_, err := s.CreateSession(context.Background(), "sess-1", time.Now().UTC())
	require.ErrorIs(t, err, session.ErrSessionEnded)
}

func TestSaveStepUpsertsOnStepID(t *testing.T) {
	s, _, _, steps := newTestStore()
	st := &step.Step{ID: "step-1", SessionID: "sess-1", RunID: "run-1", Sequence: 3, Role: step.RoleAssistant, Content: "done"}

	require.NoError(t, s.SaveStep(context.Background(), st))
	require.Equal(t, bson.M{"step_id": "step-1"}, steps.lastFilter)

	update, ok := steps.lastUpdate.(bson.M)
	require.True(t, ok)
	// Pure $setOnInsert keeps committed steps immutable under replays.
	require.Len(t, update, 1)
	doc, ok := update["$setOnInsert"].(stepDocument)
	require.True(t, ok)
	require.Equal(t, int64(3), doc.Sequence)
}

func TestSaveStepValidates(t *testing.T) {
	s, _, _, _ := newTestStore()
	require.Error(t, s.SaveStep(context.Background(), nil))
	require.Error(t, s.SaveStep(context.Background(), &step.Step{SessionID: "sess-1"}))
	require.Error(t, s.SaveStep(context.Background(), &step.Step{ID: "step-1"}))
}

func TestGetStepsFiltersBySequence(t *testing.T) {
	s, _, _, steps := newTestStore()
	steps.findDocs = []any{
		stepDocument{StepID: "step-1", SessionID: "sess-1", Sequence: 2, Role: "assistant", Content: "a"},
		stepDocument{StepID: "step-2", SessionID: "sess-1", Sequence: 3, Role: "tool", ToolName: "lookup"},
	}

	got, err := s.GetSteps(context.Background(), "sess-1", 1)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, step.RoleAssistant, got[0].Role)
	require.Equal(t, "lookup", got[1].ToolName)
	require.Equal(t, bson.M{
		"session_id": "sess-1",
		"sequence":   bson.M{"$gt": int64(1)},
	}, steps.lastFilter)
}

func TestLatestSequenceEmptySession(t *testing.T) {
	s, _, _, _ := newTestStore()
	seq, err := s.LatestSequence(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Zero(t, seq)
}

func TestDeleteStepsFromUsesInclusiveBound(t *testing.T) {
	s, _, _, steps := newTestStore()
	require.NoError(t, s.DeleteStepsFrom(context.Background(), "sess-1", 5))
	require.Equal(t, bson.M{
		"session_id": "sess-1",
		"sequence":   bson.M{"$gte": int64(5)},
	}, steps.deleted)
}

func TestLoadRunNotFound(t *testing.T) {
	s, _, _, _ := newTestStore()
	_, err := s.LoadRun(context.Background(), "run-1")
	require.ErrorIs(t, err, session.ErrRunNotFound)
}

func TestUpsertRunPreservesStartedAt(t *testing.T) {
	s, _, runs, _ := newTestStore()
	require.NoError(t, s.UpsertRun(context.Background(), session.RunMeta{
		RunID:     "run-1",
		SessionID: "sess-1",
		Status:    session.RunStatusRunning,
	}))

	update, ok := runs.lastUpdate.(bson.M)
	require.True(t, ok)
	set, ok := update["$set"].(bson.M)
	require.True(t, ok)
	require.Equal(t, session.RunStatusRunning, set["status"])
	require.NotContains(t, set, "started_at", "started_at is insert-only")
	insert, ok := update["$setOnInsert"].(bson.M)
	require.True(t, ok)
	require.Contains(t, insert, "started_at")
}

func TestStepDocumentMapping(t *testing.T) {
	created := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	st := &step.Step{
		ID:        "step-1",
		SessionID: "sess-1",
		RunID:     "run-1",
		Sequence:  7,
		Role:      step.RoleAssistant,
		Content:   "calling",
		ToolCalls: []step.ToolCall{{ID: "call-1", Name: "lookup", Arguments: `{"q":"go"}`}},
		Metrics: &step.Metrics{
			WallTime:     1500 * time.Millisecond,
			InputTokens:  10,
			OutputTokens: 5,
			TotalTokens:  15,
			Model:        "test-model",
		},
		CreatedAt: created,
	}

	back := fromStep(st).toStep()
	require.Equal(t, st.ID, back.ID)
	require.Equal(t, st.Sequence, back.Sequence)
	require.Equal(t, st.ToolCalls, back.ToolCalls)
	require.Equal(t, 1500*time.Millisecond, back.Metrics.WallTime)
	require.Equal(t, 15, back.Metrics.TotalTokens)
	require.Equal(t, created, back.CreatedAt)
}
