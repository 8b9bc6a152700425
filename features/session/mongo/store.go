// Package mongo provides the MongoDB-backed session.Store: session
// lifecycle, run metadata, and the append-only step log.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/agentcore/runtime/session"
	"goa.design/agentcore/runtime/step"
)

const (
	defaultSessionsCollection = "agent_sessions"
	defaultRunsCollection     = "agent_runs"
	defaultStepsCollection    = "agent_steps"
	defaultOpTimeout          = 5 * time.Second
	storeName                 = "session-mongo"
)

type (
	// Store implements session.Store on MongoDB. Steps are stored one
	// document per step, unique on step id for idempotent saves and indexed
	// by (session_id, sequence) for ordered retrieval.
	Store struct {
		mongo    *mongodriver.Client
		sessions collection
		runs     collection
		steps    collection
		timeout  time.Duration
	}

	// Options configures the store.
	Options struct {
		// Client is the connected Mongo client. Required.
		Client *mongodriver.Client
		// Database names the target database. Required.
		Database string
		// SessionsCollection, RunsCollection, and StepsCollection override
		// the default collection names.
		SessionsCollection string
		RunsCollection     string
		StepsCollection    string
		// Timeout bounds each store operation.
		Timeout time.Duration
	}
)

// New returns a Store backed by MongoDB and ensures its indexes.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := func(v, def string) string {
		if v == "" {
			return def
		}
		return v
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	s := &Store{
		mongo:    opts.Client,
		sessions: mongoCollection{coll: db.Collection(name(opts.SessionsCollection, defaultSessionsCollection))},
		runs:     mongoCollection{coll: db.Collection(name(opts.RunsCollection, defaultRunsCollection))},
		steps:    mongoCollection{coll: db.Collection(name(opts.StepsCollection, defaultStepsCollection))},
		timeout:  timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return storeName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

// CreateSession implements session.Store.
func (s *Store) CreateSession(ctx context.Context, sessionID string, createdAt time.Time) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	if createdAt.IsZero() {
		return session.Session{}, errors.New("created_at is required")
	}

	existing, err := s.LoadSession(ctx, sessionID)
	if err == nil {
		if existing.Status == session.StatusEnded {
			return session.Session{}, session.ErrSessionEnded
		}
		return existing, nil
	}
	if !errors.Is(err, session.ErrSessionNotFound) {
		return session.Session{}, err
	}

	tctx, cancel := s.withTimeout(ctx)
	defer cancel()
	// Pure $setOnInsert: creation never modifies an existing session, so
	// the call stays idempotent under retries and races.
	update := bson.M{"$setOnInsert": bson.M{
		"session_id": sessionID,
		"status":     session.StatusActive,
		"created_at": createdAt.UTC(),
	}}
	if _, err := s.sessions.UpdateOne(tctx, bson.M{"session_id": sessionID}, update,
		options.UpdateOne().SetUpsert(true)); err != nil {
		return session.Session{}, err
	}
	out, err := s.LoadSession(ctx, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	if out.Status == session.StatusEnded {
		return session.Session{}, session.ErrSessionEnded
	}
	return out, nil
}

// LoadSession implements session.Store.
func (s *Store) LoadSession(ctx context.Context, sessionID string) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc sessionDocument
	if err := s.sessions.FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return session.Session{}, session.ErrSessionNotFound
		}
		return session.Session{}, err
	}
	return doc.toSession(), nil
}

// EndSession implements session.Store.
func (s *Store) EndSession(ctx context.Context, sessionID string, endedAt time.Time) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	if endedAt.IsZero() {
		return session.Session{}, errors.New("ended_at is required")
	}
	existing, err := s.LoadSession(ctx, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	if existing.Status == session.StatusEnded {
		return existing, nil
	}
	tctx, cancel := s.withTimeout(ctx)
	defer cancel()
	update := bson.M{"$set": bson.M{
		"status":   session.StatusEnded,
		"ended_at": endedAt.UTC(),
	}}
	if _, err := s.sessions.UpdateOne(tctx, bson.M{"session_id": sessionID}, update); err != nil {
		return session.Session{}, err
	}
	return s.LoadSession(ctx, sessionID)
}

// SaveStep implements session.Store. The upsert keyed on step id with a pure
// $setOnInsert makes the append idempotent: re-saving a committed step is a
// no-op.
func (s *Store) SaveStep(ctx context.Context, st *step.Step) error {
	if st == nil {
		return errors.New("step is required")
	}
	if st.ID == "" {
		return errors.New("step id is required")
	}
	if st.SessionID == "" {
		return errors.New("session id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	update := bson.M{"$setOnInsert": fromStep(st)}
	_, err := s.steps.UpdateOne(ctx, bson.M{"step_id": st.ID}, update,
		options.UpdateOne().SetUpsert(true))
	return err
}

// GetSteps implements session.Store.
func (s *Store) GetSteps(ctx context.Context, sessionID string, sinceSequence int64) ([]*step.Step, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"session_id": sessionID,
		"sequence":   bson.M{"$gt": sinceSequence},
	}
	cur, err := s.steps.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []*step.Step
	for cur.Next(ctx) {
		var doc stepDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toStep())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// LatestSequence implements session.Store.
func (s *Store) LatestSequence(ctx context.Context, sessionID string) (int64, error) {
	if sessionID == "" {
		return 0, errors.New("session id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc stepDocument
	err := s.steps.FindOne(ctx, bson.M{"session_id": sessionID},
		options.FindOne().SetSort(bson.D{{Key: "sequence", Value: -1}})).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return 0, nil
		}
		return 0, err
	}
	return doc.Sequence, nil
}

// DeleteStepsFrom implements session.Store.
func (s *Store) DeleteStepsFrom(ctx context.Context, sessionID string, sequence int64) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.steps.DeleteMany(ctx, bson.M{
		"session_id": sessionID,
		"sequence":   bson.M{"$gte": sequence},
	})
	return err
}

// CopyStepsUntil implements session.Store.
func (s *Store) CopyStepsUntil(ctx context.Context, sessionID string, sequence int64, newSessionID string) error {
	if sessionID == "" || newSessionID == "" {
		return errors.New("session ids are required")
	}
	steps, err := s.GetSteps(ctx, sessionID, 0)
	if err != nil {
		return err
	}
	if _, err := s.CreateSession(ctx, newSessionID, time.Now().UTC()); err != nil {
		return err
	}
	var docs []any
	for _, st := range steps {
		if st.Sequence > sequence {
			break
		}
		cp := st.Clone()
		cp.ID = step.NewID()
		cp.SessionID = newSessionID
		docs = append(docs, fromStep(cp))
	}
	if len(docs) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.steps.InsertMany(ctx, docs)
}

// UpsertRun implements session.Store.
func (s *Store) UpsertRun(ctx context.Context, run session.RunMeta) error {
	if run.RunID == "" {
		return errors.New("run id is required")
	}
	if run.SessionID == "" {
		return errors.New("session id is required")
	}
	now := time.Now().UTC()
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	update := bson.M{
		"$set": bson.M{
			"run_id":             run.RunID,
			"session_id":         run.SessionID,
			"runnable_id":        run.RunnableID,
			"parent_run_id":      run.ParentRunID,
			"status":             run.Status,
			"termination_reason": run.TerminationReason,
			"updated_at":         now,
			"metadata":           run.Metadata,
		},
		"$setOnInsert": bson.M{
			"started_at": run.StartedAt.UTC(),
		},
	}
	_, err := s.runs.UpdateOne(ctx, bson.M{"run_id": run.RunID}, update,
		options.UpdateOne().SetUpsert(true))
	return err
}

// LoadRun implements session.Store.
func (s *Store) LoadRun(ctx context.Context, runID string) (session.RunMeta, error) {
	if runID == "" {
		return session.RunMeta{}, errors.New("run id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc runDocument
	if err := s.runs.FindOne(ctx, bson.M{"run_id": runID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return session.RunMeta{}, session.ErrRunNotFound
		}
		return session.RunMeta{}, err
	}
	return doc.toRunMeta(), nil
}

// ListRunsBySession implements session.Store.
func (s *Store) ListRunsBySession(ctx context.Context, sessionID string) ([]session.RunMeta, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.runs.Find(ctx, bson.M{"session_id": sessionID},
		options.Find().SetSort(bson.D{{Key: "started_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []session.RunMeta
	for cur.Next(ctx) {
		var doc runDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toRunMeta())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	models := []struct {
		coll  collection
		model mongodriver.IndexModel
	}{
		{s.sessions, mongodriver.IndexModel{
			Keys:    bson.D{{Key: "session_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		{s.runs, mongodriver.IndexModel{
			Keys:    bson.D{{Key: "run_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		{s.runs, mongodriver.IndexModel{
			Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "started_at", Value: 1}},
		}},
		{s.steps, mongodriver.IndexModel{
			Keys:    bson.D{{Key: "step_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		{s.steps, mongodriver.IndexModel{
			Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "sequence", Value: 1}},
		}},
	}
	for _, m := range models {
		if _, err := m.coll.Indexes().CreateOne(ctx, m.model); err != nil {
			return err
		}
	}
	return nil
}
