// Package mongo provides the MongoDB-backed trace.Store. Traces upsert whole
// documents keyed by trace id so each incremental snapshot replaces its
// predecessor.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/agentcore/runtime/trace"
)

const (
	defaultCollection = "agent_traces"
	defaultOpTimeout  = 5 * time.Second
	storeName         = "trace-mongo"
)

type (
	// Store implements trace.Store on MongoDB.
	Store struct {
		mongo   *mongodriver.Client
		traces  *mongodriver.Collection
		timeout time.Duration
	}

	// Options configures the store.
	Options struct {
		// Client is the connected Mongo client. Required.
		Client *mongodriver.Client
		// Database names the target database. Required.
		Database string
		// Collection overrides the default collection name.
		Collection string
		// Timeout bounds each store operation.
		Timeout time.Duration
	}
)

// New returns a Store backed by MongoDB.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	coll := opts.Collection
	if coll == "" {
		coll = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Store{
		mongo:   opts.Client,
		traces:  opts.Client.Database(opts.Database).Collection(coll),
		timeout: timeout,
	}, nil
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

// UpsertTrace implements trace.Store.
func (s *Store) UpsertTrace(ctx context.Context, t *trace.Trace) error {
	if t == nil || t.ID == "" {
		return errors.New("trace id is required")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.traces.ReplaceOne(ctx, bson.M{"_id": t.ID}, t,
		options.Replace().SetUpsert(true))
	return err
}

// LoadTrace implements trace.Store.
func (s *Store) LoadTrace(ctx context.Context, traceID string) (*trace.Trace, error) {
	if traceID == "" {
		return nil, errors.New("trace id is required")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var t trace.Trace
	if err := s.traces.FindOne(ctx, bson.M{"_id": traceID}).Decode(&t); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, trace.ErrTraceNotFound
		}
		return nil, err
	}
	return &t, nil
}
