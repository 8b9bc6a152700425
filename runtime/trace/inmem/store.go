// Package inmem provides an in-memory trace.Store for tests and local
// development.
package inmem

import (
	"context"
	"errors"
	"sync"

	"goa.design/agentcore/runtime/trace"
)

// Store is an in-memory implementation of trace.Store. Safe for concurrent
// use.
type Store struct {
	mu     sync.RWMutex
	traces map[string]*trace.Trace
}

// New returns an empty Store.
func New() *Store {
	return &Store{traces: make(map[string]*trace.Trace)}
}

// UpsertTrace implements trace.Store.
func (s *Store) UpsertTrace(_ context.Context, t *trace.Trace) error {
	if t == nil || t.ID == "" {
		return errors.New("trace id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces[t.ID] = t.Clone()
	return nil
}

// LoadTrace implements trace.Store.
func (s *Store) LoadTrace(_ context.Context, traceID string) (*trace.Trace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.traces[traceID]
	if !ok {
		return nil, trace.ErrTraceNotFound
	}
	return t.Clone(), nil
}
