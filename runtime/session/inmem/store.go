// Package inmem provides an in-memory implementation of session.Store.
//
// It is intended for tests and local development. Production deployments
// should use a durable implementation (for example features/session/mongo).
package inmem

import (
	"context"
	"errors"
	"maps"
	"sort"
	"sync"
	"time"

	"goa.design/agentcore/runtime/session"
	"goa.design/agentcore/runtime/step"
)

type (
	// Store is an in-memory implementation of session.Store.
	// It is safe for concurrent use.
	Store struct {
		mu       sync.RWMutex
		sessions map[string]session.Session
		runs     map[string]session.RunMeta
		steps    map[string][]*step.Step        // per session, ascending sequence
		stepIDs  map[string]map[string]struct{} // per session, committed step ids
	}
)

// New returns an empty Store.
func New() *Store {
	return &Store{
		sessions: make(map[string]session.Session),
		runs:     make(map[string]session.RunMeta),
		steps:    make(map[string][]*step.Step),
		stepIDs:  make(map[string]map[string]struct{}),
	}
}

// CreateSession implements session.Store.
func (s *Store) CreateSession(_ context.Context, sessionID string, createdAt time.Time) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	if createdAt.IsZero() {
		return session.Session{}, errors.New("created_at is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.sessions[sessionID]
	if ok {
		if existing.Status == session.StatusEnded {
			return session.Session{}, session.ErrSessionEnded
		}
		return cloneSession(existing), nil
	}

	out := session.Session{
		ID:        sessionID,
		Status:    session.StatusActive,
		CreatedAt: createdAt.UTC(),
	}
	s.sessions[sessionID] = out
	return cloneSession(out), nil
}

// LoadSession implements session.Store.
func (s *Store) LoadSession(_ context.Context, sessionID string) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	existing, ok := s.sessions[sessionID]
	if !ok {
		return session.Session{}, session.ErrSessionNotFound
	}
	return cloneSession(existing), nil
}

// EndSession implements session.Store.
func (s *Store) EndSession(_ context.Context, sessionID string, endedAt time.Time) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	if endedAt.IsZero() {
		return session.Session{}, errors.New("ended_at is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.sessions[sessionID]
	if !ok {
		return session.Session{}, session.ErrSessionNotFound
	}
	if existing.Status == session.StatusEnded {
		return cloneSession(existing), nil
	}
	at := endedAt.UTC()
	existing.Status = session.StatusEnded
	existing.EndedAt = &at
	s.sessions[sessionID] = existing
	return cloneSession(existing), nil
}

// SaveStep implements session.Store.
func (s *Store) SaveStep(_ context.Context, st *step.Step) error {
	if st == nil {
		return errors.New("step is required")
	}
	if st.ID == "" {
		return errors.New("step id is required")
	}
	if st.SessionID == "" {
		return errors.New("session id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ids, ok := s.stepIDs[st.SessionID]
	if !ok {
		ids = make(map[string]struct{})
		s.stepIDs[st.SessionID] = ids
	}
	if _, dup := ids[st.ID]; dup {
		return nil
	}
	ids[st.ID] = struct{}{}

	list := append(s.steps[st.SessionID], st.Clone())
	sort.SliceStable(list, func(i, j int) bool { return list[i].Sequence < list[j].Sequence })
	s.steps[st.SessionID] = list
	return nil
}

// GetSteps implements session.Store.
func (s *Store) GetSteps(_ context.Context, sessionID string, sinceSequence int64) ([]*step.Step, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*step.Step
	for _, st := range s.steps[sessionID] {
		if st.Sequence > sinceSequence {
			out = append(out, st.Clone())
		}
	}
	return out, nil
}

// LatestSequence implements session.Store.
func (s *Store) LatestSequence(_ context.Context, sessionID string) (int64, error) {
	if sessionID == "" {
		return 0, errors.New("session id is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.steps[sessionID]
	if len(list) == 0 {
		return 0, nil
	}
	return list[len(list)-1].Sequence, nil
}

// DeleteStepsFrom implements session.Store.
func (s *Store) DeleteStepsFrom(_ context.Context, sessionID string, sequence int64) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.steps[sessionID][:0]
	for _, st := range s.steps[sessionID] {
		if st.Sequence >= sequence {
			delete(s.stepIDs[sessionID], st.ID)
			continue
		}
		kept = append(kept, st)
	}
	s.steps[sessionID] = kept
	return nil
}

// CopyStepsUntil implements session.Store.
func (s *Store) CopyStepsUntil(_ context.Context, sessionID string, sequence int64, newSessionID string) error {
	if sessionID == "" || newSessionID == "" {
		return errors.New("session ids are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[newSessionID]; !ok {
		s.sessions[newSessionID] = session.Session{
			ID:        newSessionID,
			Status:    session.StatusActive,
			CreatedAt: time.Now().UTC(),
		}
	}
	ids, ok := s.stepIDs[newSessionID]
	if !ok {
		ids = make(map[string]struct{})
		s.stepIDs[newSessionID] = ids
	}
	for _, st := range s.steps[sessionID] {
		if st.Sequence > sequence {
			break
		}
		cp := st.Clone()
		cp.ID = step.NewID()
		cp.SessionID = newSessionID
		ids[cp.ID] = struct{}{}
		s.steps[newSessionID] = append(s.steps[newSessionID], cp)
	}
	return nil
}

// UpsertRun implements session.Store.
func (s *Store) UpsertRun(_ context.Context, run session.RunMeta) error {
	if run.RunID == "" {
		return errors.New("run id is required")
	}
	if run.SessionID == "" {
		return errors.New("session id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	existing, ok := s.runs[run.RunID]
	if ok && !existing.StartedAt.IsZero() {
		if run.StartedAt.IsZero() {
			run.StartedAt = existing.StartedAt
		} else if !run.StartedAt.Equal(existing.StartedAt) {
			return errors.New("started_at is immutable")
		}
	} else if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	run.UpdatedAt = now

	s.runs[run.RunID] = cloneRunMeta(run)
	return nil
}

// LoadRun implements session.Store.
func (s *Store) LoadRun(_ context.Context, runID string) (session.RunMeta, error) {
	if runID == "" {
		return session.RunMeta{}, errors.New("run id is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return session.RunMeta{}, session.ErrRunNotFound
	}
	return cloneRunMeta(run), nil
}

// ListRunsBySession implements session.Store.
func (s *Store) ListRunsBySession(_ context.Context, sessionID string) ([]session.RunMeta, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]session.RunMeta, 0, len(s.runs))
	for _, run := range s.runs {
		if run.SessionID != sessionID {
			continue
		}
		out = append(out, cloneRunMeta(run))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func cloneSession(in session.Session) session.Session {
	out := in
	if in.EndedAt != nil {
		at := *in.EndedAt
		out.EndedAt = &at
	}
	return out
}

func cloneRunMeta(in session.RunMeta) session.RunMeta {
	out := in
	if len(in.Metadata) > 0 {
		out.Metadata = make(map[string]any, len(in.Metadata))
		maps.Copy(out.Metadata, in.Metadata)
	}
	return out
}
