// Package pipeline commits steps: it allocates per-session sequence numbers,
// persists each committed step through the session store, and announces the
// commit on the wire.
//
// The pipeline is the sole allocator of sequence values. Concurrent commits
// from a parent run and its nested runs are totally ordered per session.
// Persistence is best-effort: a store failure is logged and the commit still
// reaches the wire, because the live stream is the source of truth for the
// conversation in flight.
package pipeline

import (
	"context"
	"errors"
	"sync"

	"goa.design/clue/log"

	"goa.design/agentcore/runtime/session"
	"goa.design/agentcore/runtime/step"
	"goa.design/agentcore/runtime/wire"
)

type (
	// Pipeline orders, persists, and emits committed steps. Safe for
	// concurrent use by any number of runs.
	Pipeline struct {
		store session.Store

		mu       sync.Mutex
		counters map[string]*counter
	}

	// counter is the per-session sequence allocator. seeded is set after the
	// first allocation loads the store's high-water mark.
	counter struct {
		mu     sync.Mutex
		seeded bool
		next   int64
	}
)

// New returns a pipeline persisting through store. A nil store disables
// persistence; commits still allocate sequences and reach the wire.
func New(store session.Store) *Pipeline {
	return &Pipeline{
		store:    store,
		counters: make(map[string]*counter),
	}
}

// Commit finalizes a step: assigns the next sequence for its session, stamps
// the emitting run's nesting depth, persists it, and writes a step_completed
// event carrying the committed snapshot to the wire. Nesting fields on the
// event come from rctx so consumers can attribute nested-run steps.
//
// The returned error reflects wire delivery only. Store failures are logged
// and swallowed.
func (p *Pipeline) Commit(ctx context.Context, rctx CommitContext, s *step.Step) (*step.Step, error) {
	if s == nil {
		return nil, errors.New("pipeline: nil step")
	}
	seq, err := p.nextSequence(ctx, s.SessionID)
	if err != nil {
		return nil, err
	}
	committed := s.Clone()
	committed.Sequence = seq
	committed.Depth = rctx.Depth

	if p.store != nil {
		if serr := p.store.SaveStep(ctx, committed); serr != nil {
			log.Errorf(ctx, serr, "persist step %s seq %d", committed.ID, committed.Sequence)
		}
	}

	ev := &wire.StepEvent{
		Type:             wire.EventStepCompleted,
		RunID:            committed.RunID,
		SessionID:        committed.SessionID,
		StepID:           committed.ID,
		Step:             committed,
		NestedRunnableID: rctx.NestedRunnableID,
		ParentRunID:      rctx.ParentRunID,
		Depth:            rctx.Depth,
	}
	if rctx.Wire != nil {
		if werr := rctx.Wire.Write(ctx, ev); werr != nil {
			return committed, werr
		}
	}
	return committed, nil
}

// CommitContext carries the emitting run's wire and nesting identity into a
// commit. It is a narrow view of the execution context so the pipeline does
// not depend on the run package.
type CommitContext struct {
	// Wire receives the step_completed event; nil skips emission.
	Wire *wire.Wire
	// NestedRunnableID, ParentRunID, and Depth attribute the event when the
	// emitting run is nested.
	NestedRunnableID string
	ParentRunID      string
	Depth            int
}

// nextSequence returns the next sequence for the session. The first
// allocation seeds the counter from the store's latest committed sequence so
// follow-up runs extend the transcript rather than restart it.
func (p *Pipeline) nextSequence(ctx context.Context, sessionID string) (int64, error) {
	if sessionID == "" {
		return 0, errors.New("pipeline: session id is required")
	}
	p.mu.Lock()
	c, ok := p.counters[sessionID]
	if !ok {
		c = &counter{}
		p.counters[sessionID] = c
	}
	p.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.seeded {
		c.seeded = true
		if p.store != nil {
			latest, err := p.store.LatestSequence(ctx, sessionID)
			if err != nil {
				log.Errorf(ctx, err, "seed sequence for session %s", sessionID)
			} else {
				c.next = latest
			}
		}
	}
	c.next++
	return c.next, nil
}

// Reset drops the cached counter for a session so the next commit reseeds
// from the store. Callers use it after truncating a transcript with
// DeleteStepsFrom.
func (p *Pipeline) Reset(sessionID string) {
	p.mu.Lock()
	delete(p.counters, sessionID)
	p.mu.Unlock()
}
