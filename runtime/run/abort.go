package run

import (
	"sync"
)

// AbortSignal is a set-once cooperative cancellation flag shared by every
// context of a run tree. Triggering is idempotent; the first reason wins.
// The executor checks the signal at loop boundaries, so an abort takes effect
// at the next step transition rather than mid-stream.
type AbortSignal struct {
	mu     sync.Mutex
	done   chan struct{}
	reason string
	set    bool
}

// NewAbortSignal returns an untriggered signal.
func NewAbortSignal() *AbortSignal {
	return &AbortSignal{done: make(chan struct{})}
}

// Trigger sets the signal with the given reason. Only the first call takes
// effect.
func (a *AbortSignal) Trigger(reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.set {
		return
	}
	a.set = true
	a.reason = reason
	close(a.done)
}

// Aborted reports whether the signal has been triggered. Never blocks.
func (a *AbortSignal) Aborted() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

// Reason returns the abort reason, empty if untriggered.
func (a *AbortSignal) Reason() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reason
}

// Done returns a channel closed when the signal triggers, for select loops.
func (a *AbortSignal) Done() <-chan struct{} {
	return a.done
}
