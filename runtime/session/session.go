// Package session defines durable conversation state: the session lifecycle,
// run metadata, and the append-only step log the executor persists through.
//
// A Session is the first-class conversational container. Runs always belong
// to a session; the concatenation of a session's steps in sequence order is
// the conversation transcript across all of its runs.
package session

import (
	"context"
	"errors"
	"time"

	"goa.design/agentcore/runtime/step"
)

type (
	// Session captures durable session lifecycle state.
	//
	// Contract:
	// - Session IDs are stable and caller-provided.
	// - Sessions are created explicitly and ended explicitly.
	// - Ended sessions are terminal: new runs must not start under an ended
	//   session.
	Session struct {
		// ID is the durable identifier of the session.
		ID string
		// Status is the current lifecycle state.
		Status Status
		// CreatedAt records when the session was created.
		CreatedAt time.Time
		// EndedAt is set when the session is ended.
		EndedAt *time.Time
	}

	// RunMeta captures persistent metadata for one run execution.
	RunMeta struct {
		// RunID is the durable run identifier.
		RunID string
		// SessionID associates the run with its session.
		SessionID string
		// RunnableID identifies which runnable processed the run.
		RunnableID string
		// ParentRunID is set on nested runs.
		ParentRunID string
		// Status is the current lifecycle state.
		Status RunStatus
		// TerminationReason records why a finished run stopped.
		TerminationReason string
		// StartedAt records when the run began.
		StartedAt time.Time
		// UpdatedAt records the last metadata update.
		UpdatedAt time.Time
		// Metadata stores implementation-specific metadata (error text,
		// metrics snapshots).
		Metadata map[string]any
	}

	// Store persists sessions, run metadata, and the append-only step log.
	//
	// The step log is the retrieval source of truth, not the live one: the
	// wire carries the live conversation, and the executor treats step writes
	// as best-effort. Implementations surface failures so callers can log
	// them, but a failed write never terminates a run.
	Store interface {
		// CreateSession creates (or returns) an active session.
		//
		// Idempotent for active sessions; returns ErrSessionEnded when the
		// session exists but is terminal.
		CreateSession(ctx context.Context, sessionID string, createdAt time.Time) (Session, error)
		// LoadSession loads an existing session. Returns ErrSessionNotFound
		// when the session does not exist.
		LoadSession(ctx context.Context, sessionID string) (Session, error)
		// EndSession ends a session and returns its terminal state.
		// Idempotent: ending an ended session returns the stored session.
		EndSession(ctx context.Context, sessionID string, endedAt time.Time) (Session, error)

		// SaveStep appends a committed step. Idempotent on step ID: saving a
		// step whose ID is already stored is a no-op. Insertion order within
		// a session is preserved by Sequence.
		SaveStep(ctx context.Context, s *step.Step) error
		// GetSteps returns the session's steps with Sequence > sinceSequence
		// in ascending sequence order. Pass zero for the full transcript.
		GetSteps(ctx context.Context, sessionID string, sinceSequence int64) ([]*step.Step, error)
		// LatestSequence returns the highest committed sequence in the
		// session, zero when the session has no steps.
		LatestSequence(ctx context.Context, sessionID string) (int64, error)
		// DeleteStepsFrom removes every step with Sequence >= sequence,
		// truncating the transcript for a retry.
		DeleteStepsFrom(ctx context.Context, sessionID string, sequence int64) error
		// CopyStepsUntil copies steps with Sequence <= sequence into a new
		// session, forking the conversation. Copied steps keep their
		// sequences; their IDs are regenerated.
		CopyStepsUntil(ctx context.Context, sessionID string, sequence int64, newSessionID string) error

		// UpsertRun inserts or updates run metadata.
		UpsertRun(ctx context.Context, run RunMeta) error
		// LoadRun loads run metadata. Returns ErrRunNotFound when missing.
		LoadRun(ctx context.Context, runID string) (RunMeta, error)
		// ListRunsBySession lists runs for the session in start order.
		ListRunsBySession(ctx context.Context, sessionID string) ([]RunMeta, error)
	}

	// Status represents the lifecycle state of a session.
	Status string

	// RunStatus represents the lifecycle state of a run.
	RunStatus string
)

const (
	// StatusActive indicates the session is open for new runs.
	StatusActive Status = "active"
	// StatusEnded indicates the session is terminal.
	StatusEnded Status = "ended"

	// RunStatusRunning indicates the run is actively executing.
	RunStatusRunning RunStatus = "running"
	// RunStatusCompleted indicates the run finished successfully.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed indicates the run failed permanently.
	RunStatusFailed RunStatus = "failed"
	// RunStatusCanceled indicates the run was canceled externally.
	RunStatusCanceled RunStatus = "canceled"
)

var (
	// ErrSessionNotFound indicates a session does not exist in the store.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionEnded indicates a session exists but is ended.
	ErrSessionEnded = errors.New("session ended")
	// ErrRunNotFound indicates run metadata does not exist in the store.
	ErrRunNotFound = errors.New("run not found")
)
