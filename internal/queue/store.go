package queue

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("queue: entry not found")

	// ErrConflict means a conditional update lost its race: the entry was not
	// in the expected status. Benign for claims (another worker won).
	ErrConflict = errors.New("queue: status conflict")

	ErrInvalidEntry = errors.New("queue: invalid entry")
)

// StatusUpdate carries the optional fields written alongside a terminal
// transition.
type StatusUpdate struct {
	CallRecordID  string
	FailureReason string
}

// Store is the durable scheduled-call queue.
//
// All mutations are conditional updates. TryClaim is the single correctness
// property that makes running multiple dispatcher instances safe: two
// concurrent claims on the same id must yield exactly one success and one
// ErrConflict.
type Store interface {
	Insert(ctx context.Context, e Entry) error

	// InsertBatch inserts all entries or none. Reconciliation uses it so a
	// partial failure cannot leave a user with half a schedule.
	InsertBatch(ctx context.Context, entries []Entry) error

	// GetDue returns pending entries with scheduled_for <= now, ascending by
	// scheduled_for (earliest-due-first for fairness).
	GetDue(ctx context.Context, now time.Time) ([]Entry, error)

	// TryClaim atomically transitions pending -> processing, incrementing
	// attempt_count and stamping last_attempt_at in the same operation.
	// Returns ErrConflict if the entry is no longer pending.
	TryClaim(ctx context.Context, id string, now time.Time) (Entry, error)

	// SetStatus transitions an entry to status. It refuses to overwrite a
	// terminal status (ErrConflict). Terminal transitions may carry a call
	// record reference and a human-readable failure reason.
	SetStatus(ctx context.Context, id string, status Status, upd StatusUpdate, now time.Time) error

	// Cancel cancels a single entry only while it is still pending. A
	// processing entry is allowed to finish its current attempt, so a cancel
	// racing a claim returns ErrConflict.
	Cancel(ctx context.Context, id string, now time.Time) error

	// CancelNonterminal cancels every still-pending entry for the user and
	// returns how many were cancelled. Processing entries are left alone.
	CancelNonterminal(ctx context.Context, userID string, now time.Time) (int, error)

	// ListNonterminal returns the user's pending and processing entries.
	ListNonterminal(ctx context.Context, userID string) ([]Entry, error)

	// ListPending returns all pending entries (observability).
	ListPending(ctx context.Context) ([]Entry, error)

	// ReclaimStale finds entries stuck in processing longer than olderThan
	// (dispatcher crashed between session start and entry update) and moves
	// them back to pending, or to failed once attempts are exhausted. Returns
	// the reclaimed entries. This is a required reconciliation pass, not
	// optional cleanup.
	ReclaimStale(ctx context.Context, now time.Time, olderThan time.Duration) ([]Entry, error)
}

func validate(e Entry, now time.Time) error {
	if e.ID == "" || e.UserID == "" {
		return ErrInvalidEntry
	}
	// Calculator-produced entries are strictly future; trigger-now entries are
	// allowed to land exactly at now so the next cycle picks them up.
	if e.ScheduledFor.Before(now) {
		return ErrInvalidEntry
	}
	if e.MaxAttempts <= 0 || e.AttemptCount < 0 || e.AttemptCount > e.MaxAttempts {
		return ErrInvalidEntry
	}
	return nil
}
