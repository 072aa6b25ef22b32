package queue

import (
	"time"

	"checkin-platform/internal/schedule"
)

// Entry is one durable, queued instance of a future call dispatch attempt.
//
// Invariants:
// - scheduled_for is strictly future at creation time.
// - 0 <= attempt_count <= max_attempts.
// - A non-pending entry is either terminal or still has attempts left.
// - Entries are never deleted; terminal rows are retained for audit.
//
// Slot identity (weekday + local time) is denormalized onto the entry so that
// reconciliation can match entries to configured slots without comparing raw
// timestamps, which shift by seconds across recomputes.
type Entry struct {
	ID     string `json:"id" db:"id"`
	UserID string `json:"user_id" db:"user_id"`

	ScheduledFor time.Time           `json:"scheduled_for" db:"scheduled_for"` // UTC
	TimeWindow   schedule.TimeWindow `json:"time_window" db:"time_window"`     // display-only

	SlotWeekday int    `json:"slot_weekday" db:"slot_weekday"`
	SlotTime    string `json:"slot_time" db:"slot_time"` // local "HH:MM"
	SlotLabel   string `json:"slot_label,omitempty" db:"slot_label"`

	Status Status `json:"status" db:"status"`

	AttemptCount  int        `json:"attempt_count" db:"attempt_count"`
	MaxAttempts   int        `json:"max_attempts" db:"max_attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty" db:"last_attempt_at"`

	CallRecordID  string `json:"call_record_id,omitempty" db:"call_record_id"`
	FailureReason string `json:"failure_reason,omitempty" db:"failure_reason"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed" // dispatch succeeded; the queue's job is done
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped" // preconditions failed; never retried
	StatusCanceled   Status = "canceled"
)

// Terminal reports whether no further transition is permitted.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped, StatusCanceled:
		return true
	default:
		return false
	}
}
