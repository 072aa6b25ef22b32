package audit

import "time"

// Event is an immutable, append-only record of one dispatch decision.
//
// Invariants:
// - Events are never updated or deleted.
// - Every outcome the dispatcher produces for an entry gets an event, so no
//   call is silently dropped: a terminal queue entry always has a trail.
//
// Storage recommendation (Postgres):
// - Table dispatch_events with an INSERT-only policy.
// - Optional: partition by time for retention.

type Event struct {
	ID     string `json:"id" db:"id"`
	UserID string `json:"user_id" db:"user_id"`

	// Type indicates the dispatch outcome category.
	Type EventType `json:"type" db:"type"`

	// Target identifiers (optional, depending on the event type).
	ScheduledCallID string `json:"scheduled_call_id,omitempty" db:"scheduled_call_id"`
	CallRecordID    string `json:"call_record_id,omitempty" db:"call_record_id"`

	// AttemptCount snapshots the entry's attempt counter at decision time.
	AttemptCount int `json:"attempt_count,omitempty" db:"attempt_count"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeClaimed    EventType = "claimed"
	EventTypeSkipped    EventType = "skipped"
	EventTypeDispatched EventType = "dispatched"
	EventTypeRetried    EventType = "retried"
	EventTypeFailed     EventType = "failed"
	EventTypeReclaimed  EventType = "reclaimed"
	EventTypeCanceled   EventType = "canceled"
)
