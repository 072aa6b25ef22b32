package calls

import "time"

// CallRecord tracks one actual call's lifecycle and outcome.
//
// Two independent producers write status: the dispatch/session path and the
// provider's delivery-status callback. All writes go through the Tracker,
// which enforces the transition table; terminal statuses are sticky.
//
// Records are never deleted.
type CallRecord struct {
	ID     string `json:"id" db:"id"`
	UserID string `json:"user_id" db:"user_id"`

	// ScheduledCallID links back to the queue entry that caused this call.
	ScheduledCallID string `json:"scheduled_call_id,omitempty" db:"scheduled_call_id"`

	// ProviderCallID is the telephony call SID the delivery-status callback
	// is keyed by. Empty until the dial-out side reports it; the room SID
	// never goes here.
	ProviderCallID string `json:"provider_call_id,omitempty" db:"provider_call_id"`

	// RoomName and RoomSID are the orchestration session handles.
	RoomName string `json:"room_name,omitempty" db:"room_name"`
	RoomSID  string `json:"room_sid,omitempty" db:"room_sid"`

	PhoneNumber string `json:"phone_number,omitempty" db:"phone_number"`

	Status CallStatus `json:"status" db:"status"`

	StartedAt *time.Time `json:"started_at,omitempty" db:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	DurationSeconds int `json:"duration_seconds" db:"duration_seconds"`

	FailureReason string `json:"failure_reason,omitempty" db:"failure_reason"`
	Transcript    string `json:"transcript,omitempty" db:"transcript"`
	Summary       string `json:"summary,omitempty" db:"summary"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type CallStatus string

const (
	CallStatusInitiated  CallStatus = "initiated"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
	CallStatusNoAnswer   CallStatus = "no_answer"
	CallStatusBusy       CallStatus = "busy"
	CallStatusCanceled   CallStatus = "canceled"
)

// Terminal reports whether a status accepts no further transitions.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallStatusCompleted, CallStatusFailed, CallStatusNoAnswer, CallStatusBusy, CallStatusCanceled:
		return true
	default:
		return false
	}
}

// CanTransition implements the lifecycle table:
//
//	initiated   -> ringing | any terminal
//	ringing     -> in_progress | any terminal
//	in_progress -> any terminal
//	terminal    -> nothing
//
// Every non-terminal status accepts the full terminal set. A carrier can
// cancel or drop a call after it connected, so in_progress must still be
// allowed to end as canceled, busy or no_answer.
func CanTransition(from, to CallStatus) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case CallStatusInitiated:
		return to == CallStatusRinging || to.Terminal()
	case CallStatusRinging:
		return to == CallStatusInProgress || to.Terminal()
	case CallStatusInProgress:
		return to.Terminal()
	default:
		return false
	}
}
