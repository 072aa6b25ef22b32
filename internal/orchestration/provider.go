package orchestration

import (
	"context"
	"errors"
	"time"
)

// SessionProvider is the provider-agnostic call-orchestration capability.
//
// Rules:
// - StartSession must only create a session handle and return; the call's
//   actual outcome arrives later through the lifecycle tracker, never by
//   blocking here. Callers bound the call with a seconds-scale timeout.
// - No provider SDK calls outside this package.
type SessionProvider interface {
	Name() string
	HealthCheck(ctx context.Context) error

	StartSession(ctx context.Context, req StartSessionRequest) (StartSessionResult, error)
}

var ErrDispatch = errors.New("orchestration: dispatch failed")

// StartSessionRequest carries everything the voice agent needs to dial out.
type StartSessionRequest struct {
	UserID          string `json:"user_id"`
	CallRecordID    string `json:"call_record_id"`
	ScheduledCallID string `json:"scheduled_call_id,omitempty"`

	// PhoneNumber is E.164.
	PhoneNumber string `json:"phone_number"`
}

// StartSessionResult is the session handle. The provider dispatches the voice
// agent into the room; the agent dials out and reports progress via the
// delivery-status callback.
type StartSessionResult struct {
	RoomName string `json:"room_name"`

	// RoomSID is the provider's room identifier, when known at creation
	// time. It names the orchestration session, not the outbound call; the
	// call identifier only exists once the agent dials out.
	RoomSID string `json:"room_sid,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
