package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for dispatch events.
//
// It MUST be append-only.
// No Update/Delete methods are provided by design.

type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service records dispatch decisions.
//
// IMPORTANT:
// - Callers treat the trail as best-effort: an append failure must never fail
//   a dispatch, so helpers return nothing and callers log errors themselves.

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.UserID == "" {
		return ErrInvalidEvent
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// LogOutcome records one dispatch decision for a queue entry.
func (s *Service) LogOutcome(ctx context.Context, typ EventType, userID, scheduledCallID, callRecordID string, attemptCount int, message string) error {
	return s.Append(ctx, Event{
		UserID:          userID,
		Type:            typ,
		ScheduledCallID: scheduledCallID,
		CallRecordID:    callRecordID,
		AttemptCount:    attemptCount,
		Message:         message,
	})
}

// LogReclaim records a stale-processing sweep result.
func (s *Service) LogReclaim(ctx context.Context, userID, scheduledCallID string, attemptCount int, returnedTo string) error {
	return s.Append(ctx, Event{
		UserID:          userID,
		Type:            EventTypeReclaimed,
		ScheduledCallID: scheduledCallID,
		AttemptCount:    attemptCount,
		Message:         fmt.Sprintf("stale processing entry moved to %s", returnedTo),
	})
}
