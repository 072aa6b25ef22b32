package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Update is a status write from one of the two producers.
type Update struct {
	// At least one of CallRecordID / ProviderCallID identifies the record;
	// CallRecordID wins when both are set. A write carrying both also binds
	// ProviderCallID onto the record if it has none yet: the dial-out side
	// knows both identifiers and its first report establishes the mapping
	// the callback producer resolves by.
	CallRecordID   string
	ProviderCallID string

	Status CallStatus

	// Source names the producer for logging only.
	Source string

	// Optional payload; applied only when the transition is accepted.
	DurationSeconds int
	FailureReason   string
	Transcript      string
	Summary         string
}

var ErrInvalidUpdate = errors.New("calls: invalid update")

// Tracker is the call-lifecycle state machine. It owns all CallRecord status
// writes: a write is applied only when it is a valid transition from the
// record's current status. Writes against a terminal record are no-ops,
// logged as late/duplicate updates, so a slow delivery-status callback can
// never clobber a completed record that already carries transcript and summary.
type Tracker struct {
	store Store
	log   *slog.Logger
	clock func() time.Time
}

func NewTracker(store Store, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{store: store, log: log, clock: time.Now}
}

// WithClock overrides the tracker clock (tests).
func (t *Tracker) WithClock(clock func() time.Time) *Tracker {
	t.clock = clock
	return t
}

// Create inserts a new record in the initiated state and returns it.
func (t *Tracker) Create(ctx context.Context, userID, scheduledCallID, phoneNumber string) (CallRecord, error) {
	if userID == "" {
		return CallRecord{}, ErrInvalidUpdate
	}
	now := t.clock().UTC()
	rec := CallRecord{
		ID:              uuid.NewString(),
		UserID:          userID,
		ScheduledCallID: scheduledCallID,
		PhoneNumber:     phoneNumber,
		Status:          CallStatusInitiated,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := t.store.Insert(ctx, rec); err != nil {
		return CallRecord{}, err
	}
	return rec, nil
}

// AttachSession stores the orchestration handles on a freshly created record.
// Not a status transition; identifiers only. The telephony call SID is not
// known yet and ProviderCallID stays empty until the dial-out side reports it.
func (t *Tracker) AttachSession(ctx context.Context, callRecordID, roomName, roomSID string) error {
	rec, err := t.store.Get(ctx, callRecordID)
	if err != nil {
		return err
	}
	rec.RoomName = roomName
	rec.RoomSID = roomSID
	rec.UpdatedAt = t.clock().UTC()
	return t.store.Update(ctx, rec, rec.Status)
}

// Apply runs one status write through the state machine.
//
// Returns nil for accepted writes and for rejected late/duplicate writes
// (those are logged, not surfaced; the producer cannot act on them anyway).
// Lookup failures and persistence errors are returned.
func (t *Tracker) Apply(ctx context.Context, upd Update) error {
	if upd.Status == "" || (upd.CallRecordID == "" && upd.ProviderCallID == "") {
		return ErrInvalidUpdate
	}

	// A racing producer can invalidate the conditional update; re-read and
	// re-evaluate. Two rounds suffice: the second read observes the racer's
	// write and either the transition is still valid or it is rejected.
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		rec, err := t.load(ctx, upd)
		if err != nil {
			return err
		}

		if !CanTransition(rec.Status, upd.Status) {
			t.log.Info("call status write rejected",
				"call_record_id", rec.ID,
				"from", rec.Status,
				"to", upd.Status,
				"source", upd.Source,
				"terminal", rec.Status.Terminal(),
			)
			return nil
		}

		expected := rec.Status
		now := t.clock().UTC()
		applyPayload(&rec, upd, now)
		rec.UpdatedAt = now

		err = t.store.Update(ctx, rec, expected)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("calls: transition to %s lost both races: %w", upd.Status, lastErr)
}

func (t *Tracker) load(ctx context.Context, upd Update) (CallRecord, error) {
	if upd.CallRecordID != "" {
		return t.store.Get(ctx, upd.CallRecordID)
	}
	return t.store.GetByProviderCallID(ctx, upd.ProviderCallID)
}

func applyPayload(rec *CallRecord, upd Update, now time.Time) {
	from := rec.Status
	rec.Status = upd.Status

	if upd.CallRecordID != "" && upd.ProviderCallID != "" && rec.ProviderCallID == "" {
		rec.ProviderCallID = upd.ProviderCallID
	}

	if upd.Status == CallStatusInProgress && rec.StartedAt == nil {
		at := now
		rec.StartedAt = &at
	}
	if upd.Status.Terminal() {
		at := now
		rec.EndedAt = &at
	}
	if upd.DurationSeconds > 0 {
		rec.DurationSeconds = upd.DurationSeconds
	}
	if upd.FailureReason != "" {
		rec.FailureReason = upd.FailureReason
	} else if failedOutcome(upd.Status) {
		rec.FailureReason = fmt.Sprintf("call %s (was %s)", upd.Status, from)
	}
	if upd.Transcript != "" {
		rec.Transcript = upd.Transcript
	}
	if upd.Summary != "" {
		rec.Summary = upd.Summary
	}
}

func failedOutcome(s CallStatus) bool {
	return s == CallStatusFailed || s == CallStatusNoAnswer || s == CallStatusBusy
}
