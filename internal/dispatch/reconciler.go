package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"checkin-platform/internal/queue"
	"checkin-platform/internal/schedule"
	"checkin-platform/internal/settings"
)

// slotMatchTolerance bounds how far a stored entry's fire time may drift from
// the recomputed occurrence of the same slot before the entry is replaced.
// Recomputes shift timestamps by seconds; a timezone change shifts them by
// hours and must produce a replacement.
const slotMatchTolerance = time.Minute

// manualSlotLabel marks entries created by an on-demand trigger. They belong
// to no configured slot and must survive reconciliation until dispatched.
const manualSlotLabel = "manual"

// Reconciler converges a user's queue onto their current schedule settings.
//
// The target state is one pending entry per enabled slot at its next
// occurrence. Entries are matched to slots by slot identity (weekday plus
// local time), never by comparing raw timestamps. Reconcile is idempotent:
// running it twice in a row leaves the queue unchanged.
type Reconciler struct {
	queue       queue.Store
	settings    settings.Provider
	maxAttempts int
	log         *slog.Logger
	clock       func() time.Time
}

func NewReconciler(q queue.Store, s settings.Provider, maxAttempts int, log *slog.Logger) *Reconciler {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{queue: q, settings: s, maxAttempts: maxAttempts, log: log, clock: time.Now}
}

// WithClock overrides the reconciler clock (tests).
func (r *Reconciler) WithClock(clock func() time.Time) *Reconciler {
	r.clock = clock
	return r
}

// Plan is the computed diff between the queue and the settings. Cancel lists
// non-terminal entries that no longer correspond to an enabled slot; Insert
// lists occurrences with no live entry; Keep lists entries left untouched.
type Plan struct {
	UserID   string
	Disabled bool
	Insert   []queue.Entry
	Cancel   []queue.Entry
	Keep     []queue.Entry
}

// Plan computes the diff without mutating anything.
//
// A missing user is treated like a disabled one: whatever is queued gets
// cancelled. An unknown timezone is a hard error and leaves the queue alone,
// since no correct target state can be computed from it.
func (r *Reconciler) Plan(ctx context.Context, userID string) (Plan, error) {
	now := r.clock().UTC()
	plan := Plan{UserID: userID}

	u, err := r.settings.Get(ctx, userID)
	if err != nil {
		if !errors.Is(err, settings.ErrNotFound) {
			return Plan{}, fmt.Errorf("reconcile %s: %w", userID, err)
		}
		u = settings.UserSettings{UserID: userID}
	}

	existing, err := r.queue.ListNonterminal(ctx, userID)
	if err != nil {
		return Plan{}, fmt.Errorf("reconcile %s: %w", userID, err)
	}

	if !u.CallsEnabled || len(u.Slots) == 0 {
		plan.Disabled = true
		plan.Cancel = existing
		return plan, nil
	}

	occs, slotErrs, err := schedule.NextOccurrencePerSlot(u.Slots, u.Timezone, now)
	if err != nil {
		return Plan{}, fmt.Errorf("reconcile %s: %w", userID, err)
	}
	for _, se := range slotErrs {
		r.log.Warn("skipping malformed schedule slot",
			"user_id", userID,
			"weekday", se.Slot.Weekday,
			"time_of_day", se.Slot.TimeOfDay,
			"error", se.Err,
		)
	}

	matched := make(map[int]bool, len(existing))
	for _, o := range occs {
		idx := matchEntry(existing, matched, o)
		if idx >= 0 {
			matched[idx] = true
			plan.Keep = append(plan.Keep, existing[idx])
			continue
		}
		plan.Insert = append(plan.Insert, newEntry(userID, o, r.maxAttempts, now))
	}
	for i, e := range existing {
		if matched[i] {
			continue
		}
		if e.SlotLabel == manualSlotLabel {
			plan.Keep = append(plan.Keep, e)
			continue
		}
		plan.Cancel = append(plan.Cancel, e)
	}
	return plan, nil
}

// matchEntry finds an unmatched entry with the occurrence's slot identity and
// a fire time within tolerance. Processing entries match on identity alone;
// they are mid-attempt and their timestamp is necessarily in the past.
func matchEntry(existing []queue.Entry, matched map[int]bool, o schedule.Occurrence) int {
	for i, e := range existing {
		if matched[i] {
			continue
		}
		if e.SlotWeekday != o.Slot.Weekday || e.SlotTime != o.Slot.TimeOfDay {
			continue
		}
		if e.Status == queue.StatusProcessing {
			return i
		}
		if absDiff(e.ScheduledFor, o.At) <= slotMatchTolerance {
			return i
		}
	}
	return -1
}

// Apply executes a plan. Cancellations that lose a race with a claim are
// tolerated; the entry finishes its attempt and the next reconcile converges.
func (r *Reconciler) Apply(ctx context.Context, plan Plan) error {
	now := r.clock().UTC()
	for _, e := range plan.Cancel {
		err := r.queue.Cancel(ctx, e.ID, now)
		if err == nil || errors.Is(err, queue.ErrNotFound) {
			continue
		}
		if errors.Is(err, queue.ErrConflict) {
			r.log.Info("cancel lost race, entry finishes its attempt",
				"user_id", plan.UserID, "scheduled_call_id", e.ID)
			continue
		}
		return fmt.Errorf("reconcile %s: cancel %s: %w", plan.UserID, e.ID, err)
	}

	if err := r.queue.InsertBatch(ctx, plan.Insert); err != nil {
		return fmt.Errorf("reconcile %s: insert: %w", plan.UserID, err)
	}

	r.updateMirror(ctx, plan)
	return nil
}

// Reconcile plans and applies in one step.
func (r *Reconciler) Reconcile(ctx context.Context, userID string) error {
	plan, err := r.Plan(ctx, userID)
	if err != nil {
		return err
	}
	return r.Apply(ctx, plan)
}

// updateMirror refreshes the denormalized next_scheduled_call field.
// Best-effort; the queue is the source of truth.
func (r *Reconciler) updateMirror(ctx context.Context, plan Plan) {
	var next *time.Time
	for _, e := range append(append([]queue.Entry{}, plan.Keep...), plan.Insert...) {
		if e.Status != queue.StatusPending {
			continue
		}
		if next == nil || e.ScheduledFor.Before(*next) {
			at := e.ScheduledFor
			next = &at
		}
	}
	if err := r.settings.SetNextScheduledCall(ctx, plan.UserID, next); err != nil && !errors.Is(err, settings.ErrNotFound) {
		r.log.Warn("next_scheduled_call mirror update failed",
			"user_id", plan.UserID, "error", err)
	}
}

func newEntry(userID string, o schedule.Occurrence, maxAttempts int, now time.Time) queue.Entry {
	return queue.Entry{
		ID:           uuid.NewString(),
		UserID:       userID,
		ScheduledFor: o.At,
		TimeWindow:   o.Window,
		SlotWeekday:  o.Slot.Weekday,
		SlotTime:     o.Slot.TimeOfDay,
		SlotLabel:    o.Slot.Label,
		Status:       queue.StatusPending,
		MaxAttempts:  maxAttempts,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func absDiff(a, b time.Time) time.Duration {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d
}
