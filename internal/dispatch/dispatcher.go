package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"checkin-platform/internal/audit"
	"checkin-platform/internal/calls"
	"checkin-platform/internal/orchestration"
	"checkin-platform/internal/queue"
	"checkin-platform/internal/schedule"
	"checkin-platform/internal/settings"
	"checkin-platform/pkg/utils"
)

// Config holds the dispatcher's timing knobs.
type Config struct {
	// PollInterval is the cycle period.
	PollInterval time.Duration

	// SessionTimeout bounds the StartSession provider call. Seconds-scale:
	// the call outcome arrives via the status callback, never here.
	SessionTimeout time.Duration

	// MaxAttempts caps dispatch attempts per entry.
	MaxAttempts int

	// StaleAfter is how long an entry may sit in processing before the sweep
	// reclaims it. Must comfortably exceed one cycle.
	StaleAfter time.Duration

	// GuardTTL is the lifetime of the per-user in-flight guard in Redis. It
	// should cover a full call; the guard is released early only on failure.
	GuardTTL time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.PollInterval <= 0 {
		out.PollInterval = 5 * time.Minute
	}
	if out.SessionTimeout <= 0 {
		out.SessionTimeout = 10 * time.Second
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 3
	}
	if out.StaleAfter <= 0 {
		out.StaleAfter = 3 * out.PollInterval
	}
	if out.GuardTTL <= 0 {
		out.GuardTTL = 15 * time.Minute
	}
	return out
}

// Dispatcher drains due queue entries into live call sessions.
//
// One cycle is: reclaim stale processing entries, list due entries, then
// process them one at a time. Per-entry exclusivity comes from the queue's
// claim CAS, so multiple dispatcher instances can run the loop concurrently;
// the Redis guard additionally keeps one user from receiving two overlapping
// calls. Entry-level errors are absorbed and logged, never abort the cycle.
type Dispatcher struct {
	queue    queue.Store
	settings settings.Provider
	tracker  *calls.Tracker
	provider orchestration.SessionProvider
	recon    *Reconciler
	trail    *audit.Service
	rdb      *redis.Client // nil disables the per-user guard
	policy   RetryPolicy

	cfg   Config
	log   *slog.Logger
	clock func() time.Time
}

func NewDispatcher(
	q queue.Store,
	s settings.Provider,
	tracker *calls.Tracker,
	provider orchestration.SessionProvider,
	recon *Reconciler,
	trail *audit.Service,
	rdb *redis.Client,
	cfg Config,
	log *slog.Logger,
) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		queue:    q,
		settings: s,
		tracker:  tracker,
		provider: provider,
		recon:    recon,
		trail:    trail,
		rdb:      rdb,
		cfg:      cfg.withDefaults(),
		log:      log,
		clock:    time.Now,
	}
}

// WithClock overrides the dispatcher clock (tests).
func (d *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	d.clock = clock
	return d
}

// Run executes cycles at the poll interval until ctx is cancelled. The first
// cycle runs immediately so a restart does not wait a full interval to pick
// up overdue entries.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	d.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.RunCycle(ctx)
		}
	}
}

// RunCycle performs one sweep-and-dispatch pass.
func (d *Dispatcher) RunCycle(ctx context.Context) {
	now := d.clock().UTC()

	reclaimed, err := d.queue.ReclaimStale(ctx, now, d.cfg.StaleAfter)
	if err != nil {
		d.log.Error("stale-processing sweep failed", "error", err)
	}
	for _, e := range reclaimed {
		d.log.Warn("reclaimed stale processing entry",
			"scheduled_call_id", e.ID, "user_id", e.UserID, "status", e.Status)
		if err := d.trail.LogReclaim(ctx, e.UserID, e.ID, e.AttemptCount, string(e.Status)); err != nil {
			d.log.Warn("dispatch trail write failed", "error", err)
		}
	}

	due, err := d.queue.GetDue(ctx, now)
	if err != nil {
		d.log.Error("due-entry listing failed", "error", err)
		return
	}
	for _, e := range due {
		if ctx.Err() != nil {
			return
		}
		if err := d.processEntry(ctx, e.ID); err != nil {
			d.log.Error("dispatch attempt errored",
				"scheduled_call_id", e.ID, "user_id", e.UserID, "error", err)
		}
	}
}

// processEntry runs one dispatch attempt. The claim is the first step so that
// every other outcome (skip, fail, retry) is recorded against an entry this
// instance exclusively owns.
func (d *Dispatcher) processEntry(ctx context.Context, id string) error {
	e, err := d.queue.TryClaim(ctx, id, d.clock().UTC())
	if err != nil {
		if errors.Is(err, queue.ErrConflict) || errors.Is(err, queue.ErrNotFound) {
			// Another instance got there first.
			return nil
		}
		return fmt.Errorf("claim: %w", err)
	}

	u, err := d.settings.Get(ctx, e.UserID)
	if err != nil {
		if errors.Is(err, settings.ErrNotFound) {
			return d.skip(ctx, e, "user settings not found")
		}
		return d.fail(ctx, e, fmt.Sprintf("settings lookup failed: %v", err))
	}
	if !u.CallsEnabled {
		return d.skip(ctx, e, "check-in calls disabled")
	}
	if !u.PhoneVerified || u.DialNumber() == "" {
		return d.skip(ctx, e, "no verified phone number")
	}

	release, ok, err := d.acquireGuard(ctx, e.UserID)
	if err != nil {
		// Guard store unreachable. The claim CAS already guarantees this
		// entry dispatches at most once, so proceed without the guard.
		d.log.Warn("in-flight guard unavailable, dispatching unguarded",
			"user_id", e.UserID, "error", err)
	} else if !ok {
		return d.fail(ctx, e, "another call for this user is already in flight")
	}

	rec, err := d.tracker.Create(ctx, e.UserID, e.ID, u.DialNumber())
	if err != nil {
		release()
		return d.fail(ctx, e, fmt.Sprintf("call record create failed: %v", err))
	}

	sctx, cancel := context.WithTimeout(ctx, d.cfg.SessionTimeout)
	res, err := d.provider.StartSession(sctx, orchestration.StartSessionRequest{
		UserID:          e.UserID,
		CallRecordID:    rec.ID,
		ScheduledCallID: e.ID,
		PhoneNumber:     u.DialNumber(),
	})
	cancel()
	if err != nil {
		release()
		d.markCallFailed(ctx, rec.ID, err)
		return d.fail(ctx, e, fmt.Sprintf("session start failed: %v", err))
	}

	if err := d.tracker.AttachSession(ctx, rec.ID, res.RoomName, res.RoomSID); err != nil {
		d.log.Warn("session handle attach failed",
			"call_record_id", rec.ID, "room_name", res.RoomName, "error", err)
	}

	now := d.clock().UTC()
	if err := d.queue.SetStatus(ctx, e.ID, queue.StatusCompleted, queue.StatusUpdate{CallRecordID: rec.ID}, now); err != nil {
		return fmt.Errorf("complete entry %s: %w", e.ID, err)
	}
	d.logTrail(ctx, audit.EventTypeDispatched, e, rec.ID, "session started, room "+res.RoomName)

	// Immediately schedule the slot's next occurrence.
	if err := d.recon.Reconcile(ctx, e.UserID); err != nil {
		d.log.Warn("post-dispatch reconcile failed", "user_id", e.UserID, "error", err)
	}
	return nil
}

// skip retires an entry whose preconditions failed. Skips are terminal; a
// disabled user's entry must not burn retry attempts week after week.
func (d *Dispatcher) skip(ctx context.Context, e queue.Entry, reason string) error {
	now := d.clock().UTC()
	if err := d.queue.SetStatus(ctx, e.ID, queue.StatusSkipped, queue.StatusUpdate{FailureReason: reason}, now); err != nil {
		return fmt.Errorf("skip entry %s: %w", e.ID, err)
	}
	d.logTrail(ctx, audit.EventTypeSkipped, e, "", reason)
	return nil
}

// fail applies the retry policy after a failed attempt.
func (d *Dispatcher) fail(ctx context.Context, e queue.Entry, reason string) error {
	now := d.clock().UTC()
	next := d.policy.Next(e)
	if err := d.queue.SetStatus(ctx, e.ID, next, queue.StatusUpdate{FailureReason: reason}, now); err != nil {
		return fmt.Errorf("fail entry %s: %w", e.ID, err)
	}
	typ := audit.EventTypeRetried
	if next == queue.StatusFailed {
		typ = audit.EventTypeFailed
	}
	d.logTrail(ctx, typ, e, "", reason)
	return nil
}

// markCallFailed settles the call record when the session never started.
func (d *Dispatcher) markCallFailed(ctx context.Context, callRecordID string, cause error) {
	err := d.tracker.Apply(ctx, calls.Update{
		CallRecordID:  callRecordID,
		Status:        calls.CallStatusFailed,
		Source:        "dispatcher",
		FailureReason: cause.Error(),
	})
	if err != nil {
		d.log.Warn("call record failure write failed",
			"call_record_id", callRecordID, "error", err)
	}
}

// acquireGuard takes the per-user in-flight lock. The returned release func
// is a no-op when the guard is disabled or was not acquired; on success it
// frees the lock early (used on dispatch failure so a retry is not blocked
// for the full TTL).
func (d *Dispatcher) acquireGuard(ctx context.Context, userID string) (release func(), ok bool, err error) {
	release = func() {}
	if d.rdb == nil {
		return release, true, nil
	}
	token := uuid.NewString()
	ok, err = utils.AcquireDispatchGuard(ctx, d.rdb, userID, token, d.cfg.GuardTTL)
	if err != nil || !ok {
		return release, ok, err
	}
	release = func() {
		if rerr := utils.ReleaseDispatchGuard(ctx, d.rdb, userID, token); rerr != nil {
			d.log.Warn("in-flight guard release failed", "user_id", userID, "error", rerr)
		}
	}
	return release, true, nil
}

func (d *Dispatcher) logTrail(ctx context.Context, typ audit.EventType, e queue.Entry, callRecordID, message string) {
	if err := d.trail.LogOutcome(ctx, typ, e.UserID, e.ID, callRecordID, e.AttemptCount, message); err != nil {
		d.log.Warn("dispatch trail write failed", "scheduled_call_id", e.ID, "error", err)
	}
}

// TriggerNow queues an immediate call for the user and runs a cycle so it
// dispatches without waiting for the next tick. Returns the entry id.
func (d *Dispatcher) TriggerNow(ctx context.Context, userID string) (string, error) {
	u, err := d.settings.Get(ctx, userID)
	if err != nil {
		return "", err
	}

	now := d.clock().UTC()
	local := now
	if loc, lerr := time.LoadLocation(u.Timezone); lerr == nil {
		local = now.In(loc)
	}
	e := queue.Entry{
		ID:           uuid.NewString(),
		UserID:       userID,
		ScheduledFor: now,
		TimeWindow:   schedule.TimeWindowFor(local.Hour()),
		SlotWeekday:  int(local.Weekday()),
		SlotTime:     local.Format("15:04"),
		SlotLabel:    manualSlotLabel,
		Status:       queue.StatusPending,
		MaxAttempts:  d.cfg.MaxAttempts,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := d.queue.Insert(ctx, e); err != nil {
		return "", err
	}
	d.RunCycle(ctx)
	return e.ID, nil
}

// Resync reconciles one user's queue against their settings on demand.
func (d *Dispatcher) Resync(ctx context.Context, userID string) error {
	return d.recon.Reconcile(ctx, userID)
}
