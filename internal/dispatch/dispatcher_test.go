package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"checkin-platform/internal/audit"
	"checkin-platform/internal/calls"
	"checkin-platform/internal/orchestration"
	"checkin-platform/internal/queue"
	"checkin-platform/internal/schedule"
	"checkin-platform/internal/settings"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeProvider struct {
	mu       sync.Mutex
	requests []orchestration.StartSessionRequest
	err      error
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) HealthCheck(ctx context.Context) error { return nil }

func (p *fakeProvider) StartSession(ctx context.Context, req orchestration.StartSessionRequest) (orchestration.StartSessionResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.err != nil {
		return orchestration.StartSessionResult{}, p.err
	}
	return orchestration.StartSessionResult{
		RoomName:  "room-" + req.CallRecordID,
		RoomSID:   "RM-" + req.CallRecordID,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (p *fakeProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

type testRig struct {
	dispatcher *Dispatcher
	queue      *queue.MemoryStore
	settings   *settings.MemoryProvider
	callStore  *calls.MemoryStore
	provider   *fakeProvider
	trail      *audit.MemoryRepo
}

// Monday 2024-06-03 15:00 UTC.
var dispatchBase = time.Date(2024, 6, 3, 15, 0, 0, 0, time.UTC)

func newTestRig() *testRig {
	log := testLogger()
	q := queue.NewMemoryStore()
	p := settings.NewMemoryProvider()
	cs := calls.NewMemoryStore()
	fp := &fakeProvider{}
	repo := audit.NewMemoryRepo()

	tracker := calls.NewTracker(cs, log).WithClock(fixedClock(dispatchBase))
	recon := NewReconciler(q, p, 3, log).WithClock(fixedClock(dispatchBase))
	d := NewDispatcher(q, p, tracker, fp, recon, audit.NewService(repo), nil,
		Config{MaxAttempts: 3}, log).WithClock(fixedClock(dispatchBase))

	return &testRig{dispatcher: d, queue: q, settings: p, callStore: cs, provider: fp, trail: repo}
}

func (r *testRig) putUser(mut func(*settings.UserSettings)) {
	u := settings.UserSettings{
		UserID:        "user-1",
		PhoneNumber:   "5550001111",
		PhoneVerified: true,
		CallsEnabled:  true,
		Timezone:      "America/New_York",
		Slots:         []schedule.Slot{{Weekday: 1, TimeOfDay: "11:00"}},
	}
	if mut != nil {
		mut(&u)
	}
	r.settings.Put(u)
}

// seedDue inserts a pending entry that is due at the rig clock.
func (r *testRig) seedDue(t *testing.T, id string) queue.Entry {
	t.Helper()
	e := queue.Entry{
		ID:           id,
		UserID:       "user-1",
		ScheduledFor: dispatchBase,
		TimeWindow:   schedule.TimeWindowMorning,
		SlotWeekday:  1,
		SlotTime:     "11:00",
		Status:       queue.StatusPending,
		MaxAttempts:  3,
		CreatedAt:    dispatchBase,
		UpdatedAt:    dispatchBase,
	}
	if err := r.queue.Insert(context.Background(), e); err != nil {
		t.Fatalf("seed insert: %v", err)
	}
	return e
}

func (r *testRig) trailTypes() []audit.EventType {
	var out []audit.EventType
	for _, e := range r.trail.Events() {
		out = append(out, e.Type)
	}
	return out
}

func TestRunCycle_DispatchesDueEntry(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig()
	rig.putUser(nil)
	rig.seedDue(t, "entry-1")

	rig.dispatcher.RunCycle(ctx)

	if got := rig.provider.count(); got != 1 {
		t.Fatalf("provider calls = %d, want 1", got)
	}
	req := rig.provider.requests[0]
	if req.PhoneNumber != "+15550001111" {
		t.Errorf("dialed %q, want +15550001111", req.PhoneNumber)
	}
	if req.ScheduledCallID != "entry-1" {
		t.Errorf("scheduled_call_id = %q, want entry-1", req.ScheduledCallID)
	}

	e, _ := rig.queue.Get("entry-1")
	if e.Status != queue.StatusCompleted {
		t.Fatalf("entry status = %s, want completed", e.Status)
	}
	if e.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1", e.AttemptCount)
	}
	if e.CallRecordID == "" {
		t.Fatalf("entry has no call record reference")
	}

	rec, err := rig.callStore.Get(ctx, e.CallRecordID)
	if err != nil {
		t.Fatalf("call record lookup: %v", err)
	}
	if rec.Status != calls.CallStatusInitiated {
		t.Errorf("call status = %s, want initiated", rec.Status)
	}
	if rec.RoomName == "" || rec.RoomSID == "" {
		t.Errorf("session handles not attached: room=%q sid=%q", rec.RoomName, rec.RoomSID)
	}
	// The telephony SID is only known once the agent dials out; the room
	// sid must not pre-seed the callback lookup key.
	if rec.ProviderCallID != "" {
		t.Errorf("provider_call_id pre-seeded with %q", rec.ProviderCallID)
	}

	// The post-dispatch reconcile queued the slot's next occurrence.
	pending, _ := rig.queue.ListNonterminal(ctx, "user-1")
	if len(pending) != 1 {
		t.Fatalf("pending after dispatch = %d, want 1", len(pending))
	}
	if !pending[0].ScheduledFor.After(dispatchBase) {
		t.Errorf("next occurrence %v not in the future", pending[0].ScheduledFor)
	}

	types := rig.trailTypes()
	if len(types) != 1 || types[0] != audit.EventTypeDispatched {
		t.Errorf("trail = %v, want [dispatched]", types)
	}
}

func TestRunCycle_SkipsDisabledUser(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig()
	rig.putUser(func(u *settings.UserSettings) { u.CallsEnabled = false })
	rig.seedDue(t, "entry-1")

	rig.dispatcher.RunCycle(ctx)

	if rig.provider.count() != 0 {
		t.Fatalf("provider called for a disabled user")
	}
	e, _ := rig.queue.Get("entry-1")
	if e.Status != queue.StatusSkipped {
		t.Fatalf("entry status = %s, want skipped", e.Status)
	}
	if e.FailureReason == "" {
		t.Errorf("skip has no reason")
	}

	// Skipped is terminal; the next cycle must not pick the entry up again.
	rig.dispatcher.RunCycle(ctx)
	e, _ = rig.queue.Get("entry-1")
	if e.AttemptCount != 1 {
		t.Fatalf("attempt_count = %d after second cycle, want 1", e.AttemptCount)
	}
}

func TestRunCycle_SkipsUnverifiedPhone(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig()
	rig.putUser(func(u *settings.UserSettings) { u.PhoneVerified = false })
	rig.seedDue(t, "entry-1")

	rig.dispatcher.RunCycle(ctx)

	e, _ := rig.queue.Get("entry-1")
	if e.Status != queue.StatusSkipped {
		t.Fatalf("entry status = %s, want skipped", e.Status)
	}
	if !strings.Contains(e.FailureReason, "phone") {
		t.Errorf("reason = %q, want a phone precondition", e.FailureReason)
	}
}

func TestRunCycle_SkipsUnknownUser(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig()
	rig.seedDue(t, "entry-1")

	rig.dispatcher.RunCycle(ctx)

	e, _ := rig.queue.Get("entry-1")
	if e.Status != queue.StatusSkipped {
		t.Fatalf("entry status = %s, want skipped", e.Status)
	}
}

func TestRunCycle_RetriesUntilAttemptsExhausted(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig()
	rig.putUser(nil)
	rig.seedDue(t, "entry-1")
	rig.provider.err = errors.New("provider unavailable")

	// Attempts 1 and 2 requeue the entry.
	for i := 1; i <= 2; i++ {
		rig.dispatcher.RunCycle(ctx)
		e, _ := rig.queue.Get("entry-1")
		if e.Status != queue.StatusPending {
			t.Fatalf("after attempt %d status = %s, want pending", i, e.Status)
		}
		if e.AttemptCount != i {
			t.Fatalf("after attempt %d attempt_count = %d", i, e.AttemptCount)
		}
	}

	// Attempt 3 is the last allowed attempt.
	rig.dispatcher.RunCycle(ctx)
	e, _ := rig.queue.Get("entry-1")
	if e.Status != queue.StatusFailed {
		t.Fatalf("final status = %s, want failed", e.Status)
	}
	if e.AttemptCount != 3 {
		t.Fatalf("final attempt_count = %d, want 3", e.AttemptCount)
	}
	if e.FailureReason == "" {
		t.Errorf("failed entry has no reason")
	}

	// No fourth attempt.
	rig.dispatcher.RunCycle(ctx)
	if got := rig.provider.count(); got != 3 {
		t.Fatalf("provider calls = %d, want 3", got)
	}

	want := []audit.EventType{audit.EventTypeRetried, audit.EventTypeRetried, audit.EventTypeFailed}
	got := rig.trailTypes()
	if len(got) != len(want) {
		t.Fatalf("trail = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("trail = %v, want %v", got, want)
		}
	}

	// Every attempt opened a call record and each was settled as failed.
	recs, _ := rig.callStore.ListByUser(ctx, "user-1", 10)
	if len(recs) != 3 {
		t.Fatalf("call records = %d, want 3", len(recs))
	}
	for _, rec := range recs {
		if rec.Status != calls.CallStatusFailed {
			t.Errorf("record %s status = %s, want failed", rec.ID, rec.Status)
		}
	}
}

func TestRunCycle_ReclaimsStaleProcessing(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig()
	rig.putUser(nil)
	e := rig.seedDue(t, "entry-1")

	// Simulate a dispatcher that claimed the entry long ago and died.
	if _, err := rig.queue.TryClaim(ctx, e.ID, dispatchBase.Add(-time.Hour)); err != nil {
		t.Fatalf("TryClaim: %v", err)
	}

	rig.dispatcher.RunCycle(ctx)

	// Reclaimed to pending, then dispatched within the same cycle.
	got, _ := rig.queue.Get("entry-1")
	if got.Status != queue.StatusCompleted {
		t.Fatalf("entry status = %s, want completed", got.Status)
	}
	if got.AttemptCount != 2 {
		t.Fatalf("attempt_count = %d, want 2", got.AttemptCount)
	}

	types := rig.trailTypes()
	if len(types) != 2 || types[0] != audit.EventTypeReclaimed || types[1] != audit.EventTypeDispatched {
		t.Fatalf("trail = %v, want [reclaimed dispatched]", types)
	}
}

func TestRunCycle_FreshProcessingLeftAlone(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig()
	rig.putUser(nil)
	e := rig.seedDue(t, "entry-1")

	if _, err := rig.queue.TryClaim(ctx, e.ID, dispatchBase.Add(-time.Minute)); err != nil {
		t.Fatalf("TryClaim: %v", err)
	}

	rig.dispatcher.RunCycle(ctx)

	got, _ := rig.queue.Get("entry-1")
	if got.Status != queue.StatusProcessing {
		t.Fatalf("entry status = %s, want processing", got.Status)
	}
	if rig.provider.count() != 0 {
		t.Fatalf("provider called for an entry another instance owns")
	}
}

func TestTriggerNow_DispatchesImmediately(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig()
	rig.putUser(nil)

	id, err := rig.dispatcher.TriggerNow(ctx, "user-1")
	if err != nil {
		t.Fatalf("TriggerNow: %v", err)
	}

	e, ok := rig.queue.Get(id)
	if !ok {
		t.Fatalf("trigger entry not found")
	}
	if e.Status != queue.StatusCompleted {
		t.Fatalf("entry status = %s, want completed", e.Status)
	}
	if e.SlotLabel != manualSlotLabel {
		t.Errorf("slot_label = %q, want %q", e.SlotLabel, manualSlotLabel)
	}
	if rig.provider.count() != 1 {
		t.Fatalf("provider calls = %d, want 1", rig.provider.count())
	}
}

func TestTriggerNow_UnknownUser(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig()

	if _, err := rig.dispatcher.TriggerNow(ctx, "ghost"); !errors.Is(err, settings.ErrNotFound) {
		t.Fatalf("err = %v, want settings.ErrNotFound", err)
	}
}

func TestResync_ConvergesQueue(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig()
	rig.putUser(nil)

	if err := rig.dispatcher.Resync(ctx, "user-1"); err != nil {
		t.Fatalf("Resync: %v", err)
	}
	entries, _ := rig.queue.ListNonterminal(ctx, "user-1")
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
}

func TestRetryPolicy_Next(t *testing.T) {
	p := RetryPolicy{}
	if got := p.Next(queue.Entry{AttemptCount: 1, MaxAttempts: 3}); got != queue.StatusPending {
		t.Errorf("attempt 1/3 -> %s, want pending", got)
	}
	if got := p.Next(queue.Entry{AttemptCount: 3, MaxAttempts: 3}); got != queue.StatusFailed {
		t.Errorf("attempt 3/3 -> %s, want failed", got)
	}
}
