package calls

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testTracker(t *testing.T) (*Tracker, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	tr := NewTracker(store, nil).WithClock(func() time.Time {
		return time.Unix(1700000000, 0).UTC()
	})
	return tr, store
}

func TestTracker_NormalLifecycle(t *testing.T) {
	ctx := context.Background()
	tr, store := testTracker(t)

	rec, err := tr.Create(ctx, "u1", "sc1", "+15550001111")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Status != CallStatusInitiated {
		t.Fatalf("expected initiated, got %s", rec.Status)
	}
	if err := tr.AttachSession(ctx, rec.ID, "checkin-room-1", "RM123"); err != nil {
		t.Fatalf("attach: %v", err)
	}

	steps := []Update{
		// Dial-out reports the telephony SID with its first write.
		{CallRecordID: rec.ID, ProviderCallID: "CA123", Status: CallStatusRinging, Source: "session"},
		{ProviderCallID: "CA123", Status: CallStatusInProgress, Source: "callback"},
		{CallRecordID: rec.ID, Status: CallStatusCompleted, Source: "session", DurationSeconds: 240, Transcript: "hi", Summary: "done"},
	}
	for _, u := range steps {
		if err := tr.Apply(ctx, u); err != nil {
			t.Fatalf("apply %s: %v", u.Status, err)
		}
	}

	got, err := store.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != CallStatusCompleted || got.DurationSeconds != 240 {
		t.Fatalf("unexpected final record: %+v", got)
	}
	if got.StartedAt == nil || got.EndedAt == nil {
		t.Fatalf("expected started_at and ended_at stamped")
	}
	if got.Transcript != "hi" || got.Summary != "done" {
		t.Fatalf("payload not applied: %+v", got)
	}
	if got.RoomSID != "RM123" || got.ProviderCallID != "CA123" {
		t.Fatalf("identifier namespaces mixed up: %+v", got)
	}
}

func TestTracker_RoomSIDNeverOccupiesProviderCallID(t *testing.T) {
	ctx := context.Background()
	tr, store := testTracker(t)

	rec, err := tr.Create(ctx, "u1", "sc1", "+15550001111")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := tr.AttachSession(ctx, rec.ID, "room", "RM555"); err != nil {
		t.Fatalf("attach: %v", err)
	}

	// The callback producer keys by telephony SID. The room SID must not
	// shadow that slot, or the real SID could never bind.
	if _, err := store.GetByProviderCallID(ctx, "RM555"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("room sid resolved as provider call id: %v", err)
	}

	if err := tr.Apply(ctx, Update{CallRecordID: rec.ID, ProviderCallID: "CA555", Status: CallStatusRinging, Source: "session"}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	got, err := store.GetByProviderCallID(ctx, "CA555")
	if err != nil {
		t.Fatalf("lookup by bound sid: %v", err)
	}
	if got.ID != rec.ID || got.RoomSID != "RM555" {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestTracker_CanceledAfterConnectLandsTerminal(t *testing.T) {
	ctx := context.Background()
	tr, store := testTracker(t)

	rec, err := tr.Create(ctx, "u1", "sc1", "+15550001111")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := tr.AttachSession(ctx, rec.ID, "room", "RM7"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := tr.Apply(ctx, Update{CallRecordID: rec.ID, ProviderCallID: "CA7", Status: CallStatusRinging, Source: "session"}); err != nil {
		t.Fatalf("ringing: %v", err)
	}
	if err := tr.Apply(ctx, Update{ProviderCallID: "CA7", Status: CallStatusInProgress, Source: "callback"}); err != nil {
		t.Fatalf("in_progress: %v", err)
	}

	// The carrier can still cancel a connected call. The record must end
	// terminal, never stuck in_progress.
	if err := tr.Apply(ctx, Update{ProviderCallID: "CA7", Status: CallStatusCanceled, Source: "callback"}); err != nil {
		t.Fatalf("canceled: %v", err)
	}

	got, _ := store.Get(ctx, rec.ID)
	if got.Status != CallStatusCanceled {
		t.Fatalf("expected canceled, got %s", got.Status)
	}
	if got.EndedAt == nil {
		t.Fatalf("terminal status must stamp ended_at")
	}
}

func TestTracker_TerminalIsSticky(t *testing.T) {
	ctx := context.Background()
	tr, store := testTracker(t)

	rec, err := tr.Create(ctx, "u1", "sc1", "+15550001111")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := tr.AttachSession(ctx, rec.ID, "room", "RM9"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := tr.Apply(ctx, Update{CallRecordID: rec.ID, ProviderCallID: "CA9", Status: CallStatusRinging, Source: "session"}); err != nil {
		t.Fatalf("ringing: %v", err)
	}
	if err := tr.Apply(ctx, Update{CallRecordID: rec.ID, Status: CallStatusInProgress, Source: "session"}); err != nil {
		t.Fatalf("in_progress: %v", err)
	}
	if err := tr.Apply(ctx, Update{CallRecordID: rec.ID, Status: CallStatusCompleted, Source: "session", Transcript: "t", Summary: "s", DurationSeconds: 60}); err != nil {
		t.Fatalf("completed: %v", err)
	}

	// Late delivery-status callback must be a no-op, not an error.
	if err := tr.Apply(ctx, Update{ProviderCallID: "CA9", Status: CallStatusFailed, Source: "callback", FailureReason: "late"}); err != nil {
		t.Fatalf("late callback should be a swallowed no-op: %v", err)
	}

	got, _ := store.Get(ctx, rec.ID)
	if got.Status != CallStatusCompleted || got.Transcript != "t" || got.Summary != "s" {
		t.Fatalf("terminal record was clobbered: %+v", got)
	}
	if got.FailureReason != "" {
		t.Fatalf("late failure reason leaked onto completed record")
	}
}

func TestTracker_InvalidForwardJumpRejected(t *testing.T) {
	ctx := context.Background()
	tr, store := testTracker(t)

	rec, err := tr.Create(ctx, "u1", "", "+15550001111")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// initiated -> in_progress is not in the table.
	if err := tr.Apply(ctx, Update{CallRecordID: rec.ID, Status: CallStatusInProgress, Source: "callback"}); err != nil {
		t.Fatalf("rejected write should not error: %v", err)
	}
	got, _ := store.Get(ctx, rec.ID)
	if got.Status != CallStatusInitiated {
		t.Fatalf("record should still be initiated, got %s", got.Status)
	}
}

func TestTracker_NoAnswerGetsHumanReadableReason(t *testing.T) {
	ctx := context.Background()
	tr, store := testTracker(t)

	rec, err := tr.Create(ctx, "u1", "sc1", "+15550001111")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := tr.Apply(ctx, Update{CallRecordID: rec.ID, Status: CallStatusRinging, Source: "callback"}); err != nil {
		t.Fatalf("ringing: %v", err)
	}
	if err := tr.Apply(ctx, Update{CallRecordID: rec.ID, Status: CallStatusNoAnswer, Source: "callback"}); err != nil {
		t.Fatalf("no_answer: %v", err)
	}
	got, _ := store.Get(ctx, rec.ID)
	if got.FailureReason == "" {
		t.Fatalf("no_answer must carry a failure reason")
	}
	if got.EndedAt == nil {
		t.Fatalf("terminal status must stamp ended_at")
	}
}

func TestTracker_UnknownProviderCallID(t *testing.T) {
	ctx := context.Background()
	tr, _ := testTracker(t)
	err := tr.Apply(ctx, Update{ProviderCallID: "CA-unknown", Status: CallStatusRinging, Source: "callback"})
	if err == nil {
		t.Fatalf("expected lookup error for unknown provider call id")
	}
}
