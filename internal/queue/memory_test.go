package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"checkin-platform/internal/schedule"
)

func newTestEntry(id, userID string, at time.Time) Entry {
	return Entry{
		ID:           id,
		UserID:       userID,
		ScheduledFor: at,
		TimeWindow:   schedule.TimeWindowMorning,
		SlotWeekday:  1,
		SlotTime:     "09:00",
		Status:       StatusPending,
		MaxAttempts:  3,
		CreatedAt:    at.Add(-time.Hour),
		UpdatedAt:    at.Add(-time.Hour),
	}
}

func TestGetDue_OrderAndCutoff(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()
	s := NewMemoryStore()

	for _, e := range []Entry{
		newTestEntry("late", "u1", now.Add(-time.Minute)),
		newTestEntry("early", "u1", now.Add(-time.Hour)),
		newTestEntry("future", "u1", now.Add(time.Hour)),
	} {
		if err := s.Insert(ctx, e); err != nil {
			t.Fatalf("insert %s: %v", e.ID, err)
		}
	}

	due, err := s.GetDue(ctx, now)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 due entries, got %d", len(due))
	}
	if due[0].ID != "early" || due[1].ID != "late" {
		t.Fatalf("expected earliest-due-first, got %s,%s", due[0].ID, due[1].ID)
	}
}

func TestInsertBatch_AllOrNothing(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()
	s := NewMemoryStore()
	if err := s.Insert(ctx, newTestEntry("dup", "u1", now.Add(time.Hour))); err != nil {
		t.Fatalf("insert: %v", err)
	}

	err := s.InsertBatch(ctx, []Entry{
		newTestEntry("new", "u1", now.Add(time.Hour)),
		newTestEntry("dup", "u1", now.Add(2*time.Hour)),
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if _, ok := s.Get("new"); ok {
		t.Fatalf("partial batch landed")
	}

	if err := s.InsertBatch(ctx, []Entry{
		newTestEntry("a", "u1", now.Add(time.Hour)),
		newTestEntry("b", "u1", now.Add(2*time.Hour)),
	}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if _, ok := s.Get("b"); !ok {
		t.Fatalf("batch entry missing")
	}
}

func TestTryClaim_ExactlyOnceUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()
	s := NewMemoryStore()
	if err := s.Insert(ctx, newTestEntry("e1", "u1", now.Add(-time.Minute))); err != nil {
		t.Fatalf("insert: %v", err)
	}

	const workers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.TryClaim(ctx, "e1", now)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected claim err: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	if conflicts != workers-1 {
		t.Fatalf("expected %d conflicts, got %d", workers-1, conflicts)
	}

	e, _ := s.Get("e1")
	if e.Status != StatusProcessing || e.AttemptCount != 1 {
		t.Fatalf("claimed entry not processing/attempt=1: %+v", e)
	}
	if e.LastAttemptAt == nil || !e.LastAttemptAt.Equal(now) {
		t.Fatalf("last_attempt_at not stamped")
	}
}

func TestSetStatus_TerminalIsSticky(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()
	s := NewMemoryStore()
	if err := s.Insert(ctx, newTestEntry("e1", "u1", now.Add(-time.Minute))); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.TryClaim(ctx, "e1", now); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.SetStatus(ctx, "e1", StatusCompleted, StatusUpdate{CallRecordID: "cr1"}, now); err != nil {
		t.Fatalf("complete: %v", err)
	}
	err := s.SetStatus(ctx, "e1", StatusFailed, StatusUpdate{FailureReason: "late"}, now)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on terminal overwrite, got %v", err)
	}
	e, _ := s.Get("e1")
	if e.Status != StatusCompleted || e.CallRecordID != "cr1" {
		t.Fatalf("terminal entry mutated: %+v", e)
	}
}

func TestCancel_OnlyWhilePending(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()
	s := NewMemoryStore()
	if err := s.Insert(ctx, newTestEntry("e1", "u1", now.Add(time.Hour))); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Insert(ctx, newTestEntry("e2", "u1", now.Add(-time.Minute))); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.TryClaim(ctx, "e2", now); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := s.Cancel(ctx, "e1", now); err != nil {
		t.Fatalf("cancel pending: %v", err)
	}
	// A processing entry is allowed to finish its attempt.
	if err := s.Cancel(ctx, "e2", now); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict cancelling processing entry, got %v", err)
	}
}

func TestCancelNonterminal_LeavesProcessingAlone(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()
	s := NewMemoryStore()
	for _, e := range []Entry{
		newTestEntry("p1", "u1", now.Add(time.Hour)),
		newTestEntry("p2", "u1", now.Add(2*time.Hour)),
		newTestEntry("claimed", "u1", now.Add(-time.Minute)),
		newTestEntry("other", "u2", now.Add(time.Hour)),
	} {
		if err := s.Insert(ctx, e); err != nil {
			t.Fatalf("insert %s: %v", e.ID, err)
		}
	}
	if _, err := s.TryClaim(ctx, "claimed", now); err != nil {
		t.Fatalf("claim: %v", err)
	}

	n, err := s.CancelNonterminal(ctx, "u1", now)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 cancelled, got %d", n)
	}
	if e, _ := s.Get("claimed"); e.Status != StatusProcessing {
		t.Fatalf("processing entry should be untouched, got %s", e.Status)
	}
	if e, _ := s.Get("other"); e.Status != StatusPending {
		t.Fatalf("other user's entry should be untouched, got %s", e.Status)
	}
}

func TestReclaimStale(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()
	s := NewMemoryStore()

	fresh := newTestEntry("fresh", "u1", now.Add(-time.Hour))
	stale := newTestEntry("stale", "u1", now.Add(-time.Hour))
	spent := newTestEntry("spent", "u1", now.Add(-time.Hour))
	spent.AttemptCount = 2 // claim below brings it to max
	for _, e := range []Entry{fresh, stale, spent} {
		if err := s.Insert(ctx, e); err != nil {
			t.Fatalf("insert %s: %v", e.ID, err)
		}
	}

	claimedAt := now.Add(-20 * time.Minute)
	if _, err := s.TryClaim(ctx, "stale", claimedAt); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := s.TryClaim(ctx, "spent", claimedAt); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := s.TryClaim(ctx, "fresh", now.Add(-time.Minute)); err != nil {
		t.Fatalf("claim: %v", err)
	}

	out, err := s.ReclaimStale(ctx, now, 15*time.Minute)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 reclaimed, got %d", len(out))
	}

	if e, _ := s.Get("stale"); e.Status != StatusPending {
		t.Fatalf("stale with attempts left should return to pending, got %s", e.Status)
	}
	if e, _ := s.Get("spent"); e.Status != StatusFailed || e.FailureReason == "" {
		t.Fatalf("spent should fail terminally with a reason: %+v", e)
	}
	if e, _ := s.Get("fresh"); e.Status != StatusProcessing {
		t.Fatalf("fresh processing entry should be untouched, got %s", e.Status)
	}
}

func TestReclaimStale_CutoffIsExclusive(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()
	s := NewMemoryStore()

	at := newTestEntry("at-cutoff", "u1", now.Add(-time.Hour))
	past := newTestEntry("past-cutoff", "u1", now.Add(-time.Hour))
	for _, e := range []Entry{at, past} {
		if err := s.Insert(ctx, e); err != nil {
			t.Fatalf("insert %s: %v", e.ID, err)
		}
	}
	if _, err := s.TryClaim(ctx, "at-cutoff", now.Add(-15*time.Minute)); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := s.TryClaim(ctx, "past-cutoff", now.Add(-15*time.Minute-time.Second)); err != nil {
		t.Fatalf("claim: %v", err)
	}

	out, err := s.ReclaimStale(ctx, now, 15*time.Minute)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	// last_attempt_at must be strictly older than the cutoff, same as the
	// SQL predicate.
	if len(out) != 1 || out[0].ID != "past-cutoff" {
		t.Fatalf("expected only past-cutoff reclaimed, got %+v", out)
	}
	if e, _ := s.Get("at-cutoff"); e.Status != StatusProcessing {
		t.Fatalf("entry at the exact cutoff should stay processing, got %s", e.Status)
	}
}
