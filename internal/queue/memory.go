package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and early development. It
// honors the same conditional-update contract as the Postgres store: every
// status mutation checks the current status under the lock.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]Entry{}}
}

func (s *MemoryStore) Insert(ctx context.Context, e Entry) error {
	if err := validate(e, e.CreatedAt); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[e.ID]; ok {
		return ErrConflict
	}
	s.entries[e.ID] = e
	return nil
}

func (s *MemoryStore) InsertBatch(ctx context.Context, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if err := validate(e, e.CreatedAt); err != nil {
			return err
		}
		if _, ok := s.entries[e.ID]; ok {
			return ErrConflict
		}
	}
	for _, e := range entries {
		s.entries[e.ID] = e
	}
	return nil
}

func (s *MemoryStore) GetDue(ctx context.Context, now time.Time) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.entries {
		if e.Status == StatusPending && !e.ScheduledFor.After(now) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	return out, nil
}

func (s *MemoryStore) TryClaim(ctx context.Context, id string, now time.Time) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	if e.Status != StatusPending {
		return Entry{}, ErrConflict
	}
	e.Status = StatusProcessing
	e.AttemptCount++
	at := now
	e.LastAttemptAt = &at
	e.UpdatedAt = now
	s.entries[id] = e
	return e, nil
}

func (s *MemoryStore) SetStatus(ctx context.Context, id string, status Status, upd StatusUpdate, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status.Terminal() {
		return ErrConflict
	}
	e.Status = status
	if upd.CallRecordID != "" {
		e.CallRecordID = upd.CallRecordID
	}
	if upd.FailureReason != "" {
		e.FailureReason = upd.FailureReason
	}
	e.UpdatedAt = now
	s.entries[id] = e
	return nil
}

func (s *MemoryStore) Cancel(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status != StatusPending {
		return ErrConflict
	}
	e.Status = StatusCanceled
	e.UpdatedAt = now
	s.entries[id] = e
	return nil
}

func (s *MemoryStore) CancelNonterminal(ctx context.Context, userID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.entries {
		if e.UserID == userID && e.Status == StatusPending {
			e.Status = StatusCanceled
			e.UpdatedAt = now
			s.entries[id] = e
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListNonterminal(ctx context.Context, userID string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.entries {
		if e.UserID == userID && !e.Status.Terminal() {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	return out, nil
}

func (s *MemoryStore) ListPending(ctx context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.entries {
		if e.Status == StatusPending {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	return out, nil
}

func (s *MemoryStore) ReclaimStale(ctx context.Context, now time.Time, olderThan time.Duration) ([]Entry, error) {
	cutoff := now.Add(-olderThan)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for id, e := range s.entries {
		if e.Status != StatusProcessing {
			continue
		}
		// Strictly before the cutoff, matching the SQL comparison.
		if e.LastAttemptAt == nil || !e.LastAttemptAt.Before(cutoff) {
			continue
		}
		if e.AttemptCount >= e.MaxAttempts {
			e.Status = StatusFailed
			e.FailureReason = "reclaimed: processing past its lifetime with no attempts left"
		} else {
			e.Status = StatusPending
		}
		e.UpdatedAt = now
		s.entries[id] = e
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	return out, nil
}

// Get returns a snapshot of one entry (test helper).
func (s *MemoryStore) Get(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return e, ok
}
