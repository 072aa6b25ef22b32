package calls

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for tests and early development. Update
// honors the same compare-and-set contract as the Postgres store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]CallRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]CallRecord{}}
}

func (s *MemoryStore) Insert(ctx context.Context, rec CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; ok {
		return ErrConflict
	}
	s.records[rec.ID] = rec
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) GetByProviderCallID(ctx context.Context, providerCallID string) (CallRecord, error) {
	if providerCallID == "" {
		return CallRecord{}, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.ProviderCallID == providerCallID {
			return rec, nil
		}
	}
	return CallRecord{}, ErrNotFound
}

func (s *MemoryStore) Update(ctx context.Context, rec CallRecord, expectedStatus CallStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[rec.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != expectedStatus {
		return ErrConflict
	}
	s.records[rec.ID] = rec
	return nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []CallRecord
	for _, rec := range s.records {
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
