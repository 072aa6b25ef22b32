package reporting

import (
	"context"
	"errors"
	"sync"
	"time"

	"checkin-platform/internal/calls"
)

// MemoryRepo is a simple in-memory reporting repository for tests and early
// development. It enforces user isolation on reads.

type MemoryRepo struct {
	mu sync.Mutex

	Calls []calls.CallRecord
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) ListCalls(ctx context.Context, userID string, from, to time.Time) ([]calls.CallRecord, error) {
	if userID == "" {
		return nil, errors.New("user_id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]calls.CallRecord, 0)
	for _, c := range r.Calls {
		if c.UserID != userID {
			continue
		}
		if !c.CreatedAt.IsZero() {
			if c.CreatedAt.Before(from) || !c.CreatedAt.Before(to) {
				continue
			}
		}
		out = append(out, c)
	}
	return out, nil
}
