package reporting

import (
	"context"
	"errors"
	"time"

	"checkin-platform/internal/calls"
)

// PostgresRepo reads call history through the calls store. Reporting owns no
// tables of its own.
type PostgresRepo struct {
	calls *calls.PostgresStore
}

func NewPostgresRepo(store *calls.PostgresStore) *PostgresRepo {
	return &PostgresRepo{calls: store}
}

func (r *PostgresRepo) ListCalls(ctx context.Context, userID string, from, to time.Time) ([]calls.CallRecord, error) {
	if userID == "" {
		return nil, errors.New("user_id required")
	}
	return r.calls.ListByUserRange(ctx, userID, from, to)
}
