package audit

import (
	"context"
	"database/sql"
)

// PostgresRepo appends dispatch events to the dispatch_events table.
// INSERT-only; no update or delete statements exist in this package.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO dispatch_events (
  id, user_id, type, scheduled_call_id, call_record_id, attempt_count, message, metadata, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		e.UserID,
		e.Type,
		emptyNull(e.ScheduledCallID),
		emptyNull(e.CallRecordID),
		e.AttemptCount,
		emptyNull(e.Message),
		emptyNull(e.Metadata),
		e.CreatedAt,
	)
	return err
}

func emptyNull(s string) any {
	if s == "" {
		return nil
	}
	return s
}
