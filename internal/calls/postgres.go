package calls

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore persists call records in the call_records table.
//
// Update is a single compare-and-set UPDATE keyed on (id, status); row locking
// serializes racing producers, so the tracker never needs a transaction
// spanning read and write.
//
// Assumed schema:
//   call_records (
//     id UUID PRIMARY KEY, user_id UUID NOT NULL,
//     scheduled_call_id UUID, provider_call_id TEXT, room_name TEXT, room_sid TEXT,
//     phone_number TEXT, status TEXT NOT NULL,
//     started_at TIMESTAMPTZ, ended_at TIMESTAMPTZ, duration_seconds INT NOT NULL DEFAULT 0,
//     failure_reason TEXT, transcript TEXT, summary TEXT,
//     created_at TIMESTAMPTZ NOT NULL, updated_at TIMESTAMPTZ NOT NULL
//   )
//   with a unique index on provider_call_id (nulls allowed).
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

const recordColumns = `
id, user_id, scheduled_call_id, provider_call_id, room_name, room_sid, phone_number, status,
started_at, ended_at, duration_seconds, failure_reason, transcript, summary,
created_at, updated_at`

func scanRecord(row interface{ Scan(...any) error }) (CallRecord, error) {
	var rec CallRecord
	var scheduledCallID, providerCallID, roomName, roomSID, phone, failure, transcript, summary sql.NullString
	var startedAt, endedAt sql.NullTime
	err := row.Scan(
		&rec.ID,
		&rec.UserID,
		&scheduledCallID,
		&providerCallID,
		&roomName,
		&roomSID,
		&phone,
		&rec.Status,
		&startedAt,
		&endedAt,
		&rec.DurationSeconds,
		&failure,
		&transcript,
		&summary,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return CallRecord{}, err
	}
	rec.ScheduledCallID = scheduledCallID.String
	rec.ProviderCallID = providerCallID.String
	rec.RoomName = roomName.String
	rec.RoomSID = roomSID.String
	rec.PhoneNumber = phone.String
	rec.FailureReason = failure.String
	rec.Transcript = transcript.String
	rec.Summary = summary.String
	if startedAt.Valid {
		t := startedAt.Time
		rec.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		rec.EndedAt = &t
	}
	return rec, nil
}

func (s *PostgresStore) Insert(ctx context.Context, rec CallRecord) error {
	const q = `
INSERT INTO call_records (
  id, user_id, scheduled_call_id, provider_call_id, room_name, room_sid, phone_number, status,
  started_at, ended_at, duration_seconds, failure_reason, transcript, summary,
  created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
`
	_, err := s.db.ExecContext(ctx, q,
		rec.ID,
		rec.UserID,
		nullable(rec.ScheduledCallID),
		nullable(rec.ProviderCallID),
		nullable(rec.RoomName),
		nullable(rec.RoomSID),
		nullable(rec.PhoneNumber),
		rec.Status,
		rec.StartedAt,
		rec.EndedAt,
		rec.DurationSeconds,
		nullable(rec.FailureReason),
		nullable(rec.Transcript),
		nullable(rec.Summary),
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (CallRecord, error) {
	const q = `SELECT ` + recordColumns + ` FROM call_records WHERE id = $1`
	rec, err := scanRecord(s.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CallRecord{}, ErrNotFound
		}
		return CallRecord{}, err
	}
	return rec, nil
}

func (s *PostgresStore) GetByProviderCallID(ctx context.Context, providerCallID string) (CallRecord, error) {
	if providerCallID == "" {
		return CallRecord{}, ErrNotFound
	}
	const q = `SELECT ` + recordColumns + ` FROM call_records WHERE provider_call_id = $1`
	rec, err := scanRecord(s.db.QueryRowContext(ctx, q, providerCallID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CallRecord{}, ErrNotFound
		}
		return CallRecord{}, err
	}
	return rec, nil
}

func (s *PostgresStore) Update(ctx context.Context, rec CallRecord, expectedStatus CallStatus) error {
	const q = `
UPDATE call_records
SET scheduled_call_id = $3, provider_call_id = $4, room_name = $5, room_sid = $6,
    phone_number = $7, status = $8, started_at = $9, ended_at = $10,
    duration_seconds = $11, failure_reason = $12, transcript = $13, summary = $14,
    updated_at = $15
WHERE id = $1 AND status = $2
`
	res, err := s.db.ExecContext(ctx, q,
		rec.ID,
		expectedStatus,
		nullable(rec.ScheduledCallID),
		nullable(rec.ProviderCallID),
		nullable(rec.RoomName),
		nullable(rec.RoomSID),
		nullable(rec.PhoneNumber),
		rec.Status,
		rec.StartedAt,
		rec.EndedAt,
		rec.DurationSeconds,
		nullable(rec.FailureReason),
		nullable(rec.Transcript),
		nullable(rec.Summary),
		rec.UpdatedAt,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.Get(ctx, rec.ID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]CallRecord, error) {
	const q = `
SELECT ` + recordColumns + `
FROM call_records
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2
`
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, q, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CallRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListByUserRange returns the user's records created within [from, to).
func (s *PostgresStore) ListByUserRange(ctx context.Context, userID string, from, to time.Time) ([]CallRecord, error) {
	const q = `
SELECT ` + recordColumns + `
FROM call_records
WHERE user_id = $1 AND created_at >= $2 AND created_at < $3
ORDER BY created_at ASC
`
	rows, err := s.db.QueryContext(ctx, q, userID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CallRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
