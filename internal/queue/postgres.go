package queue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"checkin-platform/pkg/utils"
)

// PostgresStore persists scheduled calls in the scheduled_calls table.
//
// The conditional-update contract rides on single-statement compare-and-set
// UPDATEs (`WHERE status = ...`): Postgres row locking guarantees that of two
// racing claims exactly one sees status='pending'. No explicit transactions
// or advisory locks are needed for correctness.
//
// Assumed schema:
//   scheduled_calls (
//     id UUID PRIMARY KEY, user_id UUID NOT NULL,
//     scheduled_for TIMESTAMPTZ NOT NULL, time_window TEXT NOT NULL,
//     slot_weekday INT NOT NULL, slot_time TEXT NOT NULL, slot_label TEXT,
//     status TEXT NOT NULL, attempt_count INT NOT NULL, max_attempts INT NOT NULL,
//     last_attempt_at TIMESTAMPTZ, call_record_id UUID, failure_reason TEXT,
//     created_at TIMESTAMPTZ NOT NULL, updated_at TIMESTAMPTZ NOT NULL
//   )
//   with an index on (status, scheduled_for) for GetDue.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

const entryColumns = `
id, user_id, scheduled_for, time_window, slot_weekday, slot_time, slot_label,
status, attempt_count, max_attempts, last_attempt_at, call_record_id, failure_reason,
created_at, updated_at`

func scanEntry(row interface{ Scan(...any) error }) (Entry, error) {
	var e Entry
	var lastAttempt sql.NullTime
	var callRecordID, failureReason, slotLabel sql.NullString
	err := row.Scan(
		&e.ID,
		&e.UserID,
		&e.ScheduledFor,
		&e.TimeWindow,
		&e.SlotWeekday,
		&e.SlotTime,
		&slotLabel,
		&e.Status,
		&e.AttemptCount,
		&e.MaxAttempts,
		&lastAttempt,
		&callRecordID,
		&failureReason,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return Entry{}, err
	}
	if lastAttempt.Valid {
		t := lastAttempt.Time
		e.LastAttemptAt = &t
	}
	e.SlotLabel = slotLabel.String
	e.CallRecordID = callRecordID.String
	e.FailureReason = failureReason.String
	return e, nil
}

func (s *PostgresStore) Insert(ctx context.Context, e Entry) error {
	return insertEntry(ctx, s.db, e)
}

// InsertBatch wraps the inserts in one transaction: all entries land or none.
func (s *PostgresStore) InsertBatch(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	return utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		for _, e := range entries {
			if err := insertEntry(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEntry(ctx context.Context, ex execer, e Entry) error {
	if err := validate(e, e.CreatedAt); err != nil {
		return err
	}
	const q = `
INSERT INTO scheduled_calls (
  id, user_id, scheduled_for, time_window, slot_weekday, slot_time, slot_label,
  status, attempt_count, max_attempts, last_attempt_at, call_record_id, failure_reason,
  created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
`
	_, err := ex.ExecContext(ctx, q,
		e.ID,
		e.UserID,
		e.ScheduledFor,
		e.TimeWindow,
		e.SlotWeekday,
		e.SlotTime,
		nullStr(e.SlotLabel),
		e.Status,
		e.AttemptCount,
		e.MaxAttempts,
		e.LastAttemptAt,
		nullStr(e.CallRecordID),
		nullStr(e.FailureReason),
		e.CreatedAt,
		e.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetDue(ctx context.Context, now time.Time) ([]Entry, error) {
	const q = `
SELECT ` + entryColumns + `
FROM scheduled_calls
WHERE status = 'pending' AND scheduled_for <= $1
ORDER BY scheduled_for ASC
`
	return s.queryEntries(ctx, q, now)
}

func (s *PostgresStore) TryClaim(ctx context.Context, id string, now time.Time) (Entry, error) {
	// Claim is a single CAS: only one concurrent caller observes 'pending'.
	const q = `
UPDATE scheduled_calls
SET status = 'processing',
    attempt_count = attempt_count + 1,
    last_attempt_at = $2,
    updated_at = $2
WHERE id = $1 AND status = 'pending'
RETURNING ` + entryColumns + `
`
	e, err := scanEntry(s.db.QueryRowContext(ctx, q, id, now))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, s.claimMiss(ctx, id)
		}
		return Entry{}, err
	}
	return e, nil
}

// claimMiss distinguishes a lost race from a missing row.
func (s *PostgresStore) claimMiss(ctx context.Context, id string) error {
	const q = `SELECT 1 FROM scheduled_calls WHERE id = $1`
	var one int
	if err := s.db.QueryRowContext(ctx, q, id).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return ErrConflict
}

func (s *PostgresStore) SetStatus(ctx context.Context, id string, status Status, upd StatusUpdate, now time.Time) error {
	const q = `
UPDATE scheduled_calls
SET status = $2,
    call_record_id = COALESCE(NULLIF($3, ''), call_record_id),
    failure_reason = COALESCE(NULLIF($4, ''), failure_reason),
    updated_at = $5
WHERE id = $1 AND status NOT IN ('completed','failed','skipped','canceled')
`
	res, err := s.db.ExecContext(ctx, q, id, status, upd.CallRecordID, upd.FailureReason, now)
	if err != nil {
		return err
	}
	return s.affectedOrMiss(ctx, res, id)
}

func (s *PostgresStore) Cancel(ctx context.Context, id string, now time.Time) error {
	const q = `
UPDATE scheduled_calls
SET status = 'canceled', updated_at = $2
WHERE id = $1 AND status = 'pending'
`
	res, err := s.db.ExecContext(ctx, q, id, now)
	if err != nil {
		return err
	}
	return s.affectedOrMiss(ctx, res, id)
}

func (s *PostgresStore) affectedOrMiss(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.claimMiss(ctx, id)
	}
	return nil
}

func (s *PostgresStore) CancelNonterminal(ctx context.Context, userID string, now time.Time) (int, error) {
	const q = `
UPDATE scheduled_calls
SET status = 'canceled', updated_at = $2
WHERE user_id = $1 AND status = 'pending'
`
	res, err := s.db.ExecContext(ctx, q, userID, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) ListNonterminal(ctx context.Context, userID string) ([]Entry, error) {
	const q = `
SELECT ` + entryColumns + `
FROM scheduled_calls
WHERE user_id = $1 AND status IN ('pending','processing')
ORDER BY scheduled_for ASC
`
	return s.queryEntries(ctx, q, userID)
}

func (s *PostgresStore) ListPending(ctx context.Context) ([]Entry, error) {
	const q = `
SELECT ` + entryColumns + `
FROM scheduled_calls
WHERE status = 'pending'
ORDER BY scheduled_for ASC
`
	return s.queryEntries(ctx, q)
}

func (s *PostgresStore) ReclaimStale(ctx context.Context, now time.Time, olderThan time.Duration) ([]Entry, error) {
	const q = `
UPDATE scheduled_calls
SET status = CASE WHEN attempt_count >= max_attempts THEN 'failed' ELSE 'pending' END,
    failure_reason = CASE WHEN attempt_count >= max_attempts
                          THEN 'reclaimed: processing past its lifetime with no attempts left'
                          ELSE failure_reason END,
    updated_at = $1
WHERE status = 'processing' AND last_attempt_at IS NOT NULL AND last_attempt_at < $2
RETURNING ` + entryColumns + `
`
	rows, err := s.db.QueryContext(ctx, q, now, now.Add(-olderThan))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

func (s *PostgresStore) queryEntries(ctx context.Context, q string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

func collectEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
