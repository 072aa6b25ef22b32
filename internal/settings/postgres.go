package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"checkin-platform/internal/schedule"
)

// PostgresProvider reads user settings from the user_settings table. The
// weekly slot set is stored as a JSONB array.
//
// Assumed schema:
//   user_settings (
//     user_id UUID PRIMARY KEY, name TEXT, email TEXT,
//     phone_number TEXT, phone_country_code TEXT, phone_verified BOOL NOT NULL DEFAULT false,
//     calls_enabled BOOL NOT NULL DEFAULT true, timezone TEXT NOT NULL,
//     checkin_schedule JSONB NOT NULL DEFAULT '[]',
//     next_scheduled_call TIMESTAMPTZ, updated_at TIMESTAMPTZ NOT NULL
//   )
type PostgresProvider struct {
	db *sql.DB
}

func NewPostgresProvider(db *sql.DB) *PostgresProvider { return &PostgresProvider{db: db} }

func (p *PostgresProvider) Get(ctx context.Context, userID string) (UserSettings, error) {
	const q = `
SELECT user_id, name, email, phone_number, phone_country_code, phone_verified,
       calls_enabled, timezone, checkin_schedule, next_scheduled_call
FROM user_settings
WHERE user_id = $1
`
	var u UserSettings
	var name, email, phone, cc sql.NullString
	var slotsJSON []byte
	var next sql.NullTime
	err := p.db.QueryRowContext(ctx, q, userID).Scan(
		&u.UserID,
		&name,
		&email,
		&phone,
		&cc,
		&u.PhoneVerified,
		&u.CallsEnabled,
		&u.Timezone,
		&slotsJSON,
		&next,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UserSettings{}, ErrNotFound
		}
		return UserSettings{}, err
	}
	u.Name = name.String
	u.Email = email.String
	u.PhoneNumber = phone.String
	u.PhoneCountryCode = cc.String
	if next.Valid {
		t := next.Time
		u.NextScheduledCall = &t
	}
	if len(slotsJSON) > 0 {
		var slots []schedule.Slot
		if err := json.Unmarshal(slotsJSON, &slots); err != nil {
			return UserSettings{}, fmt.Errorf("settings: decode checkin_schedule for %s: %w", userID, err)
		}
		u.Slots = slots
	}
	return u, nil
}

func (p *PostgresProvider) SetNextScheduledCall(ctx context.Context, userID string, at *time.Time) error {
	const q = `
UPDATE user_settings
SET next_scheduled_call = $2, updated_at = now()
WHERE user_id = $1
`
	res, err := p.db.ExecContext(ctx, q, userID, at)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
