package settings

import (
	"context"
	"errors"
	"strings"
	"time"

	"checkin-platform/internal/schedule"
)

var ErrNotFound = errors.New("settings: user not found")

// UserSettings is the per-user configuration the dispatcher validates
// against. Owned by the settings module; other modules only read it.
type UserSettings struct {
	UserID string `json:"user_id" db:"user_id"`
	Name   string `json:"name,omitempty" db:"name"`
	Email  string `json:"email,omitempty" db:"email"`

	PhoneNumber      string `json:"phone_number,omitempty" db:"phone_number"`
	PhoneCountryCode string `json:"phone_country_code,omitempty" db:"phone_country_code"`
	PhoneVerified    bool   `json:"phone_verified" db:"phone_verified"`

	CallsEnabled bool            `json:"calls_enabled" db:"calls_enabled"`
	Timezone     string          `json:"timezone" db:"timezone"`
	Slots        []schedule.Slot `json:"checkin_schedule" db:"checkin_schedule"`

	// NextScheduledCall is a denormalized mirror of the earliest pending
	// entry, maintained best-effort after reconciles. Display-only.
	NextScheduledCall *time.Time `json:"next_scheduled_call,omitempty" db:"next_scheduled_call"`
}

// ScheduleConfig projects the settings into the calculator's view.
func (u UserSettings) ScheduleConfig() schedule.Config {
	return schedule.Config{
		UserID:   u.UserID,
		Slots:    u.Slots,
		Timezone: u.Timezone,
		Enabled:  u.CallsEnabled,
	}
}

// DialNumber returns the E.164 number to dial, prefixing the country code
// when the stored number lacks one. Empty when no number is configured.
func (u UserSettings) DialNumber() string {
	n := strings.TrimSpace(u.PhoneNumber)
	if n == "" {
		return ""
	}
	if strings.HasPrefix(n, "+") {
		return n
	}
	cc := strings.TrimSpace(u.PhoneCountryCode)
	if cc == "" {
		cc = "+1"
	}
	return cc + n
}

// Provider reads user settings and maintains the next-call mirror.
type Provider interface {
	Get(ctx context.Context, userID string) (UserSettings, error)

	// SetNextScheduledCall updates the denormalized mirror. Best-effort:
	// callers log failures and move on.
	SetNextScheduledCall(ctx context.Context, userID string, at *time.Time) error
}
