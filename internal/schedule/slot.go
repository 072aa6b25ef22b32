package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Slot is one configured weekly check-in time: weekday + local time of day.
// Weekday uses 0=Sunday .. 6=Saturday, matching time.Weekday.
//
// Slots are immutable values; identity is (Weekday, TimeOfDay).
type Slot struct {
	Weekday   int    `json:"weekday"`
	TimeOfDay string `json:"time_of_day"` // local "HH:MM"
	Label     string `json:"label,omitempty"`
}

// Config is a user's weekly call schedule. Owned by the settings module;
// this package only reads it.
type Config struct {
	UserID   string `json:"user_id"`
	Slots    []Slot `json:"slots"`
	Timezone string `json:"timezone"` // IANA name, e.g. "America/New_York"
	Enabled  bool   `json:"enabled"`
}

var ErrInvalidSlot = errors.New("schedule: invalid slot")

// SlotError reports a single malformed slot. Bad slots are excluded from
// occurrence computation; they never fail the whole schedule.
type SlotError struct {
	Slot Slot
	Err  error
}

func (e SlotError) Error() string {
	return fmt.Sprintf("slot weekday=%d time=%q: %v", e.Slot.Weekday, e.Slot.TimeOfDay, e.Err)
}

func (e SlotError) Unwrap() error { return e.Err }

// Validate checks weekday range and time format.
func (s Slot) Validate() error {
	if s.Weekday < 0 || s.Weekday > 6 {
		return fmt.Errorf("%w: weekday %d out of range 0-6", ErrInvalidSlot, s.Weekday)
	}
	if _, _, err := parseTimeOfDay(s.TimeOfDay); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSlot, err)
	}
	return nil
}

// SameTime reports whether two slots denote the same weekday + local time.
// Labels are display-only and ignored.
func (s Slot) SameTime(o Slot) bool {
	return s.Weekday == o.Weekday && s.TimeOfDay == o.TimeOfDay
}

func parseTimeOfDay(v string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(v), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("time %q is not HH:MM", v)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("time %q is not HH:MM", v)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("time %q is not HH:MM", v)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("time %q out of range", v)
	}
	return hour, minute, nil
}
