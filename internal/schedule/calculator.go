package schedule

import (
	"errors"
	"fmt"
	"time"
)

// TimeWindow is a coarse morning/afternoon/evening label derived from the
// local dispatch hour. Display-only; it never drives scheduling decisions.
type TimeWindow string

const (
	TimeWindowMorning   TimeWindow = "morning"
	TimeWindowAfternoon TimeWindow = "afternoon"
	TimeWindowEvening   TimeWindow = "evening"
)

// TimeWindowFor maps a local hour to its display window.
func TimeWindowFor(localHour int) TimeWindow {
	switch {
	case localHour < 12:
		return TimeWindowMorning
	case localHour < 17:
		return TimeWindowAfternoon
	default:
		return TimeWindowEvening
	}
}

var (
	ErrNoValidSlots    = errors.New("schedule: no valid slots")
	ErrUnknownTimezone = errors.New("schedule: unknown timezone")
)

// Occurrence is one computed future fire time for a slot.
type Occurrence struct {
	Slot   Slot
	At     time.Time  // UTC
	Window TimeWindow // derived from the local hour of At
}

// NextOccurrencePerSlot computes the next UTC fire time for every valid slot.
//
// For each slot the candidate is built at the slot's weekday/time in the
// current local week; a candidate at or before now rolls forward 7 days, so a
// slot never fires at the exact instant of equality. DST shifts are handled
// by constructing the candidate directly in the location.
//
// Malformed slots are reported in the returned SlotError list and excluded;
// they never fail the whole computation. Only an unknown timezone is a hard
// error.
func NextOccurrencePerSlot(slots []Slot, timezone string, nowUTC time.Time) ([]Occurrence, []SlotError, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownTimezone, timezone)
	}
	nowLocal := nowUTC.In(loc)

	var out []Occurrence
	var slotErrs []SlotError
	for _, s := range slots {
		if err := s.Validate(); err != nil {
			slotErrs = append(slotErrs, SlotError{Slot: s, Err: err})
			continue
		}
		hour, minute, _ := parseTimeOfDay(s.TimeOfDay)

		daysAhead := (s.Weekday - int(nowLocal.Weekday()) + 7) % 7
		cand := time.Date(nowLocal.Year(), nowLocal.Month(), nowLocal.Day()+daysAhead, hour, minute, 0, 0, loc)
		if !cand.After(nowLocal) {
			cand = cand.AddDate(0, 0, 7)
		}

		out = append(out, Occurrence{
			Slot:   s,
			At:     cand.UTC(),
			Window: TimeWindowFor(cand.Hour()),
		})
	}
	return out, slotErrs, nil
}

// NextOccurrence returns the earliest upcoming occurrence across all slots.
// Ties break by slot declaration order.
func NextOccurrence(slots []Slot, timezone string, nowUTC time.Time) (Occurrence, error) {
	occs, _, err := NextOccurrencePerSlot(slots, timezone, nowUTC)
	if err != nil {
		return Occurrence{}, err
	}
	if len(occs) == 0 {
		return Occurrence{}, ErrNoValidSlots
	}
	best := occs[0]
	for _, o := range occs[1:] {
		if o.At.Before(best.At) {
			best = o
		}
	}
	return best, nil
}
