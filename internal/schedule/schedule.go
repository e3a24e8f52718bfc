// Package schedule implements the closed schedule grammar of spec.md §6.2.
// There is no cron-expression parser here by design (explicit Non-goal,
// spec.md §1): every JobDefinition schedule is one of five enumerated
// shapes, and "next run at or after T" always rounds up to the nearest grid
// point of the selected domain in the system time zone.
package schedule

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fleetctl/coordinator/internal/pkg/ctlerrors"
)

// Kind enumerates the closed grammar.
type Kind string

const (
	KindEveryNMinutes Kind = "every_n_minutes"
	KindHourly        Kind = "hourly"
	KindDaily         Kind = "daily"
	KindWeekdays      Kind = "weekdays"
	KindWeekly        Kind = "weekly"
)

// Descriptor is a parsed schedule. Only the fields relevant to Kind are
// populated; the rest are zero.
type Descriptor struct {
	Kind    Kind
	N       int    // every_n_minutes
	Minute  int    // hourly: 0..59
	Time    string // daily/weekdays/weekly: "HH:MM"
	Weekday int    // weekly: 0..6, 0=Mon
}

// wireDescriptor mirrors the JSON shape stored in JobDefinition.Schedule.
type wireDescriptor struct {
	Kind    string `json:"kind"`
	N       int    `json:"n,omitempty"`
	Minute  int    `json:"minute,omitempty"`
	Time    string `json:"time,omitempty"`
	Weekday int    `json:"weekday"`
}

// Parse decodes and validates a schedule descriptor against the closed
// grammar. Anything outside it is ErrInvalidSchedule, never "guessed" into
// shape — spec.md §7 says the engine treats unknown grammar as a disabled
// definition, not a best-effort parse.
func Parse(raw []byte) (Descriptor, error) {
	var w wireDescriptor
	if err := json.Unmarshal(raw, &w); err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ctlerrors.ErrInvalidSchedule, err)
	}
	d := Descriptor{Kind: Kind(w.Kind), N: w.N, Minute: w.Minute, Time: w.Time, Weekday: w.Weekday}
	switch d.Kind {
	case KindEveryNMinutes:
		if d.N < 1 {
			return Descriptor{}, fmt.Errorf("%w: every_n_minutes.n must be >= 1", ctlerrors.ErrInvalidSchedule)
		}
	case KindHourly:
		if d.Minute < 0 || d.Minute > 59 {
			return Descriptor{}, fmt.Errorf("%w: hourly.minute must be 0..59", ctlerrors.ErrInvalidSchedule)
		}
	case KindDaily, KindWeekdays:
		if _, _, err := parseHHMM(d.Time); err != nil {
			return Descriptor{}, fmt.Errorf("%w: %v", ctlerrors.ErrInvalidSchedule, err)
		}
	case KindWeekly:
		if d.Weekday < 0 || d.Weekday > 6 {
			return Descriptor{}, fmt.Errorf("%w: weekly.weekday must be 0..6", ctlerrors.ErrInvalidSchedule)
		}
		if _, _, err := parseHHMM(d.Time); err != nil {
			return Descriptor{}, fmt.Errorf("%w: %v", ctlerrors.ErrInvalidSchedule, err)
		}
	default:
		return Descriptor{}, fmt.Errorf("%w: unknown kind %q", ctlerrors.ErrInvalidSchedule, w.Kind)
	}
	return d, nil
}

func parseHHMM(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("time %q is not HH:MM: %w", s, err)
	}
	return t.Hour(), t.Minute(), nil
}

// weekdayMonZero converts Go's time.Weekday (0=Sunday) to the grammar's
// 0=Monday convention.
func weekdayMonZero(t time.Time) int {
	wd := int(t.Weekday())
	return (wd + 6) % 7
}

// NextRunAt returns the earliest grid point of d at or after now, in loc.
func NextRunAt(d Descriptor, loc *time.Location, now time.Time) (time.Time, error) {
	now = now.In(loc)
	switch d.Kind {
	case KindEveryNMinutes:
		return nextEveryNMinutes(d.N, now), nil

	case KindHourly:
		candidate := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), d.Minute, 0, 0, loc)
		if candidate.Before(now) {
			candidate = candidate.Add(time.Hour)
		}
		return candidate, nil

	case KindDaily:
		return nextAtTimeOfDay(now, loc, d.Time, nil)

	case KindWeekdays:
		return nextAtTimeOfDay(now, loc, d.Time, func(t time.Time) bool {
			wd := weekdayMonZero(t)
			return wd >= 0 && wd <= 4
		})

	case KindWeekly:
		return nextAtTimeOfDay(now, loc, d.Time, func(t time.Time) bool {
			return weekdayMonZero(t) == d.Weekday
		})

	default:
		return time.Time{}, fmt.Errorf("%w: unknown kind %q", ctlerrors.ErrInvalidSchedule, d.Kind)
	}
}

// nextEveryNMinutes rounds up to the nearest epoch-minute multiple of n, as
// spec.md §6.2 defines the every_n_minutes grid.
func nextEveryNMinutes(n int, now time.Time) time.Time {
	epochMin := now.Unix() / 60
	rem := epochMin % int64(n)
	base := now.Truncate(time.Minute)
	if rem == 0 && now.Equal(base) {
		return base
	}
	var add int64
	if rem == 0 {
		add = int64(n)
	} else {
		add = int64(n) - rem
	}
	return base.Add(time.Duration(add) * time.Minute)
}

// nextAtTimeOfDay finds the next day (optionally filtered by accept) whose
// HH:MM instant is at or after now.
func nextAtTimeOfDay(now time.Time, loc *time.Location, hhmm string, accept func(time.Time) bool) (time.Time, error) {
	hour, minute, err := parseHHMM(hhmm)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ctlerrors.ErrInvalidSchedule, err)
	}
	day := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, loc)
	for i := 0; i < 8; i++ {
		candidate := day.AddDate(0, 0, i)
		if candidate.Before(now) {
			continue
		}
		if accept == nil || accept(candidate) {
			return candidate, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: no matching day found within a week", ctlerrors.ErrInvalidSchedule)
}
