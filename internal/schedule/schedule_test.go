package schedule

import (
	"testing"
	"time"
)

func mustLoc(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("UTC")
	if err != nil {
		t.Fatalf("load UTC: %v", err)
	}
	return loc
}

func TestParse_RejectsUnknownKind(t *testing.T) {
	if _, err := Parse([]byte(`{"kind":"cron","expr":"* * * * *"}`)); err == nil {
		t.Fatal("expected unknown kind to be rejected, not best-effort parsed")
	}
}

func TestParse_EveryNMinutesRequiresPositiveN(t *testing.T) {
	if _, err := Parse([]byte(`{"kind":"every_n_minutes","n":0}`)); err == nil {
		t.Fatal("n=0 must be rejected")
	}
	d, err := Parse([]byte(`{"kind":"every_n_minutes","n":5}`))
	if err != nil || d.N != 5 {
		t.Fatalf("d=%+v err=%v", d, err)
	}
}

func TestNextRunAt_EveryNMinutesRoundsUpToGrid(t *testing.T) {
	loc := mustLoc(t)
	now := time.Date(2026, 1, 1, 10, 3, 30, 0, loc)
	got, err := NextRunAt(Descriptor{Kind: KindEveryNMinutes, N: 5}, loc, now)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	want := time.Date(2026, 1, 1, 10, 5, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestNextRunAt_EveryNMinutesExactlyOnGrid(t *testing.T) {
	loc := mustLoc(t)
	now := time.Date(2026, 1, 1, 10, 5, 0, 0, loc)
	got, err := NextRunAt(Descriptor{Kind: KindEveryNMinutes, N: 5}, loc, now)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if !got.Equal(now) {
		t.Fatalf("on-grid instant should return itself: got %v, want %v", got, now)
	}
}

func TestNextRunAt_HourlyWrapsToNextHour(t *testing.T) {
	loc := mustLoc(t)
	now := time.Date(2026, 1, 1, 10, 45, 0, 0, loc)
	got, err := NextRunAt(Descriptor{Kind: KindHourly, Minute: 15}, loc, now)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	want := time.Date(2026, 1, 1, 11, 15, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestNextRunAt_DailyTimeOfDay(t *testing.T) {
	loc := mustLoc(t)
	now := time.Date(2026, 1, 1, 23, 0, 0, 0, loc)
	got, err := NextRunAt(Descriptor{Kind: KindDaily, Time: "06:30"}, loc, now)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	want := time.Date(2026, 1, 2, 6, 30, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestNextRunAt_WeekdaysSkipsWeekend(t *testing.T) {
	loc := mustLoc(t)
	// 2026-01-02 is a Friday; next weekday slot after Friday evening is Monday.
	now := time.Date(2026, 1, 2, 23, 0, 0, 0, loc)
	got, err := NextRunAt(Descriptor{Kind: KindWeekdays, Time: "08:00"}, loc, now)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if got.Weekday() != time.Monday {
		t.Fatalf("expected next weekdays slot to land on Monday, got %v (%v)", got.Weekday(), got)
	}
}

func TestNextRunAt_WeeklyPicksNamedWeekday(t *testing.T) {
	loc := mustLoc(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, loc) // Thursday
	got, err := NextRunAt(Descriptor{Kind: KindWeekly, Weekday: 0, Time: "09:00"}, loc, now) // 0=Monday
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if got.Weekday() != time.Monday {
		t.Fatalf("expected Monday, got %v (%v)", got.Weekday(), got)
	}
	if got.Before(now) {
		t.Fatalf("next run must not be before now: %v < %v", got, now)
	}
}
