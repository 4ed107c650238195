package clock

import (
	"testing"
	"time"
)

func newFixedClock(t *testing.T, at time.Time) *DayClock {
	t.Helper()
	dayClock, err := New(Config{
		Timezone: "UTC",
		Now:      func() time.Time { return at },
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return dayClock
}

func TestDayStampAndStartOfDay(t *testing.T) {
	at := time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)
	dayClock := newFixedClock(t, at)

	if stamp := dayClock.DayStamp(at); stamp != "2024-03-15" {
		t.Fatalf("unexpected day stamp %q", stamp)
	}

	start := dayClock.StartOfDay(at)
	if start.Hour() != 0 || start.Minute() != 0 || start.Day() != 15 {
		t.Fatalf("unexpected start of day %v", start)
	}

	if !dayClock.SameDay(at, at.Add(2*time.Hour)) {
		t.Fatalf("expected same calendar day")
	}
	if dayClock.SameDay(at, at.Add(24*time.Hour)) {
		t.Fatalf("expected different calendar day")
	}
}

func TestQuietHoursWrapMidnight(t *testing.T) {
	dayClock := newFixedClock(t, time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC))

	cases := []struct {
		hour  int
		quiet bool
	}{
		{22, true},
		{23, true},
		{0, true},
		{6, true},
		{7, false},
		{12, false},
		{21, false},
	}
	for _, tc := range cases {
		at := time.Date(2024, 3, 15, tc.hour, 30, 0, 0, time.UTC)
		if got := dayClock.InQuietHours(at); got != tc.quiet {
			t.Fatalf("hour %d: expected quiet=%v, got %v", tc.hour, tc.quiet, got)
		}
	}
}

func TestNextDailyOccurrenceRollsToTomorrow(t *testing.T) {
	now := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)
	dayClock := newFixedClock(t, now)

	upcoming := dayClock.NextDailyOccurrence(10, 30)
	if upcoming.Day() != 15 || upcoming.Hour() != 10 || upcoming.Minute() != 30 {
		t.Fatalf("expected today 10:30, got %v", upcoming)
	}

	passed := dayClock.NextDailyOccurrence(8, 0)
	if passed.Day() != 16 || passed.Hour() != 8 {
		t.Fatalf("expected tomorrow 08:00, got %v", passed)
	}

	// The exact current minute has already begun, so it rolls over too.
	boundary := dayClock.NextDailyOccurrence(9, 0)
	if boundary.Day() != 16 {
		t.Fatalf("expected boundary time to roll to tomorrow, got %v", boundary)
	}
}

func TestNewRejectsUnknownTimezone(t *testing.T) {
	if _, err := New(Config{Timezone: "Not/AZone"}); err == nil {
		t.Fatalf("expected error for unknown timezone")
	}
}
