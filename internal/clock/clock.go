// Package clock centralizes every calendar computation in the agent: the
// notion of "today", quiet hours and the next occurrence of a daily wall-clock
// time, all evaluated in one configured timezone.
package clock

import (
	"fmt"
	"time"
)

const (
	// DayStampLayout formats the calendar-day token used in dedup keys.
	DayStampLayout = "2006-01-02"

	defaultQuietStartHour = 22
	defaultQuietEndHour   = 7
)

// Config describes a DayClock.
type Config struct {
	// Timezone is an IANA zone name, or "Local".
	Timezone string
	// Now overrides the wall clock; tests inject a fixed value.
	Now func() time.Time
	// QuietStartHour and QuietEndHour bound the nightly no-notification window.
	// Zero values select the 22:00..07:00 defaults.
	QuietStartHour int
	QuietEndHour   int
}

// DayClock answers timezone-aware calendar questions.
type DayClock struct {
	loc        *time.Location
	now        func() time.Time
	quietStart int
	quietEnd   int
}

// New constructs a DayClock for the configured timezone.
func New(cfg Config) (*DayClock, error) {
	name := cfg.Timezone
	if name == "" {
		name = "Local"
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("clock: load timezone %q: %w", name, err)
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	quietStart := cfg.QuietStartHour
	quietEnd := cfg.QuietEndHour
	if quietStart == 0 && quietEnd == 0 {
		quietStart = defaultQuietStartHour
		quietEnd = defaultQuietEndHour
	}

	return &DayClock{
		loc:        loc,
		now:        now,
		quietStart: quietStart,
		quietEnd:   quietEnd,
	}, nil
}

// Now returns the current time in the clock's timezone.
func (c *DayClock) Now() time.Time {
	return c.now().In(c.loc)
}

// Location exposes the configured timezone.
func (c *DayClock) Location() *time.Location {
	return c.loc
}

// DayStamp returns the calendar-day token for t in the clock's timezone.
func (c *DayClock) DayStamp(t time.Time) string {
	return t.In(c.loc).Format(DayStampLayout)
}

// StartOfDay returns midnight of t's calendar day in the clock's timezone.
func (c *DayClock) StartOfDay(t time.Time) time.Time {
	local := t.In(c.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc)
}

// SameDay reports whether a and b fall on the same calendar day.
func (c *DayClock) SameDay(a, b time.Time) bool {
	return c.DayStamp(a) == c.DayStamp(b)
}

// InQuietHours reports whether t falls inside the nightly suppression window.
// The window wraps midnight: [quietStart, 24) union [0, quietEnd).
func (c *DayClock) InQuietHours(t time.Time) bool {
	hour := t.In(c.loc).Hour()
	if c.quietStart > c.quietEnd {
		return hour >= c.quietStart || hour < c.quietEnd
	}
	return hour >= c.quietStart && hour < c.quietEnd
}

// NextDailyOccurrence returns the next time the wall clock reads hour:minute
// in the clock's timezone, rolling to tomorrow when that time has already
// passed today.
func (c *DayClock) NextDailyOccurrence(hour, minute int) time.Time {
	local := c.Now()
	next := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, c.loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, hour, minute, 0, 0, c.loc)
	}
	return next
}
