// Package reminders computes which cached leads deserve a user-visible
// notification, at most once per calendar day per (lead, action-time, status).
package reminders

import (
	"errors"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/leadminder/internal/clock"
	"github.com/MarcoPoloResearchLab/leadminder/internal/leads"
)

const defaultHorizon = 45 * time.Minute

var errMissingClock = errors.New("reminders: day clock is required")

// Digest buckets the active leads needing attention today.
type Digest struct {
	Overdue       []leads.Snapshot
	DueToday      []leads.Snapshot
	MeetingsToday []leads.Snapshot
}

// Empty reports whether every bucket is empty; an empty digest fires nothing.
func (d Digest) Empty() bool {
	return len(d.Overdue) == 0 && len(d.DueToday) == 0 && len(d.MeetingsToday) == 0
}

// Records returns every digest member once, for dedup-key computation.
func (d Digest) Records() []leads.Snapshot {
	seen := map[string]struct{}{}
	var records []leads.Snapshot
	for _, bucket := range [][]leads.Snapshot{d.Overdue, d.DueToday, d.MeetingsToday} {
		for _, record := range bucket {
			if _, dup := seen[record.ID]; dup {
				continue
			}
			seen[record.ID] = struct{}{}
			records = append(records, record)
		}
	}
	return records
}

// Evaluator is the pure classification core. It reads nothing and writes
// nothing; all state arrives through its arguments.
type Evaluator struct {
	dayClock *clock.DayClock
	horizon  time.Duration
}

// NewEvaluator constructs an Evaluator. A non-positive horizon selects the
// 45-minute default.
func NewEvaluator(dayClock *clock.DayClock, horizon time.Duration) (*Evaluator, error) {
	if dayClock == nil {
		return nil, errMissingClock
	}
	if horizon <= 0 {
		horizon = defaultHorizon
	}
	return &Evaluator{dayClock: dayClock, horizon: horizon}, nil
}

// Digest classifies active records into overdue, due-today and meetings-today
// buckets relative to now. Terminal records and records without an action
// time are excluded before any time comparison.
func (e *Evaluator) Digest(records []leads.Snapshot, now time.Time) Digest {
	dayStart := e.dayClock.StartOfDay(now)

	var digest Digest
	for _, record := range records {
		if record.Status.Terminal() || !record.HasNextAction() {
			continue
		}
		actionAt := *record.NextActionAt
		switch {
		case actionAt.Before(dayStart):
			digest.Overdue = append(digest.Overdue, record)
		case e.dayClock.SameDay(actionAt, now):
			digest.DueToday = append(digest.DueToday, record)
			if record.Status == leads.StatusMeetingScheduled {
				digest.MeetingsToday = append(digest.MeetingsToday, record)
			}
		}
	}
	return digest
}

// UpcomingMeetings returns the active, unsnoozed records whose action time
// falls inside [now, now+horizon], sorted by action time ascending. The
// terminal-partition check runs before anything else, so a record that moved
// to closed or rejected disappears even if a stale dedup key still matches.
func (e *Evaluator) UpcomingMeetings(records []leads.Snapshot, now time.Time, snoozeUntil func(leadID string) (time.Time, bool)) []leads.Snapshot {
	horizonEnd := now.Add(e.horizon)

	var qualifying []leads.Snapshot
	for _, record := range records {
		if record.Status.Terminal() || !record.HasNextAction() {
			continue
		}
		actionAt := *record.NextActionAt
		if actionAt.Before(now) || actionAt.After(horizonEnd) {
			continue
		}
		if snoozeUntil != nil {
			if until, ok := snoozeUntil(record.ID); ok && until.After(now) {
				continue
			}
		}
		qualifying = append(qualifying, record)
	}

	sort.Slice(qualifying, func(i, j int) bool {
		return qualifying[i].NextActionAt.Before(*qualifying[j].NextActionAt)
	})
	return qualifying
}

// Horizon exposes the configured lookahead window.
func (e *Evaluator) Horizon() time.Duration {
	return e.horizon
}
