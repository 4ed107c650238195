// Package leads holds the read-only projection of remote lead records that the
// reminder engine evaluates. The projection is populated by the CRM's sync
// collaborator; this package only reads it.
package leads

import "time"

// Status enumerates the pipeline states a lead moves through.
type Status string

const (
	StatusNew               Status = "new"
	StatusAttemptingContact Status = "attempting_contact"
	StatusContacted         Status = "contacted"
	StatusQualified         Status = "qualified"
	StatusMeetingScheduled  Status = "meeting_scheduled"
	StatusFollowUp          Status = "follow_up"
	StatusDocsRequested     Status = "docs_requested"
	StatusDocsReceived      Status = "docs_received"
	StatusSubmitted         Status = "submitted"
	StatusUnderwriting      Status = "underwriting"
	StatusApproved          Status = "approved"
	StatusFunded            Status = "funded"
	StatusClosed            Status = "closed"
	StatusDeclined          Status = "declined"
	StatusWithdrawn         Status = "withdrawn"
)

// closedStatuses and rejectedStatuses partition the terminal end of the
// pipeline. Everything else counts as active for reminder purposes.
var (
	closedStatuses = map[Status]struct{}{
		StatusFunded: {},
		StatusClosed: {},
	}
	rejectedStatuses = map[Status]struct{}{
		StatusDeclined:  {},
		StatusWithdrawn: {},
	}
)

// Terminal reports whether the status belongs to the closed or rejected
// partition. Terminal leads are excluded from every evaluation.
func (s Status) Terminal() bool {
	if _, ok := closedStatuses[s]; ok {
		return true
	}
	_, ok := rejectedStatuses[s]
	return ok
}

// Active reports whether the lead still participates in reminders.
func (s Status) Active() bool {
	return !s.Terminal()
}

// Snapshot is the read-only projection of one remote lead record.
type Snapshot struct {
	ID           string     `json:"id"`
	Status       Status     `json:"status"`
	NextActionAt *time.Time `json:"next_action_at,omitempty"`
	Phone        string     `json:"phone,omitempty"`
}

// HasNextAction reports whether the snapshot carries a usable action time.
// Records without one are excluded from all time-based classification.
func (s Snapshot) HasNextAction() bool {
	return s.NextActionAt != nil && !s.NextActionAt.IsZero()
}
