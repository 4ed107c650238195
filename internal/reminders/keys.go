package reminders

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/leadminder/internal/leads"
)

// NotificationKey is the per-day idempotency token for one (lead, action-time,
// status) triple: "{dayStamp}|{leadID}|{actionUnix}|{status}". A status or
// action-time change yields a new key and legitimately re-notifies.
type NotificationKey string

// NewNotificationKey builds the key for one qualifying lead on one day.
func NewNotificationKey(dayStamp string, lead leads.Snapshot) NotificationKey {
	var actionUnix int64
	if lead.HasNextAction() {
		actionUnix = lead.NextActionAt.Unix()
	}
	return NotificationKey(fmt.Sprintf("%s|%s|%d|%s", dayStamp, lead.ID, actionUnix, lead.Status))
}

// DayStamp returns the calendar-day prefix of the key.
func (k NotificationKey) DayStamp() string {
	raw := string(k)
	if idx := strings.IndexByte(raw, '|'); idx >= 0 {
		return raw[:idx]
	}
	return raw
}
