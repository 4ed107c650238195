// Package notify defines the outbound notification surface. Each job kind
// owns one stable numeric id, so re-firing a job updates its notification
// instead of stacking a new one.
package notify

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// JobKind identifies the periodic job that produced a notification.
type JobKind string

const (
	JobDailyDigest  JobKind = "daily_digest"
	JobMeetingWatch JobKind = "meeting_watch"
)

// IDTable maps job kinds onto their stable notification ids. Injected once at
// startup so no job carries its own id constant.
type IDTable map[JobKind]int

// DefaultIDTable returns the production id assignment.
func DefaultIDTable() IDTable {
	return IDTable{
		JobDailyDigest:  1001,
		JobMeetingWatch: 1002,
	}
}

// ActionKind enumerates the quick actions a notification may carry.
type ActionKind string

const (
	ActionMarkDone ActionKind = "MARK_DONE"
	ActionSnooze   ActionKind = "SNOOZE"
	ActionCall     ActionKind = "CALL"
)

// Action is a quick action bound to exactly one lead.
type Action struct {
	Kind            ActionKind `json:"kind"`
	LeadID          string     `json:"lead_id"`
	NotificationID  int        `json:"notification_id"`
	DurationMinutes int        `json:"duration_minutes,omitempty"`
	Phone           string     `json:"phone,omitempty"`
}

// Notification is one grouped, user-visible reminder.
type Notification struct {
	ID          int       `json:"id"`
	Kind        JobKind   `json:"kind"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	Lines       []string  `json:"lines,omitempty"`
	MoreCount   int       `json:"more_count,omitempty"`
	Actions     []Action  `json:"actions,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}

// Notifier renders notifications to some surface.
type Notifier interface {
	Publish(notification Notification)
}

// Feed keeps the latest notification per id in memory for the CRM shell to
// poll. Publishing an id again replaces the previous entry.
type Feed struct {
	mu      sync.Mutex
	entries map[int]Notification
}

// NewFeed returns an empty feed.
func NewFeed() *Feed {
	return &Feed{entries: map[int]Notification{}}
}

// Publish stores the notification, replacing any entry with the same id.
func (f *Feed) Publish(notification Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[notification.ID] = notification
}

// Snapshot returns the current feed ordered by publish time, newest first.
func (f *Feed) Snapshot() []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	snapshot := make([]Notification, 0, len(f.entries))
	for _, entry := range f.entries {
		snapshot = append(snapshot, entry)
	}
	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].PublishedAt.After(snapshot[j].PublishedAt)
	})
	return snapshot
}

// LogNotifier mirrors every notification into the structured log.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier wraps the provided logger.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Publish logs the notification.
func (n *LogNotifier) Publish(notification Notification) {
	n.logger.Info("notification published",
		zap.Int("id", notification.ID),
		zap.String("kind", string(notification.Kind)),
		zap.String("title", notification.Title),
		zap.Int("lines", len(notification.Lines)),
		zap.Int("more", notification.MoreCount),
		zap.Int("actions", len(notification.Actions)),
	)
}

// Multi fans a notification out to several notifiers.
type Multi []Notifier

// Publish forwards to every notifier in order.
func (m Multi) Publish(notification Notification) {
	for _, notifier := range m {
		notifier.Publish(notification)
	}
}
