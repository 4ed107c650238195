package reminders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/leadminder/internal/clock"
	"github.com/MarcoPoloResearchLab/leadminder/internal/leads"
	"github.com/MarcoPoloResearchLab/leadminder/internal/notify"
	"go.uber.org/zap"
)

const (
	defaultRenderCap            = 3
	defaultSnoozeMinutes        = 30
	digestNotificationTitle     = "Lead follow-ups"
	meetingNotificationTitle    = "Upcoming meetings"
	notificationLineTimeLayout  = "15:04"
	notificationMoreLineMinimum = 1
)

var (
	errMissingSource    = errors.New("reminders: snapshot source is required")
	errMissingEvaluator = errors.New("reminders: evaluator is required")
	errMissingDedup     = errors.New("reminders: dedup store is required")
	errMissingSnoozes   = errors.New("reminders: snooze store is required")
	errMissingNotifier  = errors.New("reminders: notifier is required")
	errMissingJobClock  = errors.New("reminders: day clock is required")
)

// SnapshotSource yields the current read-only lead projection.
type SnapshotSource interface {
	ReadAll(ctx context.Context) ([]leads.Snapshot, error)
}

// JobsConfig describes the periodic evaluation jobs.
type JobsConfig struct {
	Source    SnapshotSource
	Evaluator *Evaluator
	Dedup     *DedupStore
	Snoozes   *SnoozeStore
	Clock     *clock.DayClock
	Notifier  notify.Notifier
	IDs       notify.IDTable
	Logger    *zap.Logger
	// RenderCap bounds the individually rendered lines; the rest collapse
	// into a "+N more" summary. Zero selects the default of 3.
	RenderCap int
}

// Jobs holds the bodies of the daily digest and meeting watch triggers.
type Jobs struct {
	source    SnapshotSource
	evaluator *Evaluator
	dedup     *DedupStore
	snoozes   *SnoozeStore
	dayClock  *clock.DayClock
	notifier  notify.Notifier
	ids       notify.IDTable
	logger    *zap.Logger
	renderCap int
}

// NewJobs constructs the evaluation job bodies.
func NewJobs(cfg JobsConfig) (*Jobs, error) {
	if cfg.Source == nil {
		return nil, errMissingSource
	}
	if cfg.Evaluator == nil {
		return nil, errMissingEvaluator
	}
	if cfg.Dedup == nil {
		return nil, errMissingDedup
	}
	if cfg.Snoozes == nil {
		return nil, errMissingSnoozes
	}
	if cfg.Clock == nil {
		return nil, errMissingJobClock
	}
	if cfg.Notifier == nil {
		return nil, errMissingNotifier
	}

	ids := cfg.IDs
	if ids == nil {
		ids = notify.DefaultIDTable()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	renderCap := cfg.RenderCap
	if renderCap <= 0 {
		renderCap = defaultRenderCap
	}

	return &Jobs{
		source:    cfg.Source,
		evaluator: cfg.Evaluator,
		dedup:     cfg.Dedup,
		snoozes:   cfg.Snoozes,
		dayClock:  cfg.Clock,
		notifier:  cfg.Notifier,
		ids:       ids,
		logger:    logger,
		renderCap: renderCap,
	}, nil
}

// RunDigest is the daily digest job body: counts of overdue, due-today and
// meetings-today leads, suppressed entirely when all three are zero and
// deduplicated so one calendar day renders at most one digest per state.
func (j *Jobs) RunDigest(ctx context.Context) {
	now := j.dayClock.Now()
	today := j.dayClock.DayStamp(now)
	j.purgeStale(ctx, today)

	records, err := j.source.ReadAll(ctx)
	if err != nil {
		j.logger.Warn("digest: reading lead cache failed", zap.Error(err))
		return
	}

	digest := j.evaluator.Digest(records, now)
	if digest.Empty() {
		j.logger.Debug("digest: nothing due, suppressing")
		return
	}

	members := digest.Records()
	keys := notificationKeys(today, members)
	fresh, err := j.dedup.FilterNew(ctx, keys)
	if err != nil {
		j.logger.Warn("digest: dedup filter failed", zap.Error(err))
		return
	}
	if len(fresh) == 0 {
		j.logger.Debug("digest: already notified today")
		return
	}

	j.notifier.Publish(j.buildDigestNotification(now, digest))
	if err := j.dedup.MarkNotified(ctx, fresh); err != nil {
		j.logger.Warn("digest: marking dedup keys failed", zap.Error(err))
	}
}

// RunMeetingWatch is the sliding-horizon job body. Quiet hours short-circuit
// it to a no-op, but yesterday's dedup keys are purged regardless.
func (j *Jobs) RunMeetingWatch(ctx context.Context) {
	now := j.dayClock.Now()
	today := j.dayClock.DayStamp(now)
	j.purgeStale(ctx, today)

	if j.dayClock.InQuietHours(now) {
		j.logger.Debug("meeting watch: quiet hours, skipping")
		return
	}

	records, err := j.source.ReadAll(ctx)
	if err != nil {
		j.logger.Warn("meeting watch: reading lead cache failed", zap.Error(err))
		return
	}

	qualifying := j.evaluator.UpcomingMeetings(records, now, j.snoozes.LookupFunc(ctx))
	if len(qualifying) == 0 {
		return
	}

	// Keys are computed for every qualifying record, not only the rendered
	// subset, so capped-out records are not re-offered on the next pass.
	keys := notificationKeys(today, qualifying)
	fresh, err := j.dedup.FilterNew(ctx, keys)
	if err != nil {
		j.logger.Warn("meeting watch: dedup filter failed", zap.Error(err))
		return
	}
	if len(fresh) == 0 {
		return
	}

	freshSet := make(map[NotificationKey]struct{}, len(fresh))
	for _, key := range fresh {
		freshSet[key] = struct{}{}
	}
	var toNotify []leads.Snapshot
	for i, record := range qualifying {
		if _, ok := freshSet[keys[i]]; ok {
			toNotify = append(toNotify, record)
		}
	}
	if len(toNotify) == 0 {
		return
	}

	j.notifier.Publish(j.buildMeetingNotification(now, toNotify))
	if err := j.dedup.MarkNotified(ctx, fresh); err != nil {
		j.logger.Warn("meeting watch: marking dedup keys failed", zap.Error(err))
	}
}

func (j *Jobs) purgeStale(ctx context.Context, today string) {
	if err := j.dedup.PurgeStale(ctx, today); err != nil {
		j.logger.Warn("purging stale dedup keys failed", zap.Error(err))
	}
}

func (j *Jobs) buildDigestNotification(now time.Time, digest Digest) notify.Notification {
	id := j.ids[notify.JobDailyDigest]
	body := fmt.Sprintf("%d overdue, %d due today, %d meetings today",
		len(digest.Overdue), len(digest.DueToday), len(digest.MeetingsToday))
	return notify.Notification{
		ID:          id,
		Kind:        notify.JobDailyDigest,
		Title:       digestNotificationTitle,
		Body:        body,
		PublishedAt: now,
	}
}

func (j *Jobs) buildMeetingNotification(now time.Time, toNotify []leads.Snapshot) notify.Notification {
	id := j.ids[notify.JobMeetingWatch]

	rendered := toNotify
	moreCount := 0
	if len(rendered) > j.renderCap {
		moreCount = len(rendered) - j.renderCap
		rendered = rendered[:j.renderCap]
	}

	lines := make([]string, 0, len(rendered))
	for _, record := range rendered {
		lines = append(lines, fmt.Sprintf("%s  lead %s (%s)",
			record.NextActionAt.In(j.dayClock.Location()).Format(notificationLineTimeLayout),
			record.ID,
			record.Status,
		))
	}

	notification := notify.Notification{
		ID:          id,
		Kind:        notify.JobMeetingWatch,
		Title:       meetingNotificationTitle,
		Body:        meetingBody(len(toNotify), moreCount),
		Lines:       lines,
		MoreCount:   moreCount,
		PublishedAt: now,
	}

	// Quick actions are only unambiguous for a single lead.
	if len(toNotify) == 1 {
		single := toNotify[0]
		notification.Actions = []notify.Action{
			{Kind: notify.ActionMarkDone, LeadID: single.ID, NotificationID: id},
			{Kind: notify.ActionSnooze, LeadID: single.ID, NotificationID: id, DurationMinutes: defaultSnoozeMinutes},
		}
		if single.Phone != "" {
			notification.Actions = append(notification.Actions,
				notify.Action{Kind: notify.ActionCall, LeadID: single.ID, NotificationID: id, Phone: single.Phone})
		}
	}
	return notification
}

func meetingBody(total, moreCount int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d meeting(s) within the next window", total)
	if moreCount >= notificationMoreLineMinimum {
		fmt.Fprintf(&b, ", +%d more", moreCount)
	}
	return b.String()
}

func notificationKeys(dayStamp string, records []leads.Snapshot) []NotificationKey {
	keys := make([]NotificationKey, len(records))
	for i, record := range records {
		keys[i] = NewNotificationKey(dayStamp, record)
	}
	return keys
}
