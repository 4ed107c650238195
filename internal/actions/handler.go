// Package actions reacts to user actions originating from a fired
// notification: optimistic remote mutation first, durable retry queue as the
// fallback when the device is offline or the session cannot be recovered.
package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/leadminder/internal/clock"
	"github.com/MarcoPoloResearchLab/leadminder/internal/crm"
	"github.com/MarcoPoloResearchLab/leadminder/internal/reminders"
	"github.com/MarcoPoloResearchLab/leadminder/internal/retry"
	"github.com/MarcoPoloResearchLab/leadminder/internal/session"
	"go.uber.org/zap"
)

var (
	errMissingSessions = errors.New("actions: session manager is required")
	errMissingClient   = errors.New("actions: crm client is required")
	errMissingApplier  = errors.New("actions: remote applier is required")
	errMissingQueue    = errors.New("actions: retry queue is required")
	errMissingSnoozes  = errors.New("actions: snooze store is required")
	errMissingClock    = errors.New("actions: day clock is required")
	errMissingLeadID   = errors.New("actions: lead id is required")
)

// LeadUpdater is the mutation half of the CRM client.
type LeadUpdater interface {
	UpdateLead(ctx context.Context, accessToken, leadID string, patch json.RawMessage) error
}

// RemoteApplier sends one mutation through the session manager. It is both
// the optimistic path of the action handler and the retry queue's applier.
type RemoteApplier struct {
	sessions *session.Manager
	client   LeadUpdater
}

// NewRemoteApplier wires the session manager and CRM client together.
func NewRemoteApplier(sessions *session.Manager, client LeadUpdater) (*RemoteApplier, error) {
	if sessions == nil {
		return nil, errMissingSessions
	}
	if client == nil {
		return nil, errMissingClient
	}
	return &RemoteApplier{sessions: sessions, client: client}, nil
}

// Apply performs the remote call for one queued mutation, refreshing an
// expired token transparently before the attempt is judged a failure.
func (a *RemoteApplier) Apply(ctx context.Context, item retry.Item) error {
	switch item.Kind {
	case retry.KindUpdateLead:
		return a.sessions.WithValidToken(ctx, func(ctx context.Context, accessToken string) error {
			return a.client.UpdateLead(ctx, accessToken, item.LeadID, item.Payload)
		})
	default:
		return &crm.ValidationError{Op: "apply", Message: fmt.Sprintf("unknown mutation kind %q", item.Kind)}
	}
}

// HandlerConfig describes a Handler.
type HandlerConfig struct {
	Applier *RemoteApplier
	Queue   *retry.Queue
	Snoozes *reminders.SnoozeStore
	Clock   *clock.DayClock
	Logger  *zap.Logger
}

// Handler executes MARK_DONE and SNOOZE intents.
type Handler struct {
	applier  *RemoteApplier
	queue    *retry.Queue
	snoozes  *reminders.SnoozeStore
	dayClock *clock.DayClock
	logger   *zap.Logger
	guard    Guard
}

// NewHandler constructs a Handler.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Applier == nil {
		return nil, errMissingApplier
	}
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	if cfg.Snoozes == nil {
		return nil, errMissingSnoozes
	}
	if cfg.Clock == nil {
		return nil, errMissingClock
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		applier:  cfg.Applier,
		queue:    cfg.Queue,
		snoozes:  cfg.Snoozes,
		dayClock: cfg.Clock,
		logger:   logger,
	}, nil
}

// MarkDone clears the lead's pending action remotely. Transient failures land
// in the retry queue; validation rejections are dropped with an error log.
func (h *Handler) MarkDone(ctx context.Context, leadID string, notificationID int) error {
	if leadID == "" {
		return errMissingLeadID
	}
	release := h.guard.Acquire()
	defer release()

	now := h.dayClock.Now()
	patch, err := markDonePatch(now)
	if err != nil {
		return err
	}
	item := retry.Item{
		Kind:    retry.KindUpdateLead,
		LeadID:  leadID,
		Payload: patch,
	}

	err = h.applier.Apply(ctx, item)
	switch {
	case err == nil:
		h.logger.Info("lead marked done",
			zap.String("lead_id", leadID),
			zap.Int("notification_id", notificationID),
		)
		return nil
	case crm.IsValidation(err):
		h.logger.Error("mark-done rejected as invalid, dropping",
			zap.String("lead_id", leadID),
			zap.Error(err),
		)
		return nil
	default:
		h.logger.Warn("mark-done failed, queueing for retry",
			zap.String("lead_id", leadID),
			zap.Error(err),
		)
		return h.queue.Enqueue(ctx, item)
	}
}

// Snooze suppresses notifications for the lead until now+duration. The
// mutation is purely local and always succeeds or fails locally.
func (h *Handler) Snooze(ctx context.Context, leadID string, notificationID int, duration time.Duration) error {
	if leadID == "" {
		return errMissingLeadID
	}
	release := h.guard.Acquire()
	defer release()

	until := h.dayClock.Now().Add(duration)
	if err := h.snoozes.Snooze(ctx, leadID, until); err != nil {
		return err
	}
	h.logger.Info("lead snoozed",
		zap.String("lead_id", leadID),
		zap.Int("notification_id", notificationID),
		zap.Time("until", until),
	)
	return nil
}

// Acquire registers work that is about to be handed to an action method on
// another goroutine, so shutdown cannot slip in between accepting an intent
// and running it. The returned release is safe to call more than once.
func (h *Handler) Acquire() func() {
	return h.guard.Acquire()
}

// Wait blocks until every in-flight action has finished; used on shutdown.
func (h *Handler) Wait() {
	h.guard.Wait()
}

func markDonePatch(now time.Time) (json.RawMessage, error) {
	patch := map[string]interface{}{
		"next_action_at":      nil,
		"action_completed_at": now.UTC().Format(time.RFC3339),
	}
	raw, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("actions: marshal mark-done patch: %w", err)
	}
	return raw, nil
}
