package actions

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/leadminder/internal/clock"
	"github.com/MarcoPoloResearchLab/leadminder/internal/crm"
	"github.com/MarcoPoloResearchLab/leadminder/internal/kvstore"
	"github.com/MarcoPoloResearchLab/leadminder/internal/reminders"
	"github.com/MarcoPoloResearchLab/leadminder/internal/retry"
	"github.com/MarcoPoloResearchLab/leadminder/internal/session"
)

type fakeUpdater struct {
	mu      sync.Mutex
	err     error
	patches []json.RawMessage
	leadIDs []string
}

func (u *fakeUpdater) UpdateLead(_ context.Context, _ string, leadID string, patch json.RawMessage) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.leadIDs = append(u.leadIDs, leadID)
	u.patches = append(u.patches, patch)
	return u.err
}

func (u *fakeUpdater) calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.leadIDs)
}

func (u *fakeUpdater) setErr(err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.err = err
}

type staticRefresher struct{}

func (staticRefresher) Refresh(context.Context, string) (crm.TokenResponse, error) {
	return crm.TokenResponse{AccessToken: "access", ExpiresIn: 3600}, nil
}

type handlerFixture struct {
	handler *Handler
	updater *fakeUpdater
	queue   *retry.Queue
	snoozes *reminders.SnoozeStore
	store   kvstore.Store
	now     time.Time
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	store := kvstore.NewMemoryStore()

	sessions, err := session.NewManager(session.ManagerConfig{
		Store:     store,
		Refresher: staticRefresher{},
		Clock:     func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("session manager: %v", err)
	}
	if err := sessions.SetSession(context.Background(), crm.TokenResponse{
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    now.Add(time.Hour).Unix(),
	}); err != nil {
		t.Fatalf("seeding session: %v", err)
	}

	updater := &fakeUpdater{}
	applier, err := NewRemoteApplier(sessions, updater)
	if err != nil {
		t.Fatalf("remote applier: %v", err)
	}
	queue, err := retry.NewQueue(retry.QueueConfig{
		Store:   store,
		Applier: applier,
		Clock:   func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("retry queue: %v", err)
	}
	snoozes, err := reminders.NewSnoozeStore(store, nil)
	if err != nil {
		t.Fatalf("snooze store: %v", err)
	}
	dayClock, err := clock.New(clock.Config{
		Timezone: "UTC",
		Now:      func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("day clock: %v", err)
	}
	handler, err := NewHandler(HandlerConfig{
		Applier: applier,
		Queue:   queue,
		Snoozes: snoozes,
		Clock:   dayClock,
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}

	return &handlerFixture{
		handler: handler,
		updater: updater,
		queue:   queue,
		snoozes: snoozes,
		store:   store,
		now:     now,
	}
}

func TestMarkDoneSendsClearingPatch(t *testing.T) {
	fixture := newHandlerFixture(t)

	if err := fixture.handler.MarkDone(context.Background(), "lead-1", 1002); err != nil {
		t.Fatalf("mark-done failed: %v", err)
	}
	if fixture.updater.calls() != 1 {
		t.Fatalf("expected one remote call, got %d", fixture.updater.calls())
	}
	if fixture.queue.Depth(context.Background()) != 0 {
		t.Fatalf("successful mutation must not be queued")
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(fixture.updater.patches[0], &patch); err != nil {
		t.Fatalf("decoding patch: %v", err)
	}
	if value, present := patch["next_action_at"]; !present || value != nil {
		t.Fatalf("patch must null out next_action_at, got %#v", patch)
	}
	if patch["action_completed_at"] != fixture.now.UTC().Format(time.RFC3339) {
		t.Fatalf("unexpected completion stamp %#v", patch["action_completed_at"])
	}
}

func TestMarkDoneQueuesTransientFailure(t *testing.T) {
	fixture := newHandlerFixture(t)
	fixture.updater.setErr(&crm.TransientError{Op: "update_lead", Err: errors.New("connection refused")})

	if err := fixture.handler.MarkDone(context.Background(), "lead-1", 1002); err != nil {
		t.Fatalf("mark-done must absorb transient failures, got %v", err)
	}
	// Enqueue kicks an async drain; a synchronous Drain waits it out and, with
	// the backend still down, leaves the item in place.
	if err := fixture.queue.Drain(context.Background()); err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if depth := fixture.queue.Depth(context.Background()); depth != 1 {
		t.Fatalf("expected one queued item, got %d", depth)
	}

	// Subsequent drain re-applies the same patch once the backend is back.
	fixture.updater.setErr(nil)
	if err := fixture.queue.Drain(context.Background()); err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if depth := fixture.queue.Depth(context.Background()); depth != 0 {
		t.Fatalf("expected drained queue, got depth %d", depth)
	}
}

func TestMarkDoneDropsValidationRejection(t *testing.T) {
	fixture := newHandlerFixture(t)
	fixture.updater.err = &crm.ValidationError{Op: "update_lead", StatusCode: 422, Message: "terminal status"}

	if err := fixture.handler.MarkDone(context.Background(), "lead-1", 1002); err != nil {
		t.Fatalf("validation rejection must not surface, got %v", err)
	}
	if depth := fixture.queue.Depth(context.Background()); depth != 0 {
		t.Fatalf("rejected mutation must not be queued, got depth %d", depth)
	}
}

func TestMarkDoneRequiresLeadID(t *testing.T) {
	fixture := newHandlerFixture(t)
	if err := fixture.handler.MarkDone(context.Background(), "", 1002); err == nil {
		t.Fatalf("expected error for missing lead id")
	}
	if fixture.updater.calls() != 0 {
		t.Fatalf("no remote call expected")
	}
}

func TestSnoozeWritesLocalStateOnly(t *testing.T) {
	fixture := newHandlerFixture(t)

	if err := fixture.handler.Snooze(context.Background(), "lead-1", 1002, 30*time.Minute); err != nil {
		t.Fatalf("snooze failed: %v", err)
	}
	if fixture.updater.calls() != 0 {
		t.Fatalf("snooze must not touch the backend")
	}

	until, snoozed := fixture.snoozes.Until(context.Background(), "lead-1")
	if !snoozed {
		t.Fatalf("expected lead to be snoozed")
	}
	if want := fixture.now.Add(30 * time.Minute); !until.Equal(want) {
		t.Fatalf("expected snooze until %v, got %v", want, until)
	}
}

func TestApplierRejectsUnknownKind(t *testing.T) {
	fixture := newHandlerFixture(t)
	err := fixture.handler.applier.Apply(context.Background(), retry.Item{Kind: "delete_lead", LeadID: "lead-1"})
	if !crm.IsValidation(err) {
		t.Fatalf("unknown kind must be a validation error, got %v", err)
	}
}

func TestGuardReleaseIsIdempotent(t *testing.T) {
	var guard Guard
	release := guard.Acquire()
	release()
	release()

	done := make(chan struct{})
	go func() {
		guard.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("double release must not deadlock Wait")
	}
}

func TestWaitBlocksUntilActionsFinish(t *testing.T) {
	fixture := newHandlerFixture(t)

	started := make(chan struct{})
	proceed := make(chan struct{})
	fixture.updater.err = nil

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		release := fixture.handler.Acquire()
		close(started)
		<-proceed
		release()
	}()

	<-started
	waitDone := make(chan struct{})
	go func() {
		fixture.handler.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
		t.Fatalf("Wait returned while an action was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(proceed)
	wg.Wait()
	select {
	case <-waitDone:
	case <-time.After(time.Second):
		t.Fatalf("Wait did not return after the action finished")
	}
}
