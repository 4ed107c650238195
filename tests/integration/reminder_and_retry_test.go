package integration_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/leadminder/internal/actions"
	"github.com/MarcoPoloResearchLab/leadminder/internal/clock"
	"github.com/MarcoPoloResearchLab/leadminder/internal/crm"
	"github.com/MarcoPoloResearchLab/leadminder/internal/kvstore"
	"github.com/MarcoPoloResearchLab/leadminder/internal/leads"
	"github.com/MarcoPoloResearchLab/leadminder/internal/notify"
	"github.com/MarcoPoloResearchLab/leadminder/internal/reminders"
	"github.com/MarcoPoloResearchLab/leadminder/internal/retry"
	"github.com/MarcoPoloResearchLab/leadminder/internal/server"
	"github.com/MarcoPoloResearchLab/leadminder/internal/session"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	staleAccessToken  = "access-stale"
	freshAccessToken  = "access-fresh"
	seedRefreshToken  = "refresh-seed"
	nextRefreshToken  = "refresh-next"
	integrationLeadID = "lead-42"
	jsonContentType   = "application/json"
)

// fakeBackend plays the remote CRM: a token endpoint that rotates the session
// and a lead mutation endpoint that only honors the fresh access token.
type fakeBackend struct {
	mu        sync.Mutex
	refreshes int
	patches   []json.RawMessage
}

func (b *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.PostFormValue("grant_type") != "refresh_token" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.PostFormValue("refresh_token") != seedRefreshToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		b.mu.Lock()
		b.refreshes++
		b.mu.Unlock()
		w.Header().Set("Content-Type", jsonContentType)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  freshAccessToken,
			"refresh_token": nextRefreshToken,
			"expires_in":    3600,
			"token_type":    "bearer",
		})
	})
	mux.HandleFunc("/v1/leads/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+freshAccessToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		b.mu.Lock()
		b.patches = append(b.patches, body)
		b.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (b *fakeBackend) refreshCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refreshes
}

func (b *fakeBackend) patchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.patches)
}

func (b *fakeBackend) lastPatch(testContext *testing.T) map[string]any {
	testContext.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.patches) == 0 {
		testContext.Fatalf("no patch captured")
	}
	var decoded map[string]any
	if err := json.Unmarshal(b.patches[len(b.patches)-1], &decoded); err != nil {
		testContext.Fatalf("decoding patch: %v", err)
	}
	return decoded
}

func TestReminderAndRetryFlow(testContext *testing.T) {
	gin.SetMode(gin.TestMode)

	now := time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)
	fixedClock := func() time.Time { return now }

	backend := &fakeBackend{}
	backendServer := httptest.NewServer(backend.handler())
	defer backendServer.Close()

	db, err := gorm.Open(sqlite.Open("file:leadminder-it?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&kvstore.Entry{}); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}
	store, err := kvstore.NewSQLiteStore(db)
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}

	ctx := context.Background()

	// The synced CRM cache holds one meeting inside the 45-minute horizon.
	meetingAt := now.Add(20 * time.Minute)
	cached, err := json.Marshal([]leads.Snapshot{{
		ID:           integrationLeadID,
		Status:       leads.StatusMeetingScheduled,
		NextActionAt: &meetingAt,
		Phone:        "+15550100",
	}})
	if err != nil {
		testContext.Fatalf("encoding lead cache: %v", err)
	}
	if err := store.Set(ctx, leads.CacheKey, string(cached)); err != nil {
		testContext.Fatalf("seeding lead cache: %v", err)
	}

	// The persisted session is already expired; the first remote mutation
	// must trigger exactly one refresh.
	staleSession, err := json.Marshal(session.Token{
		AccessToken:  staleAccessToken,
		RefreshToken: seedRefreshToken,
		ExpiresAt:    now.Add(-time.Minute).Unix(),
	})
	if err != nil {
		testContext.Fatalf("encoding session: %v", err)
	}
	if err := store.Set(ctx, session.StorageKey, string(staleSession)); err != nil {
		testContext.Fatalf("seeding session: %v", err)
	}

	crmClient, err := crm.NewClient(crm.Config{BaseURL: backendServer.URL, Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to build crm client: %v", err)
	}
	sessions, err := session.NewManager(session.ManagerConfig{
		Store:     store,
		Refresher: crmClient,
		Clock:     fixedClock,
		Logger:    zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build session manager: %v", err)
	}
	if err := sessions.Load(ctx); err != nil {
		testContext.Fatalf("failed to load session: %v", err)
	}

	dayClock, err := clock.New(clock.Config{Timezone: "UTC", Now: fixedClock})
	if err != nil {
		testContext.Fatalf("failed to build clock: %v", err)
	}
	dedup, err := reminders.NewDedupStore(store, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to build dedup store: %v", err)
	}
	snoozes, err := reminders.NewSnoozeStore(store, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to build snooze store: %v", err)
	}
	evaluator, err := reminders.NewEvaluator(dayClock, 45*time.Minute)
	if err != nil {
		testContext.Fatalf("failed to build evaluator: %v", err)
	}
	cacheSource, err := leads.NewCacheSource(store, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to build cache source: %v", err)
	}

	feed := notify.NewFeed()
	jobs, err := reminders.NewJobs(reminders.JobsConfig{
		Source:    cacheSource,
		Evaluator: evaluator,
		Dedup:     dedup,
		Snoozes:   snoozes,
		Clock:     dayClock,
		Notifier:  feed,
		Logger:    zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build jobs: %v", err)
	}

	applier, err := actions.NewRemoteApplier(sessions, crmClient)
	if err != nil {
		testContext.Fatalf("failed to build applier: %v", err)
	}
	queue, err := retry.NewQueue(retry.QueueConfig{
		Store:   store,
		Applier: applier,
		Clock:   fixedClock,
		Logger:  zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build queue: %v", err)
	}
	actionHandler, err := actions.NewHandler(actions.HandlerConfig{
		Applier: applier,
		Queue:   queue,
		Snoozes: snoozes,
		Clock:   dayClock,
		Logger:  zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build action handler: %v", err)
	}

	httpHandler, err := server.NewHTTPHandler(server.Dependencies{
		Actions: actionHandler,
		Feed:    feed,
		Status: func(context.Context) server.StatusReport {
			return server.StatusReport{
				SessionValid: sessions.Valid(),
				QueueDepth:   queue.Depth(context.Background()),
				Timestamp:    dayClock.Now().Unix(),
			}
		},
		Logger: zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build http handler: %v", err)
	}
	agentServer := httptest.NewServer(httpHandler)
	defer agentServer.Close()

	// The meeting watch fires and publishes one actionable notification.
	jobs.RunMeetingWatch(ctx)
	notifications := feed.Snapshot()
	if len(notifications) != 1 {
		testContext.Fatalf("expected one notification, got %d", len(notifications))
	}
	published := notifications[0]
	if published.Kind != notify.JobMeetingWatch {
		testContext.Fatalf("unexpected notification kind %q", published.Kind)
	}
	if len(published.Actions) != 3 {
		testContext.Fatalf("expected mark-done, snooze and call actions, got %#v", published.Actions)
	}

	// A second pass is suppressed by the dedup store.
	jobs.RunMeetingWatch(ctx)
	if again := feed.Snapshot(); len(again) != 1 {
		testContext.Fatalf("re-evaluation must not stack notifications, got %d", len(again))
	}

	// The notification surface is served over HTTP for the CRM shell.
	feedResponse, err := http.Get(agentServer.URL + "/v1/notifications")
	if err != nil {
		testContext.Fatalf("fetching notifications: %v", err)
	}
	defer feedResponse.Body.Close()
	if feedResponse.StatusCode != http.StatusOK {
		testContext.Fatalf("expected 200 from notifications endpoint, got %d", feedResponse.StatusCode)
	}

	// Tapping the mark-done button posts an intent; the agent refreshes the
	// expired session once and applies the mutation remotely.
	intentBody := `{"action":"MARK_DONE","lead_id":"` + integrationLeadID + `","notification_id":1002}`
	intentResponse, err := http.Post(agentServer.URL+"/v1/intents", jsonContentType, strings.NewReader(intentBody))
	if err != nil {
		testContext.Fatalf("posting intent: %v", err)
	}
	defer intentResponse.Body.Close()
	if intentResponse.StatusCode != http.StatusAccepted {
		testContext.Fatalf("expected 202 from intent endpoint, got %d", intentResponse.StatusCode)
	}

	waitFor(testContext, "remote mutation", func() bool { return backend.patchCount() == 1 })
	actionHandler.Wait()

	patch := backend.lastPatch(testContext)
	if value, present := patch["next_action_at"]; !present || value != nil {
		testContext.Fatalf("patch must null out next_action_at, got %#v", patch)
	}
	if backend.refreshCount() != 1 {
		testContext.Fatalf("expected exactly one token refresh, got %d", backend.refreshCount())
	}
	if depth := queue.Depth(ctx); depth != 0 {
		testContext.Fatalf("successful mutation must not be queued, got depth %d", depth)
	}

	// The refreshed session was persisted, so a restart would resume with it.
	rawSession, ok, err := store.Get(ctx, session.StorageKey)
	if err != nil || !ok {
		testContext.Fatalf("reading persisted session: ok=%v err=%v", ok, err)
	}
	var persisted session.Token
	if err := json.Unmarshal([]byte(rawSession), &persisted); err != nil {
		testContext.Fatalf("decoding persisted session: %v", err)
	}
	if persisted.AccessToken != freshAccessToken || persisted.RefreshToken != nextRefreshToken {
		testContext.Fatalf("refreshed session not persisted: %#v", persisted)
	}

	// The status endpoint now reports a valid session and an empty queue.
	statusResponse, err := http.Get(agentServer.URL + "/v1/status")
	if err != nil {
		testContext.Fatalf("fetching status: %v", err)
	}
	defer statusResponse.Body.Close()
	var report server.StatusReport
	if err := json.NewDecoder(statusResponse.Body).Decode(&report); err != nil {
		testContext.Fatalf("decoding status: %v", err)
	}
	if !report.SessionValid || report.QueueDepth != 0 {
		testContext.Fatalf("unexpected status report %#v", report)
	}
}

func TestOfflineMutationDrainsWhenBackendReturns(testContext *testing.T) {
	now := time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)
	fixedClock := func() time.Time { return now }

	backend := &fakeBackend{}
	backendServer := httptest.NewServer(backend.handler())
	defer backendServer.Close()

	store := kvstore.NewMemoryStore()
	ctx := context.Background()

	freshSession, err := json.Marshal(session.Token{
		AccessToken:  freshAccessToken,
		RefreshToken: seedRefreshToken,
		ExpiresAt:    now.Add(time.Hour).Unix(),
	})
	if err != nil {
		testContext.Fatalf("encoding session: %v", err)
	}
	if err := store.Set(ctx, session.StorageKey, string(freshSession)); err != nil {
		testContext.Fatalf("seeding session: %v", err)
	}

	// The client initially points at a dead endpoint, simulating an offline
	// device.
	deadServer := httptest.NewServer(http.NotFoundHandler())
	deadServer.Close()
	offlineClient, err := crm.NewClient(crm.Config{BaseURL: deadServer.URL, Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to build offline client: %v", err)
	}

	buildHandler := func(client *crm.Client) (*actions.Handler, *retry.Queue) {
		sessions, err := session.NewManager(session.ManagerConfig{
			Store:     store,
			Refresher: client,
			Clock:     fixedClock,
			Logger:    zap.NewNop(),
		})
		if err != nil {
			testContext.Fatalf("failed to build session manager: %v", err)
		}
		if err := sessions.Load(ctx); err != nil {
			testContext.Fatalf("failed to load session: %v", err)
		}
		applier, err := actions.NewRemoteApplier(sessions, client)
		if err != nil {
			testContext.Fatalf("failed to build applier: %v", err)
		}
		queue, err := retry.NewQueue(retry.QueueConfig{
			Store:   store,
			Applier: applier,
			Clock:   fixedClock,
			Logger:  zap.NewNop(),
		})
		if err != nil {
			testContext.Fatalf("failed to build queue: %v", err)
		}
		snoozes, err := reminders.NewSnoozeStore(store, zap.NewNop())
		if err != nil {
			testContext.Fatalf("failed to build snooze store: %v", err)
		}
		dayClock, err := clock.New(clock.Config{Timezone: "UTC", Now: fixedClock})
		if err != nil {
			testContext.Fatalf("failed to build clock: %v", err)
		}
		handler, err := actions.NewHandler(actions.HandlerConfig{
			Applier: applier,
			Queue:   queue,
			Snoozes: snoozes,
			Clock:   dayClock,
			Logger:  zap.NewNop(),
		})
		if err != nil {
			testContext.Fatalf("failed to build action handler: %v", err)
		}
		return handler, queue
	}

	offlineHandler, offlineQueue := buildHandler(offlineClient)
	if err := offlineHandler.MarkDone(ctx, integrationLeadID, 1002); err != nil {
		testContext.Fatalf("offline mark-done must absorb the failure, got %v", err)
	}
	// Wait out the asynchronous drain kicked by the enqueue; the backend is
	// still unreachable, so the item survives it.
	if err := offlineQueue.Drain(ctx); err != nil {
		testContext.Fatalf("drain failed: %v", err)
	}
	if depth := offlineQueue.Depth(ctx); depth != 1 {
		testContext.Fatalf("expected the mutation to be queued, got depth %d", depth)
	}

	// Connectivity returns: a queue over the same store drains the mutation
	// through the live backend.
	liveClient, err := crm.NewClient(crm.Config{BaseURL: backendServer.URL, Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to build live client: %v", err)
	}
	_, liveQueue := buildHandler(liveClient)
	if err := liveQueue.Drain(ctx); err != nil {
		testContext.Fatalf("drain against live backend failed: %v", err)
	}
	if depth := liveQueue.Depth(ctx); depth != 0 {
		testContext.Fatalf("expected drained queue, got depth %d", depth)
	}
	if backend.patchCount() != 1 {
		testContext.Fatalf("expected one applied mutation, got %d", backend.patchCount())
	}
}

func waitFor(testContext *testing.T, what string, condition func() bool) {
	testContext.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	testContext.Fatalf("timed out waiting for %s", what)
}
