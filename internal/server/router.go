// Package server exposes the agent's local HTTP surface: the intent endpoint
// consumed by notification action buttons, the notification feed polled by
// the CRM shell, and a status endpoint.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/leadminder/internal/notify"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultSnoozeDurationMinutes = 30

var (
	errMissingActions = errors.New("server: action handler dependency required")
	errMissingFeed    = errors.New("server: notification feed dependency required")
)

// ActionHandler executes the inbound action intents. Acquire registers the
// intent with the handler's completion guard before the work is dispatched.
type ActionHandler interface {
	Acquire() func()
	MarkDone(ctx context.Context, leadID string, notificationID int) error
	Snooze(ctx context.Context, leadID string, notificationID int, duration time.Duration) error
}

// StatusReport is the payload of the status endpoint.
type StatusReport struct {
	SessionValid bool  `json:"session_valid"`
	QueueDepth   int   `json:"queue_depth"`
	Timestamp    int64 `json:"timestamp"`
}

// StatusFunc assembles the current status report.
type StatusFunc func(ctx context.Context) StatusReport

// Dependencies wires the router to the rest of the agent.
type Dependencies struct {
	Actions ActionHandler
	Feed    *notify.Feed
	Status  StatusFunc
	Logger  *zap.Logger
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Actions == nil {
		return nil, errMissingActions
	}
	if deps.Feed == nil {
		return nil, errMissingFeed
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		actions: deps.Actions,
		feed:    deps.Feed,
		status:  deps.Status,
		logger:  logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/v1/notifications", handler.handleNotifications)
	router.GET("/v1/status", handler.handleStatus)
	router.POST("/v1/intents", handler.handleIntent)

	return router, nil
}

type httpHandler struct {
	actions ActionHandler
	feed    *notify.Feed
	status  StatusFunc
	logger  *zap.Logger
}

type intentRequestPayload struct {
	Action          string `json:"action"`
	LeadID          string `json:"lead_id"`
	NotificationID  int    `json:"notification_id"`
	DurationMinutes int    `json:"duration_minutes"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleNotifications(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"notifications": h.feed.Snapshot()})
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	if h.status == nil {
		c.JSON(http.StatusOK, StatusReport{})
		return
	}
	c.JSON(http.StatusOK, h.status(c.Request.Context()))
}

// handleIntent accepts an action intent and dispatches it asynchronously.
// The intent is acknowledged immediately; failures surface through the retry
// queue, never to the notification surface.
func (h *httpHandler) handleIntent(c *gin.Context) {
	var request intentRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.LeadID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	action := notify.ActionKind(strings.ToUpper(strings.TrimSpace(request.Action)))
	switch action {
	case notify.ActionMarkDone:
		h.dispatchIntent("mark_done", func(ctx context.Context) error {
			return h.actions.MarkDone(ctx, request.LeadID, request.NotificationID)
		})
	case notify.ActionSnooze:
		minutes := request.DurationMinutes
		if minutes <= 0 {
			minutes = defaultSnoozeDurationMinutes
		}
		duration := time.Duration(minutes) * time.Minute
		h.dispatchIntent("snooze", func(ctx context.Context) error {
			return h.actions.Snooze(ctx, request.LeadID, request.NotificationID, duration)
		})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_action"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// dispatchIntent registers the intent with the completion guard before the
// goroutine exists, so an accepted intent is always covered by shutdown's
// Wait even if it has not started running yet.
func (h *httpHandler) dispatchIntent(name string, run func(ctx context.Context) error) {
	release := h.actions.Acquire()
	go func() {
		defer release()
		// Detached from the request context: the intent outlives the HTTP call.
		if err := run(context.Background()); err != nil {
			h.logger.Warn("intent handling failed", zap.String("intent", name), zap.Error(err))
		}
	}()
}
