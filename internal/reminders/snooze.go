package reminders

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/leadminder/internal/kvstore"
	"go.uber.org/zap"
)

// SnoozeKeyPrefix prefixes the per-lead suppress-until entries.
const SnoozeKeyPrefix = "snooze:"

var errMissingSnoozeStore = errors.New("reminders: key-value store is required")

// SnoozeStore maps lead id to a suppress-until instant. Entries are never
// auto-deleted; a snooze simply stops suppressing once the instant passes.
type SnoozeStore struct {
	store  kvstore.Store
	logger *zap.Logger
	mu     sync.Mutex
}

// NewSnoozeStore constructs a SnoozeStore over the shared key-value store.
func NewSnoozeStore(store kvstore.Store, logger *zap.Logger) (*SnoozeStore, error) {
	if store == nil {
		return nil, errMissingSnoozeStore
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SnoozeStore{store: store, logger: logger}, nil
}

// Snooze records that leadID should not notify until the given instant.
func (s *SnoozeStore) Snooze(ctx context.Context, leadID string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	value := strconv.FormatInt(until.UnixMilli(), 10)
	return s.store.Set(ctx, SnoozeKeyPrefix+leadID, value)
}

// Until returns the suppress-until instant for leadID and whether one is
// recorded. A corrupt entry reads as not snoozed.
func (s *SnoozeStore) Until(ctx context.Context, leadID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok, err := s.store.Get(ctx, SnoozeKeyPrefix+leadID)
	if err != nil {
		s.logger.Warn("snooze lookup failed", zap.String("lead_id", leadID), zap.Error(err))
		return time.Time{}, false
	}
	if !ok {
		return time.Time{}, false
	}

	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		s.logger.Warn("snooze entry is corrupt, ignoring", zap.String("lead_id", leadID), zap.Error(err))
		return time.Time{}, false
	}
	return time.UnixMilli(millis), true
}

// LookupFunc adapts the store to the evaluator's pure snooze-lookup shape.
func (s *SnoozeStore) LookupFunc(ctx context.Context) func(leadID string) (time.Time, bool) {
	return func(leadID string) (time.Time, bool) {
		return s.Until(ctx, leadID)
	}
}
