package reminders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/leadminder/internal/kvstore"
	"go.uber.org/zap"
)

// DedupStorageKey is the kvstore key holding today's fired notification keys.
const DedupStorageKey = "notified_keys"

var errMissingDedupStore = errors.New("reminders: key-value store is required")

// DedupStore tracks which notification keys have already fired today. Entries
// for past days are purged opportunistically on every evaluation pass, so the
// set stays bounded to one day's worth of keys.
type DedupStore struct {
	store  kvstore.Store
	logger *zap.Logger
	mu     sync.Mutex
}

// NewDedupStore constructs a DedupStore over the shared key-value store.
func NewDedupStore(store kvstore.Store, logger *zap.Logger) (*DedupStore, error) {
	if store == nil {
		return nil, errMissingDedupStore
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DedupStore{store: store, logger: logger}, nil
}

// FilterNew returns the subset of keys not yet present in the fired set, in
// the input order. It never mutates the set.
func (d *DedupStore) FilterNew(ctx context.Context, keys []NotificationKey) ([]NotificationKey, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	fired, err := d.load(ctx)
	if err != nil {
		return nil, err
	}

	var fresh []NotificationKey
	for _, key := range keys {
		if _, seen := fired[key]; !seen {
			fresh = append(fresh, key)
		}
	}
	return fresh, nil
}

// MarkNotified inserts keys into the fired set in one batch write.
func (d *DedupStore) MarkNotified(ctx context.Context, keys []NotificationKey) error {
	if len(keys) == 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	fired, err := d.load(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		fired[key] = struct{}{}
	}
	return d.save(ctx, fired)
}

// PurgeStale drops every key whose day stamp differs from todayStamp.
func (d *DedupStore) PurgeStale(ctx context.Context, todayStamp string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	fired, err := d.load(ctx)
	if err != nil {
		return err
	}

	kept := make(map[NotificationKey]struct{}, len(fired))
	for key := range fired {
		if key.DayStamp() == todayStamp {
			kept[key] = struct{}{}
		}
	}
	if len(kept) == len(fired) {
		return nil
	}
	d.logger.Debug("purged stale dedup keys",
		zap.Int("dropped", len(fired)-len(kept)),
		zap.String("today", todayStamp),
	)
	return d.save(ctx, kept)
}

// load reads the whole fired set. A corrupt payload is treated as empty.
func (d *DedupStore) load(ctx context.Context) (map[NotificationKey]struct{}, error) {
	raw, ok, err := d.store.Get(ctx, DedupStorageKey)
	if err != nil {
		return nil, fmt.Errorf("reminders: load dedup set: %w", err)
	}
	fired := map[NotificationKey]struct{}{}
	if !ok || strings.TrimSpace(raw) == "" {
		return fired, nil
	}

	var keys []string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		d.logger.Warn("dedup set is corrupt, treating as empty", zap.Error(err))
		return fired, nil
	}
	for _, key := range keys {
		fired[NotificationKey(key)] = struct{}{}
	}
	return fired, nil
}

func (d *DedupStore) save(ctx context.Context, fired map[NotificationKey]struct{}) error {
	keys := make([]string, 0, len(fired))
	for key := range fired {
		keys = append(keys, string(key))
	}
	raw, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("reminders: marshal dedup set: %w", err)
	}
	return d.store.Set(ctx, DedupStorageKey, string(raw))
}
