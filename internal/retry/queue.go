// Package retry durably queues remote mutations that failed while the device
// was offline or the session was expired, and re-applies them in enqueue
// order. Delivery is at-least-once; the backend treats mutations as
// idempotent on the lead id.
package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/leadminder/internal/crm"
	"github.com/MarcoPoloResearchLab/leadminder/internal/kvstore"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StorageKey is the kvstore key holding the serialized queue.
const StorageKey = "retry_queue"

const defaultMaxItems = 500

var (
	errMissingStore   = errors.New("retry: key-value store is required")
	errMissingApplier = errors.New("retry: applier is required")
)

// Kind enumerates the mutation kinds the queue can carry.
type Kind string

// KindUpdateLead is a partial lead mutation.
const KindUpdateLead Kind = "update_lead"

// Item is one pending mutation.
type Item struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	LeadID     string          `json:"lead_id"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt int64           `json:"enqueued_at"`
	Attempts   int             `json:"attempts"`
}

// Applier performs the remote side of one queued mutation.
type Applier interface {
	Apply(ctx context.Context, item Item) error
}

// QueueConfig describes a Queue.
type QueueConfig struct {
	Store   kvstore.Store
	Applier Applier
	Clock   func() time.Time
	Logger  *zap.Logger
	// MaxItems bounds the queue; when full, the oldest item is dropped with a
	// warning. Zero selects the default of 500.
	MaxItems int
}

// Queue is a durable FIFO of pending mutations.
type Queue struct {
	store    kvstore.Store
	applier  Applier
	clock    func() time.Time
	logger   *zap.Logger
	maxItems int

	mu      sync.Mutex // guards load/save read-modify-write cycles
	drainMu sync.Mutex // serializes whole drain passes
}

// NewQueue constructs a Queue.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Applier == nil {
		return nil, errMissingApplier
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxItems := cfg.MaxItems
	if maxItems <= 0 {
		maxItems = defaultMaxItems
	}

	return &Queue{
		store:    cfg.Store,
		applier:  cfg.Applier,
		clock:    clock,
		logger:   logger,
		maxItems: maxItems,
	}, nil
}

// Enqueue appends the item and kicks a best-effort asynchronous drain, so a
// mutation that failed only momentarily is retried right away.
func (q *Queue) Enqueue(ctx context.Context, item Item) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.EnqueuedAt == 0 {
		item.EnqueuedAt = q.clock().Unix()
	}

	q.mu.Lock()
	items := q.load(ctx)
	if len(items) >= q.maxItems {
		dropped := items[0]
		items = items[1:]
		q.logger.Warn("retry queue full, dropping oldest item",
			zap.String("dropped_id", dropped.ID),
			zap.String("dropped_lead_id", dropped.LeadID),
		)
	}
	items = append(items, item)
	err := q.save(ctx, items)
	q.mu.Unlock()
	if err != nil {
		return err
	}

	q.logger.Info("mutation enqueued for retry",
		zap.String("item_id", item.ID),
		zap.String("lead_id", item.LeadID),
		zap.String("kind", string(item.Kind)),
	)
	q.KickDrain()
	return nil
}

// KickDrain starts a drain on a fresh goroutine unless one is already
// running. Best effort only; the periodic drain job covers the rest.
func (q *Queue) KickDrain() {
	if !q.drainMu.TryLock() {
		return
	}
	go func() {
		defer q.drainMu.Unlock()
		q.drainLocked(context.Background())
	}()
}

// Drain re-attempts every queued item in enqueue order. A failure blocks
// later items for the same lead, preserving per-lead ordering, while
// unrelated leads continue. Items are removed on success; validation
// rejections are dropped with an error log; everything else stays queued.
func (q *Queue) Drain(ctx context.Context) error {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()
	return q.drainLocked(ctx)
}

func (q *Queue) drainLocked(ctx context.Context) error {
	q.mu.Lock()
	items := q.load(ctx)
	q.mu.Unlock()

	if len(items) == 0 {
		return nil
	}
	q.logger.Debug("draining retry queue", zap.Int("depth", len(items)))

	blocked := map[string]struct{}{}
	removed := map[string]struct{}{}
	retried := map[string]Item{}
	var drainErr error
	for _, item := range items {
		select {
		case <-ctx.Done():
			drainErr = ctx.Err()
		default:
		}
		if drainErr != nil {
			break
		}

		if _, isBlocked := blocked[item.LeadID]; isBlocked {
			continue
		}

		err := q.applier.Apply(ctx, item)
		switch {
		case err == nil:
			removed[item.ID] = struct{}{}
			q.logger.Info("queued mutation applied",
				zap.String("item_id", item.ID),
				zap.String("lead_id", item.LeadID),
			)
		case crm.IsValidation(err):
			// Permanently invalid; retrying forever would be worse. Dropped
			// with a loud log so the loss is observable.
			removed[item.ID] = struct{}{}
			q.logger.Error("queued mutation rejected as invalid, dropping",
				zap.String("item_id", item.ID),
				zap.String("lead_id", item.LeadID),
				zap.Error(err),
			)
		default:
			item.Attempts++
			retried[item.ID] = item
			blocked[item.LeadID] = struct{}{}
			q.logger.Warn("queued mutation still failing",
				zap.String("item_id", item.ID),
				zap.String("lead_id", item.LeadID),
				zap.Int("attempts", item.Attempts),
				zap.Error(err),
			)
		}
	}

	return q.persistOutcome(ctx, removed, retried, drainErr)
}

// persistOutcome folds this pass's outcome into the current queue state rather
// than overwriting it: an item enqueued while the pass was applying must
// survive the write-back.
func (q *Queue) persistOutcome(ctx context.Context, removed map[string]struct{}, retried map[string]Item, drainErr error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	// The queue state must survive a cancelled drain.
	persistCtx := context.WithoutCancel(ctx)
	current := q.load(persistCtx)
	merged := make([]Item, 0, len(current))
	for _, item := range current {
		if _, dropped := removed[item.ID]; dropped {
			continue
		}
		if updated, ok := retried[item.ID]; ok {
			item = updated
		}
		merged = append(merged, item)
	}

	if err := q.save(persistCtx, merged); err != nil {
		return errors.Join(drainErr, err)
	}
	return drainErr
}

// Depth returns the number of queued items.
func (q *Queue) Depth(ctx context.Context) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.load(ctx))
}

// load reads the whole queue. A corrupt payload is treated as empty.
func (q *Queue) load(ctx context.Context) []Item {
	raw, ok, err := q.store.Get(ctx, StorageKey)
	if err != nil {
		q.logger.Warn("loading retry queue failed, treating as empty", zap.Error(err))
		return nil
	}
	if !ok || raw == "" {
		return nil
	}

	var items []Item
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		q.logger.Warn("retry queue is corrupt, treating as empty", zap.Error(err))
		return nil
	}
	return items
}

func (q *Queue) save(ctx context.Context, items []Item) error {
	if items == nil {
		items = []Item{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("retry: marshal queue: %w", err)
	}
	return q.store.Set(ctx, StorageKey, string(raw))
}
