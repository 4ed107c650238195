package leads

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/MarcoPoloResearchLab/leadminder/internal/kvstore"
	"go.uber.org/zap"
)

// CacheKey is the kvstore key under which the CRM's sync collaborator
// publishes the lead snapshot array.
const CacheKey = "lead_cache"

var errMissingStore = errors.New("leads: key-value store is required")

// CacheSource reads the synced lead snapshot from the key-value store.
type CacheSource struct {
	store  kvstore.Store
	logger *zap.Logger
}

// NewCacheSource constructs a CacheSource over the shared key-value store.
func NewCacheSource(store kvstore.Store, logger *zap.Logger) (*CacheSource, error) {
	if store == nil {
		return nil, errMissingStore
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheSource{store: store, logger: logger}, nil
}

// ReadAll returns the cached snapshots. A missing or unparseable cache is
// treated as empty, never as a failure: the cache is a convenience, not a
// source of truth.
func (c *CacheSource) ReadAll(ctx context.Context) ([]Snapshot, error) {
	raw, ok, err := c.store.Get(ctx, CacheKey)
	if err != nil {
		return nil, err
	}
	if !ok || raw == "" {
		return nil, nil
	}

	var snapshots []Snapshot
	if err := json.Unmarshal([]byte(raw), &snapshots); err != nil {
		c.logger.Warn("lead cache is corrupt, treating as empty", zap.Error(err))
		return nil, nil
	}
	return snapshots, nil
}
