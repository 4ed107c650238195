// Package kvstore provides the durable key-value substrate shared by every
// persistent store in the agent. Values are written whole; callers that need
// read-modify-write semantics serialize around their own mutex.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrMissingDatabase indicates no database handle was supplied to the SQLite store.
var ErrMissingDatabase = errors.New("kvstore: database handle is required")

// Store is a durable, process-independent key to string map.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set writes the whole value for key, replacing any previous value.
	Set(ctx context.Context, key, value string) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Keys lists every stored key beginning with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Entry models one persisted key-value pair.
type Entry struct {
	Key       string    `gorm:"column:key;primaryKey;size:190;not null"`
	Value     string    `gorm:"column:value;type:text;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "kv_entries"
}

func wrapOp(op string, err error) error {
	return fmt.Errorf("kvstore: %s: %w", op, err)
}
