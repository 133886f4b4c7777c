// Copyright 2025 Certen Protocol
//
// Package store provides the content-addressed fact store (spec §4.4/§4.6):
// a narrow KV interface backed by cometbft-db, a deferred-write cache that
// batches a whole committee cycle's writes and flushes them to the backing
// store key by key (not atomically; see DeferredCache.Flush), and
// a Postgres-backed store for the mutable committee progress keys.

package store

import (
	"context"
	"errors"
	"fmt"

	dbm "github.com/cometbft/cometbft-db"
)

// ErrKeyNotFound is returned by Get when no value is stored for the key.
var ErrKeyNotFound = errors.New("store: key not found")

// KV is the narrow interface the Merkle tree and fact store depend on.
// Values are treated as immutable once written: every key this repository
// ever sets is content-addressed, so re-setting the same key always writes
// the same bytes (spec §4.6).
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Has(ctx context.Context, key string) (bool, error)
}

// CometKV wraps a cometbft-db dbm.DB as a KV, mirroring the adapter pattern
// the teacher uses to bridge its ledger package onto cometbft-db.
type CometKV struct {
	db dbm.DB
}

// NewCometKV wraps db. Callers choose the backend: dbm.NewDB with
// dbm.MemDBBackend for an in-memory store, or with dbm.GoLevelDBBackend for
// a persistent one (spec §4.6 /
// external interfaces, STORAGE_BACKEND config key).
func NewCometKV(db dbm.DB) *CometKV {
	return &CometKV{db: db}
}

// Get returns ErrKeyNotFound if the key is absent, never (nil, nil) — the
// ambiguous not-found convention the teacher's database package explicitly
// moved away from.
func (c *CometKV) Get(_ context.Context, key string) ([]byte, error) {
	v, err := c.db.Get([]byte(key))
	if err != nil {
		return nil, fmt.Errorf("store: get %q: %w", key, err)
	}
	if v == nil {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	return v, nil
}

// Set writes synchronously: a committee member must never report a root
// whose constituent nodes are not yet durable.
func (c *CometKV) Set(_ context.Context, key string, value []byte) error {
	if err := c.db.SetSync([]byte(key), value); err != nil {
		return fmt.Errorf("store: set %q: %w", key, err)
	}
	return nil
}

// Has reports whether key is present without fetching its value.
func (c *CometKV) Has(_ context.Context, key string) (bool, error) {
	ok, err := c.db.Has([]byte(key))
	if err != nil {
		return false, fmt.Errorf("store: has %q: %w", key, err)
	}
	return ok, nil
}

// Close releases the underlying database handle.
func (c *CometKV) Close() error {
	return c.db.Close()
}
