// Copyright 2025 Certen Protocol

package store

import (
	"context"
	"fmt"
	"sync"
)

// DeferredCache is an in-memory overlay over a backing KV: writes made
// during a batch are held in memory and only reach the backing store when
// Flush is called. If the batch fails, Discard drops the overlay so no
// orphaned Merkle nodes from a half-finished tree update ever reach disk
// (spec §4.6 "crash safety").
type DeferredCache struct {
	mu      sync.RWMutex
	backing KV
	pending map[string][]byte
}

// NewDeferredCache wraps backing with a pending-write overlay.
func NewDeferredCache(backing KV) *DeferredCache {
	return &DeferredCache{backing: backing, pending: make(map[string][]byte)}
}

// Get checks the pending overlay first, falling through to the backing
// store on a miss.
func (d *DeferredCache) Get(ctx context.Context, key string) ([]byte, error) {
	d.mu.RLock()
	v, ok := d.pending[key]
	d.mu.RUnlock()
	if ok {
		return v, nil
	}
	return d.backing.Get(ctx, key)
}

// Set stages value under key in the overlay; it is not visible to the
// backing store until Flush.
func (d *DeferredCache) Set(_ context.Context, key string, value []byte) error {
	d.mu.Lock()
	d.pending[key] = value
	d.mu.Unlock()
	return nil
}

// Has checks the overlay, falling through to the backing store.
func (d *DeferredCache) Has(ctx context.Context, key string) (bool, error) {
	d.mu.RLock()
	_, ok := d.pending[key]
	d.mu.RUnlock()
	if ok {
		return true, nil
	}
	return d.backing.Has(ctx, key)
}

// Flush writes every pending key to the backing store and clears the
// overlay. Partial failure leaves already-flushed keys durable (they are
// content-addressed, so re-flushing them later is harmless) and returns an
// error identifying the first key that failed; the caller must not advance
// committee progress past a failed flush.
func (d *DeferredCache) Flush(ctx context.Context) error {
	d.mu.Lock()
	pending := d.pending
	d.pending = make(map[string][]byte)
	d.mu.Unlock()

	for key, value := range pending {
		if err := d.backing.Set(ctx, key, value); err != nil {
			return fmt.Errorf("store: flush key %q: %w", key, err)
		}
	}
	return nil
}

// Discard drops every staged write without touching the backing store.
func (d *DeferredCache) Discard() {
	d.mu.Lock()
	d.pending = make(map[string][]byte)
	d.mu.Unlock()
}

// Pending reports how many writes are currently staged, for metrics.
func (d *DeferredCache) Pending() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.pending)
}
