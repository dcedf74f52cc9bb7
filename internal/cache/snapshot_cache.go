// Package cache implements the bounded in-memory snapshot cache described
// in spec.md §4.C: a hot map of recently saved game states that spills the
// oldest entry to the persistent store once it grows past its bound.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// BackingStore is the subset of store.Store the cache falls through to.
// Declared locally so cache does not need to know about store's retry
// machinery, only its contract.
type BackingStore interface {
	Upsert(ctx context.Context, code string, blob []byte) error
	Load(ctx context.Context, code string) (blob []byte, ok bool, err error)
}

type entry struct {
	blob []byte
	ts   time.Time
}

// SnapshotCache is a bounded map[code]{blob, timestamp} with strictly
// oldest-timestamp eviction, backed by an external store for overflow and
// restore-after-eviction.
type SnapshotCache struct {
	mu      sync.Mutex
	entries map[string]entry
	maxSize int

	store  BackingStore
	logger *logrus.Logger
}

// New builds a SnapshotCache bounded at maxSize entries (spec.md default:
// MAX_SAVE_GAMES = 10000).
func New(maxSize int, store BackingStore, logger *logrus.Logger) *SnapshotCache {
	return &SnapshotCache{
		entries: make(map[string]entry),
		maxSize: maxSize,
		store:   store,
		logger:  logger,
	}
}

// Save overwrites code's entry with blob and the current time. If the
// cache has grown past its bound, the single oldest entry is evicted to
// the store asynchronously.
func (c *SnapshotCache) Save(code string, blob []byte) {
	c.mu.Lock()
	c.entries[code] = entry{blob: blob, ts: time.Now()}

	var evictCode string
	var evictBlob []byte
	evict := false
	if len(c.entries) > c.maxSize {
		evictCode, evictBlob, evict = c.oldestLocked()
		if evict {
			delete(c.entries, evictCode)
		}
	}
	c.mu.Unlock()

	if evict {
		go c.flushToStore(evictCode, evictBlob)
	}
}

// oldestLocked finds the entry with the smallest timestamp. Caller must
// hold c.mu.
func (c *SnapshotCache) oldestLocked() (code string, blob []byte, ok bool) {
	var oldestTS time.Time
	first := true
	for k, v := range c.entries {
		if first || v.ts.Before(oldestTS) {
			code, blob, oldestTS = k, v.blob, v.ts
			first = false
		}
	}
	return code, blob, !first
}

func (c *SnapshotCache) flushToStore(code string, blob []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.store.Upsert(ctx, code, blob); err != nil {
		// Eviction is best-effort: log and move on, do not re-insert
		// the entry (spec.md §4.C).
		c.logger.Warnf("snapshot cache: eviction upsert for %s failed: %v", code, err)
	}
}

// Load returns the blob for code. A cache hit is non-destructive. A miss
// falls through to the store and, on a store hit, re-populates the cache
// (subject to the same eviction discipline) so a restored-then-re-emptied
// lobby can be flushed again.
func (c *SnapshotCache) Load(ctx context.Context, code string) ([]byte, bool, error) {
	c.mu.Lock()
	if e, ok := c.entries[code]; ok {
		c.mu.Unlock()
		return e.blob, true, nil
	}
	c.mu.Unlock()

	blob, ok, err := c.store.Load(ctx, code)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	c.Save(code, blob)
	return blob, true, nil
}

// Has reports a cache-only hit; it never consults the store.
func (c *SnapshotCache) Has(code string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[code]
	return ok
}

// Snapshot returns a point-in-time copy of every cached (code, blob) pair,
// used by the broker's periodic bulk flush.
func (c *SnapshotCache) Snapshot() map[string][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]byte, len(c.entries))
	for k, v := range c.entries {
		out[k] = v.blob
	}
	return out
}
