// Package txcache implements the transactional cache (C4): a write-buffering
// layer over anything satisfying the store view contract, supporting
// commit-or-rollback semantics, targeted invalidation, merged prefix
// iteration, and hit/miss accounting.
package txcache

import (
	"bytes"
	"sort"
	"sync"

	"github.com/synnergy-network/chainkernel/internal/store"
)

// View is the store contract a Cache wraps: any namespace view, or another
// Cache, satisfies it, which is what makes nesting possible.
type View interface {
	Get(key []byte) ([]byte, bool, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	Has(key []byte) (bool, error)
	PrefixIter(prefix []byte) ([]store.Entry, error)
}

// pendingEntry is a staged write (present) or delete (absent).
type pendingEntry struct {
	value  []byte
	delete bool
}

// Cache buffers writes over an underlying View until Write flushes them, or
// Discard drops them. It is safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	under    View
	pending  map[string]pendingEntry
	hits     uint64
	misses   uint64
}

// New constructs a Cache over an underlying store view.
func New(under View) *Cache {
	return &Cache{under: under, pending: make(map[string]pendingEntry)}
}

// Get returns k's value, preferring a pending entry over the underlying
// store. A pending hit (including a pending delete) counts as a hit; only a
// fall-through to the underlying store counts as a miss.
func (c *Cache) Get(key []byte) ([]byte, bool, error) {
	c.mu.Lock()
	if e, ok := c.pending[string(key)]; ok {
		c.hits++
		c.mu.Unlock()
		if e.delete {
			return nil, false, nil
		}
		return append([]byte(nil), e.value...), true, nil
	}
	c.misses++
	c.mu.Unlock()
	return c.under.Get(key)
}

// Has reports presence per the same pending-first resolution as Get.
func (c *Cache) Has(key []byte) (bool, error) {
	_, ok, err := c.Get(key)
	return ok, err
}

// Set stages a write of key, superseding any prior pending state for it.
func (c *Cache) Set(key, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[string(key)] = pendingEntry{value: append([]byte(nil), value...)}
	return nil
}

// Delete stages a deletion of key, superseding any prior pending state.
func (c *Cache) Delete(key []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[string(key)] = pendingEntry{delete: true}
	return nil
}

// Invalidate drops any pending state for key without touching the
// underlying store.
func (c *Cache) Invalidate(key []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, string(key))
}

// InvalidatePrefix drops pending state for every key starting with prefix.
func (c *Cache) InvalidatePrefix(prefix []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.pending {
		if bytes.HasPrefix([]byte(k), prefix) {
			delete(c.pending, k)
		}
	}
}

// PrefixIter merges pending entries under prefix (excluding pending
// deletions) with the underlying store's entries, favoring pending on
// overlap, and returns the result in ascending key order.
func (c *Cache) PrefixIter(prefix []byte) ([]store.Entry, error) {
	underEntries, err := c.under.PrefixIter(prefix)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	merged := make(map[string][]byte, len(underEntries))
	for _, e := range underEntries {
		merged[string(e.Key)] = e.Value
	}
	for k, e := range c.pending {
		if !bytes.HasPrefix([]byte(k), prefix) {
			continue
		}
		if e.delete {
			delete(merged, k)
			continue
		}
		merged[k] = e.value
	}
	c.mu.Unlock()

	out := make([]store.Entry, 0, len(merged))
	for k, v := range merged {
		out = append(out, store.Entry{Key: []byte(k), Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Key, out[j].Key) < 0 })
	return out, nil
}

// Write applies pending entries to the underlying store in deterministic
// ascending-key order, then clears pending. Hit/miss counters are left
// untouched; only Discard resets them.
func (c *Cache) Write() error {
	c.mu.Lock()
	keys := make([]string, 0, len(c.pending))
	for k := range c.pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pending := c.pending
	c.pending = make(map[string]pendingEntry)
	c.mu.Unlock()

	for _, k := range keys {
		e := pending[k]
		if e.delete {
			if err := c.under.Delete([]byte(k)); err != nil {
				return err
			}
			continue
		}
		if err := c.under.Set([]byte(k), e.value); err != nil {
			return err
		}
	}
	return nil
}

// Discard drops all pending entries and resets the hit/miss counters.
func (c *Cache) Discard() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = make(map[string]pendingEntry)
	c.hits = 0
	c.misses = 0
}

// Stats returns the cumulative hit and miss counts since construction or the
// last Discard.
func (c *Cache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
