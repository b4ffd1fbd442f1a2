// Package statemgr implements the state manager (C5): the sole owner of the
// global store, mediating every read, write, commit, and rollback through
// per-namespace transactional caches and tracking block height and
// snapshots on top.
package statemgr

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/synnergy-network/chainkernel/internal/globalstore"
	"github.com/synnergy-network/chainkernel/internal/merkle"
	"github.com/synnergy-network/chainkernel/internal/store"
	"github.com/synnergy-network/chainkernel/internal/txcache"
)

// ErrSnapshotMissing is returned by RestoreSnapshot for an unknown height.
var ErrSnapshotMissing = errors.New("statemgr: snapshot missing")

// ErrInvalidHeightTransition is returned by AdvanceToHeight when asked to
// move to a height below the current one.
var ErrInvalidHeightTransition = errors.New("statemgr: invalid height transition")

// Manager owns a globalstore.Store exclusively; no other component may call
// its Commit or Restore directly.
type Manager struct {
	mu      sync.Mutex
	gstore  *globalstore.Store
	caches  map[string]*txcache.Cache
	pending bool
	height  uint64

	snapshots map[uint64][]store.Entry
}

// New constructs a Manager around gstore, starting at height 0.
func New(gstore *globalstore.Store) *Manager {
	return &Manager{
		gstore:    gstore,
		caches:    make(map[string]*txcache.Cache),
		snapshots: make(map[uint64][]store.Entry),
	}
}

// RegisterNamespace delegates to the underlying global store.
func (m *Manager) RegisterNamespace(name string, readOnly bool) error {
	return m.gstore.RegisterNamespace(name, readOnly)
}

// Get returns the committed-state view onto namespace name, with no cache in
// front of it. The view is not write-protected: Set and Delete on it stage
// changes straight into the global store, outside the manager's caches.
func (m *Manager) Get(name string) (*globalstore.Namespace, error) {
	return m.gstore.Namespace(name)
}

// GetMut returns a mutable, write-buffering view onto namespace name,
// lazily creating its cache entry and marking the manager as having
// pending changes.
func (m *Manager) GetMut(name string) (*txcache.Cache, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.caches[name]; ok {
		m.pending = true
		return c, nil
	}
	ns, err := m.gstore.Namespace(name)
	if err != nil {
		return nil, err
	}
	c := txcache.New(ns)
	m.caches[name] = c
	m.pending = true
	return c, nil
}

// BeginBlock asserts no pending changes are outstanding; if any exist
// (e.g. left over from an aborted prior block), it rolls them back
// silently rather than failing.
func (m *Manager) BeginBlock() {
	m.mu.Lock()
	pending := m.pending
	m.mu.Unlock()
	if pending {
		m.Rollback()
	}
}

// Commit flushes every cached namespace view in deterministic
// namespace-name order, commits the global store, and advances height by
// one. If there are no pending changes it is a no-op that returns the
// current root and height unchanged.
func (m *Manager) Commit() (merkle.Hash, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.pending {
		root, err := m.gstore.RootHash()
		if err != nil {
			return merkle.Hash{}, m.height, err
		}
		return root, m.height, nil
	}

	names := make([]string, 0, len(m.caches))
	for name := range m.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := m.caches[name].Write(); err != nil {
			return merkle.Hash{}, m.height, fmt.Errorf("statemgr: flush namespace %q: %w", name, err)
		}
	}

	root, _, err := m.gstore.Commit()
	if err != nil {
		return merkle.Hash{}, m.height, err
	}
	m.height++
	m.pending = false
	m.caches = make(map[string]*txcache.Cache)
	return root, m.height, nil
}

// Rollback discards every cached namespace view without touching height.
func (m *Manager) Rollback() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.caches {
		c.Discard()
	}
	m.caches = make(map[string]*txcache.Cache)
	m.pending = false
}

// Height returns the current committed block height.
func (m *Manager) Height() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.height
}

// CreateSnapshot captures the entire live key space at the current height
// and returns that height as the snapshot's identifier.
func (m *Manager) CreateSnapshot() (uint64, error) {
	m.mu.Lock()
	height := m.height
	m.mu.Unlock()

	entries, err := m.gstore.Snapshot()
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	m.snapshots[height] = entries
	m.mu.Unlock()
	return height, nil
}

// RestoreSnapshot discards pending changes, replays the snapshot taken at
// height, and adopts height as the current one.
func (m *Manager) RestoreSnapshot(height uint64) error {
	m.mu.Lock()
	entries, ok := m.snapshots[height]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: height %d", ErrSnapshotMissing, height)
	}

	m.Rollback()

	if _, _, err := m.gstore.Restore(entries); err != nil {
		return err
	}
	m.mu.Lock()
	m.height = height
	m.mu.Unlock()
	return nil
}

// PruneSnapshots retains only the keepRecent most recent snapshot heights.
func (m *Manager) PruneSnapshots(keepRecent uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if uint64(len(m.snapshots)) <= keepRecent {
		return
	}
	heights := make([]uint64, 0, len(m.snapshots))
	for h := range m.snapshots {
		heights = append(heights, h)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
	drop := uint64(len(heights)) - keepRecent
	for i := uint64(0); i < drop; i++ {
		delete(m.snapshots, heights[i])
	}
}

// HasSnapshot reports whether a snapshot exists at height.
func (m *Manager) HasSnapshot(height uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.snapshots[height]
	return ok
}

// AdvanceToHeight moves the manager's height pointer forward to h. It
// refuses to move below the current height; h equal to the current height
// is accepted and leaves it unchanged.
func (m *Manager) AdvanceToHeight(h uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h < m.height {
		return fmt.Errorf("%w: %d < %d", ErrInvalidHeightTransition, h, m.height)
	}
	m.height = h
	return nil
}
