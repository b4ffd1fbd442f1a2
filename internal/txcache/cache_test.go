package txcache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/synnergy-network/chainkernel/internal/globalstore"
	"github.com/synnergy-network/chainkernel/internal/store"
)

func newNamespace(t *testing.T) *globalstore.Namespace {
	t.Helper()
	_, ns := newStoreAndNamespace(t)
	return ns
}

// newStoreAndNamespace also returns the store, for tests that must Commit it:
// a Namespace's Set only stages a write, and its Get reads committed state.
func newStoreAndNamespace(t *testing.T) (*globalstore.Store, *globalstore.Namespace) {
	t.Helper()
	s, err := globalstore.New("global", store.NewMemBackend(), 0)
	require.NoError(t, err)
	require.NoError(t, s.RegisterNamespace("bank", false))
	ns, err := s.Namespace("bank")
	require.NoError(t, err)
	return s, ns
}

func TestGetPrefersPendingOverUnderlying(t *testing.T) {
	s, ns := newStoreAndNamespace(t)
	require.NoError(t, ns.Set([]byte("k"), []byte("under")))
	_, _, err := s.Commit()
	require.NoError(t, err)

	c := New(ns)
	require.NoError(t, c.Set([]byte("k"), []byte("pending")))

	v, ok, err := c.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "pending", string(v))

	hits, misses := c.Stats()
	require.Equal(t, uint64(1), hits)
	require.Equal(t, uint64(0), misses)
}

func TestGetFallsThroughAndCountsMiss(t *testing.T) {
	ns := newNamespace(t)
	c := New(ns)

	_, ok, err := c.Get([]byte("absent"))
	require.NoError(t, err)
	require.False(t, ok)

	hits, misses := c.Stats()
	require.Equal(t, uint64(0), hits)
	require.Equal(t, uint64(1), misses)
}

func TestPendingDeleteHidesUnderlyingValue(t *testing.T) {
	s, ns := newStoreAndNamespace(t)
	require.NoError(t, ns.Set([]byte("k"), []byte("under")))
	_, _, err := s.Commit()
	require.NoError(t, err)

	c := New(ns)
	require.NoError(t, c.Delete([]byte("k")))

	_, ok, err := c.Get([]byte("k"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWriteFlushesPendingToUnderlying(t *testing.T) {
	s, ns := newStoreAndNamespace(t)
	c := New(ns)
	require.NoError(t, c.Set([]byte("k"), []byte("v")))
	require.NoError(t, c.Write())
	_, _, err := s.Commit()
	require.NoError(t, err)

	v, ok, err := ns.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", string(v))

	// after write, pending is empty so Get falls through and is a miss.
	_, _, err = c.Get([]byte("k"))
	require.NoError(t, err)
}

func TestDiscardDropsPendingAndResetsCounters(t *testing.T) {
	ns := newNamespace(t)
	c := New(ns)
	require.NoError(t, c.Set([]byte("k"), []byte("v")))
	_, _, _ = c.Get([]byte("k"))

	c.Discard()

	_, ok, err := c.Get([]byte("k"))
	require.NoError(t, err)
	require.False(t, ok)

	hits, misses := c.Stats()
	require.Equal(t, uint64(0), hits)
	require.Equal(t, uint64(1), misses)
}

func TestPrefixIterMergesPendingFavoringPending(t *testing.T) {
	s, ns := newStoreAndNamespace(t)
	require.NoError(t, ns.Set([]byte("user/alice"), []byte("1")))
	require.NoError(t, ns.Set([]byte("user/bob"), []byte("2")))
	_, _, err := s.Commit()
	require.NoError(t, err)

	c := New(ns)
	require.NoError(t, c.Set([]byte("user/alice"), []byte("override")))
	require.NoError(t, c.Set([]byte("user/carol"), []byte("3")))

	entries, err := c.PrefixIter([]byte("user/"))
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "user/alice", string(entries[0].Key))
	require.Equal(t, "override", string(entries[0].Value))
	require.Equal(t, "user/bob", string(entries[1].Key))
	require.Equal(t, "user/carol", string(entries[2].Key))
}

func TestPrefixIterExcludesPendingDeletes(t *testing.T) {
	s, ns := newStoreAndNamespace(t)
	require.NoError(t, ns.Set([]byte("user/alice"), []byte("1")))
	_, _, err := s.Commit()
	require.NoError(t, err)

	c := New(ns)
	require.NoError(t, c.Delete([]byte("user/alice")))

	entries, err := c.PrefixIter([]byte("user/"))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestInvalidatePrefixDropsOnlyMatchingPending(t *testing.T) {
	ns := newNamespace(t)
	c := New(ns)
	require.NoError(t, c.Set([]byte("user/alice"), []byte("1")))
	require.NoError(t, c.Set([]byte("config/limit"), []byte("2")))

	c.InvalidatePrefix([]byte("user/"))

	_, ok, err := c.Get([]byte("user/alice"))
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = c.Get([]byte("config/limit"))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestNestedCacheWritesPushPendingDownOneLevel(t *testing.T) {
	s, ns := newStoreAndNamespace(t)
	inner := New(ns)
	outer := New(inner)

	require.NoError(t, outer.Set([]byte("k"), []byte("v")))
	require.NoError(t, outer.Write())
	_, _, err := s.Commit()
	require.NoError(t, err)

	// after outer.Write, the entry is pending in inner but not yet in ns.
	v, ok, err := inner.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", string(v))

	_, ok, err = ns.Get([]byte("k"))
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, inner.Write())
	_, _, err = s.Commit()
	require.NoError(t, err)
	v, ok, err = ns.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", string(v))
}
