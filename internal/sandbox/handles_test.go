package sandbox

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/synnergy-network/chainkernel/internal/globalstore"
	"github.com/synnergy-network/chainkernel/internal/store"
	"github.com/synnergy-network/chainkernel/internal/txcache"
)

func newBankCache(t *testing.T) *txcache.Cache {
	t.Helper()
	gs, err := globalstore.New("global", store.NewMemBackend(), 0)
	require.NoError(t, err)
	require.NoError(t, gs.RegisterNamespace("bank", false))
	ns, err := gs.Namespace("bank")
	require.NoError(t, err)
	return txcache.New(ns)
}

func TestOpenResourceRoundTrip(t *testing.T) {
	cache := newBankCache(t)
	reg := NewRegistry()

	h := reg.Open(cache, "ante", "/bank/")
	view, err := reg.Resource(h)
	require.NoError(t, err)

	require.NoError(t, view.Set([]byte("alice"), []byte("100")))
	v, ok, err := view.Get([]byte("alice"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "100", string(v))

	// the prefix isolates the view from the rest of the underlying cache.
	_, ok, err = cache.Get([]byte("alice"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCloseInvalidatesHandle(t *testing.T) {
	cache := newBankCache(t)
	reg := NewRegistry()

	h := reg.Open(cache, "ante", "/bank/")
	require.NoError(t, reg.Close(h))

	_, err := reg.Resource(h)
	require.ErrorIs(t, err, ErrBadHandle)
}

func TestUnopenedHandleIsBad(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Resource(HandleID(42))
	require.ErrorIs(t, err, ErrBadHandle)
}

func TestHandleReuseAfterCloseBumpsSlot(t *testing.T) {
	cache := newBankCache(t)
	reg := NewRegistry()

	h1 := reg.Open(cache, "ante", "/bank/")
	require.NoError(t, reg.Close(h1))

	h2 := reg.Open(cache, "gov", "/gov/")
	require.Equal(t, h1, h2)

	view, err := reg.Resource(h2)
	require.NoError(t, err)
	require.NoError(t, view.Set([]byte("k"), []byte("v")))

	v, ok, err := cache.Get([]byte("gov./gov/k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", string(v))
}

func TestPrefixEscapeAttemptsAreLiteralBytes(t *testing.T) {
	cache := newBankCache(t)
	reg := NewRegistry()

	h := reg.Open(cache, "ante", "/bank/")
	view, err := reg.Resource(h)
	require.NoError(t, err)

	require.NoError(t, view.Set([]byte("../../etc/passwd"), []byte("x")))

	v, ok, err := cache.Get([]byte("ante./bank/../../etc/passwd"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "x", string(v))
}
