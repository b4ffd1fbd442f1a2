package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func backendImpls(t *testing.T) map[string]Backend {
	t.Helper()
	bolt, err := NewBoltBackend(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bolt.Close() })
	return map[string]Backend{
		"mem":  NewMemBackend(),
		"bolt": bolt,
	}
}

func TestBackendGetPutDelete(t *testing.T) {
	for name, b := range backendImpls(t) {
		b := b
		t.Run(name, func(t *testing.T) {
			_, ok, err := b.Get([]byte("k1"))
			require.NoError(t, err)
			require.False(t, ok)

			require.NoError(t, b.Put([]byte("k1"), []byte("v1")))
			v, ok, err := b.Get([]byte("k1"))
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, []byte("v1"), v)

			require.NoError(t, b.Delete([]byte("k1")))
			_, ok, err = b.Get([]byte("k1"))
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestBackendEmptyValueDistinctFromAbsence(t *testing.T) {
	for name, b := range backendImpls(t) {
		b := b
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Put([]byte("k"), []byte{}))
			v, ok, err := b.Get([]byte("k"))
			require.NoError(t, err)
			require.True(t, ok)
			require.Empty(t, v)
		})
	}
}

func TestBackendBatchAtomicAndScanOrdered(t *testing.T) {
	for name, b := range backendImpls(t) {
		b := b
		t.Run(name, func(t *testing.T) {
			ops := []Op{
				{Kind: OpPut, Key: []byte("b"), Value: []byte("2")},
				{Kind: OpPut, Key: []byte("a"), Value: []byte("1")},
				{Kind: OpPut, Key: []byte("c"), Value: []byte("3")},
			}
			require.NoError(t, b.Batch(ops))

			entries, err := b.Scan(nil)
			require.NoError(t, err)
			require.Len(t, entries, 3)
			require.Equal(t, []byte("a"), entries[0].Key)
			require.Equal(t, []byte("b"), entries[1].Key)
			require.Equal(t, []byte("c"), entries[2].Key)

			require.NoError(t, b.Batch([]Op{
				{Kind: OpDelete, Key: []byte("b")},
				{Kind: OpPut, Key: []byte("d"), Value: []byte("4")},
			}))
			entries, err = b.Scan(nil)
			require.NoError(t, err)
			require.Len(t, entries, 3)
		})
	}
}

func TestBackendScanPrefix(t *testing.T) {
	for name, b := range backendImpls(t) {
		b := b
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Put([]byte("ns1/a"), []byte("1")))
			require.NoError(t, b.Put([]byte("ns1/b"), []byte("2")))
			require.NoError(t, b.Put([]byte("ns2/a"), []byte("3")))

			entries, err := b.Scan([]byte("ns1/"))
			require.NoError(t, err)
			require.Len(t, entries, 2)
			for _, e := range entries {
				require.Contains(t, string(e.Key), "ns1/")
			}
		})
	}
}
