package merkle

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/synnergy-network/chainkernel/internal/store"
)

func strp(s string) *[]byte {
	b := []byte(s)
	return &b
}

func TestVersionZeroIsAllZeroRoot(t *testing.T) {
	tr, err := New("state", store.NewMemBackend(), 0)
	require.NoError(t, err)
	root, err := tr.RootAt(0)
	require.NoError(t, err)
	require.Equal(t, Hash{}, root)
	require.Equal(t, uint64(0), tr.Version())
}

func TestCommitIsDeterministicRegardlessOfInsertionOrder(t *testing.T) {
	t1, _ := New("bank", store.NewMemBackend(), 0)
	t1.Stage(map[string]*[]byte{"a": strp("1"), "b": strp("2"), "c": strp("3")})
	r1, _, err := t1.Commit()
	require.NoError(t, err)

	t2, _ := New("bank", store.NewMemBackend(), 0)
	t2.Stage(map[string]*[]byte{"c": strp("3"), "a": strp("1")})
	t2.Stage(map[string]*[]byte{"b": strp("2")})
	r2, _, err := t2.Commit()
	require.NoError(t, err)

	require.Equal(t, r1, r2)
}

func TestEmptyCommitReturnsUnchangedRoot(t *testing.T) {
	tr, _ := New("ns", store.NewMemBackend(), 0)
	tr.Stage(map[string]*[]byte{"k": strp("v")})
	root1, v1, err := tr.Commit()
	require.NoError(t, err)

	root2, v2, err := tr.Commit()
	require.NoError(t, err)
	require.Equal(t, root1, root2)
	require.Equal(t, v1, v2)
}

func TestDuplicateKeyInBatchLastWriterWins(t *testing.T) {
	tr, _ := New("ns", store.NewMemBackend(), 0)
	tr.Stage(map[string]*[]byte{"k": strp("first")})
	tr.Stage(map[string]*[]byte{"k": strp("second")})
	_, _, err := tr.Commit()
	require.NoError(t, err)

	v, ok, err := tr.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "second", string(v))
}

func TestProofSoundness(t *testing.T) {
	tr, _ := New("bank", store.NewMemBackend(), 0)
	tr.Stage(map[string]*[]byte{"alice": strp("100"), "bob": strp("50")})
	root, _, err := tr.Commit()
	require.NoError(t, err)

	val, ok, proof, err := tr.GetWithProof([]byte("alice"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "100", string(val))
	require.True(t, tr.Verify(root, []byte("alice"), val, true, proof))
	require.False(t, tr.Verify(root, []byte("alice"), []byte("999"), true, proof))
}

func TestProofOfAbsence(t *testing.T) {
	tr, _ := New("bank", store.NewMemBackend(), 0)
	tr.Stage(map[string]*[]byte{"alice": strp("100")})
	root, _, err := tr.Commit()
	require.NoError(t, err)

	_, ok, proof, err := tr.GetWithProof([]byte("carol"))
	require.NoError(t, err)
	require.False(t, ok)
	require.True(t, tr.Verify(root, []byte("carol"), nil, false, proof))
}

func TestDeleteRemovesFromLiveSet(t *testing.T) {
	tr, _ := New("ns", store.NewMemBackend(), 0)
	tr.Stage(map[string]*[]byte{"k": strp("v")})
	tr.Commit()

	tr.Stage(map[string]*[]byte{"k": nil})
	_, _, err := tr.Commit()
	require.NoError(t, err)

	_, ok, err := tr.Get([]byte("k"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVersionPruning(t *testing.T) {
	tr, _ := New("ns", store.NewMemBackend(), 2)
	for i := 0; i < 5; i++ {
		tr.Stage(map[string]*[]byte{"k": strp(string(rune('a' + i)))})
		_, _, err := tr.Commit()
		require.NoError(t, err)
	}
	require.Equal(t, uint64(5), tr.Version())

	_, err := tr.RootAt(5)
	require.NoError(t, err)

	_, err = tr.RootAt(1)
	require.ErrorIs(t, err, ErrVersionPruned)

	// version 0's sentinel root is always retained.
	root0, err := tr.RootAt(0)
	require.NoError(t, err)
	require.Equal(t, Hash{}, root0)
}
