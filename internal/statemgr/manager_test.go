package statemgr

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/synnergy-network/chainkernel/internal/globalstore"
	"github.com/synnergy-network/chainkernel/internal/store"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	gs, err := globalstore.New("global", store.NewMemBackend(), 0)
	require.NoError(t, err)
	require.NoError(t, gs.RegisterNamespace("bank", false))
	return New(gs)
}

func TestCommitWithNoPendingChangesReturnsRootUnchanged(t *testing.T) {
	m := newManager(t)
	root1, h1, err := m.Commit()
	require.NoError(t, err)
	require.Equal(t, uint64(0), h1)

	root2, h2, err := m.Commit()
	require.NoError(t, err)
	require.Equal(t, root1, root2)
	require.Equal(t, h1, h2)
}

func TestCommitFlushesAndAdvancesHeight(t *testing.T) {
	m := newManager(t)
	bank, err := m.GetMut("bank")
	require.NoError(t, err)
	require.NoError(t, bank.Set([]byte("alice"), []byte("100")))

	_, height, err := m.Commit()
	require.NoError(t, err)
	require.Equal(t, uint64(1), height)

	ro, err := m.Get("bank")
	require.NoError(t, err)
	v, ok, err := ro.Get([]byte("alice"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "100", string(v))
}

func TestRollbackDiscardsPendingWithoutChangingHeight(t *testing.T) {
	m := newManager(t)
	bank, err := m.GetMut("bank")
	require.NoError(t, err)
	require.NoError(t, bank.Set([]byte("alice"), []byte("100")))

	m.Rollback()
	require.Equal(t, uint64(0), m.Height())

	ro, err := m.Get("bank")
	require.NoError(t, err)
	_, ok, err := ro.Get([]byte("alice"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestExportSnapshotWritesReadableYAMLMetadata(t *testing.T) {
	m := newManager(t)
	bank, err := m.GetMut("bank")
	require.NoError(t, err)
	require.NoError(t, bank.Set([]byte("alice"), []byte("100")))
	_, _, err = m.Commit()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "snapshot.yaml")
	height, err := m.ExportSnapshot(path)
	require.NoError(t, err)
	require.Equal(t, uint64(1), height)

	meta, err := ReadMetadata(path)
	require.NoError(t, err)
	require.Equal(t, uint64(1), meta.Height)
	require.Equal(t, 1, meta.EntryCount)
}

func TestExportSnapshotDirWritesVerifiableChunkedFormat(t *testing.T) {
	m := newManager(t)
	bank, err := m.GetMut("bank")
	require.NoError(t, err)
	require.NoError(t, bank.Set([]byte("alice"), []byte("100")))
	_, _, err = m.Commit()
	require.NoError(t, err)

	root := t.TempDir()
	height, err := m.ExportSnapshotDir(root)
	require.NoError(t, err)
	require.Equal(t, uint64(1), height)

	dir := filepath.Join(root, "1")
	meta, err := ReadDiskSnapshotMetadata(dir)
	require.NoError(t, err)
	require.Equal(t, uint64(1), meta.Height)
	require.Equal(t, DiskSnapshotFormatVersion, meta.FormatVersion)
	require.GreaterOrEqual(t, meta.Chunks, 1)
	require.NoError(t, VerifySnapshotDir(dir))
}

func TestVerifySnapshotDirDetectsTamperedChunk(t *testing.T) {
	m := newManager(t)
	bank, err := m.GetMut("bank")
	require.NoError(t, err)
	require.NoError(t, bank.Set([]byte("alice"), []byte("100")))
	_, _, err = m.Commit()
	require.NoError(t, err)

	root := t.TempDir()
	height, err := m.ExportSnapshotDir(root)
	require.NoError(t, err)
	dir := filepath.Join(root, filepathHeight(height))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "chunk_000000.dat"), []byte("tampered"), 0o644))
	err = VerifySnapshotDir(dir)
	require.ErrorIs(t, err, ErrSnapshotChecksumMismatch)
}

func TestRestoreSnapshotDirReplaysChunkedExport(t *testing.T) {
	m := newManager(t)
	bank, err := m.GetMut("bank")
	require.NoError(t, err)
	require.NoError(t, bank.Set([]byte("alice"), []byte("100")))
	_, _, err = m.Commit()
	require.NoError(t, err)

	root := t.TempDir()
	height, err := m.ExportSnapshotDir(root)
	require.NoError(t, err)
	dir := filepath.Join(root, filepathHeight(height))

	bank, err = m.GetMut("bank")
	require.NoError(t, err)
	require.NoError(t, bank.Set([]byte("alice"), []byte("999")))
	_, _, err = m.Commit()
	require.NoError(t, err)

	require.NoError(t, m.RestoreSnapshotDir(dir))
	require.Equal(t, height, m.Height())

	ro, err := m.Get("bank")
	require.NoError(t, err)
	v, ok, err := ro.Get([]byte("alice"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "100", string(v))
}

func filepathHeight(h uint64) string {
	return fmt.Sprintf("%d", h)
}

func TestBeginBlockRollsBackLeftoverPendingSilently(t *testing.T) {
	m := newManager(t)
	bank, err := m.GetMut("bank")
	require.NoError(t, err)
	require.NoError(t, bank.Set([]byte("alice"), []byte("100")))

	m.BeginBlock()

	ro, err := m.Get("bank")
	require.NoError(t, err)
	_, ok, err := ro.Get([]byte("alice"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	m := newManager(t)
	bank, err := m.GetMut("bank")
	require.NoError(t, err)
	require.NoError(t, bank.Set([]byte("alice"), []byte("100")))
	_, _, err = m.Commit()
	require.NoError(t, err)

	snapHeight, err := m.CreateSnapshot()
	require.NoError(t, err)
	require.True(t, m.HasSnapshot(snapHeight))

	bank, err = m.GetMut("bank")
	require.NoError(t, err)
	require.NoError(t, bank.Set([]byte("alice"), []byte("999")))
	_, _, err = m.Commit()
	require.NoError(t, err)

	require.NoError(t, m.RestoreSnapshot(snapHeight))
	require.Equal(t, snapHeight, m.Height())

	ro, err := m.Get("bank")
	require.NoError(t, err)
	v, ok, err := ro.Get([]byte("alice"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "100", string(v))
}

func TestRestoreSnapshotMissingFails(t *testing.T) {
	m := newManager(t)
	err := m.RestoreSnapshot(7)
	require.ErrorIs(t, err, ErrSnapshotMissing)
}

func TestPruneSnapshotsKeepsMostRecent(t *testing.T) {
	m := newManager(t)
	var heights []uint64
	for i := 0; i < 3; i++ {
		bank, err := m.GetMut("bank")
		require.NoError(t, err)
		require.NoError(t, bank.Set([]byte("k"), []byte("v")))
		_, _, err = m.Commit()
		require.NoError(t, err)
		h, err := m.CreateSnapshot()
		require.NoError(t, err)
		heights = append(heights, h)
	}

	m.PruneSnapshots(1)
	require.False(t, m.HasSnapshot(heights[0]))
	require.False(t, m.HasSnapshot(heights[1]))
	require.True(t, m.HasSnapshot(heights[2]))
}

func TestAdvanceToHeightRefusesBackwardMove(t *testing.T) {
	m := newManager(t)
	require.NoError(t, m.AdvanceToHeight(5))
	err := m.AdvanceToHeight(3)
	require.ErrorIs(t, err, ErrInvalidHeightTransition)
}
