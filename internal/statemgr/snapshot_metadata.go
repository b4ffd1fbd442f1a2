package statemgr

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SnapshotMetadata is a human-readable YAML summary of a snapshot, distinct
// from the on-disk chunked format disk_snapshot.go implements: this is a
// single small stamp for an operator to eyeball (entry count, height, when
// it was taken), not the restorable on-disk representation. Use
// Manager.ExportSnapshotDir/RestoreSnapshotDir for an actual transferable,
// hash-verified snapshot.
type SnapshotMetadata struct {
	Height        uint64 `yaml:"height"`
	EntryCount    int    `yaml:"entry_count"`
	CreatedAtUnix int64  `yaml:"created_at_unix"`
}

// WriteMetadata marshals meta as YAML to path.
func WriteMetadata(path string, meta SnapshotMetadata) error {
	b, err := yaml.Marshal(meta)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0644)
}

// ReadMetadata reads and unmarshals a snapshot metadata file written by
// WriteMetadata.
func ReadMetadata(path string) (SnapshotMetadata, error) {
	var meta SnapshotMetadata
	b, err := os.ReadFile(path)
	if err != nil {
		return meta, err
	}
	if err := yaml.Unmarshal(b, &meta); err != nil {
		return meta, err
	}
	return meta, nil
}

// ExportSnapshot captures the current live key space (as CreateSnapshot
// does) and writes a YAML metadata stamp describing it to metadataPath.
func (m *Manager) ExportSnapshot(metadataPath string) (uint64, error) {
	height, err := m.CreateSnapshot()
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	entries := m.snapshots[height]
	m.mu.Unlock()

	meta := SnapshotMetadata{
		Height:        height,
		EntryCount:    len(entries),
		CreatedAtUnix: time.Now().Unix(),
	}
	if err := WriteMetadata(metadataPath, meta); err != nil {
		return 0, err
	}
	return height, nil
}
