package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Snapshot is the on-disk shape of a room: the issued identities plus the
// client store's document. It is written after every state-mutating
// operation, so a crash loses at most the in-flight message.
type Snapshot struct {
	Clients []IdentityRecord `json:"clients"`
	Handler json.RawMessage  `json:"handler"`
}

// SnapshotFile persists room snapshots at a fixed path. A zero value (or
// empty path) is a no-op sink, which is what tests and ephemeral rooms
// use.
type SnapshotFile struct {
	path string
}

func NewSnapshotFile(path string) *SnapshotFile {
	return &SnapshotFile{path: path}
}

// Save writes the snapshot. The write goes through a temp file and a
// rename so a crash mid-write cannot corrupt the previous snapshot.
func (s *SnapshotFile) Save(snap Snapshot) error {
	if s == nil || s.path == "" {
		return nil
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("Failed to encode snapshot: %w", err)
	}

	tmp := s.path + ".tmp"

	if err := os.MkdirAll(filepath.Dir(s.path), 0750); err != nil {
		return fmt.Errorf("Failed to create snapshot directory: %w", err)
	}

	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("Failed to write snapshot: %w", err)
	}

	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("Failed to move snapshot into place: %w", err)
	}

	return nil
}

// Load reads the snapshot. A missing file is not an error; it returns a
// nil snapshot, meaning the room starts fresh.
func (s *SnapshotFile) Load() (*Snapshot, error) {
	if s == nil || s.path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("Failed to read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("Failed to decode snapshot: %w", err)
	}

	return &snap, nil
}

// Remove deletes the snapshot. Used by room reset.
func (s *SnapshotFile) Remove() error {
	if s == nil || s.path == "" {
		return nil
	}

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	return nil
}
