package lease

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const snapshotVersion = 1

// Snapshot is the on-disk envelope around a manager's exported state.
type Snapshot struct {
	Version int       `json:"version"`
	SavedAt time.Time `json:"saved_at"`
	Note    string    `json:"note,omitempty"`
	State   *State    `json:"state"`
}

// SnapshotOptions configure the manager rebuilt by LoadSnapshot.
type SnapshotOptions struct {
	Clock  Clock
	Config Config
}

// SaveSnapshot serializes the manager's full state to path. The write
// is atomic: a temp file in the same directory is renamed over the
// target, so a crash mid-write never corrupts an existing snapshot.
func SaveSnapshot(path string, m *MemoryManager, note string) error {
	if path == "" {
		return fmt.Errorf("snapshot path is required")
	}
	st, err := m.DebugState(context.Background())
	if err != nil {
		return err
	}
	snap := Snapshot{
		Version: snapshotVersion,
		SavedAt: m.clock.Now(),
		Note:    note,
		State:   st,
	}

	b, err := json.MarshalIndent(&snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot rehydrates a MemoryManager whose lease records and
// fencing counters exactly match the saved state, so subsequent
// acquires continue the token sequence without gaps or repeats.
func LoadSnapshot(path string, opts SnapshotOptions) (*MemoryManager, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d (want %d)", snap.Version, snapshotVersion)
	}
	if snap.State == nil {
		return nil, fmt.Errorf("snapshot has no state")
	}

	mopts := []MemoryOption{WithConfig(opts.Config)}
	if opts.Clock != nil {
		mopts = append(mopts, WithClock(opts.Clock))
	}
	m := NewMemoryManager(mopts...)
	m.importState(snap.State)
	return m, nil
}
