package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// snapshotFile is the serialized rollup table, tagged with the last log
// offset it subsumes.
type snapshotFile struct {
	Version    int       `json:"version"`
	SavedAt    time.Time `json:"saved_at"`
	LastOffset int64     `json:"last_offset"`
	Profiles   []Profile `json:"profiles"`
}

const snapshotName = "rollup-snapshot.json"

// Snapshot writes the rollup table to disk and rotates the log. The write is
// atomic (temp file + rename) so a crash mid-snapshot leaves the previous
// snapshot intact. No-op when the ledger has no append log.
func (l *Ledger) Snapshot() error {
	if l.log == nil {
		return nil
	}

	snap := snapshotFile{
		Version:    1,
		SavedAt:    time.Now().UTC(),
		LastOffset: l.log.Offset(),
		Profiles:   l.Profiles(),
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	path := filepath.Join(l.log.dir, snapshotName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}

	return l.log.Rotate(snap.LastOffset)
}

// Restore loads the latest snapshot, if any, into the rollup table. Called
// once on startup before Start. Outcomes appended after the snapshot offset
// are not replayed into rollups; profiles converge again as traffic arrives.
func (l *Ledger) Restore() error {
	if l.log == nil {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(l.log.dir, snapshotName))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse snapshot: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range snap.Profiles {
		p := snap.Profiles[i]
		l.profiles[profileKey{provider: p.Provider, bucket: p.Bucket}] = &p
	}
	return nil
}
