// Package replay restores point-in-time replica snapshots and re-runs them
// deterministically, hashing the full state after every turn so two runs of
// the same snapshot can be compared turn by turn.
package replay

import (
	"fmt"
	"log"
	"path/filepath"

	"voidreckoning.sim/internal/persistence/snapshot"
	"voidreckoning.sim/internal/protocol"
	"voidreckoning.sim/internal/sim/engine"
)

// Manager captures and restores campaign snapshots under one directory.
type Manager struct {
	dir    string
	logger *log.Logger
}

func NewManager(dir string, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{dir: dir, logger: logger}
}

// Capture writes the campaign's current state plus sanitized run metadata and
// returns the snapshot path.
func (m *Manager) Capture(c *engine.Campaign, meta map[string]any) (string, error) {
	snap := c.ExportSnapshot()
	if meta != nil {
		snap.Meta = snapshot.SanitizeParams(meta)
	}
	path := filepath.Join(m.dir, snap.Header.Universe, snap.ID+".snap.zst")
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		return "", err
	}
	m.logger.Printf("snapshot captured: %s (turn %d)", path, snap.Header.Turn)
	return path, nil
}

// Restore rebuilds a campaign from a snapshot file. It fails closed: any
// decode or import error refuses the restore rather than running from half a
// state. RNG streams come back before anything else touches them.
func (m *Manager) Restore(path string, params engine.Params) (*engine.Campaign, error) {
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %s: %w", protocol.ErrSnapshotCorrupt, path, err)
	}
	c := engine.NewCampaign(params, snap.Seed, snap.Replica)
	if err := c.ImportSnapshot(snap); err != nil {
		return nil, fmt.Errorf("%s: %s: %w", protocol.ErrSnapshotCorrupt, path, err)
	}
	m.logger.Printf("snapshot restored: %s (universe %s, turn %d)", path, snap.Header.Universe, snap.Header.Turn)
	return c, nil
}

// Inspect reads only the snapshot without building an engine.
func (m *Manager) Inspect(path string) (snapshot.SnapshotV1, error) {
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		return snap, fmt.Errorf("%s: %s: %w", protocol.ErrSnapshotCorrupt, path, err)
	}
	return snap, nil
}
