package indexdb

import (
	"path/filepath"
	"testing"

	"voidreckoning.sim/internal/persistence/snapshot"
	"voidreckoning.sim/internal/protocol"
)

func openTestIndex(t *testing.T) *SQLiteIndex {
	t.Helper()
	idx, err := OpenSQLite(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestIndexTurnRows(t *testing.T) {
	idx := openTestIndex(t)

	stats := map[string]protocol.FactionStats{
		"CRIMSON": {Systems: 3, Fleets: 2, Requisition: 1500, Score: 342},
		"AZURE":   {Systems: 2, Fleets: 1, Requisition: 900, Score: 220},
	}
	for turn := 1; turn <= 4; turn++ {
		idx.IndexTurn("PRIME", 0, turn, stats)
	}
	idx.Flush()

	n, err := idx.TurnStatCount("PRIME")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 8 {
		t.Fatalf("turn rows=%d, want 8 (4 turns x 2 factions)", n)
	}
}

func TestIndexTurnReplaceIsIdempotent(t *testing.T) {
	idx := openTestIndex(t)
	stats := map[string]protocol.FactionStats{"CRIMSON": {Systems: 1}}

	idx.IndexTurn("PRIME", 0, 1, stats)
	idx.IndexTurn("PRIME", 0, 1, stats)
	idx.Flush()

	n, err := idx.TurnStatCount("PRIME")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("duplicate turn row not replaced: %d", n)
	}
}

func TestHandoffStatesOrdered(t *testing.T) {
	idx := openTestIndex(t)

	idx.RecordHandoff("FLT-1", "PRIME", "VOID", "REJECTED", "E_PROTO_TIMEOUT")
	idx.RecordHandoff("FLT-1", "PRIME", "VOID", "COMMITTED", "")
	idx.RecordHandoff("FLT-2", "VOID", "PRIME", "REFUNDED_TO_SOURCE", "E_DEST_UNAVAILABLE")
	idx.Flush()

	states, err := idx.HandoffStates("FLT-1")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(states) != 2 || states[0] != "REJECTED" || states[1] != "COMMITTED" {
		t.Fatalf("states=%v", states)
	}
}

func TestRecordSnapshotRow(t *testing.T) {
	idx := openTestIndex(t)
	idx.RecordSnapshot("/data/snapshots/PRIME/r0_t000025.snap.zst", snapshot.SnapshotV1{
		Header:  snapshot.Header{Version: 1, Universe: "PRIME", Turn: 25},
		Replica: 0,
		Seed:    42,
		Fleets:  []snapshot.FleetV1{{ID: "f1"}},
		Systems: []snapshot.SystemV1{{Index: 0}, {Index: 1}},
	})
	idx.Flush()

	var n int
	if err := idx.db.QueryRow(`SELECT COUNT(*) FROM snapshots WHERE universe='PRIME' AND turn=25`).Scan(&n); err != nil {
		t.Fatalf("query: %v", err)
	}
	if n != 1 {
		t.Fatalf("snapshot rows=%d", n)
	}
}

func TestNilIndexIsSafe(t *testing.T) {
	var idx *SQLiteIndex
	idx.IndexTurn("PRIME", 0, 1, nil)
	idx.RecordHandoff("x", "a", "b", "COMMITTED", "")
	idx.Flush()
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	if _, err := OpenSQLite(""); err == nil {
		t.Fatal("empty path accepted")
	}
}
