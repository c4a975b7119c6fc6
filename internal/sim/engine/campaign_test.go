package engine

import (
	"testing"

	"voidreckoning.sim/internal/protocol"
)

func testParams() Params {
	return Params{
		Universe:             "PRIME",
		Factions:             []string{"CRIMSON", "AZURE"},
		NumSystems:           8,
		FleetsPerFaction:     2,
		UnitsPerFleet:        2,
		Dimensions:           []string{"attack", "armor", "speed"},
		BaseIncome:           100,
		PortalChancePermille: 0,
	}
}

func runTurns(t *testing.T, c *Campaign, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := c.ProcessTurn(); err != nil {
			t.Fatalf("turn %d: %v", c.Turn(), err)
		}
	}
}

func TestCampaignDeterminism(t *testing.T) {
	a := NewCampaign(testParams(), 42, 0)
	b := NewCampaign(testParams(), 42, 0)
	for i := 0; i < 10; i++ {
		runTurns(t, a, 1)
		runTurns(t, b, 1)
		if da, db := a.StateDigest(), b.StateDigest(); da != db {
			t.Fatalf("digest mismatch at turn %d: %s vs %s", a.Turn(), da, db)
		}
	}
}

func TestCampaignReplicaSeedsDiverge(t *testing.T) {
	a := NewCampaign(testParams(), 42, 0)
	b := NewCampaign(testParams(), 42, 1)
	runTurns(t, a, 5)
	runTurns(t, b, 5)
	if a.StateDigest() == b.StateDigest() {
		t.Fatal("different replicas produced identical state")
	}
}

func TestRemoveEntityIdempotent(t *testing.T) {
	c := NewCampaign(testParams(), 1, 0)
	var id string
	for fid := range c.fleets {
		id = fid
		break
	}
	if !c.RemoveEntity(id) {
		t.Fatalf("first removal of %s not confirmed", id)
	}
	if _, ok := c.fleets[id]; ok {
		t.Fatalf("fleet %s still present after removal", id)
	}
	if !c.RemoveEntity(id) {
		t.Fatal("retried removal must confirm, not race")
	}
	if c.RemoveEntity("FLT-NOPE-R0-X-1") {
		t.Fatal("unknown entity must not confirm")
	}
}

func TestHoldsEntityTracksLiveAndRemoved(t *testing.T) {
	c := NewCampaign(testParams(), 1, 0)
	var id string
	for fid := range c.fleets {
		id = fid
		break
	}
	if !c.HoldsEntity(id) {
		t.Fatalf("live entity %s not held", id)
	}
	if c.HoldsEntity("FLT-NOPE-R0-X-1") {
		t.Fatal("foreign entity reported as held")
	}
	if !c.RemoveEntity(id) {
		t.Fatal("removal not confirmed")
	}
	if !c.HoldsEntity(id) {
		t.Fatal("removed entity must still be held for refunds")
	}
}

func TestInjectEntityPlacesAtExit(t *testing.T) {
	c := NewCampaign(testParams(), 1, 0)
	pkg := protocol.HandoffPackage{
		EntityID:   "FLT-VOID-R0-UMBRA-1",
		Faction:    "UMBRA",
		ExitCoords: protocol.Coords{Q: 1, R: 0},
		FromShard:  "VOID",
		ToShard:    "PRIME",
		Units: []protocol.UnitDNA{{
			UnitID:         "FLT-VOID-R0-UMBRA-1-U1",
			Class:          "ESCORT",
			OriginUniverse: "VOID",
			Native:         map[string]float64{"attack": 40},
			Stats:          map[string]float64{"attack": 40},
		}},
	}
	c.InjectEntity(pkg)
	fl, ok := c.fleets[pkg.EntityID]
	if !ok {
		t.Fatal("injected fleet missing")
	}
	if fl.System != 1 {
		t.Fatalf("fleet placed at system %d, want 1 (coords 1,0)", fl.System)
	}
	if _, ok := c.factions["UMBRA"]; !ok {
		t.Fatal("foreign faction not registered on injection")
	}
}

func TestInjectClearsRemovedMark(t *testing.T) {
	c := NewCampaign(testParams(), 1, 0)
	var id string
	for fid := range c.fleets {
		id = fid
		break
	}
	units := cloneUnits(c.fleets[id].Units)
	if !c.RemoveEntity(id) {
		t.Fatal("removal not confirmed")
	}
	c.InjectEntity(protocol.HandoffPackage{
		EntityID: id, Faction: "CRIMSON", Units: units, Refund: true,
	})
	if c.removed[id] {
		t.Fatal("refunded entity still marked removed")
	}
	if _, ok := c.fleets[id]; !ok {
		t.Fatal("refunded entity not live")
	}
}

func TestPortalTraversalEmitsHandoff(t *testing.T) {
	p := testParams()
	p.PortalChancePermille = 1000
	p.Portals = []protocol.PortalDecl{
		{PortalID: "gate-1", DestShard: "VOID", Coords: protocol.Coords{Q: 0, R: 0}},
	}
	c := NewCampaign(p, 7, 0)
	runTurns(t, c, 1)
	handoffs := c.DrainHandoffs()
	if len(handoffs) == 0 {
		t.Fatal("guaranteed traversal produced no handoff")
	}
	for _, h := range handoffs {
		if h.FromShard != "PRIME" || h.ToShard != "VOID" {
			t.Fatalf("bad routing: %s -> %s", h.FromShard, h.ToShard)
		}
		fl := c.fleets[h.EntityID]
		if fl == nil {
			t.Fatalf("traversing fleet %s vanished before removal confirmation", h.EntityID)
		}
		if !fl.Transit {
			t.Fatalf("traversing fleet %s not marked in transit", h.EntityID)
		}
	}
	if again := c.DrainHandoffs(); len(again) != 0 {
		t.Fatalf("drain must clear pending, got %d", len(again))
	}
	// A fleet in transit never traverses twice.
	runTurns(t, c, 1)
	for _, h := range c.DrainHandoffs() {
		for _, prev := range handoffs {
			if h.EntityID == prev.EntityID {
				t.Fatalf("fleet %s traversed twice", h.EntityID)
			}
		}
	}
}

func TestSnapshotRoundTripContinuesIdentically(t *testing.T) {
	a := NewCampaign(testParams(), 99, 0)
	runTurns(t, a, 5)
	snap := a.ExportSnapshot()

	b := NewCampaign(testParams(), 99, 0)
	if err := b.ImportSnapshot(snap); err != nil {
		t.Fatalf("import: %v", err)
	}
	if a.StateDigest() != b.StateDigest() {
		t.Fatal("restored state differs from captured state")
	}
	for i := 0; i < 5; i++ {
		runTurns(t, a, 1)
		runTurns(t, b, 1)
		if a.StateDigest() != b.StateDigest() {
			t.Fatalf("divergence at turn %d after restore", a.Turn())
		}
	}
}

func TestImportSnapshotRejectsBadVersion(t *testing.T) {
	c := NewCampaign(testParams(), 1, 0)
	snap := c.ExportSnapshot()
	snap.Header.Version = 99
	if err := NewCampaign(testParams(), 1, 0).ImportSnapshot(snap); err == nil {
		t.Fatal("unknown snapshot version accepted")
	}
}

func TestFinishedRequiresTotalOwnership(t *testing.T) {
	c := NewCampaign(testParams(), 3, 0)
	if _, done := c.Finished(); done {
		t.Fatal("fresh galaxy with neutral systems reported finished")
	}
	for _, s := range c.systems {
		s.Owner = "CRIMSON"
	}
	winner, done := c.Finished()
	if !done || winner != "CRIMSON" {
		t.Fatalf("want CRIMSON victory, got winner=%q done=%v", winner, done)
	}
}

func TestCensusCountsTransitFleets(t *testing.T) {
	c := NewCampaign(testParams(), 5, 0)
	before := c.Census()["CRIMSON"].Fleets
	for _, fl := range c.fleets {
		if fl.Faction == "CRIMSON" {
			fl.Transit = true
			break
		}
	}
	after := c.Census()["CRIMSON"].Fleets
	if before != after {
		t.Fatalf("transit fleet dropped from census: %d -> %d", before, after)
	}
}
