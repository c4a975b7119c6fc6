package engine

import (
	"fmt"
	"sort"
	"time"

	"voidreckoning.sim/internal/persistence/snapshot"
	"voidreckoning.sim/internal/protocol"
)

// Params is the simulation parameter document a shard hands each replica.
type Params struct {
	Universe             string                `yaml:"universe"`
	Factions             []string              `yaml:"factions"`
	NumSystems           int                   `yaml:"num_systems"`
	FleetsPerFaction     int                   `yaml:"fleets_per_faction"`
	UnitsPerFleet        int                   `yaml:"units_per_fleet"`
	Dimensions           []string              `yaml:"dimensions"`
	BaseIncome           float64               `yaml:"base_income"`
	PortalChancePermille int                   `yaml:"portal_chance_permille"`
	Portals              []protocol.PortalDecl `yaml:"portals,omitempty"`
}

func (p *Params) Normalize() {
	if p.NumSystems <= 0 {
		p.NumSystems = 12
	}
	if len(p.Factions) == 0 {
		p.Factions = []string{"CRIMSON", "AZURE"}
	}
	if p.FleetsPerFaction <= 0 {
		p.FleetsPerFaction = 2
	}
	if p.UnitsPerFleet <= 0 {
		p.UnitsPerFleet = 3
	}
	if len(p.Dimensions) == 0 {
		p.Dimensions = []string{"attack", "armor", "speed"}
	}
	if p.BaseIncome <= 0 {
		p.BaseIncome = 100
	}
	if p.PortalChancePermille < 0 {
		p.PortalChancePermille = 0
	}
}

const NeutralOwner = "NEUTRAL"

type StarSystem struct {
	Index  int
	Name   string
	Owner  string
	Coords protocol.Coords
}

type Fleet struct {
	ID      string
	Faction string
	System  int
	Units   []protocol.UnitDNA

	// Transit marks a fleet that entered a portal and is waiting for the
	// handoff protocol to confirm its removal. It stays live (and counted)
	// at the source until then.
	Transit bool
}

type Faction struct {
	Name        string
	Requisition float64
}

// Campaign is the deterministic reference engine. All state is owned by the
// worker goroutine driving it; nothing here is safe for concurrent use.
type Campaign struct {
	params  Params
	seed    int64
	replica int

	turn     int
	rng      *RNGSet
	factions map[string]*Faction
	systems  []*StarSystem
	fleets   map[string]*Fleet
	removed  map[string]bool
	pending  []protocol.HandoffPackage

	portalSystems map[string]int
}

func NewCampaign(params Params, seed int64, replica int) *Campaign {
	params.Normalize()
	c := &Campaign{
		params:        params,
		seed:          seed,
		replica:       replica,
		rng:           NewRNGSet(seed, replica),
		factions:      map[string]*Faction{},
		fleets:        map[string]*Fleet{},
		removed:       map[string]bool{},
		portalSystems: map[string]int{},
	}
	c.generateGalaxy()
	return c
}

func (c *Campaign) generateGalaxy() {
	gen := c.rng.Stream("galaxy")
	c.systems = make([]*StarSystem, c.params.NumSystems)
	for i := range c.systems {
		c.systems[i] = &StarSystem{
			Index:  i,
			Name:   fmt.Sprintf("%s-SYS-%03d", c.params.Universe, i),
			Owner:  NeutralOwner,
			Coords: protocol.Coords{Q: i % 6, R: i / 6},
		}
	}
	for fi, name := range c.params.Factions {
		c.factions[name] = &Faction{Name: name, Requisition: 1000}
		home := fi % len(c.systems)
		c.systems[home].Owner = name
		for r := 0; r < c.params.FleetsPerFaction; r++ {
			// Replica goes into the id: removal commands are broadcast across
			// replicas, so an id must never exist in two of them.
			id := fmt.Sprintf("FLT-%s-R%d-%s-%d", c.params.Universe, c.replica, name, r+1)
			c.fleets[id] = &Fleet{
				ID:      id,
				Faction: name,
				System:  home,
				Units:   c.spawnUnits(id, gen),
			}
		}
	}
	for _, decl := range c.params.Portals {
		c.portalSystems[decl.PortalID] = c.systemAt(decl.Coords)
	}
}

func (c *Campaign) spawnUnits(fleetID string, gen *RNGStream) []protocol.UnitDNA {
	units := make([]protocol.UnitDNA, 0, c.params.UnitsPerFleet)
	for u := 0; u < c.params.UnitsPerFleet; u++ {
		native := map[string]float64{}
		for _, dim := range c.params.Dimensions {
			native[dim] = float64(10 + gen.Intn(90))
		}
		stats := make(map[string]float64, len(native))
		for k, v := range native {
			stats[k] = v
		}
		units = append(units, protocol.UnitDNA{
			UnitID:         fmt.Sprintf("%s-U%d", fleetID, u+1),
			Class:          "ESCORT",
			OriginUniverse: c.params.Universe,
			Native:         native,
			Stats:          stats,
		})
	}
	return units
}

func (c *Campaign) systemAt(at protocol.Coords) int {
	for _, s := range c.systems {
		if s.Coords == at {
			return s.Index
		}
	}
	return int(fnv64(fmt.Sprintf("%d:%d", at.Q, at.R)) % uint64(len(c.systems)))
}

func (c *Campaign) Turn() int { return c.turn }

func (c *Campaign) ProcessTurn() error {
	c.stepEconomy()
	c.stepMovement()
	c.stepCombat()
	c.stepCapture()
	c.stepPortals()
	c.turn++
	return nil
}

func (c *Campaign) stepEconomy() {
	eco := c.rng.Stream("economy")
	for _, name := range c.sortedFactionNames() {
		f := c.factions[name]
		owned := 0
		for _, s := range c.systems {
			if s.Owner == f.Name {
				owned++
			}
		}
		f.Requisition += c.params.BaseIncome*float64(owned) + float64(eco.Intn(10))
	}
}

func (c *Campaign) stepMovement() {
	mov := c.rng.Stream("movement")
	for _, id := range c.sortedFleetIDs() {
		fl := c.fleets[id]
		if fl.Transit {
			continue
		}
		target := c.nearestHostileSystem(fl)
		if target < 0 || target == fl.System {
			continue
		}
		// One-step march along the system ring, with an occasional stall.
		if mov.Intn(10) == 0 {
			continue
		}
		if target > fl.System {
			fl.System++
		} else {
			fl.System--
		}
	}
}

func (c *Campaign) nearestHostileSystem(fl *Fleet) int {
	best, bestDist := -1, 1<<31
	for _, s := range c.systems {
		if s.Owner == fl.Faction {
			continue
		}
		d := s.Index - fl.System
		if d < 0 {
			d = -d
		}
		if d < bestDist {
			best, bestDist = s.Index, d
		}
	}
	return best
}

func (c *Campaign) stepCombat() {
	cbt := c.rng.Stream("combat")
	bySystem := map[int][]*Fleet{}
	for _, id := range c.sortedFleetIDs() {
		fl := c.fleets[id]
		if !fl.Transit {
			bySystem[fl.System] = append(bySystem[fl.System], fl)
		}
	}
	idxs := make([]int, 0, len(bySystem))
	for idx := range bySystem {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)
	for _, idx := range idxs {
		fleets := bySystem[idx]
		strength := map[string]float64{}
		for _, fl := range fleets {
			strength[fl.Faction] += fleetStrength(fl) + float64(cbt.Intn(20))
		}
		if len(strength) < 2 {
			continue
		}
		winner := strongestFaction(strength)
		for _, fl := range fleets {
			if fl.Faction != winner {
				delete(c.fleets, fl.ID)
			}
		}
	}
}

func fleetStrength(fl *Fleet) float64 {
	total := 0.0
	for _, u := range fl.Units {
		for _, v := range u.Stats {
			total += v
		}
	}
	return total
}

func strongestFaction(strength map[string]float64) string {
	names := make([]string, 0, len(strength))
	for n := range strength {
		names = append(names, n)
	}
	sort.Strings(names)
	best, bestV := names[0], strength[names[0]]
	for _, n := range names[1:] {
		if strength[n] > bestV {
			best, bestV = n, strength[n]
		}
	}
	return best
}

func (c *Campaign) stepCapture() {
	for _, id := range c.sortedFleetIDs() {
		fl := c.fleets[id]
		if fl.Transit {
			continue
		}
		s := c.systems[fl.System]
		if s.Owner != fl.Faction {
			s.Owner = fl.Faction
		}
	}
}

func (c *Campaign) stepPortals() {
	if c.params.PortalChancePermille <= 0 {
		return
	}
	prt := c.rng.Stream("portal")
	for _, decl := range c.params.Portals {
		sysIdx := c.portalSystems[decl.PortalID]
		for _, id := range c.sortedFleetIDs() {
			fl := c.fleets[id]
			if fl.Transit || fl.System != sysIdx {
				continue
			}
			if prt.Intn(1000) >= c.params.PortalChancePermille {
				continue
			}
			fl.Transit = true
			c.pending = append(c.pending, protocol.HandoffPackage{
				EntityID:   fl.ID,
				Faction:    fl.Faction,
				Units:      cloneUnits(fl.Units),
				ExitCoords: decl.Coords,
				FromShard:  c.params.Universe,
				ToShard:    decl.DestShard,
			})
		}
	}
}

func cloneUnits(units []protocol.UnitDNA) []protocol.UnitDNA {
	out := make([]protocol.UnitDNA, len(units))
	for i, u := range units {
		native := make(map[string]float64, len(u.Native))
		for k, v := range u.Native {
			native[k] = v
		}
		stats := make(map[string]float64, len(u.Stats))
		for k, v := range u.Stats {
			stats[k] = v
		}
		u.Native = native
		u.Stats = stats
		out[i] = u
	}
	return out
}

func (c *Campaign) Finished() (string, bool) {
	owner := ""
	for _, s := range c.systems {
		if s.Owner == NeutralOwner {
			return "", false
		}
		if owner == "" {
			owner = s.Owner
		} else if s.Owner != owner {
			return "", false
		}
	}
	if owner == "" {
		return "", false
	}
	return owner, true
}

func (c *Campaign) Census() map[string]protocol.FactionStats {
	out := map[string]protocol.FactionStats{}
	for _, name := range c.sortedFactionNames() {
		f := c.factions[name]
		st := protocol.FactionStats{Requisition: f.Requisition}
		for _, s := range c.systems {
			if s.Owner == f.Name {
				st.Systems++
			}
		}
		for _, fl := range c.fleets {
			if fl.Faction == f.Name {
				st.Fleets++
			}
		}
		st.Score = st.Systems*100 + st.Fleets*20 + int(f.Requisition/1000)
		out[f.Name] = st
	}
	return out
}

func (c *Campaign) Portals() []protocol.PortalDecl {
	out := make([]protocol.PortalDecl, len(c.params.Portals))
	copy(out, c.params.Portals)
	return out
}

func (c *Campaign) DrainHandoffs() []protocol.HandoffPackage {
	out := c.pending
	c.pending = nil
	return out
}

// RemoveEntity is idempotent: removing an id that a previous (possibly
// timed-out) request already removed still confirms, so a retried removal
// never races its late-processed predecessor.
func (c *Campaign) RemoveEntity(id string) bool {
	if _, ok := c.fleets[id]; ok {
		delete(c.fleets, id)
		c.removed[id] = true
		return true
	}
	return c.removed[id]
}

// HoldsEntity reports whether this engine owns the id, live or removed.
func (c *Campaign) HoldsEntity(id string) bool {
	if _, ok := c.fleets[id]; ok {
		return true
	}
	return c.removed[id]
}

func (c *Campaign) InjectEntity(pkg protocol.HandoffPackage) {
	fl := &Fleet{
		ID:      pkg.EntityID,
		Faction: pkg.Faction,
		System:  c.systemAt(pkg.ExitCoords),
		Units:   cloneUnits(pkg.Units),
	}
	if _, ok := c.factions[fl.Faction]; !ok {
		c.factions[fl.Faction] = &Faction{Name: fl.Faction}
	}
	c.fleets[fl.ID] = fl
	delete(c.removed, fl.ID)
}

func (c *Campaign) sortedFleetIDs() []string {
	ids := make([]string, 0, len(c.fleets))
	for id := range c.fleets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Campaign) sortedFactionNames() []string {
	names := make([]string, 0, len(c.factions))
	for n := range c.factions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (c *Campaign) ExportSnapshot() snapshot.SnapshotV1 {
	snap := snapshot.SnapshotV1{
		Header: snapshot.Header{
			Version:  1,
			Universe: c.params.Universe,
			Turn:     c.turn,
		},
		ID:          fmt.Sprintf("snap_%s_%d_%d", c.params.Universe, c.replica, c.turn),
		Replica:     c.replica,
		Seed:        c.seed,
		CreatedUnix: time.Now().Unix(),
		RNGStreams:  c.rng.States(),
	}
	for _, name := range c.sortedFactionNames() {
		f := c.factions[name]
		snap.Factions = append(snap.Factions, snapshot.FactionV1{Name: f.Name, Requisition: f.Requisition})
	}
	for _, s := range c.systems {
		snap.Systems = append(snap.Systems, snapshot.SystemV1{Index: s.Index, Name: s.Name, Owner: s.Owner, Coords: s.Coords})
	}
	for _, id := range c.sortedFleetIDs() {
		fl := c.fleets[id]
		snap.Fleets = append(snap.Fleets, snapshot.FleetV1{ID: fl.ID, Faction: fl.Faction, System: fl.System, Units: cloneUnits(fl.Units), Transit: fl.Transit})
	}
	for id := range c.removed {
		snap.RemovedEntities = append(snap.RemovedEntities, id)
	}
	sort.Strings(snap.RemovedEntities)
	return snap
}

func (c *Campaign) ImportSnapshot(snap snapshot.SnapshotV1) error {
	if snap.Header.Version != 1 {
		return fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	if len(snap.Systems) == 0 {
		return fmt.Errorf("snapshot has no systems")
	}

	// RNG first: the next draw after restore must reproduce the original run.
	c.rng = NewRNGSet(snap.Seed, snap.Replica)
	c.rng.RestoreStates(snap.RNGStreams)

	c.seed = snap.Seed
	c.replica = snap.Replica
	c.turn = snap.Header.Turn
	c.pending = nil

	c.factions = map[string]*Faction{}
	for _, f := range snap.Factions {
		c.factions[f.Name] = &Faction{Name: f.Name, Requisition: f.Requisition}
	}
	c.systems = make([]*StarSystem, len(snap.Systems))
	for i, s := range snap.Systems {
		c.systems[i] = &StarSystem{Index: s.Index, Name: s.Name, Owner: s.Owner, Coords: s.Coords}
	}
	c.fleets = map[string]*Fleet{}
	for _, fl := range snap.Fleets {
		c.fleets[fl.ID] = &Fleet{ID: fl.ID, Faction: fl.Faction, System: fl.System, Units: cloneUnits(fl.Units), Transit: fl.Transit}
	}
	c.removed = map[string]bool{}
	for _, id := range snap.RemovedEntities {
		c.removed[id] = true
	}

	// Stateless pieces excluded from capture are rebuilt from params.
	c.portalSystems = map[string]int{}
	for _, decl := range c.params.Portals {
		c.portalSystems[decl.PortalID] = c.systemAt(decl.Coords)
	}
	return nil
}
