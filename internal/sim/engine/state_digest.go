package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// StateDigest computes a canonical hash of the mutable campaign state.
// Entries are emitted in sorted-id order so two runs that resolved the same
// turns from the same seed always hash identically regardless of map
// iteration order.
func (c *Campaign) StateDigest() string {
	h := sha256.New()
	fmt.Fprintf(h, "turn:%d\n", c.turn)

	for _, name := range c.sortedFactionNames() {
		f := c.factions[name]
		fmt.Fprintf(h, "faction:%s:%.4f\n", f.Name, f.Requisition)
	}
	for _, s := range c.systems {
		fmt.Fprintf(h, "system:%d:%s:%d:%d\n", s.Index, s.Owner, s.Coords.Q, s.Coords.R)
	}
	for _, id := range c.sortedFleetIDs() {
		fl := c.fleets[id]
		fmt.Fprintf(h, "fleet:%s:%s:%d:%t:%s\n", fl.ID, fl.Faction, fl.System, fl.Transit, unitDigest(fl))
	}

	removed := make([]string, 0, len(c.removed))
	for id := range c.removed {
		removed = append(removed, id)
	}
	sort.Strings(removed)
	fmt.Fprintf(h, "removed:%s\n", strings.Join(removed, ","))

	streams := c.rng.States()
	names := make([]string, 0, len(streams))
	for n := range streams {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(h, "rng:%s:%d\n", n, streams[n])
	}

	return hex.EncodeToString(h.Sum(nil))
}

func unitDigest(fl *Fleet) string {
	var b strings.Builder
	for _, u := range fl.Units {
		dims := make([]string, 0, len(u.Stats))
		for d := range u.Stats {
			dims = append(dims, d)
		}
		sort.Strings(dims)
		b.WriteString(u.UnitID)
		for _, d := range dims {
			fmt.Fprintf(&b, ":%s=%.4f", d, u.Stats[d])
		}
		b.WriteByte('|')
	}
	return b.String()
}
