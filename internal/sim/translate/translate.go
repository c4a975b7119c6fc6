// Package translate re-derives normalized unit stats for a destination
// universe's rule context. A universe that models fewer physical dimensions
// than a unit's origin gets those dimensions deterministically zeroed; the
// unit keeps its native vector untouched, so translating back to the origin
// context restores every origin-native dimension exactly.
package translate

import (
	"fmt"
	"sort"

	"voidreckoning.sim/internal/protocol"
)

// Schema describes the physical stat dimensions one universe models.
type Schema struct {
	Universe   string
	Dimensions []string
}

func (s Schema) models(dim string) bool {
	for _, d := range s.Dimensions {
		if d == dim {
			return true
		}
	}
	return false
}

// Translator holds the schema for every known universe.
type Translator struct {
	schemas map[string]Schema
}

func New(schemas []Schema) *Translator {
	m := make(map[string]Schema, len(schemas))
	for _, s := range schemas {
		m[s.Universe] = s
	}
	return &Translator{schemas: m}
}

// Unit projects one unit's native stats into the destination context.
func (t *Translator) Unit(dna protocol.UnitDNA, dest string) (protocol.UnitDNA, error) {
	ds, ok := t.schemas[dest]
	if !ok {
		return dna, fmt.Errorf("unknown destination universe: %s", dest)
	}

	dims := make([]string, 0, len(dna.Native))
	for d := range dna.Native {
		dims = append(dims, d)
	}
	sort.Strings(dims)

	stats := make(map[string]float64, len(dims))
	for _, d := range dims {
		if ds.models(d) {
			stats[d] = dna.Native[d]
		} else {
			// Lossy by policy: the destination cannot represent this
			// dimension, so it is zeroed rather than carried stale.
			stats[d] = 0
		}
	}
	out := dna
	out.Stats = stats
	return out, nil
}

// Package translates every unit of a handoff package for its destination
// shard and marks the package translated.
func (t *Translator) Package(pkg *protocol.HandoffPackage) error {
	if pkg == nil {
		return fmt.Errorf("nil package")
	}
	translated := make([]protocol.UnitDNA, 0, len(pkg.Units))
	for _, u := range pkg.Units {
		tu, err := t.Unit(u, pkg.ToShard)
		if err != nil {
			return err
		}
		translated = append(translated, tu)
	}
	pkg.Units = translated
	pkg.Translated = true
	return nil
}
