package orchestrator

import (
	"log"
	"sort"

	"voidreckoning.sim/internal/protocol"
)

// Registry collects portal declarations as shards report ready and resolves
// them into links. A portal id links two shards only when each side declares
// the other as that id's destination; a one-sided declaration never carries
// traffic.
type Registry struct {
	logger *log.Logger

	// portal id -> declaring shard -> declaration
	decls map[string]map[string]protocol.PortalDecl

	// portal id -> the two linked shard names, reconciled once
	links map[string][2]string
}

func NewRegistry(logger *log.Logger) *Registry {
	return &Registry{
		logger: logger,
		decls:  map[string]map[string]protocol.PortalDecl{},
		links:  map[string][2]string{},
	}
}

func (r *Registry) Register(shardName string, decls []protocol.PortalDecl) {
	for _, d := range decls {
		byShard := r.decls[d.PortalID]
		if byShard == nil {
			byShard = map[string]protocol.PortalDecl{}
			r.decls[d.PortalID] = byShard
		}
		byShard[shardName] = d
	}
}

// Reconcile pairs reciprocal declarations. Called once, after every shard has
// reported ready. Each resolved link logs one line; unmatched declarations
// get a warning and stay unlinked.
func (r *Registry) Reconcile() {
	ids := make([]string, 0, len(r.decls))
	for id := range r.decls {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		byShard := r.decls[id]
		shards := make([]string, 0, len(byShard))
		for s := range byShard {
			shards = append(shards, s)
		}
		sort.Strings(shards)

		linked := false
		for i := 0; i < len(shards) && !linked; i++ {
			for j := i + 1; j < len(shards); j++ {
				a, b := shards[i], shards[j]
				if byShard[a].DestShard == b && byShard[b].DestShard == a {
					r.links[id] = [2]string{a, b}
					r.logger.Printf("portal %s linked: %s <-> %s", id, a, b)
					linked = true
					break
				}
			}
		}
		if !linked {
			for _, s := range shards {
				r.logger.Printf("warning: portal %s on shard %s has no reciprocal declaration from %s", id, s, byShard[s].DestShard)
			}
		}
	}
}

// Linked reports whether a reciprocal link exists between the two shards.
func (r *Registry) Linked(from, to string) bool {
	for _, pair := range r.links {
		if (pair[0] == from && pair[1] == to) || (pair[0] == to && pair[1] == from) {
			return true
		}
	}
	return false
}

// LinkCount reports how many portal ids resolved into links.
func (r *Registry) LinkCount() int { return len(r.links) }
