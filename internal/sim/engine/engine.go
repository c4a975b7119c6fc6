package engine

import "voidreckoning.sim/internal/protocol"

// Engine is the opaque domain collaborator a worker drives. The orchestrator
// core never looks inside a turn: it only steps the loop, queries the
// terminal condition, reads the ownership graph for derived statistics and
// exchanges entities at the boundary.
type Engine interface {
	// ProcessTurn resolves one full turn.
	ProcessTurn() error

	// Turn reports the number of fully resolved turns.
	Turn() int

	// Finished reports the terminal condition and, if reached, the outcome.
	Finished() (winner string, done bool)

	// Census computes the cheap derived-statistics snapshot from the
	// ownership graph.
	Census() map[string]protocol.FactionStats

	// Portals lists the portal endpoints this universe exposes.
	Portals() []protocol.PortalDecl

	// DrainHandoffs returns and clears the entities that traversed a portal
	// during the last turn.
	DrainHandoffs() []protocol.HandoffPackage

	// RemoveEntity removes the entity from the universe. It reports whether
	// the entity was present now or had already been removed earlier, so a
	// retried removal confirms instead of racing its predecessor.
	RemoveEntity(id string) bool

	// HoldsEntity reports whether this engine owns the id, either as a live
	// fleet or as one it removed. Broadcast refunds use it to find the one
	// replica that may take the entity back.
	HoldsEntity(id string) bool

	// InjectEntity places a handed-off (or refunded) entity into the
	// universe at its portal exit.
	InjectEntity(pkg protocol.HandoffPackage)
}
