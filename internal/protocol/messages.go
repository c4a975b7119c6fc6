package protocol

// Coords is a galaxy-map hex coordinate.
type Coords struct {
	Q int `json:"q"`
	R int `json:"r"`
}

// UnitDNA is the normalized stat representation of one transferable
// sub-entity. Native holds the full stat vector as modelled by the unit's
// origin universe and is never rewritten by translation; Stats is the
// projection into the current rule context (dimensions the context cannot
// model are zeroed, not dropped).
type UnitDNA struct {
	UnitID         string             `json:"unit_id"`
	Class          string             `json:"class"`
	OriginUniverse string             `json:"origin_universe"`
	Native         map[string]float64 `json:"native"`
	Stats          map[string]float64 `json:"stats"`
}

// HandoffPackage moves one entity between shards. It is created at handoff
// initiation and destroyed on commit or refund; it must never be live in two
// shards at once.
type HandoffPackage struct {
	EntityID   string    `json:"entity_id"`
	Faction    string    `json:"faction"`
	Units      []UnitDNA `json:"units"`
	ExitCoords Coords    `json:"exit_coords"`
	FromShard  string    `json:"from_shard"`
	ToShard    string    `json:"to_shard"`
	Translated bool      `json:"translated"`
	Refund     bool      `json:"refund"`
}

// PortalDecl is one shard-local portal endpoint. Two shards link for a
// portal id only when each declares the other as that id's destination.
type PortalDecl struct {
	PortalID  string `json:"portal_id"`
	DestShard string `json:"dest_shard"`
	Coords    Coords `json:"coords"`
}

// FactionStats is the cheap derived-statistics snapshot emitted after each
// turn. It is computed from the engine's ownership graph, never from rule
// internals.
type FactionStats struct {
	Systems     int     `json:"systems"`
	Fleets      int     `json:"fleets"`
	Requisition float64 `json:"requisition"`
	Score       int     `json:"score"`
}

// Outcome is the terminal result of one replica.
type Outcome struct {
	Winner     string  `json:"winner"`
	TurnsTaken int     `json:"turns_taken"`
	DurationS  float64 `json:"duration_s"`
}

// ProgressMessage is the tagged union flowing over every progress queue.
// Exactly one of the optional payload fields is meaningful per Status.
type ProgressMessage struct {
	Type    string `json:"type,omitempty"`
	ShardID string `json:"shard_id"`
	Replica int    `json:"replica"`
	Turn    int    `json:"turn"`
	Status  Status `json:"status"`

	Stats    map[string]FactionStats `json:"stats,omitempty"`     // Running
	Portals  []PortalDecl            `json:"portals,omitempty"`   // Ready
	Handoff  *HandoffPackage         `json:"handoff,omitempty"`   // PortalHandoff
	EntityID string                  `json:"entity_id,omitempty"` // EntityRemoved
	Outcome  *Outcome                `json:"outcome,omitempty"`   // Done
	Trace    string                  `json:"trace,omitempty"`     // Error
	Code     string                  `json:"code,omitempty"`      // Error
}

// CommandMsg is the explicit command document pushed into a shard's
// incoming or outgoing queue.
type CommandMsg struct {
	Action   Command         `json:"action"`
	EntityID string          `json:"entity_id,omitempty"` // RemoveEntity
	Package  *HandoffPackage `json:"package,omitempty"`   // InjectEntity
	Turn     int             `json:"turn,omitempty"`      // Advance
}

// ShardResult is one shard's aggregated outcome handed to the reporting
// collaborator at completion.
type ShardResult struct {
	ShardID   string          `json:"shard_id"`
	Replicas  int             `json:"replicas"`
	Completed int             `json:"completed"`
	Failed    int             `json:"failed"`
	WinRates  map[string]int  `json:"win_rates"`
	AvgTurns  float64         `json:"avg_turns"`
	AvgDurS   float64         `json:"avg_duration_s"`
	Outcomes  []ReplicaRecord `json:"outcomes"`
}

// ReplicaRecord is one replica row inside a ShardResult.
type ReplicaRecord struct {
	Replica    int     `json:"replica"`
	Winner     string  `json:"winner"`
	TurnsTaken int     `json:"turns_taken"`
	DurationS  float64 `json:"duration_s"`
	Err        string  `json:"error,omitempty"`
}
