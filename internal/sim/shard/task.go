package shard

import (
	"voidreckoning.sim/internal/sim/engine"
)

// ReplicaTask is everything one worker needs to run a replica to completion.
type ReplicaTask struct {
	Shard   string
	Replica int
	Seed    int64
	Turns   int
	Params  engine.Params

	SyncTurns     bool
	SnapshotDir   string
	SnapshotEvery int
}

func (s Spec) tasks(cfg Config) []ReplicaTask {
	out := make([]ReplicaTask, 0, s.Replicas)
	for r := 0; r < s.Replicas; r++ {
		out = append(out, ReplicaTask{
			Shard:         s.Name,
			Replica:       r,
			Seed:          cfg.Seed + s.SeedOffset,
			Turns:         s.Turns,
			Params:        s.Params,
			SyncTurns:     cfg.SyncTurns,
			SnapshotDir:   cfg.SnapshotDir,
			SnapshotEvery: cfg.SnapshotEvery,
		})
	}
	return out
}
