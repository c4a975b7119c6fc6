package shard

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"time"

	"voidreckoning.sim/internal/persistence/snapshot"
	"voidreckoning.sim/internal/protocol"
	"voidreckoning.sim/internal/sim/engine"
)

// TurnIndexer receives per-turn analytics rows. Implementations must not
// block the worker; the sqlite indexer queues rows to its own writer.
type TurnIndexer interface {
	IndexTurn(shard string, replica, turn int, stats map[string]protocol.FactionStats)
}

// gcEveryTurns bounds heap growth on long replicas without paying the
// collection cost every turn.
const gcEveryTurns = 64

// runReplica drives one replica from galaxy generation to its terminal turn.
// The engine is confined to this goroutine; commands arrive on ctrl and all
// output leaves on progress.
func runReplica(ctx context.Context, task ReplicaTask, ctrl <-chan protocol.CommandMsg, progress chan<- protocol.ProgressMessage, logger *log.Logger, idx TurnIndexer) {
	defer func() {
		if r := recover(); r != nil {
			trace := fmt.Sprintf("replica panic: %v\n%s", r, debug.Stack())
			logger.Printf("shard=%s replica=%d crashed: %v", task.Shard, task.Replica, r)
			emit(ctx, progress, protocol.ProgressMessage{
				ShardID: task.Shard,
				Replica: task.Replica,
				Status:  protocol.StatusError,
				Code:    protocol.ErrWorkerCrash,
				Trace:   trace,
			})
		}
	}()

	started := time.Now()
	emit(ctx, progress, protocol.ProgressMessage{
		ShardID: task.Shard,
		Replica: task.Replica,
		Status:  protocol.StatusInit,
	})

	eng := engine.NewCampaign(task.Params, task.Seed, task.Replica)

	emit(ctx, progress, protocol.ProgressMessage{
		ShardID: task.Shard,
		Replica: task.Replica,
		Status:  protocol.StatusReady,
		Portals: eng.Portals(),
	})

	// Hold at the start line until every shard has reported ready and the
	// orchestrator releases the run. Entity commands are honored even here.
	if !awaitCommand(ctx, task, eng, ctrl, progress, protocol.CmdStart, 0) {
		return
	}

	for {
		if err := eng.ProcessTurn(); err != nil {
			emit(ctx, progress, protocol.ProgressMessage{
				ShardID: task.Shard,
				Replica: task.Replica,
				Turn:    eng.Turn(),
				Status:  protocol.StatusError,
				Code:    protocol.ErrInternal,
				Trace:   err.Error(),
			})
			return
		}
		turn := eng.Turn()

		stats := eng.Census()
		emit(ctx, progress, protocol.ProgressMessage{
			ShardID: task.Shard,
			Replica: task.Replica,
			Turn:    turn,
			Status:  protocol.StatusRunning,
			Stats:   stats,
		})
		if idx != nil {
			idx.IndexTurn(task.Shard, task.Replica, turn, stats)
		}

		for _, pkg := range eng.DrainHandoffs() {
			p := pkg
			emit(ctx, progress, protocol.ProgressMessage{
				ShardID: task.Shard,
				Replica: task.Replica,
				Turn:    turn,
				Status:  protocol.StatusPortalHandoff,
				Handoff: &p,
			})
		}

		if task.SnapshotEvery > 0 && turn%task.SnapshotEvery == 0 {
			writeTurnSnapshot(task, eng, logger, idx)
		}
		if turn%gcEveryTurns == 0 {
			runtime.GC()
		}

		winner, done := eng.Finished()
		if done || turn >= task.Turns {
			emit(ctx, progress, protocol.ProgressMessage{
				ShardID: task.Shard,
				Replica: task.Replica,
				Turn:    turn,
				Status:  protocol.StatusDone,
				Outcome: &protocol.Outcome{
					Winner:     winner,
					TurnsTaken: turn,
					DurationS:  time.Since(started).Seconds(),
				},
			})
			return
		}

		// Free-running replicas never barrier; only synchronized runs trade
		// the Waiting/Advance pair each turn. Entity commands still have to
		// land between turns or removal confirmations would starve.
		if !task.SyncTurns {
			drainEntityCommands(ctx, task, eng, ctrl, progress)
			continue
		}
		emit(ctx, progress, protocol.ProgressMessage{
			ShardID: task.Shard,
			Replica: task.Replica,
			Turn:    turn,
			Status:  protocol.StatusWaiting,
		})
		if !awaitCommand(ctx, task, eng, ctrl, progress, protocol.CmdAdvance, turn) {
			return
		}
	}
}

// awaitCommand blocks until the wanted lifecycle command arrives, applying
// entity commands in the meantime. An Advance for an older turn is a stale
// barrier release and is ignored. Returns false on cancellation.
func awaitCommand(ctx context.Context, task ReplicaTask, eng engine.Engine, ctrl <-chan protocol.CommandMsg, progress chan<- protocol.ProgressMessage, want protocol.Command, turn int) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case cmd, ok := <-ctrl:
			if !ok {
				return false
			}
			if cmd.Action == want && (want != protocol.CmdAdvance || cmd.Turn >= turn) {
				return true
			}
			applyEntityCommand(ctx, task, eng, cmd, progress)
		}
	}
}

// drainEntityCommands applies every queued entity command without blocking.
// Lifecycle commands that slip in (a late Start, a stale Advance) fall
// through applyEntityCommand's switch and are dropped.
func drainEntityCommands(ctx context.Context, task ReplicaTask, eng engine.Engine, ctrl <-chan protocol.CommandMsg, progress chan<- protocol.ProgressMessage) {
	for {
		select {
		case cmd, ok := <-ctrl:
			if !ok {
				return
			}
			applyEntityCommand(ctx, task, eng, cmd, progress)
		default:
			return
		}
	}
}

// applyEntityCommand handles removal and injection. Removal confirms when the
// engine holds the entity now or already removed it earlier; a silent outcome
// means the entity lives in a sibling replica.
func applyEntityCommand(ctx context.Context, task ReplicaTask, eng engine.Engine, cmd protocol.CommandMsg, progress chan<- protocol.ProgressMessage) {
	switch cmd.Action {
	case protocol.CmdRemoveEntity:
		if eng.RemoveEntity(cmd.EntityID) {
			emit(ctx, progress, protocol.ProgressMessage{
				ShardID:  task.Shard,
				Replica:  task.Replica,
				Turn:     eng.Turn(),
				Status:   protocol.StatusEntityRemoved,
				EntityID: cmd.EntityID,
			})
		}
	case protocol.CmdInjectEntity:
		if cmd.Package == nil {
			return
		}
		// Refunds arrive as a broadcast; only the replica whose engine holds
		// the entity (in transit or already removed) takes it back. Applying
		// it anywhere else would mint a second live copy.
		if cmd.Package.Refund && !eng.HoldsEntity(cmd.Package.EntityID) {
			return
		}
		eng.InjectEntity(*cmd.Package)
	}
}

func writeTurnSnapshot(task ReplicaTask, eng *engine.Campaign, logger *log.Logger, idx TurnIndexer) {
	snap := eng.ExportSnapshot()
	path := filepath.Join(task.SnapshotDir, task.Shard,
		fmt.Sprintf("r%d_t%06d.snap.zst", task.Replica, snap.Header.Turn))
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		logger.Printf("shard=%s replica=%d snapshot write failed: %v", task.Shard, task.Replica, err)
		return
	}
	if ri, ok := idx.(interface {
		RecordSnapshot(path string, snap snapshot.SnapshotV1)
	}); ok {
		ri.RecordSnapshot(path, snap)
	}
}

func emit(ctx context.Context, progress chan<- protocol.ProgressMessage, msg protocol.ProgressMessage) {
	select {
	case progress <- msg:
	case <-ctx.Done():
	}
}
