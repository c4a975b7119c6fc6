package shard

import (
	"context"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"

	"voidreckoning.sim/internal/protocol"
)

// Supervisor owns one shard: it spawns the replica workers, pins them to the
// shard's CPU set and routes orchestrator commands to the right replicas.
// All replica output funnels into the shard's shared Progress channel.
type Supervisor struct {
	spec   Spec
	tasks  []ReplicaTask
	ch     Channels
	logger *log.Logger
	idx    TurnIndexer

	ctrl []chan protocol.CommandMsg
}

func NewSupervisor(spec Spec, cfg Config, ch Channels, logger *log.Logger, idx TurnIndexer) *Supervisor {
	s := &Supervisor{
		spec:   spec,
		tasks:  spec.tasks(cfg),
		ch:     ch,
		logger: logger,
		idx:    idx,
	}
	s.ctrl = make([]chan protocol.CommandMsg, len(s.tasks))
	for i := range s.ctrl {
		s.ctrl[i] = make(chan protocol.CommandMsg, controlBuffer)
	}
	return s
}

// Run blocks until every replica reaches a terminal state or ctx is
// cancelled. Replica crashes are contained per replica; siblings keep
// running.
func (s *Supervisor) Run(ctx context.Context) error {
	routerCtx, stopRouter := context.WithCancel(ctx)
	var routerWG sync.WaitGroup
	routerWG.Add(1)
	go func() {
		defer routerWG.Done()
		s.routeCommands(routerCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)
	for i, task := range s.tasks {
		task := task
		ctrl := s.ctrl[i]
		g.Go(func() error {
			unpin, err := pinToCores(s.spec.CPUAffinity)
			if err != nil {
				// Affinity is an optimization; the replica still runs.
				s.logger.Printf("shard=%s replica=%d affinity failed: %v", task.Shard, task.Replica, err)
			}
			defer unpin()
			runReplica(gctx, task, ctrl, s.ch.Progress, s.logger, s.idx)
			return nil
		})
	}
	err := g.Wait()
	stopRouter()
	routerWG.Wait()
	return err
}

// routeCommands fans incoming commands out to replica control channels.
// Removal is broadcast: the replica that owns the entity confirms, the rest
// stay silent, so the orchestrator never needs to know replica placement.
// Refunds are broadcast the same way, since only the replica whose engine
// still holds the entity may take it back. Fresh cross-shard injections land
// on replica 0, the shard's designated entry replica.
func (s *Supervisor) routeCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-s.ch.Commands:
			if !ok {
				return
			}
			switch cmd.Action {
			case protocol.CmdInjectEntity:
				if cmd.Package != nil && cmd.Package.Refund {
					for i := range s.ctrl {
						s.deliver(ctx, i, cmd)
					}
					continue
				}
				s.deliver(ctx, 0, cmd)
			case protocol.CmdStart, protocol.CmdAdvance, protocol.CmdRemoveEntity:
				for i := range s.ctrl {
					s.deliver(ctx, i, cmd)
				}
			default:
				s.logger.Printf("shard=%s dropping unknown command %q", s.spec.Name, cmd.Action)
			}
		}
	}
}

// deliver pushes one command at a replica. A finished replica stops draining
// its control channel; once its buffer fills the command is dropped with a
// log line and the sender's own timeout handling takes over.
func (s *Supervisor) deliver(ctx context.Context, replica int, cmd protocol.CommandMsg) {
	select {
	case s.ctrl[replica] <- cmd:
	case <-ctx.Done():
	default:
		s.logger.Printf("shard=%s replica=%d control queue full, dropping %s", s.spec.Name, replica, cmd.Action)
	}
}

// Replicas reports the replica count this supervisor manages.
func (s *Supervisor) Replicas() int { return len(s.tasks) }
