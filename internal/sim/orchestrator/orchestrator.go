package orchestrator

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"voidreckoning.sim/internal/protocol"
	"voidreckoning.sim/internal/sim/shard"
	"voidreckoning.sim/internal/sim/translate"
)

// Broadcaster mirrors progress messages to an external feed. Implementations
// must not block.
type Broadcaster interface {
	Broadcast(msg protocol.ProgressMessage)
}

// CrashRecorder persists replica crash artifacts.
type CrashRecorder interface {
	RecordCrash(msg protocol.ProgressMessage)
}

type Options struct {
	Logger  *log.Logger
	Feed    Broadcaster
	Indexer shard.TurnIndexer
	Crash   CrashRecorder
}

// shardRuntime is the orchestrator's live view of one shard.
type shardRuntime struct {
	Spec shard.Spec
	Ch   shard.Channels
	Sup  *shard.Supervisor

	ready  map[int]bool
	turns  map[int]int
	done   map[int]bool
	failed map[int]bool
}

// canAccept reports whether the shard can take an injected entity. Entities
// enter through replica 0, so its state decides.
func (rt *shardRuntime) canAccept() bool {
	return !rt.done[0] && !rt.failed[0]
}

func (rt *shardRuntime) allReady() bool {
	for i := 0; i < rt.Sup.Replicas(); i++ {
		if !rt.ready[i] {
			return false
		}
	}
	return true
}

func (rt *shardRuntime) finished() bool {
	for i := 0; i < rt.Sup.Replicas(); i++ {
		if !rt.done[i] && !rt.failed[i] {
			return false
		}
	}
	return true
}

// Orchestrator runs every enabled shard to completion under synchronized
// turns and brokers all cross-shard traffic. It is the only goroutine that
// reads shard progress channels outside a handoff confirmation wait.
type Orchestrator struct {
	cfg     shard.Config
	logger  *log.Logger
	feed    Broadcaster
	crash   CrashRecorder
	indexer shard.TurnIndexer

	registry *Registry
	portal   *PortalManager
	agg      *aggregator

	shards map[string]*shardRuntime
	order  []string

	started     bool
	lastAdvance int
}

func New(cfg shard.Config, opts Options) (*Orchestrator, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", protocol.ErrConfig, err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	enabled := cfg.EnabledShards()
	schemas := make([]translate.Schema, 0, len(enabled))
	for _, spec := range enabled {
		schemas = append(schemas, translate.Schema{
			Universe:   spec.Params.Universe,
			Dimensions: spec.Params.Dimensions,
		})
	}
	tr := translate.New(schemas)
	reg := NewRegistry(logger)

	o := &Orchestrator{
		cfg:      cfg,
		logger:   logger,
		feed:     opts.Feed,
		crash:    opts.Crash,
		indexer:  opts.Indexer,
		registry: reg,
		portal: NewPortalManager(logger, tr, reg,
			time.Duration(cfg.HandoffTimeoutS*float64(time.Second)), cfg.HandoffRetries),
		agg:    newAggregator(),
		shards: map[string]*shardRuntime{},
	}
	for _, spec := range enabled {
		ch := shard.NewChannels()
		o.shards[spec.Name] = &shardRuntime{
			Spec:   spec,
			Ch:     ch,
			Sup:    shard.NewSupervisor(spec, cfg, ch, logger, opts.Indexer),
			ready:  map[int]bool{},
			turns:  map[int]int{},
			done:   map[int]bool{},
			failed: map[int]bool{},
		}
		o.order = append(o.order, spec.Name)
	}
	return o, nil
}

// Run blocks until every shard finishes, then writes and returns the run
// summary. Partial results from failed replicas are kept.
func (o *Orchestrator) Run(ctx context.Context) (RunSummary, error) {
	start := time.Now()
	o.logger.Printf("run %s starting: %d shards", o.cfg.RunID, len(o.order))

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range o.order {
		rt := o.shards[name]
		g.Go(func() error { return rt.Sup.Run(gctx) })
	}

	for !o.allFinished() {
		if ctx.Err() != nil {
			break
		}
		if !o.drainOnce(ctx) {
			time.Sleep(2 * time.Millisecond)
		}
	}

	err := g.Wait()
	if ctx.Err() != nil && err == nil {
		err = ctx.Err()
	}

	summary := o.summary(start)
	if path, werr := WriteSummary(o.cfg.OutputDir, summary); werr != nil {
		if err == nil {
			err = werr
		}
	} else {
		o.logger.Printf("run %s summary written: %s", o.cfg.RunID, path)
	}
	return summary, err
}

// drainOnce takes at most one message from each shard. Reports whether any
// message was handled.
func (o *Orchestrator) drainOnce(ctx context.Context) bool {
	got := false
	for _, name := range o.order {
		rt := o.shards[name]
		select {
		case msg, ok := <-rt.Ch.Progress:
			if ok {
				o.handle(ctx, msg)
				got = true
			}
		default:
		}
	}
	return got
}

func (o *Orchestrator) handle(ctx context.Context, msg protocol.ProgressMessage) {
	if o.feed != nil {
		o.feed.Broadcast(msg)
	}
	rt := o.shards[msg.ShardID]
	if rt == nil {
		o.logger.Printf("dropping message from unknown shard %q", msg.ShardID)
		return
	}

	switch msg.Status {
	case protocol.StatusInit:
		// Startup signal; feed-only.

	case protocol.StatusReady:
		rt.ready[msg.Replica] = true
		o.registry.Register(msg.ShardID, msg.Portals)
		o.maybeStart(ctx)

	case protocol.StatusRunning:
		rt.turns[msg.Replica] = msg.Turn
		o.maybeAdvance(ctx)

	case protocol.StatusWaiting:
		// Feed-only signal.

	case protocol.StatusPortalHandoff:
		if msg.Handoff == nil {
			o.logger.Printf("shard=%s replica=%d handoff message without package", msg.ShardID, msg.Replica)
			return
		}
		res := o.portal.Execute(ctx, *msg.Handoff, rt, o.shards[msg.Handoff.ToShard])
		o.logger.Printf("handoff %s: %s -> %s terminal=%s code=%s",
			msg.Handoff.EntityID, msg.Handoff.FromShard, msg.Handoff.ToShard, res.State, res.Code)
		if hi, ok := o.indexer.(interface {
			RecordHandoff(entityID, fromShard, toShard, state, code string)
		}); ok {
			hi.RecordHandoff(msg.Handoff.EntityID, msg.Handoff.FromShard, msg.Handoff.ToShard, string(res.State), res.Code)
		}
		for _, buffered := range res.Backlog {
			o.handle(ctx, buffered)
		}

	case protocol.StatusEntityRemoved:
		// A duplicate confirmation from the removal broadcast arriving after
		// its handoff already completed. Safe to drop.
		o.logger.Printf("shard=%s replica=%d stale removal confirmation for %s", msg.ShardID, msg.Replica, msg.EntityID)

	case protocol.StatusDone:
		rt.done[msg.Replica] = true
		if msg.Outcome != nil {
			o.agg.recordDone(msg.ShardID, msg.Replica, *msg.Outcome)
			o.logger.Printf("shard=%s replica=%d done: winner=%s turns=%d",
				msg.ShardID, msg.Replica, msg.Outcome.Winner, msg.Outcome.TurnsTaken)
		}
		o.maybeAdvance(ctx)

	case protocol.StatusError:
		rt.failed[msg.Replica] = true
		code := msg.Code
		if !protocol.IsKnownCode(code) || code == "" {
			code = protocol.ErrInternal
		}
		o.agg.recordError(msg.ShardID, msg.Replica, code)
		if o.crash != nil {
			o.crash.RecordCrash(msg)
		}
		o.logger.Printf("shard=%s replica=%d failed: %s", msg.ShardID, msg.Replica, code)
		o.maybeAdvance(ctx)

	default:
		o.logger.Printf("shard=%s unhandled status %q", msg.ShardID, msg.Status)
	}
}

// maybeStart releases the run once every replica of every shard has reported
// ready. Portal links are reconciled exactly once, right before the start
// broadcast.
func (o *Orchestrator) maybeStart(ctx context.Context) {
	if o.started {
		return
	}
	for _, name := range o.order {
		if !o.shards[name].allReady() {
			return
		}
	}
	o.registry.Reconcile()
	o.logger.Printf("all shards ready, %d portal links, starting run", o.registry.LinkCount())
	for _, name := range o.order {
		sendCommand(ctx, o.shards[name], protocol.CommandMsg{Action: protocol.CmdStart})
	}
	o.started = true
}

// maybeAdvance releases the turn barrier when every live replica has reached
// a new minimum turn. Finished and failed replicas no longer hold the
// barrier. Free-running mode never advances; replicas do not wait.
func (o *Orchestrator) maybeAdvance(ctx context.Context) {
	if !o.started || !o.cfg.SyncTurns {
		return
	}
	minTurn := -1
	for _, name := range o.order {
		rt := o.shards[name]
		for i := 0; i < rt.Sup.Replicas(); i++ {
			if rt.done[i] || rt.failed[i] {
				continue
			}
			if minTurn == -1 || rt.turns[i] < minTurn {
				minTurn = rt.turns[i]
			}
		}
	}
	if minTurn <= o.lastAdvance {
		return
	}
	o.lastAdvance = minTurn
	for _, name := range o.order {
		sendCommand(ctx, o.shards[name], protocol.CommandMsg{Action: protocol.CmdAdvance, Turn: minTurn})
	}
}

func (o *Orchestrator) allFinished() bool {
	for _, name := range o.order {
		if !o.shards[name].finished() {
			return false
		}
	}
	return true
}

func (o *Orchestrator) summary(start time.Time) RunSummary {
	s := RunSummary{
		RunID:       o.cfg.RunID,
		StartedUnix: start.Unix(),
		DurationS:   time.Since(start).Seconds(),
		Handoffs:    o.portal.Totals(),
		PortalLinks: o.registry.LinkCount(),
	}
	for _, name := range o.order {
		rt := o.shards[name]
		s.Shards = append(s.Shards, o.agg.shardResult(name, rt.Sup.Replicas()))
	}
	return s
}
