package orchestrator

import (
	"context"
	"log"
	"time"

	"voidreckoning.sim/internal/protocol"
	"voidreckoning.sim/internal/sim/translate"
)

// HandoffState is the lifecycle position of one in-flight handoff. A handoff
// always reaches exactly one of the three terminal states.
type HandoffState string

const (
	HandoffValidating      HandoffState = "VALIDATING"
	HandoffAwaitingRemoval HandoffState = "AWAITING_SOURCE_REMOVAL"
	HandoffTranslating     HandoffState = "TRANSLATING"
	HandoffInjecting       HandoffState = "INJECTING"

	HandoffCommitted HandoffState = "COMMITTED"
	HandoffRefunded  HandoffState = "REFUNDED_TO_SOURCE"
	HandoffRejected  HandoffState = "REJECTED"
)

// HandoffResult is the terminal record of one handoff attempt. Backlog holds
// every unrelated progress message consumed while waiting for the removal
// confirmation; the caller must re-dispatch them.
type HandoffResult struct {
	State   HandoffState
	Code    string
	Backlog []protocol.ProgressMessage
}

// PortalManager runs the transactional cross-shard handoff protocol. The
// critical ordering is removal before injection: the entity must be confirmed
// gone from the source before a copy may enter the destination, and a failed
// destination after removal gets the entity refunded to the source.
type PortalManager struct {
	logger     *log.Logger
	translator *translate.Translator
	registry   *Registry

	timeout time.Duration
	retries int

	totals map[HandoffState]uint64
	codes  map[string]uint64
}

func NewPortalManager(logger *log.Logger, tr *translate.Translator, reg *Registry, timeout time.Duration, retries int) *PortalManager {
	if retries <= 0 {
		retries = 3
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &PortalManager{
		logger:     logger,
		translator: tr,
		registry:   reg,
		timeout:    timeout,
		retries:    retries,
		totals:     map[HandoffState]uint64{},
		codes:      map[string]uint64{},
	}
}

// Execute drives one handoff package to a terminal state.
func (pm *PortalManager) Execute(ctx context.Context, pkg protocol.HandoffPackage, src, dst *shardRuntime) HandoffResult {
	res := HandoffResult{State: HandoffValidating}
	defer func() {
		pm.totals[res.State]++
		if res.Code != "" {
			pm.codes[res.Code]++
		}
	}()

	if err := protocol.ValidateHandoff(&pkg); err != nil {
		pm.logger.Printf("handoff %s rejected: invalid package: %v", pkg.EntityID, err)
		pm.reactivateSource(ctx, pkg, src)
		res.State, res.Code = HandoffRejected, protocol.ErrBadPackage
		return res
	}
	if dst == nil || !pm.registry.Linked(pkg.FromShard, pkg.ToShard) {
		pm.logger.Printf("handoff %s rejected: no linked portal %s -> %s", pkg.EntityID, pkg.FromShard, pkg.ToShard)
		pm.reactivateSource(ctx, pkg, src)
		res.State, res.Code = HandoffRejected, protocol.ErrDestUnavailable
		return res
	}
	if !dst.canAccept() {
		pm.logger.Printf("handoff %s rejected: destination %s already finished", pkg.EntityID, pkg.ToShard)
		pm.reactivateSource(ctx, pkg, src)
		res.State, res.Code = HandoffRejected, protocol.ErrDestFinished
		return res
	}

	// Source removal. The command is broadcast across replicas and is
	// idempotent, so each retry resends it.
	res.State = HandoffAwaitingRemoval
	confirmed := false
	for attempt := 0; attempt < pm.retries && !confirmed; attempt++ {
		if !sendCommand(ctx, src, protocol.CommandMsg{Action: protocol.CmdRemoveEntity, EntityID: pkg.EntityID}) {
			break
		}
		confirmed = pm.awaitRemoval(ctx, pkg.EntityID, src, &res.Backlog)
	}
	if !confirmed {
		pm.logger.Printf("handoff %s aborted: no removal confirmation from %s after %d attempts", pkg.EntityID, pkg.FromShard, pm.retries)
		pm.reactivateSource(ctx, pkg, src)
		res.State, res.Code = HandoffRejected, protocol.ErrProtoTimeout
		return res
	}

	// The entity is gone from the source; from here the destination must
	// take it or the source must get it back.
	if !dst.canAccept() {
		pm.logger.Printf("handoff %s refunded: destination %s died after removal", pkg.EntityID, pkg.ToShard)
		pkg.Refund = true
		sendCommand(ctx, src, protocol.CommandMsg{Action: protocol.CmdInjectEntity, Package: &pkg})
		res.State, res.Code = HandoffRefunded, protocol.ErrDestUnavailable
		return res
	}

	res.State = HandoffTranslating
	if err := pm.translator.Package(&pkg); err != nil {
		// Translation is best effort; the entity crosses with its native
		// stats rather than being stranded.
		pm.logger.Printf("handoff %s translation failed, injecting untranslated: %v", pkg.EntityID, err)
		res.Code = protocol.ErrTranslate
	}

	res.State = HandoffInjecting
	if !sendCommand(ctx, dst, protocol.CommandMsg{Action: protocol.CmdInjectEntity, Package: &pkg}) {
		pkg.Refund = true
		sendCommand(ctx, src, protocol.CommandMsg{Action: protocol.CmdInjectEntity, Package: &pkg})
		res.State, res.Code = HandoffRefunded, protocol.ErrDestUnavailable
		return res
	}

	res.State = HandoffCommitted
	return res
}

// awaitRemoval drains the source progress queue for up to one timeout window
// looking for the removal confirmation. Unrelated messages are buffered, not
// dropped.
func (pm *PortalManager) awaitRemoval(ctx context.Context, entityID string, src *shardRuntime, backlog *[]protocol.ProgressMessage) bool {
	deadline := time.NewTimer(pm.timeout)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case msg, ok := <-src.Ch.Progress:
			if !ok {
				return false
			}
			if msg.Status == protocol.StatusEntityRemoved && msg.EntityID == entityID {
				return true
			}
			*backlog = append(*backlog, msg)
		}
	}
}

// reactivateSource returns authority over the entity to the source shard
// after a rejection. The source engine still holds the entity in transit;
// the refund injection puts it back in play at its portal exit.
func (pm *PortalManager) reactivateSource(ctx context.Context, pkg protocol.HandoffPackage, src *shardRuntime) {
	if src == nil {
		return
	}
	pkg.Refund = true
	sendCommand(ctx, src, protocol.CommandMsg{Action: protocol.CmdInjectEntity, Package: &pkg})
}

func sendCommand(ctx context.Context, rt *shardRuntime, cmd protocol.CommandMsg) bool {
	if rt == nil {
		return false
	}
	select {
	case rt.Ch.Commands <- cmd:
		return true
	case <-ctx.Done():
		return false
	}
}

// Totals reports terminal-state counts since startup.
func (pm *PortalManager) Totals() map[string]uint64 {
	out := make(map[string]uint64, len(pm.totals)+len(pm.codes))
	for st, n := range pm.totals {
		out[string(st)] = n
	}
	for code, n := range pm.codes {
		out[code] = n
	}
	return out
}
