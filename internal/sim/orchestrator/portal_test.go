package orchestrator

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"voidreckoning.sim/internal/protocol"
	"voidreckoning.sim/internal/sim/shard"
	"voidreckoning.sim/internal/sim/translate"
)

func testLogger() *log.Logger {
	return log.New(os.Stderr, "[test] ", log.LstdFlags)
}

func newTestRuntime(name string) *shardRuntime {
	return &shardRuntime{
		Spec:   shard.Spec{Name: name},
		Ch:     shard.NewChannels(),
		ready:  map[int]bool{},
		turns:  map[int]int{},
		done:   map[int]bool{},
		failed: map[int]bool{},
	}
}

func linkedRegistry() *Registry {
	reg := NewRegistry(testLogger())
	reg.Register("PRIME", []protocol.PortalDecl{{PortalID: "gate-1", DestShard: "VOID", Coords: protocol.Coords{Q: 0, R: 0}}})
	reg.Register("VOID", []protocol.PortalDecl{{PortalID: "gate-1", DestShard: "PRIME", Coords: protocol.Coords{Q: 2, R: 1}}})
	reg.Reconcile()
	return reg
}

func testPM(reg *Registry) *PortalManager {
	tr := translate.New([]translate.Schema{
		{Universe: "PRIME", Dimensions: []string{"attack", "armor"}},
		{Universe: "VOID", Dimensions: []string{"attack"}},
	})
	return NewPortalManager(testLogger(), tr, reg, 200*time.Millisecond, 3)
}

func validPackage() protocol.HandoffPackage {
	return protocol.HandoffPackage{
		EntityID:   "FLT-PRIME-R0-CRIMSON-1",
		Faction:    "CRIMSON",
		ExitCoords: protocol.Coords{Q: 2, R: 1},
		FromShard:  "PRIME",
		ToShard:    "VOID",
		Units: []protocol.UnitDNA{{
			UnitID:         "FLT-PRIME-R0-CRIMSON-1-U1",
			Class:          "ESCORT",
			OriginUniverse: "PRIME",
			Native:         map[string]float64{"attack": 40, "armor": 25},
			Stats:          map[string]float64{"attack": 40, "armor": 25},
		}},
	}
}

// sourceResponder plays the source shard: it confirms the removal on the
// given attempt and copies every command it sees to seen.
func sourceResponder(ctx context.Context, src *shardRuntime, confirmOnAttempt int, seen chan<- protocol.CommandMsg) {
	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-src.Ch.Commands:
			select {
			case seen <- cmd:
			default:
			}
			if cmd.Action != protocol.CmdRemoveEntity {
				continue
			}
			attempts++
			if confirmOnAttempt > 0 && attempts >= confirmOnAttempt {
				src.Ch.Progress <- protocol.ProgressMessage{
					ShardID:  src.Spec.Name,
					Replica:  0,
					Status:   protocol.StatusEntityRemoved,
					EntityID: cmd.EntityID,
				}
			}
		}
	}
}

func TestHandoffCommitted(t *testing.T) {
	src, dst := newTestRuntime("PRIME"), newTestRuntime("VOID")
	pm := testPM(linkedRegistry())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	seen := make(chan protocol.CommandMsg, 16)
	go sourceResponder(ctx, src, 1, seen)

	res := pm.Execute(ctx, validPackage(), src, dst)
	if res.State != HandoffCommitted {
		t.Fatalf("state=%s code=%s, want COMMITTED", res.State, res.Code)
	}

	select {
	case cmd := <-dst.Ch.Commands:
		if cmd.Action != protocol.CmdInjectEntity || cmd.Package == nil {
			t.Fatalf("destination got %s, want injection", cmd.Action)
		}
		if !cmd.Package.Translated {
			t.Fatal("package injected untranslated")
		}
		if got := cmd.Package.Units[0].Stats["armor"]; got != 0 {
			t.Fatalf("armor not zeroed for destination context: %v", got)
		}
		if cmd.Package.Units[0].Native["armor"] != 25 {
			t.Fatal("native vector lost in transit")
		}
	case <-time.After(time.Second):
		t.Fatal("destination never received the entity")
	}
}

func TestHandoffConfirmsOnSecondAttempt(t *testing.T) {
	src, dst := newTestRuntime("PRIME"), newTestRuntime("VOID")
	pm := testPM(linkedRegistry())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go sourceResponder(ctx, src, 2, nil)

	res := pm.Execute(ctx, validPackage(), src, dst)
	if res.State != HandoffCommitted {
		t.Fatalf("state=%s code=%s, want COMMITTED after retry", res.State, res.Code)
	}
}

func TestHandoffTimeoutRejectsAndReactivates(t *testing.T) {
	src, dst := newTestRuntime("PRIME"), newTestRuntime("VOID")
	pm := testPM(linkedRegistry())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	seen := make(chan protocol.CommandMsg, 16)
	go sourceResponder(ctx, src, 0, seen) // never confirms

	res := pm.Execute(ctx, validPackage(), src, dst)
	if res.State != HandoffRejected || res.Code != protocol.ErrProtoTimeout {
		t.Fatalf("state=%s code=%s, want REJECTED/E_PROTO_TIMEOUT", res.State, res.Code)
	}

	removals, refunds := 0, 0
	drain := time.After(500 * time.Millisecond)
	for {
		select {
		case cmd := <-seen:
			switch cmd.Action {
			case protocol.CmdRemoveEntity:
				removals++
			case protocol.CmdInjectEntity:
				if cmd.Package != nil && cmd.Package.Refund {
					refunds++
				}
			}
		case <-drain:
			if removals != 3 {
				t.Fatalf("removal attempts=%d, want 3", removals)
			}
			if refunds != 1 {
				t.Fatalf("source reactivations=%d, want 1", refunds)
			}
			return
		}
	}
}

func TestHandoffRejectedWhenDestFinished(t *testing.T) {
	src, dst := newTestRuntime("PRIME"), newTestRuntime("VOID")
	dst.done[0] = true
	pm := testPM(linkedRegistry())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	seen := make(chan protocol.CommandMsg, 16)
	go sourceResponder(ctx, src, 1, seen)

	res := pm.Execute(ctx, validPackage(), src, dst)
	if res.State != HandoffRejected || res.Code != protocol.ErrDestFinished {
		t.Fatalf("state=%s code=%s, want REJECTED/E_DEST_FINISHED", res.State, res.Code)
	}

	// Rejection happens before any removal attempt.
	select {
	case cmd := <-seen:
		if cmd.Action == protocol.CmdRemoveEntity {
			t.Fatal("removal attempted against finished destination")
		}
	case <-time.After(200 * time.Millisecond):
	}
}

func TestHandoffRefundsWhenDestDiesAfterRemoval(t *testing.T) {
	src, dst := newTestRuntime("PRIME"), newTestRuntime("VOID")
	pm := testPM(linkedRegistry())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	seen := make(chan protocol.CommandMsg, 16)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case cmd := <-src.Ch.Commands:
				select {
				case seen <- cmd:
				default:
				}
				if cmd.Action != protocol.CmdRemoveEntity {
					continue
				}
				// Destination fails between removal and injection.
				dst.done[0] = true
				src.Ch.Progress <- protocol.ProgressMessage{
					ShardID:  "PRIME",
					Replica:  0,
					Status:   protocol.StatusEntityRemoved,
					EntityID: cmd.EntityID,
				}
			}
		}
	}()

	res := pm.Execute(ctx, validPackage(), src, dst)
	if res.State != HandoffRefunded {
		t.Fatalf("state=%s code=%s, want REFUNDED_TO_SOURCE", res.State, res.Code)
	}

	deadline := time.After(time.Second)
	for {
		select {
		case cmd := <-seen:
			if cmd.Action == protocol.CmdInjectEntity {
				if cmd.Package == nil || !cmd.Package.Refund {
					t.Fatal("refund injection missing refund flag")
				}
				return
			}
		case <-deadline:
			t.Fatal("source never received the refund")
		}
	}
}

func TestHandoffInvalidPackageRejected(t *testing.T) {
	src, dst := newTestRuntime("PRIME"), newTestRuntime("VOID")
	pm := testPM(linkedRegistry())

	pkg := validPackage()
	pkg.EntityID = ""
	res := pm.Execute(context.Background(), pkg, src, dst)
	if res.State != HandoffRejected || res.Code != protocol.ErrBadPackage {
		t.Fatalf("state=%s code=%s, want REJECTED/E_BAD_PACKAGE", res.State, res.Code)
	}
}

func TestHandoffUnlinkedPortalRejected(t *testing.T) {
	src, dst := newTestRuntime("PRIME"), newTestRuntime("VOID")
	reg := NewRegistry(testLogger())
	// One-sided declaration only.
	reg.Register("PRIME", []protocol.PortalDecl{{PortalID: "gate-1", DestShard: "VOID"}})
	reg.Reconcile()
	pm := testPM(reg)

	res := pm.Execute(context.Background(), validPackage(), src, dst)
	if res.State != HandoffRejected || res.Code != protocol.ErrDestUnavailable {
		t.Fatalf("state=%s code=%s, want REJECTED/E_DEST_UNAVAILABLE", res.State, res.Code)
	}
}

func TestHandoffBuffersUnrelatedMessages(t *testing.T) {
	src, dst := newTestRuntime("PRIME"), newTestRuntime("VOID")
	pm := testPM(linkedRegistry())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case cmd := <-src.Ch.Commands:
				if cmd.Action != protocol.CmdRemoveEntity {
					continue
				}
				// An unrelated progress message lands ahead of the
				// confirmation.
				src.Ch.Progress <- protocol.ProgressMessage{
					ShardID: "PRIME", Replica: 1, Turn: 9, Status: protocol.StatusRunning,
				}
				src.Ch.Progress <- protocol.ProgressMessage{
					ShardID: "PRIME", Replica: 0, Status: protocol.StatusEntityRemoved, EntityID: cmd.EntityID,
				}
			}
		}
	}()

	res := pm.Execute(ctx, validPackage(), src, dst)
	if res.State != HandoffCommitted {
		t.Fatalf("state=%s, want COMMITTED", res.State)
	}
	if len(res.Backlog) != 1 || res.Backlog[0].Status != protocol.StatusRunning || res.Backlog[0].Turn != 9 {
		t.Fatalf("backlog lost the buffered message: %+v", res.Backlog)
	}
}
