package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"voidreckoning.sim/internal/sim/replay"
	"voidreckoning.sim/internal/sim/shard"
)

func main() {
	var (
		snapPath   = flag.String("snapshot", "", "path to .snap.zst")
		configPath = flag.String("config", "configs/shards.yaml", "orchestration plan (for universe params)")
		steps      = flag.Int("steps", 0, "turns to replay forward")
		verify     = flag.Bool("verify", false, "replay twice and compare state digests turn by turn")
	)
	flag.Parse()

	if *snapPath == "" {
		fmt.Fprintln(os.Stderr, "missing -snapshot")
		os.Exit(2)
	}

	logger := log.New(os.Stderr, "[replay] ", log.LstdFlags|log.Lmsgprefix)
	mgr := replay.NewManager("", logger)

	snap, err := mgr.Inspect(*snapPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}
	fmt.Printf("snapshot v%d universe=%s turn=%d replica=%d seed=%d factions=%d systems=%d fleets=%d rng_streams=%d\n",
		snap.Header.Version, snap.Header.Universe, snap.Header.Turn, snap.Replica, snap.Seed,
		len(snap.Factions), len(snap.Systems), len(snap.Fleets), len(snap.RNGStreams))

	if *steps <= 0 && !*verify {
		return
	}

	cfg, err := shard.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	spec, ok := cfg.ShardByName(snap.Header.Universe)
	if !ok {
		fmt.Fprintf(os.Stderr, "universe %s not found in %s\n", snap.Header.Universe, *configPath)
		os.Exit(1)
	}

	n := *steps
	if n <= 0 {
		n = 10
	}

	if *verify {
		first := stepTrace(mgr, *snapPath, spec, n)
		second := stepTrace(mgr, *snapPath, spec, n)
		if turn, ok := replay.VerifyDeterminism(first, second); !ok {
			fmt.Fprintf(os.Stderr, "determinism check FAILED: first divergence at turn %d\n", turn)
			os.Exit(1)
		}
		fmt.Printf("determinism ok: %d turns match\n", len(first))
		return
	}

	for _, th := range stepTrace(mgr, *snapPath, spec, n) {
		fmt.Printf("turn %6d  %s\n", th.Turn, th.Digest)
	}
}

func stepTrace(mgr *replay.Manager, path string, spec shard.Spec, n int) []replay.TurnHash {
	c, err := mgr.Restore(path, spec.Params)
	if err != nil {
		fmt.Fprintln(os.Stderr, "restore:", err)
		os.Exit(1)
	}
	trace, err := replay.NewReplayer(c).Step(n)
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	return trace
}
