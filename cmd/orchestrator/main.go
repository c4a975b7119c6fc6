package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	"voidreckoning.sim/internal/persistence/indexdb"
	plog "voidreckoning.sim/internal/persistence/log"
	"voidreckoning.sim/internal/protocol"
	"voidreckoning.sim/internal/sim/orchestrator"
	"voidreckoning.sim/internal/sim/shard"
	"voidreckoning.sim/internal/transport/feed"
)

// envOverrides beat config file values; flags beat both.
type envOverrides struct {
	Config      string `env:"VOID_CONFIG"`
	OutputDir   string `env:"VOID_OUTPUT_DIR"`
	SnapshotDir string `env:"VOID_SNAPSHOT_DIR"`
	IndexDB     string `env:"VOID_INDEX_DB"`
	FeedAddr    string `env:"VOID_FEED_ADDR"`
	Seed        int64  `env:"VOID_SEED"`
}

type multiFeed []orchestrator.Broadcaster

func (m multiFeed) Broadcast(msg protocol.ProgressMessage) {
	for _, b := range m {
		b.Broadcast(msg)
	}
}

func main() {
	var (
		configPath  = flag.String("config", "configs/shards.yaml", "orchestration plan")
		outputDir   = flag.String("out", "", "override output directory")
		snapshotDir = flag.String("snapshots", "", "override snapshot directory")
		indexPath   = flag.String("index", "", "override index db path")
		feedAddr    = flag.String("feed", "", "override feed listen address (empty disables)")
		seed        = flag.Int64("seed", 0, "override base seed")
	)
	flag.Parse()

	logger := log.New(os.Stderr, "[orchestrator] ", log.LstdFlags|log.Lmsgprefix)

	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		logger.Printf("parse env: %v", err)
		os.Exit(2)
	}
	if ov.Config != "" && *configPath == "configs/shards.yaml" {
		*configPath = ov.Config
	}

	cfg, err := shard.Load(*configPath)
	if err != nil {
		logger.Printf("%s: %v", protocol.ErrConfig, err)
		os.Exit(2)
	}
	applyOverride(&cfg.OutputDir, ov.OutputDir, *outputDir)
	applyOverride(&cfg.SnapshotDir, ov.SnapshotDir, *snapshotDir)
	applyOverride(&cfg.IndexDBPath, ov.IndexDB, *indexPath)
	applyOverride(&cfg.FeedAddr, ov.FeedAddr, *feedAddr)
	if ov.Seed != 0 {
		cfg.Seed = ov.Seed
	}
	if *seed != 0 {
		cfg.Seed = *seed
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var feeds multiFeed

	progress := plog.NewProgressLogger(cfg.OutputDir)
	defer progress.Close()
	feeds = append(feeds, progress)

	crash := plog.NewCrashLogger(cfg.OutputDir)
	defer crash.Close()

	var idx *indexdb.SQLiteIndex
	if cfg.IndexDBPath != "" {
		idx, err = indexdb.OpenSQLite(cfg.IndexDBPath)
		if err != nil {
			// The index is an analytics convenience, never run critical.
			logger.Printf("index db unavailable: %v", err)
			idx = nil
		} else {
			defer idx.Close()
		}
	}

	if cfg.FeedAddr != "" {
		fs := feed.NewServer(logger)
		if _, err := fs.Start(cfg.FeedAddr); err != nil {
			logger.Printf("feed disabled: %v", err)
		} else {
			defer fs.Close()
			feeds = append(feeds, fs)
		}
	}

	opts := orchestrator.Options{
		Logger: logger,
		Feed:   feeds,
		Crash:  crash,
	}
	if idx != nil {
		opts.Indexer = idx
	}

	orch, err := orchestrator.New(cfg, opts)
	if err != nil {
		logger.Printf("%v", err)
		os.Exit(2)
	}
	if idx != nil {
		idx.RecordRun(cfg.RunID, time.Now().Unix(), len(cfg.EnabledShards()))
	}

	summary, err := orch.Run(ctx)
	printSummary(summary)
	if err != nil {
		logger.Printf("run finished with error: %v", err)
		os.Exit(1)
	}
	for _, sr := range summary.Shards {
		if sr.Failed > 0 {
			os.Exit(1)
		}
	}
}

func applyOverride(target *string, values ...string) {
	for _, v := range values {
		if v != "" {
			*target = v
		}
	}
}

func printSummary(s orchestrator.RunSummary) {
	fmt.Printf("run %s finished in %.1fs, %d portal links\n", s.RunID, s.DurationS, s.PortalLinks)
	for _, sr := range s.Shards {
		fmt.Printf("  shard %-12s replicas=%d completed=%d failed=%d avg_turns=%.1f\n",
			sr.ShardID, sr.Replicas, sr.Completed, sr.Failed, sr.AvgTurns)
		winners := make([]string, 0, len(sr.WinRates))
		for w := range sr.WinRates {
			winners = append(winners, w)
		}
		sort.Strings(winners)
		for _, w := range winners {
			fmt.Printf("    %-12s wins=%d\n", w, sr.WinRates[w])
		}
	}
	if len(s.Handoffs) > 0 {
		keys := make([]string, 0, len(s.Handoffs))
		for k := range s.Handoffs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Println("  handoffs:")
		for _, k := range keys {
			fmt.Printf("    %-24s %d\n", k, s.Handoffs[k])
		}
	}
}
