package shard

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"voidreckoning.sim/internal/sim/engine"
)

// Config is the whole orchestration plan: every shard plus the run-wide
// settings shared across them. Loaded once at startup from shards.yaml.
type Config struct {
	RunID         string `yaml:"run_id"`
	DefaultTurns  int    `yaml:"default_turns"`
	Seed          int64  `yaml:"seed"`
	OutputDir     string `yaml:"output_dir"`
	SnapshotDir   string `yaml:"snapshot_dir"`
	SnapshotEvery int    `yaml:"snapshot_every"`
	IndexDBPath   string `yaml:"index_db_path"`
	FeedAddr      string `yaml:"feed_addr"`

	// HandoffTimeout and HandoffRetries bound the removal-confirmation wait
	// of the cross-shard handoff protocol.
	HandoffTimeoutS float64 `yaml:"handoff_timeout_s"`
	HandoffRetries  int     `yaml:"handoff_retries"`

	// SyncTurns runs all replicas in lockstep: each one waits at a barrier
	// after every turn until the slowest live replica catches up. Off by
	// default; replicas then free-run from start to their terminal turn.
	SyncTurns bool `yaml:"sync_turns"`

	Shards []Spec `yaml:"shards"`
}

// Spec configures one shard: a universe identity, its replica count and the
// CPU cores its worker pool may be pinned to.
type Spec struct {
	Name        string        `yaml:"name"`
	Enabled     *bool         `yaml:"enabled,omitempty"`
	Replicas    int           `yaml:"replicas"`
	Turns       int           `yaml:"turns,omitempty"`
	SeedOffset  int64         `yaml:"seed_offset"`
	CPUAffinity []int         `yaml:"cpu_affinity,omitempty"`
	Params      engine.Params `yaml:"params"`
}

func (s Spec) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("shards.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("shards.yaml: %w", err)
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		DefaultTurns:    200,
		Seed:            20260101,
		OutputDir:       "data/results",
		SnapshotDir:     "data/snapshots",
		SnapshotEvery:   25,
		IndexDBPath:     "data/index.db",
		HandoffTimeoutS: 2.0,
		HandoffRetries:  3,
		Shards: []Spec{
			{
				Name:     "PRIME",
				Replicas: 2,
				Params: engine.Params{
					Universe: "PRIME",
					Factions: []string{"CRIMSON", "AZURE"},
				},
			},
			{
				Name:       "VOID",
				Replicas:   2,
				SeedOffset: 1000,
				Params: engine.Params{
					Universe: "VOID",
					Factions: []string{"UMBRA", "AURUM"},
				},
			},
		},
	}
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	if strings.TrimSpace(c.RunID) == "" {
		c.RunID = "run-" + uuid.NewString()[:8]
	}
	if c.DefaultTurns <= 0 {
		c.DefaultTurns = 200
	}
	if c.SnapshotEvery < 0 {
		c.SnapshotEvery = 0
	}
	if c.HandoffTimeoutS <= 0 {
		c.HandoffTimeoutS = 2.0
	}
	if c.HandoffRetries <= 0 {
		c.HandoffRetries = 3
	}
	if strings.TrimSpace(c.OutputDir) == "" {
		c.OutputDir = "data/results"
	}
	if strings.TrimSpace(c.SnapshotDir) == "" {
		c.SnapshotDir = "data/snapshots"
	}
	for i := range c.Shards {
		s := &c.Shards[i]
		if s.Replicas <= 0 {
			s.Replicas = 1
		}
		if s.Turns <= 0 {
			s.Turns = c.DefaultTurns
		}
		if strings.TrimSpace(s.Params.Universe) == "" {
			s.Params.Universe = s.Name
		}
		s.Params.Normalize()
	}
}

func (c Config) Validate() error {
	c.Normalize()
	if len(c.Shards) == 0 {
		return fmt.Errorf("shards must not be empty")
	}
	enabled := 0
	seen := map[string]bool{}
	coreOwner := map[int]string{}
	for _, s := range c.Shards {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("shard name must not be empty")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate shard name: %s", s.Name)
		}
		seen[s.Name] = true
		if !s.IsEnabled() {
			continue
		}
		enabled++
		if s.Replicas <= 0 {
			return fmt.Errorf("shard %s replicas must be > 0", s.Name)
		}
		for _, core := range s.CPUAffinity {
			if core < 0 {
				return fmt.Errorf("shard %s cpu_affinity core must be >= 0", s.Name)
			}
			if owner, ok := coreOwner[core]; ok {
				return fmt.Errorf("shard %s cpu_affinity core %d already assigned to shard %s", s.Name, core, owner)
			}
			coreOwner[core] = s.Name
		}
		for _, p := range s.Params.Portals {
			if strings.TrimSpace(p.PortalID) == "" {
				return fmt.Errorf("shard %s has portal with empty id", s.Name)
			}
			if strings.TrimSpace(p.DestShard) == "" {
				return fmt.Errorf("shard %s portal %s missing dest_shard", s.Name, p.PortalID)
			}
			if p.DestShard == s.Name {
				return fmt.Errorf("shard %s portal %s points at its own shard", s.Name, p.PortalID)
			}
		}
	}
	if enabled == 0 {
		return fmt.Errorf("no shards enabled")
	}
	// Portal destinations may name disabled shards; linking resolves that at
	// runtime with a refusal, not a config error.
	return nil
}

// Enabled returns the specs of every enabled shard in declaration order.
func (c Config) EnabledShards() []Spec {
	out := make([]Spec, 0, len(c.Shards))
	for _, s := range c.Shards {
		if s.IsEnabled() {
			out = append(out, s)
		}
	}
	return out
}

func (c Config) ShardByName(name string) (Spec, bool) {
	for _, s := range c.Shards {
		if s.Name == name {
			return s, true
		}
	}
	return Spec{}, false
}
