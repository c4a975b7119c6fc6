package shard

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shards.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if len(cfg.Shards) == 0 {
		t.Fatal("default config has no shards")
	}
	if cfg.RunID == "" {
		t.Fatal("run id not generated")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadAppliesNormalization(t *testing.T) {
	path := writeConfig(t, `
shards:
  - name: ALPHA
    replicas: 2
  - name: BETA
    replicas: 1
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	spec, ok := cfg.ShardByName("ALPHA")
	if !ok {
		t.Fatal("ALPHA missing")
	}
	if spec.Params.Universe != "ALPHA" {
		t.Fatalf("universe not defaulted from shard name: %q", spec.Params.Universe)
	}
	if spec.Turns != cfg.DefaultTurns {
		t.Fatalf("turns not defaulted: %d", spec.Turns)
	}
}

func TestDuplicateShardNameRejected(t *testing.T) {
	path := writeConfig(t, `
shards:
  - name: ALPHA
    replicas: 1
  - name: ALPHA
    replicas: 1
`)
	if _, err := Load(path); err == nil {
		t.Fatal("duplicate shard name accepted")
	}
}

func TestCPUAffinityOverlapRejected(t *testing.T) {
	path := writeConfig(t, `
shards:
  - name: ALPHA
    replicas: 1
    cpu_affinity: [0, 1]
  - name: BETA
    replicas: 1
    cpu_affinity: [1, 2]
`)
	if _, err := Load(path); err == nil {
		t.Fatal("overlapping cpu sets accepted")
	}
}

func TestDisabledShardSkipsCPUCheck(t *testing.T) {
	path := writeConfig(t, `
shards:
  - name: ALPHA
    replicas: 1
    cpu_affinity: [0]
  - name: BETA
    enabled: false
    replicas: 1
    cpu_affinity: [0]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("disabled shard counted against cpu sets: %v", err)
	}
	if got := len(cfg.EnabledShards()); got != 1 {
		t.Fatalf("enabled shards: got %d want 1", got)
	}
}

func TestPortalPointingAtSelfRejected(t *testing.T) {
	path := writeConfig(t, `
shards:
  - name: ALPHA
    replicas: 1
    params:
      portals:
        - portal_id: gate-1
          dest_shard: ALPHA
`)
	if _, err := Load(path); err == nil {
		t.Fatal("self-referential portal accepted")
	}
}

func TestAllShardsDisabledRejected(t *testing.T) {
	path := writeConfig(t, `
shards:
  - name: ALPHA
    enabled: false
    replicas: 1
`)
	if _, err := Load(path); err == nil {
		t.Fatal("config with no enabled shards accepted")
	}
}
