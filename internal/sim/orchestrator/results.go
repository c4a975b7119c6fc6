package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"voidreckoning.sim/internal/protocol"
)

// RunSummary is the final report of one orchestration run.
type RunSummary struct {
	RunID       string                 `json:"run_id"`
	StartedUnix int64                  `json:"started_unix"`
	DurationS   float64                `json:"duration_s"`
	Shards      []protocol.ShardResult `json:"shards"`
	Handoffs    map[string]uint64      `json:"handoffs,omitempty"`
	PortalLinks int                    `json:"portal_links"`
}

// aggregator accumulates replica outcomes per shard as they arrive.
type aggregator struct {
	records map[string]map[int]protocol.ReplicaRecord
}

func newAggregator() *aggregator {
	return &aggregator{records: map[string]map[int]protocol.ReplicaRecord{}}
}

func (a *aggregator) recordDone(shardID string, replica int, out protocol.Outcome) {
	a.put(shardID, protocol.ReplicaRecord{
		Replica:    replica,
		Winner:     out.Winner,
		TurnsTaken: out.TurnsTaken,
		DurationS:  out.DurationS,
	})
}

func (a *aggregator) recordError(shardID string, replica int, code string) {
	a.put(shardID, protocol.ReplicaRecord{Replica: replica, Err: code})
}

func (a *aggregator) put(shardID string, rec protocol.ReplicaRecord) {
	byReplica := a.records[shardID]
	if byReplica == nil {
		byReplica = map[int]protocol.ReplicaRecord{}
		a.records[shardID] = byReplica
	}
	byReplica[rec.Replica] = rec
}

// shardResult folds one shard's replica records into its aggregate row.
// Partial results survive replica failures: completed replicas still count.
func (a *aggregator) shardResult(shardID string, replicas int) protocol.ShardResult {
	res := protocol.ShardResult{
		ShardID:  shardID,
		Replicas: replicas,
		WinRates: map[string]int{},
	}
	byReplica := a.records[shardID]
	ids := make([]int, 0, len(byReplica))
	for r := range byReplica {
		ids = append(ids, r)
	}
	sort.Ints(ids)

	var sumTurns, sumDur float64
	for _, r := range ids {
		rec := byReplica[r]
		res.Outcomes = append(res.Outcomes, rec)
		if rec.Err != "" {
			res.Failed++
			continue
		}
		res.Completed++
		if rec.Winner != "" {
			res.WinRates[rec.Winner]++
		}
		sumTurns += float64(rec.TurnsTaken)
		sumDur += rec.DurationS
	}
	if res.Completed > 0 {
		res.AvgTurns = sumTurns / float64(res.Completed)
		res.AvgDurS = sumDur / float64(res.Completed)
	}
	return res
}

// WriteSummary writes the run summary atomically: tmp file in the target
// directory, then rename.
func WriteSummary(dir string, summary RunSummary) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_summary.json", summary.RunID))
	b, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return "", err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}
	return path, nil
}
