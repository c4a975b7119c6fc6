package indexdb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"voidreckoning.sim/internal/persistence/snapshot"
	"voidreckoning.sim/internal/protocol"
)

// SQLiteIndex is the queryable secondary index over run analytics. All writes
// funnel through one writer goroutine; producers enqueue and never block.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool
}

type reqKind int

const (
	reqRun reqKind = iota + 1
	reqTurn
	reqHandoff
	reqSnapshot
	reqFlush
)

type req struct {
	kind reqKind

	run      runRow
	turn     turnRow
	handoff  handoffRow
	snapshot snapshotRow
	ack      chan struct{}
}

type runRow struct {
	RunID       string
	StartedUnix int64
	Shards      int
}

type turnRow struct {
	Shard   string
	Replica int
	Turn    int
	Faction string
	Stats   protocol.FactionStats
}

type handoffRow struct {
	EntityID   string
	FromShard  string
	ToShard    string
	State      string
	Code       string
	RecordedAt string
}

type snapshotRow struct {
	Universe string
	Replica  int
	Turn     int
	Path     string
	Seed     int64
	Fleets   int
	Systems  int
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		// High buffer: per-turn stats arrive in bursts from every replica.
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			started_unix INTEGER NOT NULL,
			shards INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS turn_stats (
			shard TEXT NOT NULL,
			replica INTEGER NOT NULL,
			turn INTEGER NOT NULL,
			faction TEXT NOT NULL,
			systems INTEGER NOT NULL,
			fleets INTEGER NOT NULL,
			requisition REAL NOT NULL,
			score INTEGER NOT NULL,
			PRIMARY KEY (shard, replica, turn, faction)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_turn_stats_shard_turn ON turn_stats(shard, turn);`,
		`CREATE TABLE IF NOT EXISTS handoffs (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_id TEXT NOT NULL,
			from_shard TEXT NOT NULL,
			to_shard TEXT NOT NULL,
			state TEXT NOT NULL,
			code TEXT,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_handoffs_entity ON handoffs(entity_id);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			universe TEXT NOT NULL,
			replica INTEGER NOT NULL,
			turn INTEGER NOT NULL,
			path TEXT NOT NULL,
			seed INTEGER NOT NULL,
			fleets INTEGER NOT NULL,
			systems INTEGER NOT NULL,
			PRIMARY KEY (universe, replica, turn)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) RecordRun(runID string, startedUnix int64, shards int) {
	s.enqueue(req{kind: reqRun, run: runRow{RunID: runID, StartedUnix: startedUnix, Shards: shards}})
}

// IndexTurn enqueues one row per faction for the turn. Called from replica
// workers; dropping on overflow is acceptable because the JSONL progress log
// remains the source of truth.
func (s *SQLiteIndex) IndexTurn(shard string, replica, turn int, stats map[string]protocol.FactionStats) {
	if s == nil || s.closed.Load() {
		return
	}
	for faction, st := range stats {
		s.enqueue(req{kind: reqTurn, turn: turnRow{
			Shard:   shard,
			Replica: replica,
			Turn:    turn,
			Faction: faction,
			Stats:   st,
		}})
	}
}

func (s *SQLiteIndex) RecordHandoff(entityID, fromShard, toShard, state, code string) {
	s.enqueue(req{kind: reqHandoff, handoff: handoffRow{
		EntityID:   entityID,
		FromShard:  fromShard,
		ToShard:    toShard,
		State:      state,
		Code:       code,
		RecordedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}})
}

func (s *SQLiteIndex) RecordSnapshot(path string, snap snapshot.SnapshotV1) {
	s.enqueue(req{kind: reqSnapshot, snapshot: snapshotRow{
		Universe: snap.Header.Universe,
		Replica:  snap.Replica,
		Turn:     snap.Header.Turn,
		Path:     path,
		Seed:     snap.Seed,
		Fleets:   len(snap.Fleets),
		Systems:  len(snap.Systems),
	}})
}

func (s *SQLiteIndex) enqueue(r req) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- r:
	default:
	}
}

func (s *SQLiteIndex) loop() {
	for r := range s.ch {
		switch r.kind {
		case reqRun:
			_, _ = s.db.Exec(
				`INSERT OR REPLACE INTO runs(run_id, started_unix, shards) VALUES(?,?,?)`,
				r.run.RunID, r.run.StartedUnix, r.run.Shards)
		case reqTurn:
			_, _ = s.db.Exec(
				`INSERT OR REPLACE INTO turn_stats(shard, replica, turn, faction, systems, fleets, requisition, score)
				 VALUES(?,?,?,?,?,?,?,?)`,
				r.turn.Shard, r.turn.Replica, r.turn.Turn, r.turn.Faction,
				r.turn.Stats.Systems, r.turn.Stats.Fleets, r.turn.Stats.Requisition, r.turn.Stats.Score)
		case reqHandoff:
			_, _ = s.db.Exec(
				`INSERT INTO handoffs(entity_id, from_shard, to_shard, state, code, recorded_at)
				 VALUES(?,?,?,?,?,?)`,
				r.handoff.EntityID, r.handoff.FromShard, r.handoff.ToShard,
				r.handoff.State, r.handoff.Code, r.handoff.RecordedAt)
		case reqSnapshot:
			_, _ = s.db.Exec(
				`INSERT OR REPLACE INTO snapshots(universe, replica, turn, path, seed, fleets, systems)
				 VALUES(?,?,?,?,?,?,?)`,
				r.snapshot.Universe, r.snapshot.Replica, r.snapshot.Turn,
				r.snapshot.Path, r.snapshot.Seed, r.snapshot.Fleets, r.snapshot.Systems)
		case reqFlush:
			close(r.ack)
		}
	}
}

// Flush blocks until every row queued before the call has been written.
func (s *SQLiteIndex) Flush() {
	if s == nil || s.closed.Load() {
		return
	}
	ack := make(chan struct{})
	select {
	case s.ch <- req{kind: reqFlush, ack: ack}:
		<-ack
	default:
	}
}

// TurnStatCount reports how many turn rows the shard has indexed.
func (s *SQLiteIndex) TurnStatCount(shard string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM turn_stats WHERE shard = ?`, shard).Scan(&n)
	return n, err
}

// HandoffStates lists the recorded terminal states for one entity in
// insertion order.
func (s *SQLiteIndex) HandoffStates(entityID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT state FROM handoffs WHERE entity_id = ? ORDER BY seq`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var st string
		if err := rows.Scan(&st); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
