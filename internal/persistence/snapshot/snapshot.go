package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"voidreckoning.sim/internal/protocol"
)

func init() {
	// Concrete types that may appear inside Meta.
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

type Header struct {
	Version  int    `json:"version"`
	Universe string `json:"universe"`
	Turn     int    `json:"turn"`
}

// SnapshotV1 is the whitelisted, hand-written serializable schema for one
// replica's full mutable state plus every RNG stream. Nothing outside this
// schema is ever captured; restore therefore never has to guess at live
// resources.
type SnapshotV1 struct {
	Header Header `json:"header"`

	ID          string `json:"id"`
	Replica     int    `json:"replica"`
	Seed        int64  `json:"seed"`
	CreatedUnix int64  `json:"created_unix"`

	Factions []FactionV1 `json:"factions"`
	Systems  []SystemV1  `json:"systems"`
	Fleets   []FleetV1   `json:"fleets"`

	// Entity ids removed by a confirmed handoff; kept so a retried removal
	// after restore still confirms.
	RemovedEntities []string `json:"removed_entities,omitempty"`

	// Full state of every named RNG stream; restored before anything else.
	RNGStreams map[string]uint64 `json:"rng_streams"`

	// Sanitized free-form run metadata. Advisory; never read on restore.
	Meta map[string]any `json:"meta,omitempty"`
}

type FactionV1 struct {
	Name        string  `json:"name"`
	Requisition float64 `json:"requisition"`
}

type SystemV1 struct {
	Index  int             `json:"index"`
	Name   string          `json:"name"`
	Owner  string          `json:"owner"`
	Coords protocol.Coords `json:"coords"`
}

type FleetV1 struct {
	ID      string             `json:"id"`
	Faction string             `json:"faction"`
	System  int                `json:"system"`
	Units   []protocol.UnitDNA `json:"units"`
	Transit bool               `json:"transit,omitempty"`
}

func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	defer enc.Close()

	bw := bufio.NewWriterSize(enc, 256*1024)
	defer bw.Flush()

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}

	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	return nil
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// Header line is advisory; gob carries the authoritative copy.
	_, _ = br.ReadBytes('\n')

	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	return snap, nil
}
