package log

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"

	"voidreckoning.sim/internal/protocol"
)

func readJSONLZstd(t *testing.T, dir string) []protocol.ProgressMessage {
	t.Helper()
	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	var out []protocol.ProgressMessage
	for _, e := range ents {
		if !strings.HasSuffix(e.Name(), ".jsonl.zst") {
			continue
		}
		f, err := os.Open(filepath.Join(dir, e.Name()))
		if err != nil {
			t.Fatal(err)
		}
		dec, err := zstd.NewReader(f)
		if err != nil {
			t.Fatal(err)
		}
		sc := bufio.NewScanner(dec)
		for sc.Scan() {
			var msg protocol.ProgressMessage
			if err := json.Unmarshal(sc.Bytes(), &msg); err != nil {
				t.Fatalf("line: %v", err)
			}
			out = append(out, msg)
		}
		dec.Close()
		f.Close()
	}
	return out
}

func TestProgressLoggerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := NewProgressLogger(dir)

	want := []protocol.ProgressMessage{
		{ShardID: "PRIME", Replica: 0, Turn: 1, Status: protocol.StatusRunning},
		{ShardID: "PRIME", Replica: 0, Turn: 1, Status: protocol.StatusWaiting},
		{ShardID: "VOID", Replica: 1, Turn: 2, Status: protocol.StatusDone,
			Outcome: &protocol.Outcome{Winner: "UMBRA", TurnsTaken: 2}},
	}
	for _, msg := range want {
		if err := l.Write(msg); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	got := readJSONLZstd(t, filepath.Join(dir, "progress"))
	if len(got) != len(want) {
		t.Fatalf("entries=%d, want %d", len(got), len(want))
	}
	if got[2].Outcome == nil || got[2].Outcome.Winner != "UMBRA" {
		t.Fatalf("outcome lost: %+v", got[2])
	}
}

func TestCrashLoggerWrapsMessage(t *testing.T) {
	dir := t.TempDir()
	l := NewCrashLogger(dir)
	l.RecordCrash(protocol.ProgressMessage{
		ShardID: "PRIME", Replica: 1, Status: protocol.StatusError,
		Code: protocol.ErrWorkerCrash, Trace: "replica panic: boom",
	})
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	ents, err := os.ReadDir(filepath.Join(dir, "crashes"))
	if err != nil || len(ents) == 0 {
		t.Fatalf("no crash artifact written: %v", err)
	}
}
