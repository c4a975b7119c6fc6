package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"voidreckoning.sim/internal/protocol"
)

type JSONLZstdWriter struct {
	baseDir string
	prefix  string

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := time.Now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	dir := filepath.Dir(w.pathForHour(hour))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// ProgressLogger writes one compressed JSONL entry per progress message.
type ProgressLogger struct{ w *JSONLZstdWriter }

func NewProgressLogger(runDir string) *ProgressLogger {
	return &ProgressLogger{w: NewJSONLZstdWriter(filepath.Join(runDir, "progress"), "progress")}
}

func (l *ProgressLogger) Write(msg protocol.ProgressMessage) error { return l.w.Write(msg) }
func (l *ProgressLogger) Close() error                             { return l.w.Close() }

// Broadcast satisfies the orchestrator's feed contract; persistence failures
// never stall the run.
func (l *ProgressLogger) Broadcast(msg protocol.ProgressMessage) { _ = l.w.Write(msg) }

// crashEntry wraps the error message with a capture timestamp.
type crashEntry struct {
	RecordedAt string                   `json:"recorded_at"`
	Message    protocol.ProgressMessage `json:"message"`
}

// CrashLogger persists replica crash artifacts (compressed).
type CrashLogger struct{ w *JSONLZstdWriter }

func NewCrashLogger(runDir string) *CrashLogger {
	return &CrashLogger{w: NewJSONLZstdWriter(filepath.Join(runDir, "crashes"), "crash")}
}

func (l *CrashLogger) RecordCrash(msg protocol.ProgressMessage) {
	_ = l.w.Write(crashEntry{
		RecordedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Message:    msg,
	})
}

func (l *CrashLogger) Close() error { return l.w.Close() }
