// Package log writes hourly-rotated, zstd-compressed JSONL logs of finalized
// frames and session events. A frame log is enough to re-simulate a round
// and check every recorded checksum.
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

	"twinbox.gg/internal/rollback"
)

type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

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
		now:     time.Now,
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

	hour := w.now().UTC().Format("2006-01-02-15")
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
	if err := os.MkdirAll(w.baseDir, 0o755); err != nil {
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
	w.curHour = ""
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// FrameEntry is one finalized frame. Inputs is indexed by player handle.
type FrameEntry struct {
	SessionID string `json:"session_id"`
	Frame     int32  `json:"frame"`
	Inputs    []int  `json:"inputs"`
	Checksum  string `json:"checksum"`
}

// EventEntry is one session event.
type EventEntry struct {
	SessionID string `json:"session_id"`
	Time      string `json:"time"`
	Kind      string `json:"kind"`
	Frame     int32  `json:"frame"`
	Replayed  int    `json:"replayed,omitempty"`
	Local     string `json:"local,omitempty"`
	Remote    string `json:"remote,omitempty"`
}

// FrameLogger writes one JSONL entry per finalized frame (compressed).
type FrameLogger struct {
	sessionID string
	w         *JSONLZstdWriter
}

func NewFrameLogger(sessionDir, sessionID string) *FrameLogger {
	return &FrameLogger{sessionID: sessionID, w: NewJSONLZstdWriter(filepath.Join(sessionDir, "frames"), "frames")}
}

func (l *FrameLogger) RecordFrame(fr rollback.FrameRecord) error {
	e := FrameEntry{
		SessionID: l.sessionID,
		Frame:     fr.Frame,
		Inputs:    make([]int, len(fr.Inputs)),
		Checksum:  fr.Checksum.String(),
	}
	for i, in := range fr.Inputs {
		e.Inputs[i] = int(in)
	}
	return l.w.Write(e)
}

func (l *FrameLogger) Close() error { return l.w.Close() }

// EventLogger writes session events (compressed).
type EventLogger struct {
	sessionID string
	w         *JSONLZstdWriter
}

func NewEventLogger(sessionDir, sessionID string) *EventLogger {
	return &EventLogger{sessionID: sessionID, w: NewJSONLZstdWriter(filepath.Join(sessionDir, "events"), "events")}
}

func (l *EventLogger) RecordEvent(ev rollback.Event) error {
	e := EventEntry{
		SessionID: l.sessionID,
		Time:      l.w.now().UTC().Format(time.RFC3339Nano),
		Kind:      ev.Kind.String(),
		Frame:     ev.Frame,
		Replayed:  ev.Replayed,
	}
	if ev.Kind == rollback.EventDesynced {
		e.Local = ev.Desync.Local.String()
		e.Remote = ev.Desync.Remote.String()
	}
	return l.w.Write(e)
}

func (l *EventLogger) Close() error { return l.w.Close() }

// SessionLogger is a rollback.Recorder writing both logs under one session
// directory.
type SessionLogger struct {
	*FrameLogger
	*EventLogger
}

func NewSessionLogger(sessionDir, sessionID string) *SessionLogger {
	return &SessionLogger{
		FrameLogger: NewFrameLogger(sessionDir, sessionID),
		EventLogger: NewEventLogger(sessionDir, sessionID),
	}
}

func (l *SessionLogger) Close() error {
	err1 := l.FrameLogger.Close()
	err2 := l.EventLogger.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
