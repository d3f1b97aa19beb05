package log

import (
	"path/filepath"
	"testing"
	"time"

	"twinbox.gg/internal/rollback"
	"twinbox.gg/internal/sim/checksum"
	"twinbox.gg/internal/sim/input"
)

var _ rollback.Recorder = (*SessionLogger)(nil)

func TestFrameLogRotatesAndReadsBack(t *testing.T) {
	dir := t.TempDir()
	l := NewSessionLogger(dir, "s-1")
	clock := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	l.FrameLogger.w.now = func() time.Time { return clock }

	for f := int32(0); f < 6; f++ {
		if f == 3 {
			clock = clock.Add(2 * time.Minute)
		}
		fr := rollback.FrameRecord{
			Frame:    f,
			Inputs:   []input.Input{input.Right, input.Up | input.Action},
			Checksum: checksum.Checksum(0xabc0 + uint64(f)),
		}
		if err := l.RecordFrame(fr); err != nil {
			t.Fatalf("RecordFrame: %v", err)
		}
	}
	if err := l.RecordEvent(rollback.Event{Kind: rollback.EventRollback, Frame: 2, Replayed: 3}); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	files, err := ListFiles(filepath.Join(dir, "frames"), "frames")
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 rotated files, got %v", files)
	}

	frames, err := ReadFrames(dir)
	if err != nil {
		t.Fatalf("ReadFrames: %v", err)
	}
	if len(frames) != 6 {
		t.Fatalf("read %d frames, want 6", len(frames))
	}
	for i, e := range frames {
		if e.Frame != int32(i) || e.SessionID != "s-1" {
			t.Fatalf("entry %d: %+v", i, e)
		}
		if e.Inputs[0] != int(input.Right) || e.Inputs[1] != int(input.Up|input.Action) {
			t.Fatalf("entry %d inputs: %v", i, e.Inputs)
		}
		if want := checksum.Checksum(0xabc0 + uint64(i)).String(); e.Checksum != want {
			t.Fatalf("entry %d checksum: %s want %s", i, e.Checksum, want)
		}
	}

	evFiles, err := ListFiles(filepath.Join(dir, "events"), "events")
	if err != nil || len(evFiles) != 1 {
		t.Fatalf("event files: %v %v", evFiles, err)
	}
	var events []EventEntry
	if err := ReadEntries(evFiles[0], func(e EventEntry) error {
		events = append(events, e)
		return nil
	}); err != nil {
		t.Fatalf("ReadEntries: %v", err)
	}
	if len(events) != 1 || events[0].Kind != "rollback" || events[0].Replayed != 3 {
		t.Fatalf("events: %+v", events)
	}
}

func TestWriterReopensAfterClose(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(dir, "x")
	if err := w.Write(map[string]int{"a": 1}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Write(map[string]int{"a": 2}); err != nil {
		t.Fatalf("Write after close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	files, err := ListFiles(dir, "x")
	if err != nil || len(files) != 1 {
		t.Fatalf("files: %v %v", files, err)
	}
	var got []int
	if err := ReadEntries(files[0], func(m map[string]int) error {
		got = append(got, m["a"])
		return nil
	}); err != nil {
		t.Fatalf("ReadEntries: %v", err)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("got %v", got)
	}
}
