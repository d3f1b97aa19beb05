package indexdb

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"twinbox.gg/internal/persistence/snapshot"
	"twinbox.gg/internal/rollback"
	"twinbox.gg/internal/sim/checksum"
	"twinbox.gg/internal/sim/input"
)

var _ rollback.Recorder = (*SessionRecorder)(nil)

func TestSQLiteIndex_RecordsSessionFramesAndEvents(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "index.sqlite")
	idx, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	idx.StartSession(SessionRow{ID: "s1", Mode: "online", LocalHandle: 1, Room: "r"})
	rec := idx.Recorder("s1")
	for f := int32(0); f < 10; f++ {
		_ = rec.RecordFrame(rollback.FrameRecord{
			Frame:    f,
			Inputs:   []input.Input{input.Neutral, input.Left},
			Checksum: checksum.Checksum(uint64(f) * 7),
		})
	}
	_ = rec.RecordEvent(rollback.Event{Kind: rollback.EventSynchronized})
	_ = rec.RecordEvent(rollback.Event{
		Kind:   rollback.EventDesynced,
		Frame:  8,
		Desync: checksum.Desync{Frame: 8, Local: 1, Remote: 2},
	})
	idx.RecordSnapshot("/tmp/s1/8.snap.zst", snapshot.Header{SessionID: "s1", Frame: 9, Reason: "desync"})
	idx.EndSession("s1", 10, "desynced")
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	idx, err = OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer idx.Close()
	ctx := context.Background()

	se, err := idx.Session(ctx, "s1")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if se.Mode != "online" || se.LocalHandle != 1 || se.FinalFrame != 10 || se.Status != "desynced" || se.EndedAt.IsZero() {
		t.Fatalf("session row: %+v", se)
	}

	sums, err := idx.FrameChecksums(ctx, "s1")
	if err != nil {
		t.Fatalf("FrameChecksums: %v", err)
	}
	if len(sums) != 10 || sums[3] != checksum.Checksum(21).String() {
		t.Fatalf("checksums: %v", sums)
	}

	evs, err := idx.Events(ctx, "s1")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(evs) != 2 || evs[0].Kind != "synchronized" || evs[1].Kind != "desynced" || evs[1].Remote != checksum.Checksum(2).String() {
		t.Fatalf("events: %+v", evs)
	}

	list, err := idx.Sessions(ctx, 0)
	if err != nil || len(list) != 1 || list[0].ID != "s1" {
		t.Fatalf("Sessions: %+v %v", list, err)
	}
	snaps, err := idx.Snapshots(ctx, "s1")
	if err != nil || len(snaps) != 1 || snaps[0].Frame != 9 || snaps[0].Reason != "desync" {
		t.Fatalf("Snapshots: %+v %v", snaps, err)
	}

	if _, err := idx.Session(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqFrame}

	rec := s.Recorder("s")
	_ = rec.RecordFrame(rollback.FrameRecord{Frame: 2})
	_ = rec.RecordEvent(rollback.Event{Kind: rollback.EventRollback})
	s.StartSession(SessionRow{ID: "s"})
	s.RecordSnapshot("/tmp/2.snap.zst", snapshot.Header{})

	st := s.Stats()
	if st.DropFrameTotal != 1 || st.DropEventTotal != 1 || st.DropSessionTotal != 1 || st.DropSnapshotTotal != 1 {
		t.Fatalf("drop stats: %+v", st)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}
