package snapshot

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"twinbox.gg/internal/sim/input"
	"twinbox.gg/internal/sim/tuning"
	"twinbox.gg/internal/sim/world"
)

func TestSnapshotRoundTripIsBitExact(t *testing.T) {
	a := world.ArenaFrom(tuning.Defaults())
	st := world.NewState(a, 2)
	for i := 0; i < 77; i++ {
		st = world.Advance(st, []input.Input{input.Up | input.Right, input.Left}, a)
	}

	snap := FromState("sess-1", st, a)
	snap.Mode = "online"
	snap.TickRate = 60
	path := filepath.Join(t.TempDir(), "snapshots", "77.snap.zst")
	if err := WriteSnapshot(path, snap); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}

	h, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if h.SessionID != "sess-1" || h.Frame != 77 || h.Version != Version {
		t.Fatalf("header: %+v", h)
	}

	got, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if !reflect.DeepEqual(got, snap) {
		t.Fatalf("snapshot mismatch:\n got %+v\nwant %+v", got, snap)
	}
	gotState, gotArena := got.ToState()
	if !reflect.DeepEqual(gotState, st) {
		t.Fatalf("state mismatch:\n got %+v\nwant %+v", gotState, st)
	}
	if gotArena != a {
		t.Fatalf("arena mismatch: %+v vs %+v", gotArena, a)
	}
}

func TestReadSnapshotRejectsUnknownVersion(t *testing.T) {
	a := world.ArenaFrom(tuning.Defaults())
	snap := FromState("s", world.NewState(a, 2), a)
	snap.Header.Version = 99
	path := filepath.Join(t.TempDir(), "x.snap.zst")
	if err := WriteSnapshot(path, snap); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	if _, err := ReadSnapshot(path); !errors.Is(err, ErrVersion) {
		t.Fatalf("expected ErrVersion, got %v", err)
	}
}
