package main

import (
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	persistlog "twinbox.gg/internal/persistence/log"
	"twinbox.gg/internal/rollback"
	"twinbox.gg/internal/sim/input"
	"twinbox.gg/internal/sim/tuning"
	"twinbox.gg/internal/sim/world"
)

// recordRound plays a local round into a session directory and returns the
// entries read back from it.
func recordRound(t *testing.T, ticks int) ([]persistlog.FrameEntry, rollback.Config) {
	t.Helper()
	dir := t.TempDir()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := rollback.ConfigFrom(tuning.Defaults())
	rec := persistlog.NewSessionLogger(dir, "s-replay")
	s, err := rollback.NewLocal(cfg, rollback.WithLogger(logger), rollback.WithRecorder(rec))
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	for i := 0; i < ticks; i++ {
		a := input.Up
		if i%7 < 3 {
			a |= input.Right
		}
		b := input.Left
		if i%5 == 0 {
			b = input.Down | input.Action
		}
		if _, err := s.Tick(a, b); err != nil {
			t.Fatalf("Tick %d: %v", i, err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("close recorder: %v", err)
	}
	entries, err := persistlog.ReadFrames(dir)
	if err != nil {
		t.Fatalf("ReadFrames: %v", err)
	}
	if len(entries) < ticks-cfg.InputDelay-1 {
		t.Fatalf("recorded %d frames for %d ticks", len(entries), ticks)
	}
	return entries, cfg
}

func TestVerifyAcceptsRecordedRound(t *testing.T) {
	entries, cfg := recordRound(t, 120)
	res, err := Verify(world.NewState(cfg.Arena, cfg.NumPlayers), cfg.Arena, entries)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Checked != len(entries) || res.First != 0 || res.Last != entries[len(entries)-1].Frame {
		t.Fatalf("result %+v for %d entries", res, len(entries))
	}
}

func TestVerifyFromMidRoundState(t *testing.T) {
	entries, cfg := recordRound(t, 80)
	st := world.NewState(cfg.Arena, cfg.NumPlayers)
	for _, e := range entries[:40] {
		in := []input.Input{input.Input(e.Inputs[0]), input.Input(e.Inputs[1])}
		st = world.Advance(st, in, cfg.Arena)
	}
	res, err := Verify(st, cfg.Arena, entries)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.First != 40 || res.Checked != len(entries)-40 {
		t.Fatalf("result %+v", res)
	}
}

func TestVerifyReportsFirstBadFrame(t *testing.T) {
	entries, cfg := recordRound(t, 60)
	entries[25].Inputs[1] = int(input.Right)

	res, err := Verify(world.NewState(cfg.Arena, cfg.NumPlayers), cfg.Arena, entries)
	if !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if res.Checked != 25 {
		t.Fatalf("checked %d frames before the mismatch, want 25", res.Checked)
	}
}

func TestVerifyRejectsGapsAndMalformedInputs(t *testing.T) {
	entries, cfg := recordRound(t, 30)
	start := world.NewState(cfg.Arena, cfg.NumPlayers)

	gap := append(append([]persistlog.FrameEntry{}, entries[:10]...), entries[11:]...)
	if _, err := Verify(start, cfg.Arena, gap); !errors.Is(err, ErrGap) {
		t.Fatalf("gap: got %v", err)
	}

	bad := append([]persistlog.FrameEntry{}, entries...)
	bad[3].Inputs = []int{0, 0x40}
	if _, err := Verify(start, cfg.Arena, bad); !errors.Is(err, ErrInputs) {
		t.Fatalf("malformed input: got %v", err)
	}
}

func TestCrossCheck(t *testing.T) {
	entries, _ := recordRound(t, 20)
	indexed := map[int32]string{}
	for _, e := range entries[:10] {
		indexed[e.Frame] = e.Checksum
	}
	if n, err := CrossCheck(entries, indexed); err != nil || n != 10 {
		t.Fatalf("CrossCheck: n=%d err=%v", n, err)
	}
	indexed[entries[4].Frame] = "0000000000000000"
	if _, err := CrossCheck(entries, indexed); !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
}
