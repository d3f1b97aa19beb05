package round

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"

	"twinbox.gg/internal/persistence/snapshot"
	"twinbox.gg/internal/protocol"
	"twinbox.gg/internal/rollback"
	"twinbox.gg/internal/sim/input"
	"twinbox.gg/internal/sim/tuning"
	"twinbox.gg/internal/sim/world"
	"twinbox.gg/internal/transport/memory"
)

func quiet() Option {
	l, _ := logtest.NewNullLogger()
	return WithLogger(l)
}

func TestParseMode(t *testing.T) {
	cases := map[string]Mode{
		"local":     ModeLocal,
		"Online":    ModeOnline,
		" synctest": ModeSyncTest,
		"sync-test": ModeSyncTest,
	}
	for in, want := range cases {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseMode(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseMode("ranked"); !errors.Is(err, ErrUnknownMode) {
		t.Fatalf("expected ErrUnknownMode, got %v", err)
	}
	if ModeOnline.LocalControllers(2) != 1 || ModeLocal.LocalControllers(2) != 2 {
		t.Fatalf("LocalControllers mismatch")
	}
}

func TestCheckWin(t *testing.T) {
	g := tuning.Goal{X: 0, Y: 200, HalfWidth: 40, HalfHeight: 24}
	const r = 16
	at := func(pos ...world.Vec2) world.State {
		st := world.State{}
		for i, p := range pos {
			st.Players = append(st.Players, world.Player{Handle: i, Pos: p})
		}
		return st
	}
	cases := []struct {
		name   string
		st     world.State
		winner int
		ok     bool
	}{
		{"nobody", at(world.Vec2{X: -120}, world.Vec2{X: 120}), -1, false},
		{"fully inside", at(world.Vec2{X: -120}, world.Vec2{X: 10, Y: 200}), 1, true},
		{"touching edge", at(world.Vec2{X: 24, Y: 200}, world.Vec2{}), 0, true},
		{"overlapping edge", at(world.Vec2{X: 25, Y: 200}, world.Vec2{}), -1, false},
		{"both inside", at(world.Vec2{Y: 195}, world.Vec2{Y: 205}), 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, ok := CheckWin(tc.st, g, r)
			if h != tc.winner || ok != tc.ok {
				t.Fatalf("got (%d,%v) want (%d,%v)", h, ok, tc.winner, tc.ok)
			}
		})
	}
}

// toGoal drives handle 0 right to the goal column, then up through the goal.
func toGoal(controllers int) InputSourceFunc {
	return func(frame int32) []input.Controls {
		c := make([]input.Controls, controllers)
		if frame < 30 {
			c[0].Right = true
		} else {
			c[0].Up = true
		}
		return c
	}
}

func TestLocalRoundRunsUntilWin(t *testing.T) {
	tu := tuning.Defaults()
	tu.TickRateHz = 1000
	r, err := Setup(ModeLocal, tu, quiet())
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer r.Teardown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := r.Run(ctx, toGoal(2))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Won || res.Winner != 0 {
		t.Fatalf("expected handle 0 to win, got %+v", res)
	}
	if h, ok := r.Winner(); !ok || h != 0 {
		t.Fatalf("Winner() = %d, %v", h, ok)
	}
	// Right for 30 frames brings x to the goal column, the goal is about
	// 48 frames further up.
	if res.Frame < 78 || res.Frame > 100 {
		t.Fatalf("won at unexpected frame %d", res.Frame)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	tu := tuning.Defaults()
	tu.TickRateHz = 1000
	r, err := Setup(ModeSyncTest, tu, quiet())
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer r.Teardown()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	idle := InputSourceFunc(func(int32) []input.Controls { return make([]input.Controls, 2) })
	if _, err := r.Run(ctx, idle); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	if r.Session().CurrentFrame() == 0 {
		t.Fatalf("no frames advanced")
	}
}

func TestOnlineRoundsTeardownNotifiesPeer(t *testing.T) {
	tu := tuning.Defaults()
	if _, err := Setup(ModeOnline, tu, quiet()); !errors.Is(err, ErrNoTransport) {
		t.Fatalf("expected ErrNoTransport, got %v", err)
	}

	ea, eb := memory.Pair(1)
	a, err := Setup(ModeOnline, tu, quiet(), WithTransport(ea, 0))
	if err != nil {
		t.Fatalf("Setup a: %v", err)
	}
	b, err := Setup(ModeOnline, tu, quiet(), WithTransport(eb, 1))
	if err != nil {
		t.Fatalf("Setup b: %v", err)
	}
	defer b.Teardown()

	src := toGoal(1)
	for i := 0; i < 40; i++ {
		for _, r := range []*Round{a, b} {
			if _, err := r.Tick(src(r.Session().CurrentFrame())...); err != nil {
				t.Fatalf("Tick: %v", err)
			}
		}
	}
	if a.Session().Status() != rollback.StatusRunning || b.Session().Status() != rollback.StatusRunning {
		t.Fatalf("rounds not running: %s %s", a.Session().Status(), b.Session().Status())
	}

	if err := a.Teardown(); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	if err := a.Teardown(); err != nil {
		t.Fatalf("second Teardown: %v", err)
	}
	if _, err := a.Tick(input.Controls{}); !errors.Is(err, rollback.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}

	var lost bool
	for i := 0; i < 5 && !lost; i++ {
		res, err := b.Tick(input.Controls{})
		if err != nil {
			t.Fatalf("Tick: %v", err)
		}
		lost = res.Has(rollback.EventPeerLost)
	}
	if !lost {
		t.Fatalf("peer never saw teardown")
	}
}

type forgeInputs struct{ rollback.Transport }

func (f forgeInputs) Send(m protocol.Message) error {
	if m.Type == protocol.TypeInput {
		forged := make([]int, len(m.Inputs))
		for i := range forged {
			forged[i] = int(input.Down)
		}
		m.Inputs = forged
	}
	return f.Transport.Send(m)
}

type snapIndex struct{ headers []snapshot.Header }

func (s *snapIndex) RecordSnapshot(_ string, h snapshot.Header) { s.headers = append(s.headers, h) }

func TestDesyncWritesSnapshot(t *testing.T) {
	tu := tuning.Defaults()
	dir := t.TempDir()
	idx := &snapIndex{}
	ea, eb := memory.Pair(0)
	a, err := Setup(ModeOnline, tu, quiet(), WithID("a"), WithTransport(ea, 0), WithSnapshots(dir, idx))
	if err != nil {
		t.Fatalf("Setup a: %v", err)
	}
	b, err := Setup(ModeOnline, tu, quiet(), WithID("b"), WithTransport(forgeInputs{eb}, 1))
	if err != nil {
		t.Fatalf("Setup b: %v", err)
	}

	for i := 0; i < 100 && a.Session().Status() != rollback.StatusDesynced; i++ {
		for _, r := range []*Round{a, b} {
			if _, err := r.Tick(input.Controls{}); err != nil {
				t.Fatalf("Tick: %v", err)
			}
		}
	}
	if a.Session().Status() != rollback.StatusDesynced {
		t.Fatalf("a never desynced: %s", a.Session().Status())
	}
	if len(idx.headers) != 1 || idx.headers[0].Reason != "desync" || idx.headers[0].SessionID != "a" {
		t.Fatalf("snapshot index: %+v", idx.headers)
	}
	path := filepath.Join(dir, fmt.Sprintf("%d.snap.zst", idx.headers[0].Frame))
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("snapshot file: %v", err)
	}
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if snap.Mode != "online" || snap.InputDelay != tu.InputDelay {
		t.Fatalf("snapshot fields: %+v", snap)
	}

	if err := a.Teardown(); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	if len(idx.headers) != 2 || idx.headers[1].Reason != "teardown" {
		t.Fatalf("teardown snapshot missing: %+v", idx.headers)
	}
	_ = b.Teardown()
}
