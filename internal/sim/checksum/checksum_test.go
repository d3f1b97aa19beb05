package checksum

import (
	"math"
	"testing"

	"pgregory.net/rapid"

	"twinbox.gg/internal/sim/input"
	"twinbox.gg/internal/sim/tuning"
	"twinbox.gg/internal/sim/world"
)

func randomState(t *rapid.T) world.State {
	a := world.ArenaFrom(tuning.Defaults())
	s := world.NewState(a, 2)
	n := rapid.IntRange(0, 60).Draw(t, "frames")
	for i := 0; i < n; i++ {
		s = world.Advance(s, []input.Input{
			input.Input(rapid.Uint8Range(0, 31).Draw(t, "p0")),
			input.Input(rapid.Uint8Range(0, 31).Draw(t, "p1")),
		}, a)
	}
	return s
}

func flip(f float32, bit int) float32 {
	return math.Float32frombits(math.Float32bits(f) ^ (1 << bit))
}

func TestCompute_SingleBitSensitivity(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := randomState(t)
		base := Compute(s)

		m := s.Clone()
		p := &m.Players[rapid.IntRange(0, len(m.Players)-1).Draw(t, "player")]
		bit := rapid.IntRange(0, 31).Draw(t, "bit")
		switch rapid.IntRange(0, 3).Draw(t, "field") {
		case 0:
			p.Pos.X = flip(p.Pos.X, bit)
		case 1:
			p.Pos.Y = flip(p.Pos.Y, bit)
		case 2:
			p.Vel.X = flip(p.Vel.X, bit)
		case 3:
			p.Vel.Y = flip(p.Vel.Y, bit)
		}
		if Compute(m) == base {
			t.Fatalf("bit %d flip did not change checksum %s", bit, base)
		}
	})
}

func TestCompute_CoversFrameCount(t *testing.T) {
	s := world.NewState(world.ArenaFrom(tuning.Defaults()), 2)
	m := s.Clone()
	m.Frame++
	if Compute(s) == Compute(m) {
		t.Fatalf("frame count not hashed")
	}
}

func TestCompute_Stable(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := randomState(t)
		if Compute(s) != Compute(s.Clone()) {
			t.Fatalf("checksum of clone differs")
		}
	})
}

func TestVerifier_PairsInEitherOrder(t *testing.T) {
	v := NewVerifier(0)
	if _, bad := v.RecordLocal(2, 7); bad {
		t.Fatalf("unexpected desync with half a pair")
	}
	if _, bad := v.RecordRemote(2, 7); bad {
		t.Fatalf("unexpected desync on match")
	}
	if _, bad := v.RecordRemote(4, 9); bad {
		t.Fatalf("unexpected desync with half a pair")
	}
	d, bad := v.RecordLocal(4, 8)
	if !bad {
		t.Fatalf("mismatch not reported")
	}
	if d.Frame != 4 || d.Local != 8 || d.Remote != 9 {
		t.Fatalf("bad report: %+v", d)
	}
	if v.Checked() != 2 {
		t.Fatalf("checked = %d, want 2", v.Checked())
	}
	l, r := v.Pending()
	if len(l) != 0 || len(r) != 0 {
		t.Fatalf("pairs not dropped: %v %v", l, r)
	}
}

func TestVerifier_PrunesStale(t *testing.T) {
	v := NewVerifier(4)
	v.RecordRemote(0, 1)
	v.RecordLocal(1, 1)
	v.RecordLocal(10, 1)
	l, r := v.Pending()
	if len(r) != 0 || len(l) != 1 || l[0] != 10 {
		t.Fatalf("stale entries kept: local=%v remote=%v", l, r)
	}
}

func TestVerify(t *testing.T) {
	if Verify(1, 1) != Match || Verify(1, 2) != Mismatch {
		t.Fatalf("Verify wrong")
	}
}
