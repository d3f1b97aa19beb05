// Package world holds the deterministic arena state and the fixed-timestep
// frame advancer. Everything here is pure: the same state and inputs always
// produce bit-identical results, which is what makes rollback replays safe.
package world

import (
	"twinbox.gg/internal/sim/input"
	"twinbox.gg/internal/sim/tuning"
)

type Vec2 struct {
	X, Y float32
}

type Player struct {
	Handle int
	Pos    Vec2
	Vel    Vec2
}

// State is everything that must be captured in a snapshot and restored on
// rollback. Frame counts simulated frames since round setup.
type State struct {
	Frame   uint32
	Players []Player
}

// Arena is the simulation geometry derived from tuning.
type Arena struct {
	HalfWidth  float32
	HalfHeight float32
	Radius     float32
	Speed      float32
	Dt         float32
}

func ArenaFrom(t tuning.Tuning) Arena {
	return Arena{
		HalfWidth:  t.Arena.Width / 2,
		HalfHeight: t.Arena.Height / 2,
		Radius:     t.Arena.PlayerRadius,
		Speed:      t.Arena.PlayerSpeed,
		Dt:         1 / float32(t.TickRateHz),
	}
}

// NewState spawns numPlayers at rest, spread evenly along the horizontal
// center line, with handles 0..numPlayers-1.
func NewState(a Arena, numPlayers int) State {
	s := State{Players: make([]Player, numPlayers)}
	span := 2 * a.HalfWidth / float32(numPlayers+1)
	for i := range s.Players {
		s.Players[i] = Player{
			Handle: i,
			Pos:    Vec2{X: -a.HalfWidth + span*float32(i+1)},
		}
	}
	return s
}

func (s State) Clone() State {
	out := State{Frame: s.Frame, Players: make([]Player, len(s.Players))}
	copy(out.Players, s.Players)
	return out
}

func (s State) Player(handle int) (Player, bool) {
	for _, p := range s.Players {
		if p.Handle == handle {
			return p, true
		}
	}
	return Player{}, false
}

// 1/sqrt(2) rounded to float32; keeps diagonal speed equal to axis speed.
const invSqrt2 float32 = 0.70710677

// Advance simulates one frame. inputs is indexed by player handle; a missing
// entry is treated as neutral. A moving intent replaces the velocity, a
// neutral one keeps it. Positions are clamped to the arena, never reflected.
func Advance(s State, inputs []input.Input, a Arena) State {
	next := s.Clone()
	for i := range next.Players {
		p := &next.Players[i]
		in := input.Neutral
		if p.Handle >= 0 && p.Handle < len(inputs) {
			in = inputs[p.Handle]
		}
		if it := in.Decode(); it.Moving() {
			p.Vel = a.velocity(it)
		}
		// Explicit float32 conversions force rounding after each product so
		// no architecture fuses the multiply-add differently.
		p.Pos.X = p.Pos.X + float32(p.Vel.X*a.Dt)
		p.Pos.Y = p.Pos.Y + float32(p.Vel.Y*a.Dt)
		p.Pos = a.Clamp(p.Pos)
	}
	next.Frame++
	return next
}

func (a Arena) velocity(it input.Intent) Vec2 {
	speed := a.Speed
	if it.DX != 0 && it.DY != 0 {
		speed = float32(speed * invSqrt2)
	}
	return Vec2{X: float32(it.DX) * speed, Y: float32(it.DY) * speed}
}

// Clamp keeps a player's circle inside the arena.
func (a Arena) Clamp(p Vec2) Vec2 {
	maxX := a.HalfWidth - a.Radius
	maxY := a.HalfHeight - a.Radius
	p.X = clamp(p.X, -maxX, maxX)
	p.Y = clamp(p.Y, -maxY, maxY)
	return p
}

// Contains reports whether a player's circle lies inside the arena.
func (a Arena) Contains(p Vec2) bool {
	return p == a.Clamp(p)
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
