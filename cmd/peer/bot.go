package main

import (
	"math/rand/v2"

	"twinbox.gg/internal/sim/input"
)

// holdFrames is how long a scripted controller keeps one direction.
const holdFrames = 20

// bot drives the local controllers with a seeded random walk. Controls is a
// pure function of the frame, so a stalled tick asks again and gets the same
// answer.
type bot struct {
	seed    uint64
	handles []int
}

func newBot(seed uint64, handles []int) *bot {
	return &bot{seed: seed, handles: handles}
}

func (b *bot) Controls(frame int32) []input.Controls {
	out := make([]input.Controls, len(b.handles))
	for i, h := range b.handles {
		out[i] = b.pick(h, frame/holdFrames)
	}
	return out
}

func (b *bot) pick(handle int, step int32) input.Controls {
	r := rand.New(rand.NewPCG(b.seed, uint64(step)<<8|uint64(handle)))
	var c input.Controls
	// Up is drawn twice as often as Down so the walk drifts toward the goal.
	switch r.IntN(4) {
	case 0, 1:
		c.Up = true
	case 2:
		c.Down = true
	}
	switch r.IntN(3) {
	case 0:
		c.Left = true
	case 1:
		c.Right = true
	}
	c.Action = r.IntN(10) == 0
	return c
}
