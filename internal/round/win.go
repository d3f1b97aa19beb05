package round

import (
	"twinbox.gg/internal/sim/tuning"
	"twinbox.gg/internal/sim/world"
)

// CheckWin returns the lowest handle whose whole circle lies inside the goal
// rectangle.
func CheckWin(st world.State, g tuning.Goal, radius float32) (int, bool) {
	winner, ok := -1, false
	for _, p := range st.Players {
		if !inside(p.Pos, g, radius) {
			continue
		}
		if !ok || p.Handle < winner {
			winner, ok = p.Handle, true
		}
	}
	return winner, ok
}

func inside(p world.Vec2, g tuning.Goal, r float32) bool {
	return p.X-r >= g.X-g.HalfWidth && p.X+r <= g.X+g.HalfWidth &&
		p.Y-r >= g.Y-g.HalfHeight && p.Y+r <= g.Y+g.HalfHeight
}
