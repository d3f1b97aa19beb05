// Package input packs a player's controls into the one-byte record that is
// exchanged between peers and fed to the simulation.
package input

// Input is the wire and simulation form of one player's controls for one frame.
type Input uint8

const (
	Up Input = 1 << iota
	Down
	Left
	Right
	Action
)

// Neutral is the input of a player pressing nothing.
const Neutral Input = 0

// Mask covers every defined bit; wire values outside it are malformed.
const Mask = Up | Down | Left | Right | Action

// Controls is the raw pressed state of a controller.
type Controls struct {
	Up, Down, Left, Right bool
	Action                bool
}

// Intent is the decoded movement direction and action flag.
type Intent struct {
	DX, DY int8
	Action bool
}

// Encode maps controls to an input record. Opposite directions pressed
// together cancel to neutral on that axis.
func Encode(c Controls) Input {
	var in Input
	if c.Up != c.Down {
		if c.Up {
			in |= Up
		} else {
			in |= Down
		}
	}
	if c.Left != c.Right {
		if c.Left {
			in |= Left
		} else {
			in |= Right
		}
	}
	if c.Action {
		in |= Action
	}
	return in
}

// Decode reconstructs the movement intent. Up is +Y. A record with both
// bits of an axis set decodes to zero on that axis.
func (in Input) Decode() Intent {
	var it Intent
	if in&Up != 0 {
		it.DY++
	}
	if in&Down != 0 {
		it.DY--
	}
	if in&Right != 0 {
		it.DX++
	}
	if in&Left != 0 {
		it.DX--
	}
	it.Action = in&Action != 0
	return it
}

// Controls is the inverse of Encode for records Encode can produce.
func (in Input) Controls() Controls {
	it := in.Decode()
	return Controls{
		Up:     it.DY > 0,
		Down:   it.DY < 0,
		Left:   it.DX < 0,
		Right:  it.DX > 0,
		Action: it.Action,
	}
}

func (it Intent) Moving() bool { return it.DX != 0 || it.DY != 0 }
