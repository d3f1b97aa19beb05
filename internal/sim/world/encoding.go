package world

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Fields lists, in encoding order, every value a snapshot captures. Adding
// state to State without adding it here (and to AppendBinary/Decode) breaks
// rollback.
var Fields = []string{
	"frame",
	"players.len",
	"players[].handle",
	"players[].pos.x",
	"players[].pos.y",
	"players[].vel.x",
	"players[].vel.y",
}

const (
	headerSize = 8
	playerSize = 20
)

var ErrCorruptSnapshot = errors.New("corrupt state snapshot")

// EncodedSize is the length of the canonical encoding of s.
func (s State) EncodedSize() int { return headerSize + playerSize*len(s.Players) }

// AppendBinary appends the canonical little-endian encoding of s to b. Floats
// are written as their exact bit patterns.
func (s State) AppendBinary(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, s.Frame)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(s.Players)))
	for _, p := range s.Players {
		b = binary.LittleEndian.AppendUint32(b, uint32(int32(p.Handle)))
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(p.Pos.X))
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(p.Pos.Y))
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(p.Vel.X))
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(p.Vel.Y))
	}
	return b
}

func (s State) MarshalBinary() ([]byte, error) {
	return s.AppendBinary(make([]byte, 0, s.EncodedSize())), nil
}

func (s *State) UnmarshalBinary(b []byte) error {
	st, err := Decode(b)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// Decode restores a state written by AppendBinary.
func Decode(b []byte) (State, error) {
	if len(b) < headerSize {
		return State{}, fmt.Errorf("%w: %d bytes", ErrCorruptSnapshot, len(b))
	}
	var s State
	s.Frame = binary.LittleEndian.Uint32(b[0:])
	n := int(binary.LittleEndian.Uint32(b[4:]))
	if n < 0 || len(b) != headerSize+playerSize*n {
		return State{}, fmt.Errorf("%w: %d bytes for %d players", ErrCorruptSnapshot, len(b), n)
	}
	s.Players = make([]Player, n)
	off := headerSize
	u := func() uint32 {
		v := binary.LittleEndian.Uint32(b[off:])
		off += 4
		return v
	}
	f := func() float32 { return math.Float32frombits(u()) }
	for i := range s.Players {
		p := &s.Players[i]
		p.Handle = int(int32(u()))
		p.Pos.X = f()
		p.Pos.Y = f()
		p.Vel.X = f()
		p.Vel.Y = f()
	}
	return s, nil
}
