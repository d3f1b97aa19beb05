package main

import (
	"errors"
	"fmt"

	persistlog "twinbox.gg/internal/persistence/log"
	"twinbox.gg/internal/sim/checksum"
	"twinbox.gg/internal/sim/input"
	"twinbox.gg/internal/sim/world"
)

var (
	ErrMismatch = errors.New("checksum mismatch")
	ErrGap      = errors.New("frame gap")
	ErrInputs   = errors.New("bad inputs")
)

type Result struct {
	Checked     int
	First, Last int32
	Final       checksum.Checksum
}

// Verify re-simulates the logged frames from st and compares every recorded
// checksum. Entries before st.Frame are skipped, so a snapshot can start the
// replay mid-log.
func Verify(st world.State, arena world.Arena, entries []persistlog.FrameEntry) (Result, error) {
	res := Result{First: -1, Last: -1}
	in := make([]input.Input, len(st.Players))
	for _, e := range entries {
		if e.Frame < int32(st.Frame) {
			continue
		}
		if e.Frame != int32(st.Frame) {
			return res, fmt.Errorf("%w: want frame %d, log has %d", ErrGap, st.Frame, e.Frame)
		}
		if len(e.Inputs) != len(in) {
			return res, fmt.Errorf("%w: frame %d has %d inputs for %d players", ErrInputs, e.Frame, len(e.Inputs), len(in))
		}
		for h, v := range e.Inputs {
			if v < 0 || v > int(input.Mask) {
				return res, fmt.Errorf("%w: frame %d handle %d has %#x", ErrInputs, e.Frame, h, v)
			}
			in[h] = input.Input(v)
		}

		st = world.Advance(st, in, arena)
		got := checksum.Compute(st)
		if got.String() != e.Checksum {
			return res, fmt.Errorf("%w at frame %d: got=%s want=%s", ErrMismatch, e.Frame, got, e.Checksum)
		}
		if res.Checked == 0 {
			res.First = e.Frame
		}
		res.Checked++
		res.Last = e.Frame
		res.Final = got
	}
	if res.Checked == 0 {
		return res, fmt.Errorf("%w: no logged frame at or after %d", ErrGap, st.Frame)
	}
	return res, nil
}

// CrossCheck compares the log with the checksums indexed for the same
// session. Frames missing from the index are skipped; the index drops rows
// under load.
func CrossCheck(entries []persistlog.FrameEntry, indexed map[int32]string) (int, error) {
	n := 0
	for _, e := range entries {
		sum, ok := indexed[e.Frame]
		if !ok {
			continue
		}
		if sum != e.Checksum {
			return n, fmt.Errorf("%w at frame %d: log=%s index=%s", ErrMismatch, e.Frame, e.Checksum, sum)
		}
		n++
	}
	return n, nil
}
