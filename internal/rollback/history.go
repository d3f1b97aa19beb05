package rollback

import (
	"twinbox.gg/internal/sim/checksum"
	"twinbox.gg/internal/sim/input"
)

const noFrame int32 = -1

// inputSlot holds one player's input for one frame: the confirmed value once
// known, and the value the simulation actually used (possibly predicted).
type inputSlot struct {
	frame     int32
	input     input.Input
	confirmed bool
	used      input.Input
	simulated bool
}

type playerHistory struct {
	slots         []inputSlot
	lastConfirmed int32
	lastInput     input.Input
}

func newPlayerHistory(size int, start int32) playerHistory {
	h := playerHistory{slots: make([]inputSlot, size), lastConfirmed: start - 1}
	for i := range h.slots {
		h.slots[i].frame = noFrame
	}
	return h
}

func (h *playerHistory) slot(frame int32) *inputSlot {
	sl := &h.slots[int(frame)%len(h.slots)]
	if sl.frame != frame {
		*sl = inputSlot{frame: frame}
	}
	return sl
}

// peek returns the slot for frame only if it still belongs to that frame.
func (h *playerHistory) peek(frame int32) (inputSlot, bool) {
	sl := h.slots[int(frame)%len(h.slots)]
	return sl, sl.frame == frame
}

// confirm stores a real input. Inputs are accepted strictly in order; a
// duplicate or a gap is ignored and the sender resends. It returns true when
// the frame was already simulated with a different input.
func (h *playerHistory) confirm(frame int32, in input.Input) (accepted, mispredicted bool) {
	if frame != h.lastConfirmed+1 {
		return false, false
	}
	sl := h.slot(frame)
	sl.input = in
	sl.confirmed = true
	h.lastConfirmed = frame
	h.lastInput = in
	return true, sl.simulated && sl.used != in
}

// use returns the input to simulate frame with: the confirmed one if known,
// otherwise the last confirmed input held forward.
func (h *playerHistory) use(frame int32) (in input.Input, predicted bool) {
	sl := h.slot(frame)
	if sl.confirmed {
		in = sl.input
	} else {
		in = h.lastInput
		predicted = true
	}
	sl.used = in
	sl.simulated = true
	return in, predicted
}

type savedFrame struct {
	frame int32
	data  []byte
}

// frameStore is a ring of encoded states (state at the start of a frame)
// and of per-frame checksums (state after the frame).
type frameStore struct {
	states []savedFrame
	sums   []sumSlot
}

type sumSlot struct {
	frame int32
	sum   checksum.Checksum
}

func newFrameStore(size int) frameStore {
	fs := frameStore{states: make([]savedFrame, size), sums: make([]sumSlot, size)}
	for i := range fs.states {
		fs.states[i].frame = noFrame
		fs.sums[i].frame = noFrame
	}
	return fs
}

func (fs *frameStore) save(frame int32, encode func([]byte) []byte) {
	sf := &fs.states[int(frame)%len(fs.states)]
	sf.frame = frame
	sf.data = encode(sf.data[:0])
}

func (fs *frameStore) load(frame int32) ([]byte, bool) {
	sf := fs.states[int(frame)%len(fs.states)]
	return sf.data, sf.frame == frame
}

func (fs *frameStore) setSum(frame int32, c checksum.Checksum) {
	fs.sums[int(frame)%len(fs.sums)] = sumSlot{frame: frame, sum: c}
}

func (fs *frameStore) sum(frame int32) (checksum.Checksum, bool) {
	s := fs.sums[int(frame)%len(fs.sums)]
	return s.sum, s.frame == frame
}
