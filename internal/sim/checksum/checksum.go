// Package checksum hashes deterministic state per frame and matches local
// checksums against the peer's to detect desyncs.
package checksum

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"twinbox.gg/internal/sim/world"
)

type Checksum uint64

func (c Checksum) String() string { return fmt.Sprintf("%016x", uint64(c)) }

var bufPool = sync.Pool{New: func() any { b := make([]byte, 0, 64); return &b }}

// Compute hashes the canonical encoding of s, which covers the frame count
// and the bit pattern of every position and velocity.
func Compute(s world.State) Checksum {
	bp := bufPool.Get().(*[]byte)
	b := s.AppendBinary((*bp)[:0])
	sum := xxhash.Sum64(b)
	*bp = b
	bufPool.Put(bp)
	return Checksum(sum)
}

type Result int

const (
	Match Result = iota
	Mismatch
)

func (r Result) String() string {
	if r == Match {
		return "match"
	}
	return "mismatch"
}

func Verify(local, remote Checksum) Result {
	if local == remote {
		return Match
	}
	return Mismatch
}

// Desync describes a frame whose local and remote checksums differ.
type Desync struct {
	Frame  int32
	Local  Checksum
	Remote Checksum
}

func (d Desync) String() string {
	return fmt.Sprintf("desync at frame %d: local=%s remote=%s", d.Frame, d.Local, d.Remote)
}

// DefaultRetention bounds how many unmatched frames each side keeps.
const DefaultRetention = 256

// Verifier pairs local and remote checksums by frame. A pair is compared as
// soon as both halves exist and then forgotten. It is not safe for
// concurrent use; the rollback session owns it.
type Verifier struct {
	retention int
	local     map[int32]Checksum
	remote    map[int32]Checksum
	latest    int32
	checked   int
}

func NewVerifier(retention int) *Verifier {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Verifier{
		retention: retention,
		local:     make(map[int32]Checksum),
		remote:    make(map[int32]Checksum),
		latest:    -1,
	}
}

// RecordLocal stores the checksum of a finalized local frame.
func (v *Verifier) RecordLocal(frame int32, c Checksum) (Desync, bool) {
	v.local[frame] = c
	return v.settle(frame)
}

// RecordRemote stores a checksum reported by the peer.
func (v *Verifier) RecordRemote(frame int32, c Checksum) (Desync, bool) {
	v.remote[frame] = c
	return v.settle(frame)
}

func (v *Verifier) settle(frame int32) (Desync, bool) {
	if frame > v.latest {
		v.latest = frame
		v.prune()
	}
	l, okL := v.local[frame]
	r, okR := v.remote[frame]
	if !okL || !okR {
		return Desync{}, false
	}
	delete(v.local, frame)
	delete(v.remote, frame)
	v.checked++
	if Verify(l, r) == Mismatch {
		return Desync{Frame: frame, Local: l, Remote: r}, true
	}
	return Desync{}, false
}

func (v *Verifier) prune() {
	floor := v.latest - int32(v.retention)
	for f := range v.local {
		if f < floor {
			delete(v.local, f)
		}
	}
	for f := range v.remote {
		if f < floor {
			delete(v.remote, f)
		}
	}
}

// Checked is the number of frames compared so far.
func (v *Verifier) Checked() int { return v.checked }

// Pending returns the frames still waiting for their other half.
func (v *Verifier) Pending() (local, remote []int32) {
	for f := range v.local {
		local = append(local, f)
	}
	for f := range v.remote {
		remote = append(remote, f)
	}
	sort.Slice(local, func(i, j int) bool { return local[i] < local[j] })
	sort.Slice(remote, func(i, j int) bool { return remote[i] < remote[j] })
	return local, remote
}
