package rollback

import (
	"fmt"

	"twinbox.gg/internal/sim/checksum"
)

type Status int

const (
	StatusSynchronizing Status = iota
	StatusRunning
	StatusDisconnected
	StatusDesynced
)

func (s Status) String() string {
	switch s {
	case StatusSynchronizing:
		return "synchronizing"
	case StatusRunning:
		return "running"
	case StatusDisconnected:
		return "disconnected"
	case StatusDesynced:
		return "desynced"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Terminal reports whether the session can no longer advance.
func (s Status) Terminal() bool {
	return s == StatusDisconnected || s == StatusDesynced
}

type EventKind int

const (
	EventPeerConnected EventKind = iota + 1
	EventSynchronized
	EventRollback
	EventPeerLost
	EventDesynced
)

func (k EventKind) String() string {
	switch k {
	case EventPeerConnected:
		return "peer_connected"
	case EventSynchronized:
		return "synchronized"
	case EventRollback:
		return "rollback"
	case EventPeerLost:
		return "peer_lost"
	case EventDesynced:
		return "desynced"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is returned from Tick. Frame is the frame the event refers to:
// the rollback target, the desynced frame, or the current frame otherwise.
type Event struct {
	Kind     EventKind
	Frame    int32
	Replayed int
	Desync   checksum.Desync
}

func (e Event) String() string {
	switch e.Kind {
	case EventRollback:
		return fmt.Sprintf("rollback to frame %d (%d replayed)", e.Frame, e.Replayed)
	case EventDesynced:
		return e.Desync.String()
	}
	return fmt.Sprintf("%s at frame %d", e.Kind, e.Frame)
}

// Report is the outcome of one Tick.
type Report struct {
	Status   Status
	Events   []Event
	Frame    int32
	Advanced bool
	Stalled  bool
	Replayed int
}

// Has reports whether an event of kind k happened this tick.
func (r Report) Has(k EventKind) bool {
	for _, e := range r.Events {
		if e.Kind == k {
			return true
		}
	}
	return false
}
