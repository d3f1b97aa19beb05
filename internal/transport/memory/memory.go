// Package memory is an in-process peer channel with a configurable delivery
// delay measured in polls. It lets tests and local harnesses run two
// sessions against each other deterministically.
package memory

import (
	"errors"
	"sync"

	"twinbox.gg/internal/protocol"
)

var ErrClosed = errors.New("memory transport closed")

type envelope struct {
	deliverAt int
	msg       protocol.Message
}

type pipe struct {
	mu      sync.Mutex
	latency int
	polls   [2]int
	queue   [2][]envelope
	closed  [2]bool
}

// Endpoint is one side of a pair.
type Endpoint struct {
	p    *pipe
	side int
}

// Pair returns two connected endpoints. A message sent by one side becomes
// visible to the other after the receiver has polled latency more times;
// latency 0 delivers on the receiver's next poll.
func Pair(latency int) (*Endpoint, *Endpoint) {
	p := &pipe{latency: latency}
	return &Endpoint{p: p, side: 0}, &Endpoint{p: p, side: 1}
}

// SetLatency changes the delay for messages sent from now on.
func (e *Endpoint) SetLatency(latency int) {
	e.p.mu.Lock()
	e.p.latency = latency
	e.p.mu.Unlock()
}

func (e *Endpoint) Send(m protocol.Message) error {
	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	if e.p.closed[e.side] || e.p.closed[1-e.side] {
		return ErrClosed
	}
	peer := 1 - e.side
	e.p.queue[peer] = append(e.p.queue[peer], envelope{
		deliverAt: e.p.polls[peer] + e.p.latency,
		msg:       m,
	})
	return nil
}

func (e *Endpoint) Poll() []protocol.Message {
	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	q := e.p.queue[e.side]
	now := e.p.polls[e.side]
	e.p.polls[e.side]++

	var out []protocol.Message
	for len(q) > 0 && q[0].deliverAt <= now {
		// Delivery stays in send order even if latency was lowered.
		out = append(out, q[0].msg)
		q = q[1:]
	}
	e.p.queue[e.side] = q
	return out
}

// Close marks this side gone; the other side receives PEER_LEFT on its next
// poll once everything sent before Close has been delivered.
func (e *Endpoint) Close() error {
	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	if e.p.closed[e.side] {
		return nil
	}
	e.p.closed[e.side] = true
	peer := 1 - e.side
	last := e.p.polls[peer]
	if k := len(e.p.queue[peer]); k > 0 {
		last = e.p.queue[peer][k-1].deliverAt
	}
	e.p.queue[peer] = append(e.p.queue[peer], envelope{deliverAt: last, msg: protocol.PeerLeft("")})
	return nil
}

// Pending is the number of messages queued for this side.
func (e *Endpoint) Pending() int {
	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	return len(e.p.queue[e.side])
}
