package rollback

import (
	"strconv"

	"github.com/sirupsen/logrus"

	"twinbox.gg/internal/protocol"
	"twinbox.gg/internal/sim/checksum"
	"twinbox.gg/internal/sim/input"
)

// pollPeer drains the transport and applies every message in arrival order.
func (s *Session) pollPeer() {
	msgs := s.transport.Poll()
	if len(msgs) == 0 {
		if s.connected && !s.status.Terminal() {
			s.silent++
			if s.cfg.DisconnectTimeout > 0 && s.silent >= s.cfg.DisconnectTimeout {
				s.peerLost("timeout")
			}
		}
		return
	}
	s.silent = 0
	for _, m := range msgs {
		s.stats.MessagesIn++
		s.handle(m)
	}
}

func (s *Session) handle(m protocol.Message) {
	switch m.Type {
	case protocol.TypeWelcome, protocol.TypeError:
		if m.Type == protocol.TypeError {
			s.log.WithFields(logrus.Fields{"code": m.Code, "message": m.Message}).Warn("relay error")
		}
		return
	case protocol.TypePeerLeft:
		s.peerLost("peer left")
		return
	case protocol.TypeBye:
		s.markConnected()
		s.peerLost("bye")
		return
	}

	s.markConnected()
	switch m.Type {
	case protocol.TypeSync:
		s.peerSynced = true
		s.send(protocol.SyncAck(m.Nonce))
	case protocol.TypeSyncAck:
		if m.Nonce == s.nonce {
			s.acked = true
		}
	case protocol.TypeInput:
		s.handleInput(m)
	case protocol.TypeChecksum:
		s.handleChecksum(m)
	}
}

func (s *Session) markConnected() {
	if s.connected {
		return
	}
	s.connected = true
	s.log.Info("peer connected")
	s.emit(Event{Kind: EventPeerConnected, Frame: int32(s.state.Frame)})
}

func (s *Session) trySynchronize() {
	if s.peerSynced && s.acked {
		s.status = StatusRunning
		s.log.WithField("frame", s.state.Frame).Info("synchronized")
		s.emit(Event{Kind: EventSynchronized, Frame: int32(s.state.Frame)})
		return
	}
	s.send(protocol.Sync(s.nonce))
}

func (s *Session) peerLost(reason string) {
	if s.status.Terminal() {
		return
	}
	s.status = StatusDisconnected
	s.log.WithFields(logrus.Fields{"frame": s.state.Frame, "reason": reason}).Warn("peer lost")
	s.emit(Event{Kind: EventPeerLost, Frame: int32(s.state.Frame)})
}

// handleInput confirms the remote inputs that extend the contiguous confirmed
// run and drops local inputs the peer has acknowledged. The first frame that
// was simulated with a different prediction marks where to roll back to.
func (s *Session) handleInput(m protocol.Message) {
	if m.AckFrame >= s.pendingStart {
		s.pendingStart = m.AckFrame + 1
	}
	h := &s.players[s.remote]
	limit := s.inputLimit()
	for i, raw := range m.Inputs {
		f := m.StartFrame + int32(i)
		if f <= h.lastConfirmed {
			continue
		}
		if f >= limit {
			s.log.WithFields(logrus.Fields{"frame": f, "limit": limit}).Debug("input beyond history window, waiting for resend")
			return
		}
		if f > h.lastConfirmed+1 {
			s.log.WithFields(logrus.Fields{"frame": f, "confirmed": h.lastConfirmed}).Debug("input gap, waiting for resend")
			return
		}
		if raw < 0 || raw > int(input.Mask) {
			s.log.WithFields(logrus.Fields{"frame": f, "input": raw}).Warn("dropping malformed input")
			return
		}
		_, wrong := h.confirm(f, input.Input(raw))
		if wrong && (s.firstIncorrect == noFrame || f < s.firstIncorrect) {
			s.firstIncorrect = f
		}
	}
}

// inputLimit is the first remote frame whose slot would overwrite one still
// needed for simulation, rollback or finalization.
func (s *Session) inputLimit() int32 {
	oldest := s.lastFinal + 1
	if f := int32(s.state.Frame) - int32(s.cfg.MaxPrediction); f < oldest {
		oldest = f
	}
	return oldest + int32(len(s.players[s.remote].slots))
}

func (s *Session) handleChecksum(m protocol.Message) {
	v, err := strconv.ParseUint(m.Checksum, 16, 64)
	if err != nil {
		s.log.WithError(err).WithField("frame", m.Frame).Warn("bad checksum report")
		return
	}
	if d, bad := s.verifier.RecordRemote(m.Frame, checksum.Checksum(v)); bad {
		s.desync(d)
	}
}

// sendInputs sends every local input the peer has not acknowledged, together
// with the last remote frame confirmed here. With nothing pending it still
// carries the ack and keeps the channel from going silent.
func (s *Session) sendInputs() {
	if s.kind != kindOnline {
		return
	}
	h := &s.players[s.localHandle]
	start := s.pendingStart
	if oldest := h.lastConfirmed - int32(len(h.slots)) + 1; start < oldest {
		start = oldest
	}
	var inputs []int
	for f := start; f <= h.lastConfirmed; f++ {
		sl, ok := h.peek(f)
		if !ok {
			break
		}
		inputs = append(inputs, int(sl.input))
	}
	s.send(protocol.Input(start, inputs, s.players[s.remote].lastConfirmed))
}

func (s *Session) send(m protocol.Message) {
	if s.transport == nil {
		return
	}
	s.stats.MessagesOut++
	if err := s.transport.Send(m); err != nil {
		s.log.WithError(err).WithField("type", m.Type).Debug("send failed")
	}
}
