// Package relay pairs two peers per room over websockets and forwards their
// messages verbatim. It never looks inside peer-to-peer traffic beyond the
// message type.
package relay

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"twinbox.gg/internal/protocol"
)

const (
	outQueue     = 256
	readTimeout  = 60 * time.Second
	writeTimeout = 5 * time.Second
)

type Server struct {
	log      logrus.FieldLogger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]*room
	conns map[*peer]struct{}
}

type room struct {
	id    string
	peers [2]*peer
}

type peer struct {
	id     string
	handle int
	conn   *websocket.Conn
	out    chan []byte
	closed bool
}

func NewServer(logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{
		log: logger.WithField("component", "relay"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		rooms: map[string]*room{},
		conns: map[*peer]struct{}{},
	}
}

// Handler serves /v1/room?room=<id>.
func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		roomID := r.URL.Query().Get("room")
		if roomID == "" {
			reject(conn, protocol.ErrRoomMissing, "room query parameter is required")
			return
		}

		p := &peer{id: uuid.NewString(), conn: conn, out: make(chan []byte, outQueue)}
		rm, other, ok := s.join(roomID, p)
		if !ok {
			s.log.WithField("room", roomID).Warn("room full")
			reject(conn, protocol.ErrRoomFull, "room already has two peers")
			return
		}
		log := s.log.WithFields(logrus.Fields{"room": roomID, "peer": p.id, "handle": p.handle})
		log.Info("peer joined")

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for b := range p.out {
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					// Keep draining so senders never block on a dead peer.
					continue
				}
			}
		}()

		s.send(p, protocol.Welcome(roomID, p.id, p.handle))
		if other != nil {
			s.send(p, protocol.PeerJoined(other.id))
			s.send(other, protocol.PeerJoined(p.id))
		}

		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil || !forwardable(base.Type) {
				log.WithField("type", base.Type).Debug("ignoring message")
				continue
			}
			if to := s.partner(rm, p); to != nil {
				s.sendRaw(to, msg)
			}
		}

		if left := s.leave(rm, p); left != nil {
			s.send(left, protocol.PeerLeft(p.id))
		}
		wg.Wait()
		log.Info("peer left")
	}
}

func forwardable(t string) bool {
	switch t {
	case protocol.TypeSync, protocol.TypeSyncAck, protocol.TypeInput, protocol.TypeChecksum, protocol.TypeBye:
		return true
	}
	return false
}

func (s *Server) join(id string, p *peer) (*room, *peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm := s.rooms[id]
	if rm == nil {
		rm = &room{id: id}
		s.rooms[id] = rm
	}
	for h := range rm.peers {
		if rm.peers[h] == nil {
			p.handle = h
			rm.peers[h] = p
			s.conns[p] = struct{}{}
			return rm, rm.peers[1-h], true
		}
	}
	return nil, nil, false
}

// leave removes p and returns the peer still in the room, if any.
func (s *Server) leave(rm *room, p *peer) *peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm.peers[p.handle] = nil
	delete(s.conns, p)
	p.closed = true
	close(p.out)
	other := rm.peers[1-p.handle]
	if other == nil {
		delete(s.rooms, rm.id)
	}
	return other
}

func (s *Server) partner(rm *room, p *peer) *peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return rm.peers[1-p.handle]
}

func (s *Server) send(p *peer, m protocol.Message) {
	b, err := protocol.Encode(m)
	if err != nil {
		s.log.WithError(err).Error("encode")
		return
	}
	s.sendRaw(p, b)
}

func (s *Server) sendRaw(p *peer, b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.out <- b:
	default:
		// A peer this far behind is resent its inputs anyway.
		s.log.WithField("peer", p.id).Warn("outbound queue full, dropping message")
	}
}

// Rooms is the number of rooms with at least one peer.
func (s *Server) Rooms() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

// Shutdown closes every peer connection; their handlers then clean up.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := range s.conns {
		_ = p.conn.Close()
	}
}

func reject(conn *websocket.Conn, code, msg string) {
	b, err := protocol.Encode(protocol.Error(code, msg))
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteMessage(websocket.TextMessage, b)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code), time.Now().Add(time.Second))
}
