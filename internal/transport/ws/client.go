// Package ws is the peer-side websocket transport. It connects to a relay
// room and exposes the non-blocking Send/Poll pair the rollback session
// expects; socket reads and writes happen on their own goroutines.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"twinbox.gg/internal/protocol"
)

var (
	ErrClosed   = errors.New("ws: connection closed")
	ErrBacklog  = errors.New("ws: outbound queue full")
	ErrRejected = errors.New("ws: relay rejected join")
	ErrNoHandle = errors.New("ws: welcome without handle")
)

const (
	inQueue      = 4096
	outQueue     = 256
	writeTimeout = 5 * time.Second
	flushGrace   = 500 * time.Millisecond
)

// Conn is one peer's relay connection.
type Conn struct {
	Room   string
	PeerID string
	Handle int

	conn *websocket.Conn
	log  logrus.FieldLogger

	in  chan protocol.Message
	out chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

type Option func(*Conn)

func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Conn) {
		if l != nil {
			c.log = l
		}
	}
}

// Dial joins room on the relay at rawURL and waits for WELCOME, which
// assigns this side's handle. A relay ERROR is returned as ErrRejected.
func Dial(ctx context.Context, rawURL, room string, opts ...Option) (*Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("ws: parse url: %w", err)
	}
	q := u.Query()
	q.Set("room", room)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("ws: dial: %w", err)
	}

	c := &Conn{
		Room: room,
		conn: conn,
		log:  logrus.StandardLogger(),
		in:   make(chan protocol.Message, inQueue),
		out:  make(chan []byte, outQueue),
	}
	for _, o := range opts {
		o(c)
	}

	if err := c.awaitWelcome(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	c.log = c.log.WithFields(logrus.Fields{"component": "ws", "room": room, "handle": c.Handle})

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.readLoop()
	}()
	go func() {
		defer c.wg.Done()
		c.writeLoop()
	}()
	return c, nil
}

func (c *Conn) awaitWelcome(ctx context.Context) error {
	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = c.conn.SetReadDeadline(deadline)
	defer c.conn.SetReadDeadline(time.Time{})

	_, b, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("ws: await welcome: %w", err)
	}
	m, err := protocol.Decode(b)
	if err != nil {
		return fmt.Errorf("ws: await welcome: %w", err)
	}
	switch m.Type {
	case protocol.TypeWelcome:
		if m.Handle == nil {
			return ErrNoHandle
		}
		c.Handle = *m.Handle
		c.PeerID = m.PeerID
		return nil
	case protocol.TypeError:
		return fmt.Errorf("%w: %s: %s", ErrRejected, m.Code, m.Message)
	}
	return fmt.Errorf("ws: expected %s, got %s", protocol.TypeWelcome, m.Type)
}

func (c *Conn) readLoop() {
	for {
		_, b, err := c.conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				c.log.WithError(err).Warn("read failed, treating peer as gone")
			}
			c.deliver(protocol.PeerLeft(""))
			return
		}
		m, err := protocol.Decode(b)
		if err != nil {
			c.log.WithError(err).Debug("dropping undecodable message")
			continue
		}
		if !c.deliver(m) {
			return
		}
	}
}

func (c *Conn) deliver(m protocol.Message) bool {
	select {
	case c.in <- m:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case b := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.log.WithError(err).Warn("write failed")
				// The read side reports the loss.
				_ = c.conn.Close()
				return
			}
		}
	}
}

// Send queues m for the writer goroutine without blocking.
func (c *Conn) Send(m protocol.Message) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	b, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	select {
	case c.out <- b:
		return nil
	default:
		return ErrBacklog
	}
}

// Poll returns every message received since the last call. It never blocks.
func (c *Conn) Poll() []protocol.Message {
	var msgs []protocol.Message
	for {
		select {
		case m := <-c.in:
			msgs = append(msgs, m)
		default:
			return msgs
		}
	}
}

// Close gives queued messages (a final BYE, typically) a short grace period,
// then closes the socket and waits for both goroutines.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(flushGrace)
		for len(c.out) > 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		c.cancel()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = c.conn.Close()
		c.wg.Wait()
	})
	return err
}
