// Package rollback keeps two simulations in lockstep over a lossy, delayed
// peer channel. Remote input that has not arrived yet is predicted by holding
// the last confirmed value; when the real input disagrees the session restores
// the snapshot of the first wrong frame and replays forward. Finalized frames
// are checksummed and compared with the peer to catch desyncs.
//
// A Session is driven by a single goroutine calling Tick once per fixed
// update. Nothing in it blocks.
package rollback

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/sirupsen/logrus"

	"twinbox.gg/internal/protocol"
	"twinbox.gg/internal/sim/checksum"
	"twinbox.gg/internal/sim/input"
	"twinbox.gg/internal/sim/tuning"
	"twinbox.gg/internal/sim/world"
)

var (
	ErrSessionClosed   = errors.New("rollback: session closed")
	ErrWrongInputCount = errors.New("rollback: wrong number of local inputs")
	ErrBadConfig       = errors.New("rollback: invalid config")
)

// Config holds the timing parameters of a session.
type Config struct {
	NumPlayers    int
	InputDelay    int
	MaxPrediction int
	// CheckDistance is the checksum exchange interval and the sync-test
	// rollback depth.
	CheckDistance int
	// DisconnectTimeout is the number of ticks without any peer message after
	// which the peer counts as lost. Zero disables it.
	DisconnectTimeout int
	Arena             world.Arena
}

func ConfigFrom(t tuning.Tuning) Config {
	return Config{
		NumPlayers:        t.NumPlayers,
		InputDelay:        t.InputDelay,
		MaxPrediction:     t.MaxPrediction,
		CheckDistance:     t.CheckEvery(),
		DisconnectTimeout: t.DisconnectTimeoutTicks,
		Arena:             world.ArenaFrom(t),
	}
}

func (c Config) Validate() error {
	switch {
	case c.NumPlayers < 1:
		return fmt.Errorf("%w: num_players=%d", ErrBadConfig, c.NumPlayers)
	case c.InputDelay < 0:
		return fmt.Errorf("%w: input_delay=%d", ErrBadConfig, c.InputDelay)
	case c.MaxPrediction < 1:
		return fmt.Errorf("%w: max_prediction=%d", ErrBadConfig, c.MaxPrediction)
	case c.CheckDistance < 1:
		return fmt.Errorf("%w: check_distance=%d", ErrBadConfig, c.CheckDistance)
	case c.DisconnectTimeout < 0:
		return fmt.Errorf("%w: disconnect_timeout=%d", ErrBadConfig, c.DisconnectTimeout)
	}
	return nil
}

// historyLen covers every frame the session can still need: the prediction
// window, the local input delay, unacked local inputs and the sync-test depth.
func (c Config) historyLen() int {
	return 2*(c.MaxPrediction+c.InputDelay) + c.CheckDistance + 8
}

// Transport is the peer channel. Poll must not block.
type Transport interface {
	Send(protocol.Message) error
	Poll() []protocol.Message
}

// FrameRecord is a finalized frame: every input is confirmed and Checksum is
// the hash of the state after the frame.
type FrameRecord struct {
	Frame    int32
	Inputs   []input.Input
	Checksum checksum.Checksum
}

// Recorder receives finalized frames and session events.
type Recorder interface {
	RecordFrame(FrameRecord) error
	RecordEvent(Event) error
}

type Option func(*Session)

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(s *Session) { s.rec = r }
}

// WithInitialState starts the session from s instead of a fresh spawn. The
// state's frame counter becomes the session's first frame.
func WithInitialState(st world.State) Option {
	return func(s *Session) {
		s.state = st.Clone()
		s.hasInitial = true
	}
}

type kind int

const (
	kindLocal kind = iota
	kindOnline
	kindSyncTest
)

func (k kind) String() string {
	switch k {
	case kindOnline:
		return "online"
	case kindSyncTest:
		return "synctest"
	}
	return "local"
}

// Stats are running counters for diagnostics.
type Stats struct {
	Rollbacks   int
	Replayed    int
	Stalls      int
	Predicted   int
	MaxGap      int
	Checked     int
	MessagesIn  int
	MessagesOut int
}

type Session struct {
	cfg  Config
	kind kind
	log  logrus.FieldLogger
	rec  Recorder

	transport   Transport
	localHandle int
	remote      int

	status     Status
	state      world.State
	hasInitial bool
	start      int32

	players        []playerHistory
	frames         frameStore
	used           []input.Input
	firstIncorrect int32
	lastFinal      int32

	verifier *checksum.Verifier

	nonce      uint32
	acked      bool
	peerSynced bool
	connected  bool
	silent     int

	// pendingStart is the first local frame the peer has not acknowledged.
	pendingStart int32

	events []Event
	stats  Stats
	closed bool
}

// NewLocal runs every handle from local input. It uses the same timeline as
// an online session, input delay included, so identical input streams give
// identical frames in both modes.
func NewLocal(cfg Config, opts ...Option) (*Session, error) {
	s, err := newSession(cfg, kindLocal, opts)
	if err != nil {
		return nil, err
	}
	s.status = StatusRunning
	return s, nil
}

// NewOnline plays localHandle against one remote peer reached through t.
func NewOnline(cfg Config, localHandle int, t Transport, opts ...Option) (*Session, error) {
	if cfg.NumPlayers != 2 {
		return nil, fmt.Errorf("%w: online play needs 2 players, got %d", ErrBadConfig, cfg.NumPlayers)
	}
	if localHandle != 0 && localHandle != 1 {
		return nil, fmt.Errorf("%w: local handle %d", ErrBadConfig, localHandle)
	}
	if t == nil {
		return nil, fmt.Errorf("%w: nil transport", ErrBadConfig)
	}
	s, err := newSession(cfg, kindOnline, opts)
	if err != nil {
		return nil, err
	}
	s.transport = t
	s.localHandle = localHandle
	s.remote = 1 - localHandle
	s.verifier = checksum.NewVerifier(checksum.DefaultRetention)
	s.nonce = rand.Uint32() | 1
	s.status = StatusSynchronizing
	s.log = s.log.WithField("handle", localHandle)
	return s, nil
}

// NewSyncTest runs every handle locally and, each tick, rolls back
// CheckDistance frames, replays them and compares checksums. Any difference
// means the simulation is not deterministic.
func NewSyncTest(cfg Config, opts ...Option) (*Session, error) {
	s, err := newSession(cfg, kindSyncTest, opts)
	if err != nil {
		return nil, err
	}
	s.status = StatusRunning
	return s, nil
}

func newSession(cfg Config, k kind, opts []Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		cfg:            cfg,
		kind:           k,
		log:            logrus.StandardLogger(),
		remote:         -1,
		firstIncorrect: noFrame,
	}
	for _, o := range opts {
		o(s)
	}
	if !s.hasInitial {
		s.state = world.NewState(cfg.Arena, cfg.NumPlayers)
	}
	if s.state.Frame > math.MaxInt32-uint32(cfg.historyLen()) {
		return nil, fmt.Errorf("%w: initial frame %d out of range", ErrBadConfig, s.state.Frame)
	}
	if len(s.state.Players) != cfg.NumPlayers {
		return nil, fmt.Errorf("%w: initial state has %d players, want %d", ErrBadConfig, len(s.state.Players), cfg.NumPlayers)
	}
	s.log = s.log.WithFields(logrus.Fields{"component": "rollback", "mode": k.String()})

	n := cfg.historyLen()
	s.start = int32(s.state.Frame)
	s.lastFinal = s.start - 1
	s.frames = newFrameStore(n)
	s.used = make([]input.Input, cfg.NumPlayers)
	s.players = make([]playerHistory, cfg.NumPlayers)
	for h := range s.players {
		s.players[h] = newPlayerHistory(n, s.start)
		// Nobody can have input for the delay frames; they are neutral for all.
		for i := 0; i < cfg.InputDelay; i++ {
			s.players[h].confirm(s.start+int32(i), input.Neutral)
		}
	}
	s.pendingStart = s.start + int32(cfg.InputDelay)
	return s, nil
}

// Tick drains the peer channel, repairs mispredictions, and advances at most
// one frame. local holds one input per local handle: both handles in local
// and sync-test mode (indexed by handle), the single local handle online.
func (s *Session) Tick(local ...input.Input) (Report, error) {
	if s.closed {
		return Report{}, ErrSessionClosed
	}
	if want := s.localCount(); len(local) != want {
		return Report{}, fmt.Errorf("%w: got %d, want %d", ErrWrongInputCount, len(local), want)
	}
	s.events = s.events[:0]
	rep := Report{}

	if s.kind == kindOnline {
		s.pollPeer()
		if s.status == StatusSynchronizing {
			s.trySynchronize()
		}
	}
	if s.status == StatusSynchronizing || s.status.Terminal() {
		return s.report(rep), nil
	}

	if s.firstIncorrect != noFrame {
		rep.Replayed = s.rollbackTo(s.firstIncorrect)
		s.firstIncorrect = noFrame
	}
	s.finalize()
	if s.status.Terminal() {
		return s.report(rep), nil
	}

	f := int32(s.state.Frame)
	if gap := int(f - s.ConfirmedFrame()); gap > s.cfg.MaxPrediction {
		s.stats.Stalls++
		rep.Stalled = true
		s.log.WithFields(logrus.Fields{"frame": f, "confirmed": s.ConfirmedFrame()}).Debug("prediction window full, stalling")
		s.sendInputs()
		return s.report(rep), nil
	}

	s.addLocal(f+int32(s.cfg.InputDelay), local)
	s.sendInputs()
	s.advanceFrame()
	rep.Advanced = true

	if s.kind == kindSyncTest {
		s.checkReplay()
	}
	s.finalize()
	if gap := s.predictedFrames(); gap > s.stats.MaxGap {
		s.stats.MaxGap = gap
	}
	return s.report(rep), nil
}

func (s *Session) report(rep Report) Report {
	rep.Status = s.status
	rep.Frame = int32(s.state.Frame)
	if len(s.events) > 0 {
		rep.Events = append([]Event(nil), s.events...)
	}
	return rep
}

func (s *Session) localCount() int {
	if s.kind == kindOnline {
		return 1
	}
	return s.cfg.NumPlayers
}

func (s *Session) addLocal(frame int32, local []input.Input) {
	if s.kind == kindOnline {
		s.players[s.localHandle].confirm(frame, local[0])
		return
	}
	for h, in := range local {
		s.players[h].confirm(frame, in)
	}
}

// advanceFrame simulates the current frame. The state at its start is saved
// for rollback and the checksum of the result is kept until the frame is
// finalized.
func (s *Session) advanceFrame() {
	f := int32(s.state.Frame)
	s.frames.save(f, s.state.AppendBinary)
	for h := range s.players {
		in, predicted := s.players[h].use(f)
		if predicted {
			s.stats.Predicted++
		}
		s.used[h] = in
	}
	s.state = world.Advance(s.state, s.used, s.cfg.Arena)
	s.frames.setSum(f, checksum.Compute(s.state))
}

// rollbackTo restores the state at the start of frame and replays up to the
// current frame. It returns the number of replayed frames.
func (s *Session) rollbackTo(frame int32) int {
	end := int32(s.state.Frame)
	if frame >= end {
		return 0
	}
	s.restore(frame)
	for int32(s.state.Frame) < end {
		s.advanceFrame()
	}
	n := int(end - frame)
	s.stats.Rollbacks++
	s.stats.Replayed += n
	s.log.WithFields(logrus.Fields{"frame": frame, "replayed": n}).Debug("rollback")
	s.emit(Event{Kind: EventRollback, Frame: frame, Replayed: n})
	return n
}

func (s *Session) restore(frame int32) {
	data, ok := s.frames.load(frame)
	if !ok {
		panic(fmt.Sprintf("rollback: no snapshot for frame %d (current %d)", frame, s.state.Frame))
	}
	st, err := world.Decode(data)
	if err != nil {
		panic(fmt.Sprintf("rollback: snapshot for frame %d: %v", frame, err))
	}
	s.state = st
}

// finalize hands every frame that is both simulated and confirmed to the
// checksum exchange and the recorder. Its stored checksum can no longer
// change.
func (s *Session) finalize() {
	limit := s.ConfirmedFrame()
	if last := int32(s.state.Frame) - 1; last < limit {
		limit = last
	}
	every := int32(s.cfg.CheckDistance)
	for f := s.lastFinal + 1; f <= limit; f++ {
		sum, ok := s.frames.sum(f)
		if !ok {
			panic(fmt.Sprintf("rollback: no checksum for frame %d", f))
		}
		s.lastFinal = f
		s.record(f, sum)
		if s.kind != kindOnline || f%every != 0 {
			continue
		}
		s.send(protocol.ChecksumReport(f, sum.String()))
		if d, bad := s.verifier.RecordLocal(f, sum); bad {
			s.desync(d)
			return
		}
	}
}

func (s *Session) record(f int32, sum checksum.Checksum) {
	if s.rec == nil {
		return
	}
	fr := FrameRecord{Frame: f, Inputs: make([]input.Input, len(s.players)), Checksum: sum}
	for h := range s.players {
		sl, ok := s.players[h].peek(f)
		if !ok || !sl.confirmed {
			panic(fmt.Sprintf("rollback: finalizing frame %d without confirmed input for handle %d", f, h))
		}
		fr.Inputs[h] = sl.input
	}
	if err := s.rec.RecordFrame(fr); err != nil {
		s.log.WithError(err).WithField("frame", f).Warn("record frame")
	}
}

// checkReplay rolls back CheckDistance frames and replays them, expecting the
// exact checksums of the first pass.
func (s *Session) checkReplay() {
	end := int32(s.state.Frame)
	from := end - int32(s.cfg.CheckDistance)
	if from < s.start {
		return
	}
	want := make([]checksum.Checksum, 0, s.cfg.CheckDistance)
	for f := from; f < end; f++ {
		sum, _ := s.frames.sum(f)
		want = append(want, sum)
	}
	s.restore(from)
	for int32(s.state.Frame) < end {
		s.advanceFrame()
	}
	s.stats.Replayed += int(end - from)
	for i, w := range want {
		f := from + int32(i)
		if got, _ := s.frames.sum(f); got != w {
			s.desync(checksum.Desync{Frame: f, Local: w, Remote: got})
			return
		}
	}
}

func (s *Session) desync(d checksum.Desync) {
	s.status = StatusDesynced
	s.log.WithFields(logrus.Fields{
		"frame":  d.Frame,
		"local":  d.Local.String(),
		"remote": d.Remote.String(),
	}).Error("desync detected")
	s.emit(Event{Kind: EventDesynced, Frame: d.Frame, Desync: d})
}

func (s *Session) emit(e Event) {
	s.events = append(s.events, e)
	if s.rec != nil {
		if err := s.rec.RecordEvent(e); err != nil {
			s.log.WithError(err).WithField("event", e.Kind.String()).Warn("record event")
		}
	}
}

// ConfirmedFrame is the last frame for which every player's real input is
// known. It can run ahead of the simulation by the input delay.
func (s *Session) ConfirmedFrame() int32 {
	if len(s.players) == 0 {
		return s.lastFinal
	}
	c := s.players[0].lastConfirmed
	for h := 1; h < len(s.players); h++ {
		if lc := s.players[h].lastConfirmed; lc < c {
			c = lc
		}
	}
	return c
}

// CurrentFrame is the next frame to simulate, which equals the frame counter
// of the current state.
func (s *Session) CurrentFrame() int32 { return int32(s.state.Frame) }

// FinalizedFrame is the last frame whose checksum has been recorded.
func (s *Session) FinalizedFrame() int32 { return s.lastFinal }

// State returns a copy of the latest, possibly predicted, state.
func (s *Session) State() world.State { return s.state.Clone() }

// ConfirmedState returns the state after the last finalized frame, which no
// rollback can change. ok is false before the first frame is finalized and
// after Close.
func (s *Session) ConfirmedState() (world.State, bool) {
	if s.closed {
		return world.State{}, false
	}
	next := s.lastFinal + 1
	if next <= s.start {
		return world.State{}, false
	}
	if next == int32(s.state.Frame) {
		return s.state.Clone(), true
	}
	data, ok := s.frames.load(next)
	if !ok {
		return world.State{}, false
	}
	st, err := world.Decode(data)
	if err != nil {
		return world.State{}, false
	}
	return st, true
}

func (s *Session) predictedFrames() int {
	gap := int(int32(s.state.Frame) - 1 - s.ConfirmedFrame())
	if gap < 0 {
		return 0
	}
	return gap
}

func (s *Session) Status() Status { return s.status }

func (s *Session) Stats() Stats {
	st := s.stats
	if s.verifier != nil {
		st.Checked = s.verifier.Checked()
	}
	return st
}

func (s *Session) Config() Config { return s.cfg }

// LocalHandle is the handle driven by this peer; -1 outside online mode.
func (s *Session) LocalHandle() int {
	if s.kind != kindOnline {
		return -1
	}
	return s.localHandle
}

// Close ends the session. Online, the peer is told with BYE unless it is
// already gone. Buffers are released and further Ticks fail.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	var err error
	if s.kind == kindOnline && s.status != StatusDisconnected {
		if err = s.transport.Send(protocol.Bye()); err != nil {
			err = fmt.Errorf("rollback: send bye: %w", err)
		}
	}
	s.closed = true
	s.players = nil
	s.frames = frameStore{}
	s.used = nil
	s.events = nil
	s.log.WithField("frame", s.state.Frame).Info("session closed")
	return err
}
