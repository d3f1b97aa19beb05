// Package round owns one round of play: it builds the rollback session for
// the chosen mode, turns controller state into inputs, checks the win
// condition on confirmed frames, and tears everything down on exit.
package round

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"twinbox.gg/internal/persistence/snapshot"
	"twinbox.gg/internal/rollback"
	"twinbox.gg/internal/sim/input"
	"twinbox.gg/internal/sim/tuning"
	"twinbox.gg/internal/sim/world"
)

var ErrNoTransport = errors.New("online round needs a transport")

// SnapshotIndex is told about every snapshot file a round writes.
type SnapshotIndex interface {
	RecordSnapshot(path string, h snapshot.Header)
}

type config struct {
	id        string
	transport rollback.Transport
	handle    int
	log       logrus.FieldLogger
	recorders []rollback.Recorder
	snapDir   string
	snapIndex SnapshotIndex
	initial   *world.State
}

type Option func(*config)

// WithTransport sets the peer channel and the handle this side plays.
func WithTransport(t rollback.Transport, handle int) Option {
	return func(c *config) {
		c.transport = t
		c.handle = handle
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(c *config) { c.log = l }
}

// WithRecorder adds a recorder; every one receives all frames and events.
func WithRecorder(r rollback.Recorder) Option {
	return func(c *config) {
		if r != nil {
			c.recorders = append(c.recorders, r)
		}
	}
}

func WithID(id string) Option {
	return func(c *config) { c.id = id }
}

// WithSnapshots writes the confirmed state under dir on desync and on
// teardown. idx may be nil.
func WithSnapshots(dir string, idx SnapshotIndex) Option {
	return func(c *config) {
		c.snapDir = dir
		c.snapIndex = idx
	}
}

func WithInitialState(st world.State) Option {
	return func(c *config) { c.initial = &st }
}

type Round struct {
	ID   string
	Mode Mode

	tuning  tuning.Tuning
	arena   world.Arena
	session *rollback.Session
	log     logrus.FieldLogger

	snapDir   string
	snapIndex SnapshotIndex

	winner   int
	won      bool
	tornDown bool
}

// Result is the outcome of one tick.
type Result struct {
	rollback.Report
	Winner int
	Won    bool
}

// Setup builds a round. Online mode needs WithTransport.
func Setup(mode Mode, t tuning.Tuning, opts ...Option) (*Round, error) {
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("round setup: %w", err)
	}
	c := config{log: logrus.StandardLogger()}
	for _, o := range opts {
		o(&c)
	}
	if c.id == "" {
		c.id = uuid.NewString()
	}
	log := c.log.WithFields(logrus.Fields{"component": "round", "session": c.id, "mode": mode.String()})

	sopts := []rollback.Option{rollback.WithLogger(c.log.WithField("session", c.id))}
	switch len(c.recorders) {
	case 0:
	case 1:
		sopts = append(sopts, rollback.WithRecorder(c.recorders[0]))
	default:
		sopts = append(sopts, rollback.WithRecorder(multiRecorder(c.recorders)))
	}
	if c.initial != nil {
		sopts = append(sopts, rollback.WithInitialState(*c.initial))
	}

	cfg := rollback.ConfigFrom(t)
	var (
		s   *rollback.Session
		err error
	)
	switch mode {
	case ModeLocal:
		s, err = rollback.NewLocal(cfg, sopts...)
	case ModeOnline:
		if c.transport == nil {
			return nil, ErrNoTransport
		}
		s, err = rollback.NewOnline(cfg, c.handle, c.transport, sopts...)
	case ModeSyncTest:
		s, err = rollback.NewSyncTest(cfg, sopts...)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMode, int(mode))
	}
	if err != nil {
		return nil, fmt.Errorf("round setup: %w", err)
	}

	log.WithField("frame", s.CurrentFrame()).Info("round setup")
	return &Round{
		ID:        c.id,
		Mode:      mode,
		tuning:    t,
		arena:     cfg.Arena,
		session:   s,
		log:       log,
		snapDir:   c.snapDir,
		snapIndex: c.snapIndex,
		winner:    -1,
	}, nil
}

// Tick encodes the local controllers and advances the session. A win is only
// declared on a confirmed frame, so a rollback can never take it back.
func (r *Round) Tick(controls ...input.Controls) (Result, error) {
	in := make([]input.Input, len(controls))
	for i, c := range controls {
		in[i] = input.Encode(c)
	}
	rep, err := r.session.Tick(in...)
	if err != nil {
		return Result{}, err
	}
	if rep.Has(rollback.EventDesynced) {
		r.writeSnapshot("desync")
	}
	if !r.won {
		if st, ok := r.session.ConfirmedState(); ok {
			if h, ok := CheckWin(st, r.tuning.Goal, r.arena.Radius); ok {
				r.winner, r.won = h, true
				r.log.WithFields(logrus.Fields{"winner": h, "frame": st.Frame}).Info("round won")
			}
		}
	}
	return Result{Report: rep, Winner: r.winner, Won: r.won}, nil
}

// InputSource supplies the local controllers for the tick at frame.
type InputSource interface {
	Controls(frame int32) []input.Controls
}

type InputSourceFunc func(frame int32) []input.Controls

func (f InputSourceFunc) Controls(frame int32) []input.Controls { return f(frame) }

// Run ticks at the tuned rate until ctx ends, someone wins, or the session
// reaches a terminal status.
func (r *Round) Run(ctx context.Context, src InputSource) (Result, error) {
	ticker := time.NewTicker(time.Second / time.Duration(r.tuning.TickRateHz))
	defer ticker.Stop()

	var last Result
	for {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
		res, err := r.Tick(src.Controls(r.session.CurrentFrame())...)
		if err != nil {
			return last, err
		}
		last = res
		if res.Won || res.Status.Terminal() {
			return res, nil
		}
	}
}

// Teardown ends the round. It is safe to call more than once.
func (r *Round) Teardown() error {
	if r.tornDown {
		return nil
	}
	r.tornDown = true
	r.writeSnapshot("teardown")
	err := r.session.Close()
	r.log.WithFields(logrus.Fields{
		"frame":  r.session.CurrentFrame(),
		"status": r.session.Status().String(),
		"stats":  fmt.Sprintf("%+v", r.session.Stats()),
	}).Info("round teardown")
	return err
}

func (r *Round) writeSnapshot(reason string) {
	if r.snapDir == "" {
		return
	}
	st, ok := r.session.ConfirmedState()
	if !ok {
		st = r.session.State()
	}
	snap := snapshot.FromState(r.ID, st, r.arena)
	snap.Header.Reason = reason
	snap.Mode = r.Mode.String()
	snap.TickRate = r.tuning.TickRateHz
	snap.InputDelay = r.tuning.InputDelay
	snap.MaxPrediction = r.tuning.MaxPrediction

	path := filepath.Join(r.snapDir, fmt.Sprintf("%d.snap.zst", st.Frame))
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		r.log.WithError(err).WithField("path", path).Error("write snapshot")
		return
	}
	if r.snapIndex != nil {
		r.snapIndex.RecordSnapshot(path, snap.Header)
	}
	r.log.WithFields(logrus.Fields{"path": path, "reason": reason}).Info("snapshot written")
}

func (r *Round) Session() *rollback.Session { return r.session }
func (r *Round) Tuning() tuning.Tuning      { return r.tuning }

// State is the latest, possibly predicted, state for display.
func (r *Round) State() world.State { return r.session.State() }

// Winner reports the winning handle once the round has been won.
func (r *Round) Winner() (int, bool) { return r.winner, r.won }

type multiRecorder []rollback.Recorder

func (m multiRecorder) RecordFrame(fr rollback.FrameRecord) error {
	var errs []error
	for _, r := range m {
		if err := r.RecordFrame(fr); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m multiRecorder) RecordEvent(e rollback.Event) error {
	var errs []error
	for _, r := range m {
		if err := r.RecordEvent(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
