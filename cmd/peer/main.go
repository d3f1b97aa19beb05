package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"twinbox.gg/internal/persistence/indexdb"
	persistlog "twinbox.gg/internal/persistence/log"
	"twinbox.gg/internal/rollback"
	"twinbox.gg/internal/round"
	"twinbox.gg/internal/sim/input"
	"twinbox.gg/internal/sim/tuning"
	"twinbox.gg/internal/transport/ws"
)

var errDesynced = errors.New("session desynced")

func main() {
	cfg, err := ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(lvl)
	} else {
		logger.WithError(err).Warn("bad log level; using info")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, logger)
	stop()
	if err != nil {
		logger.WithError(err).Error("peer failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config, logger *logrus.Logger) error {
	mode, err := round.ParseMode(cfg.Mode)
	if err != nil {
		return err
	}
	t, err := loadTuning(cfg.Tuning, logger)
	if err != nil {
		return err
	}

	id := uuid.NewString()
	sessionDir := filepath.Join(cfg.Data, "sessions", id)
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return fmt.Errorf("session dir: %w", err)
	}
	log := logger.WithFields(logrus.Fields{"component": "peer", "session": id})

	sessionLog := persistlog.NewSessionLogger(sessionDir, id)
	defer func() {
		if err := sessionLog.Close(); err != nil {
			log.WithError(err).Warn("close session log")
		}
	}()
	opts := []round.Option{
		round.WithID(id),
		round.WithLogger(logger),
		round.WithRecorder(sessionLog),
	}

	var (
		idx       *indexdb.SQLiteIndex
		snapIndex round.SnapshotIndex
	)
	if !cfg.DisableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(cfg.Data, "index.sqlite"))
		if err != nil {
			return fmt.Errorf("open index: %w", err)
		}
		defer func() {
			if err := idx.Close(); err != nil {
				log.WithError(err).Warn("close index")
			}
			log.WithField("stats", fmt.Sprintf("%+v", idx.Stats())).Debug("index closed")
		}()
		opts = append(opts, round.WithRecorder(idx.Recorder(id)))
		snapIndex = idx
	}
	if t.SnapshotOnDesync {
		opts = append(opts, round.WithSnapshots(filepath.Join(sessionDir, "snapshots"), snapIndex))
	}

	handle, room := 0, ""
	if mode == round.ModeOnline {
		dctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		conn, err := ws.Dial(dctx, cfg.Relay, cfg.Room, ws.WithLogger(logger))
		cancel()
		if err != nil {
			return err
		}
		defer func() {
			if err := conn.Close(); err != nil {
				log.WithError(err).Debug("close relay connection")
			}
		}()
		handle, room = conn.Handle, conn.Room
		opts = append(opts, round.WithTransport(conn, handle))
		log.WithFields(logrus.Fields{"room": room, "handle": handle, "peer_id": conn.PeerID}).Info("joined relay")
	}

	r, err := round.Setup(mode, t, opts...)
	if err != nil {
		return err
	}
	if idx != nil {
		idx.StartSession(indexdb.SessionRow{
			ID:          id,
			Mode:        mode.String(),
			LocalHandle: handle,
			Room:        room,
			StartedAt:   time.Now().UTC(),
		})
	}

	handles := make([]int, mode.LocalControllers(t.NumPlayers))
	for i := range handles {
		handles[i] = i
	}
	if mode == round.ModeOnline {
		handles[0] = handle
	}
	b := newBot(cfg.Seed, handles)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	statsEvery := int32(5 * t.TickRateHz)
	lastStats := int32(0)
	src := round.InputSourceFunc(func(frame int32) []input.Controls {
		if cfg.Frames > 0 && frame >= int32(cfg.Frames) {
			cancel()
		}
		if frame-lastStats >= statsEvery {
			lastStats = frame
			s := r.Session()
			log.WithFields(logrus.Fields{
				"frame":     frame,
				"confirmed": s.ConfirmedFrame(),
				"status":    s.Status().String(),
				"stats":     fmt.Sprintf("%+v", s.Stats()),
			}).Info("progress")
		}
		return b.Controls(frame)
	})

	res, runErr := r.Run(runCtx, src)
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	tdErr := r.Teardown()

	status := r.Session().Status()
	outcome := status.String()
	if res.Won {
		outcome = "won"
	}
	if idx != nil {
		idx.EndSession(id, r.Session().FinalizedFrame(), outcome)
	}
	fields := logrus.Fields{
		"outcome":   outcome,
		"finalized": r.Session().FinalizedFrame(),
		"dir":       sessionDir,
	}
	if res.Won {
		fields["winner"] = res.Winner
	}
	log.WithFields(fields).Info("round finished")

	switch {
	case runErr != nil:
		return runErr
	case status == rollback.StatusDesynced:
		return errDesynced
	}
	return tdErr
}

// loadTuning falls back to the built-in defaults when the file is missing.
func loadTuning(path string, logger logrus.FieldLogger) (tuning.Tuning, error) {
	t, err := tuning.Load(path)
	if err == nil {
		return t, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		logger.WithField("path", path).Warn("tuning not found; using defaults")
		return tuning.Defaults(), nil
	}
	return t, fmt.Errorf("load tuning: %w", err)
}
