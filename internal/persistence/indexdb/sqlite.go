// Package indexdb keeps a queryable SQLite index of sessions, finalized
// frames, events and snapshots. The JSONL frame logs stay the source of
// truth: writes go through a bounded queue and are dropped, and counted, if
// the writer falls behind.
package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"twinbox.gg/internal/persistence/snapshot"
	"twinbox.gg/internal/rollback"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropFrame    atomic.Uint64
	dropEvent    atomic.Uint64
	dropSession  atomic.Uint64
	dropSnapshot atomic.Uint64
}

type reqKind int

const (
	reqSessionStart reqKind = iota + 1
	reqSessionEnd
	reqFrame
	reqEvent
	reqSnapshot
)

type req struct {
	kind reqKind

	session  SessionRow
	frame    frameRow
	event    eventRow
	snapshot snapshotRow
}

// SessionRow describes one round.
type SessionRow struct {
	ID          string
	Mode        string
	LocalHandle int
	Room        string
	StartedAt   time.Time
	EndedAt     time.Time
	FinalFrame  int32
	Status      string
}

type frameRow struct {
	SessionID string
	Frame     int32
	Inputs    []int
	Checksum  string
}

type eventRow struct {
	SessionID  string
	Frame      int32
	Kind       string
	Replayed   int
	Local      string
	Remote     string
	RecordedAt string
}

type snapshotRow struct {
	SessionID string
	Frame     uint32
	Path      string
	Reason    string
}

type Stats struct {
	QueueDepth        int
	QueueCapacity     int
	DropFrameTotal    uint64
	DropEventTotal    uint64
	DropSessionTotal  uint64
	DropSnapshotTotal uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		// Sixty frames a second for a long round without stalling the tick loop.
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			mode TEXT NOT NULL,
			local_handle INTEGER NOT NULL,
			room TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			final_frame INTEGER,
			status TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS frames (
			session_id TEXT NOT NULL,
			frame INTEGER NOT NULL,
			inputs_json TEXT NOT NULL,
			checksum TEXT NOT NULL,
			PRIMARY KEY (session_id, frame)
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			frame INTEGER NOT NULL,
			kind TEXT NOT NULL,
			replayed INTEGER NOT NULL,
			local_checksum TEXT,
			remote_checksum TEXT,
			recorded_at TEXT NOT NULL,
			PRIMARY KEY (session_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind, session_id);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			session_id TEXT NOT NULL,
			frame INTEGER NOT NULL,
			path TEXT NOT NULL,
			reason TEXT NOT NULL,
			PRIMARY KEY (session_id, frame)
		);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Close drains the queue and closes the database.
func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) enqueue(r req, drops *atomic.Uint64) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- r:
	default:
		// Drop if the indexer falls behind; JSONL logs remain the source of truth.
		drops.Add(1)
	}
}

func (s *SQLiteIndex) StartSession(row SessionRow) {
	if row.StartedAt.IsZero() {
		row.StartedAt = time.Now()
	}
	s.enqueue(req{kind: reqSessionStart, session: row}, &s.dropSession)
}

func (s *SQLiteIndex) EndSession(id string, finalFrame int32, status string) {
	s.enqueue(req{kind: reqSessionEnd, session: SessionRow{
		ID:         id,
		EndedAt:    time.Now(),
		FinalFrame: finalFrame,
		Status:     status,
	}}, &s.dropSession)
}

func (s *SQLiteIndex) RecordSnapshot(path string, h snapshot.Header) {
	s.enqueue(req{kind: reqSnapshot, snapshot: snapshotRow{
		SessionID: h.SessionID,
		Frame:     h.Frame,
		Path:      path,
		Reason:    h.Reason,
	}}, &s.dropSnapshot)
}

// Recorder returns a rollback.Recorder that indexes into the given session.
func (s *SQLiteIndex) Recorder(sessionID string) *SessionRecorder {
	return &SessionRecorder{idx: s, sessionID: sessionID}
}

type SessionRecorder struct {
	idx       *SQLiteIndex
	sessionID string
}

func (r *SessionRecorder) RecordFrame(fr rollback.FrameRecord) error {
	row := frameRow{
		SessionID: r.sessionID,
		Frame:     fr.Frame,
		Inputs:    make([]int, len(fr.Inputs)),
		Checksum:  fr.Checksum.String(),
	}
	for i, in := range fr.Inputs {
		row.Inputs[i] = int(in)
	}
	r.idx.enqueue(req{kind: reqFrame, frame: row}, &r.idx.dropFrame)
	return nil
}

func (r *SessionRecorder) RecordEvent(ev rollback.Event) error {
	row := eventRow{
		SessionID:  r.sessionID,
		Frame:      ev.Frame,
		Kind:       ev.Kind.String(),
		Replayed:   ev.Replayed,
		RecordedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if ev.Kind == rollback.EventDesynced {
		row.Local = ev.Desync.Local.String()
		row.Remote = ev.Desync.Remote.String()
	}
	r.idx.enqueue(req{kind: reqEvent, event: row}, &r.idx.dropEvent)
	return nil
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		DropFrameTotal:    s.dropFrame.Load(),
		DropEventTotal:    s.dropEvent.Load(),
		DropSessionTotal:  s.dropSession.Load(),
		DropSnapshotTotal: s.dropSnapshot.Load(),
	}
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertSession, _ := s.db.Prepare(`INSERT OR REPLACE INTO sessions(id,mode,local_handle,room,started_at) VALUES(?,?,?,?,?)`)
	endSession, _ := s.db.Prepare(`UPDATE sessions SET ended_at=?, final_frame=?, status=? WHERE id=?`)
	insertFrame, _ := s.db.Prepare(`INSERT OR REPLACE INTO frames(session_id,frame,inputs_json,checksum) VALUES(?,?,?,?)`)
	insertEvent, _ := s.db.Prepare(`INSERT OR REPLACE INTO events(session_id,seq,frame,kind,replayed,local_checksum,remote_checksum,recorded_at) VALUES(?,?,?,?,?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(session_id,frame,path,reason) VALUES(?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertSession, endSession, insertFrame, insertEvent, insertSnapshot} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second

		eventSeq = map[string]int{}
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) {
		if st == nil || tx == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return
		}
		opCount++
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqSessionStart:
			se := r.session
			exec(insertSession, se.ID, se.Mode, se.LocalHandle, se.Room, se.StartedAt.UTC().Format(time.RFC3339Nano))

		case reqSessionEnd:
			se := r.session
			exec(endSession, se.EndedAt.UTC().Format(time.RFC3339Nano), se.FinalFrame, se.Status, se.ID)
			// A finished session should be visible right away.
			commit()
			continue

		case reqFrame:
			fr := r.frame
			b, _ := json.Marshal(fr.Inputs)
			exec(insertFrame, fr.SessionID, fr.Frame, string(b), fr.Checksum)

		case reqEvent:
			ev := r.event
			seq := eventSeq[ev.SessionID]
			eventSeq[ev.SessionID] = seq + 1
			exec(insertEvent, ev.SessionID, seq, ev.Frame, ev.Kind, ev.Replayed, ev.Local, ev.Remote, ev.RecordedAt)

		case reqSnapshot:
			sn := r.snapshot
			exec(insertSnapshot, sn.SessionID, int64(sn.Frame), sn.Path, sn.Reason)
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}

	commit()
}
