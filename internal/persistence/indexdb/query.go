package indexdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("indexdb: not found")

// Queries share the single connection with the writer, so they wait for any
// open batch to commit. Call them after Close on a fresh handle, or accept
// the wait.

func (s *SQLiteIndex) Session(ctx context.Context, id string) (SessionRow, error) {
	var (
		row        SessionRow
		started    string
		ended      sql.NullString
		finalFrame sql.NullInt64
		status     sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, mode, local_handle, room, started_at, ended_at, final_frame, status FROM sessions WHERE id=?`, id,
	).Scan(&row.ID, &row.Mode, &row.LocalHandle, &row.Room, &started, &ended, &finalFrame, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return row, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	if err != nil {
		return row, err
	}
	row.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
	if ended.Valid {
		row.EndedAt, _ = time.Parse(time.RFC3339Nano, ended.String)
	}
	row.FinalFrame = int32(finalFrame.Int64)
	row.Status = status.String
	return row, nil
}

// FrameChecksums maps every indexed frame of a session to its checksum.
func (s *SQLiteIndex) FrameChecksums(ctx context.Context, sessionID string) (map[int32]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT frame, checksum FROM frames WHERE session_id=? ORDER BY frame`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[int32]string{}
	for rows.Next() {
		var (
			f   int32
			sum string
		)
		if err := rows.Scan(&f, &sum); err != nil {
			return nil, err
		}
		out[f] = sum
	}
	return out, rows.Err()
}

type EventRow struct {
	Seq      int
	Frame    int32
	Kind     string
	Replayed int
	Local    string
	Remote   string
}

func (s *SQLiteIndex) Events(ctx context.Context, sessionID string) ([]EventRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, frame, kind, replayed, COALESCE(local_checksum,''), COALESCE(remote_checksum,'') FROM events WHERE session_id=? ORDER BY seq`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(&e.Seq, &e.Frame, &e.Kind, &e.Replayed, &e.Local, &e.Remote); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Sessions lists the most recently started sessions first.
func (s *SQLiteIndex) Sessions(ctx context.Context, limit int) ([]SessionRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]SessionRow, 0, len(ids))
	for _, id := range ids {
		row, err := s.Session(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

type SnapshotRow struct {
	Frame  uint32
	Path   string
	Reason string
}

func (s *SQLiteIndex) Snapshots(ctx context.Context, sessionID string) ([]SnapshotRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT frame, path, reason FROM snapshots WHERE session_id=? ORDER BY frame`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SnapshotRow
	for rows.Next() {
		var r SnapshotRow
		if err := rows.Scan(&r.Frame, &r.Path, &r.Reason); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
