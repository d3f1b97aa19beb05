package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"twinbox.gg/internal/persistence/indexdb"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (optional; defaults to <data>/index.sqlite)")
	sessionID := fs.String("session", "", "session id (required except for sessions)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "sessions"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index.sqlite")
	}
	if q != "sessions" && strings.TrimSpace(*sessionID) == "" {
		fmt.Fprintln(os.Stderr, "missing -session")
		os.Exit(2)
	}

	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer idx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := query(ctx, idx, q, *sessionID, *limit); err != nil {
		fmt.Fprintln(os.Stderr, q+":", err)
		idx.Close()
		os.Exit(1)
	}
}

func query(ctx context.Context, idx *indexdb.SQLiteIndex, q, sessionID string, limit int) error {
	switch q {
	case "sessions":
		rows, err := idx.Sessions(ctx, limit)
		if err != nil {
			return err
		}
		for _, r := range rows {
			printJSON(r)
		}

	case "session":
		r, err := idx.Session(ctx, sessionID)
		if err != nil {
			return err
		}
		printJSON(r)

	case "events":
		rows, err := idx.Events(ctx, sessionID)
		if err != nil {
			return err
		}
		for _, r := range rows {
			printJSON(r)
		}

	case "frames":
		sums, err := idx.FrameChecksums(ctx, sessionID)
		if err != nil {
			return err
		}
		printJSON(struct {
			Session   string           `json:"session"`
			Count     int              `json:"count"`
			Checksums map[int32]string `json:"checksums"`
		}{sessionID, len(sums), sums})

	case "snapshots":
		rows, err := idx.Snapshots(ctx, sessionID)
		if err != nil {
			return err
		}
		for _, r := range rows {
			printJSON(r)
		}

	default:
		return fmt.Errorf("unknown query %q (want sessions, session, events, frames, snapshots)", q)
	}
	return nil
}
