package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"twinbox.gg/internal/persistence/indexdb"
	persistlog "twinbox.gg/internal/persistence/log"
	"twinbox.gg/internal/persistence/snapshot"
	"twinbox.gg/internal/sim/tuning"
	"twinbox.gg/internal/sim/world"
)

func main() {
	var (
		framesDir  = flag.String("frames", "", "session directory holding frames/frames-*.jsonl.zst")
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml (ignored with -snapshot)")
		snapPath   = flag.String("snapshot", "", "start from this .snap.zst instead of a fresh round (optional)")
		dbPath     = flag.String("db", "", "index.sqlite to cross-check checksums against (optional)")
		toFrame    = flag.Int("to_frame", -1, "stop after this frame (inclusive, optional)")
	)
	flag.Parse()

	if *framesDir == "" {
		fmt.Fprintln(os.Stderr, "missing -frames")
		os.Exit(2)
	}

	var (
		st    world.State
		arena world.Arena
	)
	if *snapPath != "" {
		snap, err := snapshot.ReadSnapshot(*snapPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read snapshot:", err)
			os.Exit(1)
		}
		st, arena = snap.ToState()
		fmt.Printf("snapshot v%d session=%s frame=%d reason=%s players=%d\n",
			snap.Header.Version, snap.Header.SessionID, snap.Header.Frame, snap.Header.Reason, len(snap.Players))
	} else {
		t, err := tuning.Load(*tuningPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "load tuning:", err)
			os.Exit(1)
		}
		arena = world.ArenaFrom(t)
		st = world.NewState(arena, t.NumPlayers)
	}

	entries, err := persistlog.ReadFrames(*framesDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read frames:", err)
		os.Exit(1)
	}
	if len(entries) == 0 {
		fmt.Fprintln(os.Stderr, "no frames found in", filepath.Join(*framesDir, "frames"))
		os.Exit(1)
	}
	if *toFrame >= 0 {
		entries = until(entries, int32(*toFrame))
	}

	res, err := Verify(st, arena, entries)
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}

	if *dbPath != "" {
		idx, err := indexdb.OpenSQLite(*dbPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "open db:", err)
			os.Exit(1)
		}
		sums, err := idx.FrameChecksums(context.Background(), entries[0].SessionID)
		_ = idx.Close()
		if err != nil {
			fmt.Fprintln(os.Stderr, "query db:", err)
			os.Exit(1)
		}
		n, err := CrossCheck(entries, sums)
		if err != nil {
			fmt.Fprintln(os.Stderr, "db:", err)
			os.Exit(1)
		}
		fmt.Printf("db ok: %d indexed checksums agree\n", n)
	}

	fmt.Printf("replay ok: checked=%d frames [%d, %d] final=%016x\n", res.Checked, res.First, res.Last, uint64(res.Final))
}

func until(entries []persistlog.FrameEntry, last int32) []persistlog.FrameEntry {
	for i, e := range entries {
		if e.Frame > last {
			return entries[:i]
		}
	}
	return entries
}
