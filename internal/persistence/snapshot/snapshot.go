// Package snapshot stores a round's deterministic state on disk so a desync
// can be inspected and a replay can start mid-round.
package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"twinbox.gg/internal/sim/world"
)

const Version = 1

var ErrVersion = errors.New("unsupported snapshot version")

type Header struct {
	Version   int    `json:"version"`
	SessionID string `json:"session_id"`
	Frame     uint32 `json:"frame"`
	Reason    string `json:"reason,omitempty"`
}

type RoundSnapshotV1 struct {
	Header Header `json:"header"`

	Mode          string `json:"mode"`
	TickRate      int    `json:"tick_rate_hz"`
	InputDelay    int    `json:"input_delay"`
	MaxPrediction int    `json:"max_prediction"`

	Arena   ArenaV1    `json:"arena"`
	Players []PlayerV1 `json:"players"`
}

type ArenaV1 struct {
	HalfWidth  float32 `json:"half_width"`
	HalfHeight float32 `json:"half_height"`
	Radius     float32 `json:"radius"`
	Speed      float32 `json:"speed"`
	Dt         float32 `json:"dt"`
}

// PlayerV1 keeps position and velocity as raw float32 bits so a restored
// state is bit-identical to the saved one.
type PlayerV1 struct {
	Handle int       `json:"handle"`
	Pos    [2]uint32 `json:"pos"`
	Vel    [2]uint32 `json:"vel"`
}

// FromState captures st. The header carries st's frame counter.
func FromState(sessionID string, st world.State, a world.Arena) RoundSnapshotV1 {
	snap := RoundSnapshotV1{
		Header: Header{Version: Version, SessionID: sessionID, Frame: st.Frame},
		Arena: ArenaV1{
			HalfWidth:  a.HalfWidth,
			HalfHeight: a.HalfHeight,
			Radius:     a.Radius,
			Speed:      a.Speed,
			Dt:         a.Dt,
		},
		Players: make([]PlayerV1, len(st.Players)),
	}
	for i, p := range st.Players {
		snap.Players[i] = PlayerV1{
			Handle: p.Handle,
			Pos:    [2]uint32{bits(p.Pos.X), bits(p.Pos.Y)},
			Vel:    [2]uint32{bits(p.Vel.X), bits(p.Vel.Y)},
		}
	}
	return snap
}

// ToState restores the simulation state and geometry.
func (s RoundSnapshotV1) ToState() (world.State, world.Arena) {
	st := world.State{Frame: s.Header.Frame, Players: make([]world.Player, len(s.Players))}
	for i, p := range s.Players {
		st.Players[i] = world.Player{
			Handle: p.Handle,
			Pos:    world.Vec2{X: fromBits(p.Pos[0]), Y: fromBits(p.Pos[1])},
			Vel:    world.Vec2{X: fromBits(p.Vel[0]), Y: fromBits(p.Vel[1])},
		}
	}
	a := world.Arena{
		HalfWidth:  s.Arena.HalfWidth,
		HalfHeight: s.Arena.HalfHeight,
		Radius:     s.Arena.Radius,
		Speed:      s.Arena.Speed,
		Dt:         s.Arena.Dt,
	}
	return st, a
}

func WriteSnapshot(path string, snap RoundSnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}

	bw := bufio.NewWriterSize(enc, 64*1024)
	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		_ = enc.Close()
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		_ = enc.Close()
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		_ = enc.Close()
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

// ReadHeader reads only the JSON header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}

func ReadSnapshot(path string) (RoundSnapshotV1, error) {
	var snap RoundSnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)

	// The gob body repeats the header.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("%w: %d", ErrVersion, snap.Header.Version)
	}
	return snap, nil
}

func bits(f float32) uint32     { return math.Float32bits(f) }
func fromBits(b uint32) float32 { return math.Float32frombits(b) }
