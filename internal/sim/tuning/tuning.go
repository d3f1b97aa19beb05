package tuning

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	TickRateHz int `yaml:"tick_rate_hz"`
	NumPlayers int `yaml:"num_players"`

	// Rollback.
	InputDelay             int  `yaml:"input_delay"`
	MaxPrediction          int  `yaml:"max_prediction"`
	CheckDistance          int  `yaml:"check_distance"`
	DisconnectTimeoutTicks int  `yaml:"disconnect_timeout_ticks"`
	SnapshotOnDesync       bool `yaml:"snapshot_on_desync"`

	Arena Arena `yaml:"arena"`
	Goal  Goal  `yaml:"goal"`
}

type Arena struct {
	Width        float32 `yaml:"width"`
	Height       float32 `yaml:"height"`
	PlayerRadius float32 `yaml:"player_radius"`
	PlayerSpeed  float32 `yaml:"player_speed"`
}

// Goal is an axis-aligned rectangle centered on (X, Y).
type Goal struct {
	X          float32 `yaml:"x"`
	Y          float32 `yaml:"y"`
	HalfWidth  float32 `yaml:"half_width"`
	HalfHeight float32 `yaml:"half_height"`
}

var (
	ErrBadTickRate   = errors.New("tick_rate_hz must be positive")
	ErrBadPlayers    = errors.New("num_players must be 2")
	ErrBadDelay      = errors.New("input_delay must not be negative")
	ErrBadPrediction = errors.New("max_prediction must be positive")
	ErrBadArena      = errors.New("arena must be larger than a player")
)

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion:        "1.0",
		TickRateHz:             60,
		NumPlayers:             2,
		InputDelay:             2,
		MaxPrediction:          12,
		CheckDistance:          2,
		DisconnectTimeoutTicks: 300,
		SnapshotOnDesync:       true,
		Arena: Arena{
			Width:        720,
			Height:       480,
			PlayerRadius: 16,
			PlayerSpeed:  240,
		},
		Goal: Goal{
			X:          0,
			Y:          200,
			HalfWidth:  40,
			HalfHeight: 24,
		},
	}
}

// Load reads a tuning file over Defaults, so a partial file only overrides
// the keys it names.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	switch {
	case t.TickRateHz <= 0:
		return ErrBadTickRate
	case t.NumPlayers != 2:
		return ErrBadPlayers
	case t.InputDelay < 0:
		return ErrBadDelay
	case t.MaxPrediction <= 0:
		return ErrBadPrediction
	case t.Arena.Width <= 2*t.Arena.PlayerRadius || t.Arena.Height <= 2*t.Arena.PlayerRadius:
		return ErrBadArena
	}
	return nil
}

// CheckEvery returns the checksum exchange interval in frames.
func (t Tuning) CheckEvery() int {
	if t.CheckDistance <= 0 {
		return 1
	}
	return t.CheckDistance
}
