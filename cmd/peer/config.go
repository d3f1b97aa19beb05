package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is read from the environment first; flags override it.
type Config struct {
	Mode        string        `env:"TWINBOX_MODE"         envDefault:"local"`
	Relay       string        `env:"TWINBOX_RELAY"        envDefault:"ws://127.0.0.1:8080/v1/room"`
	Room        string        `env:"TWINBOX_ROOM"         envDefault:"lobby"`
	Tuning      string        `env:"TWINBOX_TUNING"       envDefault:"./configs/tuning.yaml"`
	Data        string        `env:"TWINBOX_DATA"         envDefault:"./data"`
	Frames      int           `env:"TWINBOX_FRAMES"`
	Seed        uint64        `env:"TWINBOX_SEED"         envDefault:"1"`
	DisableDB   bool          `env:"TWINBOX_DISABLE_DB"`
	DialTimeout time.Duration `env:"TWINBOX_DIAL_TIMEOUT" envDefault:"10s"`
	LogLevel    string        `env:"TWINBOX_LOG_LEVEL"    envDefault:"info"`
}

func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "local | online | synctest")
	fs.StringVar(&cfg.Relay, "relay", cfg.Relay, "relay websocket url (online mode)")
	fs.StringVar(&cfg.Room, "room", cfg.Room, "relay room to join (online mode)")
	fs.StringVar(&cfg.Tuning, "tuning", cfg.Tuning, "path to tuning.yaml")
	fs.StringVar(&cfg.Data, "data", cfg.Data, "runtime data directory")
	fs.IntVar(&cfg.Frames, "frames", cfg.Frames, "stop after this many frames (0 = until the round ends)")
	fs.Uint64Var(&cfg.Seed, "seed", cfg.Seed, "seed for the scripted controllers")
	fs.BoolVar(&cfg.DisableDB, "disable_db", cfg.DisableDB, "disable the sqlite session index")
	fs.DurationVar(&cfg.DialTimeout, "dial_timeout", cfg.DialTimeout, "relay dial timeout")
	fs.StringVar(&cfg.LogLevel, "log_level", cfg.LogLevel, "logrus level")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if cfg.Frames < 0 {
		return Config{}, fmt.Errorf("-frames must not be negative, got %d", cfg.Frames)
	}
	return cfg, nil
}
