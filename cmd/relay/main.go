package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"twinbox.gg/internal/transport/relay"
)

type Config struct {
	Addr            string        `env:"TWINBOX_RELAY_ADDR"     envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"TWINBOX_RELAY_SHUTDOWN" envDefault:"5s"`
	LogLevel        string        `env:"TWINBOX_LOG_LEVEL"      envDefault:"info"`
}

func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "http listen address")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown_timeout", cfg.ShutdownTimeout, "graceful shutdown timeout")
	fs.StringVar(&cfg.LogLevel, "log_level", cfg.LogLevel, "logrus level")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

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
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	ln, err := net.Listen("tcp", cfg.Addr)
	if err == nil {
		err = serve(ctx, ln, cfg, logger)
	}
	stop()
	if err != nil {
		logger.WithError(err).Error("relay failed")
		os.Exit(1)
	}
}

// serve runs the relay on ln until ctx ends, then drains it.
func serve(ctx context.Context, ln net.Listener, cfg Config, logger logrus.FieldLogger) error {
	log := logger.WithField("component", "relay-cmd")
	srv := relay.NewServer(logger)

	mux := http.NewServeMux()
	mux.Handle("/v1/room", srv.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "ok rooms=%d\n", srv.Rooms())
	})
	hs := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", ln.Addr().String()).Info("listening")
		if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		err := hs.Shutdown(sctx)
		// Shutdown does not touch hijacked websocket connections.
		srv.Shutdown()
		log.Info("relay stopped")
		return err
	})
	return g.Wait()
}
