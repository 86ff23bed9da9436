package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/agentworkforce/relaypush/internal/config"
	"github.com/agentworkforce/relaypush/internal/relay"
	"github.com/agentworkforce/relaypush/internal/session"
	"github.com/agentworkforce/relaypush/internal/statelock"
)

// flagEnv maps each config flag onto the environment variable it overrides.
var flagEnv = map[string]string{
	"base-url":         "RELAYPUSH_BASE_URL",
	"stream-url":       "RELAYPUSH_STREAM_URL",
	"state-dir":        "RELAYPUSH_STATE_DIR",
	"store-dsn":        "RELAYPUSH_STORE_DSN",
	"credentials-file": "RELAYPUSH_CREDENTIALS_FILE",
	"control-addr":     "RELAYPUSH_CONTROL_ADDR",
	"poll-interval":    "RELAYPUSH_POLL_INTERVAL",
	"poll-jitter":      "RELAYPUSH_POLL_JITTER",
	"log-level":        "RELAYPUSH_LOG_LEVEL",
	"log-format":       "RELAYPUSH_LOG_FORMAT",
}

type invocation struct {
	cfg   config.Config
	creds session.Credentials
}

func main() {
	if err := run(os.Args[1:], os.Getenv, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "relaypush: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, getenv func(string) string, stderr io.Writer) error {
	inv, err := parseInvocation(args, getenv, stderr)
	if err != nil {
		return err
	}
	logger, err := newLogger(inv.cfg.Log, stderr)
	if err != nil {
		return err
	}

	lock, err := statelock.Acquire(inv.cfg.LockPath())
	if errors.Is(err, statelock.ErrLocked) {
		return fmt.Errorf("another relaypush instance is using %s", inv.cfg.Storage.StateDir)
	}
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn("release state lock failed", "err", err)
		}
	}()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	daemon, err := relay.New(relay.Options{Config: inv.cfg, Logger: logger})
	if err != nil {
		return err
	}
	if inv.creds.Valid() {
		if err := daemon.StoreCredentials(rootCtx, inv.creds); err != nil {
			return fmt.Errorf("store credentials: %w", err)
		}
	}
	return daemon.Run(rootCtx)
}

func parseInvocation(args []string, getenv func(string) string, stderr io.Writer) (invocation, error) {
	fs := flag.NewFlagSet("relaypush", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "YAML config file (default $RELAYPUSH_CONFIG)")
	fs.String("base-url", "", "feed API base URL")
	fs.String("stream-url", "", "feed stream websocket URL")
	fs.String("state-dir", "", "directory for durable state")
	fs.String("store-dsn", "", "state store DSN (file://, sqlite://, postgres://, redis://, memory://)")
	fs.String("credentials-file", "", "JSON credentials file to watch")
	fs.String("control-addr", "", "control API listen address")
	fs.Duration("poll-interval", 0, "poll interval while the stream is down")
	fs.Float64("poll-jitter", 0, "poll interval jitter ratio (0.0-1.0)")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.String("log-format", "", "log format (text, json)")
	token := fs.String("token", envOrDefault(getenv, "RELAYPUSH_TOKEN", ""), "access token stored before start")
	device := fs.String("device", envOrDefault(getenv, "RELAYPUSH_DEVICE", ""), "device id of this installation")
	if err := fs.Parse(args); err != nil {
		return invocation{}, err
	}

	overrides := map[string]string{}
	fs.Visit(func(f *flag.Flag) {
		if name, ok := flagEnv[f.Name]; ok {
			overrides[name] = f.Value.String()
		}
	})
	lookup := func(key string) string {
		if value, ok := overrides[key]; ok {
			return value
		}
		return getenv(key)
	}

	cfg, err := config.Load(*configPath, lookup)
	if err != nil {
		return invocation{}, err
	}
	if err := cfg.Validate(); err != nil {
		return invocation{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return invocation{
		cfg:   cfg,
		creds: session.Credentials{Token: strings.TrimSpace(*token), DeviceID: strings.TrimSpace(*device)},
	}, nil
}

func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.Format)
	}
}

func envOrDefault(getenv func(string) string, name, fallback string) string {
	value := strings.TrimSpace(getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
