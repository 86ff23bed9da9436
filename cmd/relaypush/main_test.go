package main

import (
	"bytes"
	"errors"
	"flag"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/relaypush/internal/config"
)

func envMap(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestEnvOrDefault(t *testing.T) {
	getenv := envMap(map[string]string{"RELAYPUSH_TEST_VALUE": "  set  "})
	if got := envOrDefault(getenv, "RELAYPUSH_TEST_VALUE", "fallback"); got != "set" {
		t.Fatalf("expected trimmed value, got %q", got)
	}
	if got := envOrDefault(getenv, "RELAYPUSH_TEST_MISSING", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	dir := t.TempDir()
	getenv := envMap(map[string]string{
		"RELAYPUSH_BASE_URL":      "https://env.example.test",
		"RELAYPUSH_POLL_INTERVAL": "5m",
		"RELAYPUSH_TOKEN":         "env-token",
	})
	inv, err := parseInvocation([]string{
		"-state-dir", dir,
		"-poll-interval", "45s",
		"-poll-jitter", "0.1",
		"-device", "laptop",
	}, getenv, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if inv.cfg.API.BaseURL != "https://env.example.test" {
		t.Fatalf("env value should survive when no flag is given, got %q", inv.cfg.API.BaseURL)
	}
	if inv.cfg.Lifecycle.PollInterval != 45*time.Second {
		t.Fatalf("flag should override env, got %s", inv.cfg.Lifecycle.PollInterval)
	}
	if inv.cfg.Lifecycle.PollJitter != 0.1 {
		t.Fatalf("unexpected jitter %f", inv.cfg.Lifecycle.PollJitter)
	}
	if inv.cfg.Storage.DSN != "file://"+filepath.Join(dir, "state.json") {
		t.Fatalf("default dsn should follow the state dir flag, got %q", inv.cfg.Storage.DSN)
	}
	if inv.creds.Token != "env-token" || inv.creds.DeviceID != "laptop" {
		t.Fatalf("unexpected credentials %+v", inv.creds)
	}
}

func TestInvalidConfigurationIsRejected(t *testing.T) {
	_, err := parseInvocation([]string{"-state-dir", t.TempDir(), "-log-format", "xml"}, envMap(nil), &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "log.format") {
		t.Fatalf("expected log format validation error, got %v", err)
	}
}

func TestHelpFlag(t *testing.T) {
	var out bytes.Buffer
	_, err := parseInvocation([]string{"-h"}, envMap(nil), &out)
	if !errors.Is(err, flag.ErrHelp) {
		t.Fatalf("expected ErrHelp, got %v", err)
	}
	if !strings.Contains(out.String(), "-control-addr") {
		t.Fatalf("usage should list flags, got %q", out.String())
	}
}

func TestNewLogger(t *testing.T) {
	var out bytes.Buffer
	logger, err := newLogger(config.LogConfig{Level: "warn", Format: "json"}, &out)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	if strings.Contains(out.String(), "hidden") {
		t.Fatalf("info should be filtered at warn level: %s", out.String())
	}
	if !strings.Contains(out.String(), `"msg":"shown"`) {
		t.Fatalf("expected json output, got %s", out.String())
	}

	if _, err := newLogger(config.LogConfig{Level: "loud", Format: "text"}, &out); err == nil {
		t.Fatalf("expected invalid level error")
	}
	if _, err := newLogger(config.LogConfig{Level: "info", Format: "xml"}, &out); err == nil {
		t.Fatalf("expected invalid format error")
	}
}
