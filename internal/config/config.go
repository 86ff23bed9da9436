package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const EnvPrefix = "RELAYPUSH_"

type Config struct {
	API        APIConfig        `yaml:"api"`
	Stream     StreamConfig     `yaml:"stream"`
	Storage    StorageConfig    `yaml:"storage"`
	Session    SessionConfig    `yaml:"session"`
	Sync       SyncConfig       `yaml:"sync"`
	AutoAction AutoActionConfig `yaml:"autoAction"`
	Actions    ActionsConfig    `yaml:"actions"`
	Lifecycle  LifecycleConfig  `yaml:"lifecycle"`
	Keepalive  KeepaliveConfig  `yaml:"keepalive"`
	Control    ControlConfig    `yaml:"control"`
	Log        LogConfig        `yaml:"log"`
}

type APIConfig struct {
	BaseURL string        `yaml:"baseURL"`
	Timeout time.Duration `yaml:"timeout"`
}

type StreamConfig struct {
	URL            string        `yaml:"url"`
	InitialBackoff time.Duration `yaml:"initialBackoff"`
	MaxBackoff     time.Duration `yaml:"maxBackoff"`
	StaleAfter     time.Duration `yaml:"staleAfter"`
	DialTimeout    time.Duration `yaml:"dialTimeout"`
	ProbeInterval  time.Duration `yaml:"probeInterval"`
	ReadLimit      int64         `yaml:"readLimit"`
}

type StorageConfig struct {
	// StateDir holds the lock file and is the base for relative paths.
	StateDir string `yaml:"stateDir"`
	// DSN selects the durable key-value backend: file://, memory://,
	// postgres://, redis:// or sqlite://. Empty means a file store inside
	// StateDir.
	DSN          string `yaml:"dsn"`
	SnapshotPath string `yaml:"snapshotPath"`
}

type SessionConfig struct {
	CredentialsFile string        `yaml:"credentialsFile"`
	FreshFor        time.Duration `yaml:"freshFor"`
	RefreshTimeout  time.Duration `yaml:"refreshTimeout"`
}

type SyncConfig struct {
	PageSize  int `yaml:"pageSize"`
	MaxCached int `yaml:"maxCached"`
	MaxPages  int `yaml:"maxPages"`
}

type AutoActionConfig struct {
	MaxPerRun  int      `yaml:"maxPerRun"`
	LedgerSize int      `yaml:"ledgerSize"`
	Kinds      []string `yaml:"kinds"`
}

type ActionsConfig struct {
	OpenCommand   []string      `yaml:"openCommand"`
	NotifyCommand []string      `yaml:"notifyCommand"`
	NotifyRate    float64       `yaml:"notifyRate"`
	NotifyBurst   int           `yaml:"notifyBurst"`
	Timeout       time.Duration `yaml:"timeout"`
}

type LifecycleConfig struct {
	PollInterval           time.Duration `yaml:"pollInterval"`
	PollJitter             float64       `yaml:"pollJitter"`
	RecoveryDelay          time.Duration `yaml:"recoveryDelay"`
	MaxConsecutiveFailures int           `yaml:"maxConsecutiveFailures"`
}

type KeepaliveConfig struct {
	Interval time.Duration `yaml:"interval"`
	// Watchdog pings systemd through $NOTIFY_SOCKET while work is in flight.
	Watchdog bool `yaml:"watchdog"`
}

type ControlConfig struct {
	Addr  string `yaml:"addr"`
	Token string `yaml:"token"`
	// RateLimit is the number of requests a client may make per
	// RateLimitWindow. Zero disables limiting.
	RateLimit       int           `yaml:"rateLimit"`
	RateLimitWindow time.Duration `yaml:"rateLimitWindow"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	return Config{
		API: APIConfig{
			BaseURL: "https://api.pushbullet.com",
			Timeout: 15 * time.Second,
		},
		Stream: StreamConfig{
			URL:            "wss://stream.pushbullet.com/websocket",
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
			StaleAfter:     90 * time.Second,
			DialTimeout:    15 * time.Second,
			ProbeInterval:  time.Minute,
			ReadLimit:      1 << 20,
		},
		Storage: StorageConfig{
			StateDir: defaultStateDir(),
		},
		Session: SessionConfig{
			FreshFor:       10 * time.Minute,
			RefreshTimeout: 30 * time.Second,
		},
		Sync: SyncConfig{
			PageSize:  100,
			MaxCached: 50,
			MaxPages:  50,
		},
		AutoAction: AutoActionConfig{
			MaxPerRun:  5,
			LedgerSize: 100,
			Kinds:      []string{"link"},
		},
		Actions: ActionsConfig{
			NotifyRate:  1,
			NotifyBurst: 5,
			Timeout:     10 * time.Second,
		},
		Lifecycle: LifecycleConfig{
			PollInterval:           30 * time.Second,
			PollJitter:             0.2,
			RecoveryDelay:          30 * time.Second,
			MaxConsecutiveFailures: 5,
		},
		Keepalive: KeepaliveConfig{
			Interval: 20 * time.Second,
			Watchdog: true,
		},
		Control: ControlConfig{
			Addr:            "127.0.0.1:7474",
			RateLimit:       120,
			RateLimitWindow: time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func defaultStateDir() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "relaypush")
	}
	return ".relaypush"
}

// Load layers an optional YAML file and then the environment over the
// defaults. A missing file at an explicitly given path is an error.
func Load(path string, getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		path = strings.TrimSpace(getenv(EnvPrefix + "CONFIG"))
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	cfg.resolvePaths()
	return cfg, nil
}

func (c *Config) resolvePaths() {
	if c.Storage.StateDir == "" {
		c.Storage.StateDir = defaultStateDir()
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "file://" + filepath.Join(c.Storage.StateDir, "state.json")
	}
	if c.Session.CredentialsFile != "" && !filepath.IsAbs(c.Session.CredentialsFile) {
		c.Session.CredentialsFile = filepath.Join(c.Storage.StateDir, c.Session.CredentialsFile)
	}
	if c.Storage.SnapshotPath != "" && !filepath.IsAbs(c.Storage.SnapshotPath) {
		c.Storage.SnapshotPath = filepath.Join(c.Storage.StateDir, c.Storage.SnapshotPath)
	}
}

// LockPath is the single-instance lock inside the state directory.
func (c Config) LockPath() string {
	return filepath.Join(c.Storage.StateDir, "relaypush.lock")
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.API.BaseURL) == "" {
		errs = append(errs, errors.New("api.baseURL is required"))
	}
	if strings.TrimSpace(c.Stream.URL) == "" {
		errs = append(errs, errors.New("stream.url is required"))
	}
	positive := map[string]time.Duration{
		"api.timeout":             c.API.Timeout,
		"stream.initialBackoff":   c.Stream.InitialBackoff,
		"stream.maxBackoff":       c.Stream.MaxBackoff,
		"stream.staleAfter":       c.Stream.StaleAfter,
		"stream.dialTimeout":      c.Stream.DialTimeout,
		"stream.probeInterval":    c.Stream.ProbeInterval,
		"session.freshFor":        c.Session.FreshFor,
		"session.refreshTimeout":  c.Session.RefreshTimeout,
		"lifecycle.pollInterval":  c.Lifecycle.PollInterval,
		"lifecycle.recoveryDelay": c.Lifecycle.RecoveryDelay,
		"keepalive.interval":      c.Keepalive.Interval,
		"actions.timeout":         c.Actions.Timeout,
	}
	for _, name := range slices.Sorted(maps.Keys(positive)) {
		if positive[name] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Stream.MaxBackoff > 0 && c.Stream.InitialBackoff > c.Stream.MaxBackoff {
		errs = append(errs, errors.New("stream.initialBackoff must not exceed stream.maxBackoff"))
	}
	if c.Sync.PageSize < 1 || c.Sync.MaxCached < 1 || c.Sync.MaxPages < 1 {
		errs = append(errs, errors.New("sync.pageSize, sync.maxCached and sync.maxPages must be at least 1"))
	}
	if c.AutoAction.MaxPerRun < 1 {
		errs = append(errs, errors.New("autoAction.maxPerRun must be at least 1"))
	}
	if c.AutoAction.LedgerSize < c.AutoAction.MaxPerRun {
		errs = append(errs, errors.New("autoAction.ledgerSize must be at least autoAction.maxPerRun"))
	}
	if c.Lifecycle.MaxConsecutiveFailures < 1 {
		errs = append(errs, errors.New("lifecycle.maxConsecutiveFailures must be at least 1"))
	}
	if c.Lifecycle.PollJitter < 0 || c.Lifecycle.PollJitter > 1 {
		errs = append(errs, errors.New("lifecycle.pollJitter must be between 0 and 1"))
	}
	if c.Actions.NotifyRate <= 0 || c.Actions.NotifyBurst < 1 {
		errs = append(errs, errors.New("actions.notifyRate and actions.notifyBurst must be positive"))
	}
	if c.Control.RateLimit < 0 || (c.Control.RateLimit > 0 && c.Control.RateLimitWindow <= 0) {
		errs = append(errs, errors.New("control.rateLimit must not be negative and needs a positive control.rateLimitWindow"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

func applyEnv(c *Config, getenv func(string) string) error {
	e := envReader{getenv: getenv}
	e.str("BASE_URL", &c.API.BaseURL)
	e.duration("API_TIMEOUT", &c.API.Timeout)
	e.str("STREAM_URL", &c.Stream.URL)
	e.duration("STREAM_INITIAL_BACKOFF", &c.Stream.InitialBackoff)
	e.duration("STREAM_MAX_BACKOFF", &c.Stream.MaxBackoff)
	e.duration("STREAM_STALE_AFTER", &c.Stream.StaleAfter)
	e.duration("STREAM_DIAL_TIMEOUT", &c.Stream.DialTimeout)
	e.duration("STREAM_PROBE_INTERVAL", &c.Stream.ProbeInterval)
	e.integer64("STREAM_READ_LIMIT", &c.Stream.ReadLimit)
	e.str("STATE_DIR", &c.Storage.StateDir)
	e.str("STORE_DSN", &c.Storage.DSN)
	e.str("SNAPSHOT_PATH", &c.Storage.SnapshotPath)
	e.str("CREDENTIALS_FILE", &c.Session.CredentialsFile)
	e.duration("SESSION_FRESH_FOR", &c.Session.FreshFor)
	e.duration("SESSION_REFRESH_TIMEOUT", &c.Session.RefreshTimeout)
	e.integer("SYNC_PAGE_SIZE", &c.Sync.PageSize)
	e.integer("SYNC_MAX_CACHED", &c.Sync.MaxCached)
	e.integer("SYNC_MAX_PAGES", &c.Sync.MaxPages)
	e.integer("AUTO_MAX_PER_RUN", &c.AutoAction.MaxPerRun)
	e.integer("AUTO_LEDGER_SIZE", &c.AutoAction.LedgerSize)
	e.list("AUTO_KINDS", &c.AutoAction.Kinds)
	e.fields("OPEN_COMMAND", &c.Actions.OpenCommand)
	e.fields("NOTIFY_COMMAND", &c.Actions.NotifyCommand)
	e.float("NOTIFY_RATE", &c.Actions.NotifyRate)
	e.integer("NOTIFY_BURST", &c.Actions.NotifyBurst)
	e.duration("ACTION_TIMEOUT", &c.Actions.Timeout)
	e.duration("POLL_INTERVAL", &c.Lifecycle.PollInterval)
	e.float("POLL_JITTER", &c.Lifecycle.PollJitter)
	e.duration("RECOVERY_DELAY", &c.Lifecycle.RecoveryDelay)
	e.integer("MAX_CONSECUTIVE_FAILURES", &c.Lifecycle.MaxConsecutiveFailures)
	e.duration("KEEPALIVE_INTERVAL", &c.Keepalive.Interval)
	e.boolean("KEEPALIVE_WATCHDOG", &c.Keepalive.Watchdog)
	e.str("CONTROL_ADDR", &c.Control.Addr)
	e.str("CONTROL_TOKEN", &c.Control.Token)
	e.integer("CONTROL_RATE_LIMIT", &c.Control.RateLimit)
	e.duration("CONTROL_RATE_LIMIT_WINDOW", &c.Control.RateLimitWindow)
	e.str("LOG_LEVEL", &c.Log.Level)
	e.str("LOG_FORMAT", &c.Log.Format)
	return errors.Join(e.errs...)
}

type envReader struct {
	getenv func(string) string
	errs   []error
}

func (e *envReader) raw(name string) (string, string, bool) {
	key := EnvPrefix + name
	value := strings.TrimSpace(e.getenv(key))
	return key, value, value != ""
}

func (e *envReader) str(name string, dst *string) {
	if _, value, ok := e.raw(name); ok {
		*dst = value
	}
}

func (e *envReader) duration(name string, dst *time.Duration) {
	key, value, ok := e.raw(name)
	if !ok {
		return
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s=%q: %w", key, value, err))
		return
	}
	*dst = parsed
}

func (e *envReader) integer(name string, dst *int) {
	key, value, ok := e.raw(name)
	if !ok {
		return
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s=%q: %w", key, value, err))
		return
	}
	*dst = parsed
}

func (e *envReader) integer64(name string, dst *int64) {
	key, value, ok := e.raw(name)
	if !ok {
		return
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s=%q: %w", key, value, err))
		return
	}
	*dst = parsed
}

func (e *envReader) float(name string, dst *float64) {
	key, value, ok := e.raw(name)
	if !ok {
		return
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s=%q: %w", key, value, err))
		return
	}
	*dst = parsed
}

func (e *envReader) boolean(name string, dst *bool) {
	key, value, ok := e.raw(name)
	if !ok {
		return
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s=%q: %w", key, value, err))
		return
	}
	*dst = parsed
}

// list splits a comma separated value.
func (e *envReader) list(name string, dst *[]string) {
	_, value, ok := e.raw(name)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

// fields splits a command line on whitespace.
func (e *envReader) fields(name string, dst *[]string) {
	if _, value, ok := e.raw(name); ok {
		*dst = strings.Fields(value)
	}
}
