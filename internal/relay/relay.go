package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaypush/internal/actions"
	"github.com/agentworkforce/relaypush/internal/autoaction"
	"github.com/agentworkforce/relaypush/internal/config"
	"github.com/agentworkforce/relaypush/internal/feed"
	"github.com/agentworkforce/relaypush/internal/httpapi"
	"github.com/agentworkforce/relaypush/internal/keepalive"
	"github.com/agentworkforce/relaypush/internal/kvstore"
	"github.com/agentworkforce/relaypush/internal/lifecycle"
	"github.com/agentworkforce/relaypush/internal/metrics"
	"github.com/agentworkforce/relaypush/internal/scheduler"
	"github.com/agentworkforce/relaypush/internal/session"
	"github.com/agentworkforce/relaypush/internal/signalbus"
	"github.com/agentworkforce/relaypush/internal/stream"
	"github.com/agentworkforce/relaypush/internal/syncer"
)

// Options carries the configuration plus optional replacements for the
// components normally built from it.
type Options struct {
	Config config.Config
	Logger *slog.Logger

	KV        kvstore.Store
	Snapshots kvstore.SnapshotStore
	Client    feed.Client
	Dialer    stream.Dialer
	Sink      actions.Sink
	Scheduler scheduler.Scheduler
	Metrics   *metrics.Metrics
}

// Daemon owns every long-lived component of one relaypush process.
type Daemon struct {
	cfg    config.Config
	logger *slog.Logger

	kv       kvstore.Store
	ownsKV   bool
	client   feed.Client
	signals  *signalbus.Bus[stream.Signal]
	stream   *stream.Manager
	session  *session.Store
	syncer   *syncer.Engine
	pipeline *autoaction.Pipeline
	sink     actions.Sink
	keeper   *keepalive.Keeper
	machine  *lifecycle.Machine
	metrics  *metrics.Metrics
	worker   *worker
	watcher  *session.CredentialWatcher
	server   *httpapi.Server

	unsubscribe []func()

	addrMu sync.Mutex
	addr   string
}

func New(opts Options) (*Daemon, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	d := &Daemon{cfg: cfg, logger: logger, metrics: opts.Metrics}
	if d.metrics == nil {
		d.metrics = metrics.New()
	}

	d.kv = opts.KV
	if d.kv == nil {
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return nil, fmt.Errorf("storage dsn is required")
		}
		kv, err := kvstore.BuildFromDSN(cfg.Storage.DSN)
		if err != nil {
			return nil, fmt.Errorf("open state store: %w", err)
		}
		d.kv = kv
		d.ownsKV = true
	}
	snapshots := opts.Snapshots
	if snapshots == nil {
		if cfg.Storage.SnapshotPath != "" {
			snapshots = kvstore.NewFileSnapshotStore(cfg.Storage.SnapshotPath)
		} else {
			snapshots = kvstore.NewKVSnapshotStore(d.kv, "")
		}
	}

	sched := opts.Scheduler
	if sched == nil {
		sched = scheduler.NewClock()
	}

	tokens := func() string {
		if d.session == nil {
			return ""
		}
		return d.session.Token()
	}
	d.client = opts.Client
	if d.client == nil {
		d.client = feed.NewHTTPClient(cfg.API.BaseURL, tokens, &http.Client{Timeout: cfg.API.Timeout})
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &stream.WebsocketDialer{URL: cfg.Stream.URL, Token: tokens, ReadLimit: cfg.Stream.ReadLimit}
	}

	d.signals = signalbus.New[stream.Signal](logger.With("component", "signals"))
	manager, err := stream.NewManager(stream.Options{
		Dialer:         dialer,
		Scheduler:      sched,
		Signals:        d.signals,
		InitialBackoff: cfg.Stream.InitialBackoff,
		MaxBackoff:     cfg.Stream.MaxBackoff,
		StaleAfter:     cfg.Stream.StaleAfter,
		DialTimeout:    cfg.Stream.DialTimeout,
		Logger:         logger.With("component", "stream"),
	})
	if err != nil {
		return nil, d.abort(err)
	}
	d.stream = manager

	d.session, err = session.NewStore(session.Options{
		KV:             d.kv,
		Snapshots:      snapshots,
		Client:         d.client,
		Connector:      manager,
		FreshFor:       cfg.Session.FreshFor,
		RefreshTimeout: cfg.Session.RefreshTimeout,
		Logger:         logger.With("component", "session"),
	})
	if err != nil {
		return nil, d.abort(err)
	}

	d.syncer, err = syncer.New(syncer.Options{
		KV:        d.kv,
		Client:    d.client,
		Cache:     d.session,
		PageSize:  cfg.Sync.PageSize,
		MaxCached: cfg.Sync.MaxCached,
		MaxPages:  cfg.Sync.MaxPages,
		Logger:    logger.With("component", "syncer"),
	})
	if err != nil {
		return nil, d.abort(err)
	}

	d.sink = opts.Sink
	if d.sink == nil {
		d.sink, err = buildSink(cfg.Actions, logger.With("component", "actions"))
		if err != nil {
			return nil, d.abort(err)
		}
	}

	d.pipeline, err = autoaction.New(autoaction.Options{
		KV:         d.kv,
		Sink:       d.sink,
		Dismisser:  d.client,
		Settings:   d.session.Settings,
		MaxPerRun:  cfg.AutoAction.MaxPerRun,
		LedgerSize: cfg.AutoAction.LedgerSize,
		Kinds:      cfg.AutoAction.Kinds,
		Logger:     logger.With("component", "autoaction"),
	})
	if err != nil {
		return nil, d.abort(err)
	}

	var pinger keepalive.Pinger = keepalive.NopPinger{}
	if cfg.Keepalive.Watchdog {
		pinger = keepalive.NewSystemdPinger()
	}
	d.keeper = keepalive.New(sched, pinger, cfg.Keepalive.Interval, logger.With("component", "keepalive"))

	d.worker = &worker{
		session:  d.session,
		syncer:   d.syncer,
		pipeline: d.pipeline,
		sink:     d.sink,
		metrics:  d.metrics,
		now:      time.Now,
		logger:   logger.With("component", "worker"),
	}

	d.machine, err = lifecycle.New(lifecycle.Options{
		KV:                     d.kv,
		Session:                d.session,
		Stream:                 manager,
		Worker:                 d.worker,
		Scheduler:              sched,
		Keeper:                 d.keeper,
		PollInterval:           cfg.Lifecycle.PollInterval,
		PollJitterRatio:        cfg.Lifecycle.PollJitter,
		ProbeInterval:          cfg.Stream.ProbeInterval,
		RecoveryDelay:          cfg.Lifecycle.RecoveryDelay,
		MaxConsecutiveFailures: cfg.Lifecycle.MaxConsecutiveFailures,
		Logger:                 logger.With("component", "lifecycle"),
	})
	if err != nil {
		return nil, d.abort(err)
	}

	d.unsubscribe = append(d.unsubscribe,
		d.signals.Subscribe(func(s stream.Signal) {
			d.metrics.ObserveSignal(s)
			d.machine.HandleSignal(s)
		}),
		d.machine.Subscribe(d.metrics.ObserveChange),
	)

	if path := strings.TrimSpace(cfg.Session.CredentialsFile); path != "" {
		d.watcher, err = session.NewCredentialWatcher(path, d.session, func(session.Credentials) {
			d.credentialsChanged()
		}, logger.With("component", "credentials"))
		if err != nil {
			return nil, d.abort(err)
		}
	}

	if strings.TrimSpace(cfg.Control.Addr) != "" {
		d.server = httpapi.NewServer(d.machine, d, d.metrics, httpapi.ServerConfig{
			Token:           cfg.Control.Token,
			RateLimitMax:    cfg.Control.RateLimit,
			RateLimitWindow: cfg.Control.RateLimitWindow,
			Logger:          logger.With("component", "httpapi"),
		})
	}
	return d, nil
}

func buildSink(cfg config.ActionsConfig, logger *slog.Logger) (actions.Sink, error) {
	if len(cfg.OpenCommand) == 0 && len(cfg.NotifyCommand) == 0 {
		return actions.LogSink{Logger: logger}, nil
	}
	sink, err := actions.NewCommandSink(actions.CommandOptions{
		OpenCommand:   cfg.OpenCommand,
		NotifyCommand: cfg.NotifyCommand,
		NotifyRate:    cfg.NotifyRate,
		NotifyBurst:   cfg.NotifyBurst,
		Timeout:       cfg.Timeout,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build action sink: %w", err)
	}
	return sink, nil
}

func (d *Daemon) abort(err error) error {
	if d.signals != nil {
		d.signals.Close()
	}
	if d.ownsKV {
		_ = kvstore.Close(d.kv)
	}
	return err
}

// Handler exposes the control API. It is nil when the control address is
// empty.
func (d *Daemon) Handler() http.Handler {
	if d.server == nil {
		return nil
	}
	return d.server
}

// Addr is the bound control address once Run is listening.
func (d *Daemon) Addr() string {
	d.addrMu.Lock()
	defer d.addrMu.Unlock()
	return d.addr
}

// Run restores the persisted lifecycle state, serves the control API and
// blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.shutdown()

	if d.watcher != nil {
		if err := d.watcher.Start(ctx); err != nil {
			return fmt.Errorf("watch credentials: %w", err)
		}
	}
	state, err := d.machine.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore lifecycle: %w", err)
	}
	d.metrics.SetState(state)
	d.logger.Info("relaypush started", "state", state)

	serveErr := make(chan error, 1)
	var httpServer *http.Server
	if d.server != nil {
		ln, err := net.Listen("tcp", d.cfg.Control.Addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", d.cfg.Control.Addr, err)
		}
		d.addrMu.Lock()
		d.addr = ln.Addr().String()
		d.addrMu.Unlock()
		httpServer = &http.Server{Handler: d.server, ReadHeaderTimeout: 10 * time.Second}
		d.logger.Info("control api listening", "addr", d.addr)
		go func() {
			if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		d.logger.Error("control api failed", "err", err)
	}

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			d.logger.Warn("control api shutdown failed", "err", err)
		}
	}
	return err
}

func (d *Daemon) shutdown() {
	if d.watcher != nil {
		if err := d.watcher.Close(); err != nil {
			d.logger.Warn("close credential watcher failed", "err", err)
		}
	}
	for _, unsubscribe := range d.unsubscribe {
		unsubscribe()
	}
	d.machine.Close()
	d.stream.Disconnect()
	d.signals.Close()
	d.session.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if d.session.Credentials().Valid() {
		if err := d.session.Persist(ctx); err != nil {
			d.logger.Warn("persist session on shutdown failed", "err", err)
		}
	}
	if d.ownsKV {
		if err := kvstore.Close(d.kv); err != nil {
			d.logger.Warn("close state store failed", "err", err)
		}
	}
	d.logger.Info("relaypush stopped")
}

// SyncNow runs one sync pass outside the lifecycle's own schedule.
func (d *Daemon) SyncNow(ctx context.Context) error {
	return d.worker.Sync(ctx, "manual")
}

// StoreCredentials persists credentials without touching the lifecycle.
// Called before Run, the cold start picks them up.
func (d *Daemon) StoreCredentials(ctx context.Context, creds session.Credentials) error {
	return d.session.SetCredentials(ctx, creds)
}

// UpdateCredentials stores new credentials and lets the lifecycle pick
// them up.
func (d *Daemon) UpdateCredentials(ctx context.Context, creds session.Credentials) error {
	if err := d.session.SetCredentials(ctx, creds); err != nil {
		return err
	}
	d.credentialsChanged()
	return nil
}

// credentialsChanged starts a session from IDLE or ERROR. A running session
// only needs the socket re-handshaken with the new token. While
// initializing, a socket already opened with the old token is dropped and
// READY reopens it.
func (d *Daemon) credentialsChanged() {
	switch d.machine.CurrentState() {
	case lifecycle.Idle, lifecycle.Error:
		d.machine.Transition(lifecycle.EventCredentialsAvailable, lifecycle.Payload{Detail: "credentials changed"})
	case lifecycle.Initializing, lifecycle.Ready, lifecycle.Degraded, lifecycle.Reconnecting:
		d.stream.ForceReconnect()
	}
}
