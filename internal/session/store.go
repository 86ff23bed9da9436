package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/agentworkforce/relaypush/internal/feed"
	"github.com/agentworkforce/relaypush/internal/kvstore"
)

var ErrNoCredentials = errors.New("no credentials")

// ErrSessionReset reports an initialization overtaken by Reset. Its result
// was discarded.
var ErrSessionReset = errors.New("session reset during initialization")

const (
	KeyCredentials = "credentials"
	KeySettings    = "settings"
)

// Connector opens the feed stream. Connect must be idempotent.
type Connector interface {
	Connect(ctx context.Context) error
}

type Options struct {
	KV        kvstore.Store
	Snapshots kvstore.SnapshotStore
	Client    feed.Client
	Connector Connector
	// FreshFor is the snapshot age below which hydration alone completes
	// initialization.
	FreshFor       time.Duration
	RefreshTimeout time.Duration
	Now            func() time.Time
	Logger         *slog.Logger
}

type Store struct {
	kv             kvstore.Store
	snapshots      kvstore.SnapshotStore
	client         feed.Client
	connector      Connector
	freshFor       time.Duration
	refreshTimeout time.Duration
	now            func() time.Time
	logger         *slog.Logger
	codec          *snapshotCodec

	group      singleflight.Group
	background sync.WaitGroup
	saveMu     sync.Mutex

	mu       sync.RWMutex
	cache    Cache
	creds    Credentials
	settings Settings
	// epoch is bumped by Reset; work started under an older epoch must not
	// write back.
	epoch uint64
}

func NewStore(opts Options) (*Store, error) {
	if opts.KV == nil {
		return nil, fmt.Errorf("kv store is required")
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("feed client is required")
	}
	if opts.Connector == nil {
		return nil, fmt.Errorf("connector is required")
	}
	codec, err := newSnapshotCodec()
	if err != nil {
		return nil, err
	}
	snapshots := opts.Snapshots
	if snapshots == nil {
		snapshots = kvstore.NewKVSnapshotStore(opts.KV, "")
	}
	s := &Store{
		kv:             opts.KV,
		snapshots:      snapshots,
		client:         opts.Client,
		connector:      opts.Connector,
		freshFor:       opts.FreshFor,
		refreshTimeout: opts.RefreshTimeout,
		now:            opts.Now,
		logger:         opts.Logger,
		codec:          codec,
		settings:       DefaultSettings(),
	}
	if s.freshFor <= 0 {
		s.freshFor = 10 * time.Minute
	}
	if s.refreshTimeout <= 0 {
		s.refreshTimeout = 30 * time.Second
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s, nil
}

// Initialize loads credentials, populates the cache and opens the stream.
// Concurrent callers share one in-flight run and its outcome. Cancelling
// ctx stops the wait, not the run.
func (s *Store) Initialize(ctx context.Context, trigger string) (Credentials, error) {
	epoch := s.currentEpoch()
	ch := s.group.DoChan("initialize:"+strconv.FormatUint(epoch, 10), func() (any, error) {
		return s.initialize(context.WithoutCancel(ctx), trigger, epoch)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Credentials{}, res.Err
		}
		return res.Val.(Credentials), nil
	case <-ctx.Done():
		return Credentials{}, ctx.Err()
	}
}

func (s *Store) initialize(ctx context.Context, trigger string, epoch uint64) (Credentials, error) {
	logger := s.logger.With("trigger", trigger)
	creds, settings, err := s.loadDurable(ctx)
	if err != nil {
		return Credentials{}, err
	}
	if !creds.Valid() {
		return Credentials{}, ErrNoCredentials
	}
	if !s.apply(epoch, func() {
		s.creds = creds
		s.settings = settings
	}) {
		return Credentials{}, ErrSessionReset
	}

	cached, hydrated := s.hydrate(ctx)
	if hydrated && s.now().Sub(cached.CachedAt) < s.freshFor {
		if !s.apply(epoch, func() { s.cache = cached }) {
			return Credentials{}, ErrSessionReset
		}
		logger.Info("session hydrated from snapshot", "cachedAt", cached.CachedAt)
		if err := s.connector.Connect(ctx); err != nil {
			logger.Warn("stream connect after hydration failed", "err", err)
		}
		s.refreshInBackground(ctx, epoch)
		return creds, nil
	}
	if hydrated {
		// Serve the stale snapshot while the fetch runs.
		cached.Authenticated = false
		if !s.apply(epoch, func() { s.cache = cached }) {
			return Credentials{}, ErrSessionReset
		}
	}

	var account feed.Account
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if s.currentEpoch() != epoch {
			return nil
		}
		if err := s.connector.Connect(gctx); err != nil {
			logger.Warn("stream connect during initialization failed", "err", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		account, err = s.client.FetchAll(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		if !s.apply(epoch, func() { s.cache.Authenticated = false }) {
			return Credentials{}, ErrSessionReset
		}
		return Credentials{}, fmt.Errorf("fetch account: %w", err)
	}
	if !s.applyAccount(epoch, account) {
		return Credentials{}, ErrSessionReset
	}
	if err := s.persistEpoch(ctx, epoch); errors.Is(err, ErrSessionReset) {
		return Credentials{}, err
	} else if err != nil {
		logger.Warn("persist session snapshot failed", "err", err)
	}
	logger.Info("session initialized", "user", account.User.ID, "devices", len(account.Devices))
	return creds, nil
}

func (s *Store) loadDurable(ctx context.Context) (Credentials, Settings, error) {
	var creds Credentials
	if _, err := kvstore.GetJSON(ctx, s.kv, KeyCredentials, &creds); err != nil {
		return Credentials{}, Settings{}, fmt.Errorf("load credentials: %w", err)
	}
	settings := DefaultSettings()
	if _, err := kvstore.GetJSON(ctx, s.kv, KeySettings, &settings); err != nil {
		return Credentials{}, Settings{}, fmt.Errorf("load settings: %w", err)
	}
	return creds, settings, nil
}

func (s *Store) hydrate(ctx context.Context) (Cache, bool) {
	data, err := s.snapshots.Load(ctx)
	if err != nil {
		s.logger.Warn("load session snapshot failed", "err", err)
		return Cache{}, false
	}
	if data == nil {
		return Cache{}, false
	}
	cache, err := s.codec.decode(data)
	if err != nil {
		s.logger.Warn("discarding session snapshot", "err", err)
		return Cache{}, false
	}
	return cache, true
}

func (s *Store) refreshInBackground(parent context.Context, epoch uint64) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.refreshTimeout)
		defer cancel()
		account, err := s.client.FetchAll(ctx)
		if err != nil {
			s.logger.Warn("background session refresh failed", "err", err)
			return
		}
		if !s.applyAccount(epoch, account) {
			s.logger.Debug("dropping session refresh after reset")
			return
		}
		if err := s.persistEpoch(ctx, epoch); err != nil && !errors.Is(err, ErrSessionReset) {
			s.logger.Warn("persist session snapshot failed", "err", err)
		}
	}()
}

// Wait blocks until background refreshes have finished.
func (s *Store) Wait() {
	s.background.Wait()
}

func (s *Store) currentEpoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

// apply runs fn under the store lock if no Reset happened since epoch.
func (s *Store) apply(epoch uint64, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return false
	}
	fn()
	return true
}

func (s *Store) applyAccount(epoch uint64, account feed.Account) bool {
	now := s.now()
	return s.apply(epoch, func() {
		s.cache.User = account.User
		s.cache.Devices = append([]feed.Device(nil), account.Devices...)
		s.cache.Authenticated = true
		s.cache.LastUpdated = now
		s.cache.CachedAt = now
	})
}

// Persist writes the current cache as the cold-start snapshot.
func (s *Store) Persist(ctx context.Context) error {
	return s.persistEpoch(ctx, s.currentEpoch())
}

// persistEpoch holds saveMu across the save so a concurrent Reset cannot
// clear the snapshot between the epoch check and the write.
func (s *Store) persistEpoch(ctx context.Context, epoch uint64) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	var cache Cache
	if !s.apply(epoch, func() {
		s.cache.CachedAt = s.now()
		cache = s.cache.Clone()
	}) {
		return ErrSessionReset
	}
	data, err := s.codec.encode(cache)
	if err != nil {
		return err
	}
	return s.snapshots.Save(ctx, data)
}

// Update mutates the cache under the store lock.
func (s *Store) Update(fn func(c *Cache)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.cache)
	s.cache.LastUpdated = s.now()
}

func (s *Store) Snapshot() Cache {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache.Clone()
}

// MarkDismissed flags a cached item as dismissed. It reports whether the
// item was cached.
func (s *Store) MarkDismissed(id string) bool {
	found := false
	s.Update(func(c *Cache) {
		for i := range c.RecentItems {
			if c.RecentItems[i].ID == id {
				c.RecentItems[i].Dismissed = true
				found = true
			}
		}
	})
	return found
}

func (s *Store) Credentials() Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds
}

// Token returns the current access token.
func (s *Store) Token() string {
	return s.Credentials().Token
}

func (s *Store) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

func (s *Store) SetCredentials(ctx context.Context, creds Credentials) error {
	if !creds.Valid() {
		return ErrNoCredentials
	}
	if err := kvstore.SetJSON(ctx, s.kv, KeyCredentials, creds); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	s.mu.Lock()
	s.creds = creds
	s.mu.Unlock()
	return nil
}

func (s *Store) SetSettings(ctx context.Context, settings Settings) error {
	if err := kvstore.SetJSON(ctx, s.kv, KeySettings, settings); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
	return nil
}

// HasCredentials reports whether durable storage holds usable credentials.
func (s *Store) HasCredentials(ctx context.Context) (bool, error) {
	var creds Credentials
	ok, err := kvstore.GetJSON(ctx, s.kv, KeyCredentials, &creds)
	if err != nil {
		return false, err
	}
	return ok && creds.Valid(), nil
}

// Reset drops credentials, settings and the snapshot and empties the cache.
// Initialization and refreshes already in flight discard their results.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	s.epoch++
	s.mu.Unlock()
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	var errs []error
	for _, key := range []string{KeyCredentials, KeySettings} {
		if err := s.kv.Remove(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", key, err))
		}
	}
	if err := s.snapshots.Clear(ctx); err != nil {
		errs = append(errs, fmt.Errorf("clear snapshot: %w", err))
	}
	s.mu.Lock()
	s.cache = Cache{}
	s.creds = Credentials{}
	s.settings = DefaultSettings()
	s.mu.Unlock()
	return errors.Join(errs...)
}
