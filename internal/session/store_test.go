package session

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/relaypush/internal/feed"
	"github.com/agentworkforce/relaypush/internal/kvstore"
)

type countingConnector struct {
	calls atomic.Int32
}

func (c *countingConnector) Connect(context.Context) error {
	c.calls.Add(1)
	return nil
}

var testAccount = feed.Account{
	User:    feed.User{ID: "u1", Email: "user@example.com"},
	Devices: []feed.Device{{ID: "d1", Nickname: "laptop", Active: true}},
}

type fixture struct {
	kv        *kvstore.InMemoryStore
	snapshots *kvstore.InMemorySnapshotStore
	client    *feed.MemoryClient
	connector *countingConnector
	store     *Store
	now       time.Time
}

func newFixture(t *testing.T, withCreds bool) *fixture {
	t.Helper()
	f := &fixture{
		kv:        kvstore.NewInMemoryStore(),
		snapshots: kvstore.NewInMemorySnapshotStore(),
		client:    feed.NewMemoryClient(testAccount),
		connector: &countingConnector{},
		now:       time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	if withCreds {
		if err := kvstore.SetJSON(context.Background(), f.kv, KeyCredentials, Credentials{Token: "tok", DeviceID: "d1"}); err != nil {
			t.Fatalf("seed credentials: %v", err)
		}
	}
	store, err := NewStore(Options{
		KV:        f.kv,
		Snapshots: f.snapshots,
		Client:    f.client,
		Connector: f.connector,
		FreshFor:  5 * time.Minute,
		Now:       func() time.Time { return f.now },
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	f.store = store
	return f
}

func (f *fixture) saveSnapshot(t *testing.T, cache Cache) {
	t.Helper()
	data, err := json.Marshal(cache)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	if err := f.snapshots.Save(context.Background(), data); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}
}

func TestInitializeConcurrentCallersShareOneFetch(t *testing.T) {
	f := newFixture(t, true)
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	f.client.FetchAllHook = func(context.Context) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make([]Credentials, callers)
	errs := make([]error, callers)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = f.store.Initialize(context.Background(), "cold-start")
	}()
	<-entered
	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.store.Initialize(context.Background(), "credentials")
		}(i)
	}
	// Give the joiners a moment to attach to the in-flight call.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := f.client.FetchAllCalls(); got != 1 {
		t.Fatalf("expected exactly one metadata fetch, got %d", got)
	}
	for i := range results {
		if errs[i] != nil || results[i].Token != "tok" {
			t.Fatalf("caller %d: unexpected result %+v err=%v", i, results[i], errs[i])
		}
	}
	snap := f.store.Snapshot()
	if !snap.Authenticated || snap.User.ID != "u1" || len(snap.Devices) != 1 {
		t.Fatalf("unexpected cache after init: %+v", snap)
	}
	if data, _ := f.snapshots.Load(context.Background()); data == nil {
		t.Fatalf("expected snapshot to be persisted")
	}
}

func TestInitializeFailureIsSharedAndRetried(t *testing.T) {
	f := newFixture(t, true)
	boom := errors.New("metadata unavailable")
	f.client.FetchAllErr = boom
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	f.client.FetchAllHook = func(context.Context) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	}

	var wg sync.WaitGroup
	errs := make([]error, 4)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[0] = f.store.Initialize(context.Background(), "a")
	}()
	<-entered
	for i := 1; i < len(errs); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.store.Initialize(context.Background(), "b")
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, boom) {
			t.Fatalf("caller %d: expected shared failure, got %v", i, err)
		}
	}
	if f.store.Snapshot().Authenticated {
		t.Fatalf("expected unauthenticated cache after failure")
	}

	f.client.FetchAllErr = nil
	f.client.FetchAllHook = nil
	if _, err := f.store.Initialize(context.Background(), "retry"); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if got := f.client.FetchAllCalls(); got != 2 {
		t.Fatalf("expected failed run not to be cached, got %d fetches", got)
	}
}

func TestInitializeWithoutCredentials(t *testing.T) {
	f := newFixture(t, false)
	if _, err := f.store.Initialize(context.Background(), "cold-start"); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("expected ErrNoCredentials, got %v", err)
	}
	if f.connector.calls.Load() != 0 || f.client.FetchAllCalls() != 0 {
		t.Fatalf("expected no network activity without credentials")
	}
}

func TestInitializeHydratesFreshSnapshot(t *testing.T) {
	f := newFixture(t, true)
	f.saveSnapshot(t, Cache{
		User:          feed.User{ID: "cached"},
		RecentItems:   []feed.Item{{ID: "p1", Created: 1, Modified: 2}},
		Authenticated: true,
		CachedAt:      f.now.Add(-time.Minute),
	})

	if _, err := f.store.Initialize(context.Background(), "cold-start"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if f.connector.calls.Load() != 1 {
		t.Fatalf("expected stream to be opened once, got %d", f.connector.calls.Load())
	}
	snap := f.store.Snapshot()
	if len(snap.RecentItems) != 1 || snap.RecentItems[0].ID != "p1" {
		t.Fatalf("expected hydrated items, got %+v", snap.RecentItems)
	}
	f.store.Wait()
	if f.client.FetchAllCalls() != 1 {
		t.Fatalf("expected one background refresh, got %d", f.client.FetchAllCalls())
	}
	if got := f.store.Snapshot().User.ID; got != "u1" {
		t.Fatalf("expected background refresh to update user, got %q", got)
	}
}

func TestInitializeFreshSnapshotSurvivesRefreshFailure(t *testing.T) {
	f := newFixture(t, true)
	f.client.FetchAllErr = errors.New("offline")
	f.saveSnapshot(t, Cache{User: feed.User{ID: "cached"}, Authenticated: true, CachedAt: f.now})

	if _, err := f.store.Initialize(context.Background(), "cold-start"); err != nil {
		t.Fatalf("expected hydration to succeed despite refresh failure, got %v", err)
	}
	f.store.Wait()
	snap := f.store.Snapshot()
	if !snap.Authenticated || snap.User.ID != "cached" {
		t.Fatalf("expected cached session to be kept, got %+v", snap)
	}
}

func TestInitializeStaleSnapshotServedOnFailure(t *testing.T) {
	f := newFixture(t, true)
	f.client.FetchAllErr = errors.New("offline")
	f.saveSnapshot(t, Cache{
		RecentItems:   []feed.Item{{ID: "old", Created: 1, Modified: 1}},
		Authenticated: true,
		CachedAt:      f.now.Add(-time.Hour),
	})

	if _, err := f.store.Initialize(context.Background(), "cold-start"); err == nil {
		t.Fatalf("expected initialization failure")
	}
	snap := f.store.Snapshot()
	if snap.Authenticated {
		t.Fatalf("expected authenticated=false after failure")
	}
	if len(snap.RecentItems) != 1 || snap.RecentItems[0].ID != "old" {
		t.Fatalf("expected stale items to still be served, got %+v", snap.RecentItems)
	}
}

func TestInvalidSnapshotIsDiscarded(t *testing.T) {
	f := newFixture(t, true)
	if err := f.snapshots.Save(context.Background(), []byte(`{"authenticated":"yes"}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := f.store.Initialize(context.Background(), "cold-start"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if f.client.FetchAllCalls() != 1 {
		t.Fatalf("expected a full fetch after discarding snapshot")
	}
}

func TestResetClearsSession(t *testing.T) {
	f := newFixture(t, true)
	if _, err := f.store.Initialize(context.Background(), "cold-start"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	f.store.Update(func(c *Cache) {
		c.RecentItems = append(c.RecentItems, feed.Item{ID: "p1"})
	})
	if !f.store.MarkDismissed("p1") || f.store.MarkDismissed("missing") {
		t.Fatalf("unexpected MarkDismissed result")
	}
	if item, _ := f.store.Snapshot().Item("p1"); !item.Dismissed {
		t.Fatalf("expected p1 dismissed")
	}

	if err := f.store.Reset(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if ok, _ := f.store.HasCredentials(context.Background()); ok {
		t.Fatalf("expected credentials removed")
	}
	if data, _ := f.snapshots.Load(context.Background()); data != nil {
		t.Fatalf("expected snapshot cleared")
	}
	snap := f.store.Snapshot()
	if snap.Authenticated || len(snap.RecentItems) != 0 || f.store.Token() != "" {
		t.Fatalf("expected empty session, got %+v", snap)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	f := newFixture(t, true)
	f.store.Update(func(c *Cache) {
		c.RecentItems = []feed.Item{{ID: "p1"}}
	})
	snap := f.store.Snapshot()
	snap.RecentItems[0].ID = "mutated"
	if f.store.Snapshot().RecentItems[0].ID != "p1" {
		t.Fatalf("expected snapshot mutation not to leak into the store")
	}
}

func TestCredentialWatcher(t *testing.T) {
	f := newFixture(t, false)
	path := filepath.Join(t.TempDir(), "creds", "credentials.json")
	changed := make(chan Credentials, 4)
	w, err := NewCredentialWatcher(path, f.store, func(c Credentials) { changed <- c }, nil)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })

	if err := os.WriteFile(path, []byte(`{"token":"fresh","deviceId":"d9"}`), 0o600); err != nil {
		t.Fatalf("write creds: %v", err)
	}
	select {
	case got := <-changed:
		if got.Token != "fresh" || got.DeviceID != "d9" {
			t.Fatalf("unexpected credentials %+v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for credential change")
	}
	if ok, _ := f.store.HasCredentials(context.Background()); !ok {
		t.Fatalf("expected credentials persisted")
	}
}

func TestResetDuringInitializeDiscardsResult(t *testing.T) {
	f := newFixture(t, true)
	entered := make(chan struct{})
	release := make(chan struct{})
	f.client.FetchAllHook = func(context.Context) {
		close(entered)
		<-release
	}

	errc := make(chan error, 1)
	go func() {
		_, err := f.store.Initialize(context.Background(), "cold-start")
		errc <- err
	}()
	<-entered
	if err := f.store.Reset(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	close(release)

	if err := <-errc; !errors.Is(err, ErrSessionReset) {
		t.Fatalf("expected ErrSessionReset, got %v", err)
	}
	if data, _ := f.snapshots.Load(context.Background()); data != nil {
		t.Fatalf("expected no snapshot after reset, got %s", data)
	}
	snap := f.store.Snapshot()
	if snap.Authenticated || snap.User.ID != "" || f.store.Token() != "" {
		t.Fatalf("expected empty session after reset, got %+v", snap)
	}

	// A run started after the reset is not joined to the discarded one.
	f.client.FetchAllHook = nil
	if err := kvstore.SetJSON(context.Background(), f.kv, KeyCredentials, Credentials{Token: "tok2", DeviceID: "d1"}); err != nil {
		t.Fatalf("seed credentials: %v", err)
	}
	if _, err := f.store.Initialize(context.Background(), "credentials"); err != nil {
		t.Fatalf("initialize after reset: %v", err)
	}
	if f.store.Snapshot().User.ID != "u1" {
		t.Fatalf("expected populated cache after re-initialization")
	}
}

func TestBackgroundRefreshAfterResetIsDropped(t *testing.T) {
	f := newFixture(t, true)
	f.saveSnapshot(t, Cache{Authenticated: true, User: feed.User{ID: "u1"}, CachedAt: f.now})
	entered := make(chan struct{})
	release := make(chan struct{})
	f.client.FetchAllHook = func(context.Context) {
		close(entered)
		<-release
	}

	if _, err := f.store.Initialize(context.Background(), "cold-start"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	<-entered
	if err := f.store.Reset(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	close(release)
	f.store.Wait()

	if data, _ := f.snapshots.Load(context.Background()); data != nil {
		t.Fatalf("expected refresh not to rewrite the snapshot, got %s", data)
	}
	if f.store.Snapshot().Authenticated {
		t.Fatalf("expected refresh not to repopulate the cache")
	}
}
