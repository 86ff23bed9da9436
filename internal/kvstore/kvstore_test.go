package kvstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := store.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
	}
	if err := store.Set(ctx, "sync.cutoff", []byte("42")); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := store.Set(ctx, "credentials", []byte(`{"token":"abc"}`)); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	value, ok, err := store.Get(ctx, "sync.cutoff")
	if err != nil || !ok || string(value) != "42" {
		t.Fatalf("expected 42, got %q ok=%v err=%v", string(value), ok, err)
	}
	if err := store.Set(ctx, "sync.cutoff", []byte("43")); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	value, _, _ = store.Get(ctx, "sync.cutoff")
	if string(value) != "43" {
		t.Fatalf("expected overwrite to 43, got %q", string(value))
	}
	if err := store.Remove(ctx, "sync.cutoff"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "sync.cutoff"); ok {
		t.Fatalf("expected key removed")
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "credentials"); ok {
		t.Fatalf("expected clear to drop every key")
	}
	if err := store.Set(ctx, "  ", []byte("x")); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for blank key, got %v", err)
	}
}

func TestInMemoryStore(t *testing.T) {
	exerciseStore(t, NewInMemoryStore())
}

func TestFileStore(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "state", "kv.json"))
	if err != nil {
		t.Fatalf("new file store failed: %v", err)
	}
	exerciseStore(t, store)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.json")
	ctx := context.Background()
	first, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("new file store failed: %v", err)
	}
	if err := SetJSON(ctx, first, "lifecycle.state", map[string]string{"state": "READY"}); err != nil {
		t.Fatalf("set json failed: %v", err)
	}
	if err := first.Set(ctx, "raw", []byte("not json")); err != nil {
		t.Fatalf("set raw failed: %v", err)
	}

	second, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	var got map[string]string
	ok, err := GetJSON(ctx, second, "lifecycle.state", &got)
	if err != nil || !ok {
		t.Fatalf("expected persisted value, ok=%v err=%v", ok, err)
	}
	if got["state"] != "READY" {
		t.Fatalf("expected READY, got %+v", got)
	}
	raw, ok, _ := second.Get(ctx, "raw")
	if !ok || string(raw) != "not json" {
		t.Fatalf("expected raw bytes to round trip, got %q", string(raw))
	}
}

func TestSQLiteStore(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "kv.db"))
	if err != nil {
		t.Fatalf("new sqlite store failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	exerciseStore(t, store)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreFromClient(client, "test:")
	t.Cleanup(func() { _ = store.Close() })

	if err := client.Set(context.Background(), "other:key", "keep", 0).Err(); err != nil {
		t.Fatalf("seed foreign key failed: %v", err)
	}
	exerciseStore(t, store)
	if !mr.Exists("other:key") {
		t.Fatalf("expected clear to leave keys outside the prefix alone")
	}
}

func TestRedisStoreClosed(t *testing.T) {
	mr := miniredis.RunT(t)
	store := NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
	if err := store.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if _, _, err := store.Get(context.Background(), "k"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestBuildFromDSNMemory(t *testing.T) {
	store, err := BuildFromDSN("memory://")
	if err != nil {
		t.Fatalf("build memory store failed: %v", err)
	}
	if _, ok := store.(*InMemoryStore); !ok {
		t.Fatalf("expected *InMemoryStore, got %T", store)
	}
}

func TestBuildFromDSNFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.json")
	store, err := BuildFromDSN("file://" + path)
	if err != nil {
		t.Fatalf("build file store failed: %v", err)
	}
	fileStore, ok := store.(*FileStore)
	if !ok {
		t.Fatalf("expected *FileStore, got %T", store)
	}
	if fileStore.Path() != path {
		t.Fatalf("expected path %s, got %s", path, fileStore.Path())
	}

	bare, err := BuildFromDSN(filepath.Join(t.TempDir(), "bare.json"))
	if err != nil {
		t.Fatalf("build bare path store failed: %v", err)
	}
	if _, ok := bare.(*FileStore); !ok {
		t.Fatalf("expected bare path to build a file store, got %T", bare)
	}
}

func TestBuildFromDSNBackends(t *testing.T) {
	pg, err := BuildFromDSN("postgres://localhost/relaypush?sslmode=disable")
	if err != nil || pg == nil {
		t.Fatalf("expected lazy postgres store, got %v", err)
	}
	rd, err := BuildFromDSN("redis://localhost:6379/0")
	if err != nil || rd == nil {
		t.Fatalf("expected redis store, got %v", err)
	}
	_ = Close(rd)
	if _, err := BuildFromDSN("mysql://localhost/relaypush"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented for mysql, got %v", err)
	}
	if _, err := BuildFromDSN("gopher://x"); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
	if _, err := BuildFromDSN(""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty dsn, got %v", err)
	}
}

func TestRegisterStoreFactory(t *testing.T) {
	scheme := "kvtestcustom"
	RegisterStoreFactory(scheme, func(dsn string) (Store, error) {
		return NewInMemoryStore(), nil
	})
	store, err := BuildFromDSN(scheme + "://example")
	if err != nil {
		t.Fatalf("build via registered factory failed: %v", err)
	}
	if store == nil {
		t.Fatalf("expected non-nil store from registered factory")
	}
}

func TestSnapshotStores(t *testing.T) {
	ctx := context.Background()
	stores := map[string]SnapshotStore{
		"file":   NewFileSnapshotStore(filepath.Join(t.TempDir(), "snap", "session.json")),
		"kv":     NewKVSnapshotStore(NewInMemoryStore(), ""),
		"memory": NewInMemorySnapshotStore(),
	}
	for name, store := range stores {
		data, err := store.Load(ctx)
		if err != nil || data != nil {
			t.Fatalf("%s: expected empty load, got %q err=%v", name, string(data), err)
		}
		if err := store.Save(ctx, []byte(`{"authenticated":true}`)); err != nil {
			t.Fatalf("%s: save failed: %v", name, err)
		}
		data, err = store.Load(ctx)
		if err != nil || string(data) != `{"authenticated":true}` {
			t.Fatalf("%s: unexpected load %q err=%v", name, string(data), err)
		}
		if err := store.Clear(ctx); err != nil {
			t.Fatalf("%s: clear failed: %v", name, err)
		}
		data, _ = store.Load(ctx)
		if data != nil {
			t.Fatalf("%s: expected cleared snapshot, got %q", name, string(data))
		}
	}
}
