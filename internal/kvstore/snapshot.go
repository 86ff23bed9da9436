package kvstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// SnapshotStore holds one structured document used for cold-start
// hydration. Load returns nil when nothing has been saved.
type SnapshotStore interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
	Clear(ctx context.Context) error
}

type FileSnapshotStore struct {
	Path string
}

func NewFileSnapshotStore(path string) *FileSnapshotStore {
	return &FileSnapshotStore{Path: strings.TrimSpace(path)}
}

func (s *FileSnapshotStore) Load(context.Context) ([]byte, error) {
	if s == nil || s.Path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func (s *FileSnapshotStore) Save(_ context.Context, data []byte) error {
	if s == nil || s.Path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return err
	}
	return WriteFileAtomic(s.Path, data, 0o600)
}

func (s *FileSnapshotStore) Clear(context.Context) error {
	if s == nil || s.Path == "" {
		return nil
	}
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// KVSnapshotStore keeps the snapshot under a single key of a Store.
type KVSnapshotStore struct {
	Store Store
	Key   string
}

func NewKVSnapshotStore(store Store, key string) *KVSnapshotStore {
	if strings.TrimSpace(key) == "" {
		key = "session.snapshot"
	}
	return &KVSnapshotStore{Store: store, Key: key}
}

func (s *KVSnapshotStore) Load(ctx context.Context) ([]byte, error) {
	data, ok, err := s.Store.Get(ctx, s.Key)
	if err != nil || !ok {
		return nil, err
	}
	return data, nil
}

func (s *KVSnapshotStore) Save(ctx context.Context, data []byte) error {
	return s.Store.Set(ctx, s.Key, data)
}

func (s *KVSnapshotStore) Clear(ctx context.Context) error {
	return s.Store.Remove(ctx, s.Key)
}

type InMemorySnapshotStore struct {
	mu   sync.Mutex
	data []byte
}

func NewInMemorySnapshotStore() *InMemorySnapshotStore {
	return &InMemorySnapshotStore{}
}

func (s *InMemorySnapshotStore) Load(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil, nil
	}
	return append([]byte(nil), s.data...), nil
}

func (s *InMemorySnapshotStore) Save(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append([]byte(nil), data...)
	return nil
}

func (s *InMemorySnapshotStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = nil
	return nil
}
