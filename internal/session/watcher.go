package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// CredentialWatcher follows a credentials file on disk. Every time the file
// settles with valid contents the credentials are stored and onChange runs.
// The parent directory is watched so editors that replace the file by
// rename are seen too.
type CredentialWatcher struct {
	path     string
	store    *Store
	onChange func(Credentials)
	debounce time.Duration
	logger   *slog.Logger

	fsWatcher *fsnotify.Watcher
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu    sync.Mutex
	timer *time.Timer
}

func NewCredentialWatcher(path string, store *Store, onChange func(Credentials), logger *slog.Logger) (*CredentialWatcher, error) {
	if path == "" {
		return nil, fmt.Errorf("credentials path is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if onChange == nil {
		onChange = func(Credentials) {}
	}
	return &CredentialWatcher{
		path:     filepath.Clean(path),
		store:    store,
		onChange: onChange,
		debounce: 100 * time.Millisecond,
		logger:   logger,
	}, nil
}

// Start loads the file once if it exists and then watches for changes.
func (w *CredentialWatcher) Start(ctx context.Context) error {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		_ = fsWatcher.Close()
		return err
	}
	if err := fsWatcher.Add(dir); err != nil {
		_ = fsWatcher.Close()
		return err
	}
	w.fsWatcher = fsWatcher
	ctx, w.cancel = context.WithCancel(ctx)

	if _, err := os.Stat(w.path); err == nil {
		w.apply(ctx)
	}

	w.wg.Add(1)
	go w.run(ctx)
	return nil
}

func (w *CredentialWatcher) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	var err error
	if w.fsWatcher != nil {
		err = w.fsWatcher.Close()
	}
	w.wg.Wait()
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return err
}

func (w *CredentialWatcher) run(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.schedule(ctx)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("credential watcher error", "err", err)
		}
	}
}

func (w *CredentialWatcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() { w.apply(ctx) })
}

func (w *CredentialWatcher) apply(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	creds, err := readCredentialsFile(w.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			w.logger.Warn("read credentials file failed", "path", w.path, "err", err)
		}
		return
	}
	if creds == w.store.Credentials() {
		return
	}
	if err := w.store.SetCredentials(ctx, creds); err != nil {
		w.logger.Warn("store credentials failed", "err", err)
		return
	}
	w.logger.Info("credentials changed", "path", w.path)
	w.onChange(creds)
}

func readCredentialsFile(path string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, err
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return Credentials{}, fmt.Errorf("parse credentials: %w", err)
	}
	if !creds.Valid() {
		return Credentials{}, ErrNoCredentials
	}
	return creds, nil
}
