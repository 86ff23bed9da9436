package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/agentworkforce/relaypush/internal/feed"
	"github.com/agentworkforce/relaypush/internal/kvstore"
	"github.com/agentworkforce/relaypush/internal/session"
)

const KeyCutoff = "sync.cutoff"

// CacheUpdater applies a mutation to the session cache atomically.
type CacheUpdater interface {
	Update(fn func(c *session.Cache))
}

type Options struct {
	KV        kvstore.Store
	Client    feed.Client
	Cache     CacheUpdater
	PageSize  int
	MaxCached int
	MaxPages  int
	Logger    *slog.Logger
}

// Result of one pass. Items are the fetched events in feed order; Added is
// the subset not previously cached. Both are empty on a seed run.
type Result struct {
	Items     []feed.Item
	Added     []feed.Item
	IsSeedRun bool
	Cutoff    int64
}

type Engine struct {
	kv        kvstore.Store
	client    feed.Client
	cache     CacheUpdater
	pageSize  int
	maxCached int
	maxPages  int
	logger    *slog.Logger

	mu sync.Mutex
}

func New(opts Options) (*Engine, error) {
	if opts.KV == nil {
		return nil, fmt.Errorf("kv store is required")
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("feed client is required")
	}
	if opts.Cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	e := &Engine{
		kv:        opts.KV,
		client:    opts.Client,
		cache:     opts.Cache,
		pageSize:  opts.PageSize,
		maxCached: opts.MaxCached,
		maxPages:  opts.MaxPages,
		logger:    opts.Logger,
	}
	if e.pageSize <= 0 {
		e.pageSize = 100
	}
	if e.maxCached <= 0 {
		e.maxCached = 50
	}
	if e.maxPages <= 0 {
		e.maxPages = 50
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return e, nil
}

// Sync runs one pass from the stored cutoff.
func (e *Engine) Sync(ctx context.Context) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cutoff, err := e.loadCutoff(ctx)
	if err != nil {
		return Result{}, err
	}
	return e.syncLocked(ctx, cutoff)
}

// SyncSince runs one pass from an explicit cutoff. A zero cutoff is a seed
// run.
func (e *Engine) SyncSince(ctx context.Context, cutoff int64) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncLocked(ctx, cutoff)
}

func (e *Engine) Cutoff(ctx context.Context) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadCutoff(ctx)
}

// Reset forgets the cutoff so the next pass seeds again.
func (e *Engine) Reset(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.kv.Remove(ctx, KeyCutoff)
}

func (e *Engine) syncLocked(ctx context.Context, cutoff int64) (Result, error) {
	if cutoff <= 0 {
		return e.seedLocked(ctx)
	}
	items, err := e.fetchAfter(ctx, cutoff)
	if errors.Is(err, feed.ErrInvalidCursor) {
		e.logger.Warn("sync cutoff rejected upstream, reseeding", "cutoff", cutoff)
		if err := e.kv.Remove(ctx, KeyCutoff); err != nil {
			return Result{}, fmt.Errorf("clear cutoff: %w", err)
		}
		return e.seedLocked(ctx)
	}
	if err != nil {
		return Result{}, err
	}
	stored, err := e.loadCutoff(ctx)
	if err != nil {
		return Result{}, err
	}

	next := max(cutoff, stored)
	if observed := feed.MaxModified(items); observed > next {
		next = observed
	}
	var added []feed.Item
	e.cache.Update(func(c *session.Cache) {
		c.RecentItems, added = Merge(c.RecentItems, items, e.maxCached)
		c.Cutoff = next
	})
	if next > stored {
		if err := e.storeCutoff(ctx, next); err != nil {
			return Result{}, err
		}
	}
	e.logger.Debug("sync pass complete", "fetched", len(items), "added", len(added), "cutoff", next)
	return Result{Items: items, Added: added, Cutoff: next}, nil
}

// seedLocked establishes the cutoff from the current feed without
// reporting anything as new. The cache is still filled for display.
func (e *Engine) seedLocked(ctx context.Context) (Result, error) {
	items, err := e.fetchAfter(ctx, 0)
	if err != nil {
		return Result{}, err
	}
	stored, err := e.loadCutoff(ctx)
	if err != nil {
		return Result{}, err
	}
	next := stored
	if observed := feed.MaxModified(items); observed > next {
		next = observed
	}
	e.cache.Update(func(c *session.Cache) {
		c.RecentItems, _ = Merge(c.RecentItems, items, e.maxCached)
		c.Cutoff = next
	})
	if next > stored {
		if err := e.storeCutoff(ctx, next); err != nil {
			return Result{}, err
		}
	}
	e.logger.Info("sync seed run complete", "observed", len(items), "cutoff", next)
	return Result{IsSeedRun: true, Cutoff: next}, nil
}

func (e *Engine) fetchAfter(ctx context.Context, cutoff int64) ([]feed.Item, error) {
	var out []feed.Item
	cursor := cutoff
	for page := 0; page < e.maxPages; page++ {
		items, err := e.client.FetchSince(ctx, cursor, e.pageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
		if len(items) < e.pageSize {
			return out, nil
		}
		last := feed.MaxModified(items)
		if last <= cursor {
			return out, nil
		}
		cursor = last
	}
	e.logger.Warn("sync page limit reached", "pages", e.maxPages, "cutoff", cutoff)
	return out, nil
}

func (e *Engine) loadCutoff(ctx context.Context) (int64, error) {
	raw, ok, err := e.kv.Get(ctx, KeyCutoff)
	if err != nil {
		return 0, fmt.Errorf("load cutoff: %w", err)
	}
	if !ok {
		return 0, nil
	}
	cutoff, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		e.logger.Warn("ignoring malformed sync cutoff", "value", string(raw))
		return 0, nil
	}
	return cutoff, nil
}

func (e *Engine) storeCutoff(ctx context.Context, cutoff int64) error {
	if err := e.kv.Set(ctx, KeyCutoff, []byte(strconv.FormatInt(cutoff, 10))); err != nil {
		return fmt.Errorf("store cutoff: %w", err)
	}
	return nil
}

// Merge upserts incoming into existing, which is most-recent first. Known
// items are patched in place, new ones are prepended in feed order and
// inactive ones are dropped. The result is capped at limit entries.
func Merge(existing, incoming []feed.Item, limit int) ([]feed.Item, []feed.Item) {
	merged := append([]feed.Item(nil), existing...)
	var added []feed.Item
	for _, item := range incoming {
		idx := -1
		for i := range merged {
			if merged[i].ID == item.ID {
				idx = i
				break
			}
		}
		switch {
		case !item.Active && idx >= 0:
			merged = append(merged[:idx], merged[idx+1:]...)
		case !item.Active:
		case idx >= 0:
			merged[idx] = item
		default:
			merged = append([]feed.Item{item}, merged...)
			added = append(added, item)
		}
	}
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, added
}
