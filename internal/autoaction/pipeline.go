package autoaction

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/agentworkforce/relaypush/internal/actions"
	"github.com/agentworkforce/relaypush/internal/feed"
	"github.com/agentworkforce/relaypush/internal/kvstore"
	"github.com/agentworkforce/relaypush/internal/session"
)

const (
	KeyCutoff = "autoaction.cutoff"
	KeyLedger = "autoaction.ledger"
)

// Dismisser marks an item dismissed upstream.
type Dismisser interface {
	Dismiss(ctx context.Context, id string) error
}

type Options struct {
	KV         kvstore.Store
	Sink       actions.Sink
	Dismisser  Dismisser
	Settings   func() session.Settings
	MaxPerRun  int
	LedgerSize int
	// Kinds lists the item kinds eligible for auto-action. Defaults to
	// links.
	Kinds  []string
	Logger *slog.Logger
}

// Report summarises one pass.
type Report struct {
	Acted           []string
	Failed          []string
	Deferred        int
	DismissFailures int
	Cutoff          int64
}

type Pipeline struct {
	kv         kvstore.Store
	sink       actions.Sink
	dismisser  Dismisser
	settings   func() session.Settings
	maxPerRun  int
	ledgerSize int
	kinds      map[string]struct{}
	logger     *slog.Logger

	mu sync.Mutex
}

func New(opts Options) (*Pipeline, error) {
	if opts.KV == nil {
		return nil, fmt.Errorf("kv store is required")
	}
	if opts.Sink == nil {
		return nil, fmt.Errorf("action sink is required")
	}
	p := &Pipeline{
		kv:         opts.KV,
		sink:       opts.Sink,
		dismisser:  opts.Dismisser,
		settings:   opts.Settings,
		maxPerRun:  opts.MaxPerRun,
		ledgerSize: opts.LedgerSize,
		kinds:      map[string]struct{}{},
		logger:     opts.Logger,
	}
	if p.settings == nil {
		p.settings = session.DefaultSettings
	}
	if p.maxPerRun <= 0 {
		p.maxPerRun = 5
	}
	if p.ledgerSize <= 0 {
		p.ledgerSize = 100
	}
	kinds := opts.Kinds
	if len(kinds) == 0 {
		kinds = []string{feed.KindLink}
	}
	for _, kind := range kinds {
		p.kinds[strings.TrimSpace(kind)] = struct{}{}
	}
	if p.logger == nil {
		p.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return p, nil
}

// RecoverAndAct auto-opens eligible items at most once each. Only items
// whose modification time is at or below syncCutoff are considered, so the
// pass never runs ahead of what the sync engine has incorporated. At most
// MaxPerRun items are acted on, oldest first; the rest wait for the next
// pass. An item whose open fails is retried on the next pass.
func (p *Pipeline) RecoverAndAct(ctx context.Context, items []feed.Item, syncCutoff int64) (Report, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff, ledger, err := p.load(ctx)
	if err != nil {
		return Report{}, err
	}
	report := Report{Cutoff: cutoff}
	settings := p.settings()
	if !settings.AutoOpenLinks {
		return report, nil
	}

	seen := map[string]struct{}{}
	var eligible []feed.Item
	for _, item := range items {
		if _, dup := seen[item.ID]; dup {
			continue
		}
		seen[item.ID] = struct{}{}
		if !p.candidate(item, syncCutoff) {
			continue
		}
		if ledger.Contains(item.ID) {
			continue
		}
		if item.Created <= cutoff {
			continue
		}
		eligible = append(eligible, item)
	}
	sort.SliceStable(eligible, func(i, j int) bool { return eligible[i].Created < eligible[j].Created })
	if len(eligible) > p.maxPerRun {
		report.Deferred = len(eligible) - p.maxPerRun
		eligible = eligible[:p.maxPerRun]
	}

	// The cutoff stops at the first failure so the failed item stays above
	// it; later successes are kept out of the next pass by the ledger.
	held := false
	for _, item := range eligible {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		logger := p.logger.With("item", item.ID)
		if err := p.sink.OpenResource(ctx, item.URL); err != nil {
			logger.Warn("auto-open failed", "err", err)
			report.Failed = append(report.Failed, item.ID)
			held = true
			continue
		}
		if settings.DismissAfterOpen && p.dismisser != nil {
			if err := p.dismisser.Dismiss(ctx, item.ID); err != nil {
				logger.Warn("dismiss after auto-open failed", "err", err)
				report.DismissFailures++
			}
		}
		ledger.Record(item.ID, item.Created)
		if !held && item.Created > cutoff {
			cutoff = item.Created
		}
		report.Acted = append(report.Acted, item.ID)
		report.Cutoff = cutoff
		if err := p.save(ctx, cutoff, ledger); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (p *Pipeline) candidate(item feed.Item, syncCutoff int64) bool {
	if _, ok := p.kinds[item.Kind]; !ok {
		return false
	}
	if !item.Active || item.Dismissed || strings.TrimSpace(item.URL) == "" {
		return false
	}
	return item.Modified <= syncCutoff
}

// SeedIfUnset initialises the auto-action cutoff from a value the sync
// engine has already established. An existing cutoff is left alone.
func (p *Pipeline) SeedIfUnset(ctx context.Context, syncCutoff int64) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff, ledger, err := p.load(ctx)
	if err != nil {
		return false, err
	}
	if cutoff > 0 || syncCutoff <= 0 {
		return false, nil
	}
	if err := p.save(ctx, syncCutoff, ledger); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Pipeline) Cutoff(ctx context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff, _, err := p.load(ctx)
	return cutoff, err
}

func (p *Pipeline) Ledger(ctx context.Context) (*Ledger, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ledger, err := p.load(ctx)
	return ledger, err
}

// Reset forgets the cutoff and ledger.
func (p *Pipeline) Reset(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.kv.Remove(ctx, KeyCutoff); err != nil {
		return err
	}
	return p.kv.Remove(ctx, KeyLedger)
}

func (p *Pipeline) load(ctx context.Context) (int64, *Ledger, error) {
	var cutoff int64
	raw, ok, err := p.kv.Get(ctx, KeyCutoff)
	if err != nil {
		return 0, nil, fmt.Errorf("load auto-action cutoff: %w", err)
	}
	if ok {
		parsed, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
		if err != nil {
			p.logger.Warn("ignoring malformed auto-action cutoff", "value", string(raw))
		} else {
			cutoff = parsed
		}
	}
	ledger := NewLedger(p.ledgerSize)
	if _, err := kvstore.GetJSON(ctx, p.kv, KeyLedger, ledger); err != nil {
		p.logger.Warn("discarding unreadable auto-action ledger", "err", err)
		ledger = NewLedger(p.ledgerSize)
	}
	ledger.setCapacity(p.ledgerSize)
	return cutoff, ledger, nil
}

func (p *Pipeline) save(ctx context.Context, cutoff int64, ledger *Ledger) error {
	if err := kvstore.SetJSON(ctx, p.kv, KeyLedger, ledger); err != nil {
		return fmt.Errorf("save auto-action ledger: %w", err)
	}
	if err := p.kv.Set(ctx, KeyCutoff, []byte(strconv.FormatInt(cutoff, 10))); err != nil {
		return fmt.Errorf("save auto-action cutoff: %w", err)
	}
	return nil
}
