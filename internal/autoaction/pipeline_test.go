package autoaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaypush/internal/actions"
	"github.com/agentworkforce/relaypush/internal/feed"
	"github.com/agentworkforce/relaypush/internal/kvstore"
	"github.com/agentworkforce/relaypush/internal/session"
)

type recordingSink struct {
	mu      sync.Mutex
	opened  []string
	failFor map[string]bool
}

func (s *recordingSink) OpenResource(_ context.Context, uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFor[uri] {
		return errors.New("no browser")
	}
	s.opened = append(s.opened, uri)
	return nil
}

func (s *recordingSink) PresentNotification(context.Context, actions.Notification) error {
	return nil
}

type recordingDismisser struct {
	ids []string
	err error
}

func (d *recordingDismisser) Dismiss(_ context.Context, id string) error {
	d.ids = append(d.ids, id)
	return d.err
}

func link(n int64) feed.Item {
	return feed.Item{
		ID:       fmt.Sprintf("p%d", n),
		Kind:     feed.KindLink,
		Active:   true,
		Created:  n,
		Modified: n,
		URL:      fmt.Sprintf("https://example.com/%d", n),
	}
}

func newPipeline(t *testing.T, sink actions.Sink, dismisser Dismisser, maxPerRun int) (*Pipeline, *kvstore.InMemoryStore) {
	t.Helper()
	kv := kvstore.NewInMemoryStore()
	p, err := New(Options{KV: kv, Sink: sink, Dismisser: dismisser, MaxPerRun: maxPerRun, LedgerSize: 10})
	require.NoError(t, err)
	return p, kv
}

func TestCapLeavesRemainderForNextPass(t *testing.T) {
	sink := &recordingSink{}
	p, _ := newPipeline(t, sink, nil, 5)
	ctx := context.Background()

	var items []feed.Item
	for n := int64(7); n >= 1; n-- {
		items = append(items, link(n))
	}

	report, err := p.RecoverAndAct(ctx, items, 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2", "p3", "p4", "p5"}, report.Acted)
	assert.Equal(t, 2, report.Deferred)
	cutoff, err := p.Cutoff(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), cutoff, "watermark advances only to the 5th item")

	report, err = p.RecoverAndAct(ctx, items, 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"p6", "p7"}, report.Acted)
	assert.Zero(t, report.Deferred)
	assert.Len(t, sink.opened, 7)
}

func TestLedgerPreventsDoubleAction(t *testing.T) {
	sink := &recordingSink{}
	p, kv := newPipeline(t, sink, nil, 5)
	ctx := context.Background()

	_, err := p.RecoverAndAct(ctx, []feed.Item{link(3)}, 10)
	require.NoError(t, err)

	// Rewinding the cutoff leaves the ledger as the only guard.
	require.NoError(t, kv.Set(ctx, KeyCutoff, []byte("0")))
	report, err := p.RecoverAndAct(ctx, []feed.Item{link(3), link(3)}, 10)
	require.NoError(t, err)
	assert.Empty(t, report.Acted)
	assert.Equal(t, []string{"https://example.com/3"}, sink.opened)
}

func TestWatermarkGuardSkipsOlderItems(t *testing.T) {
	sink := &recordingSink{}
	p, kv := newPipeline(t, sink, nil, 5)
	ctx := context.Background()
	require.NoError(t, kv.Set(ctx, KeyCutoff, []byte("5")))

	report, err := p.RecoverAndAct(ctx, []feed.Item{link(4), link(5), link(6)}, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"p6"}, report.Acted)
}

func TestItemsAheadOfSyncCutoffWait(t *testing.T) {
	sink := &recordingSink{}
	p, _ := newPipeline(t, sink, nil, 5)
	ctx := context.Background()

	report, err := p.RecoverAndAct(ctx, []feed.Item{link(1), link(9)}, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, report.Acted)

	report, err = p.RecoverAndAct(ctx, []feed.Item{link(9)}, 9)
	require.NoError(t, err)
	assert.Equal(t, []string{"p9"}, report.Acted)
}

func TestIneligibleItemsAreIgnored(t *testing.T) {
	sink := &recordingSink{}
	p, _ := newPipeline(t, sink, nil, 5)

	note := link(1)
	note.Kind = feed.KindNote
	dismissed := link(2)
	dismissed.Dismissed = true
	noURL := link(3)
	noURL.URL = ""
	inactive := link(4)
	inactive.Active = false

	report, err := p.RecoverAndAct(context.Background(), []feed.Item{note, dismissed, noURL, inactive}, 10)
	require.NoError(t, err)
	assert.Empty(t, report.Acted)
	assert.Empty(t, sink.opened)
}

func TestDismissFailureDoesNotUndoOpen(t *testing.T) {
	sink := &recordingSink{}
	dismisser := &recordingDismisser{err: errors.New("remote down")}
	p, _ := newPipeline(t, sink, dismisser, 5)
	ctx := context.Background()

	report, err := p.RecoverAndAct(ctx, []feed.Item{link(1), link(2)}, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2"}, report.Acted)
	assert.Equal(t, 2, report.DismissFailures)
	assert.Equal(t, []string{"p1", "p2"}, dismisser.ids)

	ledger, err := p.Ledger(ctx)
	require.NoError(t, err)
	assert.True(t, ledger.Contains("p1"))
	assert.True(t, ledger.Contains("p2"))
}

func TestOpenFailureSkipsDismissAndContinues(t *testing.T) {
	sink := &recordingSink{failFor: map[string]bool{"https://example.com/1": true}}
	dismisser := &recordingDismisser{}
	p, _ := newPipeline(t, sink, dismisser, 5)
	ctx := context.Background()
	items := []feed.Item{link(1), link(2), link(3)}

	report, err := p.RecoverAndAct(ctx, items, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, report.Failed)
	assert.Equal(t, []string{"p2", "p3"}, report.Acted)
	assert.Equal(t, []string{"p2", "p3"}, dismisser.ids, "dismiss only follows a successful open")
	cutoff, err := p.Cutoff(ctx)
	require.NoError(t, err)
	assert.Zero(t, cutoff, "cutoff must not pass the failed item")

	sink.mu.Lock()
	sink.failFor = nil
	sink.mu.Unlock()
	report, err = p.RecoverAndAct(ctx, items, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, report.Acted, "failed item is retried, acted items are not")
	assert.Empty(t, report.Failed)
	assert.Equal(t, []string{"https://example.com/2", "https://example.com/3", "https://example.com/1"}, sink.opened)
	cutoff, err = p.Cutoff(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cutoff)
}

func TestAutoOpenDisabled(t *testing.T) {
	sink := &recordingSink{}
	kv := kvstore.NewInMemoryStore()
	p, err := New(Options{
		KV:       kv,
		Sink:     sink,
		Settings: func() session.Settings { return session.Settings{AutoOpenLinks: false} },
	})
	require.NoError(t, err)
	report, err := p.RecoverAndAct(context.Background(), []feed.Item{link(1)}, 10)
	require.NoError(t, err)
	assert.Empty(t, report.Acted)
}

func TestSeedIfUnset(t *testing.T) {
	p, _ := newPipeline(t, &recordingSink{}, nil, 5)
	ctx := context.Background()

	seeded, err := p.SeedIfUnset(ctx, 40)
	require.NoError(t, err)
	assert.True(t, seeded)
	seeded, err = p.SeedIfUnset(ctx, 90)
	require.NoError(t, err)
	assert.False(t, seeded, "an existing cutoff is never replaced")
	cutoff, err := p.Cutoff(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(40), cutoff)

	require.NoError(t, p.Reset(ctx))
	cutoff, err = p.Cutoff(ctx)
	require.NoError(t, err)
	assert.Zero(t, cutoff)
}

func TestLedgerPrunesByRecency(t *testing.T) {
	l := NewLedger(3)
	l.Record("a", 10)
	l.Record("b", 5)
	l.Record("c", 7)
	l.Record("a", 10)
	l.Record("d", 1)

	assert.Equal(t, 3, l.Len())
	assert.True(t, l.Contains("d"))
	assert.True(t, l.Contains("a"))
	assert.True(t, l.Contains("c"))
	assert.False(t, l.Contains("b"), "least recently recorded entry is pruned")
	assert.Equal(t, int64(10), l.MaxCreatedAt)
}
