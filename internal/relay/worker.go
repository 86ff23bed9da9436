package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaypush/internal/actions"
	"github.com/agentworkforce/relaypush/internal/autoaction"
	"github.com/agentworkforce/relaypush/internal/feed"
	"github.com/agentworkforce/relaypush/internal/metrics"
	"github.com/agentworkforce/relaypush/internal/session"
	"github.com/agentworkforce/relaypush/internal/stream"
	"github.com/agentworkforce/relaypush/internal/syncer"
)

// worker runs the data side of the lifecycle: sync passes, auto-actions
// and ephemeral pushes. Passes are serialized.
type worker struct {
	session  *session.Store
	syncer   *syncer.Engine
	pipeline *autoaction.Pipeline
	sink     actions.Sink
	metrics  *metrics.Metrics
	now      func() time.Time
	logger   *slog.Logger

	mu sync.Mutex
}

func (w *worker) Sync(ctx context.Context, reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	logger := w.logger.With("reason", reason)
	started := w.now()
	before, err := w.syncer.Cutoff(ctx)
	if err != nil {
		return fmt.Errorf("load sync cutoff: %w", err)
	}
	result, err := w.syncer.Sync(ctx)
	w.metrics.ObserveSync(err, len(result.Added), w.now().Sub(started))
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	w.metrics.SetWatermark("sync", result.Cutoff)

	if result.IsSeedRun {
		w.metrics.ObserveSeedRun()
		if _, err := w.pipeline.SeedIfUnset(ctx, result.Cutoff); err != nil {
			return fmt.Errorf("seed auto-action cutoff: %w", err)
		}
	} else {
		// An auto-action cutoff lost after the first seed is rebuilt from
		// the watermark this pass started from.
		if _, err := w.pipeline.SeedIfUnset(ctx, before); err != nil {
			return fmt.Errorf("seed auto-action cutoff: %w", err)
		}
		w.notify(ctx, result.Added)
	}

	candidates := append([]feed.Item(nil), result.Items...)
	candidates = append(candidates, w.session.Snapshot().RecentItems...)
	report, err := w.pipeline.RecoverAndAct(ctx, candidates, result.Cutoff)
	w.metrics.ObserveAutoActions(len(report.Acted), len(report.Failed), report.Deferred, report.DismissFailures)
	w.metrics.SetWatermark("auto", report.Cutoff)
	if err != nil {
		return fmt.Errorf("auto-action: %w", err)
	}

	if err := w.session.Persist(ctx); err != nil {
		logger.Warn("persist session failed", "err", err)
	}
	logger.Debug("sync complete",
		"added", len(result.Added),
		"acted", len(report.Acted),
		"deferred", report.Deferred,
		"seed", result.IsSeedRun,
	)
	return nil
}

func (w *worker) notify(ctx context.Context, items []feed.Item) {
	if !w.session.Settings().Notifications {
		return
	}
	device := w.session.Credentials().DeviceID
	for _, item := range items {
		if !item.Active || item.Dismissed {
			continue
		}
		if item.TargetDevice != "" && item.TargetDevice != device {
			continue
		}
		if device != "" && item.SourceDevice == device {
			continue
		}
		title := item.Title
		if strings.TrimSpace(title) == "" {
			title = item.SenderName
		}
		err := w.sink.PresentNotification(ctx, actions.Notification{
			ItemID: item.ID,
			Title:  title,
			Body:   item.Body,
			URL:    item.URL,
			Source: item.SenderName,
		})
		if err != nil {
			w.logger.Warn("present notification failed", "item", item.ID, "err", err)
		}
	}
}

func (w *worker) HandleEphemeral(ctx context.Context, push stream.Ephemeral) error {
	switch push.Type {
	case stream.EphemeralMirror:
		if !w.session.Settings().Notifications {
			return nil
		}
		title := push.Title
		if strings.TrimSpace(title) == "" {
			title = push.ApplicationName
		}
		return w.sink.PresentNotification(ctx, actions.Notification{
			ItemID: push.NotificationID,
			Title:  title,
			Body:   push.Body,
			Source: push.ApplicationName,
		})
	case stream.EphemeralDismissal:
		if !w.session.MarkDismissed(push.ItemID) {
			return nil
		}
		return w.session.Persist(ctx)
	default:
		w.logger.Debug("ignoring ephemeral", "type", push.Type)
		return nil
	}
}

func (w *worker) Reset(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.syncer.Reset(ctx); err != nil {
		return err
	}
	return w.pipeline.Reset(ctx)
}
