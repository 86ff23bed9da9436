package keepalive

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaypush/internal/scheduler"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type NopPinger struct{}

func (NopPinger) Ping(context.Context) error { return nil }

// SystemdPinger reports liveness to the service manager watchdog through
// $NOTIFY_SOCKET. Without a socket every ping is a no-op.
type SystemdPinger struct {
	Socket string
}

func NewSystemdPinger() SystemdPinger {
	return SystemdPinger{Socket: strings.TrimSpace(os.Getenv("NOTIFY_SOCKET"))}
}

func (p SystemdPinger) Ping(ctx context.Context) error {
	if p.Socket == "" {
		return nil
	}
	name := p.Socket
	if strings.HasPrefix(name, "@") {
		name = "\x00" + name[1:]
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unixgram", name)
	if err != nil {
		return err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	_, err = conn.Write([]byte("WATCHDOG=1"))
	return err
}

// Keeper holds the host awake while at least one critical span is open.
// Spans nest: the repeating ping is armed when the first span begins and
// cancelled only when the last one ends.
type Keeper struct {
	sched    scheduler.Scheduler
	pinger   Pinger
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	depth  int
	handle scheduler.Handle
}

func New(sched scheduler.Scheduler, pinger Pinger, interval time.Duration, logger *slog.Logger) *Keeper {
	if pinger == nil {
		pinger = NopPinger{}
	}
	if interval <= 0 {
		interval = 20 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Keeper{sched: sched, pinger: pinger, interval: interval, logger: logger}
}

// Begin opens a span. The returned function closes it and is safe to call
// more than once.
func (k *Keeper) Begin() func() {
	if k == nil {
		return func() {}
	}
	k.mu.Lock()
	k.depth++
	arm := k.depth == 1
	if arm {
		k.handle = k.sched.Every(k.interval, k.ping)
	}
	k.mu.Unlock()
	if arm {
		k.ping()
	}
	var once sync.Once
	return func() {
		once.Do(k.end)
	}
}

func (k *Keeper) end() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.depth == 0 {
		return
	}
	k.depth--
	if k.depth == 0 {
		k.sched.Cancel(k.handle)
		k.handle = 0
	}
}

// Span runs fn inside a keepalive span.
func (k *Keeper) Span(ctx context.Context, fn func(context.Context) error) error {
	end := k.Begin()
	defer end()
	return fn(ctx)
}

func (k *Keeper) Depth() int {
	if k == nil {
		return 0
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.depth
}

func (k *Keeper) ping() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := k.pinger.Ping(ctx); err != nil {
		k.logger.Warn("keepalive ping failed", "err", err)
	}
}
