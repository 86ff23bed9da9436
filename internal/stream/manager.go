package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/agentworkforce/relaypush/internal/scheduler"
)

var (
	ErrPermanent    = errors.New("permanent stream rejection")
	ErrStale        = errors.New("stream stale")
	ErrNotConnected = errors.New("stream not connected")
)

// Conn is one open socket. Read blocks until a frame arrives or the
// connection fails.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Ping(ctx context.Context) error
	Close(code int, reason string) error
}

type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// CloseError is a close frame received from the server.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("stream closed with status %d: %s", e.Code, e.Reason)
}

func (e *CloseError) Is(target error) bool {
	return target == ErrPermanent && permanentCloseCode(e.Code)
}

// HandshakeError is a non-upgrade HTTP response to the dial.
type HandshakeError struct {
	StatusCode int
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("stream handshake rejected with http %d", e.StatusCode)
}

func (e *HandshakeError) Is(target error) bool {
	return target == ErrPermanent && (e.StatusCode == 401 || e.StatusCode == 403)
}

func permanentCloseCode(code int) bool {
	switch {
	case code == 1002, code == 1003, code == 1008:
		return true
	case code >= 4000 && code <= 4999:
		return true
	}
	return false
}

// IsPermanent reports whether err is a protocol-level rejection that must
// not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// Backoff returns initial*2^(attempt-1) capped at max.
func Backoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

type Options struct {
	Dialer         Dialer
	Scheduler      scheduler.Scheduler
	Signals        Publisher
	Codec          *Codec
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// StaleAfter is how long the socket may go without any frame before
	// it is reported unhealthy.
	StaleAfter  time.Duration
	DialTimeout time.Duration
	Logger      *slog.Logger
}

// Manager owns the single persistent connection to the feed stream.
type Manager struct {
	dialer  Dialer
	sched   scheduler.Scheduler
	signals Publisher
	codec   *Codec
	logger  *slog.Logger

	initialBackoff time.Duration
	maxBackoff     time.Duration
	staleAfter     time.Duration
	dialTimeout    time.Duration

	mu            sync.Mutex
	conn          Conn
	gen           uint64
	connecting    bool
	connected     bool
	attempts      int
	retry         scheduler.Handle
	cancelRead    context.CancelFunc
	lastHeartbeat time.Time
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Dialer == nil {
		return nil, fmt.Errorf("dialer is required")
	}
	if opts.Scheduler == nil {
		return nil, fmt.Errorf("scheduler is required")
	}
	if opts.Signals == nil {
		return nil, fmt.Errorf("signal publisher is required")
	}
	codec := opts.Codec
	if codec == nil {
		var err error
		codec, err = NewCodec()
		if err != nil {
			return nil, err
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	m := &Manager{
		dialer:         opts.Dialer,
		sched:          opts.Scheduler,
		signals:        opts.Signals,
		codec:          codec,
		logger:         logger,
		initialBackoff: opts.InitialBackoff,
		maxBackoff:     opts.MaxBackoff,
		staleAfter:     opts.StaleAfter,
		dialTimeout:    opts.DialTimeout,
	}
	if m.initialBackoff <= 0 {
		m.initialBackoff = time.Second
	}
	if m.maxBackoff <= 0 {
		m.maxBackoff = 30 * time.Second
	}
	if m.maxBackoff < m.initialBackoff {
		m.maxBackoff = m.initialBackoff
	}
	if m.staleAfter <= 0 {
		m.staleAfter = 90 * time.Second
	}
	if m.dialTimeout <= 0 {
		m.dialTimeout = 15 * time.Second
	}
	return m, nil
}

// Connect opens the socket. It is a no-op while a connection is open or a
// dial is already in flight. Any prior socket is closed before dialing.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.connected || m.connecting {
		m.mu.Unlock()
		return nil
	}
	m.connecting = true
	m.cancelRetryLocked()
	old := m.teardownLocked()
	gen := m.gen
	m.mu.Unlock()

	if old != nil {
		_ = old.Close(1000, "replaced")
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.dialTimeout)
	conn, err := m.dialer.Dial(dialCtx)
	cancel()

	m.mu.Lock()
	if gen != m.gen {
		// Disconnect ran while dialing.
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close(1000, "disconnected")
		}
		return nil
	}
	m.connecting = false
	if err != nil {
		sig := m.afterFailureLocked(err)
		m.mu.Unlock()
		m.logger.Warn("stream dial failed", "err", err)
		m.signals.Publish(sig)
		return err
	}
	readCtx, cancelRead := context.WithCancel(context.Background())
	m.conn = conn
	m.connected = true
	m.attempts = 0
	m.cancelRead = cancelRead
	m.lastHeartbeat = m.sched.Now()
	at := m.lastHeartbeat
	m.mu.Unlock()

	m.logger.Info("stream connected")
	m.signals.Publish(Connected{At: at})
	go m.readLoop(readCtx, gen, conn)
	return nil
}

// Disconnect closes the socket and clears any pending reconnect. It does
// not emit a signal.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.cancelRetryLocked()
	old := m.teardownLocked()
	m.connecting = false
	m.attempts = 0
	m.mu.Unlock()
	if old != nil {
		_ = old.Close(1000, "disconnect")
	}
}

// ForceReconnect drops a connection the caller has judged stale and runs
// it through the normal transient-failure path.
func (m *Manager) ForceReconnect() {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return
	}
	old := m.teardownLocked()
	sig := m.afterFailureLocked(ErrStale)
	m.mu.Unlock()
	if old != nil {
		_ = old.Close(1001, "stale")
	}
	m.logger.Warn("stream forced reconnect")
	m.signals.Publish(sig)
}

func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// IsHealthy reports an open connection that has seen a frame within the
// stale threshold.
func (m *Manager) IsHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected && m.sched.Now().Sub(m.lastHeartbeat) <= m.staleAfter
}

// Probe checks liveness. A stale connection returns ErrStale without
// pinging; otherwise a ping round trip refreshes the heartbeat.
func (m *Manager) Probe(ctx context.Context) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return ErrNotConnected
	}
	if m.sched.Now().Sub(m.lastHeartbeat) > m.staleAfter {
		m.mu.Unlock()
		return ErrStale
	}
	conn := m.conn
	gen := m.gen
	m.mu.Unlock()

	if err := conn.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStale, err)
	}
	m.touch(gen)
	return nil
}

func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *Manager) readLoop(ctx context.Context, gen uint64, conn Conn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			m.onReadError(gen, err)
			return
		}
		m.touch(gen)
		frame, err := m.codec.Decode(data)
		if err != nil {
			m.logger.Warn("dropping stream frame", "err", err)
			continue
		}
		switch frame.Type {
		case FrameTickle:
			m.signals.Publish(Tickle{Subtype: frame.Subtype})
		case FramePush:
			m.signals.Publish(Message{Push: *frame.Push})
		}
	}
}

func (m *Manager) onReadError(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	old := m.teardownLocked()
	sig := m.afterFailureLocked(err)
	m.mu.Unlock()
	if old != nil {
		_ = old.Close(1000, "read failed")
	}
	m.logger.Warn("stream read failed", "err", err)
	m.signals.Publish(sig)
}

// afterFailureLocked classifies err and, for transient failures, schedules
// the next attempt.
func (m *Manager) afterFailureLocked(err error) Signal {
	if IsPermanent(err) {
		m.attempts = 0
		return PermanentError{Err: err}
	}
	m.attempts++
	attempt := m.attempts
	delay := Backoff(attempt, m.initialBackoff, m.maxBackoff)
	m.cancelRetryLocked()
	m.retry = m.sched.After(delay, func() { m.fireRetry(attempt) })
	return Disconnected{Err: err, Attempt: attempt, RetryIn: delay}
}

func (m *Manager) fireRetry(attempt int) {
	m.mu.Lock()
	if m.attempts == attempt {
		m.retry = 0
	}
	m.mu.Unlock()
	m.signals.Publish(Reconnecting{Attempt: attempt})
	_ = m.Connect(context.Background())
}

func (m *Manager) teardownLocked() Conn {
	m.gen++
	if m.cancelRead != nil {
		m.cancelRead()
		m.cancelRead = nil
	}
	old := m.conn
	m.conn = nil
	m.connected = false
	return old
}

func (m *Manager) cancelRetryLocked() {
	if m.retry != 0 {
		m.sched.Cancel(m.retry)
		m.retry = 0
	}
}

func (m *Manager) touch(gen uint64) {
	m.mu.Lock()
	if gen == m.gen {
		m.lastHeartbeat = m.sched.Now()
	}
	m.mu.Unlock()
}
