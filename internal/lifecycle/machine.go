package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/agentworkforce/relaypush/internal/keepalive"
	"github.com/agentworkforce/relaypush/internal/kvstore"
	"github.com/agentworkforce/relaypush/internal/scheduler"
	"github.com/agentworkforce/relaypush/internal/session"
	"github.com/agentworkforce/relaypush/internal/signalbus"
	"github.com/agentworkforce/relaypush/internal/stream"
)

const (
	KeyState     = "lifecycle.state"
	KeyLastError = "lifecycle.last_error"
)

type Session interface {
	Initialize(ctx context.Context, trigger string) (session.Credentials, error)
	HasCredentials(ctx context.Context) (bool, error)
	Reset(ctx context.Context) error
	Snapshot() session.Cache
}

type Stream interface {
	Connect(ctx context.Context) error
	Disconnect()
	ForceReconnect()
	Probe(ctx context.Context) error
}

// Worker runs the domain work the machine schedules: sync passes with
// offline recovery, ephemeral stream payloads and logout cleanup.
type Worker interface {
	Sync(ctx context.Context, reason string) error
	HandleEphemeral(ctx context.Context, push stream.Ephemeral) error
	Reset(ctx context.Context) error
}

type Payload struct {
	Err    error
	Detail string
}

// Record is the durable form of the current state.
type Record struct {
	State       State     `json:"state"`
	Description string    `json:"description"`
	Event       Event     `json:"event,omitempty"`
	At          time.Time `json:"at"`
}

// ErrorContext is persisted on entering ERROR for diagnostics.
type ErrorContext struct {
	From  State     `json:"state"`
	Event Event     `json:"event"`
	Error string    `json:"error,omitempty"`
	At    time.Time `json:"at"`
}

type StateChange struct {
	From        State     `json:"from"`
	To          State     `json:"to"`
	Event       Event     `json:"event"`
	Description string    `json:"description"`
	Error       string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}

type Options struct {
	KV        kvstore.Store
	Session   Session
	Stream    Stream
	Worker    Worker
	Scheduler scheduler.Scheduler
	Keeper    *keepalive.Keeper

	PollInterval           time.Duration
	PollJitterRatio        float64
	ProbeInterval          time.Duration
	ProbeTimeout           time.Duration
	RecoveryDelay          time.Duration
	MaxConsecutiveFailures int

	// Sample returns a value in [0,1) for poll jitter.
	Sample func() float64
	Logger *slog.Logger
}

// Machine is the persisted lifecycle orchestrator. Transitions run to
// completion one at a time; a transition requested while another is being
// processed is queued behind it.
type Machine struct {
	kv      kvstore.Store
	session Session
	stream  Stream
	worker  Worker
	sched   scheduler.Scheduler
	keeper  *keepalive.Keeper
	changes *signalbus.Bus[StateChange]
	logger  *slog.Logger

	pollInterval  time.Duration
	pollJitter    float64
	probeInterval time.Duration
	probeTimeout  time.Duration
	recoveryDelay time.Duration
	maxFailures   int
	sample        func() float64

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   State
	queue   []pending
	running bool

	failures          int
	recoveryScheduled bool
	recoveryEvent     Event
	pollHandle        scheduler.Handle
	probeHandle       scheduler.Handle
	recoveryHandle    scheduler.Handle
}

type pending struct {
	ev      Event
	payload Payload
	done    chan struct{}
}

func New(opts Options) (*Machine, error) {
	if opts.KV == nil {
		return nil, fmt.Errorf("kv store is required")
	}
	if opts.Session == nil {
		return nil, fmt.Errorf("session is required")
	}
	if opts.Stream == nil {
		return nil, fmt.Errorf("stream is required")
	}
	if opts.Worker == nil {
		return nil, fmt.Errorf("worker is required")
	}
	if opts.Scheduler == nil {
		return nil, fmt.Errorf("scheduler is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		kv:            opts.KV,
		session:       opts.Session,
		stream:        opts.Stream,
		worker:        opts.Worker,
		sched:         opts.Scheduler,
		keeper:        opts.Keeper,
		changes:       signalbus.New[StateChange](logger),
		logger:        logger,
		pollInterval:  opts.PollInterval,
		pollJitter:    scheduler.ClampJitterRatio(opts.PollJitterRatio),
		probeInterval: opts.ProbeInterval,
		probeTimeout:  opts.ProbeTimeout,
		recoveryDelay: opts.RecoveryDelay,
		maxFailures:   opts.MaxConsecutiveFailures,
		sample:        opts.Sample,
		ctx:           ctx,
		cancel:        cancel,
		state:         Idle,
	}
	if m.pollInterval <= 0 {
		m.pollInterval = 30 * time.Second
	}
	if m.probeInterval <= 0 {
		m.probeInterval = time.Minute
	}
	if m.probeTimeout <= 0 {
		m.probeTimeout = 10 * time.Second
	}
	if m.recoveryDelay <= 0 {
		m.recoveryDelay = 30 * time.Second
	}
	if m.maxFailures <= 0 {
		m.maxFailures = 5
	}
	if m.sample == nil {
		m.sample = rand.Float64
	}
	return m, nil
}

// Restore re-derives the state from durable storage on cold start. States
// that imply a live connection are stale after a restart and reset to IDLE,
// as is any state without credentials. With credentials the machine then
// re-enters INITIALIZING.
func (m *Machine) Restore(ctx context.Context) (State, error) {
	var record Record
	ok, err := kvstore.GetJSON(ctx, m.kv, KeyState, &record)
	if err != nil {
		m.logger.Warn("discarding unreadable lifecycle state", "err", err)
		ok = false
	}
	restored := Idle
	if ok && record.State.Valid() {
		restored = record.State
	}
	switch restored {
	case Degraded, Reconnecting, Error:
		m.logger.Info("resetting stale lifecycle state", "state", restored)
		restored = Idle
	}
	hasCreds, err := m.session.HasCredentials(ctx)
	if err != nil {
		return "", fmt.Errorf("check credentials: %w", err)
	}
	if !hasCreds {
		restored = Idle
	}

	m.mu.Lock()
	m.state = restored
	m.mu.Unlock()
	if err := m.persist(ctx, restored, ""); err != nil {
		m.logger.Warn("persist lifecycle state failed", "err", err)
	}
	if hasCreds {
		m.Transition(EventColdStartWithCredentials, Payload{Detail: "cold start"})
	}
	return m.CurrentState(), nil
}

// Transition applies ev and returns once it and everything it queued have
// been processed.
func (m *Machine) Transition(ev Event, payload Payload) {
	done := make(chan struct{})
	m.enqueue(pending{ev: ev, payload: payload, done: done})
	<-done
}

func (m *Machine) enqueue(p pending) {
	m.mu.Lock()
	m.queue = append(m.queue, p)
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	for len(m.queue) > 0 {
		next := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		m.step(next.ev, next.payload)
		if next.done != nil {
			close(next.done)
		}
		m.mu.Lock()
	}
	m.running = false
	m.mu.Unlock()
}

func (m *Machine) step(ev Event, payload Payload) {
	m.mu.Lock()
	from := m.state
	to, ok := Next(from, ev)
	if !ok {
		m.mu.Unlock()
		m.logger.Debug("ignoring lifecycle event", "state", from, "event", ev)
		return
	}
	m.exitLocked(from, to)
	m.state = to
	m.mu.Unlock()

	if err := m.persist(m.ctx, to, ev); err != nil {
		m.logger.Warn("persist lifecycle state failed", "state", to, "err", err)
	}
	change := StateChange{
		From:        from,
		To:          to,
		Event:       ev,
		Description: to.Description(),
		At:          m.sched.Now(),
	}
	if payload.Err != nil {
		change.Error = payload.Err.Error()
	}
	m.logger.Info("lifecycle transition", "from", from, "to", to, "event", ev)
	m.changes.Publish(change)
	m.enter(from, to, ev, payload)
}

func (m *Machine) exitLocked(from, to State) {
	if from == Degraded {
		m.cancelLocked(&m.pollHandle)
	}
	if from == Ready && to != Ready {
		m.cancelLocked(&m.probeHandle)
	}
}

func (m *Machine) enter(from, to State, ev Event, payload Payload) {
	switch to {
	case Idle:
		m.enterIdle()
	case Initializing:
		m.enterInitializing(ev)
	case Ready:
		m.enterReady(from)
	case Degraded:
		m.enterDegraded()
	case Reconnecting:
		go m.connect()
	case Error:
		m.enterError(from, ev, payload)
	}
}

func (m *Machine) enterIdle() {
	m.mu.Lock()
	m.cancelLocked(&m.pollHandle)
	m.cancelLocked(&m.probeHandle)
	m.cancelLocked(&m.recoveryHandle)
	m.failures = 0
	m.recoveryScheduled = false
	m.mu.Unlock()

	m.stream.Disconnect()
	ctx := m.ctx
	if err := m.session.Reset(ctx); err != nil {
		m.logger.Warn("reset session failed", "err", err)
	}
	if err := m.worker.Reset(ctx); err != nil {
		m.logger.Warn("reset sync state failed", "err", err)
	}
	if err := m.kv.Remove(ctx, KeyLastError); err != nil {
		m.logger.Warn("clear last error failed", "err", err)
	}
}

func (m *Machine) enterInitializing(ev Event) {
	go func() {
		err := m.span(func(ctx context.Context) error {
			_, err := m.session.Initialize(ctx, string(ev))
			return err
		})
		if m.ctx.Err() != nil {
			return
		}
		if state := m.CurrentState(); state != Initializing || errors.Is(err, session.ErrSessionReset) {
			// The run may have opened the stream after the state moved on.
			m.logger.Debug("discarding initialization result", "state", state, "err", err)
			if state == Idle || state == Error {
				m.stream.Disconnect()
			}
			return
		}
		if err != nil {
			m.logger.Warn("session initialization failed", "err", err)
			m.Transition(EventInitFailure, Payload{Err: err})
			return
		}
		m.Transition(EventInitSuccess, Payload{})
	}()
}

func (m *Machine) enterReady(from State) {
	m.mu.Lock()
	m.failures = 0
	m.recoveryScheduled = false
	m.cancelLocked(&m.pollHandle)
	m.cancelLocked(&m.recoveryHandle)
	m.cancelLocked(&m.probeHandle)
	m.probeHandle = m.sched.Every(m.probeInterval, m.probe)
	m.mu.Unlock()

	if from == Initializing {
		go m.connect()
	}
	go m.sync("ready")
}

func (m *Machine) enterDegraded() {
	m.mu.Lock()
	m.failures++
	exceeded := m.failures >= m.maxFailures
	if !exceeded {
		m.armPollLocked()
	}
	failures := m.failures
	m.mu.Unlock()
	if exceeded {
		m.logger.Warn("consecutive failure threshold reached", "failures", failures)
		m.enqueue(pending{ev: EventFailureThreshold, payload: Payload{
			Err: fmt.Errorf("%d consecutive stream failures", failures),
		}})
	}
}

func (m *Machine) enterError(from State, ev Event, payload Payload) {
	m.mu.Lock()
	m.cancelLocked(&m.pollHandle)
	m.cancelLocked(&m.probeHandle)
	schedule := !m.recoveryScheduled
	if schedule {
		m.recoveryScheduled = true
		m.recoveryEvent = EventReconnectAttempt
		if from == Initializing {
			m.recoveryEvent = EventCredentialsAvailable
		}
		recovery := m.recoveryEvent
		m.recoveryHandle = m.sched.After(m.recoveryDelay, func() {
			m.mu.Lock()
			m.recoveryHandle = 0
			m.mu.Unlock()
			m.logger.Info("automatic recovery attempt", "event", recovery)
			m.Transition(recovery, Payload{Detail: "automatic recovery"})
		})
	}
	m.mu.Unlock()

	m.stream.Disconnect()
	record := ErrorContext{From: from, Event: ev, At: m.sched.Now()}
	if payload.Err != nil {
		record.Error = payload.Err.Error()
	}
	if err := kvstore.SetJSON(m.ctx, m.kv, KeyLastError, record); err != nil {
		m.logger.Warn("persist error context failed", "err", err)
	}
	if !schedule {
		m.logger.Warn("automatic recovery already used for this episode", "from", from, "event", ev)
	}
}

func (m *Machine) armPollLocked() {
	m.cancelLocked(&m.pollHandle)
	delay := scheduler.JitteredIntervalWithSample(m.pollInterval, m.pollJitter, m.sample())
	m.pollHandle = m.sched.After(delay, m.poll)
}

func (m *Machine) poll() {
	m.mu.Lock()
	if m.state != Degraded {
		m.mu.Unlock()
		return
	}
	m.pollHandle = 0
	m.mu.Unlock()

	err := m.sync("poll")

	m.mu.Lock()
	if m.state != Degraded {
		m.mu.Unlock()
		return
	}
	if err != nil {
		m.failures++
		if m.failures >= m.maxFailures {
			failures := m.failures
			m.mu.Unlock()
			m.Transition(EventFailureThreshold, Payload{
				Err: fmt.Errorf("%d consecutive failures, last: %w", failures, err),
			})
			return
		}
	}
	m.armPollLocked()
	m.mu.Unlock()
}

func (m *Machine) probe() {
	ctx, cancel := context.WithTimeout(m.ctx, m.probeTimeout)
	defer cancel()
	err := m.stream.Probe(ctx)
	switch {
	case err == nil:
	case errors.Is(err, stream.ErrNotConnected):
		m.logger.Debug("health probe skipped, stream not connected")
	default:
		m.logger.Warn("health probe failed, forcing reconnect", "err", err)
		m.stream.ForceReconnect()
	}
}

func (m *Machine) connect() {
	if err := m.stream.Connect(m.ctx); err != nil {
		m.logger.Warn("stream connect failed", "err", err)
	}
}

func (m *Machine) sync(reason string) error {
	err := m.span(func(ctx context.Context) error {
		return m.worker.Sync(ctx, reason)
	})
	if err != nil && m.ctx.Err() == nil {
		m.logger.Warn("sync pass failed", "reason", reason, "err", err)
	}
	return err
}

func (m *Machine) span(fn func(context.Context) error) error {
	return m.keeper.Span(m.ctx, fn)
}

func (m *Machine) cancelLocked(h *scheduler.Handle) {
	if *h != 0 {
		m.sched.Cancel(*h)
		*h = 0
	}
}

func (m *Machine) persist(ctx context.Context, state State, ev Event) error {
	return kvstore.SetJSON(ctx, m.kv, KeyState, Record{
		State:       state,
		Description: state.Description(),
		Event:       ev,
		At:          m.sched.Now(),
	})
}

func (m *Machine) CurrentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) SessionSnapshot() session.Cache {
	return m.session.Snapshot()
}

// LastError returns the context recorded on the most recent entry into
// ERROR.
func (m *Machine) LastError(ctx context.Context) (ErrorContext, bool, error) {
	var record ErrorContext
	ok, err := kvstore.GetJSON(ctx, m.kv, KeyLastError, &record)
	return record, ok, err
}

// Subscribe registers fn for state changes. Delivery is sequential and in
// transition order.
func (m *Machine) Subscribe(fn func(StateChange)) func() {
	return m.changes.Subscribe(fn)
}

func (m *Machine) SubscribeChan(buffer int) (<-chan StateChange, func()) {
	return m.changes.SubscribeChan(buffer)
}

// FlushChanges waits until every published change has been delivered.
func (m *Machine) FlushChanges(ctx context.Context) error {
	return m.changes.Flush(ctx)
}

// HandleSignal routes a connection signal into the machine.
func (m *Machine) HandleSignal(s stream.Signal) {
	s.Accept(m)
}

func (m *Machine) VisitConnected(stream.Connected) {
	m.Transition(EventStreamConnected, Payload{})
}

func (m *Machine) VisitDisconnected(s stream.Disconnected) {
	m.Transition(EventStreamDisconnected, Payload{Err: s.Err})
}

func (m *Machine) VisitReconnecting(stream.Reconnecting) {
	m.Transition(EventReconnectAttempt, Payload{})
}

func (m *Machine) VisitPermanentError(s stream.PermanentError) {
	m.Transition(EventPermanentError, Payload{Err: s.Err})
}

func (m *Machine) VisitTickle(s stream.Tickle) {
	if m.CurrentState() != Ready {
		return
	}
	go m.sync("tickle:" + s.Subtype)
}

func (m *Machine) VisitMessage(s stream.Message) {
	push := s.Push
	go func() {
		if err := m.worker.HandleEphemeral(m.ctx, push); err != nil {
			m.logger.Warn("ephemeral handling failed", "type", push.Type, "err", err)
		}
	}()
}

// Close stops timers and background work. The persisted state is kept.
func (m *Machine) Close() {
	m.cancel()
	m.mu.Lock()
	m.cancelLocked(&m.pollHandle)
	m.cancelLocked(&m.probeHandle)
	m.cancelLocked(&m.recoveryHandle)
	m.mu.Unlock()
	m.changes.Close()
}
