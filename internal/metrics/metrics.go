package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentworkforce/relaypush/internal/lifecycle"
	"github.com/agentworkforce/relaypush/internal/stream"
)

var states = []lifecycle.State{
	lifecycle.Idle,
	lifecycle.Initializing,
	lifecycle.Ready,
	lifecycle.Degraded,
	lifecycle.Reconnecting,
	lifecycle.Error,
}

// Metrics owns a private registry so several daemons can share a process in
// tests.
type Metrics struct {
	registry *prometheus.Registry

	transitions     *prometheus.CounterVec
	state           *prometheus.GaugeVec
	streamSignals   *prometheus.CounterVec
	reconnects      prometheus.Counter
	frames          *prometheus.CounterVec
	syncPasses      *prometheus.CounterVec
	syncDuration    prometheus.Histogram
	itemsMerged     prometheus.Counter
	autoActions     *prometheus.CounterVec
	watermarks      *prometheus.GaugeVec
	httpRequests    *prometheus.CounterVec
	httpRequestTime *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaypush_lifecycle_transitions_total",
				Help: "Lifecycle transitions by source and destination state",
			},
			[]string{"from", "to"},
		),
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relaypush_lifecycle_state",
				Help: "1 for the current lifecycle state, 0 otherwise",
			},
			[]string{"state"},
		),
		streamSignals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaypush_stream_signals_total",
				Help: "Connection signals emitted by the stream manager",
			},
			[]string{"kind"},
		),
		reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "relaypush_stream_reconnect_attempts_total",
				Help: "Scheduled stream reconnect attempts",
			},
		),
		frames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaypush_stream_frames_total",
				Help: "Payload frames received from the stream",
			},
			[]string{"type"},
		),
		syncPasses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaypush_sync_passes_total",
				Help: "Sync passes by outcome",
			},
			[]string{"outcome"},
		),
		syncDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relaypush_sync_duration_seconds",
				Help:    "Sync pass duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		itemsMerged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "relaypush_sync_items_added_total",
				Help: "New items merged into the session cache",
			},
		),
		autoActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaypush_auto_actions_total",
				Help: "Auto-actions by outcome",
			},
			[]string{"outcome"},
		),
		watermarks: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relaypush_watermark",
				Help: "Current value of each durable watermark",
			},
			[]string{"name"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaypush_http_requests_total",
				Help: "Control API requests",
			},
			[]string{"method", "route", "status"},
		),
		httpRequestTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relaypush_http_request_duration_seconds",
				Help:    "Control API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
	m.registry.MustRegister(
		m.transitions,
		m.state,
		m.streamSignals,
		m.reconnects,
		m.frames,
		m.syncPasses,
		m.syncDuration,
		m.itemsMerged,
		m.autoActions,
		m.watermarks,
		m.httpRequests,
		m.httpRequestTime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.SetState(lifecycle.Idle)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveChange records a lifecycle transition.
func (m *Metrics) ObserveChange(change lifecycle.StateChange) {
	m.transitions.WithLabelValues(string(change.From), string(change.To)).Inc()
	m.SetState(change.To)
}

func (m *Metrics) SetState(current lifecycle.State) {
	for _, s := range states {
		value := 0.0
		if s == current {
			value = 1
		}
		m.state.WithLabelValues(string(s)).Set(value)
	}
}

// ObserveSignal counts a connection signal.
func (m *Metrics) ObserveSignal(s stream.Signal) {
	s.Accept(signalCounter{m})
}

func (m *Metrics) ObserveSync(err error, added int, took time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.syncPasses.WithLabelValues(outcome).Inc()
	m.syncDuration.Observe(took.Seconds())
	if added > 0 {
		m.itemsMerged.Add(float64(added))
	}
}

func (m *Metrics) ObserveSeedRun() {
	m.syncPasses.WithLabelValues("seed").Inc()
}

func (m *Metrics) ObserveAutoActions(acted, failed, deferred, dismissFailures int) {
	m.autoActions.WithLabelValues("acted").Add(float64(acted))
	m.autoActions.WithLabelValues("failed").Add(float64(failed))
	m.autoActions.WithLabelValues("deferred").Add(float64(deferred))
	m.autoActions.WithLabelValues("dismiss_failed").Add(float64(dismissFailures))
}

func (m *Metrics) SetWatermark(name string, value int64) {
	m.watermarks.WithLabelValues(name).Set(float64(value))
}

func (m *Metrics) ObserveHTTP(method, route string, status int, took time.Duration) {
	m.httpRequests.WithLabelValues(method, route, http.StatusText(status)).Inc()
	m.httpRequestTime.WithLabelValues(method, route).Observe(took.Seconds())
}

type signalCounter struct {
	m *Metrics
}

func (c signalCounter) VisitConnected(stream.Connected) {
	c.m.streamSignals.WithLabelValues("connected").Inc()
}

func (c signalCounter) VisitDisconnected(stream.Disconnected) {
	c.m.streamSignals.WithLabelValues("disconnected").Inc()
}

func (c signalCounter) VisitReconnecting(stream.Reconnecting) {
	c.m.streamSignals.WithLabelValues("reconnecting").Inc()
	c.m.reconnects.Inc()
}

func (c signalCounter) VisitPermanentError(stream.PermanentError) {
	c.m.streamSignals.WithLabelValues("permanent_error").Inc()
}

func (c signalCounter) VisitTickle(s stream.Tickle) {
	c.m.streamSignals.WithLabelValues("tickle").Inc()
	c.m.frames.WithLabelValues("tickle_" + s.Subtype).Inc()
}

func (c signalCounter) VisitMessage(s stream.Message) {
	c.m.streamSignals.WithLabelValues("message").Inc()
	c.m.frames.WithLabelValues("push_" + s.Push.Type).Inc()
}
