package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaypush/internal/lifecycle"
	"github.com/agentworkforce/relaypush/internal/session"
)

// Machine is the lifecycle surface the control API drives.
type Machine interface {
	CurrentState() lifecycle.State
	LastError(ctx context.Context) (lifecycle.ErrorContext, bool, error)
	SessionSnapshot() session.Cache
	Transition(ev lifecycle.Event, payload lifecycle.Payload)
	SubscribeChan(buffer int) (<-chan lifecycle.StateChange, func())
}

// Operator runs the requests that are not plain lifecycle events.
type Operator interface {
	SyncNow(ctx context.Context) error
	UpdateCredentials(ctx context.Context, creds session.Credentials) error
}

// Observer records request metrics. *metrics.Metrics satisfies it.
type Observer interface {
	ObserveHTTP(method, route string, status int, took time.Duration)
	Handler() http.Handler
}

type ServerConfig struct {
	// Token, when set, is required as a bearer token on every /v1 route.
	Token           string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	WriteTimeout    time.Duration
	Logger          *slog.Logger
}

type Server struct {
	machine     Machine
	operator    Operator
	observer    Observer
	cfg         ServerConfig
	rateLimiter *rateLimiter
	logger      *slog.Logger
}

// rateLimiter keeps one token bucket per client, refilled at max per
// window. Buckets idle for a full window are full again and get evicted.
type rateLimiter struct {
	mu        sync.Mutex
	window    time.Duration
	max       int
	every     time.Duration
	entries   map[string]*rateEntry
	nextPrune time.Time
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(max int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		window:  window,
		max:     max,
		every:   window / time.Duration(max),
		entries: map[string]*rateEntry{},
	}
}

// External triggers accepted on /v1/transitions. The rest of the events are
// produced internally and would break the machine's invariants if injected.
var externalEvents = map[lifecycle.Event]struct{}{
	lifecycle.EventLogout:                   {},
	lifecycle.EventCredentialsAvailable:     {},
	lifecycle.EventReconnectAttempt:         {},
	lifecycle.EventColdStartWithCredentials: {},
}

const eventSync = "sync"

func NewServer(machine Machine, operator Operator, observer Observer, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = newRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow)
	}
	return &Server{
		machine:     machine,
		operator:    operator,
		observer:    observer,
		cfg:         cfg,
		rateLimiter: limiter,
		logger:      logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	route := s.serve(rec, r)
	if s.observer != nil && route != "" {
		s.observer.ObserveHTTP(r.Method, route, rec.status, time.Since(started))
	}
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) string {
	correlationID := getCorrelationID(r)
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return "health"
	}
	if r.URL.Path == "/" && r.Method == http.MethodGet {
		s.handleDashboard(w, r)
		return "dashboard"
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet && s.observer != nil {
		s.observer.Handler().ServeHTTP(w, r)
		return ""
	}

	var route string
	switch {
	case r.URL.Path == "/v1/state" && r.Method == http.MethodGet:
		route = "state"
	case r.URL.Path == "/v1/state/stream" && r.Method == http.MethodGet:
		route = "state_stream"
	case r.URL.Path == "/v1/session" && r.Method == http.MethodGet:
		route = "session"
	case r.URL.Path == "/v1/transitions" && r.Method == http.MethodPost:
		route = "transitions"
	case r.URL.Path == "/v1/credentials" && r.Method == http.MethodPut:
		route = "credentials"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return "not_found"
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" && route == "state_stream" {
		// Browsers cannot set headers on a websocket upgrade.
		if token := r.URL.Query().Get("token"); token != "" {
			authHeader = "Bearer " + token
		}
	}
	if authErr := authorizeBearer(authHeader, s.cfg.Token); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return route
	}
	if s.rateLimiter != nil && route != "state_stream" {
		if ok, wait := s.rateLimiter.allow(clientKey(r), time.Now()); !ok {
			retryAfter := int(math.Ceil(wait.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return route
		}
	}

	switch route {
	case "state":
		s.handleState(w, r, correlationID)
	case "state_stream":
		s.handleStateStream(w, r)
	case "session":
		writeJSON(w, http.StatusOK, s.machine.SessionSnapshot())
	case "transitions":
		s.handleTransition(w, r, correlationID)
	case "credentials":
		s.handleCredentials(w, r, correlationID)
	}
	return route
}

type stateResponse struct {
	State       lifecycle.State         `json:"state"`
	Description string                  `json:"description"`
	LastError   *lifecycle.ErrorContext `json:"lastError,omitempty"`
}

func (s *Server) stateResponse(ctx context.Context) (stateResponse, error) {
	current := s.machine.CurrentState()
	resp := stateResponse{State: current, Description: current.Description()}
	last, ok, err := s.machine.LastError(ctx)
	if err != nil {
		return resp, err
	}
	if ok {
		resp.LastError = &last
	}
	return resp, nil
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request, correlationID string) {
	resp, err := s.stateResponse(r.Context())
	if err != nil {
		s.logger.Warn("load last error failed", "err", err, "correlation_id", correlationID)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load lifecycle state", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type transitionRequest struct {
	Event string `json:"event"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req transitionRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if strings.EqualFold(strings.TrimSpace(req.Event), eventSync) {
		if s.machine.CurrentState() != lifecycle.Ready && s.machine.CurrentState() != lifecycle.Degraded {
			writeError(w, http.StatusConflict, "conflict", "sync requires READY or DEGRADED", correlationID)
			return
		}
		if err := s.operator.SyncNow(r.Context()); err != nil {
			s.logger.Warn("manual sync failed", "err", err, "correlation_id", correlationID)
			writeError(w, http.StatusBadGateway, "sync_failed", err.Error(), correlationID)
			return
		}
		s.handleState(w, r, correlationID)
		return
	}
	ev, err := lifecycle.ParseEvent(req.Event)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	if _, ok := externalEvents[ev]; !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "event "+string(ev)+" cannot be triggered externally", correlationID)
		return
	}
	s.machine.Transition(ev, lifecycle.Payload{Detail: "control api " + correlationID})
	s.handleState(w, r, correlationID)
}

func (s *Server) handleCredentials(w http.ResponseWriter, r *http.Request, correlationID string) {
	var creds session.Credentials
	if !s.decodeJSONBody(w, r, correlationID, &creds) {
		return
	}
	creds.Token = strings.TrimSpace(creds.Token)
	creds.DeviceID = strings.TrimSpace(creds.DeviceID)
	if !creds.Valid() {
		writeError(w, http.StatusBadRequest, "bad_request", "token is required", correlationID)
		return
	}
	if err := s.operator.UpdateCredentials(r.Context(), creds); err != nil {
		s.logger.Warn("store credentials failed", "err", err, "correlation_id", correlationID)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to store credentials", correlationID)
		return
	}
	resp, err := s.stateResponse(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load lifecycle state", correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// handleStateStream sends the current state and then one JSON message per
// state change until the client goes away.
func (s *Server) handleStateStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("state stream upgrade failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	changes, unsubscribe := s.machine.SubscribeChan(16)
	defer unsubscribe()
	ctx := conn.CloseRead(r.Context())

	current := s.machine.CurrentState()
	initial := lifecycle.StateChange{From: current, To: current, Description: current.Description(), At: time.Now().UTC()}
	if err := s.write(ctx, conn, initial); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case change, ok := <-changes:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			if err := s.write(ctx, conn, change); err != nil {
				s.logger.Debug("state stream write failed", "err", err)
				return
			}
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return uuid.NewString()
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

// allow takes a token for key. When the bucket is empty it reports how long
// until the next token.
func (r *rateLimiter) allow(key string, now time.Time) (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(now)
	entry, ok := r.entries[key]
	if !ok {
		entry = &rateEntry{limiter: rate.NewLimiter(rate.Every(r.every), r.max)}
		r.entries[key] = entry
	}
	entry.lastSeen = now
	if entry.limiter.AllowN(now, 1) {
		return true, 0
	}
	res := entry.limiter.ReserveN(now, 1)
	wait := res.DelayFrom(now)
	res.CancelAt(now)
	return false, wait
}

func (r *rateLimiter) pruneLocked(now time.Time) {
	if now.Before(r.nextPrune) {
		return
	}
	r.nextPrune = now.Add(r.window)
	for key, entry := range r.entries {
		if now.Sub(entry.lastSeen) >= r.window {
			delete(r.entries, key)
		}
	}
}

func (r *rateLimiter) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrade reach the underlying connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
