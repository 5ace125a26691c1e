// SPDX-License-Identifier: MIT

// Package rtworker hosts real-time transcription sessions. A worker is
// the WebSocket server the gateway attaches allocated sessions to: it
// verifies the router-minted ticket, decodes the PCM stream through the
// streaming recognizer and reports per-session totals over the socket.
// Heartbeats keep the router registry row fresh; a clean shutdown closes
// hosted sessions and removes the row.
package rtworker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dalstonhq/dalston/internal/config"
	"github.com/dalstonhq/dalston/internal/health"
	"github.com/dalstonhq/dalston/internal/log"
	"github.com/dalstonhq/dalston/internal/model"
	"github.com/dalstonhq/dalston/internal/router"
)

const (
	// DefaultCapacity bounds concurrent sessions when config leaves it
	// unset.
	DefaultCapacity = 8

	// wsReadLimit caps a single frame, same as the gateway's limit.
	wsReadLimit = 1 << 20

	// shutdownGrace bounds registry cleanup once the run context is dead.
	shutdownGrace = 5 * time.Second
)

// Worker is one real-time session host.
type Worker struct {
	id        string
	advertise string
	capacity  int
	languages []string
	models    []string
	secret    []byte
	router    *router.Router
	health    *health.Manager
	ttl       time.Duration

	active     atomic.Int64
	draining   atomic.Bool
	stopping   atomic.Bool
	registered atomic.Bool

	mu    sync.Mutex
	conns map[string]*websocket.Conn

	logger zerolog.Logger
}

// New builds a worker from config. secret must match the router's ticket
// secret or every attach is rejected. cfg.AdvertiseURL is the address
// gateways dial and has to be resolved by the caller before New.
func New(cfg config.RTWorkerConfig, secret []byte, rt *router.Router, hm *health.Manager) (*Worker, error) {
	if rt == nil {
		return nil, errors.New("rtworker: router is required")
	}
	if len(secret) == 0 {
		return nil, errors.New("rtworker: ticket secret is required")
	}
	if cfg.AdvertiseURL == "" {
		return nil, errors.New("rtworker: advertise URL is required")
	}
	id := cfg.WorkerID
	if id == "" {
		host, _ := os.Hostname()
		id = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString())
	}
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	ttl := cfg.HeartbeatTTL
	if ttl <= 0 {
		ttl = router.DefaultHeartbeatTTL
	}
	if hm == nil {
		hm = health.NewManager("")
	}
	w := &Worker{
		id:        id,
		advertise: cfg.AdvertiseURL,
		capacity:  capacity,
		languages: cfg.Languages,
		models:    cfg.Models,
		secret:    secret,
		router:    rt,
		health:    hm,
		ttl:       ttl,
		conns:     map[string]*websocket.Conn{},
		logger:    log.WithComponent("rtworker").With().Str("worker_id", id).Logger(),
	}
	hm.RegisterChecker(health.NewFuncChecker("registry", w.checkRegistry))
	hm.RegisterChecker(health.NewFuncChecker("sessions", w.checkSessions))
	return w, nil
}

// ID returns the worker's registry identity.
func (w *Worker) ID() string { return w.id }

// ActiveSessions returns the worker's own live-session count.
func (w *Worker) ActiveSessions() int { return int(w.active.Load()) }

// SetDraining flips intake. A draining worker rejects new attaches and
// reports itself unschedulable to the router; active sessions run on.
func (w *Worker) SetDraining(v bool) {
	w.draining.Store(v)
	if v {
		w.logger.Info().Msg("worker draining, rejecting new sessions")
	}
	if !w.registered.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := w.beat(ctx); err != nil {
		w.logger.Warn().Err(err).Msg("drain heartbeat failed")
	}
}

/// Routes assembles the worker's HTTP surface: the session attach endpoint
// plus the diagnostic probes.
func (w *Worker) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/v1/session", w.handleSession)
	r.Get("/health", w.health.ServeHealth)
	r.Get("/ready", w.health.ServeReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

// Run registers with the router and keeps the registration fresh until
// ctx ends. Hosted sessions are closed on the way out and the registry
// row removed.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.beat(ctx); err != nil {
		return fmt.Errorf("rtworker: initial heartbeat: %w", err)
	}
	w.logger.Info().Str("addr", w.advertise).Int("capacity", w.capacity).
		Strs("languages", w.languages).Strs("models", w.models).Msg("worker registered")

	t := time.NewTicker(w.ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			return nil
		case <-t.C:
			if err := w.beat(ctx); err != nil && ctx.Err() == nil {
				w.logger.Warn().Err(err).Msg("router heartbeat failed")
			}
		}
	}
}

func (w *Worker) beat(ctx context.Context) error {
	err := w.router.Heartbeat(ctx, router.Heartbeat{
		WorkerID:       w.id,
		Addr:           w.advertise,
		Capacity:       w.capacity,
		ActiveSessions: int(w.active.Load()),
		Languages:      w.languages,
		Models:         w.models,
		Draining:       w.draining.Load(),
	})
	if err != nil {
		return err
	}
	w.registered.Store(true)
	return nil
}

// shutdown runs after the run context died, so cleanup gets its own
// deadline. The gateway notices each closed socket and terminalizes its
// session row; Deregister mops up whatever it missed.
func (w *Worker) shutdown() {
	w.stopping.Store(true)
	w.draining.Store(true)
	w.closeSessions()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := w.router.Deregister(ctx, w.id); err != nil {
		w.logger.Warn().Err(err).Msg("deregister failed, monitor will expire the row")
	}
	w.registered.Store(false)
}

func (w *Worker) closeSessions() {
	w.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(w.conns))
	for _, c := range w.conns {
		conns = append(conns, c)
	}
	w.mu.Unlock()
	for _, c := range conns {
		c.Close(websocket.StatusGoingAway, "worker shutting down")
	}
	if len(conns) > 0 {
		w.logger.Warn().Int("sessions", len(conns)).Msg("live sessions closed by shutdown")
	}
}

// handleSession is the attach endpoint the gateway dials. The ticket and
// session parameters arrive in the query because the worker has no
// state-store access.
func (w *Worker) handleSession(rw http.ResponseWriter, r *http.Request) {
	if w.draining.Load() {
		attachRejectsTotal.WithLabelValues("draining").Inc()
		http.Error(rw, "worker is draining", http.StatusServiceUnavailable)
		return
	}

	q := r.URL.Query()
	ticket := model.SessionTicket{
		SessionID: q.Get("session_id"),
		WorkerID:  q.Get("worker_id"),
		Token:     q.Get("token"),
	}
	ms, err := strconv.ParseInt(q.Get("expires_ms"), 10, 64)
	if err != nil {
		attachRejectsTotal.WithLabelValues("ticket").Inc()
		http.Error(rw, "malformed ticket", http.StatusUnauthorized)
		return
	}
	ticket.ExpiresAt = time.UnixMilli(ms)
	if ticket.WorkerID != w.id {
		attachRejectsTotal.WithLabelValues("ticket").Inc()
		http.Error(rw, "ticket names another worker", http.StatusForbidden)
		return
	}
	if err := router.VerifyTicket(w.secret, ticket, time.Now()); err != nil {
		attachRejectsTotal.WithLabelValues("ticket").Inc()
		msg := "invalid ticket"
		if errors.Is(err, router.ErrTicketExpired) {
			msg = "ticket expired"
		}
		http.Error(rw, msg, http.StatusUnauthorized)
		return
	}
	sampleRate, err := strconv.Atoi(q.Get("sample_rate"))
	if err != nil || sampleRate <= 0 {
		attachRejectsTotal.WithLabelValues("params").Inc()
		http.Error(rw, "sample_rate must be a positive integer", http.StatusBadRequest)
		return
	}

	if !w.reserve() {
		attachRejectsTotal.WithLabelValues("capacity").Inc()
		http.Error(rw, "worker at capacity", http.StatusServiceUnavailable)
		return
	}
	defer w.release()

	logger := w.logger.With().Str("session_id", ticket.SessionID).Logger()
	conn, err := websocket.Accept(rw, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(wsReadLimit)

	if !w.track(ticket.SessionID, conn) {
		attachRejectsTotal.WithLabelValues("replay").Inc()
		logger.Warn().Msg("duplicate attach for live session rejected")
		conn.Close(websocket.StatusPolicyViolation, "session already attached")
		return
	}
	defer w.untrack(ticket.SessionID)

	sess := &session{
		w:      w,
		id:     ticket.SessionID,
		conn:   conn,
		rec:    &recognizer{sampleRate: sampleRate},
		logger: logger,
	}
	logger.Info().Str("language", q.Get("language")).Str("model", q.Get("model")).
		Str("encoding", q.Get("encoding")).Int("sample_rate", sampleRate).
		Msg("session attached")

	sessionsActive.Inc()
	outcome := sess.run(r.Context())
	sessionsActive.Dec()
	sessionsTotal.WithLabelValues(outcome).Inc()
	audioSecondsTotal.Add(sess.rec.seconds())

	logger.Info().Str("outcome", outcome).Float64("audio_seconds", sess.rec.seconds()).
		Int("segments", sess.rec.segments).Int("words", sess.rec.words).
		Msg("session finished")
}

// reserve takes a session slot, failing when the worker is full.
func (w *Worker) reserve() bool {
	for {
		cur := w.active.Load()
		if cur >= int64(w.capacity) {
			return false
		}
		if w.active.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (w *Worker) release() { w.active.Add(-1) }

// track records a hosted connection so shutdown can close it. A second
// attach for a session that is still live is refused.
func (w *Worker) track(id string, conn *websocket.Conn) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, live := w.conns[id]; live {
		return false
	}
	w.conns[id] = conn
	return true
}

func (w *Worker) untrack(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.conns, id)
}

// checkRegistry reports whether the router has accepted a heartbeat.
func (w *Worker) checkRegistry(ctx context.Context) health.CheckResult {
	if !w.registered.Load() {
		return health.CheckResult{Status: health.StatusUnhealthy, Error: "no heartbeat accepted yet"}
	}
	return health.CheckResult{Status: health.StatusHealthy, Message: "registered"}
}

// checkSessions reports session load. A full or draining worker is
// degraded, not unhealthy: the sessions it hosts keep streaming.
func (w *Worker) checkSessions(ctx context.Context) health.CheckResult {
	active := int(w.active.Load())
	msg := fmt.Sprintf("%d/%d sessions", active, w.capacity)
	switch {
	case w.draining.Load():
		return health.CheckResult{Status: health.StatusDegraded, Message: "draining, " + msg}
	case active >= w.capacity:
		return health.CheckResult{Status: health.StatusDegraded, Message: msg}
	}
	return health.CheckResult{Status: health.StatusHealthy, Message: msg}
}
