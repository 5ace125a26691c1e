// SPDX-License-Identifier: MIT

// Package router places real-time transcription sessions onto rtworker
// instances. Workers announce themselves through heartbeats; allocation
// picks the least-loaded healthy worker whose declared languages and
// models cover the request and reserves a slot with a transactional
// counter update, so two gateways racing for the last slot have exactly
// one winner. A periodic monitor expires quiet workers, interrupts the
// sessions they hosted and reconciles counters against the session rows.
package router

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dalstonhq/dalston/internal/log"
	"github.com/dalstonhq/dalston/internal/model"
	"github.com/dalstonhq/dalston/internal/store"
)

// Sentinels, mapped to HTTP statuses by the gateway.
var (
	// ErrNoCapacity means no healthy worker matching the request has a
	// free session slot. The gateway answers 503.
	ErrNoCapacity = errors.New("no realtime worker with spare capacity")
	// ErrBadTicket rejects an attach whose ticket fails verification.
	ErrBadTicket = errors.New("invalid session ticket")
	// ErrTicketExpired rejects a ticket presented after its window.
	ErrTicketExpired = errors.New("session ticket expired")
)

const (
	// DefaultHeartbeatTTL is the worker liveness window.
	DefaultHeartbeatTTL = 30 * time.Second
	// DefaultTicketTTL is how long an allocation ticket stays attachable.
	DefaultTicketTTL = time.Minute
)

// AllocateRequest describes one session to place. Zero values take the
// streaming defaults: language auto, pcm16 at 16 kHz.
type AllocateRequest struct {
	TenantID      string
	Language      string
	Model         string
	Encoding      string
	SampleRate    int
	RetentionDays int
}

// SessionStats is what the gateway measured over the session's lifetime,
// written onto the session row at release.
type SessionStats struct {
	AudioDurationSeconds float64
	SegmentCount         int
	WordCount            int
}

// Heartbeat is one liveness report from a worker. ActiveSessions is the
// worker's own count and is only compared against the registry for drift
// visibility; the registry counter stays authoritative because it moves
// under the same transaction that records the session. Draining marks the
// worker unschedulable without touching the sessions it still hosts.
type Heartbeat struct {
	WorkerID       string
	Addr           string
	Capacity       int
	ActiveSessions int
	Languages      []string
	Models         []string
	Draining       bool
}

// Router is the session placement service. Worker rows live in the state
// store so every gateway replica allocates against the same view.
type Router struct {
	store     store.Store
	secret    []byte
	ttl       time.Duration
	ticketTTL time.Duration
	logger    zerolog.Logger
}

// New creates a router. secret signs session tickets and must match the
// rtworkers' configured secret; ttl is the worker liveness window and
// ticketTTL how long an unredeemed ticket stays attachable. Zero
// durations pick the defaults.
func New(st store.Store, secret []byte, ttl, ticketTTL time.Duration) *Router {
	if ttl <= 0 {
		ttl = DefaultHeartbeatTTL
	}
	if ticketTTL <= 0 {
		ticketTTL = DefaultTicketTTL
	}
	return &Router{
		store:     st,
		secret:    secret,
		ttl:       ttl,
		ticketTTL: ticketTTL,
		logger:    log.WithComponent("router"),
	}
}

// TTL returns the worker liveness window.
func (r *Router) TTL() time.Duration { return r.ttl }

// Allocate reserves a slot on the least-loaded live worker that serves
// the requested language and model, records the session as active and
// returns a signed ticket for the attach. Candidates are retried in load
// order when the conditional reservation loses a race, so allocation
// only fails with ErrNoCapacity once every candidate is genuinely full.
func (r *Router) Allocate(ctx context.Context, req AllocateRequest) (*model.SessionTicket, error) {
	if req.Language == "" {
		req.Language = "auto"
	}
	if req.Encoding == "" {
		req.Encoding = "pcm16"
	}
	if req.SampleRate == 0 {
		req.SampleRate = 16000
	}

	workers, err := r.store.ListWorkers(ctx)
	if err != nil {
		allocationsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("allocate: list workers: %w", err)
	}
	now := time.Now().UTC()
	var candidates []*model.RTWorker
	for _, w := range workers {
		if w.Alive(now, r.ttl) && w.HasCapacity() && w.Serves(req.Language, req.Model) {
			candidates = append(candidates, w)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].ActiveSessions != candidates[j].ActiveSessions {
			return candidates[i].ActiveSessions < candidates[j].ActiveSessions
		}
		return candidates[i].ID < candidates[j].ID
	})

	sessionID := uuid.NewString()
	var hosted *model.RTWorker
	for _, cand := range candidates {
		updated, err := r.store.UpdateWorker(ctx, cand.ID, func(rec *model.RTWorker) error {
			// Re-check against the row the transaction will commit; the
			// listing above may be stale by now.
			if !rec.HasCapacity() || !rec.Serves(req.Language, req.Model) {
				return store.ErrConflict
			}
			rec.ActiveSessions++
			rec.SessionIDs = append(rec.SessionIDs, sessionID)
			return nil
		})
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			allocationsTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("allocate: reserve worker %s: %w", cand.ID, err)
		}
		hosted = updated
		break
	}
	if hosted == nil {
		allocationsTotal.WithLabelValues("no_capacity").Inc()
		return nil, fmt.Errorf("allocate session: %w", ErrNoCapacity)
	}

	sess := &model.Session{
		ID:            sessionID,
		TenantID:      req.TenantID,
		Status:        model.SessionActive,
		WorkerID:      hosted.ID,
		Language:      req.Language,
		Model:         req.Model,
		Encoding:      req.Encoding,
		SampleRate:    req.SampleRate,
		RetentionDays: req.RetentionDays,
		StartedAt:     now,
	}
	if err := r.store.PutSession(ctx, sess); err != nil {
		r.freeSlot(ctx, hosted.ID, sessionID)
		allocationsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("allocate: record session: %w", err)
	}

	expires := now.Add(r.ticketTTL)
	ticket := &model.SessionTicket{
		SessionID: sessionID,
		WorkerID:  hosted.ID,
		WorkerURL: hosted.Addr,
		Token:     mintToken(r.secret, sessionID, hosted.ID, expires),
		ExpiresAt: expires,
	}
	allocationsTotal.WithLabelValues("ok").Inc()
	r.logger.Info().Str("session_id", sessionID).Str("worker_id", hosted.ID).
		Str("tenant_id", req.TenantID).Str("language", req.Language).Str("model", req.Model).
		Int("worker_load", hosted.ActiveSessions).Msg("session allocated")
	return ticket, nil
}

// Release terminalizes the session row with the gateway's final stats and
// frees the worker slot. Releasing a session the monitor already
// interrupted, or releasing twice, returns the row as it stands; the slot
// is only freed by whoever wins the terminal write.
func (r *Router) Release(ctx context.Context, sessionID string, status model.SessionStatus, closeReason string, stats SessionStats) (*model.Session, error) {
	if status == "" {
		status = model.SessionCompleted
	}
	if !status.Terminal() {
		return nil, fmt.Errorf("release %s: status %q is not terminal", sessionID, status)
	}
	now := time.Now().UTC()
	sess, err := r.store.UpdateSession(ctx, sessionID, func(rec *model.Session) error {
		rec.Status = status
		rec.CloseReason = closeReason
		rec.AudioDurationSeconds = stats.AudioDurationSeconds
		rec.SegmentCount = stats.SegmentCount
		rec.WordCount = stats.WordCount
		rec.EndedAt = &now
		rec.PurgeAfter = model.PurgeDeadline(rec.RetentionDays, now)
		return nil
	})
	if errors.Is(err, store.ErrConflict) {
		return r.store.GetSession(ctx, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("release %s: %w", sessionID, err)
	}
	// If freeing the slot fails here the terminal row stays recorded on
	// the worker; the monitor's reconciliation drops it next tick.
	r.freeSlot(ctx, sess.WorkerID, sessionID)
	releasesTotal.WithLabelValues(string(status)).Inc()
	r.logger.Info().Str("session_id", sessionID).Str("worker_id", sess.WorkerID).
		Str("status", string(status)).Float64("audio_seconds", stats.AudioDurationSeconds).
		Msg("session released")
	return sess, nil
}

// Heartbeat refreshes a worker's liveness and declared capabilities. The
// first heartbeat registers the worker. Session accounting fields are
// never taken from the report.
func (r *Router) Heartbeat(ctx context.Context, hb Heartbeat) error {
	if hb.WorkerID == "" {
		return fmt.Errorf("router: heartbeat without worker_id")
	}
	now := time.Now().UTC()
	recorded := -1
	_, err := r.store.UpdateWorker(ctx, hb.WorkerID, func(rec *model.RTWorker) error {
		if hb.Addr != "" {
			rec.Addr = hb.Addr
		}
		if hb.Capacity > 0 {
			rec.Capacity = hb.Capacity
		}
		if hb.Languages != nil {
			rec.Languages = hb.Languages
		}
		if hb.Models != nil {
			rec.Models = hb.Models
		}
		recorded = rec.ActiveSessions
		rec.Healthy = !hb.Draining
		rec.LastHeartbeat = now
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		w := &model.RTWorker{
			ID:            hb.WorkerID,
			Addr:          hb.Addr,
			Capacity:      hb.Capacity,
			Languages:     hb.Languages,
			Models:        hb.Models,
			Healthy:       !hb.Draining,
			RegisteredAt:  now,
			LastHeartbeat: now,
		}
		if err := r.store.UpsertWorker(ctx, w); err != nil {
			return fmt.Errorf("router: register worker %s: %w", hb.WorkerID, err)
		}
		r.logger.Info().Str("worker_id", hb.WorkerID).Str("addr", hb.Addr).
			Int("capacity", hb.Capacity).Strs("languages", hb.Languages).
			Msg("realtime worker registered")
		return nil
	}
	if err != nil {
		return fmt.Errorf("router: heartbeat %s: %w", hb.WorkerID, err)
	}
	if recorded >= 0 && hb.ActiveSessions != recorded {
		r.logger.Debug().Str("worker_id", hb.WorkerID).
			Int("reported", hb.ActiveSessions).Int("recorded", recorded).
			Msg("worker session count drifted from registry")
	}
	return nil
}

// Deregister removes a worker on clean shutdown. Sessions it still hosts
// are interrupted first; a draining worker releases them before calling.
func (r *Router) Deregister(ctx context.Context, workerID string) error {
	if n, err := r.interruptWorkerSessions(ctx, workerID, "worker shutdown"); err != nil {
		r.logger.Warn().Err(err).Str("worker_id", workerID).Msg("deregister: interrupt sessions failed")
	} else if n > 0 {
		r.logger.Warn().Str("worker_id", workerID).Int("interrupted", n).
			Msg("worker deregistered with live sessions")
	}
	if err := r.store.DeleteWorker(ctx, workerID); err != nil {
		return fmt.Errorf("router: deregister %s: %w", workerID, err)
	}
	r.logger.Info().Str("worker_id", workerID).Msg("realtime worker deregistered")
	return nil
}

// Workers lists the registry with liveness evaluated against now.
func (r *Router) Workers(ctx context.Context) ([]*model.RTWorker, error) {
	return r.store.ListWorkers(ctx)
}

// freeSlot drops one session from a worker's accounting. Missing workers
// and already-dropped sessions are fine: expiry zeroes accounting while
// sessions are still being torn down.
func (r *Router) freeSlot(ctx context.Context, workerID, sessionID string) {
	if workerID == "" {
		return
	}
	_, err := r.store.UpdateWorker(ctx, workerID, func(rec *model.RTWorker) error {
		i := slices.Index(rec.SessionIDs, sessionID)
		if i < 0 {
			return nil
		}
		rec.SessionIDs = slices.Delete(rec.SessionIDs, i, i+1)
		if rec.ActiveSessions > len(rec.SessionIDs) {
			rec.ActiveSessions = len(rec.SessionIDs)
		}
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		r.logger.Warn().Err(err).Str("worker_id", workerID).Str("session_id", sessionID).
			Msg("free slot failed, monitor will reconcile")
	}
}

// interruptWorkerSessions terminalizes every active session the given
// worker hosts and returns how many were moved.
func (r *Router) interruptWorkerSessions(ctx context.Context, workerID, reason string) (int, error) {
	sessions, err := r.store.SessionsByWorker(ctx, workerID)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	interrupted := 0
	for _, sess := range sessions {
		_, err := r.store.UpdateSession(ctx, sess.ID, func(rec *model.Session) error {
			rec.Status = model.SessionInterrupted
			rec.CloseReason = reason
			rec.EndedAt = &now
			rec.PurgeAfter = model.PurgeDeadline(rec.RetentionDays, now)
			return nil
		})
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return interrupted, err
		}
		interrupted++
		sessionsInterruptedTotal.Inc()
	}
	return interrupted, nil
}

// mintToken signs (session, worker, expiry) so workers can verify attach
// requests without a registry round trip.
func mintToken(secret []byte, sessionID, workerID string, expires time.Time) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s.%s.%d", sessionID, workerID, expires.UnixMilli())
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyTicket checks a ticket's signature, then its expiry. Workers call
// this with the shared secret before attaching a session.
func VerifyTicket(secret []byte, t model.SessionTicket, now time.Time) error {
	want := mintToken(secret, t.SessionID, t.WorkerID, t.ExpiresAt)
	if !hmac.Equal([]byte(want), []byte(t.Token)) {
		return ErrBadTicket
	}
	if now.After(t.ExpiresAt) {
		return ErrTicketExpired
	}
	return nil
}
