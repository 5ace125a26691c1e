// SPDX-License-Identifier: MIT

// Package audit records security-sensitive gateway operations following
// the WHO/WHAT/WHEN pattern. Every event is mirrored to the structured
// log for operators and appended to the store's audit_log table for
// compliance; the table is append-only at the schema level.
package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/dalstonhq/dalston/internal/log"
	"github.com/dalstonhq/dalston/internal/model"
	"github.com/dalstonhq/dalston/internal/store"
)

// Gateway-surface audit actions. Job mutations (submit, cancel, retry)
// are audited by the job service next to their row writes.
const (
	ActionAuthFailure     = "auth.failure"
	ActionAuthMissing     = "auth.missing"
	ActionRateLimited     = "api.ratelimit"
	ActionSessionAllocate = "session.allocate"
	ActionSessionRelease  = "session.release"
)

// Recorder mirrors audit entries to the log and appends them to the
// store. A nil store keeps the log mirror only, which virtual mode and
// tests use.
type Recorder struct {
	store  store.Store
	logger zerolog.Logger
}

// New wires a recorder. st may be nil.
func New(st store.Store) *Recorder {
	return &Recorder{
		store: st,
		logger: log.WithComponent("audit").With().
			Str("log_type", "audit").
			Logger(),
	}
}

// Record stamps and writes one entry. Store failures are logged, never
// returned: audit must not fail the request it describes, and the log
// mirror preserves the event.
func (r *Recorder) Record(ctx context.Context, e model.AuditEntry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.ActorType == "" {
		e.ActorType = model.ActorUser
	}

	ev := r.logger.Info().
		Time("timestamp", e.Timestamp).
		Str("actor_type", e.ActorType).
		Str("action", e.Action)
	if e.ActorID != "" {
		ev = ev.Str("actor_id", e.ActorID)
	}
	if e.TenantID != "" {
		ev = ev.Str("tenant_id", e.TenantID)
	}
	if e.ResourceType != "" {
		ev = ev.Str("resource_type", e.ResourceType).Str("resource_id", e.ResourceID)
	}
	if e.CorrelationID != "" {
		ev = ev.Str("correlation_id", e.CorrelationID)
	}
	if e.IPAddress != "" {
		ev = ev.Str("ip_address", e.IPAddress)
	}
	if e.UserAgent != "" {
		ev = ev.Str("user_agent", e.UserAgent)
	}
	for k, v := range e.Detail {
		ev = ev.Str(k, v)
	}
	ev.Msg("audit event")

	if r.store == nil {
		return
	}
	if err := r.store.AppendAudit(ctx, &e); err != nil {
		r.logger.Warn().Err(err).Str("action", e.Action).Msg("audit append failed")
	}
}

// AuthFailure records a rejected bearer token.
func (r *Recorder) AuthFailure(ctx context.Context, ip, userAgent, path string) {
	r.Record(ctx, model.AuditEntry{
		Action:    ActionAuthFailure,
		Detail:    map[string]string{"path": path},
		IPAddress: ip,
		UserAgent: userAgent,
	})
}

// AuthMissing records a request with no credentials at all.
func (r *Recorder) AuthMissing(ctx context.Context, ip, userAgent, path string) {
	r.Record(ctx, model.AuditEntry{
		Action:    ActionAuthMissing,
		Detail:    map[string]string{"path": path},
		IPAddress: ip,
		UserAgent: userAgent,
	})
}

// RateLimited records a request rejected by the submit rate limit.
func (r *Recorder) RateLimited(ctx context.Context, tenantID, ip, path string) {
	r.Record(ctx, model.AuditEntry{
		TenantID:  tenantID,
		Action:    ActionRateLimited,
		Detail:    map[string]string{"path": path},
		IPAddress: ip,
	})
}

// SessionAllocated records a realtime session placement.
func (r *Recorder) SessionAllocated(ctx context.Context, tenantID, actorID, sessionID, workerID, correlationID, ip, userAgent string) {
	r.Record(ctx, model.AuditEntry{
		CorrelationID: correlationID,
		TenantID:      tenantID,
		ActorID:       actorID,
		Action:        ActionSessionAllocate,
		ResourceType:  model.ResourceSession,
		ResourceID:    sessionID,
		Detail:        map[string]string{"worker_id": workerID},
		IPAddress:     ip,
		UserAgent:     userAgent,
	})
}

// SessionReleased records a realtime session end.
func (r *Recorder) SessionReleased(ctx context.Context, tenantID, actorID, sessionID string, status model.SessionStatus, reason string) {
	detail := map[string]string{"status": string(status)}
	if reason != "" {
		detail["close_reason"] = reason
	}
	r.Record(ctx, model.AuditEntry{
		TenantID:     tenantID,
		ActorID:      actorID,
		Action:       ActionSessionRelease,
		ResourceType: model.ResourceSession,
		ResourceID:   sessionID,
		Detail:       detail,
	})
}
