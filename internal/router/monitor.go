// SPDX-License-Identifier: MIT

package router

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/dalstonhq/dalston/internal/model"
	"github.com/dalstonhq/dalston/internal/store"
)

// DefaultMonitorInterval is how often the health monitor sweeps.
const DefaultMonitorInterval = 10 * time.Second

// reapMultiple is how many liveness windows a worker may sit unhealthy
// and empty before its row is removed.
const reapMultiple = 4

// Monitor is the router's periodic health pass. Every tick it expires
// workers whose heartbeat lapsed, interrupts the sessions they hosted,
// drops orphaned session records from worker accounting and interrupts
// active sessions whose worker is gone. Every action is conditional, so
// replicas can run monitors concurrently.
type Monitor struct {
	Router   *Router
	Interval time.Duration
}

// Run loops until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	r := m.Router
	interval := m.Interval
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	r.logger.Info().Dur("interval", interval).Msg("session monitor started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	r := m.Router
	if n, err := r.expireWorkers(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("worker expiry sweep failed")
	} else if n > 0 {
		r.logger.Warn().Int("expired", n).Msg("quiet workers marked unhealthy")
	}
	if n, err := r.reconcileWorkers(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("worker reconciliation failed")
	} else if n > 0 {
		r.logger.Info().Int("orphans", n).Msg("orphaned session records dropped")
	}
	if n, err := r.reconcileSessions(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("session reconciliation failed")
	} else if n > 0 {
		r.logger.Warn().Int("interrupted", n).Msg("unhosted sessions interrupted")
	}
	if n, err := r.reapWorkers(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("worker reap failed")
	} else if n > 0 {
		r.logger.Info().Int("reaped", n).Msg("dead workers removed")
	}
	r.refreshGauges(ctx)
}

// expireWorkers marks workers whose heartbeat lapsed as unhealthy,
// interrupts the sessions they hosted and zeroes their accounting. The
// worker keeps its row so a late recovery re-registers with history.
// Draining workers are already unhealthy but still host sessions, so
// expiry keys on the heartbeat, not the health flag.
func (r *Router) expireWorkers(ctx context.Context) (int, error) {
	workers, err := r.store.ListWorkers(ctx)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	expired := 0
	for _, w := range workers {
		if now.Sub(w.LastHeartbeat) <= r.ttl {
			continue
		}
		if !w.Healthy && len(w.SessionIDs) == 0 {
			// Already expired and emptied; the reaper owns it now.
			continue
		}
		_, err := r.store.UpdateWorker(ctx, w.ID, func(rec *model.RTWorker) error {
			rec.Healthy = false
			return nil
		})
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return expired, err
		}
		workersExpiredTotal.Inc()
		if n, err := r.interruptWorkerSessions(ctx, w.ID, "worker lost"); err != nil {
			r.logger.Warn().Err(err).Str("worker_id", w.ID).Msg("expiry: interrupt sessions failed")
		} else if n > 0 {
			r.logger.Warn().Str("worker_id", w.ID).Int("interrupted", n).
				Msg("expired worker's sessions interrupted")
		}
		if _, err := r.store.UpdateWorker(ctx, w.ID, func(rec *model.RTWorker) error {
			rec.ActiveSessions = 0
			rec.SessionIDs = nil
			return nil
		}); err != nil && !errors.Is(err, store.ErrNotFound) {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// reconcileWorkers drops session IDs from worker accounting when the
// session row is missing or already terminal, e.g. when the owning
// gateway died before writing its end record. The counter is restored to
// the size of the surviving set, which is the invariant the rest of the
// router maintains transactionally.
func (r *Router) reconcileWorkers(ctx context.Context) (int, error) {
	workers, err := r.store.ListWorkers(ctx)
	if err != nil {
		return 0, err
	}
	dropped := 0
	for _, w := range workers {
		var orphans []string
		for _, id := range w.SessionIDs {
			sess, err := r.store.GetSession(ctx, id)
			switch {
			case errors.Is(err, store.ErrNotFound):
				orphans = append(orphans, id)
			case err != nil:
				return dropped, err
			case sess.Status.Terminal():
				orphans = append(orphans, id)
			}
		}
		if len(orphans) == 0 {
			continue
		}
		_, err := r.store.UpdateWorker(ctx, w.ID, func(rec *model.RTWorker) error {
			rec.SessionIDs = slices.DeleteFunc(rec.SessionIDs, func(id string) bool {
				return slices.Contains(orphans, id)
			})
			rec.ActiveSessions = len(rec.SessionIDs)
			return nil
		})
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return dropped, err
		}
		dropped += len(orphans)
		orphansReconciledTotal.Add(float64(len(orphans)))
	}
	return dropped, nil
}

// reconcileSessions interrupts active sessions whose worker row is gone
// or no longer records them. Fresh sessions get one liveness window of
// grace because allocation reserves the slot before the session row
// exists.
func (r *Router) reconcileSessions(ctx context.Context) (int, error) {
	sessions, err := r.store.ListSessions(ctx, "", true)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	interrupted := 0
	for _, sess := range sessions {
		if now.Sub(sess.StartedAt) <= r.ttl {
			continue
		}
		hosted := false
		w, err := r.store.GetWorker(ctx, sess.WorkerID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return interrupted, err
		default:
			hosted = slices.Contains(w.SessionIDs, sess.ID)
		}
		if hosted {
			continue
		}
		_, err = r.store.UpdateSession(ctx, sess.ID, func(rec *model.Session) error {
			rec.Status = model.SessionInterrupted
			rec.CloseReason = "worker lost"
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

// reapWorkers deletes rows of workers that have been unhealthy and empty
// for several liveness windows.
func (r *Router) reapWorkers(ctx context.Context) (int, error) {
	workers, err := r.store.ListWorkers(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-reapMultiple * r.ttl)
	reaped := 0
	for _, w := range workers {
		if w.Healthy || len(w.SessionIDs) > 0 || w.LastHeartbeat.After(cutoff) {
			continue
		}
		if err := r.store.DeleteWorker(ctx, w.ID); err != nil {
			return reaped, err
		}
		r.logger.Warn().Str("worker_id", w.ID).Time("last_heartbeat", w.LastHeartbeat).
			Msg("worker missed heartbeats, removed")
		reaped++
	}
	return reaped, nil
}

// refreshGauges publishes the registry view as of this sweep.
func (r *Router) refreshGauges(ctx context.Context) {
	workers, err := r.store.ListWorkers(ctx)
	if err != nil {
		return
	}
	var healthy, unhealthy, active int
	for _, w := range workers {
		if w.Healthy {
			healthy++
		} else {
			unhealthy++
		}
		active += w.ActiveSessions
	}
	workersGauge.WithLabelValues("true").Set(float64(healthy))
	workersGauge.WithLabelValues("false").Set(float64(unhealthy))
	activeSessionsGauge.Set(float64(active))
}
