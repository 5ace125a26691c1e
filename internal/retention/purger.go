// SPDX-License-Identifier: MIT

// Package retention enforces per-tenant data lifetimes. A periodic sweep
// finds artifacts whose purge deadline passed, deletes the bytes from
// object storage and stamps the row; job and session rows get their
// tombstone once every deadlined artifact they own is gone. Storage
// deletes run behind a circuit breaker and a rate limiter, so an
// unhealthy or slow backend degrades the sweep instead of the sweep
// hammering the backend. Rows are only stamped after a successful
// delete, which keeps the sweep idempotent and crash-safe.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/dalstonhq/dalston/internal/blob"
	"github.com/dalstonhq/dalston/internal/log"
	"github.com/dalstonhq/dalston/internal/model"
	"github.com/dalstonhq/dalston/internal/store"
)

const (
	// DefaultInterval is the sweep period.
	DefaultInterval = time.Minute
	// purgeBatch bounds every sweep query; leftovers wait for the next tick.
	purgeBatch = 500
	// DefaultDeleteRPS caps storage deletes per second across one purger.
	DefaultDeleteRPS = 100
)

// Purger is the retention sweeper. One instance per process is enough;
// replicas may run concurrently because every mutation is conditional on
// a row that is still unpurged.
type Purger struct {
	store    store.Store
	blobs    blob.Store
	interval time.Duration
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	logger   zerolog.Logger
}

// New wires a purger over the state store and object storage. deleteRPS
// paces storage deletes; zero takes the default.
func New(st store.Store, blobs blob.Store, interval time.Duration, deleteRPS int) *Purger {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if deleteRPS <= 0 {
		deleteRPS = DefaultDeleteRPS
	}
	logger := log.WithComponent("retention")
	return &Purger{
		store:    st,
		blobs:    blobs,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Limit(deleteRPS), 2*deleteRPS),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "blob-delete",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
			// Foreign URIs are a property of the row, not of storage
			// health; they must not open the breaker.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, blob.ErrForeignURI)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				breakerState.Set(breakerStateValue(to))
				logger.Warn().Str("breaker", name).
					Str("from", from.String()).Str("to", to.String()).
					Msg("storage delete breaker state changed")
			},
		}),
		logger: logger,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (p *Purger) Run(ctx context.Context) {
	p.logger.Info().Dur("interval", p.interval).Msg("retention purger started")
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Purger) sweep(ctx context.Context) {
	if n, err := p.purgeArtifacts(ctx); err != nil {
		p.logger.Warn().Err(err).Msg("artifact purge sweep failed")
	} else if n > 0 {
		p.logger.Info().Int("purged", n).Msg("expired artifacts purged")
	}
	if n, err := p.purgeJobs(ctx); err != nil {
		p.logger.Warn().Err(err).Msg("job purge sweep failed")
	} else if n > 0 {
		p.logger.Info().Int("purged", n).Msg("expired jobs tombstoned")
	}
	if n, err := p.purgeSessions(ctx); err != nil {
		p.logger.Warn().Err(err).Msg("session purge sweep failed")
	} else if n > 0 {
		p.logger.Info().Int("purged", n).Msg("expired sessions tombstoned")
	}
}

// purgeArtifacts deletes due objects and stamps their rows. A row is
// stamped only after its bytes are confirmed gone; delete failures leave
// the row due, so the next sweep retries it. An open breaker ends the
// pass early instead of burning the whole batch against a dead backend.
func (p *Purger) purgeArtifacts(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	due, err := p.store.PurgeableArtifacts(ctx, now, purgeBatch)
	if err != nil {
		return 0, fmt.Errorf("list purgeable artifacts: %w", err)
	}
	purged := 0
	for _, a := range due {
		if err := p.limiter.Wait(ctx); err != nil {
			return purged, err
		}
		_, err := p.breaker.Execute(func() (any, error) {
			return nil, p.blobs.Delete(ctx, a.URI)
		})
		switch {
		case err == nil:
		case errors.Is(err, blob.ErrForeignURI):
			// The bytes were never ours (external source URI); the row
			// tombstone is all there is to write.
			p.logger.Debug().Str("artifact_id", a.ID).Str("uri", a.URI).
				Msg("foreign uri, tombstoning row only")
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			p.logger.Warn().Int("remaining", len(due)-purged).
				Msg("storage delete breaker open, ending purge pass")
			return purged, nil
		default:
			purgeFailuresTotal.WithLabelValues("artifact").Inc()
			p.logger.Warn().Err(err).Str("artifact_id", a.ID).Str("uri", a.URI).
				Msg("artifact delete failed, will retry next sweep")
			continue
		}
		if err := p.store.MarkArtifactPurged(ctx, a.ID, now); err != nil {
			purgeFailuresTotal.WithLabelValues("artifact").Inc()
			p.logger.Warn().Err(err).Str("artifact_id", a.ID).Msg("mark artifact purged failed")
			continue
		}
		purgedTotal.WithLabelValues("artifact").Inc()
		purged++
	}
	return purged, nil
}

// purgeJobs tombstones due job rows once none of their deadlined
// artifacts remain. Artifacts kept forever never block the tombstone.
func (p *Purger) purgeJobs(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	due, err := p.store.PurgeableJobs(ctx, now, purgeBatch)
	if err != nil {
		return 0, fmt.Errorf("list purgeable jobs: %w", err)
	}
	purged := 0
	for _, job := range due {
		blocked, err := p.artifactsPending(ctx, model.OwnerJob, job.ID)
		if err != nil {
			p.logger.Warn().Err(err).Str("job_id", job.ID).Msg("job purge: artifact check failed")
			continue
		}
		if blocked {
			continue
		}
		if err := p.store.MarkJobPurged(ctx, job.ID, now); err != nil {
			purgeFailuresTotal.WithLabelValues("job").Inc()
			p.logger.Warn().Err(err).Str("job_id", job.ID).Msg("mark job purged failed")
			continue
		}
		purgedTotal.WithLabelValues("job").Inc()
		purged++
	}
	return purged, nil
}

// purgeSessions mirrors purgeJobs for realtime session rows.
func (p *Purger) purgeSessions(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	due, err := p.store.PurgeableSessions(ctx, now, purgeBatch)
	if err != nil {
		return 0, fmt.Errorf("list purgeable sessions: %w", err)
	}
	purged := 0
	for _, sess := range due {
		blocked, err := p.artifactsPending(ctx, model.OwnerSession, sess.ID)
		if err != nil {
			p.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("session purge: artifact check failed")
			continue
		}
		if blocked {
			continue
		}
		if err := p.store.MarkSessionPurged(ctx, sess.ID, now); err != nil {
			purgeFailuresTotal.WithLabelValues("session").Inc()
			p.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("mark session purged failed")
			continue
		}
		purgedTotal.WithLabelValues("session").Inc()
		purged++
	}
	return purged, nil
}

// artifactsPending reports whether the owner still has deadlined,
// unpurged artifact rows.
func (p *Purger) artifactsPending(ctx context.Context, owner model.OwnerType, ownerID string) (bool, error) {
	arts, err := p.store.ListArtifacts(ctx, owner, ownerID)
	if err != nil {
		return false, err
	}
	for _, a := range arts {
		if a.PurgeAfter != nil && a.PurgedAt == nil {
			return true, nil
		}
	}
	return false, nil
}
