// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/dalstonhq/dalston/internal/model"
	"github.com/dalstonhq/dalston/internal/store"
)

// sweepBatch bounds every sweep query; leftovers wait for the next tick.
const sweepBatch = 100

// Sweeper is the scheduler's background janitor. Every interval it reports
// expired task leases onto the event stream, re-enqueues ready tasks whose
// queue write was lost, reaps dead engine instances, converges cancelling
// jobs and enforces the job runtime ceiling. Every action is conditional,
// so replicas can sweep concurrently.
type Sweeper struct {
	Sched    *Scheduler
	Interval time.Duration
}

// Run loops until ctx is cancelled.
func (sw *Sweeper) Run(ctx context.Context) {
	s := sw.Sched
	s.logger.Info().Dur("interval", sw.Interval).Msg("sweeper started")
	ticker := time.NewTicker(sw.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.sweep(ctx)
		}
	}
}

func (sw *Sweeper) sweep(ctx context.Context) {
	s := sw.Sched
	if n, err := s.sweepExpiredLeases(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("lease sweep failed")
	} else if n > 0 {
		s.logger.Info().Int("expired", n).Msg("expired task leases reported")
	}
	if n, err := sw.requeueStaleReady(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("stale ready sweep failed")
	} else if n > 0 {
		s.logger.Info().Int("requeued", n).Msg("stale ready tasks re-enqueued")
	}
	if n, err := s.Registry.Reap(ctx, s.Registry.TTL()); err != nil {
		s.logger.Warn().Err(err).Msg("instance reap failed")
	} else if n > 0 {
		s.logger.Info().Int("reaped", n).Msg("dead engine instances reaped")
	}
	if err := sw.convergeCancelling(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("cancelling sweep failed")
	}
	if err := sw.revivePendingJobs(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("pending revival sweep failed")
	}
	if s.JobTimeout > 0 {
		if err := sw.enforceJobTimeout(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("job timeout sweep failed")
		}
	}
}

// sweepExpiredLeases reports running tasks whose heartbeat lapsed. The
// report goes through the event stream so the recovery mutation happens in
// per-job event order; the handler re-verifies expiry, making repeated
// reports of the same lease harmless.
func (s *Scheduler) sweepExpiredLeases(ctx context.Context) (int, error) {
	expired, err := s.Store.ExpiredTaskLeases(ctx, time.Now().UTC(), sweepBatch)
	if err != nil {
		return 0, err
	}
	for i, t := range expired {
		ev, err := model.NewEvent(model.EventTaskHeartbeatExpire, t.JobID, "", model.TaskLifecyclePayload{
			TaskID:     t.ID,
			Stage:      t.Stage,
			Attempt:    t.Attempt,
			InstanceID: t.LeaseHolder,
		})
		if err != nil {
			return i, err
		}
		if err := s.Bus.Append(ctx, ev); err != nil {
			return i, err
		}
		s.logger.Warn().Str("job_id", t.JobID).Str("task_id", t.ID).
			Str("stage", string(t.Stage)).Str("holder", t.LeaseHolder).
			Int("attempt", t.Attempt).Msg("task lease expired")
	}
	return len(expired), nil
}

// requeueStaleReady re-enqueues tasks stuck in ready. The promote path
// writes ready before the queue message, so a crash in between leaves a
// ready row with no delivery; two lease windows is long enough to rule out
// ordinary queue latency. Duplicates are absorbed by the claim
// compare-and-set, and each requeue touches the row so a task waiting for
// an engine to come online is re-sent once per window, not once per tick.
func (sw *Sweeper) requeueStaleReady(ctx context.Context) (int, error) {
	s := sw.Sched
	cutoff := time.Now().UTC().Add(-2 * s.LeaseTTL)
	stale, err := s.Store.StaleReadyTasks(ctx, cutoff, sweepBatch)
	if err != nil {
		return 0, err
	}
	requeued := 0
	for _, t := range stale {
		job, err := s.Store.GetJob(ctx, t.JobID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				s.logger.Warn().Err(err).Str("task_id", t.ID).Msg("stale ready: job lookup failed")
			}
			continue
		}
		if job.Status.Terminal() || job.Status == model.JobCancelling {
			continue
		}
		if err := s.enqueue(ctx, job, t); err != nil {
			s.logger.Warn().Err(err).Str("task_id", t.ID).Msg("stale ready: requeue failed")
			continue
		}
		if _, err := s.Store.UpdateTask(ctx, t.ID, func(*model.Task) error { return nil }); err != nil &&
			!errors.Is(err, store.ErrConflict) && !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn().Err(err).Str("task_id", t.ID).Msg("stale ready: touch failed")
		}
		requeued++
	}
	return requeued, nil
}

// convergeCancelling finishes cancelling jobs whose engine confirmations
// were lost, e.g. when the engine died and its lease report raced the
// cancel.
func (sw *Sweeper) convergeCancelling(ctx context.Context) error {
	s := sw.Sched
	jobs, err := s.Store.ListJobs(ctx, store.JobFilter{
		Statuses: []model.JobStatus{model.JobCancelling},
		Limit:    sweepBatch,
	})
	if err != nil {
		return err
	}
	for _, job := range jobs {
		tasks, err := s.Store.ListTasks(ctx, job.ID)
		if err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("cancelling sweep: list tasks failed")
			continue
		}
		if err := s.advanceCancelling(ctx, job, tasks); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("cancelling sweep: converge failed")
		}
	}
	return nil
}

// revivePendingJobs re-announces pending jobs that never got a graph. The
// announcement after the job insert is not transactional; a gateway crash
// in between leaves a pending row no consumer has heard of.
func (sw *Sweeper) revivePendingJobs(ctx context.Context) error {
	s := sw.Sched
	jobs, err := s.Store.ListJobs(ctx, store.JobFilter{
		Statuses: []model.JobStatus{model.JobPending},
		Limit:    sweepBatch,
	})
	if err != nil {
		return err
	}
	cutoff := time.Now().UTC().Add(-2 * s.LeaseTTL)
	for _, job := range jobs {
		if job.CreatedAt.After(cutoff) {
			continue
		}
		tasks, err := s.Store.ListTasks(ctx, job.ID)
		if err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("pending revival: list tasks failed")
			continue
		}
		if len(tasks) > 0 {
			continue
		}
		ev, err := model.NewEvent(model.EventJobCreated, job.ID, job.CorrelationID, nil)
		if err != nil {
			return err
		}
		if err := s.Bus.Append(ctx, ev); err != nil {
			return err
		}
		s.logger.Warn().Str("job_id", job.ID).Msg("pending job had no graph, re-announced")
	}
	return nil
}

// enforceJobTimeout fails jobs running longer than the configured ceiling.
// Task deadlines normally fire first; this is the backstop for graphs
// wedged between stages.
func (sw *Sweeper) enforceJobTimeout(ctx context.Context) error {
	s := sw.Sched
	cutoff := time.Now().UTC().Add(-s.JobTimeout)
	jobs, err := s.Store.ListJobs(ctx, store.JobFilter{
		Statuses: []model.JobStatus{model.JobRunning},
		Limit:    sweepBatch,
	})
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if job.StartedAt == nil || job.StartedAt.After(cutoff) {
			continue
		}
		failure := model.NewError(model.ErrKindTimeout, "job exceeded the %s runtime ceiling", s.JobTimeout)
		if err := s.failJob(ctx, job, failure); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("job timeout: fail failed")
		}
	}
	return nil
}
