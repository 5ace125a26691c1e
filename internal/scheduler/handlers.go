// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dalstonhq/dalston/internal/catalog"
	"github.com/dalstonhq/dalston/internal/dag"
	"github.com/dalstonhq/dalston/internal/model"
	"github.com/dalstonhq/dalston/internal/store"
)

// handleJobCreated plans the task graph on first delivery and promotes
// whatever is already runnable. Replays and operator retries arrive with
// tasks in place; planning is skipped and the persisted graph advances.
func (s *Scheduler) handleJobCreated(ctx context.Context, ev model.Event) error {
	job, err := s.Store.GetJob(ctx, ev.JobID)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Warn().Str("job_id", ev.JobID).Msg("job.created for unknown job")
		return nil
	}
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	tasks, err := s.Store.ListTasks(ctx, job.ID)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		tasks, err = s.planJob(ctx, job)
		if err != nil || tasks == nil {
			return err
		}
	}

	// A rerun whose graph already succeeded end to end (a job runtime
	// ceiling can outlive a finished graph) finalizes straight away.
	if merge := successfulMerge(tasks); merge != nil {
		if job.Status == model.JobPending {
			if job, err = s.markRunning(ctx, job); err != nil {
				return err
			}
		}
		return s.finalizeCompleted(ctx, job, &model.TaskCompletedPayload{
			TaskID:  merge.ID,
			Stage:   merge.Stage,
			Attempt: merge.Attempt,
			Outputs: merge.Outputs,
		})
	}
	return s.advance(ctx, job, tasks)
}

// planJob builds and persists the task graph. Jobs whose parameters cannot
// be served fail here with a structured, actionable error; a nil, nil
// return means the job was settled without a graph.
func (s *Scheduler) planJob(ctx context.Context, job *model.Job) ([]*model.Task, error) {
	alive, err := s.Registry.AliveEngines(ctx)
	if err != nil {
		return nil, fmt.Errorf("live engine set: %w", err)
	}
	plan, err := dag.Build(job, s.Catalog.Current(), alive)
	if err != nil {
		var cerr *catalog.Error
		var verr *dag.ValidationError
		switch {
		case errors.As(err, &cerr):
			return nil, s.failJob(ctx, job, cerr.ErrorInfo())
		case errors.As(err, &verr):
			return nil, s.failJob(ctx, job, model.NewError(model.ErrKindValidation, "%s", verr.Reason))
		default:
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("task graph construction failed")
			return nil, s.failJob(ctx, job, model.NewError(model.ErrKindInternal,
				"internal error while planning the job"))
		}
	}
	if len(plan.Unavailable) > 0 {
		if s.FailFast {
			return nil, s.failJob(ctx, job, model.NewError(model.ErrKindEngineUnavailable,
				"no live instance for engine(s) %s; start one or pick another model",
				strings.Join(plan.Unavailable, ", ")))
		}
		s.logger.Info().Str("job_id", job.ID).Strs("engines", plan.Unavailable).
			Msg("selected engines have no live instance yet, queueing anyway")
	}

	tasks := plan.Materialize(job)
	if err := s.Store.InsertTasks(ctx, tasks); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Another replica planned first; its graph wins.
			return s.Store.ListTasks(ctx, job.ID)
		}
		return nil, err
	}
	s.logger.Info().Str("job_id", job.ID).Str("tenant_id", job.TenantID).
		Int("tasks", len(tasks)).Msg("task graph planned")
	return tasks, nil
}

// handleTaskStarted moves the job out of pending when the first engine
// picks up work and keeps the current stage label fresh.
func (s *Scheduler) handleTaskStarted(ctx context.Context, ev model.Event) error {
	var p model.TaskLifecyclePayload
	if err := ev.DecodePayload(&p); err != nil {
		s.logger.Warn().Err(err).Str("event_id", ev.EventID).Msg("undecodable payload dropped")
		return nil
	}
	started := false
	_, err := s.Store.UpdateJob(ctx, ev.JobID, func(j *model.Job) error {
		if j.Status.Terminal() || j.Status == model.JobCancelling {
			return errOutpaced
		}
		if j.Status == model.JobPending {
			now := time.Now().UTC()
			j.Status = model.JobRunning
			j.StartedAt = &now
			started = true
		}
		j.CurrentStage = string(p.Stage)
		return nil
	})
	if errors.Is(err, errOutpaced) || errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if started {
		recordTransition(string(model.JobPending), string(model.JobRunning))
	}
	return nil
}

// handleTaskCompleted settles a finished attempt: record output artifacts,
// complete the task row, apply stage side effects and advance the graph.
// Results that lost their lease or belong to a superseded attempt are
// discarded; the winning attempt's delivery drives the job forward.
func (s *Scheduler) handleTaskCompleted(ctx context.Context, ev model.Event) error {
	var p model.TaskCompletedPayload
	if err := ev.DecodePayload(&p); err != nil {
		s.logger.Warn().Err(err).Str("event_id", ev.EventID).Msg("undecodable payload dropped")
		return nil
	}
	job, err := s.Store.GetJob(ctx, ev.JobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	t, err := s.Store.GetTask(ctx, p.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Warn().Str("job_id", ev.JobID).Str("task_id", p.TaskID).Msg("completion for unknown task")
		return nil
	}
	if err != nil {
		return err
	}

	if t.Attempt != p.Attempt ||
		(t.Status != model.TaskRunning && t.Status != model.TaskCompleted) ||
		leaseMismatch(t, p.InstanceID) {
		staleResultsTotal.Inc()
		s.logger.Debug().Str("task_id", t.ID).Str("stage", string(t.Stage)).
			Int("attempt", p.Attempt).Str("status", string(t.Status)).
			Msg("stale completion discarded")
		return nil
	}

	// Artifact rows first: their IDs are deterministic, so a crash
	// anywhere below is healed by redelivery without losing outputs.
	if err := s.recordOutputs(ctx, job, t, p.Outputs); err != nil {
		return err
	}

	if t.Status == model.TaskRunning {
		now := time.Now().UTC()
		_, err = s.Store.UpdateTask(ctx, t.ID, func(tk *model.Task) error {
			if tk.Status != model.TaskRunning || tk.Attempt != p.Attempt {
				return errOutpaced
			}
			tk.Status = model.TaskCompleted
			tk.Outputs = p.Outputs
			tk.Error = nil
			tk.LeaseHolder = ""
			tk.LeaseDeadline = nil
			tk.CompletedAt = &now
			return nil
		})
		if err != nil && !errors.Is(err, errOutpaced) && !errors.Is(err, store.ErrConflict) {
			return err
		}
		s.logger.Info().Str("job_id", job.ID).Str("task_id", t.ID).
			Str("stage", string(t.Stage)).Int("attempt", p.Attempt).Msg("task completed")
	}

	tasks, err := s.Store.ListTasks(ctx, job.ID)
	if err != nil {
		return err
	}
	if job, err = s.applyStageEffects(ctx, job, t, &p, tasks); err != nil {
		return err
	}
	if t.Stage.Family() == model.StageMerge {
		return s.finalizeCompleted(ctx, job, &p)
	}
	return s.advance(ctx, job, tasks)
}

// applyStageEffects handles the cross-record consequences of a completion:
// prepare publishes probed media onto the job row, and a clean pii_detect
// pass short-circuits audio redaction.
func (s *Scheduler) applyStageEffects(ctx context.Context, job *model.Job, t *model.Task, p *model.TaskCompletedPayload, tasks []*model.Task) (*model.Job, error) {
	switch t.Stage.Family() {
	case model.StagePrepare:
		updated, err := s.Store.UpdateJob(ctx, job.ID, func(j *model.Job) error {
			applyMediaStats(&j.Media, p.Stats)
			return nil
		})
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			return job, nil
		}
		if err != nil {
			return job, err
		}
		return updated, nil

	case model.StagePIIDetect:
		if p.Stats.EntityCount > 0 {
			return job, nil
		}
		for i, tk := range tasks {
			if tk.Stage != model.StageAudioRedact || tk.Status != model.TaskPending {
				continue
			}
			now := time.Now().UTC()
			skipped, err := s.Store.UpdateTask(ctx, tk.ID, func(n *model.Task) error {
				if n.Status != model.TaskPending {
					return errOutpaced
				}
				n.Status = model.TaskSkipped
				n.CompletedAt = &now
				return nil
			})
			if errors.Is(err, errOutpaced) || errors.Is(err, store.ErrConflict) {
				continue
			}
			if err != nil {
				return job, err
			}
			tasks[i] = skipped
			s.logger.Info().Str("job_id", job.ID).Msg("no pii entities found, audio redaction skipped")
		}
	}
	return job, nil
}

// applyMediaStats merges probe results into the job's media info. Only
// fields the engine reported overwrite the submit-time values.
func applyMediaStats(m *model.MediaInfo, st model.TaskResultStats) {
	if st.DurationSeconds > 0 {
		m.DurationSeconds = st.DurationSeconds
	}
	if st.Channels > 0 {
		m.Channels = st.Channels
	}
	if st.SampleRate > 0 {
		m.SampleRate = st.SampleRate
	}
	if st.Format != "" {
		m.Format = st.Format
	}
	if st.SizeBytes > 0 {
		m.SizeBytes = st.SizeBytes
	}
}

// handleTaskFailed applies the retry policy: transient failures under the
// retry cap go back on the queue with a bumped attempt; everything else
// fails the task, fails the job and cancels the rest of the graph.
func (s *Scheduler) handleTaskFailed(ctx context.Context, ev model.Event) error {
	var p model.TaskFailedPayload
	if err := ev.DecodePayload(&p); err != nil {
		s.logger.Warn().Err(err).Str("event_id", ev.EventID).Msg("undecodable payload dropped")
		return nil
	}
	job, err := s.Store.GetJob(ctx, ev.JobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	t, err := s.Store.GetTask(ctx, p.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if t.Attempt != p.Attempt || leaseMismatch(t, p.InstanceID) {
		staleResultsTotal.Inc()
		return nil
	}
	if t.Status != model.TaskRunning {
		if t.Status == model.TaskFailed {
			// Redelivery after a crash between failing the task and
			// failing the job; finish the job-side consequences.
			return s.failJobForTask(ctx, job, t, &p)
		}
		staleResultsTotal.Inc()
		return nil
	}

	// Keep whatever the attempt produced; transient rows purge with the
	// job.
	if err := s.recordOutputs(ctx, job, t, p.PartialOutputs); err != nil {
		return err
	}

	failure := &model.ErrorInfo{Kind: p.ErrorKind, Message: p.ErrorMessage, Retryable: p.ErrorKind.Retryable()}
	now := time.Now().UTC()

	if job.Status == model.JobCancelling {
		// No retries into a graph that is winding down.
		_, err := s.Store.UpdateTask(ctx, t.ID, func(tk *model.Task) error {
			if tk.Status != model.TaskRunning || tk.Attempt != p.Attempt {
				return errOutpaced
			}
			tk.Status = model.TaskFailed
			tk.Error = failure
			tk.LeaseHolder = ""
			tk.LeaseDeadline = nil
			tk.CompletedAt = &now
			return nil
		})
		if err != nil && !errors.Is(err, errOutpaced) && !errors.Is(err, store.ErrConflict) {
			return err
		}
		tasks, err := s.Store.ListTasks(ctx, job.ID)
		if err != nil {
			return err
		}
		return s.advanceCancelling(ctx, job, tasks)
	}

	if p.ErrorKind.Retryable() && t.Attempt < s.RetryCap {
		retried, err := s.Store.UpdateTask(ctx, t.ID, func(tk *model.Task) error {
			if tk.Status != model.TaskRunning || tk.Attempt != p.Attempt {
				return errOutpaced
			}
			tk.Status = model.TaskReady
			tk.Attempt++
			tk.Error = failure
			tk.LeaseHolder = ""
			tk.LeaseDeadline = nil
			return nil
		})
		if errors.Is(err, errOutpaced) || errors.Is(err, store.ErrConflict) {
			return nil
		}
		if err != nil {
			return err
		}
		taskRetriesTotal.WithLabelValues(string(t.Stage.Family()), string(p.ErrorKind)).Inc()
		s.logger.Warn().Str("job_id", job.ID).Str("task_id", t.ID).
			Str("stage", string(t.Stage)).Int("attempt", retried.Attempt).
			Str("kind", string(p.ErrorKind)).Str("reason", p.ErrorMessage).
			Msg("task attempt failed, retrying")
		return s.enqueue(ctx, job, retried)
	}

	_, err = s.Store.UpdateTask(ctx, t.ID, func(tk *model.Task) error {
		if tk.Status != model.TaskRunning || tk.Attempt != p.Attempt {
			return errOutpaced
		}
		tk.Status = model.TaskFailed
		tk.Error = failure
		tk.LeaseHolder = ""
		tk.LeaseDeadline = nil
		tk.CompletedAt = &now
		return nil
	})
	if err != nil && !errors.Is(err, errOutpaced) && !errors.Is(err, store.ErrConflict) {
		return err
	}
	s.logger.Error().Str("job_id", job.ID).Str("task_id", t.ID).
		Str("stage", string(t.Stage)).Int("attempt", p.Attempt).
		Str("kind", string(p.ErrorKind)).Str("reason", p.ErrorMessage).
		Msg("task failed permanently")
	return s.failJobForTask(ctx, job, t, &p)
}

// failJobForTask fails the job with a message naming the losing stage.
func (s *Scheduler) failJobForTask(ctx context.Context, job *model.Job, t *model.Task, p *model.TaskFailedPayload) error {
	msg := fmt.Sprintf("stage %s failed: %s", t.Stage, p.ErrorMessage)
	if p.ErrorKind.Retryable() {
		msg = fmt.Sprintf("stage %s failed after %d attempts: %s", t.Stage, t.Attempt, p.ErrorMessage)
	}
	return s.failJob(ctx, job, &model.ErrorInfo{Kind: p.ErrorKind, Message: msg})
}

// handleTaskCancelled settles a task whose engine confirmed the cancel flag
// mid-run, then converges the cancelling job.
func (s *Scheduler) handleTaskCancelled(ctx context.Context, ev model.Event) error {
	var p model.TaskCancelledPayload
	if err := ev.DecodePayload(&p); err != nil {
		s.logger.Warn().Err(err).Str("event_id", ev.EventID).Msg("undecodable payload dropped")
		return nil
	}
	job, err := s.Store.GetJob(ctx, ev.JobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	t, err := s.Store.GetTask(ctx, p.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if t.Status == model.TaskRunning && t.Attempt == p.Attempt && !leaseMismatch(t, p.InstanceID) {
		now := time.Now().UTC()
		_, err := s.Store.UpdateTask(ctx, t.ID, func(tk *model.Task) error {
			if tk.Status != model.TaskRunning || tk.Attempt != p.Attempt {
				return errOutpaced
			}
			tk.Status = model.TaskCancelled
			tk.LeaseHolder = ""
			tk.LeaseDeadline = nil
			tk.CompletedAt = &now
			return nil
		})
		if err != nil && !errors.Is(err, errOutpaced) && !errors.Is(err, store.ErrConflict) {
			return err
		}
	}

	tasks, err := s.Store.ListTasks(ctx, job.ID)
	if err != nil {
		return err
	}
	return s.advance(ctx, job, tasks)
}

// handleHeartbeatExpired recovers a task whose engine stopped heartbeating.
// The sweeper only reports expiries; the mutation happens here, in per-job
// event order. The lost attempt is charged and the task re-queued, up to
// the retry cap.
func (s *Scheduler) handleHeartbeatExpired(ctx context.Context, ev model.Event) error {
	var p model.TaskLifecyclePayload
	if err := ev.DecodePayload(&p); err != nil {
		s.logger.Warn().Err(err).Str("event_id", ev.EventID).Msg("undecodable payload dropped")
		return nil
	}
	job, err := s.Store.GetJob(ctx, ev.JobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	t, err := s.Store.GetTask(ctx, p.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if t.Status != model.TaskRunning || t.Attempt != p.Attempt ||
		t.LeaseDeadline == nil || t.LeaseDeadline.After(now) {
		// Renewed or settled between the sweep and this delivery.
		return nil
	}
	leasesExpiredTotal.Inc()

	if job.Status.Terminal() || job.Status == model.JobCancelling {
		// The engine died before it could confirm the cancel; settle on
		// its behalf.
		_, err := s.Store.UpdateTask(ctx, t.ID, func(tk *model.Task) error {
			if tk.Status != model.TaskRunning || tk.Attempt != p.Attempt {
				return errOutpaced
			}
			tk.Status = model.TaskCancelled
			tk.LeaseHolder = ""
			tk.LeaseDeadline = nil
			tk.CompletedAt = &now
			return nil
		})
		if err != nil && !errors.Is(err, errOutpaced) && !errors.Is(err, store.ErrConflict) {
			return err
		}
		if job.Status != model.JobCancelling {
			return nil
		}
		tasks, err := s.Store.ListTasks(ctx, job.ID)
		if err != nil {
			return err
		}
		return s.advanceCancelling(ctx, job, tasks)
	}

	if t.Attempt < s.RetryCap {
		retried, err := s.Store.UpdateTask(ctx, t.ID, func(tk *model.Task) error {
			if tk.Status != model.TaskRunning || tk.Attempt != p.Attempt {
				return errOutpaced
			}
			tk.Status = model.TaskReady
			tk.Attempt++
			tk.LeaseHolder = ""
			tk.LeaseDeadline = nil
			return nil
		})
		if errors.Is(err, errOutpaced) || errors.Is(err, store.ErrConflict) {
			return nil
		}
		if err != nil {
			return err
		}
		taskRetriesTotal.WithLabelValues(string(t.Stage.Family()), "heartbeat_expired").Inc()
		s.logger.Warn().Str("job_id", job.ID).Str("task_id", t.ID).
			Str("stage", string(t.Stage)).Str("holder", p.InstanceID).
			Int("attempt", retried.Attempt).Msg("task lease expired, requeued")
		return s.enqueue(ctx, job, retried)
	}

	failure := model.NewError(model.ErrKindEngineTransient,
		"engine instance %s stopped heartbeating during %s", t.LeaseHolder, t.Stage)
	_, err = s.Store.UpdateTask(ctx, t.ID, func(tk *model.Task) error {
		if tk.Status != model.TaskRunning || tk.Attempt != p.Attempt {
			return errOutpaced
		}
		tk.Status = model.TaskFailed
		tk.Error = failure
		tk.LeaseHolder = ""
		tk.LeaseDeadline = nil
		tk.CompletedAt = &now
		return nil
	})
	if err != nil && !errors.Is(err, errOutpaced) && !errors.Is(err, store.ErrConflict) {
		return err
	}
	return s.failJob(ctx, job, model.NewError(model.ErrKindEngineTransient,
		"stage %s failed after %d attempts: engine stopped heartbeating", t.Stage, t.Attempt))
}

// handleCancelRequested moves the job into cancelling, settles unstarted
// tasks and flags running engines. The job lands in cancelled once every
// engine has confirmed.
func (s *Scheduler) handleCancelRequested(ctx context.Context, ev model.Event) error {
	var p model.JobCancelRequestedPayload
	if err := ev.DecodePayload(&p); err != nil {
		s.logger.Warn().Err(err).Str("event_id", ev.EventID).Msg("undecodable payload dropped")
		return nil
	}
	job, err := s.Store.GetJob(ctx, ev.JobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		// Raced with completion; the earlier outcome stands.
		return nil
	}

	prev := job.Status
	cancelling, err := s.Store.UpdateJob(ctx, job.ID, func(j *model.Job) error {
		if j.Status.Terminal() {
			return errOutpaced
		}
		prev = j.Status
		j.Status = model.JobCancelling
		return nil
	})
	if errors.Is(err, errOutpaced) || errors.Is(err, store.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	if prev != model.JobCancelling {
		recordTransition(string(prev), string(model.JobCancelling))
		s.logger.Info().Str("job_id", job.ID).Str("reason", p.Reason).Msg("cancel requested")
	}

	if err := s.cascadeCancel(ctx, cancelling); err != nil {
		return err
	}
	tasks, err := s.Store.ListTasks(ctx, job.ID)
	if err != nil {
		return err
	}
	return s.advanceCancelling(ctx, cancelling, tasks)
}

// advance is the idempotent step function for live jobs: promote every
// pending task whose dependencies have succeeded, then refresh the progress
// snapshot. Cancelling jobs converge through advanceCancelling instead.
func (s *Scheduler) advance(ctx context.Context, job *model.Job, tasks []*model.Task) error {
	if job.Status == model.JobCancelling {
		return s.advanceCancelling(ctx, job, tasks)
	}
	if job.Status.Terminal() {
		return nil
	}

	byStage := make(map[model.Stage]*model.Task, len(tasks))
	for _, t := range tasks {
		byStage[t.Stage] = t
	}

	var artifacts []*model.Artifact
	loaded := false
	for _, t := range tasks {
		if t.Status != model.TaskPending || !depsSucceeded(t, byStage) {
			continue
		}
		if !loaded {
			var err error
			if artifacts, err = s.Store.ListArtifacts(ctx, model.OwnerJob, job.ID); err != nil {
				return fmt.Errorf("list artifacts: %w", err)
			}
			loaded = true
		}
		if err := s.promoteTask(ctx, job, t, artifacts); err != nil {
			return err
		}
	}
	return s.refreshProgress(ctx, job, tasks)
}

// depsSucceeded reports whether every dependency completed or was skipped.
func depsSucceeded(t *model.Task, byStage map[model.Stage]*model.Task) bool {
	for _, dep := range t.DependsOn {
		d, ok := byStage[dep]
		if !ok || !d.Status.Success() {
			return false
		}
	}
	return true
}

// promoteTask moves one pending task to ready and enqueues it. The timeout
// is recomputed here against the probed media duration, replacing the
// submit-time estimate, and input URIs are resolved from artifact rows.
func (s *Scheduler) promoteTask(ctx context.Context, job *model.Job, t *model.Task, artifacts []*model.Artifact) error {
	inputs := s.resolveInputs(job, t, artifacts)
	timeout := s.taskTimeout(job, t)

	ready, err := s.Store.UpdateTask(ctx, t.ID, func(tk *model.Task) error {
		if tk.Status != model.TaskPending {
			return errOutpaced
		}
		tk.Status = model.TaskReady
		tk.Inputs = inputs
		tk.TimeoutSeconds = timeout
		return nil
	})
	if errors.Is(err, errOutpaced) || errors.Is(err, store.ErrConflict) {
		// Another replica promoted it; the sweeper re-enqueues if that
		// replica's queue write was lost.
		return nil
	}
	if err != nil {
		return fmt.Errorf("promote %s/%s: %w", t.JobID, t.Stage, err)
	}
	return s.enqueue(ctx, job, ready)
}

// taskTimeout derives the attempt timeout from the engine's real-time
// factor and whatever duration is known for the source media.
func (s *Scheduler) taskTimeout(job *model.Job, t *model.Task) int {
	var rtf float64
	if eng, ok := s.Catalog.Current().Get(t.EngineID); ok {
		rtf = eng.EffectiveRTF()
	}
	d := model.TaskTimeoutWith(job.Media.DurationSeconds, rtf, s.TimeoutFloor, s.TimeoutSafety)
	return int(d / time.Second)
}

// resolveInputs maps the task's declared input types to concrete artifact
// URIs, newest row per type. The source audio falls back to the submitted
// URI when no upload row exists.
func (s *Scheduler) resolveInputs(job *model.Job, t *model.Task, artifacts []*model.Artifact) []model.InputRef {
	latest := make(map[model.ArtifactType]*model.Artifact)
	for _, a := range artifacts {
		if a.PurgedAt != nil {
			continue
		}
		if cur, ok := latest[a.Type]; !ok || a.CreatedAt.After(cur.CreatedAt) {
			latest[a.Type] = a
		}
	}

	types := dag.InputTypesFor(t.Stage, t.DependsOn)
	inputs := make([]model.InputRef, 0, len(types))
	for _, typ := range types {
		if a, ok := latest[typ]; ok {
			inputs = append(inputs, model.InputRef{Type: typ, URI: a.URI, Checksum: a.Checksum})
			continue
		}
		if typ == model.ArtifactAudioSource && job.Params.SourceURI != "" {
			inputs = append(inputs, model.InputRef{Type: typ, URI: job.Params.SourceURI})
			continue
		}
		s.logger.Warn().Str("job_id", job.ID).Str("stage", string(t.Stage)).
			Str("artifact_type", string(typ)).Msg("input artifact missing, omitted")
	}
	return inputs
}

// enqueue pushes a ready task onto its engine queue and announces it.
// Duplicate deliveries are harmless: the claim compare-and-set admits one.
func (s *Scheduler) enqueue(ctx context.Context, job *model.Job, t *model.Task) error {
	msg := model.TaskMessage{
		TaskID:        t.ID,
		JobID:         job.ID,
		TenantID:      job.TenantID,
		Stage:         t.Stage,
		EngineID:      t.EngineID,
		Attempt:       t.Attempt,
		LeaseSeconds:  int(s.LeaseTTL / time.Second),
		Inputs:        t.Inputs,
		Parameters:    taskParameters(job, t),
		CancelChannel: cancelChannel(job),
		DeadlineAt:    time.Now().UTC().Add(time.Duration(t.TimeoutSeconds) * time.Second),
	}
	queue := model.EngineDescriptor{ID: t.EngineID}.QueueName()
	if err := s.Bus.Enqueue(ctx, queue, msg); err != nil {
		return fmt.Errorf("enqueue %s/%s: %w", job.ID, t.Stage, err)
	}
	tasksEnqueuedTotal.WithLabelValues(string(t.Stage.Family()), t.EngineID).Inc()
	s.publish(ctx, model.EventTaskReady, job.ID, job.CorrelationID, model.TaskLifecyclePayload{
		TaskID:  t.ID,
		Stage:   t.Stage,
		Attempt: t.Attempt,
	})
	return nil
}

// taskParameters builds the per-stage parameter map engines receive.
func taskParameters(job *model.Job, t *model.Task) map[string]string {
	p := map[string]string{}
	if job.Params.Language != "" {
		p["language"] = job.Params.Language
	}
	switch t.Stage.Family() {
	case model.StagePrepare:
		p["split_channels"] = strconv.FormatBool(job.Params.SpeakerDetection == model.SpeakerPerChannel)
	case model.StageTranscribe:
		if job.Params.Model != "" {
			p["model"] = job.Params.Model
		}
		if job.Params.Granularity != "" {
			p["granularity"] = string(job.Params.Granularity)
		}
	case model.StageAlign:
		p["granularity"] = string(model.GranularityWord)
	case model.StagePIIDetect, model.StageAudioRedact:
		if job.Params.PIIRedactionMode != "" {
			p["redaction_mode"] = job.Params.PIIRedactionMode
		}
	case model.StageMerge:
		p["speaker_detection"] = string(job.Params.SpeakerDetection)
		if job.Params.Granularity != "" {
			p["granularity"] = string(job.Params.Granularity)
		}
	}
	return p
}

// recordOutputs writes one artifact row per output. Row IDs derive from the
// producing attempt and URI, so redelivered events insert nothing new. Rows
// landing after the job already terminated still get retention stamps.
func (s *Scheduler) recordOutputs(ctx context.Context, job *model.Job, t *model.Task, outputs []model.OutputRef) error {
	if len(outputs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for _, o := range outputs {
		if o.URI == "" {
			continue
		}
		a := &model.Artifact{
			ID:          artifactID(t.ID, t.Attempt, o),
			TenantID:    job.TenantID,
			OwnerType:   model.OwnerJob,
			OwnerID:     job.ID,
			TaskID:      t.ID,
			Type:        o.Type,
			URI:         o.URI,
			Sensitivity: o.Sensitivity,
			Store:       o.Store,
			TTLSeconds:  o.TTLSeconds,
			SizeBytes:   o.SizeBytes,
			CreatedAt:   now,
			AvailableAt: &now,
		}
		if err := s.Store.PutArtifact(ctx, a); err != nil && !errors.Is(err, store.ErrDuplicate) {
			return fmt.Errorf("record %s artifact: %w", o.Type, err)
		}
	}
	if job.Status.Terminal() {
		// The retention snapshot already ran; stamp the latecomers.
		return s.Store.StampArtifactRetention(ctx, model.OwnerJob, job.ID, job.PurgeAfter, now)
	}
	return nil
}

// artifactID is deterministic per attempt and output so at-least-once event
// delivery cannot double-insert rows.
func artifactID(taskID string, attempt int, o model.OutputRef) string {
	key := fmt.Sprintf("%s/%d/%s/%s", taskID, attempt, o.Type, o.URI)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

// finalizeCompleted ends the job after merge: assemble the result document,
// move the row to completed, snapshot retention and announce.
func (s *Scheduler) finalizeCompleted(ctx context.Context, job *model.Job, p *model.TaskCompletedPayload) error {
	artifacts, err := s.Store.ListArtifacts(ctx, model.OwnerJob, job.ID)
	if err != nil {
		return fmt.Errorf("list artifacts: %w", err)
	}
	result := buildResult(job, artifacts, p)
	now := time.Now().UTC()
	deadline := model.PurgeDeadline(job.RetentionDays, now)
	prev := job.Status

	finished, err := s.Store.UpdateJob(ctx, job.ID, func(j *model.Job) error {
		if j.Status.Terminal() {
			return errOutpaced
		}
		prev = j.Status
		j.Status = model.JobCompleted
		j.Result = result
		j.Error = nil
		j.Progress = 100
		j.CurrentStage = ""
		j.CompletedAt = &now
		j.PurgeAfter = deadline
		return nil
	})
	switch {
	case errors.Is(err, errOutpaced) || errors.Is(err, store.ErrConflict):
		cur, gerr := s.Store.GetJob(ctx, job.ID)
		if gerr != nil {
			return gerr
		}
		deadline = cur.PurgeAfter
		finished = nil
	case err != nil:
		return err
	default:
		recordTransition(string(prev), string(model.JobCompleted))
		jobsFinalizedTotal.WithLabelValues(string(model.JobCompleted)).Inc()
		s.logger.Info().Str("job_id", job.ID).Str("tenant_id", job.TenantID).
			Str("transcript", result.TranscriptURI).Msg("job completed")
	}
	if err := s.Store.StampArtifactRetention(ctx, model.OwnerJob, job.ID, deadline, now); err != nil {
		return fmt.Errorf("stamp retention: %w", err)
	}
	if finished != nil {
		s.publish(ctx, model.EventJobCompleted, job.ID, job.CorrelationID, model.JobTerminalPayload{
			Status: model.JobCompleted,
			Result: result,
		})
	}
	return nil
}

// buildResult assembles the client-facing outcome from the merge outputs,
// the redaction artifacts and the merge result manifest.
func buildResult(job *model.Job, artifacts []*model.Artifact, p *model.TaskCompletedPayload) *model.JobResult {
	res := &model.JobResult{
		Language:     p.Stats.Language,
		SegmentCount: p.Stats.SegmentCount,
		WordCount:    p.Stats.WordCount,
		SpeakerCount: p.Stats.SpeakerCount,
		SizeBytes:    p.Stats.SizeBytes,
	}
	if res.Language == "" && job.Params.Language != "" && job.Params.Language != "auto" {
		res.Language = job.Params.Language
	}
	for _, o := range p.Outputs {
		switch o.Type {
		case model.ArtifactTranscriptAligned:
			res.TranscriptURI = o.URI
		case model.ArtifactTranscriptRaw:
			if res.TranscriptURI == "" {
				res.TranscriptURI = o.URI
			}
		}
	}
	var redactedT, redactedA *model.Artifact
	for _, a := range artifacts {
		if a.PurgedAt != nil {
			continue
		}
		switch a.Type {
		case model.ArtifactTranscriptRedacted:
			if redactedT == nil || a.CreatedAt.After(redactedT.CreatedAt) {
				redactedT = a
			}
		case model.ArtifactAudioRedacted:
			if redactedA == nil || a.CreatedAt.After(redactedA.CreatedAt) {
				redactedA = a
			}
		}
	}
	if redactedT != nil {
		res.RedactedTranscriptURI = redactedT.URI
	}
	if redactedA != nil {
		res.RedactedAudioURI = redactedA.URI
	}
	return res
}

// failJob is the single terminal-failure path: conditionally move the job,
// snapshot retention, cancel the remaining graph and announce. Safe to call
// repeatedly; later calls converge on the first outcome.
func (s *Scheduler) failJob(ctx context.Context, job *model.Job, failure *model.ErrorInfo) error {
	now := time.Now().UTC()
	deadline := model.PurgeDeadline(job.RetentionDays, now)
	prev := job.Status

	failed, err := s.Store.UpdateJob(ctx, job.ID, func(j *model.Job) error {
		if j.Status.Terminal() {
			return errOutpaced
		}
		prev = j.Status
		j.Status = model.JobFailed
		j.Error = failure
		j.CompletedAt = &now
		j.PurgeAfter = deadline
		return nil
	})
	switch {
	case errors.Is(err, errOutpaced) || errors.Is(err, store.ErrConflict):
		cur, gerr := s.Store.GetJob(ctx, job.ID)
		if gerr != nil {
			return gerr
		}
		deadline = cur.PurgeAfter
		failed = nil
	case err != nil:
		return err
	default:
		recordTransition(string(prev), string(model.JobFailed))
		jobsFinalizedTotal.WithLabelValues(string(model.JobFailed)).Inc()
		s.logger.Error().Str("job_id", job.ID).Str("tenant_id", job.TenantID).
			Str("kind", string(failure.Kind)).Str("reason", failure.Message).Msg("job failed")
	}
	if err := s.Store.StampArtifactRetention(ctx, model.OwnerJob, job.ID, deadline, now); err != nil {
		return fmt.Errorf("stamp retention: %w", err)
	}
	if err := s.cascadeCancel(ctx, job); err != nil {
		return err
	}
	if failed != nil {
		s.publish(ctx, model.EventJobFailed, job.ID, job.CorrelationID, model.JobTerminalPayload{
			Status: model.JobFailed,
			Error:  failure,
		})
	}
	return nil
}

// cascadeCancel stops the rest of a finished graph: raise the job's cancel
// flag for running engines and settle every task that has not started.
func (s *Scheduler) cascadeCancel(ctx context.Context, job *model.Job) error {
	if err := s.Bus.Cancel(ctx, cancelChannel(job)); err != nil {
		return fmt.Errorf("raise cancel flag: %w", err)
	}
	tasks, err := s.Store.ListTasks(ctx, job.ID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, t := range tasks {
		if t.Status != model.TaskPending && t.Status != model.TaskReady {
			continue
		}
		_, err := s.Store.UpdateTask(ctx, t.ID, func(tk *model.Task) error {
			if tk.Status != model.TaskPending && tk.Status != model.TaskReady {
				return errOutpaced
			}
			tk.Status = model.TaskCancelled
			tk.CompletedAt = &now
			return nil
		})
		if err != nil && !errors.Is(err, errOutpaced) && !errors.Is(err, store.ErrConflict) {
			return err
		}
	}
	return nil
}

// advanceCancelling converges a cancelling job: unstarted tasks settle
// immediately, running ones are waited out (engines poll the cancel flag
// and report), and the job finalizes once the graph is quiet.
func (s *Scheduler) advanceCancelling(ctx context.Context, job *model.Job, tasks []*model.Task) error {
	now := time.Now().UTC()
	quiet := true
	for i, t := range tasks {
		switch t.Status {
		case model.TaskPending, model.TaskReady:
			settled, err := s.Store.UpdateTask(ctx, t.ID, func(tk *model.Task) error {
				if tk.Status != model.TaskPending && tk.Status != model.TaskReady {
					return errOutpaced
				}
				tk.Status = model.TaskCancelled
				tk.CompletedAt = &now
				return nil
			})
			if errors.Is(err, errOutpaced) || errors.Is(err, store.ErrConflict) {
				quiet = false
				continue
			}
			if err != nil {
				return err
			}
			tasks[i] = settled
		case model.TaskRunning:
			quiet = false
		}
	}
	if !quiet {
		return nil
	}

	deadline := model.PurgeDeadline(job.RetentionDays, now)
	done, err := s.Store.UpdateJob(ctx, job.ID, func(j *model.Job) error {
		if j.Status != model.JobCancelling {
			return errOutpaced
		}
		j.Status = model.JobCancelled
		j.CurrentStage = ""
		j.CompletedAt = &now
		j.PurgeAfter = deadline
		return nil
	})
	switch {
	case errors.Is(err, errOutpaced) || errors.Is(err, store.ErrConflict):
		cur, gerr := s.Store.GetJob(ctx, job.ID)
		if gerr != nil {
			return gerr
		}
		if !cur.Status.Terminal() {
			return nil
		}
		deadline = cur.PurgeAfter
		done = nil
	case err != nil:
		return err
	default:
		recordTransition(string(model.JobCancelling), string(model.JobCancelled))
		jobsFinalizedTotal.WithLabelValues(string(model.JobCancelled)).Inc()
		s.logger.Info().Str("job_id", job.ID).Str("tenant_id", job.TenantID).Msg("job cancelled")
	}
	if err := s.Store.StampArtifactRetention(ctx, model.OwnerJob, job.ID, deadline, now); err != nil {
		return fmt.Errorf("stamp retention: %w", err)
	}
	if done != nil {
		s.publish(ctx, model.EventJobCancelled, job.ID, job.CorrelationID, model.JobTerminalPayload{
			Status: model.JobCancelled,
		})
	}
	return nil
}

// refreshProgress recomputes the coarse progress snapshot clients poll:
// the share of settled tasks and the earliest pipeline phase still working.
func (s *Scheduler) refreshProgress(ctx context.Context, job *model.Job, tasks []*model.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	terminal := 0
	current := ""
	for _, t := range tasks {
		if t.Status.Terminal() {
			terminal++
		} else if current == "" || stageRank(t.Stage) < stageRank(model.Stage(current)) {
			current = string(t.Stage)
		}
	}
	progress := terminal * 100 / len(tasks)

	_, err := s.Store.UpdateJob(ctx, job.ID, func(j *model.Job) error {
		if j.Status.Terminal() || j.Status == model.JobCancelling {
			return errOutpaced
		}
		if j.Progress == progress && (current == "" || j.CurrentStage == current) {
			return errOutpaced
		}
		j.Progress = progress
		if current != "" {
			j.CurrentStage = current
		}
		return nil
	})
	if errors.Is(err, errOutpaced) || errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// markRunning forces a pending job into running, for paths that finalize
// without any engine picking up work.
func (s *Scheduler) markRunning(ctx context.Context, job *model.Job) (*model.Job, error) {
	now := time.Now().UTC()
	moved, err := s.Store.UpdateJob(ctx, job.ID, func(j *model.Job) error {
		if j.Status != model.JobPending {
			return errOutpaced
		}
		j.Status = model.JobRunning
		j.StartedAt = &now
		return nil
	})
	if errors.Is(err, errOutpaced) || errors.Is(err, store.ErrConflict) {
		return s.Store.GetJob(ctx, job.ID)
	}
	if err != nil {
		return nil, err
	}
	recordTransition(string(model.JobPending), string(model.JobRunning))
	return moved, nil
}

// stageRank orders stages for the current-stage label: the earliest
// pipeline phase still working wins.
func stageRank(s model.Stage) int {
	switch s.Family() {
	case model.StagePrepare:
		return 0
	case model.StageTranscribe:
		return 1
	case model.StageAlign:
		return 2
	case model.StageDiarize:
		return 3
	case model.StagePIIDetect:
		return 4
	case model.StageAudioRedact:
		return 5
	case model.StageMerge:
		return 6
	}
	return 7
}

// leaseMismatch reports a result event from an instance that no longer
// holds the task's lease.
func leaseMismatch(t *model.Task, instanceID string) bool {
	return t.Status == model.TaskRunning && t.LeaseHolder != "" && instanceID != "" &&
		t.LeaseHolder != instanceID
}

// successfulMerge returns the completed merge task when the whole graph
// already succeeded, nil otherwise.
func successfulMerge(tasks []*model.Task) *model.Task {
	var merge *model.Task
	for _, t := range tasks {
		if !t.Status.Success() {
			return nil
		}
		if t.Stage.Family() == model.StageMerge && t.Status == model.TaskCompleted {
			merge = t
		}
	}
	return merge
}
