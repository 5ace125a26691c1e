// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalstonhq/dalston/internal/model"
)

// forEachBackend runs the shared behavioral contract against every backend
// that can be exercised without external infrastructure.
func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	backends := []struct {
		name string
		open func(t *testing.T) Store
	}{
		{"memory", func(t *testing.T) Store { return NewMemory() }},
		{"sqlite", func(t *testing.T) Store {
			s, err := NewSQLite(filepath.Join(t.TempDir(), "state.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		}},
	}
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			fn(t, b.open(t))
		})
	}
}

func newTestJob(tenant string) *model.Job {
	return &model.Job{
		ID:       uuid.NewString(),
		TenantID: tenant,
		Status:   model.JobPending,
		Params: model.JobParams{
			SourceURI: "file:///in/meeting.wav",
			Model:     "fast",
			Language:  "en",
		},
		Media:         model.MediaInfo{DurationSeconds: 120, Channels: 1, SampleRate: 16000, Format: "wav"},
		RetentionDays: 30,
		CorrelationID: uuid.NewString(),
		CreatedAt:     time.Now().UTC().Truncate(time.Millisecond),
	}
}

func newTestTask(jobID string, stage model.Stage) *model.Task {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &model.Task{
		ID:             uuid.NewString(),
		JobID:          jobID,
		Stage:          stage,
		EngineID:       "whisper-cpu",
		Status:         model.TaskPending,
		TimeoutSeconds: 300,
		Inputs:         []model.InputRef{{Type: model.ArtifactAudioMono16k, URI: "file:///b/a.wav"}},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestJobRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := newTestJob("acme")
		require.NoError(t, s.CreateJob(ctx, job))

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.ID, got.ID)
		assert.Equal(t, "acme", got.TenantID)
		assert.Equal(t, model.JobPending, got.Status)
		assert.Equal(t, job.Params, got.Params)
		assert.Equal(t, job.Media, got.Media)
		assert.Equal(t, 30, got.RetentionDays)
		assert.Nil(t, got.StartedAt)
		assert.Nil(t, got.Result)
		assert.True(t, job.CreatedAt.Equal(got.CreatedAt), "created_at: want %v got %v", job.CreatedAt, got.CreatedAt)

		_, err = s.GetJob(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestCreateJobDuplicate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := newTestJob("acme")
		require.NoError(t, s.CreateJob(ctx, job))
		err := s.CreateJob(ctx, job)
		assert.ErrorIs(t, err, ErrDuplicate)
	})
}

func TestCreateJobIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		first := newTestJob("acme")
		existing, replay, err := s.CreateJobIdempotent(ctx, first, "idem-1", time.Minute)
		require.NoError(t, err)
		assert.False(t, replay)
		assert.Nil(t, existing)

		// Same key: the original job comes back, the second is not written.
		second := newTestJob("acme")
		existing, replay, err = s.CreateJobIdempotent(ctx, second, "idem-1", time.Minute)
		require.NoError(t, err)
		assert.True(t, replay)
		require.NotNil(t, existing)
		assert.Equal(t, first.ID, existing.ID)
		_, err = s.GetJob(ctx, second.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		// Different key creates normally.
		third := newTestJob("acme")
		_, replay, err = s.CreateJobIdempotent(ctx, third, "idem-2", time.Minute)
		require.NoError(t, err)
		assert.False(t, replay)
	})
}

func TestUpdateJobTransitions(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := newTestJob("acme")
		require.NoError(t, s.CreateJob(ctx, job))

		started := time.Now().UTC().Truncate(time.Millisecond)
		got, err := s.UpdateJob(ctx, job.ID, func(j *model.Job) error {
			j.Status = model.JobRunning
			j.StartedAt = &started
			j.CurrentStage = "transcribe"
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, model.JobRunning, got.Status)
		require.NotNil(t, got.StartedAt)

		_, err = s.UpdateJob(ctx, job.ID, func(j *model.Job) error {
			j.Status = model.JobCompleted
			j.Result = &model.JobResult{TranscriptURI: "file:///b/t.json", Language: "en"}
			return nil
		})
		require.NoError(t, err)

		// Terminal is final.
		_, err = s.UpdateJob(ctx, job.ID, func(j *model.Job) error {
			j.Status = model.JobRunning
			return nil
		})
		assert.ErrorIs(t, err, ErrConflict)

		// Non-status field edits on a terminal job are still allowed.
		_, err = s.UpdateJob(ctx, job.ID, func(j *model.Job) error {
			j.Progress = 100
			return nil
		})
		assert.NoError(t, err)
	})
}

func TestUpdateJobCancellingNeverCompletes(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := newTestJob("acme")
		require.NoError(t, s.CreateJob(ctx, job))
		_, err := s.UpdateJob(ctx, job.ID, func(j *model.Job) error {
			j.Status = model.JobCancelling
			return nil
		})
		require.NoError(t, err)

		_, err = s.UpdateJob(ctx, job.ID, func(j *model.Job) error {
			j.Status = model.JobCompleted
			return nil
		})
		assert.ErrorIs(t, err, ErrConflict)

		_, err = s.UpdateJob(ctx, job.ID, func(j *model.Job) error {
			j.Status = model.JobCancelled
			return nil
		})
		assert.NoError(t, err)
	})
}

func TestResetJobForRetry(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := newTestJob("acme")
		require.NoError(t, s.CreateJob(ctx, job))

		// Retry is only for terminal failures.
		_, err := s.ResetJobForRetry(ctx, job.ID, time.Now().UTC())
		assert.ErrorIs(t, err, ErrConflict)

		prepare := newTestTask(job.ID, model.StagePrepare)
		transcribe := newTestTask(job.ID, model.StageTranscribe)
		require.NoError(t, s.InsertTasks(ctx, []*model.Task{prepare, transcribe}))

		done := time.Now().UTC().Truncate(time.Millisecond)
		_, err = s.UpdateTask(ctx, prepare.ID, func(tk *model.Task) error {
			tk.Status = model.TaskReady
			return nil
		})
		require.NoError(t, err)
		_, err = s.ClaimTask(ctx, prepare.ID, 0, "inst-1", time.Minute)
		require.NoError(t, err)
		_, err = s.UpdateTask(ctx, prepare.ID, func(tk *model.Task) error {
			tk.Status = model.TaskCompleted
			tk.Outputs = []model.OutputRef{{Type: model.ArtifactAudioMono16k, URI: "file:///b/mono.wav", Store: true}}
			tk.CompletedAt = &done
			return nil
		})
		require.NoError(t, err)
		_, err = s.UpdateTask(ctx, transcribe.ID, func(tk *model.Task) error {
			tk.Status = model.TaskFailed
			tk.Attempt = 3
			tk.Error = model.NewError(model.ErrKindEnginePermanent, "decode blew up")
			return nil
		})
		require.NoError(t, err)

		_, err = s.UpdateJob(ctx, job.ID, func(j *model.Job) error {
			j.Status = model.JobRunning
			return nil
		})
		require.NoError(t, err)
		purgeAt := done.Add(time.Hour)
		_, err = s.UpdateJob(ctx, job.ID, func(j *model.Job) error {
			j.Status = model.JobFailed
			j.Error = model.NewError(model.ErrKindEnginePermanent, "decode blew up")
			j.CompletedAt = &done
			j.PurgeAfter = &purgeAt
			return nil
		})
		require.NoError(t, err)

		got, err := s.ResetJobForRetry(ctx, job.ID, time.Now().UTC())
		require.NoError(t, err)
		assert.Equal(t, model.JobPending, got.Status)
		assert.Equal(t, 1, got.RetryCount)
		assert.Nil(t, got.Error)
		assert.Nil(t, got.CompletedAt)
		assert.Nil(t, got.PurgeAfter)

		// The completed stage keeps its outputs; the failed one is re-armed.
		kept, err := s.GetTask(ctx, prepare.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TaskCompleted, kept.Status)
		require.Len(t, kept.Outputs, 1)

		reset, err := s.GetTask(ctx, transcribe.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TaskPending, reset.Status)
		assert.Equal(t, 1, reset.Attempt)
		assert.Empty(t, reset.LeaseHolder)
		assert.Nil(t, reset.Error)
		assert.Nil(t, reset.CompletedAt)
	})
}

func TestListJobsFilters(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Now().UTC().Truncate(time.Millisecond)
		for i := 0; i < 5; i++ {
			j := newTestJob("acme")
			j.CreatedAt = base.Add(time.Duration(i) * time.Second)
			require.NoError(t, s.CreateJob(ctx, j))
		}
		other := newTestJob("globex")
		require.NoError(t, s.CreateJob(ctx, other))

		jobs, err := s.ListJobs(ctx, JobFilter{TenantID: "acme"})
		require.NoError(t, err)
		require.Len(t, jobs, 5)
		// Newest first.
		for i := 1; i < len(jobs); i++ {
			assert.False(t, jobs[i].CreatedAt.After(jobs[i-1].CreatedAt))
		}

		jobs, err = s.ListJobs(ctx, JobFilter{TenantID: "acme", Limit: 2, Offset: 1})
		require.NoError(t, err)
		assert.Len(t, jobs, 2)

		jobs, err = s.ListJobs(ctx, JobFilter{TenantID: "acme", Statuses: []model.JobStatus{model.JobRunning}})
		require.NoError(t, err)
		assert.Empty(t, jobs)
	})
}

func TestInsertTasksStageUniqueness(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := newTestJob("acme")
		require.NoError(t, s.CreateJob(ctx, job))

		plan := []*model.Task{
			newTestTask(job.ID, model.StagePrepare),
			newTestTask(job.ID, model.StageTranscribe),
		}
		require.NoError(t, s.InsertTasks(ctx, plan))

		// A second plan that overlaps on any stage is rejected whole.
		dup := []*model.Task{
			newTestTask(job.ID, model.StageDiarize),
			newTestTask(job.ID, model.StageTranscribe),
		}
		err := s.InsertTasks(ctx, dup)
		assert.ErrorIs(t, err, ErrDuplicate)

		tasks, err := s.ListTasks(ctx, job.ID)
		require.NoError(t, err)
		assert.Len(t, tasks, 2, "failed batch must not leave partial rows")
	})
}

func TestInsertTasksConcurrentDuplicate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := newTestJob("acme")
		require.NoError(t, s.CreateJob(ctx, job))

		const writers = 8
		var wg sync.WaitGroup
		errs := make([]error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = s.InsertTasks(ctx, []*model.Task{newTestTask(job.ID, model.StageMerge)})
			}(i)
		}
		wg.Wait()

		var wins int
		for _, err := range errs {
			if err == nil {
				wins++
			} else {
				assert.ErrorIs(t, err, ErrDuplicate)
			}
		}
		assert.Equal(t, 1, wins, "exactly one plan insert may win")

		tasks, err := s.ListTasks(ctx, job.ID)
		require.NoError(t, err)
		assert.Len(t, tasks, 1)
	})
}

func TestClaimTask(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := newTestJob("acme")
		require.NoError(t, s.CreateJob(ctx, job))
		task := newTestTask(job.ID, model.StageTranscribe)
		require.NoError(t, s.InsertTasks(ctx, []*model.Task{task}))

		// Not ready yet.
		_, err := s.ClaimTask(ctx, task.ID, 0, "inst-1", 30*time.Second)
		assert.ErrorIs(t, err, ErrConflict)

		_, err = s.UpdateTask(ctx, task.ID, func(tk *model.Task) error {
			tk.Status = model.TaskReady
			return nil
		})
		require.NoError(t, err)

		// Wrong attempt loses.
		_, err = s.ClaimTask(ctx, task.ID, 1, "inst-1", 30*time.Second)
		assert.ErrorIs(t, err, ErrConflict)

		got, err := s.ClaimTask(ctx, task.ID, 0, "inst-1", 30*time.Second)
		require.NoError(t, err)
		assert.Equal(t, model.TaskRunning, got.Status)
		assert.Equal(t, "inst-1", got.LeaseHolder)
		require.NotNil(t, got.LeaseDeadline)
		require.NotNil(t, got.StartedAt)

		// Second claim loses.
		_, err = s.ClaimTask(ctx, task.ID, 0, "inst-2", 30*time.Second)
		assert.ErrorIs(t, err, ErrConflict)

		_, err = s.ClaimTask(ctx, "missing", 0, "inst-1", 30*time.Second)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestClaimTaskConcurrent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := newTestJob("acme")
		require.NoError(t, s.CreateJob(ctx, job))
		task := newTestTask(job.ID, model.StageTranscribe)
		require.NoError(t, s.InsertTasks(ctx, []*model.Task{task}))
		_, err := s.UpdateTask(ctx, task.ID, func(tk *model.Task) error {
			tk.Status = model.TaskReady
			return nil
		})
		require.NoError(t, err)

		const claimers = 8
		var wg sync.WaitGroup
		errs := make([]error, claimers)
		for i := 0; i < claimers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = s.ClaimTask(ctx, task.ID, 0, "inst", 30*time.Second)
			}(i)
		}
		wg.Wait()

		var wins int
		for _, err := range errs {
			if err == nil {
				wins++
			} else {
				assert.ErrorIs(t, err, ErrConflict)
			}
		}
		assert.Equal(t, 1, wins, "exactly one claim may win")
	})
}

func TestExtendTaskLease(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := newTestJob("acme")
		require.NoError(t, s.CreateJob(ctx, job))
		task := newTestTask(job.ID, model.StageTranscribe)
		require.NoError(t, s.InsertTasks(ctx, []*model.Task{task}))
		_, err := s.UpdateTask(ctx, task.ID, func(tk *model.Task) error {
			tk.Status = model.TaskReady
			return nil
		})
		require.NoError(t, err)
		claimed, err := s.ClaimTask(ctx, task.ID, 0, "inst-1", time.Second)
		require.NoError(t, err)

		require.NoError(t, s.ExtendTaskLease(ctx, task.ID, "inst-1", time.Minute))
		got, err := s.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.True(t, got.LeaseDeadline.After(*claimed.LeaseDeadline))

		err = s.ExtendTaskLease(ctx, task.ID, "inst-2", time.Minute)
		assert.ErrorIs(t, err, ErrConflict)
		err = s.ExtendTaskLease(ctx, "missing", "inst-1", time.Minute)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestExpiredTaskLeases(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := newTestJob("acme")
		require.NoError(t, s.CreateJob(ctx, job))
		expired := newTestTask(job.ID, model.StageTranscribe)
		healthy := newTestTask(job.ID, model.StageDiarize)
		require.NoError(t, s.InsertTasks(ctx, []*model.Task{expired, healthy}))
		for _, id := range []string{expired.ID, healthy.ID} {
			_, err := s.UpdateTask(ctx, id, func(tk *model.Task) error {
				tk.Status = model.TaskReady
				return nil
			})
			require.NoError(t, err)
		}
		_, err := s.ClaimTask(ctx, expired.ID, 0, "inst-1", -time.Second)
		require.NoError(t, err)
		_, err = s.ClaimTask(ctx, healthy.ID, 0, "inst-1", time.Hour)
		require.NoError(t, err)

		stale, err := s.ExpiredTaskLeases(ctx, time.Now(), 10)
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, expired.ID, stale[0].ID)
	})
}

func TestStaleReadyTasks(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := newTestJob("acme")
		require.NoError(t, s.CreateJob(ctx, job))
		ready := newTestTask(job.ID, model.StageTranscribe)
		pending := newTestTask(job.ID, model.StageDiarize)
		require.NoError(t, s.InsertTasks(ctx, []*model.Task{ready, pending}))
		_, err := s.UpdateTask(ctx, ready.ID, func(tk *model.Task) error {
			tk.Status = model.TaskReady
			return nil
		})
		require.NoError(t, err)

		// Everything is younger than a cutoff in the past.
		stale, err := s.StaleReadyTasks(ctx, time.Now().Add(-time.Minute), 10)
		require.NoError(t, err)
		assert.Empty(t, stale)

		// A cutoff in the future catches the ready task but never the
		// pending one.
		stale, err = s.StaleReadyTasks(ctx, time.Now().Add(time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, ready.ID, stale[0].ID)
	})
}

func TestArtifactPurgeFlow(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)
		past := now.Add(-time.Hour)
		future := now.Add(time.Hour)

		due := &model.Artifact{
			ID: uuid.NewString(), TenantID: "acme", OwnerType: model.OwnerJob, OwnerID: "job-1",
			Type: model.ArtifactTranscriptRaw, URI: "file:///b/t0.json", Sensitivity: model.SensitivityRawPII,
			Store: true, CreatedAt: past, PurgeAfter: &past,
		}
		notDue := &model.Artifact{
			ID: uuid.NewString(), TenantID: "acme", OwnerType: model.OwnerJob, OwnerID: "job-1",
			Type: model.ArtifactTranscriptRedacted, URI: "file:///b/t1.json", Sensitivity: model.SensitivityRedacted,
			Store: true, CreatedAt: past, PurgeAfter: &future,
		}
		require.NoError(t, s.PutArtifact(ctx, due))
		require.NoError(t, s.PutArtifact(ctx, notDue))

		// Same owner, type and URI is a duplicate regardless of ID.
		clone := *due
		clone.ID = uuid.NewString()
		assert.ErrorIs(t, s.PutArtifact(ctx, &clone), ErrDuplicate)

		all, err := s.ListArtifacts(ctx, model.OwnerJob, "job-1")
		require.NoError(t, err)
		assert.Len(t, all, 2)

		dueList, err := s.PurgeableArtifacts(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, dueList, 1)
		assert.Equal(t, due.ID, dueList[0].ID)

		require.NoError(t, s.MarkArtifactPurged(ctx, due.ID, now))
		require.NoError(t, s.MarkArtifactPurged(ctx, due.ID, now.Add(time.Minute)), "repurge is a no-op")

		got, err := s.ListArtifacts(ctx, model.OwnerJob, "job-1")
		require.NoError(t, err)
		for _, a := range got {
			if a.ID == due.ID {
				require.NotNil(t, a.PurgedAt)
				assert.True(t, a.PurgedAt.Equal(now), "first purge stamp sticks")
			}
		}

		dueList, err = s.PurgeableArtifacts(ctx, now, 10)
		require.NoError(t, err)
		assert.Empty(t, dueList)
	})
}

func TestStampArtifactRetention(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		created := time.Now().UTC().Truncate(time.Millisecond).Add(-10 * time.Minute)
		done := created.Add(5 * time.Minute)
		deadline := done.Add(30 * 24 * time.Hour)

		stored := &model.Artifact{
			ID: uuid.NewString(), TenantID: "acme", OwnerType: model.OwnerJob, OwnerID: "job-9",
			Type: model.ArtifactTranscriptRaw, URI: "file:///b/final.json", Sensitivity: model.SensitivityRawPII,
			Store: true, CreatedAt: created,
		}
		transient := &model.Artifact{
			ID: uuid.NewString(), TenantID: "acme", OwnerType: model.OwnerJob, OwnerID: "job-9",
			Type: model.ArtifactAudioMono16k, URI: "file:///b/mono.wav", Sensitivity: model.SensitivityRawPII,
			Store: false, CreatedAt: created,
		}
		ttlBound := &model.Artifact{
			ID: uuid.NewString(), TenantID: "acme", OwnerType: model.OwnerJob, OwnerID: "job-9",
			Type: model.ArtifactPIIEntities, URI: "file:///b/pii.json", Sensitivity: model.SensitivityRawPII,
			Store: true, TTLSeconds: 60, CreatedAt: created,
		}
		foreign := &model.Artifact{
			ID: uuid.NewString(), TenantID: "acme", OwnerType: model.OwnerJob, OwnerID: "job-other",
			Type: model.ArtifactTranscriptRaw, URI: "file:///b/other.json", Sensitivity: model.SensitivityRawPII,
			Store: true, CreatedAt: created,
		}
		for _, a := range []*model.Artifact{stored, transient, ttlBound, foreign} {
			require.NoError(t, s.PutArtifact(ctx, a))
		}

		require.NoError(t, s.StampArtifactRetention(ctx, model.OwnerJob, "job-9", &deadline, done))

		byID := make(map[string]*model.Artifact)
		got, err := s.ListArtifacts(ctx, model.OwnerJob, "job-9")
		require.NoError(t, err)
		for _, a := range got {
			byID[a.ID] = a
		}
		require.NotNil(t, byID[stored.ID].PurgeAfter)
		assert.True(t, byID[stored.ID].PurgeAfter.Equal(deadline), "stored rows inherit the owner deadline")
		require.NotNil(t, byID[transient.ID].PurgeAfter)
		assert.True(t, byID[transient.ID].PurgeAfter.Equal(done), "transient rows purge at the terminal timestamp")
		require.NotNil(t, byID[ttlBound.ID].PurgeAfter)
		assert.True(t, byID[ttlBound.ID].PurgeAfter.Equal(created.Add(time.Minute)), "TTL expiry beats a later owner deadline")

		others, err := s.ListArtifacts(ctx, model.OwnerJob, "job-other")
		require.NoError(t, err)
		require.Len(t, others, 1)
		assert.Nil(t, others[0].PurgeAfter, "other owners are untouched")

		// Keep-forever clears the stamps on stored rows.
		require.NoError(t, s.StampArtifactRetention(ctx, model.OwnerJob, "job-9", nil, done))
		got, err = s.ListArtifacts(ctx, model.OwnerJob, "job-9")
		require.NoError(t, err)
		for _, a := range got {
			byID[a.ID] = a
		}
		assert.Nil(t, byID[stored.ID].PurgeAfter)
		require.NotNil(t, byID[transient.ID].PurgeAfter, "transients still purge")
		require.NotNil(t, byID[ttlBound.ID].PurgeAfter, "TTL rows still expire")
	})
}

func TestSessionLifecycle(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		sess := &model.Session{
			ID: uuid.NewString(), TenantID: "acme", Status: model.SessionActive, WorkerID: "w-1",
			Language: "en", Model: "streaming", Encoding: "pcm16", SampleRate: 16000,
			RetentionDays: model.RetentionTransient,
			StartedAt:     time.Now().UTC().Truncate(time.Millisecond),
		}
		require.NoError(t, s.PutSession(ctx, sess))

		byWorker, err := s.SessionsByWorker(ctx, "w-1")
		require.NoError(t, err)
		require.Len(t, byWorker, 1)

		ended := time.Now().UTC().Truncate(time.Millisecond)
		_, err = s.UpdateSession(ctx, sess.ID, func(rec *model.Session) error {
			rec.Status = model.SessionCompleted
			rec.EndedAt = &ended
			rec.PurgeAfter = model.PurgeDeadline(rec.RetentionDays, ended)
			return nil
		})
		require.NoError(t, err)

		_, err = s.UpdateSession(ctx, sess.ID, func(rec *model.Session) error {
			rec.Status = model.SessionActive
			return nil
		})
		assert.ErrorIs(t, err, ErrConflict)

		byWorker, err = s.SessionsByWorker(ctx, "w-1")
		require.NoError(t, err)
		assert.Empty(t, byWorker)

		due, err := s.PurgeableSessions(ctx, ended.Add(time.Second), 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		require.NoError(t, s.MarkSessionPurged(ctx, sess.ID, ended.Add(time.Second)))
		due, err = s.PurgeableSessions(ctx, ended.Add(time.Second), 10)
		require.NoError(t, err)
		assert.Empty(t, due)
	})
}

func TestInstanceRegistry(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		reg := time.Now().UTC().Truncate(time.Millisecond)
		inst := &model.EngineInstance{
			ID: "inst-1", EngineID: "whisper-cpu", Host: "node-a", Status: model.InstanceAvailable,
			MaxConcurrency: 2, RegisteredAt: reg, LastHeartbeat: reg,
		}
		require.NoError(t, s.UpsertInstance(ctx, inst))

		// Heartbeat re-upsert keeps the original registration time.
		beat := *inst
		beat.Status = model.InstanceRunning
		beat.ActiveTasks = 1
		beat.RegisteredAt = reg.Add(time.Hour)
		beat.LastHeartbeat = reg.Add(10 * time.Second)
		require.NoError(t, s.UpsertInstance(ctx, &beat))

		got, err := s.ListInstances(ctx, "whisper-cpu")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, model.InstanceRunning, got[0].Status)
		assert.Equal(t, 1, got[0].ActiveTasks)
		assert.True(t, got[0].RegisteredAt.Equal(reg))
		assert.True(t, got[0].LastHeartbeat.Equal(reg.Add(10*time.Second)))

		all, err := s.ListInstances(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 1)

		require.NoError(t, s.DeleteInstance(ctx, "inst-1"))
		got, err = s.ListInstances(ctx, "whisper-cpu")
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestWorkerRegistry(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		reg := time.Now().UTC().Truncate(time.Millisecond)
		w := &model.RTWorker{
			ID: "rtw-b", Addr: "ws://10.0.0.4:8090", Capacity: 8,
			Languages: []string{"en", "de"}, Models: []string{"streaming"},
			Healthy: true, RegisteredAt: reg, LastHeartbeat: reg,
		}
		require.NoError(t, s.UpsertWorker(ctx, w))
		require.NoError(t, s.UpsertWorker(ctx, &model.RTWorker{
			ID: "rtw-a", Addr: "ws://10.0.0.5:8090", Capacity: 4, Healthy: true,
			RegisteredAt: reg, LastHeartbeat: reg,
		}))

		// Heartbeat re-upsert keeps the original registration time.
		beat := *w
		beat.ActiveSessions = 3
		beat.SessionIDs = []string{"s-1", "s-2", "s-3"}
		beat.RegisteredAt = reg.Add(time.Hour)
		beat.LastHeartbeat = reg.Add(10 * time.Second)
		require.NoError(t, s.UpsertWorker(ctx, &beat))

		got, err := s.GetWorker(ctx, "rtw-b")
		require.NoError(t, err)
		assert.Equal(t, 3, got.ActiveSessions)
		assert.Equal(t, []string{"s-1", "s-2", "s-3"}, got.SessionIDs)
		assert.Equal(t, []string{"en", "de"}, got.Languages)
		assert.True(t, got.Healthy)
		assert.True(t, got.RegisteredAt.Equal(reg))
		assert.True(t, got.LastHeartbeat.Equal(reg.Add(10*time.Second)))

		all, err := s.ListWorkers(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "rtw-a", all[0].ID)
		assert.Equal(t, "rtw-b", all[1].ID)
		assert.Empty(t, all[0].SessionIDs)

		_, err = s.GetWorker(ctx, "rtw-c")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.DeleteWorker(ctx, "rtw-a"))
		_, err = s.GetWorker(ctx, "rtw-a")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestUpdateWorkerAllocation(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, s.UpsertWorker(ctx, &model.RTWorker{
			ID: "rtw-1", Capacity: 1, Healthy: true, RegisteredAt: now, LastHeartbeat: now,
		}))

		// Allocation is a read-modify-write: the callback re-checks capacity
		// against the row it is about to commit.
		claim := func(sessionID string) error {
			_, err := s.UpdateWorker(ctx, "rtw-1", func(rec *model.RTWorker) error {
				if !rec.HasCapacity() {
					return ErrConflict
				}
				rec.ActiveSessions++
				rec.SessionIDs = append(rec.SessionIDs, sessionID)
				return nil
			})
			return err
		}
		require.NoError(t, claim("s-1"))
		assert.ErrorIs(t, claim("s-2"), ErrConflict)

		got, err := s.GetWorker(ctx, "rtw-1")
		require.NoError(t, err)
		assert.Equal(t, 1, got.ActiveSessions)
		assert.Equal(t, []string{"s-1"}, got.SessionIDs)

		// Release drops the session and frees the slot.
		_, err = s.UpdateWorker(ctx, "rtw-1", func(rec *model.RTWorker) error {
			rec.ActiveSessions--
			rec.SessionIDs = nil
			return nil
		})
		require.NoError(t, err)
		require.NoError(t, claim("s-2"))

		_, err = s.UpdateWorker(ctx, "rtw-missing", func(*model.RTWorker) error { return nil })
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestAuditAppendOnly(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			require.NoError(t, s.AppendAudit(ctx, &model.AuditEntry{
				TenantID:     "acme",
				ActorType:    model.ActorUser,
				ActorID:      "alice",
				Action:       "job.submit",
				ResourceType: model.ResourceJob,
				ResourceID:   uuid.NewString(),
				Detail:       map[string]string{"n": string(rune('0' + i))},
			}))
		}
		require.NoError(t, s.AppendAudit(ctx, &model.AuditEntry{
			TenantID: "globex", ActorType: model.ActorSystem, Action: "retention.purge",
		}))

		entries, err := s.ListAudit(ctx, "acme", 0)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		// Newest first, monotonic seq.
		assert.Greater(t, entries[0].Seq, entries[1].Seq)
		assert.Equal(t, "job.submit", entries[0].Action)
		assert.NotNil(t, entries[0].Detail)

		limited, err := s.ListAudit(ctx, "", 2)
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})
}

func TestIdempotencyWindow(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.PutIdempotency(ctx, "key-1", "job-1", time.Minute))
		jobID, ok, err := s.GetIdempotency(ctx, "key-1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "job-1", jobID)

		// Expired keys are invisible.
		require.NoError(t, s.PutIdempotency(ctx, "key-2", "job-2", -time.Second))
		_, ok, err = s.GetIdempotency(ctx, "key-2")
		require.NoError(t, err)
		assert.False(t, ok)

		// Empty keys are a no-op.
		require.NoError(t, s.PutIdempotency(ctx, "", "job-3", time.Minute))
		_, ok, err = s.GetIdempotency(ctx, "")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestLeaseContention(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		lease, ok, err := s.TryAcquireLease(ctx, "partition:3", "replica-a", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "partition:3", lease.Key())
		assert.Equal(t, "replica-a", lease.Owner())

		// A competing owner is told who holds it.
		held, ok, err := s.TryAcquireLease(ctx, "partition:3", "replica-b", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
		require.NotNil(t, held)
		assert.Equal(t, "replica-a", held.Owner())

		// The holder can renew.
		renewed, ok, err := s.RenewLease(ctx, "partition:3", "replica-a", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, renewed.ExpiresAt().After(time.Now()))

		// Release then the other replica wins.
		require.NoError(t, s.ReleaseLease(ctx, "partition:3", "replica-a"))
		_, ok, err = s.TryAcquireLease(ctx, "partition:3", "replica-b", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		// Release by a non-owner does nothing.
		require.NoError(t, s.ReleaseLease(ctx, "partition:3", "replica-a"))
		_, ok, err = s.TryAcquireLease(ctx, "partition:3", "replica-c", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		n, err := s.DeleteAllLeases(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestStoreFactory(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, "mem://")
	require.NoError(t, err)
	_, isMem := s.(*Memory)
	assert.True(t, isMem)

	s, err = Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	_, isSQLite := s.(*SQLite)
	assert.True(t, isSQLite)
	require.NoError(t, s.Close())

	_, err = Open(ctx, "bolt://state.db")
	assert.Error(t, err)
	_, err = Open(ctx, "sqlite://")
	assert.Error(t, err)

	assert.Equal(t, "postgres://user:xxxxx@db:5432/dalston", Redacted("postgres://user:secret@db:5432/dalston"))
}

func TestLeaseExpiryTakeover(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, ok, err := s.TryAcquireLease(ctx, "partition:0", "replica-a", -time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		// Lapsed leases are free for the taking.
		taken, ok, err := s.TryAcquireLease(ctx, "partition:0", "replica-b", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "replica-b", taken.Owner())
	})
}
