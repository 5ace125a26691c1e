// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalstonhq/dalston/internal/bus"
	"github.com/dalstonhq/dalston/internal/catalog"
	"github.com/dalstonhq/dalston/internal/dag"
	"github.com/dalstonhq/dalston/internal/model"
	"github.com/dalstonhq/dalston/internal/registry"
	"github.com/dalstonhq/dalston/internal/store"
)

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New([]model.EngineDescriptor{
		{ID: "prep", Stage: model.StagePrepare, Languages: []string{"all"}, RTFCPU: 0.1},
		{ID: "whisper-cpu", Stage: model.StageTranscribe, Model: "fast",
			Languages: []string{"all"}, RTFCPU: 1.0},
		{ID: "whisper-gpu", Stage: model.StageTranscribe, Model: "accurate",
			Languages: []string{"en", "de"}, GPU: model.GPURequired, RTFGPU: 0.25,
			Capabilities: model.Capabilities{WordTimestamps: true}},
		{ID: "aligner", Stage: model.StageAlign, Languages: []string{"all"},
			Capabilities: model.Capabilities{WordTimestamps: true}, RTFCPU: 0.2},
		{ID: "diarizer", Stage: model.StageDiarize, Languages: []string{"all"}, RTFCPU: 0.5},
		{ID: "pii", Stage: model.StagePIIDetect, Languages: []string{"all"}, RTFCPU: 0.1},
		{ID: "redactor", Stage: model.StageAudioRedact, Languages: []string{"all"}, RTFCPU: 0.2},
		{ID: "merger", Stage: model.StageMerge, Languages: []string{"all"}, RTFCPU: 0.05},
	})
	require.NoError(t, err)
	return c
}

// fixture wires a scheduler against in-memory collaborators. Tests drive
// the event loop by hand instead of racing Run's goroutines: drain handles
// outstanding stream events, runEngine plays a live engine working its
// queue.
type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *store.Memory
	bus   *bus.Memory
	reg   *registry.Registry
	sched *Scheduler
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cat := catalog.Static{C: testCatalog(t)}
	st := store.NewMemory()
	b := bus.NewMemory(2)
	t.Cleanup(func() { _ = b.Close() })

	sched := &Scheduler{
		Store:     st,
		Bus:       b,
		Catalog:   cat,
		Registry:  registry.New(st, time.Minute),
		ReplicaID: "sched-test",
		LeaseTTL:  30 * time.Second,
	}
	require.NoError(t, sched.init())

	return &fixture{
		t:     t,
		ctx:   context.Background(),
		store: st,
		bus:   b,
		reg:   sched.Registry,
		sched: sched,
		svc:   NewService(st, b, cat),
	}
}

func (f *fixture) register(engineIDs ...string) {
	f.t.Helper()
	for _, id := range engineIDs {
		_, err := f.reg.Register(f.ctx, model.EngineInstance{
			ID:             id + "-0",
			EngineID:       id,
			Host:           "10.0.0.7",
			MaxConcurrency: 2,
		})
		require.NoError(f.t, err)
	}
}

func (f *fixture) registerAll() {
	f.register("prep", "whisper-cpu", "whisper-gpu", "aligner", "diarizer", "pii", "redactor", "merger")
}

func (f *fixture) submit(mutate func(*SubmitRequest)) *model.Job {
	f.t.Helper()
	req := SubmitRequest{
		TenantID: "acme",
		Params: model.JobParams{
			SourceURI:     "s3://dalston-uploads/acme/call.wav",
			Model:         "auto",
			Language:      "en",
			RetentionDays: 30,
		},
		Media: model.MediaInfo{
			DurationSeconds: 600, Channels: 1, SampleRate: 16000,
			Format: "wav", SizeBytes: 19_200_000,
		},
	}
	if mutate != nil {
		mutate(&req)
	}
	job, err := f.svc.Submit(f.ctx, req)
	require.NoError(f.t, err)
	return job
}

// drain handles every outstanding stream event in log order until the bus
// is quiet. Handlers publish follow-up events, so several rounds may pass
// before the log settles.
func (f *fixture) drain() {
	f.t.Helper()
	for round := 0; round < 100; round++ {
		handled := 0
		for p := 0; p < f.bus.Partitions(); p++ {
			for {
				deliveries, err := f.bus.Consume(f.ctx, f.sched.ConsumerGroup, "drain", p, 16, 0)
				require.NoError(f.t, err)
				if len(deliveries) == 0 {
					break
				}
				for _, d := range deliveries {
					f.sched.handle(f.ctx, p, d)
				}
				handled += len(deliveries)
			}
		}
		if handled == 0 {
			return
		}
	}
	f.t.Fatal("event stream never settled")
}

func (f *fixture) append(t model.EventType, jobID string, payload any) {
	f.t.Helper()
	ev, err := model.NewEvent(t, jobID, "", payload)
	require.NoError(f.t, err)
	require.NoError(f.t, f.bus.Append(f.ctx, ev))
}

// producer decides the outcome of one task attempt for the fake engine.
type producer func(msg model.TaskMessage, instance string) (model.EventType, any)

// succeed reports a completed attempt with stage-appropriate outputs,
// close to what the virtual engines emit.
func succeed(msg model.TaskMessage, instance string) (model.EventType, any) {
	return model.EventTaskCompleted, model.TaskCompletedPayload{
		TaskID:     msg.TaskID,
		Stage:      msg.Stage,
		Attempt:    msg.Attempt,
		InstanceID: instance,
		Outputs:    stageOutputs(msg),
		Stats:      stageStats(msg),
	}
}

func stageOutputs(msg model.TaskMessage) []model.OutputRef {
	base := "s3://dalston-artifacts/" + msg.JobID + "/" + string(msg.Stage) + "/" + strconv.Itoa(msg.Attempt)
	switch msg.Stage.Family() {
	case model.StagePrepare:
		if msg.Parameters["split_channels"] == "true" {
			return []model.OutputRef{
				{Type: model.ChannelArtifactType(0), URI: base + "/ch0.wav", Sensitivity: model.SensitivityRawPII, Store: true},
				{Type: model.ChannelArtifactType(1), URI: base + "/ch1.wav", Sensitivity: model.SensitivityRawPII, Store: true},
			}
		}
		return []model.OutputRef{
			{Type: model.ArtifactAudioMono16k, URI: base + "/mono.wav", Sensitivity: model.SensitivityRawPII, Store: true},
		}
	case model.StageTranscribe:
		typ := model.ArtifactTranscriptRaw
		if i, ok := msg.Stage.ChannelIndex(); ok {
			typ = model.ChannelTranscriptType(i)
		}
		return []model.OutputRef{
			{Type: typ, URI: base + "/transcript.json", Sensitivity: model.SensitivityRawPII, Store: true},
		}
	case model.StageAlign:
		return []model.OutputRef{
			{Type: model.ArtifactTranscriptAligned, URI: base + "/aligned.json", Sensitivity: model.SensitivityRawPII, Store: true},
		}
	case model.StageDiarize:
		return []model.OutputRef{
			{Type: model.ArtifactDiarization, URI: base + "/speakers.json", Sensitivity: model.SensitivityMetadata, Store: true},
		}
	case model.StagePIIDetect:
		return []model.OutputRef{
			{Type: model.ArtifactPIIEntities, URI: base + "/entities.json", Sensitivity: model.SensitivityRawPII, Store: true},
			{Type: model.ArtifactTranscriptRedacted, URI: base + "/redacted.json", Sensitivity: model.SensitivityRedacted, Store: true},
		}
	case model.StageAudioRedact:
		return []model.OutputRef{
			{Type: model.ArtifactAudioRedacted, URI: base + "/redacted.wav", Sensitivity: model.SensitivityRedacted, Store: true},
		}
	case model.StageMerge:
		return []model.OutputRef{
			{Type: model.ArtifactTranscriptRaw, URI: base + "/final.json", Sensitivity: model.SensitivityRawPII, Store: true},
		}
	}
	return nil
}

func stageStats(msg model.TaskMessage) model.TaskResultStats {
	switch msg.Stage.Family() {
	case model.StagePrepare:
		ch := 1
		if msg.Parameters["split_channels"] == "true" {
			ch = 2
		}
		return model.TaskResultStats{DurationSeconds: 600, Channels: ch, SampleRate: 16000, Format: "wav"}
	case model.StageTranscribe:
		return model.TaskResultStats{Language: "en", SegmentCount: 42, WordCount: 517}
	case model.StagePIIDetect:
		return model.TaskResultStats{EntityCount: 3}
	case model.StageMerge:
		st := model.TaskResultStats{SegmentCount: 42, WordCount: 517, SizeBytes: 88_000}
		if mode := msg.Parameters["speaker_detection"]; mode != "" && mode != string(model.SpeakerNone) {
			st.SpeakerCount = 2
		}
		return st
	}
	return model.TaskResultStats{}
}

// runEngine plays one live engine: it drains the engine's queue, claims
// each message and reports whatever produce decides. Lost claims are
// dropped and acked, matching real duplicate handling.
func (f *fixture) runEngine(engineID string, produce producer) int {
	f.t.Helper()
	queue := model.EngineDescriptor{ID: engineID}.QueueName()
	instance := engineID + "-0"
	handled := 0
	for {
		d, err := f.bus.Dequeue(f.ctx, queue, instance, 30*time.Second, 0)
		require.NoError(f.t, err)
		if d == nil {
			return handled
		}
		msg := d.Message
		if _, err := f.store.ClaimTask(f.ctx, msg.TaskID, msg.Attempt, instance, 30*time.Second); err != nil {
			require.ErrorIs(f.t, err, store.ErrConflict)
			require.NoError(f.t, f.bus.Done(f.ctx, queue, d.Receipt))
			continue
		}
		f.append(model.EventTaskStarted, msg.JobID, model.TaskLifecyclePayload{
			TaskID: msg.TaskID, Stage: msg.Stage, Attempt: msg.Attempt, InstanceID: instance,
		})
		evType, payload := produce(msg, instance)
		f.append(evType, msg.JobID, payload)
		require.NoError(f.t, f.bus.Done(f.ctx, queue, d.Receipt))
		handled++
	}
}

// pump alternates the scheduler loop with the given engines until nobody
// finds work.
func (f *fixture) pump(engines map[string]producer) {
	f.t.Helper()
	for round := 0; round < 30; round++ {
		f.drain()
		worked := 0
		for id, produce := range engines {
			worked += f.runEngine(id, produce)
		}
		if worked == 0 {
			f.drain()
			return
		}
	}
	f.t.Fatal("pipeline never settled")
}

func allSucceed(engineIDs ...string) map[string]producer {
	m := make(map[string]producer, len(engineIDs))
	for _, id := range engineIDs {
		m[id] = succeed
	}
	return m
}

func (f *fixture) job(id string) *model.Job {
	f.t.Helper()
	j, err := f.store.GetJob(f.ctx, id)
	require.NoError(f.t, err)
	return j
}

func (f *fixture) task(jobID string, stage model.Stage) *model.Task {
	f.t.Helper()
	tasks, err := f.store.ListTasks(f.ctx, jobID)
	require.NoError(f.t, err)
	for _, task := range tasks {
		if task.Stage == stage {
			return task
		}
	}
	f.t.Fatalf("no %s task for job %s", stage, jobID)
	return nil
}

func (f *fixture) artifacts(jobID string) []*model.Artifact {
	f.t.Helper()
	arts, err := f.store.ListArtifacts(f.ctx, model.OwnerJob, jobID)
	require.NoError(f.t, err)
	return arts
}

func (f *fixture) queueLen(engineID string) int64 {
	f.t.Helper()
	n, err := f.bus.QueueLen(f.ctx, model.EngineDescriptor{ID: engineID}.QueueName())
	require.NoError(f.t, err)
	return n
}

func TestPipelineHappyPath(t *testing.T) {
	f := newFixture(t)
	f.registerAll()
	job := f.submit(nil)

	f.pump(allSucceed("prep", "whisper-gpu", "merger"))

	got := f.job(job.ID)
	assert.Equal(t, model.JobCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Empty(t, got.CurrentStage)
	require.NotNil(t, got.Result)
	assert.Contains(t, got.Result.TranscriptURI, "/merge/")
	assert.Equal(t, "en", got.Result.Language)
	assert.Equal(t, 42, got.Result.SegmentCount)
	assert.Equal(t, 517, got.Result.WordCount)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.PurgeAfter)
	assert.WithinDuration(t, got.CompletedAt.Add(30*24*time.Hour), *got.PurgeAfter, time.Second)

	for _, stage := range []model.Stage{model.StagePrepare, model.StageTranscribe, model.StageMerge} {
		task := f.task(job.ID, stage)
		assert.Equal(t, model.TaskCompleted, task.Status, "stage %s", stage)
		assert.Nil(t, task.Error, "stage %s", stage)
	}

	types := map[model.ArtifactType]bool{}
	for _, a := range f.artifacts(job.ID) {
		types[a.Type] = true
		require.NotNil(t, a.PurgeAfter, "artifact %s", a.Type)
		assert.WithinDuration(t, *got.PurgeAfter, *a.PurgeAfter, time.Second)
	}
	assert.True(t, types[model.ArtifactAudioSource])
	assert.True(t, types[model.ArtifactAudioMono16k])
	assert.True(t, types[model.ArtifactTranscriptRaw])

	// Finished jobs reject further cancellation.
	_, err := f.svc.Cancel(f.ctx, "acme", job.ID, "", Actor{ID: "ops"})
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestPipelinePerChannel(t *testing.T) {
	f := newFixture(t)
	f.registerAll()
	job := f.submit(func(r *SubmitRequest) {
		r.Params.SpeakerDetection = model.SpeakerPerChannel
		r.Media.Channels = 2
	})

	f.pump(allSucceed("prep", "whisper-gpu", "merger"))

	got := f.job(job.ID)
	require.Equal(t, model.JobCompleted, got.Status)

	ch0 := f.task(job.ID, model.TranscribeChannelStage(0))
	ch1 := f.task(job.ID, model.TranscribeChannelStage(1))
	assert.Equal(t, model.TaskCompleted, ch0.Status)
	assert.Equal(t, model.TaskCompleted, ch1.Status)
	require.Len(t, ch0.Inputs, 1)
	require.Len(t, ch1.Inputs, 1)
	assert.Equal(t, model.ChannelArtifactType(0), ch0.Inputs[0].Type)
	assert.Equal(t, model.ChannelArtifactType(1), ch1.Inputs[0].Type)
	assert.Contains(t, ch0.Inputs[0].URI, "/ch0.wav")
	assert.Contains(t, ch1.Inputs[0].URI, "/ch1.wav")

	// Merge sees one transcript per channel, not just the newest one.
	merge := f.task(job.ID, model.StageMerge)
	gotTypes := make([]model.ArtifactType, 0, len(merge.Inputs))
	for _, in := range merge.Inputs {
		gotTypes = append(gotTypes, in.Type)
	}
	assert.ElementsMatch(t, []model.ArtifactType{
		model.ChannelTranscriptType(0), model.ChannelTranscriptType(1),
	}, gotTypes)

	require.NotNil(t, got.Result)
	assert.GreaterOrEqual(t, got.Result.SpeakerCount, 2)
}

func TestColdStartQueuesUntilEngineArrives(t *testing.T) {
	f := newFixture(t) // nothing registered: every engine is offline
	job := f.submit(nil)
	f.drain()

	// The graph is planned and the first task queued, but the job shows
	// pending until an engine actually starts working.
	assert.Equal(t, model.JobPending, f.job(job.ID).Status)
	assert.Equal(t, model.TaskReady, f.task(job.ID, model.StagePrepare).Status)
	assert.EqualValues(t, 1, f.queueLen("prep"))

	require.Equal(t, 1, f.runEngine("prep", succeed))
	f.drain()
	assert.Equal(t, model.JobRunning, f.job(job.ID).Status)

	f.pump(allSucceed("whisper-gpu", "merger"))
	assert.Equal(t, model.JobCompleted, f.job(job.ID).Status)
}

func TestFailFastWithoutLiveEngines(t *testing.T) {
	f := newFixture(t)
	f.sched.FailFast = true
	job := f.submit(nil)
	f.drain()

	got := f.job(job.ID)
	assert.Equal(t, model.JobFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, model.ErrKindEngineUnavailable, got.Error.Kind)
	assert.Contains(t, got.Error.Message, "no live instance")
	require.NotNil(t, got.PurgeAfter)

	tasks, err := f.store.ListTasks(f.ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, tasks, "fail-fast rejects before materializing the graph")
}

func TestTransientFailureRetriesUntilSuccess(t *testing.T) {
	f := newFixture(t)
	f.registerAll()
	job := f.submit(nil)

	attempts := 0
	flaky := func(msg model.TaskMessage, instance string) (model.EventType, any) {
		attempts++
		if attempts < 3 {
			return model.EventTaskFailed, model.TaskFailedPayload{
				TaskID: msg.TaskID, Stage: msg.Stage, Attempt: msg.Attempt, InstanceID: instance,
				ErrorKind: model.ErrKindEngineTransient, ErrorMessage: "gpu wedged", Retryable: true,
			}
		}
		return succeed(msg, instance)
	}

	f.pump(map[string]producer{"prep": succeed, "whisper-gpu": flaky, "merger": succeed})

	assert.Equal(t, 3, attempts)
	got := f.job(job.ID)
	assert.Equal(t, model.JobCompleted, got.Status)
	transcribe := f.task(job.ID, model.StageTranscribe)
	assert.Equal(t, model.TaskCompleted, transcribe.Status)
	assert.Equal(t, 3, transcribe.Attempt)
	assert.Nil(t, transcribe.Error)
}

func TestPermanentFailureFailsJob(t *testing.T) {
	f := newFixture(t)
	f.registerAll()
	job := f.submit(nil)

	doomed := func(msg model.TaskMessage, instance string) (model.EventType, any) {
		return model.EventTaskFailed, model.TaskFailedPayload{
			TaskID: msg.TaskID, Stage: msg.Stage, Attempt: msg.Attempt, InstanceID: instance,
			ErrorKind: model.ErrKindEnginePermanent, ErrorMessage: "unsupported codec",
			PartialOutputs: []model.OutputRef{
				{Type: model.ArtifactTranscriptRaw, URI: "s3://dalston-artifacts/" + msg.JobID + "/partial.json",
					Sensitivity: model.SensitivityRawPII, Store: true},
			},
		}
	}

	f.pump(map[string]producer{"prep": succeed, "whisper-gpu": doomed})

	got := f.job(job.ID)
	assert.Equal(t, model.JobFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, model.ErrKindEnginePermanent, got.Error.Kind)
	assert.Contains(t, got.Error.Message, "stage transcribe failed")
	assert.Contains(t, got.Error.Message, "unsupported codec")

	transcribe := f.task(job.ID, model.StageTranscribe)
	assert.Equal(t, model.TaskFailed, transcribe.Status)
	assert.Equal(t, 1, transcribe.Attempt, "permanent errors must not burn retries")
	assert.Equal(t, model.TaskCancelled, f.task(job.ID, model.StageMerge).Status)

	flagged, err := f.bus.Cancelled(f.ctx, cancelChannel(got))
	require.NoError(t, err)
	assert.True(t, flagged)

	var partial bool
	for _, a := range f.artifacts(job.ID) {
		if a.URI == "s3://dalston-artifacts/"+job.ID+"/partial.json" {
			partial = true
			require.NotNil(t, a.PurgeAfter, "partial outputs follow the job's retention")
		}
	}
	assert.True(t, partial, "partial outputs survive for debugging")
}

func TestCancelMidFlight(t *testing.T) {
	f := newFixture(t)
	f.registerAll()
	job := f.submit(nil)
	f.drain()
	require.Equal(t, 1, f.runEngine("prep", succeed))
	f.drain()

	// An engine picks up transcribe and holds it mid-run.
	queue := model.EngineDescriptor{ID: "whisper-gpu"}.QueueName()
	d, err := f.bus.Dequeue(f.ctx, queue, "whisper-gpu-0", 30*time.Second, 0)
	require.NoError(t, err)
	require.NotNil(t, d)
	_, err = f.store.ClaimTask(f.ctx, d.Message.TaskID, d.Message.Attempt, "whisper-gpu-0", 30*time.Second)
	require.NoError(t, err)
	f.append(model.EventTaskStarted, job.ID, model.TaskLifecyclePayload{
		TaskID: d.Message.TaskID, Stage: d.Message.Stage, Attempt: d.Message.Attempt, InstanceID: "whisper-gpu-0",
	})
	f.drain()
	require.Equal(t, model.JobRunning, f.job(job.ID).Status)

	_, err = f.svc.Cancel(f.ctx, "acme", job.ID, "caller hung up", Actor{ID: "ops@acme"})
	require.NoError(t, err)
	f.drain()

	// The running task is asked to stop, everything not started is
	// settled immediately, and the job waits in cancelling.
	got := f.job(job.ID)
	assert.Equal(t, model.JobCancelling, got.Status)
	assert.Equal(t, model.TaskRunning, f.task(job.ID, model.StageTranscribe).Status)
	assert.Equal(t, model.TaskCancelled, f.task(job.ID, model.StageMerge).Status)
	flagged, err := f.bus.Cancelled(f.ctx, d.Message.CancelChannel)
	require.NoError(t, err)
	assert.True(t, flagged)

	// The engine observes the flag and confirms.
	f.append(model.EventTaskCancelled, job.ID, model.TaskCancelledPayload{
		TaskID: d.Message.TaskID, Stage: d.Message.Stage, Attempt: d.Message.Attempt, InstanceID: "whisper-gpu-0",
	})
	require.NoError(t, f.bus.Done(f.ctx, queue, d.Receipt))
	f.drain()

	got = f.job(job.ID)
	assert.Equal(t, model.JobCancelled, got.Status)
	require.NotNil(t, got.PurgeAfter)
	assert.Equal(t, model.TaskCancelled, f.task(job.ID, model.StageTranscribe).Status)
}

func TestPIIGate(t *testing.T) {
	t.Run("no entities skips audio redaction", func(t *testing.T) {
		f := newFixture(t)
		f.registerAll()
		job := f.submit(func(r *SubmitRequest) {
			r.Params.PIIDetection = true
			r.Params.RedactPIIAudio = true
		})

		clean := func(msg model.TaskMessage, instance string) (model.EventType, any) {
			ev, payload := succeed(msg, instance)
			p := payload.(model.TaskCompletedPayload)
			p.Stats = model.TaskResultStats{EntityCount: 0}
			return ev, p
		}
		f.pump(map[string]producer{"prep": succeed, "whisper-gpu": succeed, "pii": clean, "merger": succeed})

		got := f.job(job.ID)
		assert.Equal(t, model.JobCompleted, got.Status)

		redact := f.task(job.ID, model.StageAudioRedact)
		assert.Equal(t, model.TaskSkipped, redact.Status)
		require.NotNil(t, redact.CompletedAt)
		assert.EqualValues(t, 0, f.queueLen("redactor"), "skipped work never reaches the queue")

		require.NotNil(t, got.Result)
		assert.NotEmpty(t, got.Result.RedactedTranscriptURI)
		assert.Empty(t, got.Result.RedactedAudioURI)
	})

	t.Run("entities found runs audio redaction", func(t *testing.T) {
		f := newFixture(t)
		f.registerAll()
		job := f.submit(func(r *SubmitRequest) {
			r.Params.PIIDetection = true
			r.Params.RedactPIIAudio = true
		})

		f.pump(allSucceed("prep", "whisper-gpu", "pii", "redactor", "merger"))

		got := f.job(job.ID)
		assert.Equal(t, model.JobCompleted, got.Status)
		assert.Equal(t, model.TaskCompleted, f.task(job.ID, model.StageAudioRedact).Status)
		require.NotNil(t, got.Result)
		assert.NotEmpty(t, got.Result.RedactedAudioURI)
	})
}

func TestLeaseExpiryRequeuesAndDiscardsStaleResult(t *testing.T) {
	f := newFixture(t)
	f.registerAll()
	job := f.submit(nil)
	f.drain()
	require.Equal(t, 1, f.runEngine("prep", succeed))
	f.drain()

	// An engine claims transcribe and dies: the lease lapses immediately.
	queue := model.EngineDescriptor{ID: "whisper-gpu"}.QueueName()
	d, err := f.bus.Dequeue(f.ctx, queue, "whisper-gpu-0", 30*time.Second, 0)
	require.NoError(t, err)
	require.NotNil(t, d)
	_, err = f.store.ClaimTask(f.ctx, d.Message.TaskID, d.Message.Attempt, "whisper-gpu-0", -time.Second)
	require.NoError(t, err)

	n, err := f.sched.sweepExpiredLeases(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	f.drain()

	transcribe := f.task(job.ID, model.StageTranscribe)
	assert.Equal(t, model.TaskReady, transcribe.Status)
	assert.Equal(t, 2, transcribe.Attempt)
	assert.Empty(t, transcribe.LeaseHolder)

	// The replacement attempt finishes the pipeline.
	f.pump(allSucceed("whisper-gpu", "merger"))
	require.Equal(t, model.JobCompleted, f.job(job.ID).Status)

	// The dead engine's zombie result arrives afterwards and must be
	// ignored: the attempt counter moved on.
	f.append(model.EventTaskCompleted, job.ID, model.TaskCompletedPayload{
		TaskID: d.Message.TaskID, Stage: d.Message.Stage, Attempt: 1, InstanceID: "whisper-gpu-0",
		Outputs: []model.OutputRef{{Type: model.ArtifactTranscriptRaw, URI: "s3://zombie/transcript.json", Store: true}},
	})
	f.drain()

	transcribe = f.task(job.ID, model.StageTranscribe)
	assert.Equal(t, model.TaskCompleted, transcribe.Status)
	assert.Equal(t, 2, transcribe.Attempt)
	for _, a := range f.artifacts(job.ID) {
		assert.NotEqual(t, "s3://zombie/transcript.json", a.URI)
	}
}

func TestOperatorRetryAfterFailure(t *testing.T) {
	f := newFixture(t)
	f.registerAll()
	job := f.submit(nil)

	doomed := func(msg model.TaskMessage, instance string) (model.EventType, any) {
		return model.EventTaskFailed, model.TaskFailedPayload{
			TaskID: msg.TaskID, Stage: msg.Stage, Attempt: msg.Attempt, InstanceID: instance,
			ErrorKind: model.ErrKindEnginePermanent, ErrorMessage: "model file corrupt",
		}
	}
	f.pump(map[string]producer{"prep": succeed, "whisper-gpu": doomed})
	require.Equal(t, model.JobFailed, f.job(job.ID).Status)

	retried, err := f.svc.Retry(f.ctx, "acme", job.ID, Actor{ID: "ops@acme"})
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)
	assert.Nil(t, retried.Error)

	// The failed generation's cancel flag is scoped away from the retry.
	flagged, err := f.bus.Cancelled(f.ctx, cancelChannel(retried))
	require.NoError(t, err)
	assert.False(t, flagged)

	// Completed work is kept; only the failed and cancelled tasks rerun.
	assert.Equal(t, model.TaskCompleted, f.task(job.ID, model.StagePrepare).Status)
	assert.Equal(t, model.TaskPending, f.task(job.ID, model.StageTranscribe).Status)

	f.pump(allSucceed("whisper-gpu", "merger"))
	got := f.job(job.ID)
	assert.Equal(t, model.JobCompleted, got.Status)
	require.NotNil(t, got.Result)

	// Completed jobs are not retryable.
	_, err = f.svc.Retry(f.ctx, "acme", job.ID, Actor{ID: "ops@acme"})
	assert.ErrorIs(t, err, ErrNotRetryable)
}

// A job can fail on the runtime ceiling with the merge result already in
// flight. The late result still lands on the task, and an operator retry
// finalizes from the persisted graph without rerunning anything.
func TestRetryFinalizesAlreadySucceededGraph(t *testing.T) {
	f := newFixture(t)
	f.registerAll()
	job := f.submit(nil)
	f.drain()
	require.Equal(t, 1, f.runEngine("prep", succeed))
	f.drain()
	require.Equal(t, 1, f.runEngine("whisper-gpu", succeed))
	f.drain()

	// Merge finishes, but before its event is consumed the job trips the
	// runtime ceiling.
	require.Equal(t, 1, f.runEngine("merger", succeed))
	past := time.Now().UTC().Add(-2 * time.Hour)
	_, err := f.store.UpdateJob(f.ctx, job.ID, func(j *model.Job) error {
		j.StartedAt = &past
		return nil
	})
	require.NoError(t, err)
	f.sched.JobTimeout = time.Hour
	sw := &Sweeper{Sched: f.sched}
	require.NoError(t, sw.enforceJobTimeout(f.ctx))
	f.drain()

	got := f.job(job.ID)
	require.Equal(t, model.JobFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, model.ErrKindTimeout, got.Error.Kind)
	assert.Equal(t, model.TaskCompleted, f.task(job.ID, model.StageMerge).Status,
		"the in-flight result still lands")

	_, err = f.svc.Retry(f.ctx, "acme", job.ID, Actor{ID: "ops@acme"})
	require.NoError(t, err)
	f.drain()

	got = f.job(job.ID)
	assert.Equal(t, model.JobCompleted, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.Result)
	assert.Contains(t, got.Result.TranscriptURI, "/merge/")
	require.NotNil(t, got.PurgeAfter)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name   string
		mutate func(*SubmitRequest)
		reason string
	}{
		{"missing source", func(r *SubmitRequest) { r.Params.SourceURI = "" }, "source audio"},
		{"unknown granularity", func(r *SubmitRequest) { r.Params.Granularity = "sentence" }, "timestamps_granularity"},
		{"negative retention", func(r *SubmitRequest) { r.Params.RetentionDays = -7 }, "retention_policy"},
		{"redaction without detection", func(r *SubmitRequest) { r.Params.RedactPIIAudio = true }, "pii_detection"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := SubmitRequest{
				TenantID: "acme",
				Params: model.JobParams{
					SourceURI: "s3://dalston-uploads/acme/call.wav",
					Model:     "auto", Language: "en", RetentionDays: 30,
				},
				Media: model.MediaInfo{DurationSeconds: 600, Channels: 1},
			}
			tc.mutate(&req)
			_, err := f.svc.Submit(f.ctx, req)
			var vErr *dag.ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Contains(t, vErr.Reason, tc.reason)
		})
	}

	t.Run("unservable language fails with catalog context", func(t *testing.T) {
		_, err := f.svc.Submit(f.ctx, SubmitRequest{
			TenantID: "acme",
			Params: model.JobParams{
				SourceURI: "s3://dalston-uploads/acme/call.wav",
				Model:     "accurate", Language: "fr", RetentionDays: 30,
			},
		})
		var cErr *catalog.Error
		require.ErrorAs(t, err, &cErr)
		assert.Equal(t, model.StageTranscribe, cErr.Stage)
		assert.NotEmpty(t, cErr.Suggestion)
	})
}

func TestSubmitIdempotencyReplay(t *testing.T) {
	f := newFixture(t)
	f.registerAll()

	withKey := func(r *SubmitRequest) { r.IdempotencyKey = "ci-run-42" }
	first := f.submit(withKey)
	second := f.submit(withKey)
	assert.Equal(t, first.ID, second.ID, "replay returns the original job")

	// The duplicate announcement is harmless: the graph is planned once.
	f.drain()
	tasks, err := f.store.ListTasks(f.ctx, first.ID)
	require.NoError(t, err)
	assert.Len(t, tasks, 3)
}

func TestSweeperRevivesUnannouncedJob(t *testing.T) {
	f := newFixture(t)

	// The job row landed but the announcement was lost before it reached
	// the bus, e.g. the gateway crashed between the two writes.
	job := &model.Job{
		ID:       uuid.NewString(),
		TenantID: "acme",
		Status:   model.JobPending,
		Params: model.JobParams{
			SourceURI: "s3://dalston-uploads/acme/lost.wav",
			Model:     "auto", Language: "en",
			SpeakerDetection: model.SpeakerNone, Granularity: model.GranularitySegment,
			RetentionDays: 30,
		},
		Media:         model.MediaInfo{DurationSeconds: 120, Channels: 1, SampleRate: 16000, Format: "wav"},
		RetentionDays: 30,
		CreatedAt:     time.Now().UTC().Add(-5 * time.Minute),
	}
	require.NoError(t, f.store.CreateJob(f.ctx, job))

	sw := &Sweeper{Sched: f.sched}
	require.NoError(t, sw.revivePendingJobs(f.ctx))
	f.drain()

	tasks, err := f.store.ListTasks(f.ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, tasks, 3, "the revived announcement plans the graph")
	assert.EqualValues(t, 1, f.queueLen("prep"))
}

func TestSweeperRequeuesLostQueueWrite(t *testing.T) {
	f := newFixture(t)
	job := f.submit(nil)
	f.drain()

	// Simulate the queue write vanishing after the task went ready: the
	// broker lost it, nobody will ever dequeue.
	queue := model.EngineDescriptor{ID: "prep"}.QueueName()
	d, err := f.bus.Dequeue(f.ctx, queue, "chaos", time.Second, 0)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.NoError(t, f.bus.Done(f.ctx, queue, d.Receipt))

	// Collapse the freshness window so the sweep sees the task as stale.
	f.sched.LeaseTTL = time.Nanosecond
	sw := &Sweeper{Sched: f.sched}
	n, err := sw.requeueStaleReady(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	redelivered, err := f.bus.Dequeue(f.ctx, queue, "prep-0", time.Second, 0)
	require.NoError(t, err)
	require.NotNil(t, redelivered)
	assert.Equal(t, d.Message.TaskID, redelivered.Message.TaskID)
	assert.Equal(t, 1, redelivered.Message.Attempt)
	assert.Equal(t, model.TaskReady, f.task(job.ID, model.StagePrepare).Status)
}

func TestJobTimeoutFailsStuckJob(t *testing.T) {
	f := newFixture(t)
	f.registerAll()
	job := f.submit(nil)
	f.drain()
	require.Equal(t, 1, f.runEngine("prep", succeed))
	f.drain()
	require.Equal(t, model.JobRunning, f.job(job.ID).Status)

	past := time.Now().UTC().Add(-2 * time.Hour)
	_, err := f.store.UpdateJob(f.ctx, job.ID, func(j *model.Job) error {
		j.StartedAt = &past
		return nil
	})
	require.NoError(t, err)

	f.sched.JobTimeout = time.Hour
	sw := &Sweeper{Sched: f.sched}
	require.NoError(t, sw.enforceJobTimeout(f.ctx))
	f.drain()

	got := f.job(job.ID)
	assert.Equal(t, model.JobFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, model.ErrKindTimeout, got.Error.Kind)
	assert.Equal(t, model.TaskCancelled, f.task(job.ID, model.StageTranscribe).Status)

	flagged, err := f.bus.Cancelled(f.ctx, cancelChannel(got))
	require.NoError(t, err)
	assert.True(t, flagged)
}

func TestTaskParameters(t *testing.T) {
	job := &model.Job{Params: model.JobParams{
		Model: "accurate", Language: "auto",
		SpeakerDetection: model.SpeakerPerChannel,
		Granularity:      model.GranularityWord,
		PIIDetection:     true, RedactPIIAudio: true, PIIRedactionMode: "beep",
	}}

	assert.Equal(t, map[string]string{
		"language": "auto", "split_channels": "true",
	}, taskParameters(job, &model.Task{Stage: model.StagePrepare}))

	assert.Equal(t, map[string]string{
		"language": "auto", "model": "accurate", "granularity": "word",
	}, taskParameters(job, &model.Task{Stage: model.TranscribeChannelStage(1)}))

	assert.Equal(t, map[string]string{
		"language": "auto", "redaction_mode": "beep",
	}, taskParameters(job, &model.Task{Stage: model.StageAudioRedact}))

	assert.Equal(t, map[string]string{
		"language": "auto", "speaker_detection": "per_channel", "granularity": "word",
	}, taskParameters(job, &model.Task{Stage: model.StageMerge}))
}
