// SPDX-License-Identifier: MIT

package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dalstonhq/dalston/internal/blob"
	"github.com/dalstonhq/dalston/internal/bus"
	"github.com/dalstonhq/dalston/internal/model"
	"github.com/dalstonhq/dalston/internal/registry"
	"github.com/dalstonhq/dalston/internal/store"
)

// runnerFixture wires a Runner against in-memory collaborators. Most
// tests push one delivery through process by hand instead of racing
// Run's goroutines; TestRunLifecycle covers the loops themselves.
type runnerFixture struct {
	t      *testing.T
	ctx    context.Context
	store  *store.Memory
	bus    *bus.Memory
	reg    *registry.Registry
	runner *Runner
}

func newRunnerFixture(t *testing.T, work Work) *runnerFixture {
	t.Helper()
	st := store.NewMemory()
	b := bus.NewMemory(1)
	t.Cleanup(func() { _ = b.Close() })
	reg := registry.New(st, time.Minute)

	r := &Runner{
		Descriptor: model.EngineDescriptor{
			ID: "whisper-cpu", Stage: model.StageTranscribe,
			Model: "fast", MaxConcurrency: 2,
		},
		Work:           work,
		Store:          st,
		Bus:            b,
		Registry:       reg,
		Blob:           blob.NewMemory(),
		InstanceID:     "whisper-cpu-0",
		Host:           "10.0.0.9",
		LeaseTTL:       30 * time.Second,
		HeartbeatEvery: 5 * time.Millisecond,
	}
	require.NoError(t, r.init())

	return &runnerFixture{t: t, ctx: context.Background(), store: st, bus: b, reg: reg, runner: r}
}

// noWork fails the test if the work function is ever invoked.
func noWork(t *testing.T) Work {
	return WorkFunc(func(context.Context, Task, Inputs) (Outputs, error) {
		t.Fatal("work function must not run")
		return Outputs{}, nil
	})
}

// seedTask inserts a ready task row and returns the matching queue
// message.
func (f *runnerFixture) seedTask() model.TaskMessage {
	f.t.Helper()
	now := time.Now().UTC()
	task := &model.Task{
		ID:             uuid.NewString(),
		JobID:          uuid.NewString(),
		Stage:          model.StageTranscribe,
		EngineID:       "whisper-cpu",
		Status:         model.TaskReady,
		Attempt:        1,
		TimeoutSeconds: 600,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(f.t, f.store.InsertTasks(f.ctx, []*model.Task{task}))
	return model.TaskMessage{
		TaskID:        task.ID,
		JobID:         task.JobID,
		TenantID:      "acme",
		Stage:         task.Stage,
		EngineID:      task.EngineID,
		Attempt:       task.Attempt,
		CancelChannel: "job:" + task.JobID + ":r0",
		Parameters:    map[string]string{"model": "fast", "granularity": "segment"},
	}
}

// deliver enqueues the message and leases it back the way a consume loop
// would.
func (f *runnerFixture) deliver(msg model.TaskMessage) *bus.QueueDelivery {
	f.t.Helper()
	require.NoError(f.t, f.bus.Enqueue(f.ctx, f.runner.queue, msg))
	d, err := f.bus.Dequeue(f.ctx, f.runner.queue, f.runner.InstanceID, f.runner.LeaseTTL, 0)
	require.NoError(f.t, err)
	require.NotNil(f.t, d)
	return d
}

// putInput stages an input object and returns its ref.
func (f *runnerFixture) putInput(jobID string, typ model.ArtifactType, data []byte) model.InputRef {
	f.t.Helper()
	res, err := f.runner.Blob.Put(f.ctx, "jobs/"+jobID+"/in/"+string(typ), bytes.NewReader(data))
	require.NoError(f.t, err)
	return model.InputRef{Type: typ, URI: res.URI}
}

// events drains everything published since the last call, in log order.
func (f *runnerFixture) events() []model.Event {
	f.t.Helper()
	var out []model.Event
	for {
		ds, err := f.bus.Consume(f.ctx, "watch", "probe", 0, 16, 0)
		require.NoError(f.t, err)
		if len(ds) == 0 {
			return out
		}
		for _, d := range ds {
			out = append(out, d.Event)
		}
	}
}

func eventTypes(evs []model.Event) []model.EventType {
	out := make([]model.EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

// requireSettled asserts the delivery was acked: the receipt no longer
// extends.
func (f *runnerFixture) requireSettled(d *bus.QueueDelivery) {
	f.t.Helper()
	err := f.bus.Extend(f.ctx, f.runner.queue, f.runner.InstanceID, d.Receipt, time.Minute)
	require.ErrorIs(f.t, err, bus.ErrLeaseLost)
}

// requireHeld asserts the delivery is still leased and will redeliver
// after the visibility timeout.
func (f *runnerFixture) requireHeld(d *bus.QueueDelivery) {
	f.t.Helper()
	require.NoError(f.t, f.bus.Extend(f.ctx, f.runner.queue, f.runner.InstanceID, d.Receipt, time.Minute))
}

func TestProcessCompletedAttempt(t *testing.T) {
	var got Task
	work := WorkFunc(func(ctx context.Context, task Task, in Inputs) (Outputs, error) {
		got = task
		data, ok := in.Bytes(model.ArtifactAudioMono16k)
		require.True(t, ok)
		assert.Equal(t, []byte("pcm"), data)
		return Outputs{
			Artifacts: []Artifact{{
				Type:        model.ArtifactTranscriptRaw,
				Name:        "transcript.json",
				Sensitivity: model.SensitivityRawPII,
				Data:        []byte(`{"segments":[]}`),
			}},
			Stats: model.TaskResultStats{Language: "en", SegmentCount: 3},
		}, nil
	})
	f := newRunnerFixture(t, work)
	msg := f.seedTask()
	msg.Inputs = []model.InputRef{f.putInput(msg.JobID, model.ArtifactAudioMono16k, []byte("pcm"))}
	d := f.deliver(msg)

	f.runner.process(f.ctx, d)

	assert.Equal(t, msg.TaskID, got.ID)
	assert.Equal(t, msg.JobID, got.JobID)
	assert.Equal(t, "fast", got.Param("model", ""))

	task, err := f.store.GetTask(f.ctx, msg.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskRunning, task.Status)
	assert.Equal(t, f.runner.InstanceID, task.LeaseHolder)

	evs := f.events()
	require.Equal(t, []model.EventType{model.EventTaskStarted, model.EventTaskCompleted}, eventTypes(evs))
	var done model.TaskCompletedPayload
	require.NoError(t, evs[1].DecodePayload(&done))
	assert.Equal(t, msg.TaskID, done.TaskID)
	assert.Equal(t, 1, done.Attempt)
	assert.Equal(t, f.runner.InstanceID, done.InstanceID)
	assert.Equal(t, 3, done.Stats.SegmentCount)
	require.Len(t, done.Outputs, 1)
	out := done.Outputs[0]
	assert.Equal(t, model.ArtifactTranscriptRaw, out.Type)
	assert.Equal(t, "mem:///"+blob.TaskKey(msg.JobID, msg.Stage, 1, "transcript.json"), out.URI)
	assert.Equal(t, model.SensitivityRawPII, out.Sensitivity)
	assert.Equal(t, int64(len(`{"segments":[]}`)), out.SizeBytes)

	rc, err := f.runner.Blob.Open(f.ctx, out.URI)
	require.NoError(t, err)
	stored, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.JSONEq(t, `{"segments":[]}`, string(stored))

	f.requireSettled(d)
}

func TestProcessClaimLostDropsDelivery(t *testing.T) {
	f := newRunnerFixture(t, noWork(t))
	msg := f.seedTask()
	// The lease sweeper already re-armed attempt 2; this message is stale.
	_, err := f.store.UpdateTask(f.ctx, msg.TaskID, func(tk *model.Task) error {
		tk.Attempt = 2
		return nil
	})
	require.NoError(t, err)
	d := f.deliver(msg)

	f.runner.process(f.ctx, d)

	assert.Empty(t, f.events())
	f.requireSettled(d)
}

func TestProcessUnknownTaskSettles(t *testing.T) {
	f := newRunnerFixture(t, noWork(t))
	msg := f.seedTask()
	msg.TaskID = uuid.NewString() // row gone, e.g. the job was purged

	d := f.deliver(msg)
	f.runner.process(f.ctx, d)

	assert.Empty(t, f.events())
	f.requireSettled(d)
}

func TestProcessInputStagingFailure(t *testing.T) {
	f := newRunnerFixture(t, noWork(t))
	msg := f.seedTask()
	msg.Inputs = []model.InputRef{{Type: model.ArtifactAudioMono16k, URI: "mem:///jobs/gone/mono.wav"}}
	d := f.deliver(msg)

	f.runner.process(f.ctx, d)

	evs := f.events()
	require.Equal(t, []model.EventType{model.EventTaskStarted, model.EventTaskFailed}, eventTypes(evs))
	var failed model.TaskFailedPayload
	require.NoError(t, evs[1].DecodePayload(&failed))
	assert.Equal(t, model.ErrKindTransientIO, failed.ErrorKind)
	assert.True(t, failed.Retryable)
	assert.Contains(t, failed.ErrorMessage, "stage inputs")
	f.requireSettled(d)
}

func TestProcessTypedFault(t *testing.T) {
	work := WorkFunc(func(context.Context, Task, Inputs) (Outputs, error) {
		return Outputs{}, &Fault{
			Kind:    model.ErrKindEnginePermanent,
			Message: "unsupported codec",
			Partial: []Artifact{{
				Type:        model.ArtifactTranscriptRaw,
				Name:        "partial.json",
				Sensitivity: model.SensitivityRawPII,
				Data:        []byte(`{"segments":[]}`),
			}},
		}
	})
	f := newRunnerFixture(t, work)
	msg := f.seedTask()
	d := f.deliver(msg)

	f.runner.process(f.ctx, d)

	evs := f.events()
	require.Equal(t, []model.EventType{model.EventTaskStarted, model.EventTaskFailed}, eventTypes(evs))
	var failed model.TaskFailedPayload
	require.NoError(t, evs[1].DecodePayload(&failed))
	assert.Equal(t, model.ErrKindEnginePermanent, failed.ErrorKind)
	assert.Equal(t, "unsupported codec", failed.ErrorMessage)
	assert.False(t, failed.Retryable)
	require.Len(t, failed.PartialOutputs, 1)
	assert.Equal(t, "mem:///"+blob.TaskKey(msg.JobID, msg.Stage, 1, "partial.json"), failed.PartialOutputs[0].URI)
	f.requireSettled(d)
}

func TestProcessUntypedErrorScrubbed(t *testing.T) {
	work := WorkFunc(func(context.Context, Task, Inputs) (Outputs, error) {
		return Outputs{}, errors.New("segfault in decoder at 0x7f3a")
	})
	f := newRunnerFixture(t, work)
	d := f.deliver(f.seedTask())

	f.runner.process(f.ctx, d)

	evs := f.events()
	require.Equal(t, []model.EventType{model.EventTaskStarted, model.EventTaskFailed}, eventTypes(evs))
	var failed model.TaskFailedPayload
	require.NoError(t, evs[1].DecodePayload(&failed))
	assert.Equal(t, model.ErrKindInternal, failed.ErrorKind)
	assert.Equal(t, "unexpected engine error", failed.ErrorMessage)
	assert.NotContains(t, failed.ErrorMessage, "segfault")
	assert.False(t, failed.Retryable)
	f.requireSettled(d)
}

func TestProcessCancelFlagBeforeRun(t *testing.T) {
	f := newRunnerFixture(t, noWork(t))
	msg := f.seedTask()
	require.NoError(t, f.bus.Cancel(f.ctx, msg.CancelChannel))
	d := f.deliver(msg)

	f.runner.process(f.ctx, d)

	evs := f.events()
	require.Equal(t, []model.EventType{model.EventTaskStarted, model.EventTaskCancelled}, eventTypes(evs))
	var cancelled model.TaskCancelledPayload
	require.NoError(t, evs[1].DecodePayload(&cancelled))
	assert.Equal(t, msg.TaskID, cancelled.TaskID)
	f.requireSettled(d)
}

func TestProcessCancelFlagAbortsMidRun(t *testing.T) {
	f := newRunnerFixture(t, noWork(t))
	msg := f.seedTask()
	f.runner.Work = WorkFunc(func(ctx context.Context, task Task, in Inputs) (Outputs, error) {
		// Raise the flag mid-run; the watcher aborts the work context on
		// its next tick.
		require.NoError(t, f.bus.Cancel(context.Background(), msg.CancelChannel))
		<-ctx.Done()
		return Outputs{}, ctx.Err()
	})
	d := f.deliver(msg)

	f.runner.process(f.ctx, d)

	evs := f.events()
	require.Equal(t, []model.EventType{model.EventTaskStarted, model.EventTaskCancelled}, eventTypes(evs))
	f.requireSettled(d)
}

func TestProcessLeaseLostDropsResult(t *testing.T) {
	f := newRunnerFixture(t, noWork(t))
	msg := f.seedTask()
	f.runner.Work = WorkFunc(func(ctx context.Context, task Task, in Inputs) (Outputs, error) {
		// Another owner takes the row, as the sweeper does after expiry.
		_, err := f.store.UpdateTask(context.Background(), msg.TaskID, func(tk *model.Task) error {
			tk.LeaseHolder = "sweeper-1"
			return nil
		})
		require.NoError(t, err)
		<-ctx.Done()
		return Outputs{}, ctx.Err()
	})
	d := f.deliver(msg)

	f.runner.process(f.ctx, d)

	// No completion, no failure: the result is stale and dropped.
	evs := f.events()
	require.Equal(t, []model.EventType{model.EventTaskStarted}, eventTypes(evs))
	f.requireSettled(d)
}

func TestProcessDeadlineReportsTimeout(t *testing.T) {
	f := newRunnerFixture(t, noWork(t))
	msg := f.seedTask()
	msg.DeadlineAt = time.Now().Add(30 * time.Millisecond)
	f.runner.Work = WorkFunc(func(ctx context.Context, task Task, in Inputs) (Outputs, error) {
		<-ctx.Done()
		return Outputs{}, ctx.Err()
	})
	d := f.deliver(msg)

	f.runner.process(f.ctx, d)

	evs := f.events()
	require.Equal(t, []model.EventType{model.EventTaskStarted, model.EventTaskFailed}, eventTypes(evs))
	var failed model.TaskFailedPayload
	require.NoError(t, evs[1].DecodePayload(&failed))
	assert.Equal(t, model.ErrKindTimeout, failed.ErrorKind)
	assert.True(t, failed.Retryable)
	assert.Contains(t, failed.ErrorMessage, "deadline")
	f.requireSettled(d)
}

func TestProcessShutdownLeavesDelivery(t *testing.T) {
	f := newRunnerFixture(t, noWork(t))
	msg := f.seedTask()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.runner.Work = WorkFunc(func(wctx context.Context, task Task, in Inputs) (Outputs, error) {
		cancel()
		<-wctx.Done()
		return Outputs{}, wctx.Err()
	})
	d := f.deliver(msg)

	f.runner.process(ctx, d)

	// Interrupted work reports nothing; the delivery redelivers to a
	// surviving instance after the visibility timeout.
	evs := f.events()
	require.Equal(t, []model.EventType{model.EventTaskStarted}, eventTypes(evs))
	f.requireHeld(d)
}

func TestProcessCompletionSurvivesShutdown(t *testing.T) {
	f := newRunnerFixture(t, noWork(t))
	msg := f.seedTask()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.runner.Work = WorkFunc(func(context.Context, Task, Inputs) (Outputs, error) {
		// Shutdown lands just as the work finishes; the finished result
		// must still reach the stream.
		cancel()
		return Outputs{Stats: model.TaskResultStats{SegmentCount: 1}}, nil
	})
	d := f.deliver(msg)

	f.runner.process(ctx, d)

	evs := f.events()
	require.Equal(t, []model.EventType{model.EventTaskStarted, model.EventTaskCompleted}, eventTypes(evs))
	f.requireSettled(d)
}

// warmWork records warm-up ordering relative to the first execution.
type warmWork struct {
	mu        sync.Mutex
	warmups   int
	execs     int
	warmFirst bool
}

func (w *warmWork) Warmup(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.warmups++
	return nil
}

func (w *warmWork) Execute(context.Context, Task, Inputs) (Outputs, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.execs++
	if w.execs == 1 && w.warmups == 1 {
		w.warmFirst = true
	}
	return Outputs{
		Artifacts: []Artifact{{
			Type:        model.ArtifactTranscriptRaw,
			Sensitivity: model.SensitivityRawPII,
			Data:        []byte(`{"segments":[]}`),
		}},
	}, nil
}

func TestRunLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	work := &warmWork{}
	f := newRunnerFixture(t, work)
	f.runner.DequeueBlock = 20 * time.Millisecond
	msg := f.seedTask()
	require.NoError(t, f.bus.Enqueue(f.ctx, f.runner.queue, msg))

	assert.False(t, f.runner.Ready())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.runner.Run(ctx) }()

	require.Eventually(t, f.runner.Ready, 2*time.Second, 5*time.Millisecond, "readiness trails warm-up")

	require.Eventually(t, func() bool {
		alive, err := f.reg.Alive(f.ctx, "whisper-cpu")
		return err == nil && len(alive) == 1
	}, 2*time.Second, 5*time.Millisecond, "instance registers itself")

	var seen []model.EventType
	require.Eventually(t, func() bool {
		seen = append(seen, eventTypes(f.events())...)
		for _, typ := range seen {
			if typ == model.EventTaskCompleted {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "queued task completes")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop on context cancel")
	}

	assert.False(t, f.runner.Ready())
	assert.True(t, work.warmFirst, "warm-up must precede the first execution")
	alive, err := f.reg.Alive(f.ctx, "whisper-cpu")
	require.NoError(t, err)
	assert.Empty(t, alive, "instance deregisters on the way out")
}

func TestRunnerDefaults(t *testing.T) {
	st := store.NewMemory()
	b := bus.NewMemory(1)
	t.Cleanup(func() { _ = b.Close() })

	r := &Runner{
		Descriptor: model.EngineDescriptor{ID: "prep", Stage: model.StagePrepare, MaxConcurrency: 4},
		Work:       WorkFunc(func(context.Context, Task, Inputs) (Outputs, error) { return Outputs{}, nil }),
		Store:      st,
		Bus:        b,
		Registry:   registry.New(st, time.Minute),
		Blob:       blob.NewMemory(),
	}
	require.NoError(t, r.init())

	assert.NotEmpty(t, r.InstanceID)
	assert.Equal(t, 4, r.MaxConcurrency)
	assert.Equal(t, model.DefaultLeaseTTL, r.LeaseTTL)
	assert.Equal(t, model.DefaultLeaseTTL/3, r.HeartbeatEvery)
	assert.Equal(t, "engine:prep", r.queue)
}

func TestRunnerValidation(t *testing.T) {
	err := (&Runner{}).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "work function")

	r := &Runner{Work: WorkFunc(func(context.Context, Task, Inputs) (Outputs, error) { return Outputs{}, nil })}
	err = r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store, bus, registry and blob")
}

func TestInstanceRowTracksLoad(t *testing.T) {
	f := newRunnerFixture(t, noWork(t))
	f.runner.self = model.EngineInstance{
		ID: f.runner.InstanceID, EngineID: "whisper-cpu", MaxConcurrency: 2,
	}

	row := f.runner.instanceRow()
	assert.Equal(t, model.InstanceAvailable, row.Status)
	assert.Zero(t, row.ActiveTasks)

	f.runner.active.Add(2)
	row = f.runner.instanceRow()
	assert.Equal(t, model.InstanceRunning, row.Status)
	assert.Equal(t, 2, row.ActiveTasks)
	f.runner.active.Add(-2)
}
