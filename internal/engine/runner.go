// SPDX-License-Identifier: MIT

package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/dalstonhq/dalston/internal/blob"
	"github.com/dalstonhq/dalston/internal/bus"
	"github.com/dalstonhq/dalston/internal/log"
	"github.com/dalstonhq/dalston/internal/model"
	"github.com/dalstonhq/dalston/internal/registry"
	"github.com/dalstonhq/dalston/internal/store"
	"github.com/dalstonhq/dalston/internal/telemetry"
)

// Sentinel errors the lease watcher uses to abort a running work
// function.
var (
	errCancelFlag = errors.New("cancel flag raised")
	errLeaseLost  = errors.New("task lease lost")
)

// reportGrace bounds outcome reporting when shutdown lands just as the
// work finishes; dropping a finished result would force a pointless
// rerun.
const reportGrace = 5 * time.Second

// Runner drives one engine instance: register, lease work from the
// descriptor's queue, execute, report, heartbeat. Concurrency inside the
// process is capped by MaxConcurrency; each slot runs its own
// dequeue-execute loop.
type Runner struct {
	Descriptor model.EngineDescriptor
	Work       Work

	Store    store.Store
	Bus      bus.Bus
	Registry *registry.Registry
	Blob     blob.Store

	// InstanceID is the task lease owner and queue consumer identity. It
	// must be stable for the process lifetime; empty means host-pid-uuid.
	InstanceID string
	Host       string

	MaxConcurrency int           // defaults to the descriptor's, then 1
	LeaseTTL       time.Duration // task lease, extended while work runs
	HeartbeatEvery time.Duration // lease extension and registry cadence
	DequeueBlock   time.Duration // long-poll window per dequeue

	logger zerolog.Logger
	tracer trace.Tracer
	queue  string
	self   model.EngineInstance
	active atomic.Int64
	ready  atomic.Bool
}

func (r *Runner) init() error {
	if r.Work == nil {
		return errors.New("engine: runner needs a work function")
	}
	if r.Store == nil || r.Bus == nil || r.Registry == nil || r.Blob == nil {
		return errors.New("engine: runner needs store, bus, registry and blob")
	}
	if r.Descriptor.ID == "" {
		return errors.New("engine: runner needs an engine descriptor")
	}
	if r.InstanceID == "" {
		host, _ := os.Hostname()
		r.InstanceID = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.New().String())
	}
	if r.Host == "" {
		r.Host, _ = os.Hostname()
	}
	if r.MaxConcurrency <= 0 {
		r.MaxConcurrency = r.Descriptor.MaxConcurrency
	}
	if r.MaxConcurrency <= 0 {
		r.MaxConcurrency = 1
	}
	if r.LeaseTTL <= 0 {
		r.LeaseTTL = model.DefaultLeaseTTL
	}
	if r.HeartbeatEvery <= 0 {
		r.HeartbeatEvery = r.LeaseTTL / 3
	}
	if r.DequeueBlock <= 0 {
		r.DequeueBlock = 5 * time.Second
	}
	r.queue = r.Descriptor.QueueName()
	r.logger = log.WithComponent("engine").With().
		Str("engine_id", r.Descriptor.ID).
		Str("instance_id", r.InstanceID).
		Logger()
	r.tracer = telemetry.Tracer("dalston.engine")
	return nil
}

// Ready reports whether the model is loaded and the instance accepts
// work. Liveness is the process itself; readiness trails warm-up.
func (r *Runner) Ready() bool { return r.ready.Load() }

// Run registers the instance and consumes its queue until ctx ends. The
// instance row is removed on the way out; a crash leaves it to the
// registry reaper.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.init(); err != nil {
		return err
	}

	if w, ok := r.Work.(Warmer); ok {
		start := time.Now()
		if err := w.Warmup(ctx); err != nil {
			return fmt.Errorf("engine: warm up %s: %w", r.Descriptor.ID, err)
		}
		r.logger.Info().Str("model", r.Descriptor.Model).
			Dur("took", time.Since(start)).Msg("model loaded")
	}
	r.ready.Store(true)

	inst, err := r.Registry.Register(ctx, model.EngineInstance{
		ID:             r.InstanceID,
		EngineID:       r.Descriptor.ID,
		Host:           r.Host,
		LoadedModel:    r.Descriptor.Model,
		MaxConcurrency: r.MaxConcurrency,
	})
	if err != nil {
		return err
	}
	r.self = inst
	defer r.deregister()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.heartbeatLoop(ctx) })
	for i := 0; i < r.MaxConcurrency; i++ {
		g.Go(func() error { return r.consumeLoop(ctx) })
	}
	if err := g.Wait(); !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// deregister runs at shutdown with its own deadline; the run context is
// already cancelled by then.
func (r *Runner) deregister() {
	r.ready.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), reportGrace)
	defer cancel()
	if err := r.Registry.Deregister(ctx, r.InstanceID); err != nil {
		r.logger.Warn().Err(err).Msg("deregister failed, registry will reap the row")
	}
}

func (r *Runner) heartbeatLoop(ctx context.Context) error {
	t := time.NewTicker(r.HeartbeatEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := r.Registry.Heartbeat(ctx, r.instanceRow()); err != nil && ctx.Err() == nil {
				r.logger.Warn().Err(err).Msg("registry heartbeat failed")
			}
		}
	}
}

// instanceRow is the registry view of this process right now.
func (r *Runner) instanceRow() model.EngineInstance {
	inst := r.self
	inst.ActiveTasks = int(r.active.Load())
	inst.Status = model.InstanceAvailable
	if inst.ActiveTasks >= r.MaxConcurrency {
		inst.Status = model.InstanceRunning
	}
	return inst
}

func (r *Runner) consumeLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		d, err := r.Bus.Dequeue(ctx, r.queue, r.InstanceID, r.LeaseTTL, r.DequeueBlock)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error().Err(err).Msg("dequeue failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		if d == nil {
			continue
		}
		r.process(ctx, d)
	}
}

// process runs one leased delivery through claim, execute and report.
func (r *Runner) process(ctx context.Context, d *bus.QueueDelivery) {
	msg := d.Message
	logger := r.logger.With().
		Str("job_id", msg.JobID).
		Str("task_id", msg.TaskID).
		Str("stage", string(msg.Stage)).
		Int("attempt", msg.Attempt).
		Logger()

	_, err := r.Store.ClaimTask(ctx, msg.TaskID, msg.Attempt, r.InstanceID, r.LeaseTTL)
	if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
		// Duplicate delivery or a re-armed attempt. Settle the message;
		// whoever holds the claim reports the result.
		tasksTotal.WithLabelValues(string(msg.Stage.Family()), "claim_lost").Inc()
		logger.Debug().Msg("claim lost, delivery dropped")
		r.settle(ctx, d.Receipt)
		return
	}
	if err != nil {
		// Store trouble. Leave the message leased; the broker redelivers
		// after the visibility timeout.
		logger.Error().Err(err).Msg("claim failed")
		return
	}

	r.active.Add(1)
	activeTasks.Inc()
	defer func() {
		r.active.Add(-1)
		activeTasks.Dec()
	}()

	ctx, span := r.tracer.Start(ctx, "engine.task", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(telemetry.TaskAttributes(msg.JobID, msg.TaskID, string(msg.Stage), msg.Attempt)...)
	defer span.End()

	r.publish(ctx, model.EventTaskStarted, msg.JobID, model.TaskLifecyclePayload{
		TaskID:     msg.TaskID,
		Stage:      msg.Stage,
		Attempt:    msg.Attempt,
		InstanceID: r.InstanceID,
	})
	logger.Info().Msg("task claimed")

	// The flag may predate the dequeue.
	if r.cancelRaised(ctx, msg.CancelChannel) {
		r.reportCancelled(ctx, d, &msg, logger)
		return
	}

	in, err := r.stageInputs(ctx, msg.Inputs)
	if err != nil {
		logger.Warn().Err(err).Msg("input staging failed")
		r.reportFailure(ctx, d, &msg, Faultf(model.ErrKindTransientIO, "stage inputs: %v", err), logger)
		return
	}

	wctx := ctx
	if !msg.DeadlineAt.IsZero() {
		var cancel context.CancelFunc
		wctx, cancel = context.WithDeadline(ctx, msg.DeadlineAt)
		defer cancel()
	}
	wctx, abort := context.WithCancelCause(wctx)
	defer abort(nil)
	stopWatch := r.watch(wctx, abort, d, &msg)

	started := time.Now()
	out, runErr := r.Work.Execute(wctx, taskOf(&msg), in)
	stopWatch()
	taskSeconds.WithLabelValues(string(msg.Stage.Family())).Observe(time.Since(started).Seconds())

	// Reporting gets a grace window past shutdown when the work already
	// finished.
	rctx := ctx
	if ctx.Err() != nil && runErr == nil {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), reportGrace)
		defer cancel()
	}

	cause := context.Cause(wctx)
	switch {
	case runErr == nil:
		r.reportCompleted(rctx, d, &msg, out, logger)
	case errors.Is(cause, errCancelFlag):
		r.reportCancelled(ctx, d, &msg, logger)
	case errors.Is(cause, errLeaseLost):
		// Another attempt owns the task now; this result would be
		// discarded as stale anyway.
		logger.Warn().Msg("lease lost mid-run, result dropped")
		r.settle(ctx, d.Receipt)
	case ctx.Err() != nil:
		// Shutdown. Leave the delivery leased so it redelivers to a
		// surviving instance after the visibility timeout.
		logger.Info().Msg("interrupted by shutdown, task will be re-leased")
	case errors.Is(runErr, context.DeadlineExceeded):
		r.reportFailure(ctx, d, &msg, Faultf(model.ErrKindTimeout,
			"no result before the %s deadline", msg.DeadlineAt.UTC().Format(time.RFC3339)), logger)
	default:
		var f *Fault
		if !errors.As(runErr, &f) {
			// Untyped errors are engine bugs: full detail in the log, a
			// scrubbed internal error on the wire.
			logger.Error().Err(runErr).Msg("work function failed")
			f = Faultf(model.ErrKindInternal, "unexpected engine error")
		}
		r.reportFailure(ctx, d, &msg, f, logger)
	}
}

// watch extends the store lease and queue visibility while the work
// function runs, and aborts it when the cancel flag raises or the lease
// is lost to the sweeper. The returned stop blocks until the watcher has
// exited.
func (r *Runner) watch(ctx context.Context, abort context.CancelCauseFunc, d *bus.QueueDelivery, msg *model.TaskMessage) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		t := time.NewTicker(r.HeartbeatEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-t.C:
			}
			if r.cancelRaised(ctx, msg.CancelChannel) {
				abort(errCancelFlag)
				return
			}
			err := r.Store.ExtendTaskLease(ctx, msg.TaskID, r.InstanceID, r.LeaseTTL)
			if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
				tasksTotal.WithLabelValues(string(msg.Stage.Family()), "lease_lost").Inc()
				abort(errLeaseLost)
				return
			}
			if err != nil {
				r.logger.Warn().Err(err).Str("task_id", msg.TaskID).Msg("lease extension failed")
			}
			if err := r.Bus.Extend(ctx, r.queue, r.InstanceID, d.Receipt, r.LeaseTTL); err != nil {
				r.logger.Warn().Err(err).Str("task_id", msg.TaskID).Msg("queue lease extension failed")
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		<-finished
	}
}

func (r *Runner) reportCompleted(ctx context.Context, d *bus.QueueDelivery, msg *model.TaskMessage, out Outputs, logger zerolog.Logger) {
	refs, err := r.persist(ctx, msg, out.Artifacts)
	if err != nil {
		logger.Error().Err(err).Msg("output persist failed")
		r.reportFailure(ctx, d, msg, Faultf(model.ErrKindTransientIO, "persist outputs: %v", err), logger)
		return
	}
	ok := r.publish(ctx, model.EventTaskCompleted, msg.JobID, model.TaskCompletedPayload{
		TaskID:     msg.TaskID,
		Stage:      msg.Stage,
		Attempt:    msg.Attempt,
		InstanceID: r.InstanceID,
		Outputs:    refs,
		Stats:      out.Stats,
	})
	if !ok {
		// Without the completion on the stream the attempt never
		// happened; leave the delivery for the lease sweeper to re-arm.
		return
	}
	tasksTotal.WithLabelValues(string(msg.Stage.Family()), "completed").Inc()
	trace.SpanFromContext(ctx).SetStatus(codes.Ok, "")
	logger.Info().Int("outputs", len(refs)).Msg("task completed")
	r.settle(ctx, d.Receipt)
}

func (r *Runner) reportFailure(ctx context.Context, d *bus.QueueDelivery, msg *model.TaskMessage, f *Fault, logger zerolog.Logger) {
	partial, err := r.persist(ctx, msg, f.Partial)
	if err != nil {
		logger.Warn().Err(err).Msg("partial output persist failed")
		partial = nil
	}
	ok := r.publish(ctx, model.EventTaskFailed, msg.JobID, model.TaskFailedPayload{
		TaskID:         msg.TaskID,
		Stage:          msg.Stage,
		Attempt:        msg.Attempt,
		InstanceID:     r.InstanceID,
		ErrorKind:      f.Kind,
		ErrorMessage:   f.Message,
		Retryable:      f.Kind.Retryable(),
		PartialOutputs: partial,
	})
	if !ok {
		return
	}
	tasksTotal.WithLabelValues(string(msg.Stage.Family()), "failed").Inc()
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(telemetry.ErrorAttributes(string(f.Kind))...)
	span.SetStatus(codes.Error, f.Message)
	logger.Warn().Str("kind", string(f.Kind)).Str("reason", f.Message).Msg("task failed")
	r.settle(ctx, d.Receipt)
}

func (r *Runner) reportCancelled(ctx context.Context, d *bus.QueueDelivery, msg *model.TaskMessage, logger zerolog.Logger) {
	ok := r.publish(ctx, model.EventTaskCancelled, msg.JobID, model.TaskCancelledPayload{
		TaskID:     msg.TaskID,
		Stage:      msg.Stage,
		Attempt:    msg.Attempt,
		InstanceID: r.InstanceID,
	})
	if !ok {
		return
	}
	tasksTotal.WithLabelValues(string(msg.Stage.Family()), "cancelled").Inc()
	logger.Info().Msg("task cancelled by flag")
	r.settle(ctx, d.Receipt)
}

// stageInputs fetches every input object into memory. Engine inputs are
// bounded (prepared audio, transcripts, entity lists), so buffering keeps
// the work contract simple.
func (r *Runner) stageInputs(ctx context.Context, refs []model.InputRef) (Inputs, error) {
	in := make(Inputs, len(refs))
	for _, ref := range refs {
		rc, err := r.Blob.Open(ctx, ref.URI)
		if err != nil {
			return nil, fmt.Errorf("open %s %s: %w", ref.Type, ref.URI, err)
		}
		data, err := io.ReadAll(rc)
		if cerr := rc.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", ref.Type, err)
		}
		in[ref.Type] = Input{Type: ref.Type, URI: ref.URI, Data: data}
	}
	return in, nil
}

// persist writes artifacts under the attempt-scoped prefix and returns
// refs for the completion payload.
func (r *Runner) persist(ctx context.Context, msg *model.TaskMessage, arts []Artifact) ([]model.OutputRef, error) {
	if len(arts) == 0 {
		return nil, nil
	}
	refs := make([]model.OutputRef, 0, len(arts))
	for _, a := range arts {
		name := a.Name
		if name == "" {
			name = string(a.Type)
		}
		res, err := r.Blob.Put(ctx, blob.TaskKey(msg.JobID, msg.Stage, msg.Attempt, name), bytes.NewReader(a.Data))
		if err != nil {
			return nil, fmt.Errorf("put %s: %w", name, err)
		}
		refs = append(refs, model.OutputRef{
			Type:        a.Type,
			URI:         res.URI,
			Sensitivity: a.Sensitivity,
			Store:       a.Store,
			TTLSeconds:  a.TTLSeconds,
			SizeBytes:   res.SizeBytes,
		})
	}
	return refs, nil
}

func (r *Runner) publish(ctx context.Context, t model.EventType, jobID string, payload any) bool {
	ev, err := model.NewEvent(t, jobID, "", payload)
	if err != nil {
		r.logger.Error().Err(err).Str("type", string(t)).Msg("event build failed")
		return false
	}
	if err := r.Bus.Append(ctx, ev); err != nil {
		r.logger.Error().Err(err).Str("type", string(t)).Msg("event append failed")
		return false
	}
	return true
}

func (r *Runner) cancelRaised(ctx context.Context, channel string) bool {
	if channel == "" {
		return false
	}
	raised, err := r.Bus.Cancelled(ctx, channel)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn().Err(err).Str("channel", channel).Msg("cancel flag check failed")
		}
		return false
	}
	return raised
}

// settle acks the queue delivery. A stale receipt after a lapsed lease is
// harmless; the broker already redelivered.
func (r *Runner) settle(ctx context.Context, receipt string) {
	if err := r.Bus.Done(ctx, r.queue, receipt); err != nil {
		r.logger.Debug().Err(err).Msg("queue ack failed")
	}
}

func taskOf(msg *model.TaskMessage) Task {
	return Task{
		ID:         msg.TaskID,
		JobID:      msg.JobID,
		TenantID:   msg.TenantID,
		Stage:      msg.Stage,
		Attempt:    msg.Attempt,
		Parameters: msg.Parameters,
		Deadline:   msg.DeadlineAt,
	}
}
