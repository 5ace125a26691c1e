// SPDX-License-Identifier: MIT

// Package scheduler drives the batch pipeline. It consumes lifecycle
// events from the bus, walks each job's persisted task graph, pushes
// ready tasks onto engine queues and moves jobs to their terminal state.
// All mutable state lives in the store; replicas coordinate through
// consumer groups and conditional writes, never through process memory.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dalstonhq/dalston/internal/bus"
	"github.com/dalstonhq/dalston/internal/catalog"
	"github.com/dalstonhq/dalston/internal/log"
	"github.com/dalstonhq/dalston/internal/model"
	"github.com/dalstonhq/dalston/internal/registry"
	"github.com/dalstonhq/dalston/internal/store"
)

// errOutpaced aborts a conditional update whose precondition no longer
// holds: another replica or an earlier delivery already applied the move.
// Callers treat it as success.
var errOutpaced = errors.New("scheduler: record already advanced")

// Scheduler is the event loop of the platform. Construct with the
// collaborators filled in and call Run; zero tuning fields pick defaults.
type Scheduler struct {
	Store    store.Store
	Bus      bus.Bus
	Catalog  catalog.Provider
	Registry *registry.Registry

	ReplicaID      string // stable consumer identity, defaults to host-pid-uuid
	ConsumerGroup  string
	FailFast       bool // fail jobs whose engines have no live instance instead of queueing
	RetryCap       int
	LeaseTTL       time.Duration // queue visibility and store lease handed to engines
	SweepInterval  time.Duration
	JobTimeout     time.Duration // 0 disables the job-level runtime ceiling
	TimeoutFloor   time.Duration // minimum attempt timeout handed to engines
	TimeoutSafety  int           // attempt timeout as a multiple of estimated runtime
	StoreTimeout   time.Duration
	EnqueueTimeout time.Duration
	ConsumeBlock   time.Duration

	logger zerolog.Logger
}

// init validates collaborators and fills zero tuning fields with defaults.
func (s *Scheduler) init() error {
	if s.Store == nil || s.Bus == nil || s.Catalog == nil || s.Registry == nil {
		return errors.New("scheduler: store, bus, catalog and registry are required")
	}
	if s.ReplicaID == "" {
		host, _ := os.Hostname()
		s.ReplicaID = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.New().String())
	}
	if s.ConsumerGroup == "" {
		s.ConsumerGroup = "dalston-scheduler"
	}
	if s.RetryCap <= 0 {
		s.RetryCap = model.DefaultRetryCap
	}
	if s.LeaseTTL <= 0 {
		s.LeaseTTL = model.DefaultLeaseTTL
	}
	if s.SweepInterval <= 0 {
		s.SweepInterval = 10 * time.Second
	}
	if s.StoreTimeout <= 0 {
		s.StoreTimeout = 10 * time.Second
	}
	if s.EnqueueTimeout <= 0 {
		s.EnqueueTimeout = 5 * time.Second
	}
	if s.ConsumeBlock <= 0 {
		s.ConsumeBlock = 5 * time.Second
	}
	s.logger = log.WithComponent("scheduler")
	return nil
}

// Run consumes events until ctx is cancelled. It recovers orphaned task
// leases first so a restart never leaves work stuck behind a dead engine,
// then serves every stream partition plus the background sweeper.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.init(); err != nil {
		return err
	}

	if n, err := s.sweepExpiredLeases(ctx); err != nil {
		return fmt.Errorf("startup lease recovery: %w", err)
	} else if n > 0 {
		s.logger.Info().Int("expired", n).Msg("startup lease recovery")
	}

	s.logger.Info().
		Str("replica", s.ReplicaID).
		Str("group", s.ConsumerGroup).
		Int("partitions", s.Bus.Partitions()).
		Bool("fail_fast", s.FailFast).
		Msg("scheduler started")

	g, ctx := errgroup.WithContext(ctx)
	sw := &Sweeper{Sched: s, Interval: s.SweepInterval}
	g.Go(func() error {
		sw.Run(ctx)
		return nil
	})
	for p := 0; p < s.Bus.Partitions(); p++ {
		g.Go(func() error {
			return s.consumePartition(ctx, p)
		})
	}
	return g.Wait()
}

// consumePartition is the per-partition loop. Deliveries are handled
// strictly in order, which gives every job a total order of events
// because jobs hash to exactly one partition.
func (s *Scheduler) consumePartition(ctx context.Context, partition int) error {
	consumer := fmt.Sprintf("%s-p%d", s.ReplicaID, partition)
	// Pending entries of a dead replica become stealable once idle for
	// two lease windows.
	reclaimIdle := 2 * s.LeaseTTL

	for {
		if ctx.Err() != nil {
			return nil
		}
		deliveries, err := s.Bus.Consume(ctx, s.ConsumerGroup, consumer, partition, 32, s.ConsumeBlock)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error().Err(err).Int("partition", partition).Msg("event consume failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if len(deliveries) == 0 {
			deliveries, err = s.Bus.Reclaim(ctx, s.ConsumerGroup, consumer, partition, reclaimIdle, 32)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Warn().Err(err).Int("partition", partition).Msg("event reclaim failed")
				continue
			}
		}
		for _, d := range deliveries {
			s.handle(ctx, partition, d)
		}
	}
}

// handle processes one delivery and acks it unless the handler reported
// an infrastructure failure, in which case the event stays pending and is
// redelivered. Handlers are idempotent, so redelivery is always safe.
func (s *Scheduler) handle(ctx context.Context, partition int, d bus.Delivery) {
	ev := d.Event
	if !ev.Timestamp.IsZero() {
		eventLagSeconds.Observe(time.Since(ev.Timestamp).Seconds())
	}

	hctx, cancel := context.WithTimeout(ctx, s.StoreTimeout+s.EnqueueTimeout)
	err := s.dispatch(hctx, ev)
	cancel()
	if err != nil {
		eventsTotal.WithLabelValues(string(ev.Type), "error").Inc()
		s.logger.Error().Err(err).
			Str("event", string(ev.Type)).
			Str("event_id", ev.EventID).
			Str("job_id", ev.JobID).
			Msg("event handling failed, left pending for redelivery")
		return
	}
	eventsTotal.WithLabelValues(string(ev.Type), "handled").Inc()
	if err := s.Bus.Ack(ctx, s.ConsumerGroup, partition, d.ID); err != nil && ctx.Err() == nil {
		s.logger.Warn().Err(err).Int("partition", partition).Str("event_id", ev.EventID).Msg("event ack failed")
	}
}

// dispatch routes one event. A nil return means the event is settled,
// including deliveries that were discarded as duplicates or stale; only
// infrastructure failures propagate so the event is retried.
func (s *Scheduler) dispatch(ctx context.Context, ev model.Event) error {
	switch ev.Type {
	case model.EventJobCreated:
		return s.handleJobCreated(ctx, ev)
	case model.EventTaskCompleted:
		return s.handleTaskCompleted(ctx, ev)
	case model.EventTaskFailed:
		return s.handleTaskFailed(ctx, ev)
	case model.EventTaskCancelled:
		return s.handleTaskCancelled(ctx, ev)
	case model.EventTaskStarted:
		return s.handleTaskStarted(ctx, ev)
	case model.EventTaskHeartbeatExpire:
		return s.handleHeartbeatExpired(ctx, ev)
	case model.EventJobCancelRequested:
		return s.handleCancelRequested(ctx, ev)
	default:
		// task.ready and the job terminal events are informational for
		// other consumers.
		return nil
	}
}

// publish appends an event, logging instead of failing: emission is
// best-effort on paths where the state store already holds the truth.
func (s *Scheduler) publish(ctx context.Context, t model.EventType, jobID, correlationID string, payload any) {
	ev, err := model.NewEvent(t, jobID, correlationID, payload)
	if err != nil {
		s.logger.Error().Err(err).Str("event", string(t)).Str("job_id", jobID).Msg("event encode failed")
		return
	}
	if err := s.Bus.Append(ctx, ev); err != nil && ctx.Err() == nil {
		s.logger.Error().Err(err).Str("event", string(t)).Str("job_id", jobID).Msg("event publish failed")
	}
}

// cancelChannel is scoped to the retry generation: a flag raised while
// failing or cancelling one generation must not abort the tasks of a
// later operator retry.
func cancelChannel(job *model.Job) string {
	return fmt.Sprintf("job:%s:r%d", job.ID, job.RetryCount)
}
