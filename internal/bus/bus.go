// SPDX-License-Identifier: MIT

// Package bus is the broker layer: a partitioned, consumer-group event
// stream for job lifecycle events, per-engine work queues with
// visibility-timeout redelivery, and cancellation flags engines poll
// between chunks. Delivery is at-least-once everywhere; consumers
// deduplicate via task attempt counters.
package bus

import (
	"context"
	"fmt"
	"hash/fnv"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/dalstonhq/dalston/internal/model"
)

// Delivery is one event handed to a stream consumer. ID is the broker
// message id used for acking.
type Delivery struct {
	ID    string
	Event model.Event
}

// Stream is the ordered job-event log. Events of one job always land in
// the same partition, so per-job ordering holds as long as one consumer
// owns a partition at a time.
type Stream interface {
	// Append publishes an event to the partition derived from its job ID.
	Append(ctx context.Context, ev model.Event) error
	// Consume returns up to count undelivered events for (group,
	// partition), blocking up to block when none are available.
	Consume(ctx context.Context, group, consumer string, partition int, count int, block time.Duration) ([]Delivery, error)
	// Ack marks deliveries as processed for the group.
	Ack(ctx context.Context, group string, partition int, ids ...string) error
	// Reclaim hands deliveries that have been pending longer than minIdle
	// to the calling consumer, recovering from a crashed group member.
	Reclaim(ctx context.Context, group, consumer string, partition int, minIdle time.Duration, count int) ([]Delivery, error)
	Partitions() int
}

// QueueDelivery is one task message leased to a worker. Receipt
// identifies the delivery for extend/ack/nack.
type QueueDelivery struct {
	Receipt string
	Message model.TaskMessage
}

// Queue is the per-engine work queue contract. A dequeued message stays
// invisible for the lease duration; unacked messages become eligible for
// redelivery once the lease lapses.
type Queue interface {
	Enqueue(ctx context.Context, queue string, msg model.TaskMessage) error
	// Dequeue leases the next message. Returns (nil, nil) when the queue
	// stays empty past block.
	Dequeue(ctx context.Context, queue, consumer string, lease, block time.Duration) (*QueueDelivery, error)
	// Extend resets the lease clock on a held delivery.
	Extend(ctx context.Context, queue, consumer, receipt string, lease time.Duration) error
	// Done settles a held delivery after the result has been reported.
	Done(ctx context.Context, queue, receipt string) error
	// Nack returns a held delivery to the queue for immediate redelivery.
	Nack(ctx context.Context, queue string, d *QueueDelivery) error
	QueueLen(ctx context.Context, queue string) (int64, error)
}

// Canceller carries the cancel flags named by the cancel_channel field of
// task messages. Engines poll between decode chunks.
type Canceller interface {
	Cancel(ctx context.Context, channel string) error
	Cancelled(ctx context.Context, channel string) (bool, error)
}

// Bus bundles the three broker facets behind one connection.
type Bus interface {
	Stream
	Queue
	Canceller
	// Ping verifies the broker is reachable, for readiness probes.
	Ping(ctx context.Context) error
	Close() error
}

// partitionOf maps a job ID onto [0, partitions).
func partitionOf(jobID string, partitions int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(jobID))
	return int(h.Sum32() % uint32(partitions))
}

// Open creates a Bus from a broker URL:
//
//	mem://                in-process, for tests and virtual mode
//	redis://host:6379/0   redis streams
func Open(ctx context.Context, rawURL string, partitions int, logger zerolog.Logger) (Bus, error) {
	if partitions <= 0 {
		return nil, fmt.Errorf("bus: partitions must be positive, got %d", partitions)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("bus: parse url: %w", err)
	}
	switch u.Scheme {
	case "mem", "memory":
		return NewMemory(partitions), nil
	case "redis", "rediss":
		return NewRedis(ctx, rawURL, partitions, logger)
	default:
		return nil, fmt.Errorf("bus: unknown broker scheme %q", u.Scheme)
	}
}
