// SPDX-License-Identifier: MIT

package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dalstonhq/dalston/internal/model"
)

const (
	eventKeyPrefix  = "dalston:events:"
	queueKeyPrefix  = "dalston:queue:"
	cancelKeyPrefix = "dalston:cancel:"

	// queueGroup is the single consumer group on every engine queue.
	queueGroup = "workers"

	// streamMaxLen bounds retained history per partition; trimming is
	// approximate to keep XADD cheap.
	streamMaxLen = 100_000

	// cancelTTL keeps cancel flags around long enough for any in-flight
	// attempt to observe them.
	cancelTTL = 24 * time.Hour
)

// Redis is the production Bus on redis streams. Job events live in one
// stream per partition, engine queues are single-group streams where the
// pending-entries list models the visibility timeout.
type Redis struct {
	client     *redis.Client
	partitions int
	logger     zerolog.Logger

	mu     sync.Mutex
	groups map[string]bool
}

var _ Bus = (*Redis)(nil)

// NewRedis connects to the broker and verifies it with a ping.
func NewRedis(ctx context.Context, rawURL string, partitions int, logger zerolog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("bus: parse redis url: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.PoolSize == 0 {
		opts.PoolSize = 10
	}
	if opts.MinIdleConns == 0 {
		opts.MinIdleConns = 2
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("bus: redis ping: %w", err)
	}

	logger.Info().
		Str("component", "bus").
		Str("addr", opts.Addr).
		Int("partitions", partitions).
		Msg("connected to redis broker")

	return &Redis{
		client:     client,
		partitions: partitions,
		logger:     logger,
		groups:     make(map[string]bool),
	}, nil
}

func (r *Redis) Partitions() int { return r.partitions }

func partitionKey(p int) string { return fmt.Sprintf("%s%d", eventKeyPrefix, p) }

// ensureGroup creates the consumer group once per process; a group that
// already exists is fine.
func (r *Redis) ensureGroup(ctx context.Context, stream, group string) error {
	cacheKey := stream + "\x00" + group
	r.mu.Lock()
	ok := r.groups[cacheKey]
	r.mu.Unlock()
	if ok {
		return nil
	}
	err := r.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("bus: create group %s on %s: %w", group, stream, err)
	}
	r.mu.Lock()
	r.groups[cacheKey] = true
	r.mu.Unlock()
	return nil
}

func (r *Redis) Append(ctx context.Context, ev model.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("bus: marshal event %s: %w", ev.EventID, err)
	}
	key := partitionKey(partitionOf(ev.JobID, r.partitions))
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{"type": string(ev.Type), "event": string(raw)},
	}).Err()
	if err != nil {
		return fmt.Errorf("bus: append %s to %s: %w", ev.Type, key, err)
	}
	return nil
}

// decodeEvent pulls the envelope out of a stream entry. Entries that do
// not parse are acked and skipped so a poison message cannot wedge its
// partition.
func (r *Redis) decodeEvent(ctx context.Context, key, group string, msg redis.XMessage) (Delivery, bool) {
	raw, _ := msg.Values["event"].(string)
	var ev model.Event
	if raw == "" || json.Unmarshal([]byte(raw), &ev) != nil {
		r.logger.Warn().
			Str("component", "bus").
			Str("stream", key).
			Str("message_id", msg.ID).
			Msg("dropping undecodable event")
		_ = r.client.XAck(ctx, key, group, msg.ID).Err()
		return Delivery{}, false
	}
	return Delivery{ID: msg.ID, Event: ev}, true
}

func (r *Redis) Consume(ctx context.Context, group, consumer string, partition int, count int, block time.Duration) ([]Delivery, error) {
	if partition < 0 || partition >= r.partitions {
		return nil, fmt.Errorf("bus: partition %d out of range", partition)
	}
	key := partitionKey(partition)
	if err := r.ensureGroup(ctx, key, group); err != nil {
		return nil, err
	}
	if block <= 0 {
		block = -1
	}
	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{key, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("bus: read %s: %w", key, err)
	}
	var out []Delivery
	for _, s := range streams {
		for _, msg := range s.Messages {
			if d, ok := r.decodeEvent(ctx, key, group, msg); ok {
				out = append(out, d)
			}
		}
	}
	return out, nil
}

func (r *Redis) Ack(ctx context.Context, group string, partition int, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	key := partitionKey(partition)
	if err := r.client.XAck(ctx, key, group, ids...).Err(); err != nil {
		return fmt.Errorf("bus: ack %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Reclaim(ctx context.Context, group, consumer string, partition int, minIdle time.Duration, count int) ([]Delivery, error) {
	if partition < 0 || partition >= r.partitions {
		return nil, fmt.Errorf("bus: partition %d out of range", partition)
	}
	key := partitionKey(partition)
	if err := r.ensureGroup(ctx, key, group); err != nil {
		return nil, err
	}
	msgs, _, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   key,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0",
		Count:    int64(count),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("bus: reclaim %s: %w", key, err)
	}
	var out []Delivery
	for _, msg := range msgs {
		if d, ok := r.decodeEvent(ctx, key, group, msg); ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func queueKey(queue string) string { return queueKeyPrefix + queue }

func (r *Redis) Enqueue(ctx context.Context, queue string, msg model.TaskMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("bus: marshal task %s: %w", msg.TaskID, err)
	}
	key := queueKey(queue)
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{"task": string(raw)},
	}).Err()
	if err != nil {
		return fmt.Errorf("bus: enqueue to %s: %w", key, err)
	}
	return nil
}

// Dequeue leases the next task. Expired leases are recovered first via
// autoclaim, so every consumer on a queue should use the same lease
// duration; redelivery eligibility is judged by the idle time of the
// pending entry against the caller's lease.
func (r *Redis) Dequeue(ctx context.Context, queue, consumer string, lease, block time.Duration) (*QueueDelivery, error) {
	key := queueKey(queue)
	if err := r.ensureGroup(ctx, key, queueGroup); err != nil {
		return nil, err
	}

	claimed, _, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   key,
		Group:    queueGroup,
		Consumer: consumer,
		MinIdle:  lease,
		Start:    "0",
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("bus: autoclaim %s: %w", key, err)
	}
	if len(claimed) > 0 {
		return r.decodeTask(ctx, key, claimed[0])
	}

	if block <= 0 {
		block = -1
	}
	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    queueGroup,
		Consumer: consumer,
		Streams:  []string{key, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("bus: dequeue %s: %w", key, err)
	}
	for _, s := range streams {
		for _, msg := range s.Messages {
			return r.decodeTask(ctx, key, msg)
		}
	}
	return nil, nil
}

// decodeTask parses a queue entry; undecodable entries are settled and
// reported as an empty poll.
func (r *Redis) decodeTask(ctx context.Context, key string, msg redis.XMessage) (*QueueDelivery, error) {
	raw, _ := msg.Values["task"].(string)
	var tm model.TaskMessage
	if raw == "" || json.Unmarshal([]byte(raw), &tm) != nil {
		r.logger.Warn().
			Str("component", "bus").
			Str("stream", key).
			Str("message_id", msg.ID).
			Msg("dropping undecodable task message")
		_ = r.client.XAck(ctx, key, queueGroup, msg.ID).Err()
		return nil, nil
	}
	return &QueueDelivery{Receipt: msg.ID, Message: tm}, nil
}

// Extend resets the idle clock on a held delivery so autoclaim will not
// hand it to another worker. The state-store task lease remains the
// authoritative ownership check.
func (r *Redis) Extend(ctx context.Context, queue, consumer, receipt string, lease time.Duration) error {
	key := queueKey(queue)
	ids, err := r.client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   key,
		Group:    queueGroup,
		Consumer: consumer,
		MinIdle:  0,
		Messages: []string{receipt},
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("bus: extend %s: %w", key, err)
	}
	if len(ids) == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (r *Redis) Done(ctx context.Context, queue, receipt string) error {
	key := queueKey(queue)
	if err := r.client.XAck(ctx, key, queueGroup, receipt).Err(); err != nil {
		return fmt.Errorf("bus: settle %s: %w", key, err)
	}
	return nil
}

// Nack re-adds the message before settling the old delivery; a crash in
// between yields a duplicate, never a loss.
func (r *Redis) Nack(ctx context.Context, queue string, d *QueueDelivery) error {
	if err := r.Enqueue(ctx, queue, d.Message); err != nil {
		return err
	}
	return r.Done(ctx, queue, d.Receipt)
}

// QueueLen reports the approximate depth: settled entries count until
// the stream is trimmed.
func (r *Redis) QueueLen(ctx context.Context, queue string) (int64, error) {
	n, err := r.client.XLen(ctx, queueKey(queue)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("bus: len %s: %w", queue, err)
	}
	return n, nil
}

func (r *Redis) Cancel(ctx context.Context, channel string) error {
	if err := r.client.Set(ctx, cancelKeyPrefix+channel, "1", cancelTTL).Err(); err != nil {
		return fmt.Errorf("bus: set cancel flag %s: %w", channel, err)
	}
	return nil
}

func (r *Redis) Cancelled(ctx context.Context, channel string) (bool, error) {
	n, err := r.client.Exists(ctx, cancelKeyPrefix+channel).Result()
	if err != nil {
		return false, fmt.Errorf("bus: check cancel flag %s: %w", channel, err)
	}
	return n > 0, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("bus: ping: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
