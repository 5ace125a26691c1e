// SPDX-License-Identifier: MIT

package bus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dalstonhq/dalston/internal/model"
)

// ErrLeaseLost reports that a queue delivery is no longer held by the
// caller: the lease lapsed and the message was redelivered. The worker
// should stop heartbeating and abandon the attempt.
var ErrLeaseLost = errors.New("bus: queue lease lost")

var errClosed = errors.New("bus: closed")

type memEntry struct {
	id string
	ev model.Event
}

type memPending struct {
	idx         int
	consumer    string
	deliveredAt time.Time
}

type memGroup struct {
	cursor  int
	pending map[string]*memPending
}

type memPartition struct {
	entries []memEntry
	groups  map[string]*memGroup
	wake    chan struct{}
}

type memLease struct {
	msg      model.TaskMessage
	consumer string
	deadline time.Time
}

type memQueue struct {
	ready   []model.TaskMessage
	pending map[string]*memLease
	wake    chan struct{}
}

// Memory is the in-process Bus used by tests and single-binary virtual
// deployments. Semantics mirror the redis backend: consumer groups with
// pending-entry reclaim on the stream side, visibility timeouts on the
// queue side.
type Memory struct {
	mu         sync.Mutex
	partitions []*memPartition
	queues     map[string]*memQueue
	cancels    map[string]bool
	seq        int64
	closed     bool
}

var _ Bus = (*Memory)(nil)

// NewMemory creates an in-process bus with the given partition count.
func NewMemory(partitions int) *Memory {
	m := &Memory{
		partitions: make([]*memPartition, partitions),
		queues:     make(map[string]*memQueue),
		cancels:    make(map[string]bool),
	}
	for i := range m.partitions {
		m.partitions[i] = &memPartition{
			groups: make(map[string]*memGroup),
			wake:   make(chan struct{}),
		}
	}
	return m
}

func (m *Memory) Partitions() int { return len(m.partitions) }

// Append publishes the event to its job partition and wakes blocked
// consumers.
func (m *Memory) Append(_ context.Context, ev model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	p := m.partitions[partitionOf(ev.JobID, len(m.partitions))]
	m.seq++
	p.entries = append(p.entries, memEntry{
		id: fmt.Sprintf("%d-%d", len(p.entries)+1, m.seq),
		ev: ev,
	})
	close(p.wake)
	p.wake = make(chan struct{})
	return nil
}

func (m *Memory) Consume(ctx context.Context, group, consumer string, partition int, count int, block time.Duration) ([]Delivery, error) {
	if partition < 0 || partition >= len(m.partitions) {
		return nil, fmt.Errorf("bus: partition %d out of range", partition)
	}
	if count <= 0 {
		count = 1
	}
	waitCtx := ctx
	if block > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, block)
		defer cancel()
	}
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, errClosed
		}
		p := m.partitions[partition]
		g := p.groups[group]
		if g == nil {
			g = &memGroup{pending: make(map[string]*memPending)}
			p.groups[group] = g
		}
		if g.cursor < len(p.entries) {
			out := make([]Delivery, 0, count)
			now := time.Now()
			for g.cursor < len(p.entries) && len(out) < count {
				e := p.entries[g.cursor]
				g.pending[e.id] = &memPending{idx: g.cursor, consumer: consumer, deliveredAt: now}
				out = append(out, Delivery{ID: e.id, Event: e.ev})
				g.cursor++
			}
			m.mu.Unlock()
			return out, nil
		}
		wake := p.wake
		m.mu.Unlock()
		if block <= 0 {
			return nil, nil
		}
		select {
		case <-wake:
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, nil
		}
	}
}

func (m *Memory) Ack(_ context.Context, group string, partition int, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if partition < 0 || partition >= len(m.partitions) {
		return fmt.Errorf("bus: partition %d out of range", partition)
	}
	if g := m.partitions[partition].groups[group]; g != nil {
		for _, id := range ids {
			delete(g.pending, id)
		}
	}
	return nil
}

// Reclaim reassigns deliveries stuck in the group's pending set for at
// least minIdle, in log order.
func (m *Memory) Reclaim(_ context.Context, group, consumer string, partition int, minIdle time.Duration, count int) ([]Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if partition < 0 || partition >= len(m.partitions) {
		return nil, fmt.Errorf("bus: partition %d out of range", partition)
	}
	if count <= 0 {
		count = 1
	}
	p := m.partitions[partition]
	g := p.groups[group]
	if g == nil {
		return nil, nil
	}
	cutoff := time.Now().Add(-minIdle)
	ids := make([]string, 0, len(g.pending))
	for id, pe := range g.pending {
		if !pe.deliveredAt.After(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return g.pending[ids[i]].idx < g.pending[ids[j]].idx
	})
	if len(ids) > count {
		ids = ids[:count]
	}
	out := make([]Delivery, 0, len(ids))
	now := time.Now()
	for _, id := range ids {
		pe := g.pending[id]
		pe.consumer = consumer
		pe.deliveredAt = now
		out = append(out, Delivery{ID: id, Event: p.entries[pe.idx].ev})
	}
	return out, nil
}

func (m *Memory) queue(name string) *memQueue {
	q := m.queues[name]
	if q == nil {
		q = &memQueue{
			pending: make(map[string]*memLease),
			wake:    make(chan struct{}),
		}
		m.queues[name] = q
	}
	return q
}

// requeueExpired moves lapsed leases back to the ready list. Caller holds
// the lock.
func (q *memQueue) requeueExpired(now time.Time) {
	var expired []string
	for receipt, l := range q.pending {
		if !l.deadline.After(now) {
			expired = append(expired, receipt)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return q.pending[expired[i]].deadline.Before(q.pending[expired[j]].deadline)
	})
	for _, receipt := range expired {
		q.ready = append(q.ready, q.pending[receipt].msg)
		delete(q.pending, receipt)
	}
}

func (m *Memory) Enqueue(_ context.Context, queue string, msg model.TaskMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	q := m.queue(queue)
	q.ready = append(q.ready, msg)
	close(q.wake)
	q.wake = make(chan struct{})
	return nil
}

func (m *Memory) Dequeue(ctx context.Context, queue, consumer string, lease, block time.Duration) (*QueueDelivery, error) {
	waitCtx := ctx
	if block > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, block)
		defer cancel()
	}
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, errClosed
		}
		q := m.queue(queue)
		now := time.Now()
		q.requeueExpired(now)
		if len(q.ready) > 0 {
			msg := q.ready[0]
			q.ready = q.ready[1:]
			m.seq++
			receipt := fmt.Sprintf("%d-%d", now.UnixMilli(), m.seq)
			q.pending[receipt] = &memLease{msg: msg, consumer: consumer, deadline: now.Add(lease)}
			m.mu.Unlock()
			return &QueueDelivery{Receipt: receipt, Message: msg}, nil
		}
		wake := q.wake
		m.mu.Unlock()
		if block <= 0 {
			return nil, nil
		}
		select {
		case <-wake:
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, nil
		}
	}
}

func (m *Memory) Extend(_ context.Context, queue, consumer, receipt string, lease time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue(queue)
	l, ok := q.pending[receipt]
	if !ok || l.consumer != consumer {
		return ErrLeaseLost
	}
	l.deadline = time.Now().Add(lease)
	return nil
}

// Done drops a held delivery. Settling a lease that already lapsed is a
// no-op; the attempt check in the state store discards the stale result.
func (m *Memory) Done(_ context.Context, queue, receipt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queue(queue).pending, receipt)
	return nil
}

func (m *Memory) QueueLen(_ context.Context, queue string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue(queue)
	q.requeueExpired(time.Now())
	return int64(len(q.ready)), nil
}

// Nack returns a held delivery to the queue head for immediate
// redelivery. If the lease already lapsed the message is back in the
// queue anyway and the call is a no-op.
func (m *Memory) Nack(_ context.Context, queue string, d *QueueDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue(queue)
	if _, ok := q.pending[d.Receipt]; !ok {
		return nil
	}
	delete(q.pending, d.Receipt)
	q.ready = append([]model.TaskMessage{d.Message}, q.ready...)
	close(q.wake)
	q.wake = make(chan struct{})
	return nil
}

func (m *Memory) Cancel(_ context.Context, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels[channel] = true
	return nil
}

func (m *Memory) Cancelled(_ context.Context, channel string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancels[channel], nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

// Close wakes all blocked consumers; subsequent calls fail.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, p := range m.partitions {
		close(p.wake)
	}
	for _, q := range m.queues {
		close(q.wake)
	}
	return nil
}
