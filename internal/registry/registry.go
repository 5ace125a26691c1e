// SPDX-License-Identifier: MIT

// Package registry tracks running engine instances. Instances register on
// boot, heartbeat while alive and are reaped when they go quiet; the
// scheduler consults liveness before dispatching and when deciding
// whether an unavailable engine should fail a job or make it wait.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dalstonhq/dalston/internal/log"
	"github.com/dalstonhq/dalston/internal/model"
	"github.com/dalstonhq/dalston/internal/store"
)

// Registry is the shared instance directory. Rows live in the state
// store so every scheduler replica sees the same view.
type Registry struct {
	store  store.Store
	ttl    time.Duration
	logger zerolog.Logger
}

// New creates a registry. ttl is the heartbeat window after which an
// instance stops counting as alive.
func New(st store.Store, ttl time.Duration) *Registry {
	return &Registry{
		store:  st,
		ttl:    ttl,
		logger: log.WithComponent("registry"),
	}
}

// TTL returns the liveness window.
func (r *Registry) TTL() time.Duration { return r.ttl }

// Register announces an instance. A missing ID is assigned; registered
// and heartbeat stamps are set to now. Re-registering an existing ID
// keeps the original registration time.
func (r *Registry) Register(ctx context.Context, inst model.EngineInstance) (model.EngineInstance, error) {
	if inst.EngineID == "" {
		return model.EngineInstance{}, fmt.Errorf("registry: instance without engine_id")
	}
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if inst.RegisteredAt.IsZero() {
		inst.RegisteredAt = now
	}
	inst.LastHeartbeat = now
	if inst.Status == "" {
		inst.Status = model.InstanceAvailable
	}
	if err := r.store.UpsertInstance(ctx, &inst); err != nil {
		return model.EngineInstance{}, fmt.Errorf("registry: register %s: %w", inst.ID, err)
	}
	r.logger.Info().
		Str("event", "registry.registered").
		Str("instance_id", inst.ID).
		Str("engine_id", inst.EngineID).
		Str("host", inst.Host).
		Int("max_concurrency", inst.MaxConcurrency).
		Msg("engine instance registered")
	return inst, nil
}

// Heartbeat refreshes the liveness stamp with the instance's current
// load and status.
func (r *Registry) Heartbeat(ctx context.Context, inst model.EngineInstance) error {
	inst.LastHeartbeat = time.Now().UTC()
	if err := r.store.UpsertInstance(ctx, &inst); err != nil {
		return fmt.Errorf("registry: heartbeat %s: %w", inst.ID, err)
	}
	return nil
}

// Deregister removes an instance on clean shutdown.
func (r *Registry) Deregister(ctx context.Context, instanceID string) error {
	if err := r.store.DeleteInstance(ctx, instanceID); err != nil {
		return fmt.Errorf("registry: deregister %s: %w", instanceID, err)
	}
	r.logger.Info().
		Str("event", "registry.deregistered").
		Str("instance_id", instanceID).
		Msg("engine instance deregistered")
	return nil
}

// Alive lists instances of one engine whose heartbeat is fresh.
func (r *Registry) Alive(ctx context.Context, engineID string) ([]*model.EngineInstance, error) {
	all, err := r.store.ListInstances(ctx, engineID)
	if err != nil {
		return nil, fmt.Errorf("registry: list %s: %w", engineID, err)
	}
	now := time.Now()
	alive := make([]*model.EngineInstance, 0, len(all))
	for _, inst := range all {
		if inst.Alive(now, r.ttl) {
			alive = append(alive, inst)
		}
	}
	return alive, nil
}

// AliveEngines returns the set of engine IDs with at least one fresh
// instance. The DAG builder checks availability against this set.
func (r *Registry) AliveEngines(ctx context.Context) (map[string]bool, error) {
	all, err := r.store.ListInstances(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("registry: list instances: %w", err)
	}
	now := time.Now()
	out := make(map[string]bool)
	for _, inst := range all {
		if inst.Alive(now, r.ttl) {
			out[inst.EngineID] = true
		}
	}
	return out, nil
}

// Reap deletes instances whose heartbeat lapsed more than grace ago and
// returns how many were removed. The scheduler sweeper calls this on its
// interval.
func (r *Registry) Reap(ctx context.Context, grace time.Duration) (int, error) {
	all, err := r.store.ListInstances(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("registry: list instances: %w", err)
	}
	cutoff := time.Now().Add(-(r.ttl + grace))
	removed := 0
	for _, inst := range all {
		if inst.LastHeartbeat.After(cutoff) {
			continue
		}
		if err := r.store.DeleteInstance(ctx, inst.ID); err != nil {
			return removed, fmt.Errorf("registry: reap %s: %w", inst.ID, err)
		}
		r.logger.Warn().
			Str("event", "registry.reaped").
			Str("instance_id", inst.ID).
			Str("engine_id", inst.EngineID).
			Time("last_heartbeat", inst.LastHeartbeat).
			Msg("engine instance missed heartbeats, removed")
		removed++
	}
	return removed, nil
}
