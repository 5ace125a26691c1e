// SPDX-License-Identifier: MIT

// Package store is the system-of-record for jobs, tasks, artifacts and
// realtime sessions. Backends share one behavioral contract: conditional
// task claims, append-only audit rows, and single-writer leases.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dalstonhq/dalston/internal/model"
)

var (
	// ErrNotFound is returned when the addressed record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an insert collides with an existing
	// row, including the (job_id, stage) task uniqueness constraint.
	ErrDuplicate = errors.New("duplicate")
	// ErrConflict is returned when a conditional update loses: a claim on
	// a task that is no longer ready, a lease extension by a non-holder,
	// or a state transition the lifecycle does not allow.
	ErrConflict = errors.New("conflict")
)

// Lease is a single-writer lock on a key. The owner string must be stable
// for the lifetime of the holding process.
type Lease interface {
	Key() string
	Owner() string
	ExpiresAt() time.Time
}

// JobFilter narrows ListJobs. Zero values mean "no constraint".
type JobFilter struct {
	TenantID string
	Statuses []model.JobStatus
	Limit    int
	Offset   int
}

// Store is the persistence contract shared by the memory, sqlite and
// postgres backends.
//
// Update* methods run fn inside a transaction on a private copy of the
// record and persist the result; status changes are checked against the
// lifecycle transition tables and rejected with ErrConflict otherwise.
type Store interface {
	// --- Jobs ---
	CreateJob(ctx context.Context, job *model.Job) error
	// CreateJobIdempotent writes the job and the idempotency key in one
	// transaction. If the key is already bound, the previously created
	// job is returned with replay=true and nothing is written.
	CreateJobIdempotent(ctx context.Context, job *model.Job, idemKey string, ttl time.Duration) (existing *model.Job, replay bool, err error)
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]*model.Job, error)
	UpdateJob(ctx context.Context, id string, fn func(*model.Job) error) (*model.Job, error)
	// ResetJobForRetry is the operator retry path, the one sanctioned
	// exit from a terminal job state. In one transaction it returns a
	// failed or cancelled job to pending with retry_count incremented,
	// resets every task that did not complete or skip back to pending
	// at attempt 1 with leases and errors cleared, and clears pending
	// purge stamps on the job and its artifacts so the rerun re-snapshots
	// retention at its own terminal transition. Completed and skipped
	// tasks keep their outputs. Returns ErrConflict when the job is not
	// failed/cancelled or has already been purged.
	ResetJobForRetry(ctx context.Context, id string, at time.Time) (*model.Job, error)
	PurgeableJobs(ctx context.Context, now time.Time, limit int) ([]*model.Job, error)
	MarkJobPurged(ctx context.Context, id string, at time.Time) error

	// --- Tasks ---
	// InsertTasks writes the plan atomically. Any (job_id, stage)
	// collision aborts the whole batch with ErrDuplicate.
	InsertTasks(ctx context.Context, tasks []*model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context, jobID string) ([]*model.Task, error)
	UpdateTask(ctx context.Context, id string, fn func(*model.Task) error) (*model.Task, error)
	// ClaimTask is the compare-and-set an engine performs before running:
	// ready -> running, conditional on the attempt counter. A lost claim
	// returns ErrConflict and the caller drops the message.
	ClaimTask(ctx context.Context, id string, attempt int, owner string, ttl time.Duration) (*model.Task, error)
	// ExtendTaskLease renews the heartbeat deadline. Only the current
	// holder of a running task may extend.
	ExtendTaskLease(ctx context.Context, id, owner string, ttl time.Duration) error
	// ExpiredTaskLeases returns running tasks whose lease deadline has
	// passed, oldest first.
	ExpiredTaskLeases(ctx context.Context, now time.Time, limit int) ([]*model.Task, error)
	// StaleReadyTasks returns ready tasks untouched since readySince,
	// oldest first. A task stuck in ready that long was enqueued by a
	// scheduler that died before the queue write landed; the sweeper
	// re-enqueues them.
	StaleReadyTasks(ctx context.Context, readySince time.Time, limit int) ([]*model.Task, error)

	// --- Artifacts ---
	PutArtifact(ctx context.Context, a *model.Artifact) error
	ListArtifacts(ctx context.Context, owner model.OwnerType, ownerID string) ([]*model.Artifact, error)
	PurgeableArtifacts(ctx context.Context, now time.Time, limit int) ([]*model.Artifact, error)
	// MarkArtifactPurged stamps purged_at, keeping the row for audit.
	// Repeated calls keep the first stamp.
	MarkArtifactPurged(ctx context.Context, id string, at time.Time) error
	// StampArtifactRetention snapshots purge deadlines onto every
	// un-purged artifact of the owner when it terminates: transient rows
	// (store=false) become purgeable at the terminal timestamp, rows
	// carrying their own TTL keep the earlier of TTL expiry and the
	// owner deadline, everything else inherits the owner deadline. A nil
	// deadline means keep forever.
	StampArtifactRetention(ctx context.Context, owner model.OwnerType, ownerID string, deadline *time.Time, at time.Time) error

	// --- Realtime sessions ---
	PutSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	UpdateSession(ctx context.Context, id string, fn func(*model.Session) error) (*model.Session, error)
	ListSessions(ctx context.Context, tenantID string, activeOnly bool) ([]*model.Session, error)
	// SessionsByWorker returns the active sessions pinned to one worker,
	// used to reconcile orphans when a worker dies.
	SessionsByWorker(ctx context.Context, workerID string) ([]*model.Session, error)
	PurgeableSessions(ctx context.Context, now time.Time, limit int) ([]*model.Session, error)
	MarkSessionPurged(ctx context.Context, id string, at time.Time) error

	// --- Realtime workers ---
	// UpsertWorker registers or refreshes a worker row. RegisteredAt is
	// kept from the first registration.
	UpsertWorker(ctx context.Context, w *model.RTWorker) error
	GetWorker(ctx context.Context, id string) (*model.RTWorker, error)
	ListWorkers(ctx context.Context) ([]*model.RTWorker, error)
	// UpdateWorker runs fn transactionally on the row; session allocation
	// uses it as its capacity compare-and-set.
	UpdateWorker(ctx context.Context, id string, fn func(*model.RTWorker) error) (*model.RTWorker, error)
	DeleteWorker(ctx context.Context, id string) error

	// --- Engine instances ---
	UpsertInstance(ctx context.Context, inst *model.EngineInstance) error
	// ListInstances returns instances for one engine, or all when
	// engineID is empty.
	ListInstances(ctx context.Context, engineID string) ([]*model.EngineInstance, error)
	DeleteInstance(ctx context.Context, id string) error

	// --- Audit (append-only) ---
	AppendAudit(ctx context.Context, e *model.AuditEntry) error
	ListAudit(ctx context.Context, tenantID string, limit int) ([]*model.AuditEntry, error)

	// --- Idempotency window ---
	PutIdempotency(ctx context.Context, key, jobID string, ttl time.Duration) error
	GetIdempotency(ctx context.Context, key string) (jobID string, ok bool, err error)

	// --- Leases (single-writer) ---
	TryAcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (Lease, bool, error)
	RenewLease(ctx context.Context, key, owner string, ttl time.Duration) (Lease, bool, error)
	ReleaseLease(ctx context.Context, key, owner string) error
	DeleteAllLeases(ctx context.Context) (int, error)

	// Ping verifies the backend is reachable, for readiness probes.
	Ping(ctx context.Context) error
	Close() error
}

// guardJobTransition rejects lifecycle moves the job state machine does
// not allow. Field edits that keep the status are always permitted.
func guardJobTransition(id string, old, next model.JobStatus) error {
	if old == next {
		return nil
	}
	if !old.CanTransition(next) {
		return fmt.Errorf("job %s: illegal transition %s -> %s: %w", id, old, next, ErrConflict)
	}
	return nil
}

func guardTaskTransition(id string, old, next model.TaskStatus) error {
	if old == next {
		return nil
	}
	if !old.CanTransition(next) {
		return fmt.Errorf("task %s: illegal transition %s -> %s: %w", id, old, next, ErrConflict)
	}
	return nil
}

// artifactDeadline applies the retention snapshot rules of
// StampArtifactRetention to one artifact row.
func artifactDeadline(a *model.Artifact, deadline *time.Time, at time.Time) *time.Time {
	if !a.Store {
		t := at
		return &t
	}
	if a.TTLSeconds > 0 {
		t := a.CreatedAt.Add(time.Duration(a.TTLSeconds) * time.Second)
		if deadline != nil && deadline.Before(t) {
			t = *deadline
		}
		return &t
	}
	if deadline == nil {
		return nil
	}
	t := *deadline
	return &t
}

func guardSessionTransition(id string, old, next model.SessionStatus) error {
	if old == next {
		return nil
	}
	if old.Terminal() {
		return fmt.Errorf("session %s: illegal transition %s -> %s: %w", id, old, next, ErrConflict)
	}
	return nil
}
