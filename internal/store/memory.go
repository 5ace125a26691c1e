// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dalstonhq/dalston/internal/model"
)

// Memory is an in-memory Store for tests, local iteration and the virtual
// single-process mode. Not durable.
type Memory struct {
	mu sync.RWMutex

	jobs      map[string]*model.Job
	tasks     map[string]*model.Task
	artifacts map[string]*model.Artifact
	sessions  map[string]*model.Session
	workers   map[string]*model.RTWorker
	instances map[string]*model.EngineInstance
	audit     []*model.AuditEntry

	// (job_id, stage) -> task_id, mirrors the relational uniqueness
	taskByStage map[string]string

	leases map[string]leaseState
	idem   map[string]idemState

	auditSeq int64
}

type leaseState struct {
	owner string
	exp   time.Time
}

type idemState struct {
	jobID string
	exp   time.Time
}

func NewMemory() *Memory {
	return &Memory{
		jobs:        make(map[string]*model.Job),
		tasks:       make(map[string]*model.Task),
		artifacts:   make(map[string]*model.Artifact),
		sessions:    make(map[string]*model.Session),
		workers:     make(map[string]*model.RTWorker),
		instances:   make(map[string]*model.EngineInstance),
		taskByStage: make(map[string]string),
		leases:      make(map[string]leaseState),
		idem:        make(map[string]idemState),
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func stageKey(jobID string, stage model.Stage) string {
	return jobID + "\x00" + string(stage)
}

// --- Jobs ---

func (m *Memory) CreateJob(ctx context.Context, job *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createJobLocked(job)
}

func (m *Memory) createJobLocked(job *model.Job) error {
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("job %s: %w", job.ID, ErrDuplicate)
	}
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

func (m *Memory) CreateJobIdempotent(ctx context.Context, job *model.Job, idemKey string, ttl time.Duration) (*model.Job, bool, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if idemKey != "" {
		if st, ok := m.idem[idemKey]; ok && now.Before(st.exp) {
			if prev, ok := m.jobs[st.jobID]; ok {
				return cloneJob(prev), true, nil
			}
		}
	}
	if err := m.createJobLocked(job); err != nil {
		return nil, false, err
	}
	if idemKey != "" {
		m.idem[idemKey] = idemState{jobID: job.ID, exp: now.Add(ttl)}
	}
	return nil, false, nil
}

func (m *Memory) GetJob(ctx context.Context, id string) (*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return cloneJob(j), nil
}

func (m *Memory) ListJobs(ctx context.Context, f JobFilter) ([]*model.Job, error) {
	m.mu.RLock()
	out := make([]*model.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if f.TenantID != "" && j.TenantID != f.TenantID {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, j.Status) {
			continue
		}
		out = append(out, cloneJob(j))
	}
	m.mu.RUnlock()

	// Newest first, matching the SQL backends.
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.After(out[k].CreatedAt)
		}
		return out[i].ID < out[k].ID
	})
	return window(out, f.Offset, f.Limit), nil
}

func containsStatus(set []model.JobStatus, s model.JobStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func window[T any](in []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(in) {
			return nil
		}
		in = in[offset:]
	}
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}

func (m *Memory) UpdateJob(ctx context.Context, id string, fn func(*model.Job) error) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	next := cloneJob(cur)
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := guardJobTransition(id, cur.Status, next.Status); err != nil {
		return nil, err
	}
	m.jobs[id] = next
	return cloneJob(next), nil
}

func (m *Memory) ResetJobForRetry(ctx context.Context, id string, at time.Time) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if j.Status != model.JobFailed && j.Status != model.JobCancelled {
		return nil, fmt.Errorf("job %s: retry from %s: %w", id, j.Status, ErrConflict)
	}
	if j.PurgedAt != nil {
		return nil, fmt.Errorf("job %s: retry after purge: %w", id, ErrConflict)
	}
	j.Status = model.JobPending
	j.RetryCount++
	j.Error = nil
	j.Result = nil
	j.CompletedAt = nil
	j.PurgeAfter = nil
	for _, t := range m.tasks {
		if t.JobID != id || t.Status.Success() {
			continue
		}
		t.Status = model.TaskPending
		t.Attempt = 1
		t.LeaseHolder = ""
		t.LeaseDeadline = nil
		t.Error = nil
		t.Outputs = nil
		t.StartedAt = nil
		t.CompletedAt = nil
		t.UpdatedAt = at
	}
	for _, a := range m.artifacts {
		if a.OwnerType == model.OwnerJob && a.OwnerID == id && a.PurgedAt == nil {
			a.PurgeAfter = nil
		}
	}
	return cloneJob(j), nil
}

func (m *Memory) PurgeableJobs(ctx context.Context, now time.Time, limit int) ([]*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Job
	for _, j := range m.jobs {
		if j.PurgeAfter != nil && !j.PurgeAfter.After(now) && j.PurgedAt == nil {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].PurgeAfter.Before(*out[k].PurgeAfter) })
	return window(out, 0, limit), nil
}

func (m *Memory) MarkJobPurged(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if j.PurgedAt == nil {
		t := at
		j.PurgedAt = &t
	}
	return nil
}

// --- Tasks ---

func (m *Memory) InsertTasks(ctx context.Context, tasks []*model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tasks {
		if _, ok := m.tasks[t.ID]; ok {
			return fmt.Errorf("task %s: %w", t.ID, ErrDuplicate)
		}
		if _, ok := m.taskByStage[stageKey(t.JobID, t.Stage)]; ok {
			return fmt.Errorf("task %s/%s: %w", t.JobID, t.Stage, ErrDuplicate)
		}
	}
	for _, t := range tasks {
		m.tasks[t.ID] = cloneTask(t)
		m.taskByStage[stageKey(t.JobID, t.Stage)] = t.ID
	}
	return nil
}

func (m *Memory) GetTask(ctx context.Context, id string) (*model.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return cloneTask(t), nil
}

func (m *Memory) ListTasks(ctx context.Context, jobID string) ([]*model.Task, error) {
	m.mu.RLock()
	var out []*model.Task
	for _, t := range m.tasks {
		if t.JobID == jobID {
			out = append(out, cloneTask(t))
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.Before(out[k].CreatedAt)
		}
		return out[i].Stage < out[k].Stage
	})
	return out, nil
}

func (m *Memory) UpdateTask(ctx context.Context, id string, fn func(*model.Task) error) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	next := cloneTask(cur)
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := guardTaskTransition(id, cur.Status, next.Status); err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now().UTC()
	m.tasks[id] = next
	return cloneTask(next), nil
}

func (m *Memory) ClaimTask(ctx context.Context, id string, attempt int, owner string, ttl time.Duration) (*model.Task, error) {
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if t.Status != model.TaskReady || t.Attempt != attempt {
		return nil, fmt.Errorf("task %s: claim attempt=%d status=%s: %w", id, attempt, t.Status, ErrConflict)
	}
	next := cloneTask(t)
	next.Status = model.TaskRunning
	next.LeaseHolder = owner
	deadline := now.Add(ttl)
	next.LeaseDeadline = &deadline
	if next.StartedAt == nil {
		started := now
		next.StartedAt = &started
	}
	next.UpdatedAt = now
	m.tasks[id] = next
	return cloneTask(next), nil
}

func (m *Memory) ExtendTaskLease(ctx context.Context, id, owner string, ttl time.Duration) error {
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if t.Status != model.TaskRunning || t.LeaseHolder != owner {
		return fmt.Errorf("task %s: extend by %s status=%s holder=%s: %w", id, owner, t.Status, t.LeaseHolder, ErrConflict)
	}
	deadline := now.Add(ttl)
	t.LeaseDeadline = &deadline
	t.UpdatedAt = now
	return nil
}

func (m *Memory) ExpiredTaskLeases(ctx context.Context, now time.Time, limit int) ([]*model.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Task
	for _, t := range m.tasks {
		if t.Status == model.TaskRunning && t.LeaseDeadline != nil && t.LeaseDeadline.Before(now) {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].LeaseDeadline.Before(*out[k].LeaseDeadline) })
	return window(out, 0, limit), nil
}

func (m *Memory) StaleReadyTasks(ctx context.Context, readySince time.Time, limit int) ([]*model.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Task
	for _, t := range m.tasks {
		if t.Status == model.TaskReady && !t.UpdatedAt.After(readySince) {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].UpdatedAt.Before(out[k].UpdatedAt) })
	return window(out, 0, limit), nil
}

// --- Artifacts ---

func (m *Memory) PutArtifact(ctx context.Context, a *model.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, prev := range m.artifacts {
		if prev.ID != a.ID && prev.OwnerType == a.OwnerType && prev.OwnerID == a.OwnerID &&
			prev.Type == a.Type && prev.URI == a.URI {
			return fmt.Errorf("artifact %s/%s %s: %w", a.OwnerType, a.OwnerID, a.Type, ErrDuplicate)
		}
	}
	m.artifacts[a.ID] = cloneArtifact(a)
	return nil
}

func (m *Memory) ListArtifacts(ctx context.Context, owner model.OwnerType, ownerID string) ([]*model.Artifact, error) {
	m.mu.RLock()
	var out []*model.Artifact
	for _, a := range m.artifacts {
		if a.OwnerType == owner && a.OwnerID == ownerID {
			out = append(out, cloneArtifact(a))
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.Before(out[k].CreatedAt)
		}
		return out[i].ID < out[k].ID
	})
	return out, nil
}

func (m *Memory) PurgeableArtifacts(ctx context.Context, now time.Time, limit int) ([]*model.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Artifact
	for _, a := range m.artifacts {
		if a.PurgeAfter != nil && !a.PurgeAfter.After(now) && a.PurgedAt == nil {
			out = append(out, cloneArtifact(a))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].PurgeAfter.Before(*out[k].PurgeAfter) })
	return window(out, 0, limit), nil
}

func (m *Memory) MarkArtifactPurged(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.artifacts[id]
	if !ok {
		return fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}
	if a.PurgedAt == nil {
		t := at
		a.PurgedAt = &t
	}
	return nil
}

func (m *Memory) StampArtifactRetention(ctx context.Context, owner model.OwnerType, ownerID string, deadline *time.Time, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.artifacts {
		if a.OwnerType != owner || a.OwnerID != ownerID || a.PurgedAt != nil {
			continue
		}
		a.PurgeAfter = artifactDeadline(a, deadline, at)
	}
	return nil
}

// --- Realtime sessions ---

func (m *Memory) PutSession(ctx context.Context, s *model.Session) error {
	m.mu.Lock()
	m.sessions[s.ID] = cloneSession(s)
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetSession(ctx context.Context, id string) (*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return cloneSession(s), nil
}

func (m *Memory) UpdateSession(ctx context.Context, id string, fn func(*model.Session) error) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	next := cloneSession(cur)
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := guardSessionTransition(id, cur.Status, next.Status); err != nil {
		return nil, err
	}
	m.sessions[id] = next
	return cloneSession(next), nil
}

func (m *Memory) ListSessions(ctx context.Context, tenantID string, activeOnly bool) ([]*model.Session, error) {
	m.mu.RLock()
	var out []*model.Session
	for _, s := range m.sessions {
		if tenantID != "" && s.TenantID != tenantID {
			continue
		}
		if activeOnly && s.Status != model.SessionActive {
			continue
		}
		out = append(out, cloneSession(s))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.After(out[k].StartedAt) })
	return out, nil
}

func (m *Memory) SessionsByWorker(ctx context.Context, workerID string) ([]*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Session
	for _, s := range m.sessions {
		if s.WorkerID == workerID && s.Status == model.SessionActive {
			out = append(out, cloneSession(s))
		}
	}
	return out, nil
}

func (m *Memory) PurgeableSessions(ctx context.Context, now time.Time, limit int) ([]*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Session
	for _, s := range m.sessions {
		if s.PurgeAfter != nil && !s.PurgeAfter.After(now) && s.PurgedAt == nil {
			out = append(out, cloneSession(s))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].PurgeAfter.Before(*out[k].PurgeAfter) })
	return window(out, 0, limit), nil
}

func (m *Memory) MarkSessionPurged(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if s.PurgedAt == nil {
		t := at
		s.PurgedAt = &t
	}
	return nil
}

// --- Realtime workers ---

func (m *Memory) UpsertWorker(ctx context.Context, w *model.RTWorker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.workers[w.ID]; ok {
		c := cloneWorker(w)
		c.RegisteredAt = prev.RegisteredAt
		m.workers[w.ID] = c
		return nil
	}
	m.workers[w.ID] = cloneWorker(w)
	return nil
}

func (m *Memory) GetWorker(ctx context.Context, id string) (*model.RTWorker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[id]
	if !ok {
		return nil, fmt.Errorf("worker %s: %w", id, ErrNotFound)
	}
	return cloneWorker(w), nil
}

func (m *Memory) ListWorkers(ctx context.Context) ([]*model.RTWorker, error) {
	m.mu.RLock()
	var out []*model.RTWorker
	for _, w := range m.workers {
		out = append(out, cloneWorker(w))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (m *Memory) UpdateWorker(ctx context.Context, id string, fn func(*model.RTWorker) error) (*model.RTWorker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.workers[id]
	if !ok {
		return nil, fmt.Errorf("worker %s: %w", id, ErrNotFound)
	}
	next := cloneWorker(cur)
	if err := fn(next); err != nil {
		return nil, err
	}
	m.workers[id] = next
	return cloneWorker(next), nil
}

func (m *Memory) DeleteWorker(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.workers, id)
	m.mu.Unlock()
	return nil
}

// --- Engine instances ---

func (m *Memory) UpsertInstance(ctx context.Context, inst *model.EngineInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.instances[inst.ID]; ok {
		c := cloneInstance(inst)
		c.RegisteredAt = prev.RegisteredAt
		m.instances[inst.ID] = c
		return nil
	}
	m.instances[inst.ID] = cloneInstance(inst)
	return nil
}

func (m *Memory) ListInstances(ctx context.Context, engineID string) ([]*model.EngineInstance, error) {
	m.mu.RLock()
	var out []*model.EngineInstance
	for _, inst := range m.instances {
		if engineID != "" && inst.EngineID != engineID {
			continue
		}
		out = append(out, cloneInstance(inst))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (m *Memory) DeleteInstance(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.instances, id)
	m.mu.Unlock()
	return nil
}

// --- Audit ---

func (m *Memory) AppendAudit(ctx context.Context, e *model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditSeq++
	c := cloneAudit(e)
	c.Seq = m.auditSeq
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now().UTC()
	}
	m.audit = append(m.audit, c)
	return nil
}

func (m *Memory) ListAudit(ctx context.Context, tenantID string, limit int) ([]*model.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.AuditEntry
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if tenantID != "" && e.TenantID != tenantID {
			continue
		}
		out = append(out, cloneAudit(e))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// --- Idempotency window ---

func (m *Memory) PutIdempotency(ctx context.Context, key, jobID string, ttl time.Duration) error {
	if key == "" {
		return nil
	}
	deadline := time.Now().Add(ttl)
	m.mu.Lock()
	m.idem[key] = idemState{jobID: jobID, exp: deadline}
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetIdempotency(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, nil
	}
	now := time.Now()
	m.mu.Lock()
	st, ok := m.idem[key]
	if ok && now.After(st.exp) {
		delete(m.idem, key)
		ok = false
	}
	m.mu.Unlock()
	if !ok {
		return "", false, nil
	}
	return st.jobID, true, nil
}

// --- Leases ---

type memoryLease struct {
	key   string
	owner string
	exp   time.Time
}

func (l *memoryLease) Key() string          { return l.key }
func (l *memoryLease) Owner() string        { return l.owner }
func (l *memoryLease) ExpiresAt() time.Time { return l.exp }

func (m *Memory) TryAcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (Lease, bool, error) {
	now := time.Now()
	deadline := now.Add(ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	ls, ok := m.leases[key]
	if ok && now.After(ls.exp) {
		delete(m.leases, key)
		ok = false
	}
	if ok && ls.owner != owner {
		return nil, false, nil
	}
	m.leases[key] = leaseState{owner: owner, exp: deadline}
	return &memoryLease{key: key, owner: owner, exp: deadline}, true, nil
}

// RenewLease extends a held lease. Like acquisition, it succeeds when the
// key is free or lapsed, so a holder that missed a beat can recover as long
// as nobody else took over.
func (m *Memory) RenewLease(ctx context.Context, key, owner string, ttl time.Duration) (Lease, bool, error) {
	if ttl <= 0 {
		return nil, false, errors.New("invalid ttl")
	}
	return m.TryAcquireLease(ctx, key, owner, ttl)
}

func (m *Memory) ReleaseLease(ctx context.Context, key, owner string) error {
	m.mu.Lock()
	if st, ok := m.leases[key]; ok && st.owner == owner {
		delete(m.leases, key)
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeleteAllLeases(ctx context.Context) (int, error) {
	m.mu.Lock()
	n := len(m.leases)
	m.leases = make(map[string]leaseState)
	m.mu.Unlock()
	return n, nil
}
