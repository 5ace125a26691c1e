// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dalstonhq/dalston/internal/model"
)

// Postgres is the multi-replica Store backend. All conditional operations
// run inside transactions with row locks so concurrent orchestrator
// replicas observe one winner.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres connects, pings and migrates.
func NewPostgres(ctx context.Context, url string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	cfg.MaxConnLifetime = time.Hour
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	p := &Postgres{pool: pool}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	status TEXT NOT NULL,
	params TEXT NOT NULL,
	media TEXT NOT NULL,
	progress INTEGER NOT NULL DEFAULT 0,
	current_stage TEXT,
	result TEXT,
	error TEXT,
	retention_days INTEGER NOT NULL DEFAULT 0,
	retry_count INTEGER NOT NULL DEFAULT 0,
	correlation_id TEXT,
	created_at_ms BIGINT NOT NULL,
	started_at_ms BIGINT,
	completed_at_ms BIGINT,
	purge_after_ms BIGINT,
	purged_at_ms BIGINT
);
CREATE INDEX IF NOT EXISTS idx_jobs_tenant_created ON jobs(tenant_id, created_at_ms DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_purge ON jobs(purge_after_ms) WHERE purged_at_ms IS NULL;

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL REFERENCES jobs(id),
	stage TEXT NOT NULL,
	engine_id TEXT NOT NULL,
	status TEXT NOT NULL,
	attempt INTEGER NOT NULL DEFAULT 0,
	lease_holder TEXT,
	lease_deadline_ms BIGINT,
	depends_on TEXT,
	inputs TEXT,
	outputs TEXT,
	error TEXT,
	timeout_seconds INTEGER NOT NULL,
	created_at_ms BIGINT NOT NULL,
	updated_at_ms BIGINT NOT NULL,
	started_at_ms BIGINT,
	completed_at_ms BIGINT,
	UNIQUE(job_id, stage)
);
CREATE INDEX IF NOT EXISTS idx_tasks_job ON tasks(job_id);
CREATE INDEX IF NOT EXISTS idx_tasks_lease ON tasks(status, lease_deadline_ms);

CREATE TABLE IF NOT EXISTS artifact_objects (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	owner_type TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	task_id TEXT,
	artifact_type TEXT NOT NULL,
	uri TEXT NOT NULL,
	sensitivity TEXT NOT NULL,
	store BOOLEAN NOT NULL DEFAULT FALSE,
	ttl_seconds INTEGER NOT NULL DEFAULT 0,
	size_bytes BIGINT NOT NULL DEFAULT 0,
	checksum TEXT,
	created_at_ms BIGINT NOT NULL,
	available_at_ms BIGINT,
	purge_after_ms BIGINT,
	purged_at_ms BIGINT,
	UNIQUE(owner_type, owner_id, artifact_type, uri)
);
CREATE INDEX IF NOT EXISTS idx_artifacts_owner ON artifact_objects(owner_type, owner_id);
CREATE INDEX IF NOT EXISTS idx_artifacts_purge ON artifact_objects(purge_after_ms) WHERE purged_at_ms IS NULL;

CREATE TABLE IF NOT EXISTS realtime_sessions (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	status TEXT NOT NULL,
	worker_id TEXT,
	language TEXT,
	model TEXT,
	encoding TEXT,
	sample_rate INTEGER NOT NULL DEFAULT 0,
	audio_duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
	segment_count INTEGER NOT NULL DEFAULT 0,
	word_count INTEGER NOT NULL DEFAULT 0,
	close_reason TEXT,
	retention_days INTEGER NOT NULL DEFAULT 0,
	started_at_ms BIGINT NOT NULL,
	ended_at_ms BIGINT,
	purge_after_ms BIGINT,
	purged_at_ms BIGINT
);
CREATE INDEX IF NOT EXISTS idx_sessions_worker ON realtime_sessions(worker_id, status);
CREATE INDEX IF NOT EXISTS idx_sessions_purge ON realtime_sessions(purge_after_ms) WHERE purged_at_ms IS NULL;

CREATE TABLE IF NOT EXISTS rt_workers (
	id TEXT PRIMARY KEY,
	addr TEXT,
	capacity INTEGER NOT NULL DEFAULT 0,
	active_sessions INTEGER NOT NULL DEFAULT 0,
	session_ids TEXT,
	languages TEXT,
	models TEXT,
	healthy BOOLEAN NOT NULL DEFAULT TRUE,
	registered_at_ms BIGINT NOT NULL,
	last_heartbeat_ms BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS engine_instances (
	id TEXT PRIMARY KEY,
	engine_id TEXT NOT NULL,
	host TEXT,
	loaded_model TEXT,
	status TEXT NOT NULL,
	active_tasks INTEGER NOT NULL DEFAULT 0,
	max_concurrency INTEGER NOT NULL DEFAULT 1,
	registered_at_ms BIGINT NOT NULL,
	last_heartbeat_ms BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_instances_engine ON engine_instances(engine_id);

CREATE TABLE IF NOT EXISTS audit_log (
	seq BIGSERIAL PRIMARY KEY,
	timestamp_ms BIGINT NOT NULL,
	correlation_id TEXT,
	tenant_id TEXT,
	actor_type TEXT NOT NULL,
	actor_id TEXT,
	action TEXT NOT NULL,
	resource_type TEXT,
	resource_id TEXT,
	detail TEXT,
	ip_address TEXT,
	user_agent TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_tenant ON audit_log(tenant_id, seq DESC);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	key TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	expires_at_ms BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS leases (
	key TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	expires_at_ms BIGINT NOT NULL
);

CREATE OR REPLACE RULE audit_no_update AS ON UPDATE TO audit_log DO INSTEAD NOTHING;
CREATE OR REPLACE RULE audit_no_delete AS ON DELETE TO audit_log DO INSTEAD NOTHING;
`

func (p *Postgres) migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// pgQuerier is satisfied by *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func noRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// --- Jobs ---

const pgJobPlaceholders = `$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17`

func pgInsertJob(ctx context.Context, q pgQuerier, job *model.Job) error {
	args, err := jobArgs(job)
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx, `INSERT INTO jobs (`+jobColumns+`) VALUES (`+pgJobPlaceholders+`) ON CONFLICT DO NOTHING`, args...)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", job.ID, ErrDuplicate)
	}
	return nil
}

func (p *Postgres) CreateJob(ctx context.Context, job *model.Job) error {
	return pgInsertJob(ctx, p.pool, job)
}

func (p *Postgres) CreateJobIdempotent(ctx context.Context, job *model.Job, idemKey string, ttl time.Duration) (*model.Job, bool, error) {
	now := time.Now()
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin create job: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if idemKey != "" {
		var boundID string
		var expMS int64
		err := tx.QueryRow(ctx, `SELECT job_id, expires_at_ms FROM idempotency_keys WHERE key = $1 FOR UPDATE`, idemKey).
			Scan(&boundID, &expMS)
		switch {
		case err == nil && expMS > now.UnixMilli():
			existing, err := pgGetJob(ctx, tx, boundID)
			if err == nil {
				return existing, true, nil
			}
			if !errors.Is(err, ErrNotFound) {
				return nil, false, err
			}
		case err != nil && !noRows(err):
			return nil, false, fmt.Errorf("read idempotency key: %w", err)
		}
	}

	if err := pgInsertJob(ctx, tx, job); err != nil {
		return nil, false, err
	}
	if idemKey != "" {
		_, err := tx.Exec(ctx, `INSERT INTO idempotency_keys (key, job_id, expires_at_ms) VALUES ($1,$2,$3)
			ON CONFLICT (key) DO UPDATE SET job_id=excluded.job_id, expires_at_ms=excluded.expires_at_ms`,
			idemKey, job.ID, now.Add(ttl).UnixMilli())
		if err != nil {
			return nil, false, fmt.Errorf("write idempotency key: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit create job: %w", err)
	}
	return nil, false, nil
}

func pgGetJob(ctx context.Context, q pgQuerier, id string) (*model.Job, error) {
	j, err := scanJob(q.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if noRows(err) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read job %s: %w", id, err)
	}
	return j, nil
}

func (p *Postgres) GetJob(ctx context.Context, id string) (*model.Job, error) {
	return pgGetJob(ctx, p.pool, id)
}

func (p *Postgres) ListJobs(ctx context.Context, f JobFilter) ([]*model.Job, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + jobColumns + ` FROM jobs`)
	var args []any
	var where []string
	if f.TenantID != "" {
		args = append(args, f.TenantID)
		where = append(where, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			args = append(args, string(st))
			ph[i] = fmt.Sprintf("$%d", len(args))
		}
		where = append(where, "status IN ("+strings.Join(ph, ",")+")")
	}
	if len(where) > 0 {
		sb.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	sb.WriteString(" ORDER BY created_at_ms DESC, id")
	if f.Limit > 0 {
		args = append(args, f.Limit)
		sb.WriteString(fmt.Sprintf(" LIMIT $%d", len(args)))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		sb.WriteString(fmt.Sprintf(" OFFSET $%d", len(args)))
	}

	rows, err := p.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

const pgJobUpdate = `UPDATE jobs SET
	tenant_id=$1, status=$2, params=$3, media=$4, progress=$5, current_stage=$6, result=$7, error=$8,
	retention_days=$9, retry_count=$10, correlation_id=$11, created_at_ms=$12, started_at_ms=$13,
	completed_at_ms=$14, purge_after_ms=$15, purged_at_ms=$16
	WHERE id=$17`

func (p *Postgres) UpdateJob(ctx context.Context, id string, fn func(*model.Job) error) (*model.Job, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin update job: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	j, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
	if noRows(err) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read job %s: %w", id, err)
	}
	old := j.Status
	if err := fn(j); err != nil {
		return nil, err
	}
	if err := guardJobTransition(id, old, j.Status); err != nil {
		return nil, err
	}
	args, err := jobArgs(j)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, pgJobUpdate, append(args[1:], id)...); err != nil {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit update job %s: %w", id, err)
	}
	return j, nil
}

func (p *Postgres) ResetJobForRetry(ctx context.Context, id string, at time.Time) (*model.Job, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin retry job: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	j, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
	if noRows(err) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read job %s: %w", id, err)
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
	args, err := jobArgs(j)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, pgJobUpdate, append(args[1:], id)...); err != nil {
		return nil, fmt.Errorf("retry job %s: %w", id, err)
	}
	if _, err := tx.Exec(ctx, `UPDATE tasks SET
		status=$1, attempt=1, lease_holder=NULL, lease_deadline_ms=NULL, error=NULL, outputs=NULL,
		started_at_ms=NULL, completed_at_ms=NULL, updated_at_ms=$2
		WHERE job_id=$3 AND status NOT IN ($4,$5)`,
		string(model.TaskPending), at.UnixMilli(), id,
		string(model.TaskCompleted), string(model.TaskSkipped)); err != nil {
		return nil, fmt.Errorf("retry job %s tasks: %w", id, err)
	}
	if _, err := tx.Exec(ctx, `UPDATE artifact_objects SET purge_after_ms=NULL
		WHERE owner_type=$1 AND owner_id=$2 AND purged_at_ms IS NULL`,
		string(model.OwnerJob), id); err != nil {
		return nil, fmt.Errorf("retry job %s artifacts: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit retry job %s: %w", id, err)
	}
	return j, nil
}

func (p *Postgres) queryJobs(ctx context.Context, sql string, args ...any) ([]*model.Job, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()
	var out []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("query jobs: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (p *Postgres) PurgeableJobs(ctx context.Context, now time.Time, limit int) ([]*model.Job, error) {
	return p.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE purge_after_ms IS NOT NULL AND purge_after_ms <= $1 AND purged_at_ms IS NULL
		ORDER BY purge_after_ms LIMIT $2`, now.UnixMilli(), limit)
}

func (p *Postgres) MarkJobPurged(ctx context.Context, id string, at time.Time) error {
	tag, err := p.pool.Exec(ctx, `UPDATE jobs SET purged_at_ms = COALESCE(purged_at_ms, $1) WHERE id = $2`,
		at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("mark job purged %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Tasks ---

const pgTaskPlaceholders = `$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17`

func (p *Postgres) InsertTasks(ctx context.Context, tasks []*model.Task) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin insert tasks: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, t := range tasks {
		args, err := taskArgs(t)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `INSERT INTO tasks (`+taskColumns+`) VALUES (`+pgTaskPlaceholders+`) ON CONFLICT DO NOTHING`, args...)
		if err != nil {
			return fmt.Errorf("insert task %s: %w", t.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("task %s/%s: %w", t.JobID, t.Stage, ErrDuplicate)
		}
	}
	return tx.Commit(ctx)
}

func pgGetTask(ctx context.Context, q pgQuerier, id string, forUpdate bool) (*model.Task, error) {
	sql := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	t, err := scanTask(q.QueryRow(ctx, sql, id))
	if noRows(err) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read task %s: %w", id, err)
	}
	return t, nil
}

func (p *Postgres) GetTask(ctx context.Context, id string) (*model.Task, error) {
	return pgGetTask(ctx, p.pool, id, false)
}

func (p *Postgres) queryTasks(ctx context.Context, sql string, args ...any) ([]*model.Task, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("query tasks: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) ListTasks(ctx context.Context, jobID string) ([]*model.Task, error) {
	return p.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE job_id = $1 ORDER BY created_at_ms, stage`, jobID)
}

const pgTaskUpdate = `UPDATE tasks SET
	job_id=$1, stage=$2, engine_id=$3, status=$4, attempt=$5, lease_holder=$6, lease_deadline_ms=$7,
	depends_on=$8, inputs=$9, outputs=$10, error=$11, timeout_seconds=$12, created_at_ms=$13,
	updated_at_ms=$14, started_at_ms=$15, completed_at_ms=$16
	WHERE id=$17`

func pgWriteTask(ctx context.Context, q pgQuerier, t *model.Task) error {
	args, err := taskArgs(t)
	if err != nil {
		return err
	}
	if _, err := q.Exec(ctx, pgTaskUpdate, append(args[1:], t.ID)...); err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	return nil
}

func (p *Postgres) UpdateTask(ctx context.Context, id string, fn func(*model.Task) error) (*model.Task, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin update task: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cur, err := pgGetTask(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	old := cur.Status
	if err := fn(cur); err != nil {
		return nil, err
	}
	if err := guardTaskTransition(id, old, cur.Status); err != nil {
		return nil, err
	}
	cur.UpdatedAt = time.Now().UTC()
	if err := pgWriteTask(ctx, tx, cur); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit update task %s: %w", id, err)
	}
	return cur, nil
}

func (p *Postgres) ClaimTask(ctx context.Context, id string, attempt int, owner string, ttl time.Duration) (*model.Task, error) {
	now := time.Now().UTC()
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim task: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cur, err := pgGetTask(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	if cur.Status != model.TaskReady || cur.Attempt != attempt {
		return nil, fmt.Errorf("task %s: claim attempt=%d status=%s: %w", id, attempt, cur.Status, ErrConflict)
	}
	cur.Status = model.TaskRunning
	cur.LeaseHolder = owner
	deadline := now.Add(ttl)
	cur.LeaseDeadline = &deadline
	if cur.StartedAt == nil {
		started := now
		cur.StartedAt = &started
	}
	cur.UpdatedAt = now
	if err := pgWriteTask(ctx, tx, cur); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim task %s: %w", id, err)
	}
	return cur, nil
}

func (p *Postgres) ExtendTaskLease(ctx context.Context, id, owner string, ttl time.Duration) error {
	now := time.Now().UTC()
	tag, err := p.pool.Exec(ctx, `UPDATE tasks SET lease_deadline_ms = $1, updated_at_ms = $2
		WHERE id = $3 AND status = $4 AND lease_holder = $5`,
		now.Add(ttl).UnixMilli(), now.UnixMilli(), id, string(model.TaskRunning), owner)
	if err != nil {
		return fmt.Errorf("extend task lease %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := pgGetTask(ctx, p.pool, id, false); err != nil {
			return err
		}
		return fmt.Errorf("task %s: extend by %s: %w", id, owner, ErrConflict)
	}
	return nil
}

func (p *Postgres) ExpiredTaskLeases(ctx context.Context, now time.Time, limit int) ([]*model.Task, error) {
	return p.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE status = $1 AND lease_deadline_ms IS NOT NULL AND lease_deadline_ms < $2
		ORDER BY lease_deadline_ms LIMIT $3`, string(model.TaskRunning), now.UnixMilli(), limit)
}

func (p *Postgres) StaleReadyTasks(ctx context.Context, readySince time.Time, limit int) ([]*model.Task, error) {
	return p.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE status = $1 AND updated_at_ms <= $2
		ORDER BY updated_at_ms LIMIT $3`, string(model.TaskReady), readySince.UnixMilli(), limit)
}

// --- Artifacts ---

func (p *Postgres) PutArtifact(ctx context.Context, a *model.Artifact) error {
	tag, err := p.pool.Exec(ctx, `INSERT INTO artifact_objects (`+artifactColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16) ON CONFLICT DO NOTHING`,
		artifactArgs(a)...)
	if err != nil {
		return fmt.Errorf("put artifact %s: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("artifact %s/%s %s: %w", a.OwnerType, a.OwnerID, a.Type, ErrDuplicate)
	}
	return nil
}

func (p *Postgres) queryArtifacts(ctx context.Context, sql string, args ...any) ([]*model.Artifact, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()
	var out []*model.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("query artifacts: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) ListArtifacts(ctx context.Context, owner model.OwnerType, ownerID string) ([]*model.Artifact, error) {
	return p.queryArtifacts(ctx, `SELECT `+artifactColumns+` FROM artifact_objects
		WHERE owner_type = $1 AND owner_id = $2 ORDER BY created_at_ms, id`, string(owner), ownerID)
}

func (p *Postgres) PurgeableArtifacts(ctx context.Context, now time.Time, limit int) ([]*model.Artifact, error) {
	return p.queryArtifacts(ctx, `SELECT `+artifactColumns+` FROM artifact_objects
		WHERE purge_after_ms IS NOT NULL AND purge_after_ms <= $1 AND purged_at_ms IS NULL
		ORDER BY purge_after_ms LIMIT $2`, now.UnixMilli(), limit)
}

func (p *Postgres) MarkArtifactPurged(ctx context.Context, id string, at time.Time) error {
	tag, err := p.pool.Exec(ctx, `UPDATE artifact_objects SET purged_at_ms = COALESCE(purged_at_ms, $1) WHERE id = $2`,
		at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("mark artifact purged %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}
	return nil
}

func (p *Postgres) StampArtifactRetention(ctx context.Context, owner model.OwnerType, ownerID string, deadline *time.Time, at time.Time) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin stamp retention: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `SELECT `+artifactColumns+` FROM artifact_objects
		WHERE owner_type = $1 AND owner_id = $2 AND purged_at_ms IS NULL FOR UPDATE`, string(owner), ownerID)
	if err != nil {
		return fmt.Errorf("stamp retention %s/%s: %w", owner, ownerID, err)
	}
	var arts []*model.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			rows.Close()
			return fmt.Errorf("stamp retention %s/%s: %w", owner, ownerID, err)
		}
		arts = append(arts, a)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	for _, a := range arts {
		after := artifactDeadline(a, deadline, at)
		if _, err := tx.Exec(ctx, `UPDATE artifact_objects SET purge_after_ms = $1 WHERE id = $2`,
			msPtr(after), a.ID); err != nil {
			return fmt.Errorf("stamp retention %s: %w", a.ID, err)
		}
	}
	return tx.Commit(ctx)
}

// --- Realtime sessions ---

func (p *Postgres) PutSession(ctx context.Context, sess *model.Session) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO realtime_sessions (`+sessionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT(id) DO UPDATE SET
			tenant_id=excluded.tenant_id, status=excluded.status, worker_id=excluded.worker_id,
			language=excluded.language, model=excluded.model, encoding=excluded.encoding,
			sample_rate=excluded.sample_rate, audio_duration_seconds=excluded.audio_duration_seconds,
			segment_count=excluded.segment_count, word_count=excluded.word_count,
			close_reason=excluded.close_reason, retention_days=excluded.retention_days,
			started_at_ms=excluded.started_at_ms, ended_at_ms=excluded.ended_at_ms,
			purge_after_ms=excluded.purge_after_ms, purged_at_ms=excluded.purged_at_ms`,
		sessionArgs(sess)...)
	if err != nil {
		return fmt.Errorf("put session %s: %w", sess.ID, err)
	}
	return nil
}

func pgGetSession(ctx context.Context, q pgQuerier, id string, forUpdate bool) (*model.Session, error) {
	sql := `SELECT ` + sessionColumns + ` FROM realtime_sessions WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	sess, err := scanSession(q.QueryRow(ctx, sql, id))
	if noRows(err) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}
	return sess, nil
}

func (p *Postgres) GetSession(ctx context.Context, id string) (*model.Session, error) {
	return pgGetSession(ctx, p.pool, id, false)
}

const pgSessionUpdate = `UPDATE realtime_sessions SET
	tenant_id=$1, status=$2, worker_id=$3, language=$4, model=$5, encoding=$6, sample_rate=$7,
	audio_duration_seconds=$8, segment_count=$9, word_count=$10, close_reason=$11, retention_days=$12,
	started_at_ms=$13, ended_at_ms=$14, purge_after_ms=$15, purged_at_ms=$16
	WHERE id=$17`

func (p *Postgres) UpdateSession(ctx context.Context, id string, fn func(*model.Session) error) (*model.Session, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin update session: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cur, err := pgGetSession(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	old := cur.Status
	if err := fn(cur); err != nil {
		return nil, err
	}
	if err := guardSessionTransition(id, old, cur.Status); err != nil {
		return nil, err
	}
	args := sessionArgs(cur)
	if _, err := tx.Exec(ctx, pgSessionUpdate, append(args[1:], id)...); err != nil {
		return nil, fmt.Errorf("update session %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit update session %s: %w", id, err)
	}
	return cur, nil
}

func (p *Postgres) querySessions(ctx context.Context, sql string, args ...any) ([]*model.Session, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()
	var out []*model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("query sessions: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (p *Postgres) ListSessions(ctx context.Context, tenantID string, activeOnly bool) ([]*model.Session, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + sessionColumns + ` FROM realtime_sessions`)
	var args []any
	var where []string
	if tenantID != "" {
		args = append(args, tenantID)
		where = append(where, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	if activeOnly {
		args = append(args, string(model.SessionActive))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(where) > 0 {
		sb.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	sb.WriteString(" ORDER BY started_at_ms DESC")
	return p.querySessions(ctx, sb.String(), args...)
}

func (p *Postgres) SessionsByWorker(ctx context.Context, workerID string) ([]*model.Session, error) {
	return p.querySessions(ctx, `SELECT `+sessionColumns+` FROM realtime_sessions
		WHERE worker_id = $1 AND status = $2`, workerID, string(model.SessionActive))
}

func (p *Postgres) PurgeableSessions(ctx context.Context, now time.Time, limit int) ([]*model.Session, error) {
	return p.querySessions(ctx, `SELECT `+sessionColumns+` FROM realtime_sessions
		WHERE purge_after_ms IS NOT NULL AND purge_after_ms <= $1 AND purged_at_ms IS NULL
		ORDER BY purge_after_ms LIMIT $2`, now.UnixMilli(), limit)
}

func (p *Postgres) MarkSessionPurged(ctx context.Context, id string, at time.Time) error {
	tag, err := p.pool.Exec(ctx, `UPDATE realtime_sessions SET purged_at_ms = COALESCE(purged_at_ms, $1) WHERE id = $2`,
		at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("mark session purged %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Realtime workers ---

func (p *Postgres) UpsertWorker(ctx context.Context, w *model.RTWorker) error {
	args, err := workerArgs(w)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `INSERT INTO rt_workers (`+workerColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT(id) DO UPDATE SET
			addr=excluded.addr, capacity=excluded.capacity, active_sessions=excluded.active_sessions,
			session_ids=excluded.session_ids, languages=excluded.languages, models=excluded.models,
			healthy=excluded.healthy, last_heartbeat_ms=excluded.last_heartbeat_ms`,
		args...)
	if err != nil {
		return fmt.Errorf("upsert worker %s: %w", w.ID, err)
	}
	return nil
}

func pgGetWorker(ctx context.Context, q pgQuerier, id string, forUpdate bool) (*model.RTWorker, error) {
	sql := `SELECT ` + workerColumns + ` FROM rt_workers WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	w, err := scanWorker(q.QueryRow(ctx, sql, id))
	if noRows(err) {
		return nil, fmt.Errorf("worker %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read worker %s: %w", id, err)
	}
	return w, nil
}

func (p *Postgres) GetWorker(ctx context.Context, id string) (*model.RTWorker, error) {
	return pgGetWorker(ctx, p.pool, id, false)
}

func (p *Postgres) ListWorkers(ctx context.Context) ([]*model.RTWorker, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+workerColumns+` FROM rt_workers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()
	var out []*model.RTWorker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("list workers: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

const pgWorkerUpdate = `UPDATE rt_workers SET
	addr=$1, capacity=$2, active_sessions=$3, session_ids=$4, languages=$5, models=$6, healthy=$7,
	registered_at_ms=$8, last_heartbeat_ms=$9
	WHERE id=$10`

func (p *Postgres) UpdateWorker(ctx context.Context, id string, fn func(*model.RTWorker) error) (*model.RTWorker, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin update worker: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cur, err := pgGetWorker(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	if err := fn(cur); err != nil {
		return nil, err
	}

	args, err := workerArgs(cur)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, pgWorkerUpdate, append(args[1:], id)...); err != nil {
		return nil, fmt.Errorf("update worker %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit update worker %s: %w", id, err)
	}
	return cur, nil
}

func (p *Postgres) DeleteWorker(ctx context.Context, id string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM rt_workers WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete worker %s: %w", id, err)
	}
	return nil
}

// --- Engine instances ---

func (p *Postgres) UpsertInstance(ctx context.Context, inst *model.EngineInstance) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO engine_instances (`+instanceColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT(id) DO UPDATE SET
			engine_id=excluded.engine_id, host=excluded.host, loaded_model=excluded.loaded_model,
			status=excluded.status, active_tasks=excluded.active_tasks,
			max_concurrency=excluded.max_concurrency, last_heartbeat_ms=excluded.last_heartbeat_ms`,
		inst.ID, inst.EngineID, nullStr(inst.Host), nullStr(inst.LoadedModel), string(inst.Status),
		inst.ActiveTasks, inst.MaxConcurrency, ms(inst.RegisteredAt), ms(inst.LastHeartbeat))
	if err != nil {
		return fmt.Errorf("upsert instance %s: %w", inst.ID, err)
	}
	return nil
}

func (p *Postgres) ListInstances(ctx context.Context, engineID string) ([]*model.EngineInstance, error) {
	sql := `SELECT ` + instanceColumns + ` FROM engine_instances`
	var args []any
	if engineID != "" {
		sql += ` WHERE engine_id = $1`
		args = append(args, engineID)
	}
	sql += ` ORDER BY id`
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()
	var out []*model.EngineInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("list instances: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteInstance(ctx context.Context, id string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM engine_instances WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete instance %s: %w", id, err)
	}
	return nil
}

// --- Audit ---

func (p *Postgres) AppendAudit(ctx context.Context, e *model.AuditEntry) error {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	detail, err := encodeJSONOpt(e.Detail, len(e.Detail) > 0)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `INSERT INTO audit_log
		(timestamp_ms, correlation_id, tenant_id, actor_type, actor_id, action, resource_type, resource_id, detail, ip_address, user_agent)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		ms(ts), nullStr(e.CorrelationID), nullStr(e.TenantID), e.ActorType, nullStr(e.ActorID), e.Action,
		nullStr(e.ResourceType), nullStr(e.ResourceID), detail, nullStr(e.IPAddress), nullStr(e.UserAgent))
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (p *Postgres) ListAudit(ctx context.Context, tenantID string, limit int) ([]*model.AuditEntry, error) {
	sql := `SELECT ` + auditColumns + ` FROM audit_log`
	var args []any
	if tenantID != "" {
		args = append(args, tenantID)
		sql += fmt.Sprintf(` WHERE tenant_id = $%d`, len(args))
	}
	sql += ` ORDER BY seq DESC`
	if limit > 0 {
		args = append(args, limit)
		sql += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()
	var out []*model.AuditEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("list audit: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Idempotency window ---

func (p *Postgres) PutIdempotency(ctx context.Context, key, jobID string, ttl time.Duration) error {
	if key == "" {
		return nil
	}
	_, err := p.pool.Exec(ctx, `INSERT INTO idempotency_keys (key, job_id, expires_at_ms) VALUES ($1,$2,$3)
		ON CONFLICT (key) DO UPDATE SET job_id=excluded.job_id, expires_at_ms=excluded.expires_at_ms`,
		key, jobID, time.Now().Add(ttl).UnixMilli())
	if err != nil {
		return fmt.Errorf("put idempotency: %w", err)
	}
	return nil
}

func (p *Postgres) GetIdempotency(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, nil
	}
	var jobID string
	var expMS int64
	err := p.pool.QueryRow(ctx, `SELECT job_id, expires_at_ms FROM idempotency_keys WHERE key = $1`, key).
		Scan(&jobID, &expMS)
	if noRows(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get idempotency: %w", err)
	}
	if expMS <= time.Now().UnixMilli() {
		return "", false, nil
	}
	return jobID, true, nil
}

// --- Leases ---

func (p *Postgres) TryAcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (Lease, bool, error) {
	now := time.Now()
	deadline := now.Add(ttl)

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin acquire lease: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var curOwner string
	var curExpMS int64
	err = tx.QueryRow(ctx, `SELECT owner, expires_at_ms FROM leases WHERE key = $1 FOR UPDATE`, key).
		Scan(&curOwner, &curExpMS)
	switch {
	case err == nil:
		if curExpMS > now.UnixMilli() && curOwner != owner {
			return &rowLease{key: key, owner: curOwner, exp: fromMS(curExpMS)}, false, nil
		}
	case !noRows(err):
		return nil, false, fmt.Errorf("read lease %s: %w", key, err)
	}

	_, err = tx.Exec(ctx, `INSERT INTO leases (key, owner, expires_at_ms) VALUES ($1,$2,$3)
		ON CONFLICT (key) DO UPDATE SET owner=excluded.owner, expires_at_ms=excluded.expires_at_ms`,
		key, owner, deadline.UnixMilli())
	if err != nil {
		return nil, false, fmt.Errorf("write lease %s: %w", key, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit lease %s: %w", key, err)
	}
	return &rowLease{key: key, owner: owner, exp: deadline}, true, nil
}

func (p *Postgres) RenewLease(ctx context.Context, key, owner string, ttl time.Duration) (Lease, bool, error) {
	if ttl <= 0 {
		return nil, false, errors.New("invalid ttl")
	}
	return p.TryAcquireLease(ctx, key, owner, ttl)
}

func (p *Postgres) ReleaseLease(ctx context.Context, key, owner string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM leases WHERE key = $1 AND owner = $2`, key, owner); err != nil {
		return fmt.Errorf("release lease %s: %w", key, err)
	}
	return nil
}

func (p *Postgres) DeleteAllLeases(ctx context.Context) (int, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM leases`)
	if err != nil {
		return 0, fmt.Errorf("delete leases: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
