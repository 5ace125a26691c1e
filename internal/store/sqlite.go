// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure Go driver

	"github.com/dalstonhq/dalston/internal/model"
)

// SQLite is the single-node Store backend. WAL mode and a busy timeout are
// baked into the DSN so every pooled connection carries them.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// NewSQLite opens (and migrates) the database at path.
func NewSQLite(path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(time.Hour)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLite) Close() error { return s.db.Close() }

const sqliteSchemaV1 = `
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
	created_at_ms INTEGER NOT NULL,
	started_at_ms INTEGER,
	completed_at_ms INTEGER,
	purge_after_ms INTEGER,
	purged_at_ms INTEGER
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
	lease_deadline_ms INTEGER,
	depends_on TEXT,
	inputs TEXT,
	outputs TEXT,
	error TEXT,
	timeout_seconds INTEGER NOT NULL,
	created_at_ms INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL,
	started_at_ms INTEGER,
	completed_at_ms INTEGER,
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
	store INTEGER NOT NULL DEFAULT 0,
	ttl_seconds INTEGER NOT NULL DEFAULT 0,
	size_bytes INTEGER NOT NULL DEFAULT 0,
	checksum TEXT,
	created_at_ms INTEGER NOT NULL,
	available_at_ms INTEGER,
	purge_after_ms INTEGER,
	purged_at_ms INTEGER,
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
	audio_duration_seconds REAL NOT NULL DEFAULT 0,
	segment_count INTEGER NOT NULL DEFAULT 0,
	word_count INTEGER NOT NULL DEFAULT 0,
	close_reason TEXT,
	retention_days INTEGER NOT NULL DEFAULT 0,
	started_at_ms INTEGER NOT NULL,
	ended_at_ms INTEGER,
	purge_after_ms INTEGER,
	purged_at_ms INTEGER
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
	healthy INTEGER NOT NULL DEFAULT 1,
	registered_at_ms INTEGER NOT NULL,
	last_heartbeat_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS engine_instances (
	id TEXT PRIMARY KEY,
	engine_id TEXT NOT NULL,
	host TEXT,
	loaded_model TEXT,
	status TEXT NOT NULL,
	active_tasks INTEGER NOT NULL DEFAULT 0,
	max_concurrency INTEGER NOT NULL DEFAULT 1,
	registered_at_ms INTEGER NOT NULL,
	last_heartbeat_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_instances_engine ON engine_instances(engine_id);

CREATE TABLE IF NOT EXISTS audit_log (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp_ms INTEGER NOT NULL,
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
	expires_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS leases (
	key TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	expires_at_ms INTEGER NOT NULL
);
`

// audit_log is append-only: suppress updates and deletes at the schema
// level so no code path can rewrite history.
const sqliteAuditGuards = `
CREATE TRIGGER IF NOT EXISTS audit_no_update BEFORE UPDATE ON audit_log
BEGIN SELECT RAISE(IGNORE); END;
CREATE TRIGGER IF NOT EXISTS audit_no_delete BEFORE DELETE ON audit_log
BEGIN SELECT RAISE(IGNORE); END;
`

func (s *SQLite) migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("sqlite: begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var version int
	if err := tx.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("sqlite: read user_version: %w", err)
	}
	if version < 1 {
		if _, err := tx.Exec(sqliteSchemaV1); err != nil {
			return fmt.Errorf("sqlite: migrate to v1: %w", err)
		}
		if _, err := tx.Exec(sqliteAuditGuards); err != nil {
			return fmt.Errorf("sqlite: install audit guards: %w", err)
		}
		if _, err := tx.Exec(`PRAGMA user_version = 1`); err != nil {
			return fmt.Errorf("sqlite: set user_version: %w", err)
		}
	}
	return tx.Commit()
}

// --- Jobs ---

func jobArgs(j *model.Job) ([]any, error) {
	params, err := encodeJSON(j.Params)
	if err != nil {
		return nil, err
	}
	media, err := encodeJSON(j.Media)
	if err != nil {
		return nil, err
	}
	result, err := encodeJSONOpt(j.Result, j.Result != nil)
	if err != nil {
		return nil, err
	}
	errInfo, err := encodeJSONOpt(j.Error, j.Error != nil)
	if err != nil {
		return nil, err
	}
	return []any{
		j.ID, j.TenantID, string(j.Status), params, media, j.Progress, nullStr(j.CurrentStage), result, errInfo,
		j.RetentionDays, j.RetryCount, nullStr(j.CorrelationID), ms(j.CreatedAt), msPtr(j.StartedAt),
		msPtr(j.CompletedAt), msPtr(j.PurgeAfter), msPtr(j.PurgedAt),
	}, nil
}

func (s *SQLite) insertJob(ctx context.Context, tx *sql.Tx, job *model.Job) error {
	args, err := jobArgs(job)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO jobs (`+jobColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", job.ID, ErrDuplicate)
	}
	return nil
}

func (s *SQLite) CreateJob(ctx context.Context, job *model.Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create job: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := s.insertJob(ctx, tx, job); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) CreateJobIdempotent(ctx context.Context, job *model.Job, idemKey string, ttl time.Duration) (*model.Job, bool, error) {
	now := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin create job: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if idemKey != "" {
		var boundID string
		var expMS int64
		err := tx.QueryRowContext(ctx, `SELECT job_id, expires_at_ms FROM idempotency_keys WHERE key = ?`, idemKey).
			Scan(&boundID, &expMS)
		switch {
		case err == nil && expMS > now.UnixMilli():
			existing, err := getJobRow(ctx, tx, boundID)
			if err == nil {
				return existing, true, nil
			}
			if !errors.Is(err, ErrNotFound) {
				return nil, false, err
			}
			// Key points at a vanished job; fall through and recreate.
		case err != nil && !errors.Is(err, sql.ErrNoRows):
			return nil, false, fmt.Errorf("read idempotency key: %w", err)
		}
	}

	if err := s.insertJob(ctx, tx, job); err != nil {
		return nil, false, err
	}
	if idemKey != "" {
		_, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO idempotency_keys (key, job_id, expires_at_ms) VALUES (?,?,?)`,
			idemKey, job.ID, now.Add(ttl).UnixMilli())
		if err != nil {
			return nil, false, fmt.Errorf("write idempotency key: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit create job: %w", err)
	}
	return nil, false, nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getJobRow(ctx context.Context, q rowQuerier, id string) (*model.Job, error) {
	j, err := scanJob(q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read job %s: %w", id, err)
	}
	return j, nil
}

func (s *SQLite) GetJob(ctx context.Context, id string) (*model.Job, error) {
	return getJobRow(ctx, s.db, id)
}

func (s *SQLite) ListJobs(ctx context.Context, f JobFilter) ([]*model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var where []string
	var args []any
	if f.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if len(f.Statuses) > 0 {
		in := "status IN ("
		for i, st := range f.Statuses {
			if i > 0 {
				in += ","
			}
			in += "?"
			args = append(args, string(st))
		}
		where = append(where, in+")")
	}
	for i, w := range where {
		if i == 0 {
			query += " WHERE " + w
		} else {
			query += " AND " + w
		}
	}
	query += " ORDER BY created_at_ms DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	if f.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()
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

func (s *SQLite) UpdateJob(ctx context.Context, id string, fn func(*model.Job) error) (*model.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update job: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := getJobRow(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	old := cur.Status
	if err := fn(cur); err != nil {
		return nil, err
	}
	if err := guardJobTransition(id, old, cur.Status); err != nil {
		return nil, err
	}

	args, err := jobArgs(cur)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `UPDATE jobs SET
		tenant_id=?, status=?, params=?, media=?, progress=?, current_stage=?, result=?, error=?,
		retention_days=?, retry_count=?, correlation_id=?, created_at_ms=?, started_at_ms=?,
		completed_at_ms=?, purge_after_ms=?, purged_at_ms=?
		WHERE id=?`, append(args[1:], id)...)
	if err != nil {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update job %s: %w", id, err)
	}
	return cur, nil
}

func (s *SQLite) ResetJobForRetry(ctx context.Context, id string, at time.Time) (*model.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin retry job: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := getJobRow(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status != model.JobFailed && cur.Status != model.JobCancelled {
		return nil, fmt.Errorf("job %s: retry from %s: %w", id, cur.Status, ErrConflict)
	}
	if cur.PurgedAt != nil {
		return nil, fmt.Errorf("job %s: retry after purge: %w", id, ErrConflict)
	}

	cur.Status = model.JobPending
	cur.RetryCount++
	cur.Error = nil
	cur.Result = nil
	cur.CompletedAt = nil
	cur.PurgeAfter = nil
	args, err := jobArgs(cur)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET
		tenant_id=?, status=?, params=?, media=?, progress=?, current_stage=?, result=?, error=?,
		retention_days=?, retry_count=?, correlation_id=?, created_at_ms=?, started_at_ms=?,
		completed_at_ms=?, purge_after_ms=?, purged_at_ms=?
		WHERE id=?`, append(args[1:], id)...); err != nil {
		return nil, fmt.Errorf("retry job %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET
		status=?, attempt=1, lease_holder=NULL, lease_deadline_ms=NULL, error=NULL, outputs=NULL,
		started_at_ms=NULL, completed_at_ms=NULL, updated_at_ms=?
		WHERE job_id=? AND status NOT IN (?,?)`,
		string(model.TaskPending), at.UnixMilli(), id,
		string(model.TaskCompleted), string(model.TaskSkipped)); err != nil {
		return nil, fmt.Errorf("retry job %s tasks: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE artifact_objects SET purge_after_ms=NULL
		WHERE owner_type=? AND owner_id=? AND purged_at_ms IS NULL`,
		string(model.OwnerJob), id); err != nil {
		return nil, fmt.Errorf("retry job %s artifacts: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit retry job %s: %w", id, err)
	}
	return cur, nil
}

func (s *SQLite) PurgeableJobs(ctx context.Context, now time.Time, limit int) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE purge_after_ms IS NOT NULL AND purge_after_ms <= ? AND purged_at_ms IS NULL
		ORDER BY purge_after_ms LIMIT ?`, now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("purgeable jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("purgeable jobs: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *SQLite) MarkJobPurged(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET purged_at_ms = COALESCE(purged_at_ms, ?) WHERE id = ?`,
		at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("mark job purged %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Tasks ---

func taskArgs(t *model.Task) ([]any, error) {
	dependsOn, err := encodeJSONOpt(t.DependsOn, len(t.DependsOn) > 0)
	if err != nil {
		return nil, err
	}
	inputs, err := encodeJSONOpt(t.Inputs, len(t.Inputs) > 0)
	if err != nil {
		return nil, err
	}
	outputs, err := encodeJSONOpt(t.Outputs, len(t.Outputs) > 0)
	if err != nil {
		return nil, err
	}
	errInfo, err := encodeJSONOpt(t.Error, t.Error != nil)
	if err != nil {
		return nil, err
	}
	return []any{
		t.ID, t.JobID, string(t.Stage), t.EngineID, string(t.Status), t.Attempt, nullStr(t.LeaseHolder),
		msPtr(t.LeaseDeadline), dependsOn, inputs, outputs, errInfo, t.TimeoutSeconds,
		ms(t.CreatedAt), ms(t.UpdatedAt), msPtr(t.StartedAt), msPtr(t.CompletedAt),
	}, nil
}

func (s *SQLite) InsertTasks(ctx context.Context, tasks []*model.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert tasks: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, t := range tasks {
		args, err := taskArgs(t)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO tasks (`+taskColumns+`)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
		if err != nil {
			return fmt.Errorf("insert task %s: %w", t.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert task %s: %w", t.ID, err)
		}
		if n == 0 {
			return fmt.Errorf("task %s/%s: %w", t.JobID, t.Stage, ErrDuplicate)
		}
	}
	return tx.Commit()
}

func getTaskRow(ctx context.Context, q rowQuerier, id string) (*model.Task, error) {
	t, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read task %s: %w", id, err)
	}
	return t, nil
}

func (s *SQLite) GetTask(ctx context.Context, id string) (*model.Task, error) {
	return getTaskRow(ctx, s.db, id)
}

func (s *SQLite) ListTasks(ctx context.Context, jobID string) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE job_id = ? ORDER BY created_at_ms, stage`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list tasks %s: %w", jobID, err)
	}
	defer func() { _ = rows.Close() }()
	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("list tasks %s: %w", jobID, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLite) updateTaskRow(ctx context.Context, tx *sql.Tx, t *model.Task) error {
	args, err := taskArgs(t)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE tasks SET
		job_id=?, stage=?, engine_id=?, status=?, attempt=?, lease_holder=?, lease_deadline_ms=?,
		depends_on=?, inputs=?, outputs=?, error=?, timeout_seconds=?, created_at_ms=?, updated_at_ms=?,
		started_at_ms=?, completed_at_ms=?
		WHERE id=?`, append(args[1:], t.ID)...)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	return nil
}

func (s *SQLite) UpdateTask(ctx context.Context, id string, fn func(*model.Task) error) (*model.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update task: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := getTaskRow(ctx, tx, id)
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
	if err := s.updateTaskRow(ctx, tx, cur); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update task %s: %w", id, err)
	}
	return cur, nil
}

func (s *SQLite) ClaimTask(ctx context.Context, id string, attempt int, owner string, ttl time.Duration) (*model.Task, error) {
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim task: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := getTaskRow(ctx, tx, id)
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
	if err := s.updateTaskRow(ctx, tx, cur); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim task %s: %w", id, err)
	}
	return cur, nil
}

func (s *SQLite) ExtendTaskLease(ctx context.Context, id, owner string, ttl time.Duration) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET lease_deadline_ms = ?, updated_at_ms = ?
		WHERE id = ? AND status = ? AND lease_holder = ?`,
		now.Add(ttl).UnixMilli(), now.UnixMilli(), id, string(model.TaskRunning), owner)
	if err != nil {
		return fmt.Errorf("extend task lease %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := getTaskRow(ctx, s.db, id); err != nil {
			return err
		}
		return fmt.Errorf("task %s: extend by %s: %w", id, owner, ErrConflict)
	}
	return nil
}

func (s *SQLite) ExpiredTaskLeases(ctx context.Context, now time.Time, limit int) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND lease_deadline_ms IS NOT NULL AND lease_deadline_ms < ?
		ORDER BY lease_deadline_ms LIMIT ?`, string(model.TaskRunning), now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("expired task leases: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("expired task leases: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLite) StaleReadyTasks(ctx context.Context, readySince time.Time, limit int) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND updated_at_ms <= ?
		ORDER BY updated_at_ms LIMIT ?`, string(model.TaskReady), readySince.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("stale ready tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("stale ready tasks: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- Artifacts ---

func artifactArgs(a *model.Artifact) []any {
	return []any{
		a.ID, a.TenantID, string(a.OwnerType), a.OwnerID, nullStr(a.TaskID), string(a.Type), a.URI,
		string(a.Sensitivity), a.Store, a.TTLSeconds, a.SizeBytes, nullStr(a.Checksum),
		ms(a.CreatedAt), msPtr(a.AvailableAt), msPtr(a.PurgeAfter), msPtr(a.PurgedAt),
	}
}

func (s *SQLite) PutArtifact(ctx context.Context, a *model.Artifact) error {
	res, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO artifact_objects (`+artifactColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, artifactArgs(a)...)
	if err != nil {
		return fmt.Errorf("put artifact %s: %w", a.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("artifact %s/%s %s: %w", a.OwnerType, a.OwnerID, a.Type, ErrDuplicate)
	}
	return nil
}

func (s *SQLite) ListArtifacts(ctx context.Context, owner model.OwnerType, ownerID string) ([]*model.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+artifactColumns+` FROM artifact_objects
		WHERE owner_type = ? AND owner_id = ? ORDER BY created_at_ms, id`, string(owner), ownerID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts %s/%s: %w", owner, ownerID, err)
	}
	defer func() { _ = rows.Close() }()
	var out []*model.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("list artifacts %s/%s: %w", owner, ownerID, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLite) StampArtifactRetention(ctx context.Context, owner model.OwnerType, ownerID string, deadline *time.Time, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin stamp retention: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT `+artifactColumns+` FROM artifact_objects
		WHERE owner_type = ? AND owner_id = ? AND purged_at_ms IS NULL`, string(owner), ownerID)
	if err != nil {
		return fmt.Errorf("stamp retention %s/%s: %w", owner, ownerID, err)
	}
	var arts []*model.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			_ = rows.Close()
			return fmt.Errorf("stamp retention %s/%s: %w", owner, ownerID, err)
		}
		arts = append(arts, a)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	for _, a := range arts {
		after := artifactDeadline(a, deadline, at)
		if _, err := tx.ExecContext(ctx, `UPDATE artifact_objects SET purge_after_ms = ? WHERE id = ?`,
			msPtr(after), a.ID); err != nil {
			return fmt.Errorf("stamp retention %s: %w", a.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) PurgeableArtifacts(ctx context.Context, now time.Time, limit int) ([]*model.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+artifactColumns+` FROM artifact_objects
		WHERE purge_after_ms IS NOT NULL AND purge_after_ms <= ? AND purged_at_ms IS NULL
		ORDER BY purge_after_ms LIMIT ?`, now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("purgeable artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*model.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("purgeable artifacts: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLite) MarkArtifactPurged(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE artifact_objects SET purged_at_ms = COALESCE(purged_at_ms, ?) WHERE id = ?`,
		at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("mark artifact purged %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Realtime sessions ---

func sessionArgs(sess *model.Session) []any {
	return []any{
		sess.ID, sess.TenantID, string(sess.Status), nullStr(sess.WorkerID), nullStr(sess.Language),
		nullStr(sess.Model), nullStr(sess.Encoding), sess.SampleRate, sess.AudioDurationSeconds,
		sess.SegmentCount, sess.WordCount, nullStr(sess.CloseReason), sess.RetentionDays,
		ms(sess.StartedAt), msPtr(sess.EndedAt), msPtr(sess.PurgeAfter), msPtr(sess.PurgedAt),
	}
}

func (s *SQLite) PutSession(ctx context.Context, sess *model.Session) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO realtime_sessions (`+sessionColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
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

func getSessionRow(ctx context.Context, q rowQuerier, id string) (*model.Session, error) {
	sess, err := scanSession(q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM realtime_sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}
	return sess, nil
}

func (s *SQLite) GetSession(ctx context.Context, id string) (*model.Session, error) {
	return getSessionRow(ctx, s.db, id)
}

func (s *SQLite) UpdateSession(ctx context.Context, id string, fn func(*model.Session) error) (*model.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update session: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := getSessionRow(ctx, tx, id)
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
	_, err = tx.ExecContext(ctx, `UPDATE realtime_sessions SET
		tenant_id=?, status=?, worker_id=?, language=?, model=?, encoding=?, sample_rate=?,
		audio_duration_seconds=?, segment_count=?, word_count=?, close_reason=?, retention_days=?,
		started_at_ms=?, ended_at_ms=?, purge_after_ms=?, purged_at_ms=?
		WHERE id=?`, append(args[1:], id)...)
	if err != nil {
		return nil, fmt.Errorf("update session %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update session %s: %w", id, err)
	}
	return cur, nil
}

func (s *SQLite) querySessions(ctx context.Context, query string, args ...any) ([]*model.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()
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

func (s *SQLite) ListSessions(ctx context.Context, tenantID string, activeOnly bool) ([]*model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM realtime_sessions`
	var where []string
	var args []any
	if tenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, tenantID)
	}
	if activeOnly {
		where = append(where, "status = ?")
		args = append(args, string(model.SessionActive))
	}
	for i, w := range where {
		if i == 0 {
			query += " WHERE " + w
		} else {
			query += " AND " + w
		}
	}
	query += " ORDER BY started_at_ms DESC"
	return s.querySessions(ctx, query, args...)
}

func (s *SQLite) SessionsByWorker(ctx context.Context, workerID string) ([]*model.Session, error) {
	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM realtime_sessions
		WHERE worker_id = ? AND status = ?`, workerID, string(model.SessionActive))
}

func (s *SQLite) PurgeableSessions(ctx context.Context, now time.Time, limit int) ([]*model.Session, error) {
	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM realtime_sessions
		WHERE purge_after_ms IS NOT NULL AND purge_after_ms <= ? AND purged_at_ms IS NULL
		ORDER BY purge_after_ms LIMIT ?`, now.UnixMilli(), limit)
}

func (s *SQLite) MarkSessionPurged(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE realtime_sessions SET purged_at_ms = COALESCE(purged_at_ms, ?) WHERE id = ?`,
		at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("mark session purged %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Realtime workers ---

func workerArgs(w *model.RTWorker) ([]any, error) {
	sessionIDs, err := encodeJSONOpt(w.SessionIDs, len(w.SessionIDs) > 0)
	if err != nil {
		return nil, err
	}
	languages, err := encodeJSONOpt(w.Languages, len(w.Languages) > 0)
	if err != nil {
		return nil, err
	}
	models, err := encodeJSONOpt(w.Models, len(w.Models) > 0)
	if err != nil {
		return nil, err
	}
	return []any{
		w.ID, nullStr(w.Addr), w.Capacity, w.ActiveSessions, sessionIDs, languages, models, w.Healthy,
		ms(w.RegisteredAt), ms(w.LastHeartbeat),
	}, nil
}

func (s *SQLite) UpsertWorker(ctx context.Context, w *model.RTWorker) error {
	args, err := workerArgs(w)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO rt_workers (`+workerColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?)
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

func getWorkerRow(ctx context.Context, q rowQuerier, id string) (*model.RTWorker, error) {
	w, err := scanWorker(q.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM rt_workers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("worker %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read worker %s: %w", id, err)
	}
	return w, nil
}

func (s *SQLite) GetWorker(ctx context.Context, id string) (*model.RTWorker, error) {
	return getWorkerRow(ctx, s.db, id)
}

func (s *SQLite) ListWorkers(ctx context.Context) ([]*model.RTWorker, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+workerColumns+` FROM rt_workers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer func() { _ = rows.Close() }()
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

func (s *SQLite) UpdateWorker(ctx context.Context, id string, fn func(*model.RTWorker) error) (*model.RTWorker, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update worker: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := getWorkerRow(ctx, tx, id)
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
	_, err = tx.ExecContext(ctx, `UPDATE rt_workers SET
		addr=?, capacity=?, active_sessions=?, session_ids=?, languages=?, models=?, healthy=?,
		registered_at_ms=?, last_heartbeat_ms=?
		WHERE id=?`, append(args[1:], id)...)
	if err != nil {
		return nil, fmt.Errorf("update worker %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update worker %s: %w", id, err)
	}
	return cur, nil
}

func (s *SQLite) DeleteWorker(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM rt_workers WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete worker %s: %w", id, err)
	}
	return nil
}

// --- Engine instances ---

func (s *SQLite) UpsertInstance(ctx context.Context, inst *model.EngineInstance) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO engine_instances (`+instanceColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?)
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

func (s *SQLite) ListInstances(ctx context.Context, engineID string) ([]*model.EngineInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM engine_instances`
	var args []any
	if engineID != "" {
		query += ` WHERE engine_id = ?`
		args = append(args, engineID)
	}
	query += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer func() { _ = rows.Close() }()
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

func (s *SQLite) DeleteInstance(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM engine_instances WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete instance %s: %w", id, err)
	}
	return nil
}

// --- Audit ---

func (s *SQLite) AppendAudit(ctx context.Context, e *model.AuditEntry) error {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	detail, err := encodeJSONOpt(e.Detail, len(e.Detail) > 0)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO audit_log
		(timestamp_ms, correlation_id, tenant_id, actor_type, actor_id, action, resource_type, resource_id, detail, ip_address, user_agent)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		ms(ts), nullStr(e.CorrelationID), nullStr(e.TenantID), e.ActorType, nullStr(e.ActorID), e.Action,
		nullStr(e.ResourceType), nullStr(e.ResourceID), detail, nullStr(e.IPAddress), nullStr(e.UserAgent))
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (s *SQLite) ListAudit(ctx context.Context, tenantID string, limit int) ([]*model.AuditEntry, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_log`
	var args []any
	if tenantID != "" {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY seq DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer func() { _ = rows.Close() }()
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

func (s *SQLite) PutIdempotency(ctx context.Context, key, jobID string, ttl time.Duration) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO idempotency_keys (key, job_id, expires_at_ms) VALUES (?,?,?)`,
		key, jobID, time.Now().Add(ttl).UnixMilli())
	if err != nil {
		return fmt.Errorf("put idempotency: %w", err)
	}
	return nil
}

func (s *SQLite) GetIdempotency(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, nil
	}
	var jobID string
	var expMS int64
	err := s.db.QueryRowContext(ctx, `SELECT job_id, expires_at_ms FROM idempotency_keys WHERE key = ?`, key).
		Scan(&jobID, &expMS)
	if errors.Is(err, sql.ErrNoRows) {
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

type rowLease struct {
	key   string
	owner string
	exp   time.Time
}

func (l *rowLease) Key() string          { return l.key }
func (l *rowLease) Owner() string        { return l.owner }
func (l *rowLease) ExpiresAt() time.Time { return l.exp }

func (s *SQLite) TryAcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (Lease, bool, error) {
	now := time.Now()
	deadline := now.Add(ttl)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin acquire lease: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var curOwner string
	var curExpMS int64
	err = tx.QueryRowContext(ctx, `SELECT owner, expires_at_ms FROM leases WHERE key = ?`, key).
		Scan(&curOwner, &curExpMS)
	switch {
	case err == nil:
		if curExpMS > now.UnixMilli() && curOwner != owner {
			return &rowLease{key: key, owner: curOwner, exp: fromMS(curExpMS)}, false, nil
		}
	case !errors.Is(err, sql.ErrNoRows):
		return nil, false, fmt.Errorf("read lease %s: %w", key, err)
	}

	_, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO leases (key, owner, expires_at_ms) VALUES (?,?,?)`,
		key, owner, deadline.UnixMilli())
	if err != nil {
		return nil, false, fmt.Errorf("write lease %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit lease %s: %w", key, err)
	}
	return &rowLease{key: key, owner: owner, exp: deadline}, true, nil
}

func (s *SQLite) RenewLease(ctx context.Context, key, owner string, ttl time.Duration) (Lease, bool, error) {
	if ttl <= 0 {
		return nil, false, errors.New("invalid ttl")
	}
	return s.TryAcquireLease(ctx, key, owner, ttl)
}

func (s *SQLite) ReleaseLease(ctx context.Context, key, owner string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE key = ? AND owner = ?`, key, owner); err != nil {
		return fmt.Errorf("release lease %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) DeleteAllLeases(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM leases`)
	if err != nil {
		return 0, fmt.Errorf("delete leases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
