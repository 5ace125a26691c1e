// SPDX-License-Identifier: MIT

package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dalstonhq/dalston/internal/model"
)

// rowScanner is satisfied by *sql.Row, *sql.Rows and pgx rows, so one scan
// function serves every SQL backend. Column order is fixed per entity.
type rowScanner interface {
	Scan(dest ...any) error
}

// --- time <-> epoch-ms ---

func ms(t time.Time) int64 { return t.UnixMilli() }

func msPtr(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func fromMSPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

// --- nullable strings ---

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func strOf(ns sql.NullString) string {
	if !ns.Valid {
		return ""
	}
	return ns.String
}

// --- JSON columns ---

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json column: %w", err)
	}
	return string(b), nil
}

// encodeJSONOpt renders NULL for nil pointers and empty slices/maps.
func encodeJSONOpt(v any, present bool) (sql.NullString, error) {
	if !present {
		return sql.NullString{}, nil
	}
	s, err := encodeJSON(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: s, Valid: true}, nil
}

func decodeJSON(data string, dst any) error {
	if err := json.Unmarshal([]byte(data), dst); err != nil {
		return fmt.Errorf("decode json column: %w", err)
	}
	return nil
}

func decodeJSONOpt(ns sql.NullString, dst any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return decodeJSON(ns.String, dst)
}

// --- row scanners (column order is the contract between backends) ---

const jobColumns = `id, tenant_id, status, params, media, progress, current_stage, result, error,
retention_days, retry_count, correlation_id, created_at_ms, started_at_ms, completed_at_ms, purge_after_ms, purged_at_ms`

func scanJob(sc rowScanner) (*model.Job, error) {
	var (
		j                        model.Job
		status, params, media    string
		currentStage, corrID     sql.NullString
		result, errInfo          sql.NullString
		createdMS                int64
		startedMS, completedMS   sql.NullInt64
		purgeAfterMS, purgedAtMS sql.NullInt64
	)
	err := sc.Scan(&j.ID, &j.TenantID, &status, &params, &media, &j.Progress, &currentStage, &result, &errInfo,
		&j.RetentionDays, &j.RetryCount, &corrID, &createdMS, &startedMS, &completedMS, &purgeAfterMS, &purgedAtMS)
	if err != nil {
		return nil, err
	}
	j.Status = model.JobStatus(status)
	if err := decodeJSON(params, &j.Params); err != nil {
		return nil, err
	}
	if err := decodeJSON(media, &j.Media); err != nil {
		return nil, err
	}
	j.CurrentStage = strOf(currentStage)
	j.CorrelationID = strOf(corrID)
	if err := decodeJSONOpt(result, &j.Result); err != nil {
		return nil, err
	}
	if err := decodeJSONOpt(errInfo, &j.Error); err != nil {
		return nil, err
	}
	j.CreatedAt = fromMS(createdMS)
	j.StartedAt = fromMSPtr(startedMS)
	j.CompletedAt = fromMSPtr(completedMS)
	j.PurgeAfter = fromMSPtr(purgeAfterMS)
	j.PurgedAt = fromMSPtr(purgedAtMS)
	return &j, nil
}

const taskColumns = `id, job_id, stage, engine_id, status, attempt, lease_holder, lease_deadline_ms,
depends_on, inputs, outputs, error, timeout_seconds, created_at_ms, updated_at_ms, started_at_ms, completed_at_ms`

func scanTask(sc rowScanner) (*model.Task, error) {
	var (
		t                          model.Task
		stage, status              string
		leaseHolder                sql.NullString
		leaseDeadlineMS            sql.NullInt64
		dependsOn, inputs, outputs sql.NullString
		errInfo                    sql.NullString
		createdMS, updatedMS       int64
		startedMS, completedMS     sql.NullInt64
	)
	err := sc.Scan(&t.ID, &t.JobID, &stage, &t.EngineID, &status, &t.Attempt, &leaseHolder, &leaseDeadlineMS,
		&dependsOn, &inputs, &outputs, &errInfo, &t.TimeoutSeconds, &createdMS, &updatedMS, &startedMS, &completedMS)
	if err != nil {
		return nil, err
	}
	t.Stage = model.Stage(stage)
	t.Status = model.TaskStatus(status)
	t.LeaseHolder = strOf(leaseHolder)
	t.LeaseDeadline = fromMSPtr(leaseDeadlineMS)
	if err := decodeJSONOpt(dependsOn, &t.DependsOn); err != nil {
		return nil, err
	}
	if err := decodeJSONOpt(inputs, &t.Inputs); err != nil {
		return nil, err
	}
	if err := decodeJSONOpt(outputs, &t.Outputs); err != nil {
		return nil, err
	}
	if err := decodeJSONOpt(errInfo, &t.Error); err != nil {
		return nil, err
	}
	t.CreatedAt = fromMS(createdMS)
	t.UpdatedAt = fromMS(updatedMS)
	t.StartedAt = fromMSPtr(startedMS)
	t.CompletedAt = fromMSPtr(completedMS)
	return &t, nil
}

const artifactColumns = `id, tenant_id, owner_type, owner_id, task_id, artifact_type, uri, sensitivity, store,
ttl_seconds, size_bytes, checksum, created_at_ms, available_at_ms, purge_after_ms, purged_at_ms`

func scanArtifact(sc rowScanner) (*model.Artifact, error) {
	var (
		a                        model.Artifact
		ownerType, artifactType  string
		sensitivity              string
		taskID, checksum         sql.NullString
		createdMS                int64
		availableMS              sql.NullInt64
		purgeAfterMS, purgedAtMS sql.NullInt64
	)
	err := sc.Scan(&a.ID, &a.TenantID, &ownerType, &a.OwnerID, &taskID, &artifactType, &a.URI, &sensitivity, &a.Store,
		&a.TTLSeconds, &a.SizeBytes, &checksum, &createdMS, &availableMS, &purgeAfterMS, &purgedAtMS)
	if err != nil {
		return nil, err
	}
	a.OwnerType = model.OwnerType(ownerType)
	a.TaskID = strOf(taskID)
	a.Type = model.ArtifactType(artifactType)
	a.Sensitivity = model.Sensitivity(sensitivity)
	a.Checksum = strOf(checksum)
	a.CreatedAt = fromMS(createdMS)
	a.AvailableAt = fromMSPtr(availableMS)
	a.PurgeAfter = fromMSPtr(purgeAfterMS)
	a.PurgedAt = fromMSPtr(purgedAtMS)
	return &a, nil
}

const sessionColumns = `id, tenant_id, status, worker_id, language, model, encoding, sample_rate,
audio_duration_seconds, segment_count, word_count, close_reason, retention_days,
started_at_ms, ended_at_ms, purge_after_ms, purged_at_ms`

func scanSession(sc rowScanner) (*model.Session, error) {
	var (
		s                            model.Session
		status                       string
		workerID, language           sql.NullString
		modelName, encoding          sql.NullString
		closeReason                  sql.NullString
		startedMS                    int64
		endedMS                      sql.NullInt64
		purgeAfterMS, purgedAtMS     sql.NullInt64
	)
	err := sc.Scan(&s.ID, &s.TenantID, &status, &workerID, &language, &modelName, &encoding, &s.SampleRate,
		&s.AudioDurationSeconds, &s.SegmentCount, &s.WordCount, &closeReason, &s.RetentionDays,
		&startedMS, &endedMS, &purgeAfterMS, &purgedAtMS)
	if err != nil {
		return nil, err
	}
	s.Status = model.SessionStatus(status)
	s.WorkerID = strOf(workerID)
	s.Language = strOf(language)
	s.Model = strOf(modelName)
	s.Encoding = strOf(encoding)
	s.CloseReason = strOf(closeReason)
	s.StartedAt = fromMS(startedMS)
	s.EndedAt = fromMSPtr(endedMS)
	s.PurgeAfter = fromMSPtr(purgeAfterMS)
	s.PurgedAt = fromMSPtr(purgedAtMS)
	return &s, nil
}

const instanceColumns = `id, engine_id, host, loaded_model, status, active_tasks, max_concurrency,
registered_at_ms, last_heartbeat_ms`

func scanInstance(sc rowScanner) (*model.EngineInstance, error) {
	var (
		inst                      model.EngineInstance
		host, loadedModel         sql.NullString
		status                    string
		registeredMS, heartbeatMS int64
	)
	err := sc.Scan(&inst.ID, &inst.EngineID, &host, &loadedModel, &status, &inst.ActiveTasks, &inst.MaxConcurrency,
		&registeredMS, &heartbeatMS)
	if err != nil {
		return nil, err
	}
	inst.Host = strOf(host)
	inst.LoadedModel = strOf(loadedModel)
	inst.Status = model.InstanceStatus(status)
	inst.RegisteredAt = fromMS(registeredMS)
	inst.LastHeartbeat = fromMS(heartbeatMS)
	return &inst, nil
}

const workerColumns = `id, addr, capacity, active_sessions, session_ids, languages, models, healthy,
registered_at_ms, last_heartbeat_ms`

func scanWorker(sc rowScanner) (*model.RTWorker, error) {
	var (
		w                              model.RTWorker
		addr                           sql.NullString
		sessionIDs, languages, models  sql.NullString
		registeredMS, heartbeatMS      int64
	)
	err := sc.Scan(&w.ID, &addr, &w.Capacity, &w.ActiveSessions, &sessionIDs, &languages, &models, &w.Healthy,
		&registeredMS, &heartbeatMS)
	if err != nil {
		return nil, err
	}
	w.Addr = strOf(addr)
	if err := decodeJSONOpt(sessionIDs, &w.SessionIDs); err != nil {
		return nil, err
	}
	if err := decodeJSONOpt(languages, &w.Languages); err != nil {
		return nil, err
	}
	if err := decodeJSONOpt(models, &w.Models); err != nil {
		return nil, err
	}
	w.RegisteredAt = fromMS(registeredMS)
	w.LastHeartbeat = fromMS(heartbeatMS)
	return &w, nil
}

const auditColumns = `seq, timestamp_ms, correlation_id, tenant_id, actor_type, actor_id, action,
resource_type, resource_id, detail, ip_address, user_agent`

func scanAudit(sc rowScanner) (*model.AuditEntry, error) {
	var (
		e                          model.AuditEntry
		tsMS                       int64
		corrID, tenantID, actorID  sql.NullString
		resourceType, resourceID   sql.NullString
		detail, ipAddr, userAgent  sql.NullString
	)
	err := sc.Scan(&e.Seq, &tsMS, &corrID, &tenantID, &e.ActorType, &actorID, &e.Action,
		&resourceType, &resourceID, &detail, &ipAddr, &userAgent)
	if err != nil {
		return nil, err
	}
	e.Timestamp = fromMS(tsMS)
	e.CorrelationID = strOf(corrID)
	e.TenantID = strOf(tenantID)
	e.ActorID = strOf(actorID)
	e.ResourceType = strOf(resourceType)
	e.ResourceID = strOf(resourceID)
	if err := decodeJSONOpt(detail, &e.Detail); err != nil {
		return nil, err
	}
	e.IPAddress = strOf(ipAddr)
	e.UserAgent = strOf(userAgent)
	return &e, nil
}

// --- deep copies for the memory backend ---

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneJob(j *model.Job) *model.Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Result = clonePtr(j.Result)
	c.Error = clonePtr(j.Error)
	c.StartedAt = clonePtr(j.StartedAt)
	c.CompletedAt = clonePtr(j.CompletedAt)
	c.PurgeAfter = clonePtr(j.PurgeAfter)
	c.PurgedAt = clonePtr(j.PurgedAt)
	return &c
}

func cloneTask(t *model.Task) *model.Task {
	if t == nil {
		return nil
	}
	c := *t
	c.LeaseDeadline = clonePtr(t.LeaseDeadline)
	c.Error = clonePtr(t.Error)
	c.StartedAt = clonePtr(t.StartedAt)
	c.CompletedAt = clonePtr(t.CompletedAt)
	c.DependsOn = append([]model.Stage(nil), t.DependsOn...)
	c.Inputs = append([]model.InputRef(nil), t.Inputs...)
	c.Outputs = append([]model.OutputRef(nil), t.Outputs...)
	return &c
}

func cloneArtifact(a *model.Artifact) *model.Artifact {
	if a == nil {
		return nil
	}
	c := *a
	c.AvailableAt = clonePtr(a.AvailableAt)
	c.PurgeAfter = clonePtr(a.PurgeAfter)
	c.PurgedAt = clonePtr(a.PurgedAt)
	return &c
}

func cloneSession(s *model.Session) *model.Session {
	if s == nil {
		return nil
	}
	c := *s
	c.EndedAt = clonePtr(s.EndedAt)
	c.PurgeAfter = clonePtr(s.PurgeAfter)
	c.PurgedAt = clonePtr(s.PurgedAt)
	return &c
}

func cloneWorker(w *model.RTWorker) *model.RTWorker {
	if w == nil {
		return nil
	}
	c := *w
	c.SessionIDs = append([]string(nil), w.SessionIDs...)
	c.Languages = append([]string(nil), w.Languages...)
	c.Models = append([]string(nil), w.Models...)
	return &c
}

func cloneInstance(i *model.EngineInstance) *model.EngineInstance {
	if i == nil {
		return nil
	}
	c := *i
	return &c
}

func cloneAudit(e *model.AuditEntry) *model.AuditEntry {
	if e == nil {
		return nil
	}
	c := *e
	if e.Detail != nil {
		c.Detail = make(map[string]string, len(e.Detail))
		for k, v := range e.Detail {
			c.Detail[k] = v
		}
	}
	return &c
}
