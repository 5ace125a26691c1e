// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dalstonhq/dalston/internal/bus"
	"github.com/dalstonhq/dalston/internal/catalog"
	"github.com/dalstonhq/dalston/internal/dag"
	"github.com/dalstonhq/dalston/internal/log"
	"github.com/dalstonhq/dalston/internal/model"
	"github.com/dalstonhq/dalston/internal/store"
)

// Service sentinels, mapped to HTTP statuses by the gateway.
var (
	// ErrTerminal rejects a cancel of a job that already finished.
	ErrTerminal = errors.New("job already terminal")
	// ErrNotRetryable rejects a retry of a job that is not failed or
	// cancelled, or whose data has already been purged.
	ErrNotRetryable = errors.New("job is not retryable")
)

// Actor identifies who performed a mutation, for the audit log.
type Actor struct {
	ID        string
	IPAddress string
	UserAgent string
}

// SubmitRequest is one transcription job submission. Media carries whatever
// the upload probe discovered; zero values mean unknown until prepare runs.
// JobID lets the gateway stage the upload under the job's blob key before
// the row exists; empty means a fresh ID is assigned here.
type SubmitRequest struct {
	JobID          string
	TenantID       string
	Params         model.JobParams
	Media          model.MediaInfo
	IdempotencyKey string
	CorrelationID  string
	Actor          Actor
}

// Service is the synchronous job surface behind the gateway: submission,
// cancellation, operator retry and tenant-scoped reads. Mutations validate
// against the engine catalog up front, so callers get structured errors
// instead of jobs that fail asynchronously.
type Service struct {
	store   store.Store
	bus     bus.Bus
	catalog catalog.Provider
	idemTTL time.Duration
	logger  zerolog.Logger
}

// NewService wires the job service.
func NewService(st store.Store, b bus.Bus, cat catalog.Provider) *Service {
	return &Service{
		store:   st,
		bus:     b,
		catalog: cat,
		idemTTL: 24 * time.Hour,
		logger:  log.WithComponent("jobs"),
	}
}

// Submit validates, persists and announces one job. A replayed idempotency
// key returns the previously created job and re-announces it, which also
// heals a lost announcement from the first attempt.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*model.Job, error) {
	normalizeParams(&req.Params)
	if err := validateParams(req.Params); err != nil {
		return nil, err
	}

	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}
	now := time.Now().UTC()
	job := &model.Job{
		ID:            req.JobID,
		TenantID:      req.TenantID,
		Status:        model.JobPending,
		Params:        req.Params,
		Media:         req.Media,
		RetentionDays: req.Params.RetentionDays,
		CorrelationID: req.CorrelationID,
		CreatedAt:     now,
	}

	// Dry-run the graph so unservable requests fail synchronously with
	// the full catalog context. Engine availability is checked later by
	// the scheduler; here only coverage matters.
	if _, err := dag.Build(job, s.catalog.Current(), nil); err != nil {
		return nil, err
	}

	created := job
	if req.IdempotencyKey != "" {
		existing, replay, err := s.store.CreateJobIdempotent(ctx, job, req.IdempotencyKey, s.idemTTL)
		if err != nil {
			return nil, err
		}
		if replay {
			created = existing
		}
	} else if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	if created.Params.SourceURI != "" {
		src := &model.Artifact{
			ID: artifactID(created.ID, 0, model.OutputRef{
				Type: model.ArtifactAudioSource, URI: created.Params.SourceURI,
			}),
			TenantID:    created.TenantID,
			OwnerType:   model.OwnerJob,
			OwnerID:     created.ID,
			Type:        model.ArtifactAudioSource,
			URI:         created.Params.SourceURI,
			Sensitivity: model.SensitivityRawPII,
			Store:       true,
			SizeBytes:   created.Media.SizeBytes,
			CreatedAt:   now,
			AvailableAt: &now,
		}
		if err := s.store.PutArtifact(ctx, src); err != nil && !errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("record source artifact: %w", err)
		}
	}

	ev, err := model.NewEvent(model.EventJobCreated, created.ID, created.CorrelationID, nil)
	if err != nil {
		return nil, err
	}
	if err := s.bus.Append(ctx, ev); err != nil {
		// The job row exists; a client retry replays the idempotency key
		// and re-announces, and the sweeper revives orphans regardless.
		return nil, fmt.Errorf("announce job: %w", err)
	}

	s.audit(ctx, created, req.Actor, "job.submit", map[string]string{
		"model":    created.Params.Model,
		"language": created.Params.Language,
	})
	s.logger.Info().Str("job_id", created.ID).Str("tenant_id", created.TenantID).
		Str("model", created.Params.Model).Str("language", created.Params.Language).
		Str("speaker_detection", string(created.Params.SpeakerDetection)).
		Msg("job submitted")
	return created, nil
}

// Cancel requests asynchronous cancellation: the request is announced and
// the scheduler moves the job through cancelling in event order. Cancelling
// a job that already finished returns ErrTerminal.
func (s *Service) Cancel(ctx context.Context, tenantID, jobID, reason string, actor Actor) (*model.Job, error) {
	job, err := s.getTenantJob(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, fmt.Errorf("cancel %s: %w", jobID, ErrTerminal)
	}
	ev, err := model.NewEvent(model.EventJobCancelRequested, job.ID, job.CorrelationID,
		model.JobCancelRequestedPayload{Reason: reason})
	if err != nil {
		return nil, err
	}
	if err := s.bus.Append(ctx, ev); err != nil {
		return nil, fmt.Errorf("announce cancel: %w", err)
	}
	detail := map[string]string{}
	if reason != "" {
		detail["reason"] = reason
	}
	s.audit(ctx, job, actor, "job.cancel", detail)
	s.logger.Info().Str("job_id", job.ID).Str("tenant_id", job.TenantID).Msg("cancel requested")
	return job, nil
}

// Retry re-arms a failed or cancelled job: unfinished tasks reset to
// attempt 1, pending purge stamps are cleared and the job is re-announced.
// Tasks that completed keep their outputs, so the rerun resumes from the
// first missing stage.
func (s *Service) Retry(ctx context.Context, tenantID, jobID string, actor Actor) (*model.Job, error) {
	job, err := s.getTenantJob(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}
	reset, err := s.store.ResetJobForRetry(ctx, job.ID, time.Now().UTC())
	if errors.Is(err, store.ErrConflict) {
		return nil, fmt.Errorf("retry %s: %w", jobID, ErrNotRetryable)
	}
	if err != nil {
		return nil, err
	}
	ev, err := model.NewEvent(model.EventJobCreated, reset.ID, reset.CorrelationID, nil)
	if err != nil {
		return nil, err
	}
	if err := s.bus.Append(ctx, ev); err != nil {
		return nil, fmt.Errorf("announce retry: %w", err)
	}
	s.audit(ctx, reset, actor, "job.retry", map[string]string{
		"retry_count": strconv.Itoa(reset.RetryCount),
	})
	s.logger.Info().Str("job_id", reset.ID).Str("tenant_id", reset.TenantID).
		Int("retry_count", reset.RetryCount).Msg("job retry requested")
	return reset, nil
}

// Get returns one job scoped to the tenant.
func (s *Service) Get(ctx context.Context, tenantID, jobID string) (*model.Job, error) {
	return s.getTenantJob(ctx, tenantID, jobID)
}

// List returns the tenant's jobs, newest first.
func (s *Service) List(ctx context.Context, tenantID string, statuses []model.JobStatus, limit, offset int) ([]*model.Job, error) {
	return s.store.ListJobs(ctx, store.JobFilter{
		TenantID: tenantID,
		Statuses: statuses,
		Limit:    limit,
		Offset:   offset,
	})
}

// Tasks returns the job's task rows for the detail view.
func (s *Service) Tasks(ctx context.Context, tenantID, jobID string) ([]*model.Task, error) {
	if _, err := s.getTenantJob(ctx, tenantID, jobID); err != nil {
		return nil, err
	}
	return s.store.ListTasks(ctx, jobID)
}

// Artifacts returns the job's artifact rows, including purged tombstones.
func (s *Service) Artifacts(ctx context.Context, tenantID, jobID string) ([]*model.Artifact, error) {
	if _, err := s.getTenantJob(ctx, tenantID, jobID); err != nil {
		return nil, err
	}
	return s.store.ListArtifacts(ctx, model.OwnerJob, jobID)
}

// getTenantJob hides other tenants' jobs behind not-found.
func (s *Service) getTenantJob(ctx context.Context, tenantID, jobID string) (*model.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if tenantID != "" && job.TenantID != tenantID {
		return nil, fmt.Errorf("job %s: %w", jobID, store.ErrNotFound)
	}
	return job, nil
}

// audit appends best-effort: the job row is the durable truth and audit
// failures must not fail user requests.
func (s *Service) audit(ctx context.Context, job *model.Job, actor Actor, action string, detail map[string]string) {
	e := &model.AuditEntry{
		Timestamp:     time.Now().UTC(),
		CorrelationID: job.CorrelationID,
		TenantID:      job.TenantID,
		ActorType:     model.ActorUser,
		ActorID:       actor.ID,
		Action:        action,
		ResourceType:  model.ResourceJob,
		ResourceID:    job.ID,
		Detail:        detail,
		IPAddress:     actor.IPAddress,
		UserAgent:     actor.UserAgent,
	}
	if err := s.store.AppendAudit(ctx, e); err != nil {
		s.logger.Warn().Err(err).Str("action", action).Str("job_id", job.ID).Msg("audit append failed")
	}
}

// normalizeParams applies the documented submit defaults in place.
func normalizeParams(p *model.JobParams) {
	if p.Language == "" {
		p.Language = "auto"
	}
	if p.SpeakerDetection == "" {
		p.SpeakerDetection = model.SpeakerNone
	}
	if p.Granularity == "" {
		p.Granularity = model.GranularitySegment
	}
}

// validateParams rejects malformed submissions before anything persists.
func validateParams(p model.JobParams) error {
	if p.SourceURI == "" {
		return &dag.ValidationError{Reason: "source audio is required"}
	}
	switch p.SpeakerDetection {
	case model.SpeakerNone, model.SpeakerDiarize, model.SpeakerPerChannel:
	default:
		return &dag.ValidationError{Reason: fmt.Sprintf("unknown speaker_detection %q", p.SpeakerDetection)}
	}
	switch p.Granularity {
	case model.GranularityNone, model.GranularitySegment, model.GranularityWord:
	default:
		return &dag.ValidationError{Reason: fmt.Sprintf("unknown timestamps_granularity %q", p.Granularity)}
	}
	if p.RetentionDays < model.RetentionForever {
		return &dag.ValidationError{Reason: "retention_policy must be -1 (forever), 0 (transient) or a positive day count"}
	}
	if !p.PIIDetection && (p.RedactPIIAudio || p.PIIRedactionMode != "") {
		return &dag.ValidationError{Reason: "pii redaction options require pii_detection"}
	}
	return nil
}
