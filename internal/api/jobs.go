// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dalstonhq/dalston/internal/blob"
	"github.com/dalstonhq/dalston/internal/dag"
	"github.com/dalstonhq/dalston/internal/engine"
	"github.com/dalstonhq/dalston/internal/log"
	"github.com/dalstonhq/dalston/internal/model"
	"github.com/dalstonhq/dalston/internal/scheduler"
)

const (
	// multipartMemory is the in-memory threshold before an upload part
	// spools to a temp file.
	multipartMemory = 32 << 20

	// probeHeadBytes is how much of the upload the format probe sees.
	probeHeadBytes = 64 << 10

	// defaultRetentionDays applies when a submit omits retention_policy.
	defaultRetentionDays = 30
)

// submitResponse is the acknowledgement body for a new job.
type submitResponse struct {
	ID        string          `json:"id"`
	Status    model.JobStatus `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		w.Header().Set("Retry-After", "10")
		writeError(w, http.StatusServiceUnavailable, "draining", "gateway is draining, retry against another replica")
		return
	}
	if r.ContentLength > s.cfg.MaxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "upload_too_large",
			fmt.Sprintf("upload exceeds the %d byte limit", s.cfg.MaxUploadBytes))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload_too_large",
				fmt.Sprintf("upload exceeds the %d byte limit", maxErr.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, "bad_multipart", "body is not valid multipart/form-data")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing_file", `multipart field "file" is required`)
		return
	}
	defer file.Close() //nolint:errcheck

	params, err := parseJobParams(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	head := make([]byte, probeHeadBytes)
	n, err := io.ReadFull(file, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		s.writeServiceError(w, r, fmt.Errorf("read upload: %w", err))
		return
	}
	if n == 0 {
		s.writeServiceError(w, r, &dag.ValidationError{Reason: "uploaded file is empty"})
		return
	}
	head = head[:n]
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		s.writeServiceError(w, r, fmt.Errorf("rewind upload: %w", err))
		return
	}

	// The upload is staged under the job's key before the row exists so a
	// failed submit never leaves a row pointing at missing bytes.
	jobID := uuid.NewString()
	put, err := s.blobs.Put(r.Context(), blob.UploadKey(jobID, uploadName(header.Filename)), file)
	if err != nil {
		s.writeServiceError(w, r, fmt.Errorf("stage upload: %w", err))
		return
	}
	params.SourceURI = put.URI
	uploadBytes.Observe(float64(put.SizeBytes))

	job, err := s.jobs.Submit(r.Context(), scheduler.SubmitRequest{
		JobID:          jobID,
		TenantID:       tenantFromContext(r.Context()),
		Params:         params,
		Media:          engine.ProbeMediaHead(head, put.SizeBytes),
		IdempotencyKey: r.Header.Get(headerIdempotency),
		CorrelationID:  r.Header.Get(headerCorrelationID),
		Actor:          s.actor(r),
	})
	if err != nil {
		s.discardStaged(r, put.URI)
		s.writeServiceError(w, r, err)
		return
	}
	if job.ID != jobID {
		// Idempotent replay of an earlier submit; the fresh copy of the
		// upload is redundant.
		s.discardStaged(r, put.URI)
	}

	writeJSON(w, http.StatusCreated, submitResponse{
		ID:        job.ID,
		Status:    job.Status,
		CreatedAt: job.CreatedAt,
	})
}

// discardStaged drops an upload that ended up without a job row behind it.
func (s *Server) discardStaged(r *http.Request, uri string) {
	if err := s.blobs.Delete(r.Context(), uri); err != nil && !errors.Is(err, blob.ErrNotFound) {
		l := log.WithComponentFromContext(r.Context(), "api")
		l.Warn().Err(err).
			Str("uri", uri).Msg("staged upload not cleaned up")
	}
}

// uploadName reduces a client-supplied filename to a safe key segment.
func uploadName(filename string) string {
	name := path.Base(strings.ReplaceAll(filename, `\`, "/"))
	if name == "" || name == "." || name == ".." || name == "/" {
		return "audio"
	}
	return name
}

// parseJobParams maps the submit form onto job parameters. Full validation
// happens in the job service; only shape errors are raised here.
func parseJobParams(r *http.Request) (model.JobParams, error) {
	p := model.JobParams{
		Model:            r.FormValue("model"),
		Language:         r.FormValue("language"),
		SpeakerDetection: model.SpeakerDetection(r.FormValue("speaker_detection")),
		Granularity:      model.Granularity(r.FormValue("timestamps_granularity")),
	}
	var err error
	if p.PIIDetection, err = parseFormBool(r, "pii_detection"); err != nil {
		return p, err
	}
	if p.RedactPIIAudio, err = parseFormBool(r, "redact_pii_audio"); err != nil {
		return p, err
	}
	p.PIIRedactionMode = r.FormValue("pii_redaction_mode")
	if p.RetentionDays, err = parseRetention(r.FormValue("retention_policy")); err != nil {
		return p, err
	}
	return p, nil
}

func parseFormBool(r *http.Request, field string) (bool, error) {
	v := r.FormValue(field)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, &dag.ValidationError{Reason: fmt.Sprintf("%s must be a boolean, got %q", field, v)}
	}
	return b, nil
}

// parseRetention maps the retention_policy form value onto the retention
// integer: "transient" purges at completion, "forever" never purges, a
// positive number keeps results that many days.
func parseRetention(v string) (int, error) {
	switch v {
	case "":
		return defaultRetentionDays, nil
	case "transient":
		return model.RetentionTransient, nil
	case "forever":
		return model.RetentionForever, nil
	default:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, &dag.ValidationError{Reason: fmt.Sprintf("unknown retention_policy %q", v)}
		}
		return n, nil
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), tenantFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	statuses, err := parseStatusFilter(r.URL.Query().Get("status"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	limit := parseIntDefault(r.URL.Query().Get("limit"), 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}
	offset := parseIntDefault(r.URL.Query().Get("offset"), 0)
	if offset < 0 {
		offset = 0
	}

	jobs, err := s.jobs.List(r.Context(), tenantFromContext(r.Context()), statuses, limit, offset)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*model.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   jobs,
		"limit":  limit,
		"offset": offset,
	})
}

func parseStatusFilter(csv string) ([]model.JobStatus, error) {
	if csv == "" {
		return nil, nil
	}
	var statuses []model.JobStatus
	for _, part := range strings.Split(csv, ",") {
		st := model.JobStatus(strings.TrimSpace(part))
		switch st {
		case model.JobPending, model.JobRunning, model.JobCancelling,
			model.JobCompleted, model.JobFailed, model.JobCancelled:
			statuses = append(statuses, st)
		default:
			return nil, &dag.ValidationError{Reason: fmt.Sprintf("unknown status %q", st)}
		}
	}
	return statuses, nil
}

func parseIntDefault(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "bad_json", "cancel body must be JSON")
			return
		}
	}
	job, err := s.jobs.Cancel(r.Context(), tenantFromContext(r.Context()), chi.URLParam(r, "id"), body.Reason, s.actor(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	// Cancellation is asynchronous: the job reports cancelling until the
	// event loop settles it.
	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":     job.ID,
		"status": model.JobCancelling,
	})
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Retry(r.Context(), tenantFromContext(r.Context()), chi.URLParam(r, "id"), s.actor(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":          job.ID,
		"status":      job.Status,
		"retry_count": job.RetryCount,
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.jobs.Tasks(r.Context(), tenantFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*model.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	artifacts, err := s.jobs.Artifacts(r.Context(), tenantFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if artifacts == nil {
		artifacts = []*model.Artifact{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": artifacts})
}
