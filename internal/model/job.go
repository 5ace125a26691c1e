// SPDX-License-Identifier: MIT

// Package model defines the domain types shared by every dalston component:
// jobs, tasks, artifacts, engines, sessions and the lifecycle events that
// connect them.
package model

import "time"

// JobStatus is the client-visible lifecycle for a transcription job.
// Terminal states are immutable except for retention-driven fields.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobRunning    JobStatus = "running"
	JobCancelling JobStatus = "cancelling"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

var jobTransitions = map[JobStatus][]JobStatus{
	JobPending:    {JobRunning, JobCancelling, JobCancelled, JobFailed},
	JobRunning:    {JobCancelling, JobCompleted, JobFailed, JobCancelled},
	JobCancelling: {JobCancelled, JobFailed},
}

// CanTransition reports whether the job status may move from s to next.
// Once cancelling, a job can only end cancelled or failed.
func (s JobStatus) CanTransition(next JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// SpeakerDetection selects how speaker attribution is derived.
type SpeakerDetection string

const (
	SpeakerNone       SpeakerDetection = "none"
	SpeakerDiarize    SpeakerDetection = "diarize"
	SpeakerPerChannel SpeakerDetection = "per_channel"
)

// Granularity selects the timestamp resolution of the final transcript.
type Granularity string

const (
	GranularityNone    Granularity = "none"
	GranularitySegment Granularity = "segment"
	GranularityWord    Granularity = "word"
)

// Retention day sentinels. Positive values mean "purge N days after the
// job/session terminates".
const (
	RetentionTransient = 0  // purge as soon as the owner is terminal
	RetentionForever   = -1 // never purge
)

// MaxPerChannelChannels bounds per_channel fan-out. Larger inputs are
// rejected synchronously at submit.
const MaxPerChannelChannels = 8

// JobParams are the immutable request parameters captured at submit.
type JobParams struct {
	SourceURI        string           `json:"source_uri"`
	Model            string           `json:"model"`
	Language         string           `json:"language"`
	SpeakerDetection SpeakerDetection `json:"speaker_detection"`
	Granularity      Granularity      `json:"timestamps_granularity"`
	PIIDetection     bool             `json:"pii_detection"`
	RedactPIIAudio   bool             `json:"redact_pii_audio"`
	PIIRedactionMode string           `json:"pii_redaction_mode,omitempty"`
	RetentionDays    int              `json:"retention_days"`
}

// MediaInfo is derived from the source audio during prepare (or probed at
// submit when the container format allows it).
type MediaInfo struct {
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	Channels        int     `json:"channels,omitempty"`
	SampleRate      int     `json:"sample_rate,omitempty"`
	Format          string  `json:"format,omitempty"`
	SizeBytes       int64   `json:"size_bytes,omitempty"`
}

// JobResult carries the final outcome fields of a completed job.
type JobResult struct {
	TranscriptURI         string `json:"transcript_uri"`
	RedactedTranscriptURI string `json:"redacted_transcript_uri,omitempty"`
	RedactedAudioURI      string `json:"redacted_audio_uri,omitempty"`
	Language              string `json:"language,omitempty"`
	SegmentCount          int    `json:"segment_count,omitempty"`
	WordCount             int    `json:"word_count,omitempty"`
	SpeakerCount          int    `json:"speaker_count,omitempty"`
	SizeBytes             int64  `json:"size_bytes,omitempty"`
}

// Job is the state-store source of truth for one transcription request.
type Job struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenant_id"`
	Status        JobStatus  `json:"status"`
	Params        JobParams  `json:"params"`
	Media         MediaInfo  `json:"media"`
	Progress      int        `json:"progress"`
	CurrentStage  string     `json:"current_stage,omitempty"`
	Result        *JobResult `json:"result,omitempty"`
	Error         *ErrorInfo `json:"error,omitempty"`
	RetentionDays int        `json:"retention_days"`
	RetryCount    int        `json:"retry_count"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	PurgeAfter    *time.Time `json:"purge_after,omitempty"`
	PurgedAt      *time.Time `json:"purged_at,omitempty"`
}

// PurgeDeadline derives the purge_after timestamp written when a job or
// session terminates: nil for keep-forever, completedAt for transient,
// completedAt plus N days otherwise.
func PurgeDeadline(retentionDays int, completedAt time.Time) *time.Time {
	switch {
	case retentionDays == RetentionForever:
		return nil
	case retentionDays == RetentionTransient:
		t := completedAt
		return &t
	default:
		t := completedAt.Add(time.Duration(retentionDays) * 24 * time.Hour)
		return &t
	}
}
