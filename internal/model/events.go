// SPDX-License-Identifier: MIT

package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a lifecycle event on the bus.
type EventType string

const (
	EventJobCreated          EventType = "job.created"
	EventJobCancelRequested  EventType = "job.cancel_requested"
	EventJobCompleted        EventType = "job.completed"
	EventJobFailed           EventType = "job.failed"
	EventJobCancelled        EventType = "job.cancelled"
	EventTaskReady           EventType = "task.ready"
	EventTaskStarted         EventType = "task.started"
	EventTaskCompleted       EventType = "task.completed"
	EventTaskFailed          EventType = "task.failed"
	EventTaskCancelled       EventType = "task.cancelled"
	EventTaskHeartbeatExpire EventType = "task.heartbeat_expired"
)

// Event is the bus envelope. Payload schemas are stable; additive changes
// only.
type Event struct {
	EventID       string          `json:"event_id"`
	Type          EventType       `json:"event_type"`
	JobID         string          `json:"job_id"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// NewEvent wraps a payload into an envelope for the given job.
func NewEvent(t EventType, jobID, correlationID string, payload any) (Event, error) {
	ev := Event{
		EventID:       uuid.NewString(),
		Type:          t,
		JobID:         jobID,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		ev.Payload = raw
	}
	return ev, nil
}

// DecodePayload unmarshals the envelope payload into dst.
func (e Event) DecodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// TaskResultStats is the free-form result manifest an engine attaches to a
// completion. Only fields the scheduler inspects are typed.
type TaskResultStats struct {
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	Channels        int     `json:"channels,omitempty"`
	SampleRate      int     `json:"sample_rate,omitempty"`
	Format          string  `json:"format,omitempty"`
	Language        string  `json:"language,omitempty"`
	SegmentCount    int     `json:"segment_count,omitempty"`
	WordCount       int     `json:"word_count,omitempty"`
	SpeakerCount    int     `json:"speaker_count,omitempty"`
	EntityCount     int     `json:"entity_count,omitempty"`
	SizeBytes       int64   `json:"size_bytes,omitempty"`
}

// TaskCompletedPayload carries output URIs and the result manifest.
type TaskCompletedPayload struct {
	TaskID     string          `json:"task_id"`
	Stage      Stage           `json:"stage"`
	Attempt    int             `json:"attempt"`
	InstanceID string          `json:"instance_id"`
	Outputs    []OutputRef     `json:"outputs"`
	Stats      TaskResultStats `json:"stats"`
}

// TaskFailedPayload carries the typed error of a failed attempt.
type TaskFailedPayload struct {
	TaskID         string      `json:"task_id"`
	Stage          Stage       `json:"stage"`
	Attempt        int         `json:"attempt"`
	InstanceID     string      `json:"instance_id"`
	ErrorKind      ErrorKind   `json:"error_kind"`
	ErrorMessage   string      `json:"error_message"`
	Retryable      bool        `json:"retryable"`
	PartialOutputs []OutputRef `json:"partial_outputs,omitempty"`
}

// TaskCancelledPayload is published by an engine that observed the cancel
// token mid-run.
type TaskCancelledPayload struct {
	TaskID     string `json:"task_id"`
	Stage      Stage  `json:"stage"`
	Attempt    int    `json:"attempt"`
	InstanceID string `json:"instance_id"`
}

// TaskLifecyclePayload covers the informational ready/started events and
// heartbeat expiry.
type TaskLifecyclePayload struct {
	TaskID     string `json:"task_id"`
	Stage      Stage  `json:"stage"`
	Attempt    int    `json:"attempt"`
	InstanceID string `json:"instance_id,omitempty"`
}

// JobCancelRequestedPayload carries the operator-supplied reason.
type JobCancelRequestedPayload struct {
	Reason string `json:"reason,omitempty"`
}

// JobTerminalPayload is attached to job.completed/failed/cancelled.
type JobTerminalPayload struct {
	Status JobStatus  `json:"status"`
	Result *JobResult `json:"result,omitempty"`
	Error  *ErrorInfo `json:"error,omitempty"`
}

// TaskMessage is the engine queue message: everything an engine needs to
// run one task attempt without touching the job row.
type TaskMessage struct {
	TaskID        string            `json:"task_id"`
	JobID         string            `json:"job_id"`
	TenantID      string            `json:"tenant_id"`
	Stage         Stage             `json:"stage"`
	EngineID      string            `json:"engine_id"`
	Attempt       int               `json:"attempt"`
	LeaseSeconds  int               `json:"lease_seconds"`
	Inputs        []InputRef        `json:"inputs"`
	Parameters    map[string]string `json:"parameters,omitempty"`
	CancelChannel string            `json:"cancel_channel"`
	DeadlineAt    time.Time         `json:"deadline_at"`
}
