// SPDX-License-Identifier: MIT

package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Stage labels one step of the pipeline.
type Stage string

const (
	StagePrepare     Stage = "prepare"
	StageTranscribe  Stage = "transcribe"
	StageAlign       Stage = "align"
	StageDiarize     Stage = "diarize"
	StagePIIDetect   Stage = "pii_detect"
	StageAudioRedact Stage = "audio_redact"
	StageMerge       Stage = "merge"
)

// TranscribeChannelStage returns the stage label of the per-channel
// transcribe task for channel i, e.g. "transcribe_ch0".
func TranscribeChannelStage(i int) Stage {
	return Stage(fmt.Sprintf("transcribe_ch%d", i))
}

// Family maps a concrete stage label back to the catalog stage that serves
// it: per-channel transcribe stages are served by transcribe engines.
func (s Stage) Family() Stage {
	if strings.HasPrefix(string(s), "transcribe_ch") {
		return StageTranscribe
	}
	return s
}

// ChannelIndex extracts the channel number from a per-channel transcribe
// stage label. ok is false for every other stage.
func (s Stage) ChannelIndex() (int, bool) {
	suffix, found := strings.CutPrefix(string(s), "transcribe_ch")
	if !found {
		return 0, false
	}
	i, err := strconv.Atoi(suffix)
	if err != nil || i < 0 {
		return 0, false
	}
	return i, true
}

// TaskStatus is the lifecycle of one unit of engine work.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskReady     TaskStatus = "ready"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the task status permits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskSkipped, TaskCancelled:
		return true
	}
	return false
}

// Success reports whether the status satisfies downstream dependencies.
func (s TaskStatus) Success() bool {
	return s == TaskCompleted || s == TaskSkipped
}

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending: {TaskReady, TaskCancelled, TaskSkipped, TaskFailed},
	TaskReady:   {TaskRunning, TaskCancelled, TaskSkipped, TaskFailed},
	// running -> ready covers lease expiry and retryable failures.
	TaskRunning: {TaskCompleted, TaskFailed, TaskCancelled, TaskReady},
}

// CanTransition reports whether the task status may move from s to next.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	for _, allowed := range taskTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// InputRef points a task at one input artifact.
type InputRef struct {
	Type     ArtifactType `json:"type"`
	URI      string       `json:"uri"`
	Checksum string       `json:"checksum,omitempty"`
}

// OutputRef describes one artifact produced by a task attempt.
type OutputRef struct {
	Type        ArtifactType `json:"type"`
	URI         string       `json:"uri"`
	Sensitivity Sensitivity  `json:"sensitivity"`
	Store       bool         `json:"store"`
	TTLSeconds  int          `json:"ttl_seconds,omitempty"`
	SizeBytes   int64        `json:"size_bytes,omitempty"`
}

// Task is one unit of work dispatched to one engine. Uniqueness of
// (JobID, Stage) is enforced by the state store.
type Task struct {
	ID             string      `json:"id"`
	JobID          string      `json:"job_id"`
	Stage          Stage       `json:"stage"`
	EngineID       string      `json:"engine_id"`
	Status         TaskStatus  `json:"status"`
	Attempt        int         `json:"attempt"`
	LeaseHolder    string      `json:"lease_holder,omitempty"`
	LeaseDeadline  *time.Time  `json:"lease_deadline,omitempty"`
	DependsOn      []Stage     `json:"depends_on,omitempty"`
	Inputs         []InputRef  `json:"inputs,omitempty"`
	Outputs        []OutputRef `json:"outputs,omitempty"`
	Error          *ErrorInfo  `json:"error,omitempty"`
	TimeoutSeconds int         `json:"timeout_s"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
}

// Task timeout derivation constants.
const (
	MinTaskTimeout    = 60 * time.Second
	TimeoutSafety     = 3
	DefaultRTF        = 1.0
	UnknownDurationX  = 5 // multiplier on MinTaskTimeout when duration is unknown
	DefaultRetryCap   = 3
	DefaultLeaseTTL   = 30 * time.Second
	DefaultSessionTTL = 30 * time.Second
)

// TaskTimeout computes the timeout for a task from the audio duration and
// the effective real-time factor of the selected engine. Unknown durations
// still yield a finite timeout.
func TaskTimeout(audioDurationSeconds float64, rtf float64) time.Duration {
	return TaskTimeoutWith(audioDurationSeconds, rtf, MinTaskTimeout, TimeoutSafety)
}

// TaskTimeoutWith is TaskTimeout under an explicit floor and safety factor.
// Zero or negative tuning values take the package defaults.
func TaskTimeoutWith(audioDurationSeconds float64, rtf float64, floor time.Duration, safety int) time.Duration {
	if floor <= 0 {
		floor = MinTaskTimeout
	}
	if safety <= 0 {
		safety = TimeoutSafety
	}
	if audioDurationSeconds <= 0 {
		return floor * UnknownDurationX
	}
	if rtf <= 0 {
		rtf = DefaultRTF
	}
	d := time.Duration(audioDurationSeconds*rtf*float64(safety)) * time.Second
	if d < floor {
		return floor
	}
	return d
}
