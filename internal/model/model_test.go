// SPDX-License-Identifier: MIT

package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatusTransitions(t *testing.T) {
	tests := []struct {
		from JobStatus
		to   JobStatus
		want bool
	}{
		{JobPending, JobRunning, true},
		{JobPending, JobCancelled, true},
		{JobRunning, JobCompleted, true},
		{JobRunning, JobCancelling, true},
		{JobCancelling, JobCancelled, true},
		{JobCancelling, JobRunning, false},
		{JobCancelling, JobCompleted, false},
		{JobCompleted, JobRunning, false},
		{JobFailed, JobPending, false},
		{JobCancelled, JobCancelling, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestJobStatusTerminalHasNoExits(t *testing.T) {
	all := []JobStatus{JobPending, JobRunning, JobCancelling, JobCompleted, JobFailed, JobCancelled}
	for _, s := range all {
		if !s.Terminal() {
			continue
		}
		for _, next := range all {
			assert.False(t, s.CanTransition(next), "%s -> %s must be rejected", s, next)
		}
	}
}

func TestTaskStatusTransitions(t *testing.T) {
	tests := []struct {
		from TaskStatus
		to   TaskStatus
		want bool
	}{
		{TaskPending, TaskReady, true},
		{TaskPending, TaskSkipped, true},
		{TaskReady, TaskRunning, true},
		{TaskRunning, TaskCompleted, true},
		{TaskRunning, TaskReady, true}, // lease expiry requeue
		{TaskRunning, TaskCancelled, true},
		{TaskCompleted, TaskReady, false},
		{TaskFailed, TaskRunning, false},
		{TaskSkipped, TaskReady, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestTaskStatusSuccess(t *testing.T) {
	assert.True(t, TaskCompleted.Success())
	assert.True(t, TaskSkipped.Success())
	assert.False(t, TaskFailed.Success())
	assert.False(t, TaskCancelled.Success())
	assert.False(t, TaskRunning.Success())
}

func TestStageFamily(t *testing.T) {
	assert.Equal(t, StageTranscribe, TranscribeChannelStage(0).Family())
	assert.Equal(t, StageTranscribe, TranscribeChannelStage(7).Family())
	assert.Equal(t, StageTranscribe, StageTranscribe.Family())
	assert.Equal(t, StagePrepare, StagePrepare.Family())
	assert.Equal(t, StageMerge, StageMerge.Family())
}

func TestTranscribeChannelStage(t *testing.T) {
	assert.Equal(t, Stage("transcribe_ch0"), TranscribeChannelStage(0))
	assert.Equal(t, Stage("transcribe_ch3"), TranscribeChannelStage(3))
}

func TestTaskTimeout(t *testing.T) {
	tests := []struct {
		name     string
		duration float64
		rtf      float64
		want     time.Duration
	}{
		{"unknown duration", 0, 0.5, 5 * time.Minute},
		{"short audio floors at minimum", 10, 0.1, time.Minute},
		{"long audio scales", 600, 0.5, 900 * time.Second},
		{"missing rtf defaults to 1.0", 100, 0, 300 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TaskTimeout(tt.duration, tt.rtf))
		})
	}
}

func TestTaskTimeoutWith(t *testing.T) {
	// Raised floor wins over a short estimate.
	assert.Equal(t, 2*time.Minute, TaskTimeoutWith(10, 0.5, 2*time.Minute, 3))
	// Safety factor scales the estimate.
	assert.Equal(t, 3000*time.Second, TaskTimeoutWith(600, 1.0, time.Minute, 5))
	// Unknown duration scales the configured floor.
	assert.Equal(t, 10*time.Minute, TaskTimeoutWith(0, 1.0, 2*time.Minute, 3))
	// Zero tuning collapses to the defaults.
	assert.Equal(t, TaskTimeout(600, 0.5), TaskTimeoutWith(600, 0.5, 0, 0))
}

func TestPurgeDeadline(t *testing.T) {
	done := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.Nil(t, PurgeDeadline(RetentionForever, done))

	transient := PurgeDeadline(RetentionTransient, done)
	require.NotNil(t, transient)
	assert.Equal(t, done, *transient)

	month := PurgeDeadline(30, done)
	require.NotNil(t, month)
	assert.Equal(t, done.Add(30*24*time.Hour), *month)
}

func TestErrorKindRetryable(t *testing.T) {
	assert.True(t, ErrKindEngineTransient.Retryable())
	assert.True(t, ErrKindTransientIO.Retryable())
	assert.True(t, ErrKindTimeout.Retryable())
	assert.False(t, ErrKindEnginePermanent.Retryable())
	assert.False(t, ErrKindValidation.Retryable())
	assert.False(t, ErrKindCatalogValidation.Retryable())
	assert.False(t, ErrKindCancelled.Retryable())
}

func TestEventPayloadRoundTrip(t *testing.T) {
	ev, err := NewEvent(EventTaskCompleted, "job-1", "corr-1", TaskCompletedPayload{
		TaskID:     "task-1",
		Stage:      StageTranscribe,
		Attempt:    2,
		InstanceID: "inst-1",
		Outputs: []OutputRef{{
			Type:        ArtifactTranscriptRaw,
			URI:         "blob://jobs/job-1/transcribe/2/transcript.json",
			Sensitivity: SensitivityRawPII,
			Store:       true,
		}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, ev.EventID)
	assert.Equal(t, "job-1", ev.JobID)

	var got TaskCompletedPayload
	require.NoError(t, ev.DecodePayload(&got))
	assert.Equal(t, "task-1", got.TaskID)
	assert.Equal(t, 2, got.Attempt)
	require.Len(t, got.Outputs, 1)
	assert.Equal(t, ArtifactTranscriptRaw, got.Outputs[0].Type)
}

func TestEngineDescriptorRTF(t *testing.T) {
	gpu := EngineDescriptor{GPU: GPURequired, RTFGPU: 0.2, RTFCPU: 1.5}
	assert.InDelta(t, 0.2, gpu.EffectiveRTF(), 1e-9)

	cpu := EngineDescriptor{GPU: GPUNone, RTFCPU: 0.8}
	assert.InDelta(t, 0.8, cpu.EffectiveRTF(), 1e-9)

	bare := EngineDescriptor{}
	assert.InDelta(t, DefaultRTF, bare.EffectiveRTF(), 1e-9)
}

func TestEngineDescriptorWildcard(t *testing.T) {
	assert.True(t, EngineDescriptor{Languages: []string{"all"}}.Wildcard())
	assert.False(t, EngineDescriptor{Languages: []string{"en", "de"}}.Wildcard())
}

func TestRTWorkerMatching(t *testing.T) {
	w := RTWorker{
		Capacity:       2,
		ActiveSessions: 1,
		Languages:      []string{"en", "de"},
		Healthy:        true,
	}
	assert.True(t, w.HasCapacity())
	assert.True(t, w.Serves("en", ""))
	assert.True(t, w.Serves("auto", "anything")) // auto matches, empty model set matches
	assert.False(t, w.Serves("fr", ""))

	w.ActiveSessions = 2
	assert.False(t, w.HasCapacity())

	w.ActiveSessions = 0
	w.Healthy = false
	assert.False(t, w.HasCapacity())
}

func TestInstanceAlive(t *testing.T) {
	now := time.Now()
	inst := EngineInstance{Status: InstanceAvailable, LastHeartbeat: now.Add(-10 * time.Second)}
	assert.True(t, inst.Alive(now, 30*time.Second))
	assert.False(t, inst.Alive(now, 5*time.Second))

	inst.Status = InstanceUnhealthy
	assert.False(t, inst.Alive(now, 30*time.Second))
}
