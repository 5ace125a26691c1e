// SPDX-License-Identifier: MIT

package model

import (
	"fmt"
	"time"
)

// ArtifactType labels the content of a stored blob.
type ArtifactType string

const (
	ArtifactAudioSource        ArtifactType = "audio.source"
	ArtifactAudioMono16k       ArtifactType = "audio.mono_16k"
	ArtifactAudioRedacted      ArtifactType = "audio.redacted"
	ArtifactTranscriptRaw      ArtifactType = "transcript.raw"
	ArtifactTranscriptAligned  ArtifactType = "transcript.aligned"
	ArtifactTranscriptRedacted ArtifactType = "transcript.redacted"
	ArtifactDiarization        ArtifactType = "diarization.segments"
	ArtifactPIIEntities        ArtifactType = "pii.entities"

	// Reserved: present in historical schemas, no live producer.
	ArtifactAudioHybridBuffer ArtifactType = "audio.hybrid_buffer"
	ArtifactTranscriptHybrid  ArtifactType = "transcript.hybrid"
)

// ChannelArtifactType returns the artifact type for channel i of a
// per-channel split, e.g. "audio.channel_0".
func ChannelArtifactType(i int) ArtifactType {
	return ArtifactType(fmt.Sprintf("audio.channel_%d", i))
}

// ChannelTranscriptType returns the transcript type produced by the
// transcribe_ch{i} task, e.g. "transcript.channel_0". Keeping channel
// transcripts distinct lets merge receive all of them as inputs.
func ChannelTranscriptType(i int) ArtifactType {
	return ArtifactType(fmt.Sprintf("transcript.channel_%d", i))
}

// Sensitivity classifies an artifact for retention and access decisions.
type Sensitivity string

const (
	SensitivityRawPII   Sensitivity = "raw_pii"
	SensitivityRedacted Sensitivity = "redacted"
	SensitivityMetadata Sensitivity = "metadata"
)

// OwnerType tags which kind of record owns an artifact.
type OwnerType string

const (
	OwnerJob     OwnerType = "job"
	OwnerSession OwnerType = "session"
)

// Artifact is an immutable byte blob referenced by URI. The URI never
// changes; retries write fresh URIs. Purged artifacts keep their row for
// audit with PurgedAt set.
type Artifact struct {
	ID          string       `json:"id"`
	TenantID    string       `json:"tenant_id"`
	OwnerType   OwnerType    `json:"owner_type"`
	OwnerID     string       `json:"owner_id"`
	TaskID      string       `json:"task_id,omitempty"` // producing task, empty for uploads
	Type        ArtifactType `json:"artifact_type"`
	URI         string       `json:"uri"`
	Sensitivity Sensitivity  `json:"sensitivity"`
	Store       bool         `json:"store"`
	TTLSeconds  int          `json:"ttl_seconds,omitempty"`
	SizeBytes   int64        `json:"size_bytes,omitempty"`
	Checksum    string       `json:"checksum,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	AvailableAt *time.Time   `json:"available_at,omitempty"`
	PurgeAfter  *time.Time   `json:"purge_after,omitempty"`
	PurgedAt    *time.Time   `json:"purged_at,omitempty"`
}
