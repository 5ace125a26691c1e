// SPDX-License-Identifier: MIT

package model

import "time"

// LanguageWildcard marks an engine as supporting every language.
const LanguageWildcard = "all"

// GPUMode states whether a descriptor needs a GPU to run.
type GPUMode string

const (
	GPUNone     GPUMode = "none"
	GPUOptional GPUMode = "optional"
	GPURequired GPUMode = "required"
)

// Capabilities are the feature flags an engine declares in the manifest.
type Capabilities struct {
	WordTimestamps bool `json:"word_timestamps" yaml:"word_timestamps"`
	Streaming      bool `json:"streaming" yaml:"streaming"`
}

// EngineDescriptor is the static catalog entry for one engine.
type EngineDescriptor struct {
	ID             string       `json:"id" yaml:"id"`
	Stage          Stage        `json:"stage" yaml:"stage"`
	Model          string       `json:"model" yaml:"model"`
	Aliases        []string     `json:"aliases,omitempty" yaml:"aliases"`
	Languages      []string     `json:"languages" yaml:"languages"`
	Capabilities   Capabilities `json:"capabilities" yaml:"capabilities"`
	GPU            GPUMode      `json:"gpu" yaml:"gpu"`
	RTFCPU         float64      `json:"rtf_cpu" yaml:"rtf_cpu"`
	RTFGPU         float64      `json:"rtf_gpu" yaml:"rtf_gpu"`
	MaxConcurrency int          `json:"max_concurrency" yaml:"max_concurrency"`
	Image          string       `json:"image,omitempty" yaml:"image"`
}

// Wildcard reports whether the descriptor accepts any language.
func (d EngineDescriptor) Wildcard() bool {
	for _, l := range d.Languages {
		if l == LanguageWildcard {
			return true
		}
	}
	return false
}

// UsesGPU reports whether scheduling should assume the GPU RTF.
func (d EngineDescriptor) UsesGPU() bool {
	return d.GPU == GPURequired || (d.GPU == GPUOptional && d.RTFGPU > 0)
}

// EffectiveRTF is the real-time factor used for timeout derivation.
func (d EngineDescriptor) EffectiveRTF() float64 {
	if d.UsesGPU() && d.RTFGPU > 0 {
		return d.RTFGPU
	}
	if d.RTFCPU > 0 {
		return d.RTFCPU
	}
	return DefaultRTF
}

// QueueName is the engine queue this descriptor consumes from.
func (d EngineDescriptor) QueueName() string {
	return "engine:" + d.ID
}

// InstanceStatus is the liveness state of a registered engine instance.
type InstanceStatus string

const (
	InstanceAvailable InstanceStatus = "available"
	InstanceRunning   InstanceStatus = "running"
	InstanceUnhealthy InstanceStatus = "unhealthy"
)

// EngineInstance is the dynamic registry row for one running engine.
type EngineInstance struct {
	ID             string         `json:"id"`
	EngineID       string         `json:"engine_id"`
	Host           string         `json:"host,omitempty"`
	LoadedModel    string         `json:"loaded_model,omitempty"`
	Status         InstanceStatus `json:"status"`
	ActiveTasks    int            `json:"active_tasks"`
	MaxConcurrency int            `json:"max_concurrency"`
	RegisteredAt   time.Time      `json:"registered_at"`
	LastHeartbeat  time.Time      `json:"last_heartbeat"`
}

// Alive reports whether the instance heartbeat is within ttl of now.
func (i EngineInstance) Alive(now time.Time, ttl time.Duration) bool {
	return i.Status != InstanceUnhealthy && now.Sub(i.LastHeartbeat) <= ttl
}
