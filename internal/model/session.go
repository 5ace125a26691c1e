// SPDX-License-Identifier: MIT

package model

import "time"

// SessionStatus is the lifecycle of one real-time transcription session.
type SessionStatus string

const (
	SessionActive      SessionStatus = "active"
	SessionCompleted   SessionStatus = "completed"
	SessionError       SessionStatus = "error"
	SessionInterrupted SessionStatus = "interrupted"
)

// Terminal reports whether the session status permits no further transitions.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionError || s == SessionInterrupted
}

// Session is the state-store row for one real-time WebSocket transcription.
type Session struct {
	ID                   string        `json:"id"`
	TenantID             string        `json:"tenant_id"`
	Status               SessionStatus `json:"status"`
	WorkerID             string        `json:"worker_id"`
	Language             string        `json:"language"`
	Model                string        `json:"model"`
	Encoding             string        `json:"encoding"`
	SampleRate           int           `json:"sample_rate"`
	AudioDurationSeconds float64       `json:"audio_duration_seconds"`
	SegmentCount         int           `json:"segment_count"`
	WordCount            int           `json:"word_count"`
	CloseReason          string        `json:"close_reason,omitempty"`
	RetentionDays        int           `json:"retention_days"`
	StartedAt            time.Time     `json:"started_at"`
	EndedAt              *time.Time    `json:"ended_at,omitempty"`
	PurgeAfter           *time.Time    `json:"purge_after,omitempty"`
	PurgedAt             *time.Time    `json:"purged_at,omitempty"`
}

// RTWorker is the session-router registry row for one real-time worker.
type RTWorker struct {
	ID             string    `json:"id"`
	Addr           string    `json:"addr"`
	Capacity       int       `json:"capacity"`
	ActiveSessions int       `json:"active_sessions"`
	SessionIDs     []string  `json:"session_ids,omitempty"`
	Languages      []string  `json:"languages,omitempty"`
	Models         []string  `json:"models,omitempty"`
	Healthy        bool      `json:"healthy"`
	RegisteredAt   time.Time `json:"registered_at"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
}

// HasCapacity reports whether the worker can accept another session.
func (w RTWorker) HasCapacity() bool {
	return w.Healthy && w.ActiveSessions < w.Capacity
}

// Alive reports whether the worker heartbeated within ttl of now.
func (w RTWorker) Alive(now time.Time, ttl time.Duration) bool {
	return w.Healthy && now.Sub(w.LastHeartbeat) <= ttl
}

// Serves reports whether the worker can host a session with the given
// language and model. Empty declarations match everything.
func (w RTWorker) Serves(language, model string) bool {
	if !matchSet(w.Languages, language) {
		return false
	}
	return matchSet(w.Models, model)
}

func matchSet(declared []string, want string) bool {
	if len(declared) == 0 || want == "" || want == "auto" {
		return true
	}
	for _, d := range declared {
		if d == want || d == LanguageWildcard {
			return true
		}
	}
	return false
}

// SessionTicket is returned by allocate and presented by the client when it
// attaches to the worker.
type SessionTicket struct {
	SessionID string    `json:"session_id"`
	WorkerID  string    `json:"worker_id"`
	WorkerURL string    `json:"worker_url"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
