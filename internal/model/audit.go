// SPDX-License-Identifier: MIT

package model

import "time"

// Audit actor and resource classifiers.
const (
	ActorUser   = "user"
	ActorSystem = "system"

	ResourceJob     = "job"
	ResourceSession = "session"
	ResourceConfig  = "config"
	ResourceEngine  = "engine"
)

// AuditEntry is one append-only audit_log row. Seq is assigned by the
// store; rows are never updated or deleted.
type AuditEntry struct {
	Seq           int64             `json:"seq,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	TenantID      string            `json:"tenant_id,omitempty"`
	ActorType     string            `json:"actor_type"`
	ActorID       string            `json:"actor_id,omitempty"`
	Action        string            `json:"action"`
	ResourceType  string            `json:"resource_type,omitempty"`
	ResourceID    string            `json:"resource_id,omitempty"`
	Detail        map[string]string `json:"detail,omitempty"`
	IPAddress     string            `json:"ip_address,omitempty"`
	UserAgent     string            `json:"user_agent,omitempty"`
}
