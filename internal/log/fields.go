// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldTenantID      = "tenant_id"
	FieldJobID         = "job_id"
	FieldTaskID        = "task_id"
	FieldSessionID     = "session_id"
	FieldCorrelationID = "correlation_id"
	FieldRequestID     = "request_id"
	FieldInstanceID    = "instance_id"
	FieldWorkerID      = "worker_id"

	// Pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldStage     = "stage"
	FieldEngine    = "engine"
	FieldAttempt   = "attempt"
	FieldQueue     = "queue"
	FieldPartition = "partition"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldReason   = "reason"

	// Media fields
	FieldLanguage   = "language"
	FieldChannels   = "channels"
	FieldDurationMS = "duration_ms"

	// Storage fields
	FieldArtifact = "artifact"
	FieldURI      = "uri"
	FieldBackend  = "backend"
)
