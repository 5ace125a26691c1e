// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared across the dalston services, so the same field is
// named the same way in every span.
const (
	// HTTP attributes
	HTTPMethodKey     = "http.method"
	HTTPStatusCodeKey = "http.status_code"
	HTTPRouteKey      = "http.route"
	HTTPURLKey        = "http.url"

	// Job and task attributes
	JobIDKey       = "job.id"
	TaskIDKey      = "task.id"
	TaskStageKey   = "task.stage"
	TaskAttemptKey = "task.attempt"

	// Realtime session attributes
	SessionIDKey       = "session.id"
	SessionWorkerKey   = "session.worker_id"
	SessionLanguageKey = "session.language"
	SessionModelKey    = "session.model"

	// Error attributes
	ErrorKey     = "error"
	ErrorKindKey = "error.kind"
)

// HTTPAttributes creates common HTTP span attributes. Pass 0 as statusCode
// before the response is written.
func HTTPAttributes(method, route, url string, statusCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(HTTPMethodKey, method),
		attribute.String(HTTPRouteKey, route),
		attribute.String(HTTPURLKey, url),
		attribute.Int(HTTPStatusCodeKey, statusCode),
	}
}

// TaskAttributes identifies one task attempt within its job.
func TaskAttributes(jobID, taskID, stage string, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(JobIDKey, jobID),
		attribute.String(TaskIDKey, taskID),
		attribute.String(TaskStageKey, stage),
		attribute.Int(TaskAttemptKey, attempt),
	}
}

// SessionAttributes identifies one realtime session and its placement.
// Empty fields are omitted so spans stay compact.
func SessionAttributes(sessionID, workerID, language, model string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 4)
	if sessionID != "" {
		attrs = append(attrs, attribute.String(SessionIDKey, sessionID))
	}
	if workerID != "" {
		attrs = append(attrs, attribute.String(SessionWorkerKey, workerID))
	}
	if language != "" {
		attrs = append(attrs, attribute.String(SessionLanguageKey, language))
	}
	if model != "" {
		attrs = append(attrs, attribute.String(SessionModelKey, model))
	}
	return attrs
}

// ErrorAttributes marks a span failed with the task error taxonomy kind.
func ErrorAttributes(kind string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorKindKey, kind),
	}
}
