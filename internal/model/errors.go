// SPDX-License-Identifier: MIT

package model

import (
	"errors"
	"fmt"
)

// ErrorKind is a compact, typed failure signal.
// Keep these stable: metrics and client UX depend on them.
type ErrorKind string

const (
	ErrKindNone              ErrorKind = ""
	ErrKindValidation        ErrorKind = "validation"
	ErrKindCatalogValidation ErrorKind = "catalog_validation"
	ErrKindEngineUnavailable ErrorKind = "engine_unavailable"
	ErrKindEngineTransient   ErrorKind = "engine_transient"
	ErrKindEnginePermanent   ErrorKind = "engine_permanent"
	ErrKindTransientIO       ErrorKind = "transient_io"
	ErrKindTimeout           ErrorKind = "timeout"
	ErrKindCancelled         ErrorKind = "cancelled"
	ErrKindInternal          ErrorKind = "internal"
)

// Retryable reports whether the scheduler may retry a task that failed with
// this kind. Engines never retry themselves.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrKindEngineTransient, ErrKindTransientIO, ErrKindTimeout:
		return true
	}
	return false
}

// ErrorInfo is the structured error descriptor stored on jobs and tasks and
// carried by failure events. Message must already be scrubbed of internals
// before it reaches a job row.
type ErrorInfo struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

func (e *ErrorInfo) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError builds an ErrorInfo with the kind's default retryability.
func NewError(kind ErrorKind, format string, args ...any) *ErrorInfo {
	return &ErrorInfo{
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Retryable: kind.Retryable(),
	}
}

// ErrInvariant marks an internal invariant violation. Operations abort with
// it and the full context is logged before the user-visible message is
// scrubbed to an opaque internal error.
var ErrInvariant = errors.New("invariant violation")

// Invariantf wraps ErrInvariant with context.
func Invariantf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariant, fmt.Sprintf(format, args...))
}
