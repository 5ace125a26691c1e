// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dalstonhq/dalston/internal/catalog"
	"github.com/dalstonhq/dalston/internal/dag"
	"github.com/dalstonhq/dalston/internal/log"
	"github.com/dalstonhq/dalston/internal/router"
	"github.com/dalstonhq/dalston/internal/scheduler"
	"github.com/dalstonhq/dalston/internal/store"
)

// errorDoc is the JSON error envelope every non-2xx response carries.
type errorDoc struct {
	Error    string            `json:"error"`
	Message  string            `json:"message"`
	Stage    string            `json:"stage,omitempty"`
	Language string            `json:"language,omitempty"`
	Details  *capabilityDetail `json:"details,omitempty"`
}

// capabilityDetail explains a catalog rejection: what the request needed
// and what the fleet actually offers, so the caller can self-serve a fix.
type capabilityDetail struct {
	Required         []string `json:"required,omitempty"`
	AvailableEngines []string `json:"available_engines,omitempty"`
	Suggestion       string   `json:"suggestion,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		l := log.WithComponent("api")
		l.Debug().Err(err).Msg("response encode failed")
	}
}

func writeError(w http.ResponseWriter, code int, kind, msg string) {
	writeJSON(w, code, errorDoc{Error: kind, Message: msg})
}

// writeServiceError maps domain errors onto the HTTP contract. Unknown
// errors become an opaque 500; internals never leak to the client.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var catErr *catalog.Error
	if errors.As(err, &catErr) {
		writeJSON(w, http.StatusUnprocessableEntity, errorDoc{
			Error:    "unsupported_configuration",
			Message:  catErr.Error(),
			Stage:    string(catErr.Stage),
			Language: catErr.Language,
			Details: &capabilityDetail{
				Required:         catErr.Required,
				AvailableEngines: catErr.Available,
				Suggestion:       catErr.Suggestion,
			},
		})
		return
	}
	var valErr *dag.ValidationError
	if errors.As(err, &valErr) {
		writeError(w, http.StatusUnprocessableEntity, "invalid_parameters", valErr.Error())
		return
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "no such resource")
	case errors.Is(err, scheduler.ErrTerminal):
		writeError(w, http.StatusConflict, "already_terminal", "job already reached a terminal state")
	case errors.Is(err, scheduler.ErrNotRetryable):
		writeError(w, http.StatusConflict, "not_retryable", "only failed or cancelled jobs can be retried")
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", "resource changed concurrently, retry the request")
	case errors.Is(err, router.ErrNoCapacity):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, "no_capacity", "no realtime worker has a free session slot")
	default:
		l := log.WithComponentFromContext(r.Context(), "api")
		l.Error().Err(err).
			Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
