// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"strconv"

	"github.com/dalstonhq/dalston/internal/model"
)

// engineView joins one catalog descriptor with its live instances.
type engineView struct {
	model.EngineDescriptor
	Alive     bool                    `json:"alive"`
	Instances []*model.EngineInstance `json:"instances"`
}

// handleListEngines reports the catalog with registry liveness folded in:
// what the platform could run, and what is actually up right now.
func (s *Server) handleListEngines(w http.ResponseWriter, r *http.Request) {
	cat := s.catalog.Current()
	alive, err := s.registry.AliveEngines(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	views := make([]engineView, 0)
	for _, desc := range cat.Engines() {
		instances, err := s.store.ListInstances(r.Context(), desc.ID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		if instances == nil {
			instances = []*model.EngineInstance{}
		}
		views = append(views, engineView{
			EngineDescriptor: desc,
			Alive:            alive[desc.ID],
			Instances:        instances,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"engines": views})
}

// handleListSessions returns the tenant's realtime sessions, newest first.
// ?active=true narrows to sessions still holding a worker slot.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	activeOnly := false
	if v := r.URL.Query().Get("active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_query", "active must be a boolean")
			return
		}
		activeOnly = b
	}
	sessions, err := s.store.ListSessions(r.Context(), tenantFromContext(r.Context()), activeOnly)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []*model.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}
