// SPDX-License-Identifier: MIT

package api

import (
	_ "embed"
	"net/http"
)

// openapiSpec is the served copy of the API contract. Contract tests load
// the same bytes, so the published document can never drift from what the
// handlers are tested against.
//
//go:embed openapi.yaml
var openapiSpec []byte

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(openapiSpec)
}
