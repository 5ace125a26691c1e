// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/dalstonhq/dalston/internal/log"
	"github.com/dalstonhq/dalston/internal/scheduler"
)

type ctxKey int

const tenantKey ctxKey = iota

// tenantFromContext returns the authenticated tenant, or "" before auth.
func tenantFromContext(ctx context.Context) string {
	if t, ok := ctx.Value(tenantKey).(string); ok {
		return t
	}
	return ""
}

// extractToken pulls the API token from the request. Streaming clients
// cannot set headers during the WebSocket handshake from a browser, so the
// stream route additionally accepts ?token=.
func extractToken(r *http.Request, allowQuery bool) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	if allowQuery {
		if t := r.URL.Query().Get("token"); t != "" {
			return t
		}
	}
	return ""
}

// lookupTenant resolves a presented token to its tenant. Every configured
// token is compared in constant time so the valid one is not
// distinguishable by timing; empty tokens never match.
func (s *Server) lookupTenant(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	var tenant string
	match := 0
	for candidate, t := range s.tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(candidate)) == 1 {
			tenant = t
			match = 1
		}
	}
	return tenant, match == 1
}

// authenticate gates the /v1 surface. On success the tenant lands in the
// request context and the log context; failures are audited.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowQuery := strings.HasSuffix(r.URL.Path, "/stream")
		token := extractToken(r, allowQuery)
		if token == "" {
			s.audit.AuthMissing(r.Context(), s.clientIP(r), r.UserAgent(), r.URL.Path)
			w.Header().Set("WWW-Authenticate", `Bearer realm="dalston"`)
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing API token")
			return
		}
		tenant, ok := s.lookupTenant(token)
		if !ok {
			s.audit.AuthFailure(r.Context(), s.clientIP(r), r.UserAgent(), r.URL.Path)
			w.Header().Set("WWW-Authenticate", `Bearer realm="dalston"`)
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid API token")
			return
		}
		ctx := context.WithValue(r.Context(), tenantKey, tenant)
		ctx = log.ContextWithTenantID(ctx, tenant)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// actor describes the caller for audit trails on mutating operations.
func (s *Server) actor(r *http.Request) scheduler.Actor {
	return scheduler.Actor{
		ID:        tenantFromContext(r.Context()),
		IPAddress: s.clientIP(r),
		UserAgent: r.UserAgent(),
	}
}
