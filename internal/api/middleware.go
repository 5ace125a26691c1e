// SPDX-License-Identifier: MIT

package api

import (
	"net"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dalstonhq/dalston/internal/log"
)

const (
	headerRequestID     = "X-Request-ID"
	headerCorrelationID = "X-Correlation-ID"
	headerIdempotency   = "Idempotency-Key"
)

// proxyList holds the CIDRs whose forwarded headers we believe.
type proxyList struct {
	nets []*net.IPNet
}

func parseProxies(entries []string) *proxyList {
	p := &proxyList{}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if _, ipnet, err := net.ParseCIDR(e); err == nil {
			p.nets = append(p.nets, ipnet)
			continue
		}
		// Bare addresses are treated as single-host networks.
		if ip := net.ParseIP(e); ip != nil {
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			p.nets = append(p.nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
		}
	}
	return p
}

func (p *proxyList) trusted(remote string) bool {
	if len(p.nets) == 0 {
		return false
	}
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range p.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// clientIP resolves the originating address. Forwarded headers are only
// honoured when the direct peer is a trusted proxy.
func (s *Server) clientIP(r *http.Request) string {
	if s.proxies.trusted(r.RemoteAddr) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
				return ip
			}
		}
		if xr := r.Header.Get("X-Real-IP"); xr != "" {
			return xr
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}

// requestID stamps each request with an ID, honouring one supplied by the
// caller, and mirrors it in the response and log context. A correlation ID
// header additionally threads through to job and session records.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(headerRequestID)
		if reqID == "" {
			reqID = uuid.New().String()
		}
		w.Header().Set(headerRequestID, reqID)
		ctx := log.ContextWithRequestID(r.Context(), reqID)
		if corr := r.Header.Get(headerCorrelationID); corr != "" {
			ctx = log.ContextWithCorrelationID(ctx, corr)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// recoverer keeps a handler panic from killing the process. It logs the
// stack and answers 500 without echoing any internals.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				buf := make([]byte, 8192)
				n := runtime.Stack(buf, false)

				logger := log.WithComponentFromContext(r.Context(), "api")
				logger.Error().
					Str("event", "panic.recovered").
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("remote_addr", r.RemoteAddr).
					Interface("panic_value", rec).
					Str("stack_trace", string(buf[:n])).
					Msg("panic recovered in HTTP handler")

				writeError(w, http.StatusInternalServerError, "internal", "internal error")
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// requestMetrics records duration, in-flight count and sizes per route
// pattern. The chi pattern is used instead of the raw path so that job IDs
// do not explode label cardinality.
func (s *Server) requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		status := strconv.Itoa(sw.status)
		httpDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
		if sw.bytes > 0 {
			httpResponseBytes.WithLabelValues(r.Method, path, status).Observe(float64(sw.bytes))
		}
	})
}

// requestLogger emits one structured line per request. Probe endpoints log
// at debug to keep the steady-state log quiet.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		logger := log.WithComponentFromContext(r.Context(), "api")
		ev := logger.Info()
		switch r.URL.Path {
		case "/health", "/ready", "/metrics":
			ev = logger.Debug()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Int("bytes", sw.bytes).
			Dur("duration", time.Since(start)).
			Str("remote", s.clientIP(r)).
			Msg("request")
	})
}

func (s *Server) rateLimitKey(r *http.Request) (string, error) {
	return s.clientIP(r), nil
}

func (s *Server) handleRateLimited(w http.ResponseWriter, r *http.Request) {
	s.audit.RateLimited(r.Context(), tenantFromContext(r.Context()), s.clientIP(r), r.URL.Path)
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, "rate_limited", "submit rate limit exceeded, slow down")
}

// statusWriter captures status and size for metrics and logging. Unwrap
// keeps http.ResponseController features such as hijacking reachable
// through the wrapper, which the session stream endpoint depends on.
type statusWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.status = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.WriteHeader(http.StatusOK)
	}
	n, err := sw.ResponseWriter.Write(b)
	sw.bytes += n
	return n, err
}

func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}
