// SPDX-License-Identifier: MIT

// Package api is the gateway surface: the HTTP/WS contract clients and
// operators speak. Handlers validate, authenticate and translate; all
// state changes run through the job service, the session router and the
// blob store.
package api

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dalstonhq/dalston/internal/audit"
	"github.com/dalstonhq/dalston/internal/blob"
	"github.com/dalstonhq/dalston/internal/catalog"
	"github.com/dalstonhq/dalston/internal/config"
	"github.com/dalstonhq/dalston/internal/health"
	"github.com/dalstonhq/dalston/internal/log"
	"github.com/dalstonhq/dalston/internal/registry"
	"github.com/dalstonhq/dalston/internal/router"
	"github.com/dalstonhq/dalston/internal/scheduler"
	"github.com/dalstonhq/dalston/internal/store"
)

// Deps are the collaborators the gateway translates requests into.
type Deps struct {
	Jobs     *scheduler.Service
	Router   *router.Router
	Registry *registry.Registry
	Catalog  catalog.Provider
	Store    store.Store
	Blobs    blob.Store
	Health   *health.Manager
	Audit    *audit.Recorder
}

// Server is the gateway HTTP server state.
type Server struct {
	cfg      config.ServerConfig
	jobs     *scheduler.Service
	router   *router.Router
	registry *registry.Registry
	catalog  catalog.Provider
	store    store.Store
	blobs    blob.Store
	health   *health.Manager
	audit    *audit.Recorder

	tokens   map[string]string // token -> tenant
	proxies  *proxyList
	draining atomic.Bool
	logger   zerolog.Logger
}

// New builds the gateway from config and collaborators.
func New(cfg config.ServerConfig, deps Deps) (*Server, error) {
	tokens, err := cfg.APITokenMap()
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:      cfg,
		jobs:     deps.Jobs,
		router:   deps.Router,
		registry: deps.Registry,
		catalog:  deps.Catalog,
		store:    deps.Store,
		blobs:    deps.Blobs,
		health:   deps.Health,
		audit:    deps.Audit,
		tokens:   tokens,
		proxies:  parseProxies(cfg.TrustedProxies),
		logger:   log.WithComponent("api"),
	}, nil
}

// SetDraining flips intake: while draining, submits and new sessions
// answer 503 so a load balancer moves traffic before shutdown.
func (s *Server) SetDraining(v bool) {
	s.draining.Store(v)
	if v {
		s.logger.Info().Msg("gateway draining, rejecting new work")
	}
}

// Routes assembles the chi router with the full middleware stack.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	// Recoverer outermost, request identity next so every log line and
	// error response carries the request id.
	r.Use(s.recoverer)
	r.Use(s.requestID)
	r.Use(s.tracing)
	r.Use(s.requestMetrics)
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/openapi.yaml", s.handleOpenAPI)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Route("/audio/transcriptions", func(r chi.Router) {
			r.With(httprate.Limit(
				s.cfg.SubmitRPM,
				time.Minute,
				httprate.WithKeyFuncs(s.rateLimitKey),
				httprate.WithLimitHandler(s.handleRateLimited),
			)).Post("/", s.handleSubmit)
			r.Get("/", s.handleListJobs)
			r.Get("/stream", s.handleStream)
			r.Get("/{id}", s.handleGetJob)
			r.Post("/{id}/cancel", s.handleCancelJob)
			r.Post("/{id}/retry", s.handleRetryJob)
			r.Get("/{id}/tasks", s.handleListTasks)
			r.Get("/{id}/artifacts", s.handleListArtifacts)
		})

		r.Get("/engines", s.handleListEngines)
		r.Get("/sessions", s.handleListSessions)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.health.ServeHealth(w, r)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	s.health.ServeReady(w, r)
}
