// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers/legacy"
	"github.com/stretchr/testify/require"

	"github.com/dalstonhq/dalston/internal/config"
	"github.com/dalstonhq/dalston/internal/health"
	"github.com/dalstonhq/dalston/internal/model"
)

var (
	openapiOnce sync.Once
	openapiDoc  *openapi3.T
	openapiErr  error
)

// loadOpenAPIDoc parses the embedded contract once per test binary. Tests
// validate live handler responses against the same bytes /openapi.yaml
// serves, so the published document cannot drift from the implementation.
func loadOpenAPIDoc(t *testing.T) *openapi3.T {
	t.Helper()
	openapiOnce.Do(func() {
		loader := openapi3.NewLoader()
		loader.IsExternalRefsAllowed = true
		doc, err := loader.LoadFromData(openapiSpec)
		if err != nil {
			openapiErr = err
			return
		}
		if err := doc.Validate(context.Background()); err != nil {
			openapiErr = err
			return
		}
		openapiDoc = doc
	})
	if openapiErr != nil {
		t.Fatalf("openapi load failed: %v", openapiErr)
	}
	return openapiDoc
}

func validateOpenAPIResponse(t *testing.T, doc *openapi3.T, req *http.Request, rr *httptest.ResponseRecorder, opts *openapi3filter.Options) {
	t.Helper()
	router, err := legacy.NewRouter(doc)
	require.NoError(t, err, "openapi router init")

	route, pathParams, err := router.FindRoute(req)
	require.NoError(t, err, "openapi route lookup")

	input := &openapi3filter.ResponseValidationInput{
		RequestValidationInput: &openapi3filter.RequestValidationInput{
			Request:    req,
			PathParams: pathParams,
			Route:      route,
		},
		Status:  rr.Code,
		Header:  rr.Header(),
		Options: opts,
	}
	input.SetBodyBytes(rr.Body.Bytes())

	require.NoError(t, openapi3filter.ValidateResponse(context.Background(), input), "openapi response validation")
}

// contractRequest builds an authenticated request and runs it through the
// full middleware stack, returning both halves for validation.
func contractRequest(g *gateway, method, target, token, contentType string, body *strings.Reader) (*http.Request, *httptest.ResponseRecorder) {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, body)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rr := httptest.NewRecorder()
	g.handler.ServeHTTP(rr, req)
	return req, rr
}

func contractSubmit(t *testing.T, g *gateway, fields map[string]string) (*http.Request, *httptest.ResponseRecorder) {
	t.Helper()
	body, contentType := upload(t, fields)
	req := httptest.NewRequest(http.MethodPost, "/v1/audio/transcriptions", body)
	req.Header.Set("Authorization", "Bearer "+tokenAcme)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	g.handler.ServeHTTP(rr, req)
	return req, rr
}

func TestContract_HealthProbes(t *testing.T) {
	g := newGateway(t, nil)
	doc := loadOpenAPIDoc(t)

	req, rr := contractRequest(g, http.MethodGet, "/health", "", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	validateOpenAPIResponse(t, doc, req, rr, nil)

	req, rr = contractRequest(g, http.MethodGet, "/ready", "", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	validateOpenAPIResponse(t, doc, req, rr, nil)
}

func TestContract_ReadyDegraded(t *testing.T) {
	g := newGateway(t, nil)
	doc := loadOpenAPIDoc(t)

	g.api.health.RegisterChecker(health.NewFuncChecker("queue", func(context.Context) health.CheckResult {
		return health.CheckResult{Status: health.StatusUnhealthy, Error: "connection refused"}
	}))

	req, rr := contractRequest(g, http.MethodGet, "/ready", "", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	validateOpenAPIResponse(t, doc, req, rr, nil)
}

func TestContract_JobLifecycle(t *testing.T) {
	g := newGateway(t, nil)
	doc := loadOpenAPIDoc(t)

	req, rr := contractSubmit(t, g, map[string]string{"model": "fast", "language": "en"})
	require.Equal(t, http.StatusCreated, rr.Code)
	validateOpenAPIResponse(t, doc, req, rr, nil)

	var resp submitResponse
	require.NoError(t, decodeBody(rr, &resp))

	req, rr = contractRequest(g, http.MethodGet, "/v1/audio/transcriptions/"+resp.ID, tokenAcme, "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	validateOpenAPIResponse(t, doc, req, rr, nil)

	req, rr = contractRequest(g, http.MethodGet, "/v1/audio/transcriptions?status=pending&limit=10", tokenAcme, "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	validateOpenAPIResponse(t, doc, req, rr, nil)

	req, rr = contractRequest(g, http.MethodGet, "/v1/audio/transcriptions/"+resp.ID+"/tasks", tokenAcme, "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	validateOpenAPIResponse(t, doc, req, rr, nil)

	req, rr = contractRequest(g, http.MethodGet, "/v1/audio/transcriptions/no-such-job", tokenAcme, "", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
	validateOpenAPIResponse(t, doc, req, rr, nil)

	req, rr = contractRequest(g, http.MethodPost, "/v1/audio/transcriptions/"+resp.ID+"/cancel", tokenAcme,
		"application/json", strings.NewReader(`{"reason":"fat finger"}`))
	require.Equal(t, http.StatusAccepted, rr.Code)
	validateOpenAPIResponse(t, doc, req, rr, nil)
}

func TestContract_Retry(t *testing.T) {
	g := newGateway(t, nil)
	doc := loadOpenAPIDoc(t)

	_, rr := contractSubmit(t, g, map[string]string{"model": "fast", "language": "en"})
	require.Equal(t, http.StatusCreated, rr.Code)
	var resp submitResponse
	require.NoError(t, decodeBody(rr, &resp))

	// A pending job refuses the retry.
	req, rr := contractRequest(g, http.MethodPost, "/v1/audio/transcriptions/"+resp.ID+"/retry", tokenAcme, "", nil)
	require.Equal(t, http.StatusConflict, rr.Code)
	validateOpenAPIResponse(t, doc, req, rr, nil)

	_, err := g.store.UpdateJob(g.ctx, resp.ID, func(j *model.Job) error {
		j.Status = model.JobFailed
		return nil
	})
	require.NoError(t, err)

	req, rr = contractRequest(g, http.MethodPost, "/v1/audio/transcriptions/"+resp.ID+"/retry", tokenAcme, "", nil)
	require.Equal(t, http.StatusAccepted, rr.Code)
	validateOpenAPIResponse(t, doc, req, rr, nil)
}

func TestContract_SubmitRejections(t *testing.T) {
	doc := loadOpenAPIDoc(t)

	t.Run("unsupported configuration", func(t *testing.T) {
		g := newGateway(t, nil)
		req, rr := contractSubmit(t, g, map[string]string{"model": "accurate", "language": "fi"})
		require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
		validateOpenAPIResponse(t, doc, req, rr, nil)
	})

	t.Run("invalid parameters", func(t *testing.T) {
		g := newGateway(t, nil)
		req, rr := contractSubmit(t, g, map[string]string{"retention_policy": "sometimes"})
		require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
		validateOpenAPIResponse(t, doc, req, rr, nil)
	})

	t.Run("not multipart", func(t *testing.T) {
		g := newGateway(t, nil)
		req, rr := contractRequest(g, http.MethodPost, "/v1/audio/transcriptions", tokenAcme,
			"application/json", strings.NewReader(`{"model":"fast"}`))
		require.Equal(t, http.StatusBadRequest, rr.Code)
		validateOpenAPIResponse(t, doc, req, rr, nil)
	})

	t.Run("upload too large", func(t *testing.T) {
		g := newGateway(t, func(cfg *config.ServerConfig) { cfg.MaxUploadBytes = 1024 })
		req, rr := contractSubmit(t, g, nil)
		require.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
		validateOpenAPIResponse(t, doc, req, rr, nil)
	})

	t.Run("rate limited", func(t *testing.T) {
		g := newGateway(t, func(cfg *config.ServerConfig) { cfg.SubmitRPM = 1 })
		_, rr := contractSubmit(t, g, nil)
		require.Equal(t, http.StatusCreated, rr.Code)
		req, rr := contractSubmit(t, g, nil)
		require.Equal(t, http.StatusTooManyRequests, rr.Code)
		validateOpenAPIResponse(t, doc, req, rr, nil)
	})

	t.Run("draining", func(t *testing.T) {
		g := newGateway(t, nil)
		g.api.SetDraining(true)
		req, rr := contractSubmit(t, g, nil)
		require.Equal(t, http.StatusServiceUnavailable, rr.Code)
		validateOpenAPIResponse(t, doc, req, rr, nil)
	})
}

func TestContract_Engines(t *testing.T) {
	g := newGateway(t, nil)
	doc := loadOpenAPIDoc(t)

	_, err := g.registry.Register(g.ctx, model.EngineInstance{
		ID:             "whisper-cpu-0",
		EngineID:       "whisper-cpu",
		Host:           "10.0.0.9",
		Status:         model.InstanceAvailable,
		MaxConcurrency: 2,
	})
	require.NoError(t, err)

	req, rr := contractRequest(g, http.MethodGet, "/v1/engines", tokenAcme, "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	validateOpenAPIResponse(t, doc, req, rr, nil)
}

func TestContract_Sessions(t *testing.T) {
	g := newGateway(t, nil)
	doc := loadOpenAPIDoc(t)

	now := time.Now().UTC()
	ended := now.Add(2 * time.Minute)
	require.NoError(t, g.store.PutSession(g.ctx, &model.Session{
		ID: "sess-a", TenantID: "acme", Status: model.SessionActive, WorkerID: "rt-0",
		Language: "en", Model: "fast", Encoding: "pcm16", SampleRate: 16000,
		RetentionDays: 30, StartedAt: now,
	}))
	require.NoError(t, g.store.PutSession(g.ctx, &model.Session{
		ID: "sess-b", TenantID: "acme", Status: model.SessionCompleted, WorkerID: "rt-0",
		Language: "de", Model: "fast", Encoding: "pcm16", SampleRate: 16000,
		AudioDurationSeconds: 120.5, SegmentCount: 14, WordCount: 220,
		RetentionDays: 30, StartedAt: now, EndedAt: &ended,
	}))

	req, rr := contractRequest(g, http.MethodGet, "/v1/sessions", tokenAcme, "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	validateOpenAPIResponse(t, doc, req, rr, nil)

	req, rr = contractRequest(g, http.MethodGet, "/v1/sessions?active=true", tokenAcme, "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	validateOpenAPIResponse(t, doc, req, rr, nil)
}

func TestContract_Unauthorized(t *testing.T) {
	g := newGateway(t, nil)
	doc := loadOpenAPIDoc(t)

	req, rr := contractRequest(g, http.MethodGet, "/v1/engines", "", "", nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	validateOpenAPIResponse(t, doc, req, rr, nil)
}
