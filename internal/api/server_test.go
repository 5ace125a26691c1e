// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dalstonhq/dalston/internal/audit"
	"github.com/dalstonhq/dalston/internal/blob"
	"github.com/dalstonhq/dalston/internal/bus"
	"github.com/dalstonhq/dalston/internal/catalog"
	"github.com/dalstonhq/dalston/internal/config"
	"github.com/dalstonhq/dalston/internal/engine"
	"github.com/dalstonhq/dalston/internal/health"
	"github.com/dalstonhq/dalston/internal/model"
	"github.com/dalstonhq/dalston/internal/registry"
	"github.com/dalstonhq/dalston/internal/router"
	"github.com/dalstonhq/dalston/internal/scheduler"
	"github.com/dalstonhq/dalston/internal/store"
)

const (
	tokenAcme   = "tok-acme-0001"
	tokenGlobex = "tok-globex-0002"

	ticketSecret = "test-ticket-secret"
)

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New([]model.EngineDescriptor{
		{ID: "prep", Stage: model.StagePrepare, Languages: []string{"all"}, RTFCPU: 0.1},
		{ID: "whisper-cpu", Stage: model.StageTranscribe, Model: "fast",
			Languages: []string{"all"}, RTFCPU: 1.0},
		{ID: "whisper-gpu", Stage: model.StageTranscribe, Model: "accurate",
			Languages: []string{"en", "de"}, GPU: model.GPURequired, RTFGPU: 0.25,
			Capabilities: model.Capabilities{WordTimestamps: true}},
		{ID: "aligner", Stage: model.StageAlign, Languages: []string{"all"},
			Capabilities: model.Capabilities{WordTimestamps: true}, RTFCPU: 0.2},
		{ID: "diarizer", Stage: model.StageDiarize, Languages: []string{"all"}, RTFCPU: 0.5},
		{ID: "pii", Stage: model.StagePIIDetect, Languages: []string{"all"}, RTFCPU: 0.1},
		{ID: "redactor", Stage: model.StageAudioRedact, Languages: []string{"all"}, RTFCPU: 0.2},
		{ID: "merger", Stage: model.StageMerge, Languages: []string{"all"}, RTFCPU: 0.05},
	})
	require.NoError(t, err)
	return c
}

// gateway wires a Server against in-memory collaborators. Handler-level
// tests drive it through httptest recorders; stream tests put an
// httptest.Server in front of it.
type gateway struct {
	t        *testing.T
	ctx      context.Context
	store    *store.Memory
	blobs    *blob.Memory
	router   *router.Router
	registry *registry.Registry
	api      *Server
	handler  http.Handler
}

func newGateway(t *testing.T, mutate func(*config.ServerConfig)) *gateway {
	t.Helper()
	cfg := config.ServerConfig{
		Listen:         "127.0.0.1:0",
		APITokens:      "acme:" + tokenAcme + ",globex:" + tokenGlobex,
		SubmitRPM:      600,
		MaxUploadBytes: 32 << 20,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	st := store.NewMemory()
	b := bus.NewMemory(2)
	t.Cleanup(func() { _ = b.Close() })
	blobs := blob.NewMemory()
	cat := catalog.Static{C: testCatalog(t)}
	rt := router.New(st, []byte(ticketSecret), 30*time.Second, 0)
	reg := registry.New(st, time.Minute)

	hm := health.NewManager("test")
	hm.RegisterChecker(health.NewPingChecker("store", st.Ping))
	hm.RegisterChecker(health.NewPingChecker("bus", b.Ping))

	srv, err := New(cfg, Deps{
		Jobs:     scheduler.NewService(st, b, cat),
		Router:   rt,
		Registry: reg,
		Catalog:  cat,
		Store:    st,
		Blobs:    blobs,
		Health:   hm,
		Audit:    audit.New(st),
	})
	require.NoError(t, err)

	return &gateway{
		t:        t,
		ctx:      context.Background(),
		store:    st,
		blobs:    blobs,
		router:   rt,
		registry: reg,
		api:      srv,
		handler:  srv.Routes(),
	}
}

// do runs one request through the full middleware stack and returns the
// recorder. token may be empty for unauthenticated calls.
func (g *gateway) do(method, target, token string, body io.Reader, header http.Header) *httptest.ResponseRecorder {
	g.t.Helper()
	req := httptest.NewRequest(method, target, body)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	g.handler.ServeHTTP(rr, req)
	return rr
}

// upload builds a multipart submit body: a 2 s mono WAV plus form fields.
func upload(t *testing.T, fields map[string]string) (io.Reader, string) {
	return uploadPayload(t, fields, "call.wav", engine.SynthWAV(2, 1))
}

func uploadPayload(t *testing.T, fields map[string]string, filename string, payload []byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(payload)
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	return bytes.NewReader(buf.Bytes()), mw.FormDataContentType()
}

// submit uploads a WAV as the given tenant and returns the decoded response.
func (g *gateway) submit(token string, fields map[string]string, header http.Header) (*httptest.ResponseRecorder, submitResponse) {
	g.t.Helper()
	body, contentType := upload(g.t, fields)
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Type", contentType)
	rr := g.do(http.MethodPost, "/v1/audio/transcriptions", token, body, header)
	var resp submitResponse
	if rr.Code == http.StatusCreated {
		require.NoError(g.t, decodeBody(rr, &resp))
	}
	return rr, resp
}

func decodeBody(rr *httptest.ResponseRecorder, v any) error {
	return json.Unmarshal(rr.Body.Bytes(), v)
}
