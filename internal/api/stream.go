// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/dalstonhq/dalston/internal/log"
	"github.com/dalstonhq/dalston/internal/model"
	"github.com/dalstonhq/dalston/internal/router"
	"github.com/dalstonhq/dalston/internal/telemetry"
)

const (
	// downstreamBuffer bounds transcripts queued toward a slow client.
	// When it fills, the session is terminated rather than letting the
	// worker's results back up in gateway memory.
	downstreamBuffer = 64

	// wsReadLimit caps a single frame from either peer.
	wsReadLimit = 1 << 20
)

// streamEnvelope is the text-frame protocol shared by client, gateway and
// worker. Binary frames carry raw PCM and are relayed untouched.
type streamEnvelope struct {
	Type              string  `json:"type"`
	SessionID         string  `json:"session_id,omitempty"`
	Model             string  `json:"model,omitempty"`
	Language          string  `json:"language,omitempty"`
	SampleRate        int     `json:"sample_rate,omitempty"`
	Encoding          string  `json:"encoding,omitempty"`
	Text              string  `json:"text,omitempty"`
	TotalAudioSeconds float64 `json:"total_audio_seconds,omitempty"`
	SegmentCount      int     `json:"segment_count,omitempty"`
	WordCount         int     `json:"word_count,omitempty"`
}

// handleStream runs one realtime transcription session: allocate a worker
// slot, upgrade the client, attach to the worker and relay frames until
// either side finishes. The session row is terminalized on every exit path.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		w.Header().Set("Retry-After", "10")
		writeError(w, http.StatusServiceUnavailable, "draining", "gateway is draining, retry against another replica")
		return
	}

	q := r.URL.Query()
	sampleRate := 0
	if v := q.Get("sample_rate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusUnprocessableEntity, "invalid_parameters", "sample_rate must be a positive integer")
			return
		}
		sampleRate = n
	}
	retention, err := parseRetention(q.Get("retention_policy"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	tenant := tenantFromContext(r.Context())
	ticket, err := s.router.Allocate(r.Context(), router.AllocateRequest{
		TenantID:      tenant,
		Language:      q.Get("language"),
		Model:         q.Get("model"),
		Encoding:      q.Get("encoding"),
		SampleRate:    sampleRate,
		RetentionDays: retention,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	sess, err := s.store.GetSession(r.Context(), ticket.SessionID)
	if err != nil {
		s.releaseStream(r.Context(), ticket.SessionID, tenant, model.SessionError, "session row missing", router.SessionStats{})
		s.writeServiceError(w, r, err)
		return
	}
	s.audit.SessionAllocated(r.Context(), tenant, tenant, ticket.SessionID, ticket.WorkerID,
		log.CorrelationIDFromContext(r.Context()), s.clientIP(r), r.UserAgent())
	trace.SpanFromContext(r.Context()).SetAttributes(
		telemetry.SessionAttributes(ticket.SessionID, ticket.WorkerID, sess.Language, sess.Model)...)

	logger := log.WithComponentFromContext(r.Context(), "api").With().
		Str("session_id", ticket.SessionID).Str("worker_id", ticket.WorkerID).Logger()

	client, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		logger.Warn().Err(err).Msg("websocket accept failed")
		s.releaseStream(r.Context(), ticket.SessionID, tenant, model.SessionError, "handshake failed", router.SessionStats{})
		return
	}
	client.SetReadLimit(wsReadLimit)

	worker, _, err := websocket.Dial(r.Context(), attachURL(ticket, sess), nil)
	if err != nil {
		logger.Error().Err(err).Str("worker_url", ticket.WorkerURL).Msg("worker attach failed")
		client.Close(websocket.StatusInternalError, "worker attach failed")
		s.releaseStream(r.Context(), ticket.SessionID, tenant, model.SessionError, "worker attach failed", router.SessionStats{})
		return
	}
	worker.SetReadLimit(wsReadLimit)

	proxy := &streamProxy{
		client: client,
		worker: worker,
		sess:   sess,
		down:   make(chan wsFrame, downstreamBuffer),
		done:   make(chan struct{}),
		logger: logger,
	}
	wsSessionsActive.Inc()
	status, reason, stats := proxy.run(r.Context())
	wsSessionsActive.Dec()

	s.releaseStream(r.Context(), ticket.SessionID, tenant, status, reason, stats)
}

// releaseStream terminalizes the session and audits the outcome. The
// request context may already be dead when the client vanished, so the
// release gets its own deadline.
func (s *Server) releaseStream(ctx context.Context, sessionID, tenant string, status model.SessionStatus, reason string, stats router.SessionStats) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	released, err := s.router.Release(rctx, sessionID, status, reason, stats)
	if err != nil {
		l := log.WithComponent("api")
		l.Error().Err(err).Str("session_id", sessionID).Msg("session release failed")
		return
	}
	s.audit.SessionReleased(rctx, tenant, tenant, sessionID, released.Status, released.CloseReason)
}

// attachURL builds the worker attach endpoint from a ticket. The session
// parameters ride along because the worker has no state-store access.
func attachURL(t *model.SessionTicket, sess *model.Session) string {
	u, err := url.Parse(t.WorkerURL)
	if err != nil || u.Host == "" {
		// Bare host:port advertisements are common; default the scheme.
		u = &url.URL{Scheme: "ws", Host: t.WorkerURL}
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/v1/session"
	q := url.Values{}
	q.Set("session_id", t.SessionID)
	q.Set("worker_id", t.WorkerID)
	q.Set("token", t.Token)
	q.Set("expires_ms", strconv.FormatInt(t.ExpiresAt.UnixMilli(), 10))
	q.Set("language", sess.Language)
	q.Set("model", sess.Model)
	q.Set("encoding", sess.Encoding)
	q.Set("sample_rate", strconv.Itoa(sess.SampleRate))
	u.RawQuery = q.Encode()
	return u.String()
}

// wsFrame is one relayed message. end marks the worker's session.end so
// the sender can finish after it is delivered.
type wsFrame struct {
	kind websocket.MessageType
	data []byte
	end  bool
}

// streamProxy relays one session between the client and its worker.
// The downstream path is buffered and bounded; the upstream path writes
// through so audio backpressure lands on the client, not the gateway.
type streamProxy struct {
	client *websocket.Conn
	worker *websocket.Conn
	sess   *model.Session

	down chan wsFrame
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	status model.SessionStatus
	reason string

	// Written by one pump each, read after wg.Wait.
	bytesUp  int64
	endStats *streamEnvelope

	logger zerolog.Logger
}

func (p *streamProxy) settle(status model.SessionStatus, reason string) {
	p.once.Do(func() {
		p.status = status
		p.reason = reason
		close(p.done)
	})
}

// run relays frames until one side ends the session, then tears both
// connections down and reports the outcome.
func (p *streamProxy) run(ctx context.Context) (model.SessionStatus, string, router.SessionStats) {
	begin := streamEnvelope{
		Type:       "session.begin",
		SessionID:  p.sess.ID,
		Model:      p.sess.Model,
		Language:   p.sess.Language,
		SampleRate: p.sess.SampleRate,
		Encoding:   p.sess.Encoding,
	}
	if err := writeEnvelope(ctx, p.client, begin); err != nil {
		p.settle(model.SessionInterrupted, "client disconnected")
	} else {
		p.wg.Add(3)
		go p.pumpUpstream(ctx)
		go p.pumpWorker(ctx)
		go p.pumpDownstream(ctx)
	}

	select {
	case <-p.done:
	case <-ctx.Done():
		p.settle(model.SessionInterrupted, "gateway shutdown")
	}

	p.closeConns()
	p.wg.Wait()

	return p.status, p.reason, p.finalStats()
}

// pumpUpstream relays client frames to the worker: binary audio and text
// control messages, verbatim.
func (p *streamProxy) pumpUpstream(ctx context.Context) {
	defer p.wg.Done()
	for {
		kind, data, err := p.client.Read(ctx)
		if err != nil {
			p.settle(model.SessionInterrupted, "client disconnected")
			return
		}
		if kind == websocket.MessageBinary {
			p.bytesUp += int64(len(data))
		}
		if err := p.worker.Write(ctx, kind, data); err != nil {
			p.settle(model.SessionError, "worker connection lost")
			return
		}
		wsFramesTotal.WithLabelValues("upstream").Inc()
	}
}

// pumpWorker reads worker frames into the bounded downstream queue. A full
// queue means the client stopped draining, which ends the session instead
// of buffering without bound.
func (p *streamProxy) pumpWorker(ctx context.Context) {
	defer p.wg.Done()
	for {
		kind, data, err := p.worker.Read(ctx)
		if err != nil {
			p.settle(model.SessionError, "worker connection lost")
			return
		}
		frame := wsFrame{kind: kind, data: data}
		if kind == websocket.MessageText {
			var env streamEnvelope
			if json.Unmarshal(data, &env) == nil && env.Type == "session.end" {
				p.endStats = &env
				frame.end = true
			}
		}
		select {
		case p.down <- frame:
		default:
			wsOverflowTotal.Inc()
			p.logger.Warn().Int("buffered", len(p.down)).Msg("downstream queue full, terminating session")
			p.settle(model.SessionInterrupted, "client not draining")
			return
		}
		if frame.end {
			return
		}
	}
}

// pumpDownstream delivers queued worker frames to the client and finishes
// the session once session.end has gone out.
func (p *streamProxy) pumpDownstream(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case frame := <-p.down:
			if err := p.client.Write(ctx, frame.kind, frame.data); err != nil {
				p.settle(model.SessionInterrupted, "client disconnected")
				return
			}
			wsFramesTotal.WithLabelValues("downstream").Inc()
			if frame.end {
				p.settle(model.SessionCompleted, "")
				return
			}
		case <-p.done:
			return
		}
	}
}

// closeConns sends the outcome-appropriate close frames and then tears
// both connections down, unblocking any pump still parked in Read.
func (p *streamProxy) closeConns() {
	switch {
	case p.status == model.SessionCompleted:
		p.client.Close(websocket.StatusNormalClosure, "session complete")
		p.worker.Close(websocket.StatusNormalClosure, "session complete")
	case p.reason == "client not draining":
		p.client.Close(websocket.StatusPolicyViolation, "client not draining")
		p.worker.Close(websocket.StatusGoingAway, "session terminated")
	case p.status == model.SessionError:
		p.client.Close(websocket.StatusInternalError, p.reason)
		p.worker.Close(websocket.StatusGoingAway, "session terminated")
	default:
		p.client.Close(websocket.StatusGoingAway, "session terminated")
		p.worker.Close(websocket.StatusGoingAway, "client disconnected")
	}
	_ = p.client.CloseNow()
	_ = p.worker.CloseNow()
}

// finalStats prefers the worker's session.end accounting and falls back to
// what the gateway itself measured from the audio byte stream.
func (p *streamProxy) finalStats() router.SessionStats {
	if p.endStats != nil {
		return router.SessionStats{
			AudioDurationSeconds: p.endStats.TotalAudioSeconds,
			SegmentCount:         p.endStats.SegmentCount,
			WordCount:            p.endStats.WordCount,
		}
	}
	stats := router.SessionStats{}
	if p.sess.SampleRate > 0 {
		// pcm16 mono: two bytes per sample.
		stats.AudioDurationSeconds = float64(p.bytesUp) / float64(p.sess.SampleRate*2)
	}
	return stats
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, env streamEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", env.Type, err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
