// SPDX-License-Identifier: MIT

package rtworker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
)

// Frame types of the session text protocol. The gateway relays them to
// the client untouched, reading only session.end for its accounting.
const (
	typePartial = "transcript.partial"
	typeFinal   = "transcript.final"
	typeEnd     = "session.end"
)

// Client control frames arrive as raw text, not JSON.
const (
	controlEnd   = "end"
	controlFlush = "flush"
)

// envelope is one worker-to-client text frame.
type envelope struct {
	Type              string  `json:"type"`
	SessionID         string  `json:"session_id,omitempty"`
	Text              string  `json:"text,omitempty"`
	TotalAudioSeconds float64 `json:"total_audio_seconds,omitempty"`
	SegmentCount      int     `json:"segment_count,omitempty"`
	WordCount         int     `json:"word_count,omitempty"`
}

// Session outcomes, the label set of sessionsTotal.
const (
	outcomeCompleted   = "completed"
	outcomeInterrupted = "interrupted"
	outcomeShutdown    = "shutdown"
)

// session is one attached stream: frames in, transcripts out.
type session struct {
	w      *Worker
	id     string
	conn   *websocket.Conn
	rec    *recognizer
	logger zerolog.Logger
	ended  bool
}

// run consumes frames until the client sends end and the gateway closes,
// or the connection drops. The returned outcome feeds metrics.
func (s *session) run(ctx context.Context) string {
	for {
		kind, data, err := s.conn.Read(ctx)
		if err != nil {
			return s.outcome(ctx, err)
		}
		if s.ended {
			// The gateway relays whatever the client sends after end;
			// nothing is left to transcribe.
			continue
		}
		switch kind {
		case websocket.MessageBinary:
			framesTotal.WithLabelValues("audio").Inc()
			if err := s.sendAll(ctx, s.rec.feed(len(data))); err != nil {
				return s.outcome(ctx, err)
			}
		case websocket.MessageText:
			framesTotal.WithLabelValues("control").Inc()
			switch string(data) {
			case controlEnd:
				if err := s.finish(ctx); err != nil {
					return s.outcome(ctx, err)
				}
			case controlFlush:
				if env, ok := s.rec.flush(); ok {
					if err := s.send(ctx, env); err != nil {
						return s.outcome(ctx, err)
					}
				}
			default:
				s.logger.Debug().Str("control", string(data)).Msg("unknown control frame ignored")
			}
		}
	}
}

// finish closes the open segment, reports totals and leaves the close
// handshake to the gateway.
func (s *session) finish(ctx context.Context) error {
	if env, ok := s.rec.flush(); ok {
		if err := s.send(ctx, env); err != nil {
			return err
		}
	}
	s.ended = true
	return s.send(ctx, s.rec.end(s.id))
}

// outcome classifies the error that ended the session. Any close after
// session.end went out is a completion.
func (s *session) outcome(ctx context.Context, err error) string {
	switch {
	case s.ended:
		return outcomeCompleted
	case s.w.stopping.Load() || ctx.Err() != nil:
		return outcomeShutdown
	default:
		s.logger.Debug().Err(err).Msg("session connection ended")
		return outcomeInterrupted
	}
}

func (s *session) sendAll(ctx context.Context, envs []envelope) error {
	for _, env := range envs {
		if err := s.send(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) send(ctx context.Context, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", env.Type, err)
	}
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return err
	}
	framesTotal.WithLabelValues("transcript").Inc()
	return nil
}

// segmentSeconds is the audio window behind one final segment, the same
// cadence the batch virtual engines transcribe at.
const segmentSeconds = 4.0

// The corpus is positional: the streaming recognizer hears the same call
// as the batch virtual engines, so a session's transcript depends only
// on how much audio was sent.
var corpus = [...]string{
	"thanks for calling dalston support",
	"i would like to check on my order",
	"sure my phone number is 555-0134",
	"let me pull up the account details",
	"the delivery window moved to thursday",
	"you can email the invoice to ada@example.com",
	"that covers everything i needed today",
	"have a great rest of your week",
}

// recognizer is the virtual streaming decoder: PCM bytes in, corpus
// segments out. Partials grow word by word while a segment window fills;
// a full window emits the final and opens the next segment.
type recognizer struct {
	sampleRate int
	totalBytes int64
	pending    int // bytes of the open segment window
	heard      int // words of the open segment already in a partial
	segments   int
	words      int
}

// pcm16 mono: two bytes per sample.
func (r *recognizer) windowBytes() int {
	return int(segmentSeconds * float64(r.sampleRate) * 2)
}

// feed consumes n audio bytes and returns the frames they produce: a
// final per completed window, then at most one partial when new words of
// the open segment were heard.
func (r *recognizer) feed(n int) []envelope {
	r.totalBytes += int64(n)
	r.pending += n
	window := r.windowBytes()

	var out []envelope
	for r.pending >= window {
		r.pending -= window
		out = append(out, r.final(corpus[r.segments%len(corpus)]))
	}
	if r.pending > 0 {
		fields := strings.Fields(corpus[r.segments%len(corpus)])
		heard := len(fields) * r.pending / window
		if heard == 0 {
			heard = 1
		}
		if heard > r.heard {
			r.heard = heard
			out = append(out, envelope{Type: typePartial, Text: strings.Join(fields[:heard], " ")})
		}
	}
	return out
}

// flush finalizes a partially heard segment with the words decoded so
// far. Nothing pending means nothing to flush.
func (r *recognizer) flush() (envelope, bool) {
	if r.pending == 0 {
		return envelope{}, false
	}
	fields := strings.Fields(corpus[r.segments%len(corpus)])
	heard := r.heard
	if heard == 0 {
		heard = 1
	}
	if heard > len(fields) {
		heard = len(fields)
	}
	r.pending = 0
	return r.final(strings.Join(fields[:heard], " ")), true
}

// final closes the open segment.
func (r *recognizer) final(text string) envelope {
	r.segments++
	r.words += len(strings.Fields(text))
	r.heard = 0
	return envelope{Type: typeFinal, Text: text}
}

// end reports the session totals.
func (r *recognizer) end(sessionID string) envelope {
	return envelope{
		Type:              typeEnd,
		SessionID:         sessionID,
		TotalAudioSeconds: r.seconds(),
		SegmentCount:      r.segments,
		WordCount:         r.words,
	}
}

// seconds is the audio heard so far.
func (r *recognizer) seconds() float64 {
	if r.sampleRate <= 0 {
		return 0
	}
	return float64(r.totalBytes) / float64(r.sampleRate*2)
}
