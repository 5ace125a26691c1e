// SPDX-License-Identifier: MIT

package rtworker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dalston_rtworker_sessions_active",
			Help: "Sessions currently hosted by this worker.",
		},
	)

	sessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dalston_rtworker_sessions_total",
			Help: "Finished sessions by outcome.",
		},
		[]string{"outcome"}, // outcome: completed, interrupted, shutdown
	)

	attachRejectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dalston_rtworker_attach_rejects_total",
			Help: "Attach requests turned away before the upgrade.",
		},
		[]string{"reason"}, // reason: draining, ticket, params, capacity, replay
	)

	framesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dalston_rtworker_frames_total",
			Help: "Session frames by kind.",
		},
		[]string{"kind"}, // kind: audio, control, transcript
	)

	audioSecondsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dalston_rtworker_audio_seconds_total",
			Help: "Audio decoded across all sessions, in seconds.",
		},
	)
)
