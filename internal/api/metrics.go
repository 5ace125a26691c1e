// SPDX-License-Identifier: MIT

package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dalston_api_request_duration_seconds",
			Help:    "Gateway request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	httpInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dalston_api_requests_in_flight",
			Help: "Requests currently being served.",
		},
	)

	httpResponseBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dalston_api_response_size_bytes",
			Help:    "Gateway response sizes in bytes.",
			Buckets: prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path", "status"},
	)

	uploadBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dalston_api_upload_size_bytes",
			Help:    "Accepted audio upload sizes in bytes.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		},
	)

	wsSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dalston_api_ws_sessions_active",
			Help: "WebSocket sessions currently proxied by this gateway.",
		},
	)

	wsFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dalston_api_ws_frames_total",
			Help: "WebSocket frames relayed by direction.",
		},
		[]string{"direction"}, // direction: upstream, downstream
	)

	wsOverflowTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dalston_api_ws_overflow_total",
			Help: "Sessions terminated because the client stopped draining transcript frames.",
		},
	)
)
