// SPDX-License-Identifier: MIT

package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	allocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dalston_router_allocations_total",
			Help: "Session allocation attempts by outcome.",
		},
		[]string{"outcome"}, // outcome: ok, no_capacity, error
	)

	releasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dalston_router_releases_total",
			Help: "Session releases by terminal status.",
		},
		[]string{"status"},
	)

	sessionsInterruptedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dalston_router_sessions_interrupted_total",
			Help: "Sessions force-terminated because their worker was lost.",
		},
	)

	orphansReconciledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dalston_router_orphans_reconciled_total",
			Help: "Session records dropped from worker accounting because the session row was missing or terminal.",
		},
	)

	workersExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dalston_router_workers_expired_total",
			Help: "Workers marked unhealthy after missing their heartbeat window.",
		},
	)

	workersGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dalston_router_workers",
			Help: "Registered workers by health, as of the last monitor sweep.",
		},
		[]string{"healthy"},
	)

	activeSessionsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dalston_router_active_sessions",
			Help: "Sum of per-worker active session counts, as of the last monitor sweep.",
		},
	)
)
