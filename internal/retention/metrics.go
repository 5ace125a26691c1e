// SPDX-License-Identifier: MIT

package retention

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

var (
	purgedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dalston_retention_purged_total",
			Help: "Rows tombstoned by the retention sweep.",
		},
		[]string{"kind"}, // kind: artifact, job, session
	)

	purgeFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dalston_retention_purge_failures_total",
			Help: "Purge attempts that failed and were left for the next sweep.",
		},
		[]string{"kind"},
	)

	breakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dalston_retention_breaker_state",
			Help: "Storage delete breaker state: 0 closed, 1 half-open, 2 open.",
		},
	)
)

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
