// SPDX-License-Identifier: MIT

package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dalston_engine_tasks_total",
			Help: "Task attempts processed by stage and outcome.",
		},
		[]string{"stage", "outcome"}, // outcome: completed, failed, cancelled, claim_lost, lease_lost
	)

	taskSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dalston_engine_task_seconds",
			Help:    "Wall time spent inside the work function.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1800},
		},
		[]string{"stage"},
	)

	activeTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dalston_engine_active_tasks",
			Help: "Work functions currently running in this process.",
		},
	)
)
