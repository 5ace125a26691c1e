// SPDX-License-Identifier: MIT

package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dalston_scheduler_events_total",
			Help: "Lifecycle events consumed from the bus by type and outcome.",
		},
		[]string{"type", "outcome"}, // outcome: handled, discarded, error
	)

	eventLagSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dalston_scheduler_event_lag_seconds",
			Help:    "Delay between event emission and scheduler handling.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		},
	)

	tasksEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dalston_scheduler_tasks_enqueued_total",
			Help: "Task attempts pushed onto engine queues.",
		},
		[]string{"stage", "engine"},
	)

	taskRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dalston_scheduler_task_retries_total",
			Help: "Task attempts re-armed after a retryable failure.",
		},
		[]string{"stage", "kind"},
	)

	staleResultsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dalston_scheduler_stale_results_total",
			Help: "Engine results discarded by the attempt/lease identity check.",
		},
	)

	leasesExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dalston_scheduler_leases_expired_total",
			Help: "Running tasks re-queued after their lease deadline lapsed.",
		},
	)

	jobsFinalizedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dalston_scheduler_jobs_finalized_total",
			Help: "Jobs driven to a terminal status.",
		},
		[]string{"status"},
	)

	jobTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dalston_scheduler_job_transitions_total",
			Help: "Job state machine transitions.",
		},
		[]string{"state_from", "state_to"},
	)
)

func recordTransition(from, to string) {
	jobTransitions.WithLabelValues(from, to).Inc()
}
