package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsClaimed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "asm",
			Subsystem: "queue",
			Name:      "jobs_claimed_total",
			Help:      "Jobs leased by workers, by job type.",
		},
		[]string{"type"},
	)

	JobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "asm",
			Subsystem: "queue",
			Name:      "jobs_completed_total",
			Help:      "Jobs finished successfully, by job type.",
		},
		[]string{"type"},
	)

	JobsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "asm",
			Subsystem: "queue",
			Name:      "jobs_failed_total",
			Help:      "Jobs that failed terminally, by job type.",
		},
		[]string{"type"},
	)

	JobsRetried = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "asm",
			Subsystem: "queue",
			Name:      "jobs_retried_total",
			Help:      "Jobs re-queued for retry after a retryable failure.",
		},
		[]string{"type"},
	)

	LeasesReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "asm",
			Subsystem: "queue",
			Name:      "leases_reaped_total",
			Help:      "Expired leases returned to the queue by the janitor.",
		},
	)

	ScansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "asm",
			Subsystem: "scanner",
			Name:      "scans_total",
			Help:      "Scanner executions, by scanner name and terminal status.",
		},
		[]string{"scanner", "status"},
	)

	ScopeDenials = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "asm",
			Subsystem: "scope",
			Name:      "denials_total",
			Help:      "Scan targets rejected by the scope enforcer.",
		},
	)

	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "asm",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped from slow subscriber queues.",
		},
	)

	StreamLinesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "asm",
			Subsystem: "scanner",
			Name:      "stream_lines_dropped_total",
			Help:      "Raw output lines dropped from full scan stream buffers.",
		},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		JobsClaimed,
		JobsCompleted,
		JobsFailed,
		JobsRetried,
		LeasesReaped,
		ScansTotal,
		ScopeDenials,
		EventsDropped,
		StreamLinesDropped,
	)
}
