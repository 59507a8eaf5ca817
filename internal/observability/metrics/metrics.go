// Package metrics declares the client's Prometheus counters/histograms,
// matching the teacher's services/keys/internal/observability/metrics
// curry-then-MustRegister pattern. Counters here cover the outbox, the DR
// engine's decrypt-failure taxonomy, and session restore outcomes — the
// concerns a client-side core actually needs to dashboard.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	OutboxJobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securemsg_outbox_jobs_enqueued_total",
			Help: "Total outbox jobs enqueued, by type.",
		},
		[]string{"service", "type"},
	)

	OutboxJobsSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securemsg_outbox_jobs_sent_total",
			Help: "Total outbox jobs successfully sent.",
		},
		[]string{"service", "type"},
	)

	OutboxRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securemsg_outbox_retries_total",
			Help: "Total transient-retry attempts.",
		},
		[]string{"service", "type"},
	)

	OutboxDeadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securemsg_outbox_dead_letters_total",
			Help: "Total outbox jobs moved to dead-letter, by reason code.",
		},
		[]string{"service", "type", "reason_code"},
	)

	DrDecryptFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securemsg_dr_decrypt_failures_total",
			Help: "Total DR decrypt failures, by reason code.",
		},
		[]string{"service", "reason_code"},
	)

	SessionRestoreOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securemsg_session_restore_outcomes_total",
			Help: "Total session-restore attempts, by outcome (restored/corrupt).",
		},
		[]string{"service", "outcome"},
	)

	InboxGapsDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securemsg_inbox_gaps_detected_total",
			Help: "Total inbox gaps detected, triggering a b-route backfill pull.",
		},
		[]string{"service"},
	)

	FlushDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "securemsg_outbox_flush_duration_seconds",
			Help:    "Duration of a single outbox flush pass.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)
)

// MustRegister curries every vector with the service label and registers
// them with the default Prometheus registry, exactly as the teacher's
// metrics.MustRegister(serviceName) does per-service.
func MustRegister(serviceName string) {
	OutboxJobsEnqueuedTotal = OutboxJobsEnqueuedTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	OutboxJobsSentTotal = OutboxJobsSentTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	OutboxRetriesTotal = OutboxRetriesTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	OutboxDeadLettersTotal = OutboxDeadLettersTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	DrDecryptFailuresTotal = DrDecryptFailuresTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	SessionRestoreOutcomesTotal = SessionRestoreOutcomesTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	InboxGapsDetectedTotal = InboxGapsDetectedTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	FlushDurationSeconds = FlushDurationSeconds.MustCurryWith(prometheus.Labels{"service": serviceName}).(*prometheus.HistogramVec)

	prometheus.MustRegister(
		OutboxJobsEnqueuedTotal,
		OutboxJobsSentTotal,
		OutboxRetriesTotal,
		OutboxDeadLettersTotal,
		DrDecryptFailuresTotal,
		SessionRestoreOutcomesTotal,
		InboxGapsDetectedTotal,
		FlushDurationSeconds,
	)
}
