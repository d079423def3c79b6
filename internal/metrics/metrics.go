package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters
	NotificationsReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_pipeline_notifications_received_total",
			Help: "Total number of object-created notifications accepted by the dispatcher",
		},
		[]string{"source"}, // rabbitmq, api, cli
	)

	SubmitRejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_pipeline_submit_rejected_total",
			Help: "Total number of non-blocking submits rejected because the queue was full",
		},
	)

	JobsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_pipeline_jobs_finished_total",
			Help: "Total number of jobs that reached a terminal outcome",
		},
		[]string{"outcome", "kind"},
	)

	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_pipeline_attempts_total",
			Help: "Total number of processing attempts by result",
		},
		[]string{"result"}, // success, transient, permanent
	)

	ReservationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_pipeline_ledger_reservations_total",
			Help: "Total number of ledger reserve calls by outcome",
		},
		[]string{"outcome"},
	)

	LeasesLostTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_pipeline_leases_lost_total",
			Help: "Total number of attempts that lost their ledger lease",
		},
	)

	DerivedBytesWrittenTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_pipeline_derived_bytes_written_total",
			Help: "Total bytes of derived objects written",
		},
	)

	// Gauges
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_pipeline_queue_depth",
			Help: "Current number of jobs waiting in the dispatcher queue",
		},
	)

	WorkersBusy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_pipeline_workers_busy",
			Help: "Current number of workers processing a job",
		},
	)

	// Buckets: 10ms to ~163s
	JobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "media_pipeline_job_duration_seconds",
			Help:    "Time from notification receipt to terminal outcome",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		},
		[]string{"outcome"},
	)

	StageDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "media_pipeline_stage_duration_seconds",
			Help:    "Duration of a single pipeline stage",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		},
		[]string{"stage"}, // reserve, fetch, transform, write, commit
	)

	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_pipeline_api_requests_total",
			Help: "Total number of operator API requests",
		},
		[]string{"method", "route", "status"},
	)
)
