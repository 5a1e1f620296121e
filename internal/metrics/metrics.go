package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hairswap_jobs_submitted_total",
			Help: "Jobs accepted for processing",
		},
		[]string{"backend"},
	)

	JobsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hairswap_jobs_finished_total",
			Help: "Jobs that reached a terminal state",
		},
		[]string{"backend", "status", "failure_kind"},
	)

	JobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hairswap_jobs_in_flight",
			Help: "Background drivers currently running",
		},
	)

	// 0.5s to ~256s
	JobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hairswap_job_duration_seconds",
			Help:    "End-to-end job duration from submission to terminal state",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
		[]string{"backend"},
	)

	BackendCallSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hairswap_backend_call_seconds",
			Help:    "Latency of individual inference backend calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)

	BackendCallErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hairswap_backend_call_errors_total",
			Help: "Inference backend calls that returned an error",
		},
		[]string{"backend", "op"},
	)

	AssetUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hairswap_asset_uploads_total",
			Help: "Asset uploads by outcome (durable, fallback, error)",
		},
		[]string{"backend", "outcome"},
	)

	// Pipeline completion rates computed from the performance log. They are
	// not model quality metrics.
	PipelineRatePercent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hairswap_pipeline_rate_percent",
			Help: "Pipeline completion rates derived from deduplicated performance records",
		},
		[]string{"rate"},
	)

	PipelineAvgProcessingSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hairswap_pipeline_avg_processing_seconds",
			Help: "Average processing time of successful attempts",
		},
	)

	PipelineAttempts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hairswap_pipeline_attempts",
			Help: "Deduplicated attempts in the performance log",
		},
	)

	WorkerTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hairswap_worker_tasks_total",
			Help: "Worker tasks by final status",
		},
		[]string{"status"},
	)

	WorkerQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hairswap_worker_queue_depth",
			Help: "Worker tasks waiting for a slot",
		},
	)
)
