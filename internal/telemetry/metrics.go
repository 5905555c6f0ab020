package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	DocumentsUploaded  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "carops_documents_uploaded_total", Help: "Documents accepted for processing"}, []string{"type"})
	DuplicateUploads   = prometheus.NewCounter(prometheus.CounterOpts{Name: "carops_documents_duplicate_total", Help: "Uploads matching an existing document checksum"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "carops_rate_limit_rejects_total", Help: "Uploads rejected by rate limiter"})
	JobsCompleted      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "carops_jobs_completed_total", Help: "Jobs finished successfully"}, []string{"type"})
	JobsFailed         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "carops_jobs_failed_total", Help: "Job attempts that failed"}, []string{"type"})
	JobsRetried        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "carops_jobs_retried_total", Help: "Failed jobs scheduled for redelivery"}, []string{"type"})
	JobsDeadLettered   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "carops_jobs_dead_letter_total", Help: "Jobs moved to DLQ"}, []string{"type"})
	DegradedExtraction = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "carops_extraction_degraded_total", Help: "Extractions replaced by the low-confidence fallback"}, []string{"type"})
	RemindersCreated   = prometheus.NewCounter(prometheus.CounterOpts{Name: "carops_reminders_created_total", Help: "Reminders created from expenses"})
	ExtractionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "carops_extraction_duration_seconds",
		Help:    "Latency of extraction calls",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 60},
	}, []string{"type"})
	QueueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "carops_queue_depth", Help: "Messages waiting in the ready list"})
	InFlightGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "carops_jobs_inflight", Help: "Messages currently leased by this worker"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			DocumentsUploaded,
			DuplicateUploads,
			RateLimitRejects,
			JobsCompleted,
			JobsFailed,
			JobsRetried,
			JobsDeadLettered,
			DegradedExtraction,
			RemindersCreated,
			ExtractionDuration,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
