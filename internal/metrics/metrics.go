package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Compression metrics
var (
	// JobsTotal counts finished compression jobs by outcome.
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vidshrink",
			Name:      "jobs_total",
			Help:      "Total number of compression jobs by outcome",
		},
		[]string{"outcome"},
	)

	// DecisionsTotal counts decision engine verdicts by branch.
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vidshrink",
			Name:      "decisions_total",
			Help:      "Total number of transcode decisions by branch",
		},
		[]string{"branch", "tier"},
	)

	// TransferDuration tracks the time spent moving samples through the pipeline.
	TransferDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vidshrink",
			Name:      "transfer_duration_seconds",
			Help:      "Time taken to transfer and encode a video",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"outcome"},
	)

	// FramesTransferred counts video samples appended to output streams.
	FramesTransferred = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vidshrink",
			Name:      "frames_transferred_total",
			Help:      "Total number of video frames transferred",
		},
	)

	// ActiveJobs tracks the number of currently running pipelines.
	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vidshrink",
			Name:      "active_jobs",
			Help:      "Number of currently running compression jobs",
		},
	)

	// BytesSaved tracks the size reduction of successful jobs.
	BytesSaved = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vidshrink",
			Name:      "bytes_saved",
			Help:      "Bytes saved per successful compression",
			Buckets:   prometheus.ExponentialBuckets(1<<20, 2, 12),
		},
	)

	// ReductionRatio tracks output size as a share of input size.
	ReductionRatio = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vidshrink",
			Name:      "reduction_percent",
			Help:      "Size reduction in percent per successful compression",
			Buckets:   []float64{0, 10, 25, 50, 75, 90, 100},
		},
	)

	// DownloadDuration tracks the time taken to download sources from S3.
	DownloadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vidshrink",
			Name:      "download_duration_seconds",
			Help:      "Time taken to download sources from S3",
			Buckets:   []float64{1, 5, 10, 30, 60, 120},
		},
	)

	// UploadDuration tracks the time taken to upload results to S3.
	UploadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vidshrink",
			Name:      "upload_duration_seconds",
			Help:      "Time taken to upload results to S3",
			Buckets:   []float64{1, 5, 10, 30, 60, 120},
		},
	)
)

// API metrics
var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vidshrink",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP request duration.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vidshrink",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// AuthFailures counts authentication failures by type.
	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vidshrink",
			Subsystem: "api",
			Name:      "auth_failures_total",
			Help:      "Total number of authentication failures",
		},
		[]string{"reason"},
	)

	// UploadsInitiated counts presigned upload URLs handed out.
	UploadsInitiated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vidshrink",
			Subsystem: "api",
			Name:      "uploads_initiated_total",
			Help:      "Total number of uploads initiated",
		},
	)

	// JobsSubmitted counts compression jobs enqueued.
	JobsSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vidshrink",
			Subsystem: "api",
			Name:      "jobs_submitted_total",
			Help:      "Total number of compression jobs submitted",
		},
	)

	// CancelRequests counts cancellation requests accepted by the API.
	CancelRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vidshrink",
			Subsystem: "api",
			Name:      "cancel_requests_total",
			Help:      "Total number of job cancellation requests",
		},
	)
)

// RecordOutcome records a finished job.
func RecordOutcome(outcome string) {
	JobsTotal.WithLabelValues(outcome).Inc()
}

// RecordDecision records the branch taken by the decision engine.
func RecordDecision(branch, tier string) {
	DecisionsTotal.WithLabelValues(branch, tier).Inc()
}

// RecordSavings records the size change of a successful job.
func RecordSavings(inputBytes, outputBytes int64) {
	if inputBytes <= 0 {
		return
	}
	saved := inputBytes - outputBytes
	if saved > 0 {
		BytesSaved.Observe(float64(saved))
	}
	ReductionRatio.Observe(float64(saved) / float64(inputBytes) * 100)
}
