package metrics

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Poll sources
const (
	SourceSubmit   = "submit"
	SourceRecovery = "recovery"
)

var (
	once sync.Once

	trackerJobsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genjob_tracker_jobs_started_total",
			Help: "Jobs recorded in the durable job store per model.",
		},
		[]string{"model"},
	)

	trackerJobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genjob_tracker_jobs_finished_total",
			Help: "Jobs resolved by the tracker per model and outcome (completed/failed/timeout).",
		},
		[]string{"model", "outcome"},
	)

	trackerCapacityRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "genjob_tracker_capacity_rejections_total",
			Help: "Submissions rejected because the in-flight limit was reached.",
		},
	)

	trackerPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genjob_tracker_polls_total",
			Help: "Job status polls by source (submit/recovery) and observed outcome.",
		},
		[]string{"source", "outcome"},
	)

	trackerSwept = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genjob_tracker_swept_records_total",
			Help: "Records removed by retention sweeps per kind (in_flight/finished/stale_jobs/expired_jobs).",
		},
		[]string{"kind"},
	)

	trackerStoreWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "genjob_tracker_store_write_failures_total",
			Help: "Failed writes of the durable job store blob.",
		},
	)

	generationRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genjob_generation_requests_total",
			Help: "Generation requests served by the backend per model, mode (sync/async) and outcome.",
		},
		[]string{"model", "mode", "outcome"},
	)

	generationLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "genjob_generation_latency_seconds",
			Help:    "Generator call latency per model and mode.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300, 600},
		},
		[]string{"model", "mode"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genjob_http_requests_total",
			Help: "API requests per method, matched route and status code.",
		},
		[]string{"method", "route", "status"},
	)

	workerJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genjob_worker_jobs_total",
			Help: "Async jobs processed by the worker per outcome.",
		},
		[]string{"outcome"},
	)
)

// MustRegister registers collectors with the default registry (idempotent).
func MustRegister() {
	once.Do(func() {
		prometheus.MustRegister(
			trackerJobsStarted, trackerJobsFinished, trackerCapacityRejections,
			trackerPolls, trackerSwept, trackerStoreWriteFailures,
			generationRequests, generationLatency, httpRequests, workerJobs,
		)
	})
}

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// -------- Tracker --------

func JobStarted(model string) {
	trackerJobsStarted.WithLabelValues(norm(model)).Inc()
}

func JobFinished(model, outcome string) {
	trackerJobsFinished.WithLabelValues(norm(model), norm(outcome)).Inc()
}

func CapacityRejected() { trackerCapacityRejections.Inc() }

func PollObserved(source, outcome string) {
	trackerPolls.WithLabelValues(norm(source), norm(outcome)).Inc()
}

func Swept(kind string, n int) {
	if n <= 0 {
		return
	}
	trackerSwept.WithLabelValues(norm(kind)).Add(float64(n))
}

func StoreWriteFailed() { trackerStoreWriteFailures.Inc() }

// -------- Backend --------

func ObserveGeneration(model, mode string, elapsed time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	generationRequests.WithLabelValues(norm(model), norm(mode), outcome).Inc()
	generationLatency.WithLabelValues(norm(model), norm(mode)).Observe(elapsed.Seconds())
}

// HTTPRequest counts one served request. Unmatched routes share one label.
func HTTPRequest(method, route string, status int) {
	if route == "" {
		route = "unmatched"
	}
	httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

func WorkerJobProcessed(outcome string) {
	workerJobs.WithLabelValues(norm(outcome)).Inc()
}
