package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WorkersAlive is the current count of registered worker processes.
	WorkersAlive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "probed_workers_alive",
			Help: "Current number of worker processes registered with the pool",
		},
	)

	// WorkerCrashesTotal counts worker sockets that reported EOF or an
	// unrecoverable read error.
	WorkerCrashesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "probed_worker_crashes_total",
			Help: "Total number of worker processes that crashed or lost their socket",
		},
	)

	// JobsDispatchedTotal counts jobs sent to a worker, by job type.
	JobsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "probed_jobs_dispatched_total",
			Help: "Total number of jobs dispatched to workers, by type",
		},
		[]string{"type"},
	)

	// JobsCompletedTotal counts response frames successfully decoded
	// into a finished job, by job type.
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "probed_jobs_completed_total",
			Help: "Total number of jobs completed, by type",
		},
		[]string{"type"},
	)

	// DispatchLatency measures the time between dispatching a job and
	// decoding its response frame.
	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "probed_job_dispatch_latency_seconds",
			Help:    "Time between dispatching a job and receiving its response",
			Buckets: prometheus.DefBuckets,
		},
	)

	// MalformedFramesTotal counts response frames dropped for failing
	// to parse as a kvcodec vector.
	MalformedFramesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "probed_malformed_frames_total",
			Help: "Total number of response frames dropped for being malformed",
		},
	)
)

func init() {
	prometheus.MustRegister(WorkersAlive)
	prometheus.MustRegister(WorkerCrashesTotal)
	prometheus.MustRegister(JobsDispatchedTotal)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(DispatchLatency)
	prometheus.MustRegister(MalformedFramesTotal)
}

// Handler returns the Prometheus HTTP handler, mounted at /metrics by
// cmd/probed's master command.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small helper for timing an operation and feeding the
// result straight into a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
