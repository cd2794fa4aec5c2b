package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fundsync_jobs_enqueued_total",
		Help: "Job rows inserted or raised by the enqueuer",
	}, []string{"kind", "source", "result"})
	JobRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fundsync_job_runs_total",
		Help: "Job executions by outcome (run, ok, err)",
	}, []string{"kind", "source", "outcome"})
	JobRunDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fundsync_job_run_duration_seconds",
		Help:    "Handler wall time per attempt",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"kind"})
	JobsReclaimed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "fundsync_jobs_reclaimed_total", Help: "Running jobs returned to the queue after their lease expired"})
	DueBatchSize     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "fundsync_due_batch_size", Help: "Jobs selected by the last RunDue"})
	OwnerLockHeld    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "fundsync_owner_lock_held", Help: "1 while this process owns the scheduler lock"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "fundsync_rate_limit_rejects_total", Help: "Operator API requests rejected by the rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobRuns,
			JobRunDuration,
			JobsReclaimed,
			DueBatchSize,
			OwnerLockHeld,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
