package queue

import "github.com/prometheus/client_golang/prometheus"

var (
	// jobsSettled counts finished attempts by queue and outcome
	// (completed, retried, failed).
	jobsSettled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_settled_total",
			Help: "Job attempts by final outcome.",
		},
		[]string{"queue", "outcome"},
	)

	jobsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_enqueued_total",
			Help: "Enqueue calls by result (new, duplicate).",
		},
		[]string{"queue", "result"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queue_job_duration_seconds",
			Help:    "Handler run time per attempt.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		},
		[]string{"queue"},
	)

	jobsInflight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_jobs_inflight",
			Help: "Jobs currently held by a worker.",
		},
		[]string{"queue"},
	)
)

func init() {
	prometheus.MustRegister(jobsSettled, jobsEnqueued, jobDuration, jobsInflight)
}
