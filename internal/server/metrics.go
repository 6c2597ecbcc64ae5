package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricJobsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gp",
		Subsystem: "train",
		Name:      "jobs_started_total",
		Help:      "Number of training jobs accepted, by task.",
	}, []string{"task"})

	metricJobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gp",
		Subsystem: "train",
		Name:      "jobs_finished_total",
		Help:      "Number of training jobs that reached a terminal state, by task and status.",
	}, []string{"task", "status"})

	metricJobsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gp",
		Subsystem: "train",
		Name:      "jobs_rejected_total",
		Help:      "Number of training jobs rejected because the job limit was reached.",
	})

	metricActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gp",
		Subsystem: "train",
		Name:      "active_jobs",
		Help:      "Number of training jobs currently running.",
	})

	metricJobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gp",
		Subsystem: "train",
		Name:      "job_duration_seconds",
		Help:      "Wall-clock duration of completed training jobs, by task.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
	}, []string{"task"})
)
