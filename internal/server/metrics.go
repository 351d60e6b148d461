package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus collectors for the job server, exposed at /metrics.
var (
	metricRunsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tropt_runs_started_total",
		Help: "Optimization jobs started.",
	})

	metricRunsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tropt_runs_finished_total",
		Help: "Optimization jobs finished, by terminal state.",
	}, []string{"state"})

	metricIterations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tropt_outer_iterations_total",
		Help: "Outer trust-region iterations across all jobs.",
	})

	metricFullSolves = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tropt_full_solves_total",
		Help: "Full-order model solves across all jobs.",
	})

	metricRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tropt_run_duration_seconds",
		Help:    "Wall-clock duration of finished jobs.",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	})

	metricAcceptedRadius = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tropt_accepted_step_radius",
		Help:    "Trust radius after accepted outer iterations.",
		Buckets: prometheus.ExponentialBuckets(1e-6, 10, 10),
	})
)
