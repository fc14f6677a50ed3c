// Package metrics exposes Prometheus instrumentation for scoring runs and jobs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksTotal counts per-neighborhood scoring tasks that finished successfully.
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacoa_scoring_tasks_total",
			Help: "Total number of neighborhood scoring tasks completed",
		},
		[]string{"kind"}, // zscore/shift
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacoa_scoring_task_duration_seconds",
			Help:    "Duration of a single neighborhood scoring task",
			Buckets: prometheus.ExponentialBuckets(0.00005, 4, 10),
		},
		[]string{"kind"},
	)

	// NaNScoresTotal counts scores that could not be estimated.
	NaNScoresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacoa_nan_scores_total",
			Help: "Total number of NaN (insufficient data) scores produced",
		},
		[]string{"kind"},
	)

	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacoa_scoring_runs_total",
			Help: "Total number of scoring runs by outcome",
		},
		[]string{"kind", "outcome"}, // ok/error
	)

	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacoa_jobs_total",
			Help: "Total number of scoring jobs by final status",
		},
		[]string{"kind", "status"},
	)

	JobsQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cacoa_jobs_queued",
			Help: "Number of jobs waiting in the queue",
		},
	)
)
