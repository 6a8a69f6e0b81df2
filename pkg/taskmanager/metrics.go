package taskmanager

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	taskTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generation_queue_transitions_total",
			Help: "Total number of generation task status transitions.",
		},
		[]string{"status"},
	)
	taskPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "generation_queue_pending",
			Help: "Number of queued and running generation tasks.",
		},
	)
	taskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "generation_task_duration_seconds",
			Help:    "Duration of video generation calls.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"outcome"},
	)
	taskResultsDiscarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "generation_queue_discarded_results_total",
			Help: "Results of cancelled or superseded runs that were dropped.",
		},
	)
)
