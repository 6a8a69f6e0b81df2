package provider

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	generationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "video_provider_generation_duration_seconds",
		Help:    "End-to-end duration of video generation calls per provider.",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600},
	}, []string{"provider", "outcome"})

	pollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "video_provider_polls_total",
		Help: "Number of job status polls per provider.",
	}, []string{"provider"})
)
