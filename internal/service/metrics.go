package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	segmentsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "story_segments_created_total",
			Help: "Total number of story segments created from generated videos.",
		},
		[]string{"intent"},
	)

	generationFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "story_generation_failures_total",
			Help: "Total number of failed video generation tasks by reason.",
		},
		[]string{"reason"},
	)
)
