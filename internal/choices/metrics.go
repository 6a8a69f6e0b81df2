package choices

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	choiceAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "choice_generation_attempts_total",
			Help: "Choice generation attempts by outcome.",
		},
		[]string{"outcome"},
	)
	choiceSessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "choice_generation_degraded_total",
			Help: "Choice generation sessions that ended with a fallback or exhaustion.",
		},
		[]string{"outcome"},
	)
)
