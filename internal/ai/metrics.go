package ai

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	aiRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "choice_ai_requests_total",
			Help: "Total number of requests to the AI API.",
		},
		[]string{"model", "status"},
	)
	aiRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "choice_ai_request_duration_seconds",
			Help:    "Histogram of AI API request durations.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)
	aiPromptTokens = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "choice_ai_prompt_tokens",
			Help:    "Histogram of prompt token counts.",
			Buckets: prometheus.LinearBuckets(250, 250, 20),
		},
		[]string{"model"},
	)
	aiCompletionTokens = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "choice_ai_completion_tokens",
			Help:    "Histogram of completion token counts.",
			Buckets: prometheus.LinearBuckets(25, 25, 20),
		},
		[]string{"model"},
	)
	contextTrimmedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "choice_ai_context_trimmed_total",
		Help: "Number of story contexts trimmed to the token budget.",
	})
)

func observeUsage(model string, usage UsageInfo) {
	if usage.TotalTokens <= 0 {
		return
	}
	aiPromptTokens.WithLabelValues(model).Observe(float64(usage.PromptTokens))
	aiCompletionTokens.WithLabelValues(model).Observe(float64(usage.CompletionTokens))
}
