package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bot_jobs_enqueued_total", Help: "Total enqueued jobs"}, []string{"type"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "bot_jobs_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	WorkerSuccess    = prometheus.NewCounter(prometheus.CounterOpts{Name: "bot_jobs_completed_total", Help: "Jobs completed successfully"})
	WorkerFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "bot_jobs_failed_total", Help: "Jobs that failed and will retry"})
	WorkerDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{Name: "bot_jobs_dead_letter_total", Help: "Jobs moved to DLQ"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "bot_jobs_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "bot_jobs_inflight", Help: "Jobs currently leased"})

	BotInvocations = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bot_invocations_total", Help: "Bot invocations by trigger and outcome"}, []string{"trigger", "outcome"})
	ActionsTotal   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bot_actions_total", Help: "Bot actions by kind and outcome"}, []string{"kind", "outcome"})
	EffectFailures = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bot_effects_failed_total", Help: "Side effects that failed"}, []string{"effect"})
	PipelineSteps  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_steps_total", Help: "Pipeline steps by outcome"}, []string{"outcome"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			WorkerSuccess,
			WorkerFailures,
			WorkerDeadLetter,
			QueueDepthGauge,
			InFlightGauge,
			BotInvocations,
			ActionsTotal,
			EffectFailures,
			PipelineSteps,
		)
	})
	return promhttp.Handler()
}
