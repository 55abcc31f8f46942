// Package observability exposes the Prometheus metrics emitted by the
// scheduler, registry, engine, and dispatcher.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks the number of pending tasks per priority level.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "moltbot_queue_depth",
		Help: "Current number of pending tasks in the scheduling queue",
	}, []string{"priority"})

	// TasksSubmitted counts tasks accepted by the scheduler.
	TasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moltbot_tasks_submitted_total",
		Help: "Total number of tasks submitted",
	}, []string{"priority"})

	// TasksCompleted counts tasks that reached a terminal state.
	TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moltbot_tasks_completed_total",
		Help: "Total number of tasks reaching a terminal state",
	}, []string{"status"})

	// TaskDuration tracks wall-clock time from admission to terminal state.
	TaskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "moltbot_task_duration_seconds",
		Help:    "Duration of task execution from admission to terminal state",
		Buckets: prometheus.DefBuckets,
	})

	// ModelSelections counts how often each model is chosen.
	ModelSelections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moltbot_model_selections_total",
		Help: "Total number of times a model was selected for a task",
	}, []string{"model"})

	// ModelSuccessRate mirrors the registry's rolling success rate gauge.
	ModelSuccessRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "moltbot_model_success_rate",
		Help: "Current rolling success rate of a registered model (0-1)",
	}, []string{"model"})

	// ProviderRetries counts adapter-internal transport retries, kept
	// distinct from EngineRetries to preserve the two-tier retry
	// separation in observability as well as in code.
	ProviderRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moltbot_provider_retries_total",
		Help: "Total number of adapter-internal transport retries",
	}, []string{"model"})

	// EngineRetries counts engine-level outer retries.
	EngineRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moltbot_engine_retries_total",
		Help: "Total number of engine-level outer retries",
	}, []string{"model"})

	// WebhookDeliveries counts webhook delivery outcomes, once per delivery
	// after its final attempt.
	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moltbot_webhook_deliveries_total",
		Help: "Total number of webhook deliveries by final outcome",
	}, []string{"outcome"})
)
