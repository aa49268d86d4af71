// Package metrics registers Prometheus counters and gauges for the
// platform's long-running subsystems: the schedule runtime, the rate
// limiter, and the bot-command security pipeline. Every metric is
// registered once, at package init, against the default registry, the
// same approach the platform's LLM-client metrics recorder uses.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scheduler metrics: one tick per poll-loop iteration, one fire per task
// actually run, and a gauge tracking tasks paused by their circuit breaker.
var (
	SchedulerTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "botticelli_scheduler_ticks_total",
		Help: "Total number of schedule runtime poll-loop iterations.",
	})

	SchedulerFiresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botticelli_scheduler_fires_total",
		Help: "Total number of task runs dispatched by the schedule runtime, by task and outcome.",
	}, []string{"task_id", "outcome"})

	SchedulerTasksPaused = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "botticelli_scheduler_tasks_paused",
		Help: "Current number of tasks paused by their circuit breaker.",
	})
)

// Rate limiter metrics: queue wait time and throttle events, labeled by
// provider/model the way the original per-model budget accounting is.
var (
	RateLimiterQueueWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "botticelli_ratelimiter_queue_wait_seconds",
		Help:    "Time spent waiting for a rate limit Guard to become available.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "model"})

	RateLimiterThrottleTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botticelli_ratelimiter_throttle_total",
		Help: "Total number of times a caller was throttled waiting on a rate limit.",
	}, []string{"provider", "model", "reason"})
)

// Security metrics: command approvals and denials by policy outcome, the
// Go equivalent of the original's per-command audit counters.
var (
	SecurityCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botticelli_security_commands_total",
		Help: "Total number of bot commands evaluated by the security pipeline, by platform, command, and outcome.",
	}, []string{"platform", "command", "outcome"})

	SecurityDeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botticelli_security_denied_total",
		Help: "Total number of bot commands denied by permission policy, by platform, command, and reason.",
	}, []string{"platform", "command", "reason"})
)
