package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "sprite_worker"
)

var (
	pollsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "polls",
		Name:      "sent_total",
		Help:      "Count of task polls sent to the agent",
	})
	pollErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "polls",
		Name:      "errors_total",
		Help:      "Count of task polls that failed",
	})

	tasksStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "tasks",
		Name:      "started_total",
		Help:      "Count of tasks started",
	})
	tasksSucceeded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "tasks",
		Name:      "succeeded_total",
		Help:      "Count of tasks that reached the succeed status",
	})
	tasksFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "tasks",
		Name:      "failed_total",
		Help:      "Count of tasks that reached the failed status",
	})
	taskDurations = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "tasks",
		Name:      "duration_seconds_total",
		Help:      "Time spent executing tasks (not including queueing)",
		Buckets:   prometheus.ExponentialBuckets(0.015625, 2, 16),
	})
)
