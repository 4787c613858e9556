package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "anvil_jobs_submitted_total",
		Help: "Total number of jobs accepted for execution.",
	})

	tasksRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "anvil_tasks_running",
		Help: "Number of tasks currently holding a global execution slot.",
	})

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "anvil_queue_depth",
		Help: "Number of pending tasks waiting for dispatch.",
	})

	tasksCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "anvil_tasks_completed_total",
		Help: "Total number of task attempts reaching a terminal status.",
	}, []string{"status"})

	taskRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "anvil_task_retries_total",
		Help: "Total number of task retry attempts scheduled.",
	})

	eventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "anvil_events_dropped_total",
		Help: "Total number of events dropped for lagging subscribers.",
	})
)

func init() {
	prometheus.MustRegister(jobsSubmitted)
	prometheus.MustRegister(tasksRunning)
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(tasksCompleted)
	prometheus.MustRegister(taskRetries)
	prometheus.MustRegister(eventsDropped)
}
