package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Task metrics
	TasksSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_tasks_submitted_total",
			Help: "Total number of tasks submitted",
		},
		[]string{"backend_class", "priority"},
	)

	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_tasks_completed_total",
			Help: "Total number of tasks reaching a terminal state",
		},
		[]string{"backend_class", "state"},
	)

	TasksRunning = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conductor_tasks_running",
			Help: "Number of tasks currently running per backend class",
		},
		[]string{"backend_class"},
	)

	TasksReady = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conductor_tasks_ready",
			Help: "Number of tasks waiting for an admission slot",
		},
		[]string{"backend_class"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"backend_class"},
	)

	TaskSteps = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conductor_task_steps",
			Help:    "Number of steps executed per task",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		},
	)

	StepRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_step_retries_total",
			Help: "Total number of step retries after timeout",
		},
		[]string{"backend_class"},
	)

	// Workflow metrics
	WorkflowsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_workflows_started_total",
			Help: "Total number of workflows started",
		},
	)

	WorkflowsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_workflows_completed_total",
			Help: "Total number of workflows reaching a terminal state",
		},
		[]string{"state"},
	)

	// Backend lifecycle metrics
	BackendPowerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conductor_backend_power_state",
			Help: "Backend power state (0=asleep 1=waking 2=running 3=sleeping-soon 4=unreachable)",
		},
		[]string{"backend_class"},
	)

	WakeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_backend_wake_duration_seconds",
			Help:    "Time from wake request to backend readiness",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"backend_class"},
	)

	WakesIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_backend_wakes_total",
			Help: "Total number of wake RPCs issued",
		},
		[]string{"backend_class", "outcome"},
	)

	SleepsIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_backend_sleeps_total",
			Help: "Total number of sleep RPCs issued by the idle sweep",
		},
		[]string{"backend_class"},
	)

	// Quota metrics
	QuotaWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_quota_wait_seconds",
			Help:    "Time spent waiting for rate quota before a step",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60},
		},
		[]string{"backend_class"},
	)

	// Circuit breaker state per backend class (0=closed 1=half-open 2=open)
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conductor_backend_breaker_state",
			Help: "Circuit breaker state per backend class",
		},
		[]string{"backend_class"},
	)
)
