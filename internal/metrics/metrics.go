// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TaskStatus tracks the current status of each task as a gauge set to 1
	// for the task's current status label and 0 for all others.
	TaskStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduler_task_status",
			Help: "Current status of a task (1 = current status, 0 otherwise)",
		},
		[]string{"task_id", "status"},
	)

	// RunsTotal counts RunOnce invocations by task and outcome.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_runs_total",
			Help: "Total number of RunOnce invocations",
		},
		[]string{"task_id", "outcome"},
	)

	// RunDurationSeconds measures the wall-clock duration of a RunOnce call.
	RunDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scheduler_run_duration_seconds",
			Help:    "Duration of RunOnce invocations in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s .. 8192s (~2.3h)
		},
		[]string{"task_id"},
	)

	// DispatchLockWaitSeconds measures the Execute-Now bounded wait for the
	// global execution lock.
	DispatchLockWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scheduler_dispatch_lock_wait_seconds",
			Help:    "Time spent waiting to acquire the global execution lock",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task_id"},
	)

	// DueTasksGauge tracks the size of the due set at the start of each
	// dispatch cycle.
	DueTasksGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_due_tasks",
			Help: "Number of tasks due for dispatch as of the last cycle",
		},
	)

	// ControlCommandsTotal counts control-plane commands received over the
	// UDS channel, by method and outcome ("ok" or "error").
	ControlCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_control_commands_total",
			Help: "Total number of control-plane commands handled over the UDS channel",
		},
		[]string{"method", "outcome"},
	)
)

// Status label values used with TaskStatus; kept in sync with the registry's
// closed status enum.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// allStatuses lists every status value TaskStatus may carry, used to clear
// the previous gauge reading on a transition.
var allStatuses = []string{StatusPending, StatusRunning, StatusPaused, StatusCompleted, StatusError}

// SetTaskStatus records taskID's current status, zeroing every other status
// label so only one status reads 1 at a time for a given task.
func SetTaskStatus(taskID, status string) {
	for _, s := range allStatuses {
		if s == status {
			TaskStatus.WithLabelValues(taskID, s).Set(1)
		} else {
			TaskStatus.WithLabelValues(taskID, s).Set(0)
		}
	}
}


