// Package task implements the in-memory task record and its durable
// per-task meta.
package task

import (
	"context"
	"time"

	"firestige.xyz/opsched/internal/clock"
	"firestige.xyz/opsched/internal/config"
)

// Status is the closed set of lifecycle states a task record may occupy.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Agent is the scheduler's view of the opaque automation collaborator.
// Concrete implementations live in package agent; this interface is defined
// here (rather than imported) to keep the Task Record free of a dependency
// on Agent construction machinery, per the no-back-pointer design.
type Agent interface {
	// RunOnce performs one iteration of the operator workflow. It returns
	// true if the task may be scheduled again from the agent's perspective;
	// the scheduler also checks the end date independently. An error is
	// caught by the dispatcher and converted into status error.
	RunOnce(ctx context.Context, params config.AgentParams, mode config.ExecutionMode) (bool, error)
	LoginStatus() (LoginState, error)
	BeginLogin() (qrcode []byte, alreadyLoggedIn bool, err error)
	ConfirmLogin() (LoginState, error)
}

// LoginState is the closed set of login probe results.
type LoginState string

const (
	LoginStateLoggedIn    LoginState = "logged_in"
	LoginStateNotLoggedIn LoginState = "not_logged_in"
	LoginStateUnknown     LoginState = "unknown"
)

// Record is the in-memory representation of a single task. The Registry
// owns every Record for its lifetime and is the only component that mutates
// it; the Dispatcher Loop and Control API consult it only under the
// Registry's lock. Record holds no back-pointer to the Registry — it owns
// its Agent handle and its per-task persistence handle directly.
type Record struct {
	TaskID      string
	AccountID   string
	AccountName string
	TaskType    string

	IntervalSeconds int
	ValidHourRange  *clock.HourRange
	EndDate         time.Time
	Mode            config.ExecutionMode
	AgentParams     config.AgentParams

	Status            Status
	CreatedAt         time.Time
	UpdatedAt         time.Time
	LastExecutionTime time.Time
	HasLastExecution  bool
	NextExecutionTime *time.Time
	RoundNum          int

	PendingDelete bool

	Meta  *Meta
	Agent Agent
}

// Snapshot is an immutable, externally safe copy of a Record's fields,
// returned by every task-returning Control API operation.
type Snapshot struct {
	TaskID            string               `json:"task_id"`
	AccountID         string               `json:"account_id"`
	AccountName       string               `json:"account_name"`
	TaskType          string               `json:"task_type"`
	Status            Status               `json:"status"`
	IntervalSeconds   int                  `json:"interval_seconds"`
	ValidHourRange    *clock.HourRange     `json:"valid_hour_range,omitempty"`
	EndDate           time.Time            `json:"end_date"`
	LastExecutionTime *time.Time           `json:"last_execution_time,omitempty"`
	NextExecutionTime *time.Time           `json:"next_execution_time,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
	RoundNum          int                  `json:"round_num"`
	Mode              config.ExecutionMode `json:"mode"`
	AgentParams       config.AgentParams   `json:"agent_params"`
}

// Snapshot copies the Record's externally visible fields. Callers must hold
// the Registry's lock (or otherwise know the Record is not concurrently
// mutated) when calling this.
func (r *Record) Snapshot() Snapshot {
	s := Snapshot{
		TaskID:          r.TaskID,
		AccountID:       r.AccountID,
		AccountName:     r.AccountName,
		TaskType:        r.TaskType,
		Status:          r.Status,
		IntervalSeconds: r.IntervalSeconds,
		EndDate:         r.EndDate,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		RoundNum:        r.RoundNum,
		Mode:            r.Mode,
		AgentParams:     r.AgentParams,
	}
	if r.ValidHourRange != nil {
		rangeCopy := *r.ValidHourRange
		s.ValidHourRange = &rangeCopy
	}
	if r.HasLastExecution {
		t := r.LastExecutionTime
		s.LastExecutionTime = &t
	}
	if r.NextExecutionTime != nil {
		t := *r.NextExecutionTime
		s.NextExecutionTime = &t
	}
	return s
}


