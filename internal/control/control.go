package control

import (
	"context"
	"log/slog"
	"time"

	uuid "github.com/satori/go.uuid"

	"firestige.xyz/opsched/internal/agent"
	"firestige.xyz/opsched/internal/clock"
	"firestige.xyz/opsched/internal/config"
	"firestige.xyz/opsched/internal/license"
	"firestige.xyz/opsched/internal/persistence"
	"firestige.xyz/opsched/internal/registry"
	"firestige.xyz/opsched/internal/scheduler"
	"firestige.xyz/opsched/internal/task"
)

// API wires the Registry, Dispatcher, License Gate, and Dispatcher
// Persistence into the synchronous operation set described by the external
// interfaces table. It owns Workspace creation and Agent construction,
// since both must exist before a Task Record can reference them.
type API struct {
	reg     *registry.Registry
	disp    *scheduler.Dispatcher
	gate    *license.Gate
	store   *persistence.Store
	dataDir string
}

// New builds a Control API over already-constructed components.
func New(reg *registry.Registry, disp *scheduler.Dispatcher, gate *license.Gate, store *persistence.Store, dataDir string) *API {
	return &API{reg: reg, disp: disp, gate: gate, store: store, dataDir: dataDir}
}

// persistAndWake saves the current registry state and notifies the
// dispatcher, per C7's "every mutating operation triggers a persistence
// save and a dispatcher wakeup" contract.
func (a *API) persistAndWake() {
	snap := a.reg.ExportSnapshot()
	if err := a.store.Save(snap); err != nil {
		slog.Error("control: failed to persist snapshot", "error", err)
	}
	a.disp.Wakeup()
}

// CreateTaskInput carries the fields needed to create a new task.
type CreateTaskInput struct {
	AccountID       string
	AccountName     string
	TaskType        string
	IntervalSeconds int
	ValidHourRange  *clock.HourRange
	EndDate         time.Time
	Mode            config.ExecutionMode
	AgentParams     config.AgentParams
}

// CreateTask applies the license gate's pre-checks, materialises the task's
// Workspace and Agent handle, then registers the Task Record.
func (a *API) CreateTask(in CreateTaskInput) (task.Snapshot, error) {
	if a.gate.IsExpired() {
		return task.Snapshot{}, newError(KindLicenseExpired, "license has expired")
	}
	limit, unlimited := a.gate.MaxTasks()
	if !unlimited && a.reg.Count() >= limit {
		return task.Snapshot{}, newError(KindTaskLimitReached, "task limit of %d reached", limit)
	}
	in.IntervalSeconds = a.gate.CoerceInterval(in.IntervalSeconds)
	if in.TaskType == "" {
		in.TaskType = config.DefaultTaskType
	}

	id, err := uuid.NewV4()
	if err != nil {
		return task.Snapshot{}, newError(KindPersistenceError, "generate task_id: %v", err)
	}
	taskID := id.String()
	ws := agent.NewWorkspace(a.dataDir, taskID)
	if err := ws.Create(); err != nil {
		return task.Snapshot{}, newError(KindPersistenceError, "create workspace: %v", err)
	}

	agentHandle, err := agent.Build(in.TaskType, taskID, ws)
	if err != nil {
		_ = ws.Remove()
		return task.Snapshot{}, newError(KindAgentError, "build agent: %v", err)
	}

	snap, addErr := a.reg.Add(registry.AddInput{
		TaskID:          taskID,
		AccountID:       in.AccountID,
		AccountName:     in.AccountName,
		TaskType:        in.TaskType,
		IntervalSeconds: in.IntervalSeconds,
		ValidHourRange:  in.ValidHourRange,
		EndDate:         in.EndDate,
		Mode:            in.Mode,
		AgentParams:     in.AgentParams,
		Agent:           agentHandle,
	})
	if addErr != nil {
		_ = ws.Remove()
		return task.Snapshot{}, translate(addErr)
	}

	a.persistAndWake()
	return snap, nil
}

// UpdateTaskInput carries the mutable subset of a task's fields.
type UpdateTaskInput struct {
	AccountName     *string
	IntervalSeconds *int
	ValidHourRange  **clock.HourRange
	EndDate         *time.Time
	Mode            *config.ExecutionMode
	AgentParams     *config.AgentParams
}

// UpdateTask mutates task_id's cadence/mode/identity-mirror fields.
func (a *API) UpdateTask(taskID string, in UpdateTaskInput) (task.Snapshot, error) {
	snap, err := a.reg.Update(taskID, registry.UpdateInput{
		AccountName:     in.AccountName,
		IntervalSeconds: in.IntervalSeconds,
		ValidHourRange:  in.ValidHourRange,
		EndDate:         in.EndDate,
		Mode:            in.Mode,
		AgentParams:     in.AgentParams,
	})
	if err != nil {
		return task.Snapshot{}, translate(err)
	}
	a.persistAndWake()
	return snap, nil
}

// DeleteTask removes task_id, or defers removal until its in-flight run
// completes. The task's Workspace is removed here only when the task was
// not running; for a deferred delete the dispatcher removes it once
// FinishRun has applied the delete.
func (a *API) DeleteTask(taskID string) error {
	running := a.isRunning(taskID)

	if err := a.reg.Delete(taskID); err != nil {
		return translate(err)
	}
	if !running {
		ws := agent.NewWorkspace(a.dataDir, taskID)
		if err := ws.Remove(); err != nil {
			slog.Warn("control: failed to remove workspace", "task_id", taskID, "error", err)
		}
	}
	a.persistAndWake()
	return nil
}

func (a *API) isRunning(taskID string) bool {
	snap, err := a.reg.Get(taskID)
	return err == nil && snap.Status == task.StatusRunning
}

// PauseTask suspends a pending task.
func (a *API) PauseTask(taskID string) (task.Snapshot, error) {
	snap, err := a.reg.Pause(taskID)
	if err != nil {
		return task.Snapshot{}, translate(err)
	}
	a.persistAndWake()
	return snap, nil
}

// ResumeTask reactivates a paused task.
func (a *API) ResumeTask(taskID string) (task.Snapshot, error) {
	snap, err := a.reg.Resume(taskID)
	if err != nil {
		return task.Snapshot{}, translate(err)
	}
	a.persistAndWake()
	return snap, nil
}

// ReorderTask shifts task_id's next_execution_time by offsetSeconds.
func (a *API) ReorderTask(taskID string, offsetSeconds int) (task.Snapshot, error) {
	snap, err := a.reg.Reorder(taskID, offsetSeconds)
	if err != nil {
		return task.Snapshot{}, translate(err)
	}
	a.persistAndWake()
	return snap, nil
}

// ExecuteNow runs task_id synchronously, blocking the caller.
func (a *API) ExecuteNow(ctx context.Context, taskID string) (scheduler.ExecuteNowResult, error) {
	if !a.gate.CanExecuteNow() {
		return scheduler.ExecuteNowResult{}, newError(KindLicenseForbidden, "execute-now is disabled on the free trial license")
	}
	result, err := a.disp.ExecuteNow(ctx, taskID)
	if err != nil {
		return scheduler.ExecuteNowResult{}, translate(err)
	}
	a.persistAndWake()
	return result, nil
}

// ListTasks returns every task, ordered by next_execution_time ascending
// with nulls last.
func (a *API) ListTasks() []task.Snapshot {
	return a.reg.List()
}

// GetTask returns a single task's snapshot.
func (a *API) GetTask(taskID string) (task.Snapshot, error) {
	snap, err := a.reg.Get(taskID)
	if err != nil {
		return task.Snapshot{}, translate(err)
	}
	return snap, nil
}

// ByAccount looks up the single task for (taskType, accountID).
func (a *API) ByAccount(taskType, accountID string) (task.Snapshot, error) {
	snap, err := a.reg.GetByAccount(taskType, accountID)
	if err != nil {
		return task.Snapshot{}, translate(err)
	}
	return snap, nil
}

// StartDispatcher resumes the dispatcher's pull of new work.
func (a *API) StartDispatcher() scheduler.Status {
	a.disp.Start()
	return a.disp.Status()
}

// StopDispatcher suspends the dispatcher's pull of new work. A run already
// in flight is not aborted.
func (a *API) StopDispatcher() scheduler.Status {
	a.disp.Stop()
	return a.disp.Status()
}

// DispatcherStatus reports per-status counts and the running task, if any.
func (a *API) DispatcherStatus() scheduler.Status {
	return a.disp.Status()
}

// LoginQRCode begins a credential-exchange attempt for task_id's agent.
func (a *API) LoginQRCode(taskID string) ([]byte, bool, error) {
	h, err := a.runningHandleOrAgent(taskID)
	if err != nil {
		return nil, false, err
	}
	qr, alreadyLoggedIn, err := h.BeginLogin()
	if err != nil {
		return nil, false, newError(KindAgentError, "begin_login: %v", err)
	}
	return qr, alreadyLoggedIn, nil
}

// LoginStatus probes task_id's current login state.
func (a *API) LoginStatus(taskID string) (task.LoginState, error) {
	h, err := a.runningHandleOrAgent(taskID)
	if err != nil {
		return task.LoginStateUnknown, err
	}
	state, err := h.LoginStatus()
	if err != nil {
		return task.LoginStateUnknown, newError(KindAgentError, "login_status: %v", err)
	}
	return state, nil
}

// LoginConfirm finalizes a credential-exchange attempt for task_id.
func (a *API) LoginConfirm(taskID string) (task.LoginState, error) {
	h, err := a.runningHandleOrAgent(taskID)
	if err != nil {
		return task.LoginStateUnknown, err
	}
	state, err := h.ConfirmLogin()
	if err != nil {
		return task.LoginStateUnknown, newError(KindAgentError, "confirm_login: %v", err)
	}
	return state, nil
}

// runningHandleOrAgent resolves task_id's Agent handle for a login
// operation. Login probes are cheap, side-channel calls to the same
// external operator process and are not serialized by the Global Lock.
func (a *API) runningHandleOrAgent(taskID string) (task.Agent, error) {
	rec, err := a.reg.AgentFor(taskID)
	if err != nil {
		return nil, translate(err)
	}
	return rec, nil
}


