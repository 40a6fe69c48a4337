// Package registry owns every task record for the lifetime of the process.
// It is the only component that mutates a task.Record; the Dispatcher Loop
// and Control API read and request changes only through its methods.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"

	"firestige.xyz/opsched/internal/clock"
	"firestige.xyz/opsched/internal/config"
	"firestige.xyz/opsched/internal/metrics"
	"firestige.xyz/opsched/internal/persistence"
	"firestige.xyz/opsched/internal/task"
)

// Sentinel errors the Control API translates into its closed error-kind set.
var (
	ErrNotFound       = errors.New("registry: task not found")
	ErrAccountTaken   = errors.New("registry: account already has a task of this type")
	ErrInvalid        = errors.New("registry: invalid input")
	ErrIllegalState   = errors.New("registry: illegal state transition")
	ErrBusy           = errors.New("registry: a task is currently running")
)

// accountKey identifies the (task_type, account_id) uniqueness scope (I1).
func accountKey(taskType, accountID string) string {
	return taskType + "\x00" + accountID
}

// AddInput carries everything needed to create a new task record. TaskID is
// normally left empty so the Registry generates one; callers that must
// create the task's Workspace and Agent handle before the record exists
// (the Control API) generate the id themselves and pass it through here.
type AddInput struct {
	TaskID          string
	AccountID       string
	AccountName     string
	TaskType        string
	IntervalSeconds int
	ValidHourRange  *clock.HourRange
	EndDate         time.Time
	Mode            config.ExecutionMode
	AgentParams     config.AgentParams
	Agent           task.Agent
}

// UpdateInput carries the mutable subset of a task's fields. Account
// identity (AccountID/TaskType) cannot be changed by Update; delete and
// recreate the task instead.
type UpdateInput struct {
	AccountName     *string
	IntervalSeconds *int
	ValidHourRange  **clock.HourRange
	EndDate         *time.Time
	Mode            *config.ExecutionMode
	AgentParams     *config.AgentParams
}

// RunHandle is everything the Dispatcher Loop needs to execute one round of
// a task, without handing out a live *task.Record it could mutate outside
// the Registry's lock.
type RunHandle struct {
	TaskID      string
	AccountID   string
	Mode        config.ExecutionMode
	AgentParams config.AgentParams
	Agent       task.Agent
	RoundNum    int
}

// Registry holds every task.Record in the process.
type Registry struct {
	mu sync.Mutex

	tasks        map[string]*task.Record
	accountIndex map[string]string // accountKey -> task_id

	runningTaskID string // I3: at most one task running at a time

	clock     *clock.Policy
	metaStore task.MetaStore

	maxStepHistory int
}

// New creates an empty Registry.
func New(clockPolicy *clock.Policy, metaStore task.MetaStore, maxStepHistory int) *Registry {
	if metaStore == nil {
		metaStore = task.NoopMetaStore()
	}
	return &Registry{
		tasks:          make(map[string]*task.Record),
		accountIndex:   make(map[string]string),
		clock:          clockPolicy,
		metaStore:      metaStore,
		maxStepHistory: maxStepHistory,
	}
}

// Add creates a new task from in, enforcing I1 (account uniqueness) and I2
// (next_execution_time consistency).
func (r *Registry) Add(in AddInput) (task.Snapshot, error) {
	if err := validateAdd(in); err != nil {
		return task.Snapshot{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := accountKey(in.TaskType, in.AccountID)
	if _, taken := r.accountIndex[key]; taken {
		return task.Snapshot{}, fmt.Errorf("%w: task_type=%q account_id=%q", ErrAccountTaken, in.TaskType, in.AccountID)
	}

	now := r.clock.Now()
	taskID := in.TaskID
	if taskID == "" {
		id, err := uuid.NewV4()
		if err != nil {
			return task.Snapshot{}, fmt.Errorf("generate task_id: %w", err)
		}
		taskID = id.String()
	}

	rec := &task.Record{
		TaskID:          taskID,
		AccountID:       in.AccountID,
		AccountName:     in.AccountName,
		TaskType:        in.TaskType,
		IntervalSeconds: in.IntervalSeconds,
		ValidHourRange:  in.ValidHourRange,
		EndDate:         in.EndDate,
		Mode:            in.Mode,
		AgentParams:     in.AgentParams,
		Status:          task.StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
		Agent:           in.Agent,
	}
	rec.NextExecutionTime = computeNext(r.clock, rec, false)

	r.tasks[taskID] = rec
	r.accountIndex[key] = taskID

	defaults := task.Meta{
		TaskID:          taskID,
		AccountID:       in.AccountID,
		TaskType:        in.TaskType,
		IntervalSeconds: in.IntervalSeconds,
		Mode:            in.Mode,
	}
	if meta, err := r.metaStore.LoadOrInit(taskID, defaults); err != nil {
		slog.Warn("registry: failed to initialize task meta", "task_id", taskID, "error", err)
	} else {
		rec.Meta = &meta
	}

	metrics.SetTaskStatus(taskID, string(rec.Status))
	slog.Info("registry: task created", "task_id", taskID, "account_id", in.AccountID, "task_type", in.TaskType)

	return rec.Snapshot(), nil
}

func validateAdd(in AddInput) error {
	if in.AccountID == "" {
		return fmt.Errorf("%w: account_id is required", ErrInvalid)
	}
	if in.TaskType == "" {
		return fmt.Errorf("%w: task_type is required", ErrInvalid)
	}
	if in.IntervalSeconds <= 0 {
		return fmt.Errorf("%w: interval_seconds must be positive", ErrInvalid)
	}
	if in.Agent == nil {
		return fmt.Errorf("%w: agent handle is required", ErrInvalid)
	}
	if in.ValidHourRange != nil {
		hr := in.ValidHourRange
		if hr.Start < 0 || hr.End > 24 || hr.Start >= hr.End {
			return fmt.Errorf("%w: valid_hour_range must satisfy 0 <= start < end <= 24", ErrInvalid)
		}
	}
	return nil
}

// computeNext derives the next schedulable time for rec, or nil when none
// exists (paused, completed, or no valid window remains before end_date).
// hasLast selects whether rec.LastExecutionTime participates in the
// computation.
func computeNext(c *clock.Policy, rec *task.Record, hasLast bool) *time.Time {
	if rec.Status == task.StatusPaused || rec.Status == task.StatusCompleted {
		return nil
	}
	next, ok := clock.NextExecution(c.Now(), rec.LastExecutionTime, hasLast, rec.IntervalSeconds, rec.ValidHourRange, rec.EndDate)
	if !ok {
		return nil
	}
	return &next
}

// Update mutates the cadence/identity-mirror fields of an existing task and
// recomputes next_execution_time (I2).
func (r *Registry) Update(taskID string, in UpdateInput) (task.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.tasks[taskID]
	if !ok {
		return task.Snapshot{}, fmt.Errorf("%w: %q", ErrNotFound, taskID)
	}

	if in.AccountName != nil {
		rec.AccountName = *in.AccountName
	}
	if in.IntervalSeconds != nil {
		if *in.IntervalSeconds <= 0 {
			return task.Snapshot{}, fmt.Errorf("%w: interval_seconds must be positive", ErrInvalid)
		}
		rec.IntervalSeconds = *in.IntervalSeconds
	}
	if in.ValidHourRange != nil {
		hr := *in.ValidHourRange
		if hr != nil && (hr.Start < 0 || hr.End > 24 || hr.Start >= hr.End) {
			return task.Snapshot{}, fmt.Errorf("%w: valid_hour_range must satisfy 0 <= start < end <= 24", ErrInvalid)
		}
		rec.ValidHourRange = hr
	}
	if in.EndDate != nil {
		rec.EndDate = *in.EndDate
	}
	if in.Mode != nil {
		if !in.Mode.Valid() {
			return task.Snapshot{}, fmt.Errorf("%w: invalid mode %q", ErrInvalid, *in.Mode)
		}
		rec.Mode = *in.Mode
	}
	if in.AgentParams != nil {
		rec.AgentParams = *in.AgentParams
	}

	rec.UpdatedAt = r.clock.Now()
	// While running, next_execution_time is left alone: FinishRun
	// recomputes it from these (now-updated) fields once the in-flight run
	// returns, rather than from a stale snapshot taken mid-run.
	if rec.Status != task.StatusPaused && rec.Status != task.StatusRunning {
		rec.NextExecutionTime = computeNext(r.clock, rec, rec.HasLastExecution)
	}
	r.persistMeta(rec)

	slog.Info("registry: task updated", "task_id", taskID)
	return rec.Snapshot(), nil
}

// Delete removes a task. A running task cannot be deleted directly; it is
// marked PendingDelete and removed by FinishRun once the run completes.
func (r *Registry) Delete(taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, taskID)
	}

	if rec.Status == task.StatusRunning {
		rec.PendingDelete = true
		slog.Info("registry: delete deferred until running task finishes", "task_id", taskID)
		return nil
	}

	r.removeLocked(rec)
	slog.Info("registry: task deleted", "task_id", taskID)
	return nil
}

func (r *Registry) removeLocked(rec *task.Record) {
	delete(r.tasks, rec.TaskID)
	delete(r.accountIndex, accountKey(rec.TaskType, rec.AccountID))
	if err := r.metaStore.Delete(rec.TaskID); err != nil {
		slog.Warn("registry: failed to delete task meta", "task_id", rec.TaskID, "error", err)
	}
}

// Pause suspends a pending task (I2: next_execution_time becomes nil).
func (r *Registry) Pause(taskID string) (task.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.tasks[taskID]
	if !ok {
		return task.Snapshot{}, fmt.Errorf("%w: %q", ErrNotFound, taskID)
	}
	switch rec.Status {
	case task.StatusPaused:
		return rec.Snapshot(), nil
	case task.StatusRunning:
		return task.Snapshot{}, fmt.Errorf("%w: cannot pause a running task", ErrIllegalState)
	case task.StatusCompleted:
		return task.Snapshot{}, fmt.Errorf("%w: cannot pause a completed task", ErrIllegalState)
	}

	rec.Status = task.StatusPaused
	rec.NextExecutionTime = nil
	rec.UpdatedAt = r.clock.Now()
	metrics.SetTaskStatus(taskID, string(rec.Status))

	slog.Info("registry: task paused", "task_id", taskID)
	return rec.Snapshot(), nil
}

// Resume reactivates a paused task, recomputing next_execution_time.
func (r *Registry) Resume(taskID string) (task.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.tasks[taskID]
	if !ok {
		return task.Snapshot{}, fmt.Errorf("%w: %q", ErrNotFound, taskID)
	}
	if rec.Status != task.StatusPaused {
		return task.Snapshot{}, fmt.Errorf("%w: task is not paused", ErrIllegalState)
	}

	rec.Status = task.StatusPending
	rec.UpdatedAt = r.clock.Now()
	rec.NextExecutionTime = computeNext(r.clock, rec, rec.HasLastExecution)
	if rec.NextExecutionTime == nil {
		rec.Status = task.StatusCompleted
	}
	metrics.SetTaskStatus(taskID, string(rec.Status))

	slog.Info("registry: task resumed", "task_id", taskID, "status", rec.Status)
	return rec.Snapshot(), nil
}

// Reorder shifts task_id's next_execution_time by offsetSeconds. Only valid
// when the task is pending with a non-null next_execution_time; the result
// is snapped forward into the validity window if it falls outside one, and
// clamped to completed if it lands beyond end_date.
func (r *Registry) Reorder(taskID string, offsetSeconds int) (task.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.tasks[taskID]
	if !ok {
		return task.Snapshot{}, fmt.Errorf("%w: %q", ErrNotFound, taskID)
	}
	switch rec.Status {
	case task.StatusRunning:
		return task.Snapshot{}, fmt.Errorf("%w: cannot reorder a running task", ErrIllegalState)
	case task.StatusPaused:
		return task.Snapshot{}, fmt.Errorf("%w: cannot reorder a paused task", ErrIllegalState)
	case task.StatusCompleted:
		return task.Snapshot{}, fmt.Errorf("%w: cannot reorder a completed task", ErrIllegalState)
	}
	if rec.NextExecutionTime == nil {
		return task.Snapshot{}, fmt.Errorf("%w: task has no scheduled next_execution_time", ErrIllegalState)
	}

	shifted := rec.NextExecutionTime.Add(time.Duration(offsetSeconds) * time.Second)
	if rec.ValidHourRange != nil && !clock.InWindow(r.clock.In(shifted), rec.ValidHourRange) {
		shifted = clock.AdvanceToNextValid(r.clock.In(shifted), rec.ValidHourRange)
	}
	if !rec.EndDate.IsZero() && clock.SameOrAfterDate(shifted, rec.EndDate) {
		rec.NextExecutionTime = nil
		rec.Status = task.StatusCompleted
		rec.UpdatedAt = r.clock.Now()
		metrics.SetTaskStatus(taskID, string(rec.Status))
		slog.Info("registry: reorder pushed task past end_date, marking completed", "task_id", taskID)
		return rec.Snapshot(), nil
	}

	rec.NextExecutionTime = &shifted
	rec.UpdatedAt = r.clock.Now()

	slog.Info("registry: task reordered", "task_id", taskID, "offset_seconds", offsetSeconds)
	return rec.Snapshot(), nil
}

// orderedLocked returns every record sorted by (next_execution_time asc,
// created_at asc), nulls last, per the list() contract. Caller must hold
// r.mu.
func (r *Registry) orderedLocked() []*task.Record {
	out := make([]*task.Record, 0, len(r.tasks))
	for _, rec := range r.tasks {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.NextExecutionTime == nil && b.NextExecutionTime == nil {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.NextExecutionTime == nil {
			return false
		}
		if b.NextExecutionTime == nil {
			return true
		}
		if !a.NextExecutionTime.Equal(*b.NextExecutionTime) {
			return a.NextExecutionTime.Before(*b.NextExecutionTime)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return out
}

// List returns every task's snapshot, ordered by next_execution_time
// ascending with nulls last.
func (r *Registry) List() []task.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	ordered := r.orderedLocked()
	out := make([]task.Snapshot, 0, len(ordered))
	for _, rec := range ordered {
		out = append(out, rec.Snapshot())
	}
	return out
}

// Get returns a single task's snapshot.
func (r *Registry) Get(taskID string) (task.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.tasks[taskID]
	if !ok {
		return task.Snapshot{}, fmt.Errorf("%w: %q", ErrNotFound, taskID)
	}
	return rec.Snapshot(), nil
}

// GetByAccount looks up the single task for (taskType, accountID), per I1.
func (r *Registry) GetByAccount(taskType, accountID string) (task.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	taskID, ok := r.accountIndex[accountKey(taskType, accountID)]
	if !ok {
		return task.Snapshot{}, fmt.Errorf("%w: task_type=%q account_id=%q", ErrNotFound, taskType, accountID)
	}
	return r.tasks[taskID].Snapshot(), nil
}

// DueSet returns records eligible to run at "now" (pending, scheduled, and
// due), ordered by (next_execution_time asc, created_at asc) per the
// Dispatcher Loop's scan order.
func (r *Registry) DueSet(now time.Time) []task.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []*task.Record
	for _, rec := range r.tasks {
		if rec.Status != task.StatusPending {
			continue
		}
		if rec.NextExecutionTime == nil || rec.NextExecutionTime.After(now) {
			continue
		}
		due = append(due, rec)
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if !a.NextExecutionTime.Equal(*b.NextExecutionTime) {
			return a.NextExecutionTime.Before(*b.NextExecutionTime)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	out := make([]task.Snapshot, 0, len(due))
	for _, rec := range due {
		out = append(out, rec.Snapshot())
	}
	return out
}

// NextWakeup returns the earliest NextExecutionTime across all pending
// tasks, used by the Dispatcher Loop to size its interruptible wait.
func (r *Registry) NextWakeup() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var earliest time.Time
	found := false
	for _, rec := range r.tasks {
		if rec.Status != task.StatusPending || rec.NextExecutionTime == nil {
			continue
		}
		if !found || rec.NextExecutionTime.Before(earliest) {
			earliest = *rec.NextExecutionTime
			found = true
		}
	}
	return earliest, found
}

// TryBeginRun enforces I3 (at most one running task) and transitions taskID
// to running, returning everything the Dispatcher Loop needs to invoke the
// agent outside the Registry's lock.
func (r *Registry) TryBeginRun(taskID string) (RunHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.runningTaskID != "" {
		return RunHandle{}, fmt.Errorf("%w: task %q is already running", ErrBusy, r.runningTaskID)
	}
	rec, ok := r.tasks[taskID]
	if !ok {
		return RunHandle{}, fmt.Errorf("%w: %q", ErrNotFound, taskID)
	}
	if rec.Status != task.StatusPending {
		return RunHandle{}, fmt.Errorf("%w: task %q is not pending (status=%s)", ErrIllegalState, taskID, rec.Status)
	}

	rec.Status = task.StatusRunning
	rec.NextExecutionTime = nil
	rec.UpdatedAt = r.clock.Now()
	rec.RoundNum++
	r.runningTaskID = taskID
	metrics.SetTaskStatus(taskID, string(rec.Status))

	return RunHandle{
		TaskID:      rec.TaskID,
		AccountID:   rec.AccountID,
		Mode:        rec.Mode,
		AgentParams: rec.AgentParams,
		Agent:       rec.Agent,
		RoundNum:    rec.RoundNum,
	}, nil
}

// FinishRun records the outcome of a run started by TryBeginRun, recomputes
// the next schedule, and applies a deferred delete if one was requested
// while the task was running.
func (r *Registry) FinishRun(taskID string, runOK bool, runErr error) (task.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.tasks[taskID]
	if !ok {
		return task.Snapshot{}, fmt.Errorf("%w: %q", ErrNotFound, taskID)
	}
	if r.runningTaskID == taskID {
		r.runningTaskID = ""
	}

	now := r.clock.Now()
	rec.LastExecutionTime = now
	rec.HasLastExecution = true
	rec.UpdatedAt = now

	outcome := "ok"
	if runErr != nil || !runOK {
		outcome = "error"
	}
	metrics.RunsTotal.WithLabelValues(taskID, outcome).Inc()

	step := task.Step{RoundNum: rec.RoundNum, Timestamp: now, Outcome: outcome}
	if runErr != nil {
		step.Notes = runErr.Error()
	}
	if meta, err := r.metaStore.AppendStep(taskID, step, r.maxStepHistory); err != nil {
		slog.Warn("registry: failed to append step", "task_id", taskID, "error", err)
	} else {
		rec.Meta = &meta
	}

	switch {
	case runErr != nil:
		// An error task is still dispatched on its next tick (unless its
		// end date has now been reached, in which case computeNext already
		// returns nil and the task is marked completed instead).
		rec.Status = task.StatusError
		rec.NextExecutionTime = computeNext(r.clock, rec, true)
		if rec.NextExecutionTime == nil {
			rec.Status = task.StatusCompleted
		}
	case !runOK:
		rec.Status = task.StatusCompleted
		rec.NextExecutionTime = nil
	default:
		rec.Status = task.StatusPending
		rec.NextExecutionTime = computeNext(r.clock, rec, true)
		if rec.NextExecutionTime == nil {
			rec.Status = task.StatusCompleted
		}
	}
	metrics.SetTaskStatus(taskID, string(rec.Status))

	if rec.PendingDelete {
		r.removeLocked(rec)
		slog.Info("registry: deferred delete applied after run", "task_id", taskID)
		return task.Snapshot{}, nil
	}

	slog.Info("registry: run finished", "task_id", taskID, "outcome", outcome, "status", rec.Status)
	return rec.Snapshot(), nil
}

// ResetRunningToPending is called once at startup: any task left in the
// running state by an unclean shutdown is reset to pending so the
// Dispatcher Loop can pick it back up.
func (r *Registry) ResetRunningToPending() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, rec := range r.tasks {
		if rec.Status != task.StatusRunning {
			continue
		}
		rec.Status = task.StatusPending
		rec.NextExecutionTime = computeNext(r.clock, rec, rec.HasLastExecution)
		if rec.NextExecutionTime == nil {
			rec.Status = task.StatusCompleted
		}
		metrics.SetTaskStatus(id, string(rec.Status))
		slog.Warn("registry: reset stale running task to pending on startup", "task_id", id)
	}
	r.runningTaskID = ""
}

// AgentFor returns task_id's Agent handle, used by the Control API's login
// operations. These bypass the Global Execution Lock: they talk to the same
// external operator process as a run but don't themselves execute one.
func (r *Registry) AgentFor(taskID string) (task.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, taskID)
	}
	return rec.Agent, nil
}

// Count returns the number of tasks currently held by the Registry.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// persistMeta mirrors identity/cadence fields into the task's durable meta
// after a non-run mutation (e.g. Update). Caller must hold r.mu.
func (r *Registry) persistMeta(rec *task.Record) {
	if rec.Meta == nil {
		return
	}
	m := *rec.Meta
	m.AccountID = rec.AccountID
	m.TaskType = rec.TaskType
	m.IntervalSeconds = rec.IntervalSeconds
	m.Mode = rec.Mode
	if err := r.metaStore.Update(m); err != nil {
		slog.Warn("registry: failed to persist task meta", "task_id", rec.TaskID, "error", err)
		return
	}
	rec.Meta = &m
}

// ExportSnapshot builds the whole-registry durable snapshot (C8). Called
// after every mutation and post-run status change.
func (r *Registry) ExportSnapshot() persistence.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := persistence.Snapshot{
		SavedAt:      r.clock.Now(),
		Tasks:        make([]persistence.TaskEntry, 0, len(r.tasks)),
		AccountTasks: make(map[string]string, len(r.accountIndex)),
	}
	for _, rec := range r.tasks {
		entry := persistence.TaskEntry{
			TaskID:          rec.TaskID,
			AccountID:       rec.AccountID,
			AccountName:     rec.AccountName,
			TaskType:        rec.TaskType,
			IntervalSeconds: rec.IntervalSeconds,
			ValidHourRange:  rec.ValidHourRange,
			EndDate:         rec.EndDate,
			Mode:            rec.Mode,
			AgentParams:     rec.AgentParams,
			Status:          string(rec.Status),
			CreatedAt:       rec.CreatedAt,
			UpdatedAt:       rec.UpdatedAt,
			RoundNum:        rec.RoundNum,
		}
		if rec.HasLastExecution {
			t := rec.LastExecutionTime
			entry.LastExecutionTime = &t
		}
		if rec.NextExecutionTime != nil {
			t := *rec.NextExecutionTime
			entry.NextExecutionTime = &t
		}
		snap.Tasks = append(snap.Tasks, entry)
	}
	for key, taskID := range r.accountIndex {
		snap.AccountTasks[key] = taskID
	}
	return snap
}

// AgentBuilder reconstructs an Agent handle for a task_type + task_id pair,
// typically agent.Build from the agent package.
type AgentBuilder func(taskType, taskID string) (task.Agent, error)

// RestoreSnapshot rebuilds every Task Record from snap, reconstructing each
// Agent handle via build. Entries whose Agent reconstruction fails are
// skipped with a logged error; the rest of the registry loads. Each status is
// restored as persisted, including running; the running->pending reset is
// applied by a subsequent ResetRunningToPending call, kept as a separate
// step so callers can choose to re-run it independently of load.
func (r *Registry) RestoreSnapshot(snap persistence.Snapshot, build AgentBuilder) (restored, skipped int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tasks = make(map[string]*task.Record, len(snap.Tasks))
	r.accountIndex = make(map[string]string, len(snap.AccountTasks))
	r.runningTaskID = ""

	for _, entry := range snap.Tasks {
		agentHandle, err := build(entry.TaskType, entry.TaskID)
		if err != nil {
			slog.Error("registry: skipping task, agent reconstruction failed",
				"task_id", entry.TaskID, "task_type", entry.TaskType, "error", err)
			skipped++
			continue
		}

		rec := &task.Record{
			TaskID:          entry.TaskID,
			AccountID:       entry.AccountID,
			AccountName:     entry.AccountName,
			TaskType:        entry.TaskType,
			IntervalSeconds: entry.IntervalSeconds,
			ValidHourRange:  entry.ValidHourRange,
			EndDate:         entry.EndDate,
			Mode:            entry.Mode,
			AgentParams:     entry.AgentParams,
			Status:          task.Status(entry.Status),
			CreatedAt:       entry.CreatedAt,
			UpdatedAt:       entry.UpdatedAt,
			RoundNum:        entry.RoundNum,
			Agent:           agentHandle,
		}
		if entry.LastExecutionTime != nil {
			rec.HasLastExecution = true
			rec.LastExecutionTime = *entry.LastExecutionTime
		}
		if entry.NextExecutionTime != nil {
			t := *entry.NextExecutionTime
			rec.NextExecutionTime = &t
		}

		defaults := task.Meta{
			TaskID:          rec.TaskID,
			AccountID:       rec.AccountID,
			TaskType:        rec.TaskType,
			IntervalSeconds: rec.IntervalSeconds,
			Mode:            rec.Mode,
		}
		if meta, err := r.metaStore.LoadOrInit(rec.TaskID, defaults); err != nil {
			slog.Warn("registry: failed to load task meta during restore", "task_id", rec.TaskID, "error", err)
		} else {
			rec.Meta = &meta
		}

		r.tasks[rec.TaskID] = rec
		r.accountIndex[accountKey(rec.TaskType, rec.AccountID)] = rec.TaskID
		metrics.SetTaskStatus(rec.TaskID, string(rec.Status))
		restored++
	}

	slog.Info("registry: snapshot restored", "restored", restored, "skipped", skipped)
	return restored, skipped
}


