package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/opsched/internal/agent"
	"firestige.xyz/opsched/internal/config"
	"firestige.xyz/opsched/internal/metrics"
	"firestige.xyz/opsched/internal/persistence"
	"firestige.xyz/opsched/internal/registry"
	"firestige.xyz/opsched/internal/task"
)

// ErrBusy is returned by ExecuteNow when the Global Lock could not be
// acquired within the configured wait.
var ErrBusy = errors.New("scheduler: global execution lock busy")

const defaultTickCap = 60 * time.Second

// Dispatcher is the single long-running coordinator (C6): it scans the
// Registry's due set, waits on an interruptible timer when nothing is due,
// and drives one RunOnce invocation at a time under the Global Lock.
type Dispatcher struct {
	reg   *registry.Registry
	lock  *Lock
	store *persistence.Store

	dataDir           string
	tickCap           time.Duration
	executeNowTimeout time.Duration

	enabled atomic.Bool
	wake    chan struct{}
	done    chan struct{}

	// runMu guards runCancel, the cancel function for whatever RunOnce is
	// currently in flight. It is deliberately independent of Run's loop
	// ctx: cancelling the loop must stop the dispatcher from pulling new
	// work without killing a run already underway. Only CancelInFlightRun
	// (called after shutdown_grace elapses) reaches in and kills it.
	runMu     sync.Mutex
	runCancel context.CancelFunc
}

// NewDispatcher builds a Dispatcher. Invalid duration strings in cfg fall
// back to sane defaults, logged as warnings.
func NewDispatcher(reg *registry.Registry, lock *Lock, store *persistence.Store, dataDir string, cfg config.DispatcherConfig) *Dispatcher {
	d := &Dispatcher{
		reg:               reg,
		lock:              lock,
		store:             store,
		dataDir:           dataDir,
		tickCap:           parseDurationOr(cfg.TickInterval, defaultTickCap, "dispatcher.tick_interval"),
		executeNowTimeout: parseDurationOr(cfg.ExecuteNowTimeout, 10*time.Second, "dispatcher.execute_now_timeout"),
		wake:              make(chan struct{}, 1),
		done:              make(chan struct{}),
	}
	d.enabled.Store(true)
	return d
}

func parseDurationOr(value string, fallback time.Duration, field string) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		slog.Warn("dispatcher: invalid duration, using default", "field", field, "value", value, "default", fallback)
		return fallback
	}
	return d
}

// Wakeup interrupts the idle wait so the dispatcher re-evaluates the due
// set immediately. Safe to call from any goroutine; never blocks.
func (d *Dispatcher) Wakeup() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Start enables the dispatcher's pull of new work. Does not affect a run
// already in flight.
func (d *Dispatcher) Start() {
	d.enabled.Store(true)
	d.Wakeup()
}

// Stop disables the dispatcher's pull of new work. Does not abort a run
// already in flight.
func (d *Dispatcher) Stop() {
	d.enabled.Store(false)
}

// Done is closed once Run returns.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Run blocks, driving the dispatch loop until ctx is cancelled. Cancelling
// ctx stops the loop from pulling new work immediately; it never reaches a
// RunOnce already in flight, which runs under its own context (see
// runTracked) until it returns or CancelInFlightRun is called.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)

	for {
		if ctx.Err() != nil {
			return
		}

		if !d.enabled.Load() {
			select {
			case <-ctx.Done():
				return
			case <-d.wake:
			}
			continue
		}

		due := d.reg.DueSet(time.Now())
		metrics.DueTasksGauge.Set(float64(len(due)))

		if len(due) == 0 {
			timer := time.NewTimer(d.idleWait())
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-d.wake:
				timer.Stop()
			case <-timer.C:
			}
			continue
		}

		head := due[0]
		if err := d.lock.Acquire(ctx); err != nil {
			return
		}
		d.dispatchOne(head.TaskID)
		d.lock.Release()
	}
}

// CancelInFlightRun force-cancels whatever RunOnce is currently executing,
// if any. The daemon calls this only after shutdown_grace has elapsed, so
// the process can exit regardless even if the operator subprocess is stuck.
func (d *Dispatcher) CancelInFlightRun() {
	d.runMu.Lock()
	cancel := d.runCancel
	d.runMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// runTracked wraps a run in a cancellable context registered in runCancel,
// so CancelInFlightRun can reach it independently of the loop's own ctx.
func (d *Dispatcher) runTracked(parent context.Context, handle registry.RunHandle) (ok bool, runErr error, start, end time.Time) {
	runCtx, cancel := context.WithCancel(parent)
	d.runMu.Lock()
	d.runCancel = cancel
	d.runMu.Unlock()
	defer func() {
		cancel()
		d.runMu.Lock()
		d.runCancel = nil
		d.runMu.Unlock()
	}()
	return d.runAndFinish(runCtx, handle)
}

// idleWait sizes the interruptible sleep: the earliest pending
// next_execution_time, capped at tickCap so a late wakeup is never missed
// by more than that cap.
func (d *Dispatcher) idleWait() time.Duration {
	wake, ok := d.reg.NextWakeup()
	if !ok {
		return d.tickCap
	}
	until := time.Until(wake)
	if until < 0 {
		until = 0
	}
	if until < d.tickCap {
		return until
	}
	return d.tickCap
}

// dispatchOne re-checks status under the Registry lock (via TryBeginRun)
// before running, so a task paused or deleted between the due-set scan and
// Global Lock acquisition is silently skipped rather than run stale. The run
// itself is bound to its own context (see runTracked), not the dispatch
// loop's ctx, so cancelling the loop never aborts a run already in flight.
func (d *Dispatcher) dispatchOne(taskID string) {
	handle, err := d.reg.TryBeginRun(taskID)
	if err != nil {
		return
	}
	d.runTracked(context.Background(), handle)
	d.persist()
}

// runAndFinish invokes the agent, applies the credentials hooks around it,
// and records the outcome via Registry.FinishRun. Caller must hold the
// Global Lock.
func (d *Dispatcher) runAndFinish(ctx context.Context, handle registry.RunHandle) (ok bool, runErr error, start, end time.Time) {
	ws := agent.NewWorkspace(d.dataDir, handle.TaskID)
	if err := ws.CopyCredentialsIn(); err != nil {
		slog.Warn("dispatcher: failed to stage credentials", "task_id", handle.TaskID, "error", err)
	}

	start = time.Now()
	ok, runErr = handle.Agent.RunOnce(ctx, handle.AgentParams, handle.Mode)
	end = time.Now()
	metrics.RunDurationSeconds.WithLabelValues(handle.TaskID).Observe(end.Sub(start).Seconds())

	if err := ws.CopyCredentialsOut(); err != nil {
		slog.Warn("dispatcher: failed to reclaim credentials", "task_id", handle.TaskID, "error", err)
	}
	if runErr != nil {
		slog.Error("dispatcher: run failed", "task_id", handle.TaskID, "round_num", handle.RoundNum, "error", runErr)
	}
	snap, err := d.reg.FinishRun(handle.TaskID, ok, runErr)
	if err != nil {
		slog.Error("dispatcher: failed to finish run", "task_id", handle.TaskID, "error", err)
	} else if snap.TaskID == "" {
		// FinishRun applied a delete deferred while the task was running.
		if err := ws.Remove(); err != nil {
			slog.Warn("dispatcher: failed to remove workspace", "task_id", handle.TaskID, "error", err)
		}
	}
	return ok, runErr, start, end
}

func (d *Dispatcher) persist() {
	snap := d.reg.ExportSnapshot()
	if err := d.store.Save(snap); err != nil {
		slog.Error("dispatcher: failed to persist snapshot", "error", err)
	}
}

// ExecuteNowResult carries the Execute-Now operation's success payload.
type ExecuteNowResult struct {
	TaskID   string
	Start    time.Time
	End      time.Time
	Duration time.Duration
	OK       bool
	Err      error
}

// ExecuteNow attempts to acquire the Global Lock within the configured
// execute_now_timeout and runs one RunOnce synchronously, blocking the
// caller. Returns ErrBusy on acquisition timeout; other errors propagate
// from Registry.TryBeginRun (NotFound, IllegalState).
func (d *Dispatcher) ExecuteNow(ctx context.Context, taskID string) (ExecuteNowResult, error) {
	waitStart := time.Now()
	if !d.lock.TryAcquire(d.executeNowTimeout) {
		return ExecuteNowResult{}, ErrBusy
	}
	metrics.DispatchLockWaitSeconds.WithLabelValues(taskID).Observe(time.Since(waitStart).Seconds())
	defer d.lock.Release()

	handle, err := d.reg.TryBeginRun(taskID)
	if err != nil {
		return ExecuteNowResult{}, err
	}

	ok, runErr, start, end := d.runTracked(ctx, handle)
	d.persist()

	return ExecuteNowResult{
		TaskID:   taskID,
		Start:    start,
		End:      end,
		Duration: end.Sub(start),
		OK:       ok,
		Err:      runErr,
	}, nil
}

// Status is the Dispatcher's reply to the DispatcherStatus operation.
type Status struct {
	Enabled      bool
	RunningTask  *task.Snapshot
	StatusCounts map[task.Status]int
}

// Status reports the dispatcher's enabled/disabled state, per-status task
// counts, and the currently running task (if any).
func (d *Dispatcher) Status() Status {
	st := Status{
		Enabled:      d.enabled.Load(),
		StatusCounts: make(map[task.Status]int),
	}
	for _, snap := range d.reg.List() {
		st.StatusCounts[snap.Status]++
		if snap.Status == task.StatusRunning {
			s := snap
			st.RunningTask = &s
		}
	}
	return st
}


