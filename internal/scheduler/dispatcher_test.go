package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"firestige.xyz/opsched/internal/clock"
	"firestige.xyz/opsched/internal/config"
	"firestige.xyz/opsched/internal/persistence"
	"firestige.xyz/opsched/internal/registry"
	"firestige.xyz/opsched/internal/task"
)

type countingAgent struct {
	calls atomic.Int32
	ok    bool
	err   error
}

func (a *countingAgent) RunOnce(_ context.Context, _ config.AgentParams, _ config.ExecutionMode) (bool, error) {
	a.calls.Add(1)
	return a.ok, a.err
}
func (a *countingAgent) LoginStatus() (task.LoginState, error) { return task.LoginStateLoggedIn, nil }
func (a *countingAgent) BeginLogin() ([]byte, bool, error)     { return nil, true, nil }
func (a *countingAgent) ConfirmLogin() (task.LoginState, error) {
	return task.LoginStateLoggedIn, nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *registry.Registry) {
	t.Helper()
	c, err := clock.NewPolicy("UTC")
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	reg := registry.New(c, task.NoopMetaStore(), 200)
	store := persistence.NewStore(filepath.Join(t.TempDir(), "snapshot.json"))
	lock := NewLock()
	d := NewDispatcher(reg, lock, store, t.TempDir(), config.DispatcherConfig{
		TickInterval:      "50ms",
		ExecuteNowTimeout: "200ms",
	})
	return d, reg
}

func TestDispatcher_Run_ExecutesDueTask(t *testing.T) {
	d, reg := newTestDispatcher(t)
	a := &countingAgent{ok: true}
	_, err := reg.Add(registry.AddInput{
		AccountID:       "acct-1",
		TaskType:        config.DefaultTaskType,
		IntervalSeconds: 3600,
		EndDate:         time.Now().AddDate(1, 0, 0),
		Mode:            config.ModeStandard,
		Agent:           a,
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go d.Run(ctx)

	deadline := time.Now().Add(900 * time.Millisecond)
	for time.Now().Before(deadline) {
		if a.calls.Load() > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if a.calls.Load() == 0 {
		t.Fatal("expected the due task to be run at least once")
	}
	cancel()
	<-d.Done()
}

func TestDispatcher_ExecuteNow_RunsImmediatelyAndReturnsOutcome(t *testing.T) {
	d, reg := newTestDispatcher(t)
	a := &countingAgent{ok: true}
	snap, err := reg.Add(registry.AddInput{
		AccountID:       "acct-2",
		TaskType:        config.DefaultTaskType,
		IntervalSeconds: 3600,
		EndDate:         time.Now().AddDate(1, 0, 0),
		Mode:            config.ModeStandard,
		Agent:           a,
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	result, err := d.ExecuteNow(context.Background(), snap.TaskID)
	if err != nil {
		t.Fatalf("ExecuteNow: %v", err)
	}
	if !result.OK {
		t.Error("expected OK result")
	}
	if result.End.Before(result.Start) {
		t.Error("end must not precede start")
	}
	if a.calls.Load() != 1 {
		t.Errorf("calls: got %d, want 1", a.calls.Load())
	}
}

func TestDispatcher_ExecuteNow_BusyWhenLockHeld(t *testing.T) {
	d, reg := newTestDispatcher(t)
	a := &countingAgent{ok: true}
	snap, err := reg.Add(registry.AddInput{
		AccountID:       "acct-3",
		TaskType:        config.DefaultTaskType,
		IntervalSeconds: 3600,
		EndDate:         time.Now().AddDate(1, 0, 0),
		Mode:            config.ModeStandard,
		Agent:           a,
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if !d.lock.TryAcquire(0) {
		t.Fatal("expected to acquire the lock directly")
	}
	defer d.lock.Release()

	_, err = d.ExecuteNow(context.Background(), snap.TaskID)
	if !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}
}

func TestDispatcher_FinishRun_ErrorDoesNotStopScheduling(t *testing.T) {
	d, reg := newTestDispatcher(t)
	a := &countingAgent{ok: false, err: errors.New("agent boom")}
	snap, err := reg.Add(registry.AddInput{
		AccountID:       "acct-4",
		TaskType:        config.DefaultTaskType,
		IntervalSeconds: 3600,
		EndDate:         time.Now().AddDate(1, 0, 0),
		Mode:            config.ModeStandard,
		Agent:           a,
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if _, err := d.ExecuteNow(context.Background(), snap.TaskID); err != nil {
		t.Fatalf("ExecuteNow: %v", err)
	}

	got, err := reg.Get(snap.TaskID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != task.StatusError {
		t.Errorf("Status: got %q, want error", got.Status)
	}
	if got.NextExecutionTime == nil {
		t.Error("expected an error-status task to still be scheduled for its next tick")
	}
}

// blockingAgent runs until its ctx is cancelled, recording whether it ever
// observed cancellation.
type blockingAgent struct {
	started   chan struct{}
	cancelled atomic.Bool
}

func (a *blockingAgent) RunOnce(ctx context.Context, _ config.AgentParams, _ config.ExecutionMode) (bool, error) {
	close(a.started)
	<-ctx.Done()
	a.cancelled.Store(true)
	return true, nil
}
func (a *blockingAgent) LoginStatus() (task.LoginState, error) { return task.LoginStateLoggedIn, nil }
func (a *blockingAgent) BeginLogin() ([]byte, bool, error)     { return nil, true, nil }
func (a *blockingAgent) ConfirmLogin() (task.LoginState, error) {
	return task.LoginStateLoggedIn, nil
}

func TestDispatcher_Run_CancellingLoopCtxDoesNotAbortInFlightRun(t *testing.T) {
	d, reg := newTestDispatcher(t)
	a := &blockingAgent{started: make(chan struct{})}
	_, err := reg.Add(registry.AddInput{
		AccountID:       "acct-5",
		TaskType:        config.DefaultTaskType,
		IntervalSeconds: 3600,
		EndDate:         time.Now().AddDate(1, 0, 0),
		Mode:            config.ModeStandard,
		Agent:           a,
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	select {
	case <-a.started:
	case <-time.After(time.Second):
		t.Fatal("agent never started its run")
	}

	// Cancelling the loop's own ctx must not reach the in-flight run.
	cancel()
	time.Sleep(50 * time.Millisecond)
	if a.cancelled.Load() {
		t.Fatal("cancelling the dispatch loop's ctx must not abort a run already in flight")
	}

	// Only an explicit CancelInFlightRun (what the daemon calls once
	// shutdown_grace elapses) may do that.
	d.CancelInFlightRun()
	select {
	case <-d.Done():
	case <-time.After(time.Second):
		t.Fatal("Run did not return after CancelInFlightRun")
	}
	if !a.cancelled.Load() {
		t.Fatal("expected the in-flight run to observe cancellation after CancelInFlightRun")
	}
}

func TestDispatcher_StartStop_TogglesEnabled(t *testing.T) {
	d, _ := newTestDispatcher(t)
	if !d.Status().Enabled {
		t.Fatal("expected dispatcher to start enabled")
	}
	d.Stop()
	if d.Status().Enabled {
		t.Error("expected Stop to disable the dispatcher")
	}
	d.Start()
	if !d.Status().Enabled {
		t.Error("expected Start to re-enable the dispatcher")
	}
}


