package control

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"firestige.xyz/opsched/internal/agent"
	"firestige.xyz/opsched/internal/clock"
	"firestige.xyz/opsched/internal/config"
	"firestige.xyz/opsched/internal/license"
	"firestige.xyz/opsched/internal/persistence"
	"firestige.xyz/opsched/internal/registry"
	"firestige.xyz/opsched/internal/scheduler"
	"firestige.xyz/opsched/internal/task"
)

const testTaskType = "control-test-agent"

type fakeAgent struct {
	ok    bool
	err   error
	state task.LoginState
}

func (a *fakeAgent) RunOnce(_ context.Context, _ config.AgentParams, _ config.ExecutionMode) (bool, error) {
	return a.ok, a.err
}
func (a *fakeAgent) LoginStatus() (task.LoginState, error) { return a.state, nil }
func (a *fakeAgent) BeginLogin() ([]byte, bool, error)     { return []byte("qr"), false, nil }
func (a *fakeAgent) ConfirmLogin() (task.LoginState, error) {
	a.state = task.LoginStateLoggedIn
	return a.state, nil
}

func init() {
	agent.Register(testTaskType, func(taskID string, ws agent.Workspace) (task.Agent, error) {
		return &fakeAgent{ok: true, state: task.LoginStateNotLoggedIn}, nil
	})
}

func newTestAPI(t *testing.T, licenseCfg config.LicenseConfig) (*API, *registry.Registry) {
	t.Helper()
	c, err := clock.NewPolicy("UTC")
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	reg := registry.New(c, task.NoopMetaStore(), 200)
	store := persistence.NewStore(filepath.Join(t.TempDir(), "snapshot.json"))
	lock := scheduler.NewLock()
	disp := scheduler.NewDispatcher(reg, lock, store, t.TempDir(), config.DispatcherConfig{
		TickInterval:      "50ms",
		ExecuteNowTimeout: "200ms",
	})
	gate := license.New(licenseCfg, nil)
	api := New(reg, disp, gate, store, t.TempDir())
	return api, reg
}

func activatedLicense() config.LicenseConfig {
	return config.LicenseConfig{Activated: true, TaskNum: 10}
}

func TestAPI_CreateTask_RegistersWithWorkspaceAndAgent(t *testing.T) {
	api, reg := newTestAPI(t, activatedLicense())

	snap, err := api.CreateTask(CreateTaskInput{
		AccountID:       "acct-1",
		TaskType:        testTaskType,
		IntervalSeconds: 3600,
		EndDate:         time.Now().AddDate(1, 0, 0),
		Mode:            config.ModeStandard,
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if snap.TaskID == "" {
		t.Fatal("expected a generated task_id")
	}
	if reg.Count() != 1 {
		t.Errorf("Count: got %d, want 1", reg.Count())
	}
}

func TestAPI_CreateTask_AccountCollisionReturnsAccountTaken(t *testing.T) {
	api, _ := newTestAPI(t, activatedLicense())
	in := CreateTaskInput{
		AccountID:       "acct-dup",
		TaskType:        testTaskType,
		IntervalSeconds: 3600,
		EndDate:         time.Now().AddDate(1, 0, 0),
		Mode:            config.ModeStandard,
	}
	if _, err := api.CreateTask(in); err != nil {
		t.Fatalf("first CreateTask: %v", err)
	}
	_, err := api.CreateTask(in)
	if KindOf(err) != KindAccountTaken {
		t.Errorf("expected KindAccountTaken, got %v (%v)", KindOf(err), err)
	}
}

func TestAPI_CreateTask_UnactivatedCoercesIntervalAndEnforcesLimit(t *testing.T) {
	api, _ := newTestAPI(t, config.LicenseConfig{Activated: false})

	snap, err := api.CreateTask(CreateTaskInput{
		AccountID:       "acct-trial",
		TaskType:        testTaskType,
		IntervalSeconds: 60,
		EndDate:         time.Now().AddDate(1, 0, 0),
		Mode:            config.ModeStandard,
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if snap.IntervalSeconds != 7200 {
		t.Errorf("IntervalSeconds: got %d, want 7200", snap.IntervalSeconds)
	}

	_, err = api.CreateTask(CreateTaskInput{
		AccountID:       "acct-trial-2",
		TaskType:        testTaskType,
		IntervalSeconds: 60,
		EndDate:         time.Now().AddDate(1, 0, 0),
		Mode:            config.ModeStandard,
	})
	if KindOf(err) != KindTaskLimitReached {
		t.Errorf("expected KindTaskLimitReached, got %v (%v)", KindOf(err), err)
	}
}

func TestAPI_ExecuteNow_ForbiddenOnUnactivatedLicense(t *testing.T) {
	api, _ := newTestAPI(t, config.LicenseConfig{Activated: false})
	snap, err := api.CreateTask(CreateTaskInput{
		AccountID:       "acct-forbid",
		TaskType:        testTaskType,
		IntervalSeconds: 60,
		EndDate:         time.Now().AddDate(1, 0, 0),
		Mode:            config.ModeStandard,
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	_, err = api.ExecuteNow(context.Background(), snap.TaskID)
	if KindOf(err) != KindLicenseForbidden {
		t.Errorf("expected KindLicenseForbidden, got %v (%v)", KindOf(err), err)
	}
}

func TestAPI_ExecuteNow_RunsAndPersists(t *testing.T) {
	api, _ := newTestAPI(t, activatedLicense())
	snap, err := api.CreateTask(CreateTaskInput{
		AccountID:       "acct-run",
		TaskType:        testTaskType,
		IntervalSeconds: 3600,
		EndDate:         time.Now().AddDate(1, 0, 0),
		Mode:            config.ModeStandard,
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	result, err := api.ExecuteNow(context.Background(), snap.TaskID)
	if err != nil {
		t.Fatalf("ExecuteNow: %v", err)
	}
	if !result.OK {
		t.Error("expected a successful run")
	}

	got, err := api.GetTask(snap.TaskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != task.StatusPending {
		t.Errorf("Status after run: got %q, want pending", got.Status)
	}
}

func TestAPI_PauseResume_RoundTrips(t *testing.T) {
	api, _ := newTestAPI(t, activatedLicense())
	snap, err := api.CreateTask(CreateTaskInput{
		AccountID:       "acct-pause",
		TaskType:        testTaskType,
		IntervalSeconds: 3600,
		EndDate:         time.Now().AddDate(1, 0, 0),
		Mode:            config.ModeStandard,
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	paused, err := api.PauseTask(snap.TaskID)
	if err != nil {
		t.Fatalf("PauseTask: %v", err)
	}
	if paused.Status != task.StatusPaused || paused.NextExecutionTime != nil {
		t.Errorf("expected paused with nil next_execution_time, got status=%q next=%v", paused.Status, paused.NextExecutionTime)
	}

	resumed, err := api.ResumeTask(snap.TaskID)
	if err != nil {
		t.Fatalf("ResumeTask: %v", err)
	}
	if resumed.Status != task.StatusPending || resumed.NextExecutionTime == nil {
		t.Errorf("expected pending with a scheduled next_execution_time, got status=%q next=%v", resumed.Status, resumed.NextExecutionTime)
	}
}

func TestAPI_DeleteTask_RemovesFromRegistry(t *testing.T) {
	api, reg := newTestAPI(t, activatedLicense())
	snap, err := api.CreateTask(CreateTaskInput{
		AccountID:       "acct-del",
		TaskType:        testTaskType,
		IntervalSeconds: 3600,
		EndDate:         time.Now().AddDate(1, 0, 0),
		Mode:            config.ModeStandard,
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := api.DeleteTask(snap.TaskID); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if reg.Count() != 0 {
		t.Errorf("Count after delete: got %d, want 0", reg.Count())
	}
	if _, err := api.GetTask(snap.TaskID); KindOf(err) != KindNotFound {
		t.Errorf("expected KindNotFound after delete, got %v", KindOf(err))
	}
}

func TestAPI_LoginFlow_DelegatesToAgent(t *testing.T) {
	api, _ := newTestAPI(t, activatedLicense())
	snap, err := api.CreateTask(CreateTaskInput{
		AccountID:       "acct-login",
		TaskType:        testTaskType,
		IntervalSeconds: 3600,
		EndDate:         time.Now().AddDate(1, 0, 0),
		Mode:            config.ModeStandard,
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	state, err := api.LoginStatus(snap.TaskID)
	if err != nil {
		t.Fatalf("LoginStatus: %v", err)
	}
	if state != task.LoginStateNotLoggedIn {
		t.Errorf("LoginStatus: got %q, want not_logged_in", state)
	}

	qr, alreadyLoggedIn, err := api.LoginQRCode(snap.TaskID)
	if err != nil {
		t.Fatalf("LoginQRCode: %v", err)
	}
	if alreadyLoggedIn || len(qr) == 0 {
		t.Errorf("expected a QR payload and alreadyLoggedIn=false, got %q %v", qr, alreadyLoggedIn)
	}

	confirmed, err := api.LoginConfirm(snap.TaskID)
	if err != nil {
		t.Fatalf("LoginConfirm: %v", err)
	}
	if confirmed != task.LoginStateLoggedIn {
		t.Errorf("LoginConfirm: got %q, want logged_in", confirmed)
	}
}

func TestAPI_DispatcherStartStopStatus(t *testing.T) {
	api, _ := newTestAPI(t, activatedLicense())
	if st := api.StopDispatcher(); st.Enabled {
		t.Error("expected StopDispatcher to report disabled")
	}
	if st := api.StartDispatcher(); !st.Enabled {
		t.Error("expected StartDispatcher to report enabled")
	}
	if st := api.DispatcherStatus(); !st.Enabled {
		t.Error("expected DispatcherStatus to reflect enabled state")
	}
}


