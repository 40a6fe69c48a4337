package command

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"firestige.xyz/opsched/internal/agent"
	"firestige.xyz/opsched/internal/clock"
	"firestige.xyz/opsched/internal/config"
	"firestige.xyz/opsched/internal/control"
	"firestige.xyz/opsched/internal/license"
	"firestige.xyz/opsched/internal/persistence"
	"firestige.xyz/opsched/internal/registry"
	"firestige.xyz/opsched/internal/scheduler"
	"firestige.xyz/opsched/internal/task"
)

const handlerTestTaskType = "command-test-agent"

type stubAgent struct{}

func (stubAgent) RunOnce(_ context.Context, _ config.AgentParams, _ config.ExecutionMode) (bool, error) {
	return true, nil
}
func (stubAgent) LoginStatus() (task.LoginState, error) { return task.LoginStateLoggedIn, nil }
func (stubAgent) BeginLogin() ([]byte, bool, error)     { return []byte("qr"), false, nil }
func (stubAgent) ConfirmLogin() (task.LoginState, error) {
	return task.LoginStateLoggedIn, nil
}

func init() {
	agent.Register(handlerTestTaskType, func(taskID string, ws agent.Workspace) (task.Agent, error) {
		return stubAgent{}, nil
	})
}

// mockConfigReloader is a mock implementation of ConfigReloader.
type mockConfigReloader struct {
	reloadFunc func() error
}

func (m *mockConfigReloader) Reload() error {
	if m.reloadFunc != nil {
		return m.reloadFunc()
	}
	return nil
}

func newTestHandler(t *testing.T) *CommandHandler {
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
	gate := license.New(config.LicenseConfig{Activated: true, TaskNum: 10}, nil)
	api := control.New(reg, disp, gate, store, t.TempDir())
	return NewCommandHandler(api, nil)
}

func createTestTask(t *testing.T, h *CommandHandler, accountID string) string {
	t.Helper()
	params, err := json.Marshal(TaskCreateParams{
		AccountID:       accountID,
		TaskType:        handlerTestTaskType,
		IntervalSeconds: 3600,
		EndDate:         time.Now().AddDate(1, 0, 0).Format(time.RFC3339),
		Mode:            config.ModeStandard,
	})
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	resp := h.Handle(context.Background(), Command{Method: "task_create", Params: params, ID: "create-" + accountID})
	if resp.Error != nil {
		t.Fatalf("task_create: %v", resp.Error.Message)
	}
	snap, ok := resp.Result.(task.Snapshot)
	if !ok {
		t.Fatalf("task_create result is not a task.Snapshot: %#v", resp.Result)
	}
	return snap.TaskID
}

func TestCommandHandler_HandleTaskCreate(t *testing.T) {
	h := newTestHandler(t)
	taskID := createTestTask(t, h, "acct-1")
	if taskID == "" {
		t.Fatal("expected a non-empty task_id")
	}
}

func TestCommandHandler_HandleTaskList(t *testing.T) {
	h := newTestHandler(t)
	createTestTask(t, h, "acct-list")

	resp := h.Handle(context.Background(), Command{Method: "task_list", Params: json.RawMessage{}, ID: "req-2"})
	if resp.ID != "req-2" {
		t.Errorf("response ID = %s, want req-2", resp.ID)
	}
	if resp.Error != nil {
		t.Errorf("unexpected error: %v", resp.Error.Message)
	}

	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatal("result is not a map")
	}
	if _, exists := result["tasks"]; !exists {
		t.Error("result missing 'tasks' field")
	}
	if count, _ := result["count"].(int); count != 1 {
		t.Errorf("count = %v, want 1", result["count"])
	}
}

func TestCommandHandler_HandleTaskGet(t *testing.T) {
	h := newTestHandler(t)
	taskID := createTestTask(t, h, "acct-get")

	params, _ := json.Marshal(TaskIDParams{TaskID: taskID})
	resp := h.Handle(context.Background(), Command{Method: "task_get", Params: params, ID: "req-3"})
	if resp.Error != nil {
		t.Errorf("unexpected error: %v", resp.Error.Message)
	}
}

func TestCommandHandler_HandleTaskDelete(t *testing.T) {
	h := newTestHandler(t)

	params, _ := json.Marshal(TaskIDParams{TaskID: "non-existent"})
	cmd := Command{Method: "task_delete", Params: params, ID: "req-4"}

	resp := h.Handle(context.Background(), cmd)
	if resp.ID != "req-4" {
		t.Errorf("response ID = %s, want req-4", resp.ID)
	}
	if resp.Error == nil {
		t.Error("expected error for non-existent task")
	}
	if resp.Error.Code != ErrCodeNotFound {
		t.Errorf("error code = %d, want %d", resp.Error.Code, ErrCodeNotFound)
	}
}

func TestCommandHandler_HandlePauseResume(t *testing.T) {
	h := newTestHandler(t)
	taskID := createTestTask(t, h, "acct-pause")

	params, _ := json.Marshal(TaskIDParams{TaskID: taskID})
	resp := h.Handle(context.Background(), Command{Method: "task_pause", Params: params, ID: "req-5a"})
	if resp.Error != nil {
		t.Fatalf("task_pause: %v", resp.Error.Message)
	}

	resp = h.Handle(context.Background(), Command{Method: "task_resume", Params: params, ID: "req-5b"})
	if resp.Error != nil {
		t.Fatalf("task_resume: %v", resp.Error.Message)
	}
}

func TestCommandHandler_HandleExecuteNow(t *testing.T) {
	h := newTestHandler(t)
	taskID := createTestTask(t, h, "acct-run")

	params, _ := json.Marshal(TaskIDParams{TaskID: taskID})
	resp := h.Handle(context.Background(), Command{Method: "task_execute_now", Params: params, ID: "req-6"})
	if resp.Error != nil {
		t.Fatalf("task_execute_now: %v", resp.Error.Message)
	}
}

func TestCommandHandler_HandleConfigReload(t *testing.T) {
	c, err := clock.NewPolicy("UTC")
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	reg := registry.New(c, task.NoopMetaStore(), 200)
	store := persistence.NewStore(filepath.Join(t.TempDir(), "snapshot.json"))
	lock := scheduler.NewLock()
	disp := scheduler.NewDispatcher(reg, lock, store, t.TempDir(), config.DispatcherConfig{})
	gate := license.New(config.LicenseConfig{Activated: true, TaskNum: 10}, nil)
	api := control.New(reg, disp, gate, store, t.TempDir())

	reloadCalled := false
	reloader := &mockConfigReloader{
		reloadFunc: func() error {
			reloadCalled = true
			return nil
		},
	}
	handler := NewCommandHandler(api, reloader)

	cmd := Command{Method: "config_reload", Params: json.RawMessage{}, ID: "req-7"}
	resp := handler.Handle(context.Background(), cmd)
	if resp.ID != "req-7" {
		t.Errorf("response ID = %s, want req-7", resp.ID)
	}
	if resp.Error != nil {
		t.Errorf("unexpected error: %v", resp.Error.Message)
	}
	if !reloadCalled {
		t.Error("reload function was not called")
	}
}

func TestCommandHandler_HandleUnknownMethod(t *testing.T) {
	h := newTestHandler(t)
	cmd := Command{Method: "unknown.method", Params: json.RawMessage{}, ID: "req-8"}

	resp := h.Handle(context.Background(), cmd)
	if resp.ID != "req-8" {
		t.Errorf("response ID = %s, want req-8", resp.ID)
	}
	if resp.Error == nil {
		t.Fatal("expected error for unknown method")
	}
	if resp.Error.Code != ErrCodeMethodNotFound {
		t.Errorf("error code = %d, want %d", resp.Error.Code, ErrCodeMethodNotFound)
	}
}

func TestCommandHandler_InvalidParams(t *testing.T) {
	h := newTestHandler(t)
	cmd := Command{Method: "task_create", Params: json.RawMessage(`{invalid json}`), ID: "req-9"}

	resp := h.Handle(context.Background(), cmd)
	if resp.Error == nil {
		t.Fatal("expected error for invalid params")
	}
	if resp.Error.Code != ErrCodeInvalidParams {
		t.Errorf("error code = %d, want %d", resp.Error.Code, ErrCodeInvalidParams)
	}
}


