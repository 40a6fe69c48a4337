// Package command implements control plane command handling.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"firestige.xyz/opsched/internal/clock"
	"firestige.xyz/opsched/internal/config"
	"firestige.xyz/opsched/internal/control"
	"firestige.xyz/opsched/internal/scheduler"
	"firestige.xyz/opsched/internal/task"
)

// CommandHandler handles control plane commands.
type CommandHandler struct {
	api            *control.API
	configReloader ConfigReloader
	shutdownFunc   func() // Called by daemon_shutdown to trigger graceful stop
	startTime      int64  // Unix timestamp of daemon start for uptime calc
}

// ConfigReloader is the interface for reloading global configuration.
type ConfigReloader interface {
	Reload() error
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(api *control.API, reloader ConfigReloader) *CommandHandler {
	return &CommandHandler{
		api:            api,
		configReloader: reloader,
		startTime:      time.Now().Unix(),
	}
}

// SetShutdownFunc sets the callback invoked by the daemon_shutdown command.
func (h *CommandHandler) SetShutdownFunc(fn func()) {
	h.shutdownFunc = fn
}

// Command represents a control plane command.
type Command struct {
	Method string          `json:"method"` // e.g., "task_create", "task_delete"
	Params json.RawMessage `json:"params"` // command-specific parameters
	ID     string          `json:"id"`     // request ID for tracking
}

// Response represents a command response.
type Response struct {
	ID     string      `json:"id"`               // matches request ID
	Result interface{} `json:"result,omitempty"` // success result
	Error  *ErrorInfo  `json:"error,omitempty"`  // error info if failed
}

// ErrorInfo represents an error in the response.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error codes. The JSON-RPC reserved range (-32700..-32600) carries transport
// errors; the scheduler's closed error-kind set (control.ErrorKind) occupies
// application codes below -32000.
const (
	ErrCodeParseError     = -32700 // Invalid JSON
	ErrCodeInvalidRequest = -32600 // Invalid request object
	ErrCodeMethodNotFound = -32601 // Method not found
	ErrCodeInvalidParams  = -32602 // Invalid method parameters
	ErrCodeInternalError  = -32603 // Internal error

	ErrCodeNotFound         = -32001
	ErrCodeAccountTaken     = -32002
	ErrCodeIllegalState     = -32003
	ErrCodeTaskLimitReached = -32004
	ErrCodeLicenseExpired   = -32005
	ErrCodeLicenseForbidden = -32006
	ErrCodeBusy             = -32007
	ErrCodeAgentError       = -32008
	ErrCodeCorruptSnapshot  = -32009
)

// errorCodeFor maps a Control API error into its JSON-RPC error code.
func errorCodeFor(err error) int {
	switch control.KindOf(err) {
	case control.KindNotFound:
		return ErrCodeNotFound
	case control.KindAccountTaken:
		return ErrCodeAccountTaken
	case control.KindInvalid:
		return ErrCodeInvalidParams
	case control.KindIllegalState:
		return ErrCodeIllegalState
	case control.KindTaskLimitReached:
		return ErrCodeTaskLimitReached
	case control.KindLicenseExpired:
		return ErrCodeLicenseExpired
	case control.KindLicenseForbidden:
		return ErrCodeLicenseForbidden
	case control.KindBusy:
		return ErrCodeBusy
	case control.KindAgentError:
		return ErrCodeAgentError
	case control.KindCorruptSnapshot:
		return ErrCodeCorruptSnapshot
	default:
		return ErrCodeInternalError
	}
}

func errResponse(id string, err error) Response {
	return Response{ID: id, Error: &ErrorInfo{Code: errorCodeFor(err), Message: err.Error()}}
}

func invalidParams(id string, err error) Response {
	return Response{ID: id, Error: &ErrorInfo{Code: ErrCodeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}}
}

// Handle processes a command and returns a response.
func (h *CommandHandler) Handle(ctx context.Context, cmd Command) Response {
	slog.Info("handling command", "method", cmd.Method, "id", cmd.ID)

	switch cmd.Method {
	case "task_create":
		return h.handleTaskCreate(cmd)
	case "task_update":
		return h.handleTaskUpdate(cmd)
	case "task_delete":
		return h.handleTaskDelete(cmd)
	case "task_pause":
		return h.handleTaskPause(cmd)
	case "task_resume":
		return h.handleTaskResume(cmd)
	case "task_reorder":
		return h.handleTaskReorder(cmd)
	case "task_execute_now":
		return h.handleTaskExecuteNow(ctx, cmd)
	case "task_list":
		return h.handleTaskList(cmd)
	case "task_get":
		return h.handleTaskGet(cmd)
	case "task_by_account":
		return h.handleTaskByAccount(cmd)
	case "dispatcher_start":
		return h.handleDispatcherStart(cmd)
	case "dispatcher_stop":
		return h.handleDispatcherStop(cmd)
	case "dispatcher_status":
		return h.handleDispatcherStatus(cmd)
	case "login_qrcode":
		return h.handleLoginQRCode(cmd)
	case "login_status":
		return h.handleLoginStatus(cmd)
	case "login_confirm":
		return h.handleLoginConfirm(cmd)
	case "config_reload":
		return h.handleConfigReload(cmd)
	case "daemon_shutdown":
		return h.handleDaemonShutdown(cmd)
	case "daemon_status":
		return h.handleDaemonStatus(cmd)
	default:
		return Response{
			ID: cmd.ID,
			Error: &ErrorInfo{
				Code:    ErrCodeMethodNotFound,
				Message: fmt.Sprintf("method %q not found", cmd.Method),
			},
		}
	}
}

// TaskCreateParams represents parameters for the task_create command.
type TaskCreateParams struct {
	AccountID       string                 `json:"account_id"`
	AccountName     string                 `json:"account_name"`
	TaskType        string                 `json:"task_type"`
	IntervalSeconds int                    `json:"interval_seconds"`
	ValidHourRange  *config.HourRangeConfig `json:"valid_hour_range,omitempty"`
	EndDate         string                 `json:"end_date"` // RFC3339 or YYYY-MM-DD
	Mode            config.ExecutionMode   `json:"mode"`
	AgentParams     config.AgentParams     `json:"agent_params"`
}

func parseEndDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

func toHourRange(c *config.HourRangeConfig) *clock.HourRange {
	if c == nil {
		return nil
	}
	return &clock.HourRange{Start: c.StartHour, End: c.EndHour}
}

func (h *CommandHandler) handleTaskCreate(cmd Command) Response {
	var params TaskCreateParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return invalidParams(cmd.ID, err)
	}
	endDate, err := parseEndDate(params.EndDate)
	if err != nil {
		return invalidParams(cmd.ID, fmt.Errorf("end_date: %w", err))
	}

	snap, err := h.api.CreateTask(control.CreateTaskInput{
		AccountID:       params.AccountID,
		AccountName:     params.AccountName,
		TaskType:        params.TaskType,
		IntervalSeconds: params.IntervalSeconds,
		ValidHourRange:  toHourRange(params.ValidHourRange),
		EndDate:         endDate,
		Mode:            params.Mode,
		AgentParams:     params.AgentParams,
	})
	if err != nil {
		return errResponse(cmd.ID, err)
	}
	return Response{ID: cmd.ID, Result: snap}
}

// TaskUpdateParams represents parameters for the task_update command. Any
// field left nil is not changed.
type TaskUpdateParams struct {
	TaskID          string                  `json:"task_id"`
	AccountName     *string                 `json:"account_name,omitempty"`
	IntervalSeconds *int                    `json:"interval_seconds,omitempty"`
	ValidHourRange  *config.HourRangeConfig `json:"valid_hour_range,omitempty"`
	ClearHourRange  bool                    `json:"clear_hour_range,omitempty"`
	EndDate         *string                 `json:"end_date,omitempty"`
	Mode            *config.ExecutionMode   `json:"mode,omitempty"`
	AgentParams     *config.AgentParams     `json:"agent_params,omitempty"`
}

func (h *CommandHandler) handleTaskUpdate(cmd Command) Response {
	var params TaskUpdateParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return invalidParams(cmd.ID, err)
	}

	in := control.UpdateTaskInput{
		AccountName:     params.AccountName,
		IntervalSeconds: params.IntervalSeconds,
		Mode:            params.Mode,
		AgentParams:     params.AgentParams,
	}
	if params.ValidHourRange != nil || params.ClearHourRange {
		hr := toHourRange(params.ValidHourRange)
		in.ValidHourRange = &hr
	}
	if params.EndDate != nil {
		endDate, err := parseEndDate(*params.EndDate)
		if err != nil {
			return invalidParams(cmd.ID, fmt.Errorf("end_date: %w", err))
		}
		in.EndDate = &endDate
	}

	snap, err := h.api.UpdateTask(params.TaskID, in)
	if err != nil {
		return errResponse(cmd.ID, err)
	}
	return Response{ID: cmd.ID, Result: snap}
}

// TaskIDParams is the common shape for single-task_id commands.
type TaskIDParams struct {
	TaskID string `json:"task_id"`
}

func (h *CommandHandler) handleTaskDelete(cmd Command) Response {
	var params TaskIDParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return invalidParams(cmd.ID, err)
	}
	if err := h.api.DeleteTask(params.TaskID); err != nil {
		return errResponse(cmd.ID, err)
	}
	return Response{ID: cmd.ID, Result: map[string]interface{}{"task_id": params.TaskID, "status": "deleted"}}
}

func (h *CommandHandler) handleTaskPause(cmd Command) Response {
	var params TaskIDParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return invalidParams(cmd.ID, err)
	}
	snap, err := h.api.PauseTask(params.TaskID)
	if err != nil {
		return errResponse(cmd.ID, err)
	}
	return Response{ID: cmd.ID, Result: snap}
}

func (h *CommandHandler) handleTaskResume(cmd Command) Response {
	var params TaskIDParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return invalidParams(cmd.ID, err)
	}
	snap, err := h.api.ResumeTask(params.TaskID)
	if err != nil {
		return errResponse(cmd.ID, err)
	}
	return Response{ID: cmd.ID, Result: snap}
}

// TaskReorderParams represents parameters for the task_reorder command.
type TaskReorderParams struct {
	TaskID        string `json:"task_id"`
	OffsetSeconds int    `json:"offset_seconds"`
}

func (h *CommandHandler) handleTaskReorder(cmd Command) Response {
	var params TaskReorderParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return invalidParams(cmd.ID, err)
	}
	snap, err := h.api.ReorderTask(params.TaskID, params.OffsetSeconds)
	if err != nil {
		return errResponse(cmd.ID, err)
	}
	return Response{ID: cmd.ID, Result: snap}
}

func (h *CommandHandler) handleTaskExecuteNow(ctx context.Context, cmd Command) Response {
	var params TaskIDParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return invalidParams(cmd.ID, err)
	}
	result, err := h.api.ExecuteNow(ctx, params.TaskID)
	if err != nil {
		return errResponse(cmd.ID, err)
	}
	return Response{ID: cmd.ID, Result: executeNowResultView(result)}
}

func executeNowResultView(r scheduler.ExecuteNowResult) map[string]interface{} {
	out := map[string]interface{}{
		"task_id":     r.TaskID,
		"start":       r.Start,
		"end":         r.End,
		"duration_ms": r.Duration.Milliseconds(),
		"ok":          r.OK,
	}
	if r.Err != nil {
		out["error"] = r.Err.Error()
	}
	return out
}

func (h *CommandHandler) handleTaskList(cmd Command) Response {
	snaps := h.api.ListTasks()
	return Response{ID: cmd.ID, Result: map[string]interface{}{"tasks": snaps, "count": len(snaps)}}
}

func (h *CommandHandler) handleTaskGet(cmd Command) Response {
	var params TaskIDParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return invalidParams(cmd.ID, err)
	}
	snap, err := h.api.GetTask(params.TaskID)
	if err != nil {
		return errResponse(cmd.ID, err)
	}
	return Response{ID: cmd.ID, Result: snap}
}

// TaskByAccountParams represents parameters for the task_by_account command.
type TaskByAccountParams struct {
	TaskType  string `json:"task_type"`
	AccountID string `json:"account_id"`
}

func (h *CommandHandler) handleTaskByAccount(cmd Command) Response {
	var params TaskByAccountParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return invalidParams(cmd.ID, err)
	}
	snap, err := h.api.ByAccount(params.TaskType, params.AccountID)
	if err != nil {
		return errResponse(cmd.ID, err)
	}
	return Response{ID: cmd.ID, Result: snap}
}

func dispatcherStatusView(st scheduler.Status) map[string]interface{} {
	counts := make(map[task.Status]int, len(st.StatusCounts))
	for k, v := range st.StatusCounts {
		counts[k] = v
	}
	out := map[string]interface{}{
		"enabled":       st.Enabled,
		"status_counts": counts,
	}
	if st.RunningTask != nil {
		out["running_task"] = st.RunningTask
	}
	return out
}

func (h *CommandHandler) handleDispatcherStart(cmd Command) Response {
	return Response{ID: cmd.ID, Result: dispatcherStatusView(h.api.StartDispatcher())}
}

func (h *CommandHandler) handleDispatcherStop(cmd Command) Response {
	return Response{ID: cmd.ID, Result: dispatcherStatusView(h.api.StopDispatcher())}
}

func (h *CommandHandler) handleDispatcherStatus(cmd Command) Response {
	return Response{ID: cmd.ID, Result: dispatcherStatusView(h.api.DispatcherStatus())}
}

func (h *CommandHandler) handleLoginQRCode(cmd Command) Response {
	var params TaskIDParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return invalidParams(cmd.ID, err)
	}
	qr, alreadyLoggedIn, err := h.api.LoginQRCode(params.TaskID)
	if err != nil {
		return errResponse(cmd.ID, err)
	}
	return Response{ID: cmd.ID, Result: map[string]interface{}{
		"task_id":           params.TaskID,
		"qrcode":            qr,
		"already_logged_in": alreadyLoggedIn,
	}}
}

func (h *CommandHandler) handleLoginStatus(cmd Command) Response {
	var params TaskIDParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return invalidParams(cmd.ID, err)
	}
	state, err := h.api.LoginStatus(params.TaskID)
	if err != nil {
		return errResponse(cmd.ID, err)
	}
	return Response{ID: cmd.ID, Result: map[string]interface{}{"task_id": params.TaskID, "state": state}}
}

func (h *CommandHandler) handleLoginConfirm(cmd Command) Response {
	var params TaskIDParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return invalidParams(cmd.ID, err)
	}
	state, err := h.api.LoginConfirm(params.TaskID)
	if err != nil {
		return errResponse(cmd.ID, err)
	}
	return Response{ID: cmd.ID, Result: map[string]interface{}{"task_id": params.TaskID, "state": state}}
}

// handleConfigReload handles the config_reload command.
func (h *CommandHandler) handleConfigReload(cmd Command) Response {
	if h.configReloader == nil {
		return Response{
			ID: cmd.ID,
			Error: &ErrorInfo{
				Code:    ErrCodeInternalError,
				Message: "config reloader not available",
			},
		}
	}

	if err := h.configReloader.Reload(); err != nil {
		return Response{
			ID: cmd.ID,
			Error: &ErrorInfo{
				Code:    ErrCodeInternalError,
				Message: fmt.Sprintf("reload config failed: %v", err),
			},
		}
	}

	return Response{ID: cmd.ID, Result: map[string]interface{}{"status": "reloaded"}}
}

// handleDaemonShutdown triggers graceful daemon shutdown via the registered callback.
func (h *CommandHandler) handleDaemonShutdown(cmd Command) Response {
	if h.shutdownFunc == nil {
		return Response{
			ID: cmd.ID,
			Error: &ErrorInfo{
				Code:    ErrCodeInternalError,
				Message: "shutdown handler not registered",
			},
		}
	}

	slog.Info("daemon_shutdown command received, initiating graceful shutdown")
	go h.shutdownFunc() // Non-blocking: let the response be sent first

	return Response{ID: cmd.ID, Result: map[string]interface{}{"status": "shutting_down"}}
}

// handleDaemonStatus returns daemon status information.
func (h *CommandHandler) handleDaemonStatus(cmd Command) Response {
	st := h.api.DispatcherStatus()
	uptimeSeconds := time.Now().Unix() - h.startTime

	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"uptime_sec": uptimeSeconds,
			"dispatcher": dispatcherStatusView(st),
		},
	}
}


