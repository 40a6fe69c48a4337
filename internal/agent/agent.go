package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"firestige.xyz/opsched/internal/config"
	"firestige.xyz/opsched/internal/task"
)

// Browser driving, LLM content generation, and every other detail of how an
// operator round is actually carried out are agent internals and out of
// scope here; ProcessAgent is the scheduler-side adapter that shells out to
// an external operator executable and speaks a small JSON protocol with it.

// runRequest is sent to the operator executable's stdin for a RunOnce call.
type runRequest struct {
	Command     string               `json:"command"`
	TaskID      string               `json:"task_id"`
	Mode        config.ExecutionMode `json:"mode"`
	AgentParams config.AgentParams   `json:"agent_params"`
}

// runResponse is read back from the operator executable's stdout.
type runResponse struct {
	Schedulable bool   `json:"schedulable"`
	Error       string `json:"error,omitempty"`
}

type probeResponse struct {
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

type loginResponse struct {
	QRCode          []byte `json:"qrcode,omitempty"`
	AlreadyLoggedIn bool   `json:"already_logged_in"`
	Error           string `json:"error,omitempty"`
}

// ProcessAgent implements task.Agent by invoking a configured operator
// executable once per call, passing a small JSON request on stdin and
// reading a JSON response from stdout.
type ProcessAgent struct {
	executable string
	taskID     string
	workspace  Workspace
}

// NewProcessAgent creates a ProcessAgent for taskID. executable is resolved
// with exec.LookPath at call time, so it may be a bare name on PATH.
func NewProcessAgent(executable, taskID string, ws Workspace) *ProcessAgent {
	return &ProcessAgent{executable: executable, taskID: taskID, workspace: ws}
}

func (a *ProcessAgent) run(ctx context.Context, req runRequest, out any) error {
	path, err := exec.LookPath(a.executable)
	if err != nil {
		return fmt.Errorf("agent: operator executable %q not found: %w", a.executable, err)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("agent: marshal request: %w", err)
	}

	cmd := exec.CommandContext(ctx, path)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Dir = a.workspace.Root()

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("agent: operator command %q failed: %w (stderr: %s)", req.Command, err, stderr.String())
	}

	if err := json.Unmarshal(stdout.Bytes(), out); err != nil {
		return fmt.Errorf("agent: decode response for %q: %w", req.Command, err)
	}
	return nil
}

// RunOnce performs one operator round by invoking the external executable.
func (a *ProcessAgent) RunOnce(ctx context.Context, params config.AgentParams, mode config.ExecutionMode) (bool, error) {
	var resp runResponse
	req := runRequest{Command: "run_once", TaskID: a.taskID, Mode: mode, AgentParams: params}
	if err := a.run(ctx, req, &resp); err != nil {
		return false, err
	}
	if resp.Error != "" {
		return false, fmt.Errorf("agent: run_once: %s", resp.Error)
	}
	return resp.Schedulable, nil
}

// LoginStatus probes the operator's current login state.
func (a *ProcessAgent) LoginStatus() (task.LoginState, error) {
	var resp probeResponse
	req := runRequest{Command: "login_status", TaskID: a.taskID}
	if err := a.run(context.Background(), req, &resp); err != nil {
		return task.LoginStateUnknown, err
	}
	if resp.Error != "" {
		return task.LoginStateUnknown, fmt.Errorf("agent: login_status: %s", resp.Error)
	}
	return parseLoginState(resp.State), nil
}

// BeginLogin starts a credential-exchange attempt.
func (a *ProcessAgent) BeginLogin() ([]byte, bool, error) {
	var resp loginResponse
	req := runRequest{Command: "begin_login", TaskID: a.taskID}
	if err := a.run(context.Background(), req, &resp); err != nil {
		return nil, false, err
	}
	if resp.Error != "" {
		return nil, false, fmt.Errorf("agent: begin_login: %s", resp.Error)
	}
	return resp.QRCode, resp.AlreadyLoggedIn, nil
}

// ConfirmLogin finalizes a credential-exchange attempt.
func (a *ProcessAgent) ConfirmLogin() (task.LoginState, error) {
	var resp probeResponse
	req := runRequest{Command: "confirm_login", TaskID: a.taskID}
	if err := a.run(context.Background(), req, &resp); err != nil {
		return task.LoginStateUnknown, err
	}
	if resp.Error != "" {
		return task.LoginStateUnknown, fmt.Errorf("agent: confirm_login: %s", resp.Error)
	}
	return parseLoginState(resp.State), nil
}

func parseLoginState(s string) task.LoginState {
	switch task.LoginState(s) {
	case task.LoginStateLoggedIn, task.LoginStateNotLoggedIn:
		return task.LoginState(s)
	default:
		return task.LoginStateUnknown
	}
}

var _ task.Agent = (*ProcessAgent)(nil)

// Factory builds an Agent for a given task_type. Today only
// DefaultTaskType exists.
type Factory func(taskID string, ws Workspace) (task.Agent, error)

// factories maps task_type to its Factory.
var factories = map[string]Factory{}

// Register installs a Factory for taskType. Called from init() by the
// concrete operator implementation package(s).
func Register(taskType string, f Factory) {
	factories[taskType] = f
}

// Build looks up and invokes the Factory registered for taskType.
func Build(taskType, taskID string, ws Workspace) (task.Agent, error) {
	f, ok := factories[taskType]
	if !ok {
		return nil, fmt.Errorf("agent: no factory registered for task_type %q", taskType)
	}
	return f(taskID, ws)
}

func init() {
	Register(config.DefaultTaskType, func(taskID string, ws Workspace) (task.Agent, error) {
		return NewProcessAgent("opsched-operator", taskID, ws), nil
	})
}


