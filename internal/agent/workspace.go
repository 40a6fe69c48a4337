// Package agent implements the concrete Agent collaborator and its
// supporting credentials/workspace layout (C17).
package agent

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	credentialsDirName = "credentials"
	contentDirName     = "content"
	cookiesFileName    = "cookies.json"
)

// Workspace locates the per-task directory layout under data_dir.
type Workspace struct {
	dataDir string
	taskID  string
}

// NewWorkspace returns a Workspace handle for taskID, rooted at dataDir.
func NewWorkspace(dataDir, taskID string) Workspace {
	return Workspace{dataDir: dataDir, taskID: taskID}
}

// Root returns <data_dir>/workspaces/<task_id>.
func (w Workspace) Root() string {
	return filepath.Join(w.dataDir, "workspaces", w.taskID)
}

// CredentialsDir returns the task-owned, agent-populated credentials directory.
func (w Workspace) CredentialsDir() string {
	return filepath.Join(w.Root(), credentialsDirName)
}

// ContentDir returns the agent-generated artifacts directory.
func (w Workspace) ContentDir() string {
	return filepath.Join(w.Root(), contentDirName)
}

// CredentialsCookiesPath returns the task's own copy of cookies.json.
func (w Workspace) CredentialsCookiesPath() string {
	return filepath.Join(w.CredentialsDir(), cookiesFileName)
}

// SharedCookiesPath returns the single shared cookies.json the backend reads,
// located directly under data_dir.
func (w Workspace) SharedCookiesPath() string {
	return filepath.Join(w.dataDir, cookiesFileName)
}

// Create materialises the credentials/ and content/ subdirectories. Called
// by the Control API's CreateTask before the task is registered.
func (w Workspace) Create() error {
	if err := os.MkdirAll(w.CredentialsDir(), 0o750); err != nil {
		return fmt.Errorf("workspace: create credentials dir: %w", err)
	}
	if err := os.MkdirAll(w.ContentDir(), 0o750); err != nil {
		return fmt.Errorf("workspace: create content dir: %w", err)
	}
	return nil
}

// Remove deletes the entire workspace directory. Called by the Control API's
// DeleteTask.
func (w Workspace) Remove() error {
	if err := os.RemoveAll(w.Root()); err != nil {
		return fmt.Errorf("workspace: remove %q: %w", w.Root(), err)
	}
	return nil
}

// CopyCredentialsIn copies the task's own cookies.json into the single
// shared path the backend reads. It must be called while the Global
// Execution Lock is held, immediately before RunOnce. A missing per-task
// cookies.json (first run, not yet logged in) is not an error.
func (w Workspace) CopyCredentialsIn() error {
	src, err := os.Open(w.CredentialsCookiesPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("workspace: open credentials cookies: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(w.SharedCookiesPath())
	if err != nil {
		return fmt.Errorf("workspace: create shared cookies: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("workspace: copy cookies in: %w", err)
	}
	return nil
}

// CopyCredentialsOut copies the (possibly agent-refreshed) shared
// cookies.json back into the task's own credentials directory, then deletes
// the shared file. Must be called while the Global Execution Lock is held,
// immediately after RunOnce returns (success or failure).
func (w Workspace) CopyCredentialsOut() error {
	src, err := os.Open(w.SharedCookiesPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("workspace: open shared cookies: %w", err)
	}

	dst, err := os.Create(w.CredentialsCookiesPath())
	if err != nil {
		src.Close()
		return fmt.Errorf("workspace: create credentials cookies: %w", err)
	}

	_, copyErr := io.Copy(dst, src)
	src.Close()
	dst.Close()
	if copyErr != nil {
		return fmt.Errorf("workspace: copy cookies out: %w", copyErr)
	}

	if err := os.Remove(w.SharedCookiesPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("workspace: remove shared cookies: %w", err)
	}
	return nil
}


