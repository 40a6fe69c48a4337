package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"firestige.xyz/opsched/internal/config"
)

func TestWorkspace_CreateAndRemove(t *testing.T) {
	dir := t.TempDir()
	ws := NewWorkspace(dir, "task-1")

	if err := ws.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := os.Stat(ws.CredentialsDir()); err != nil {
		t.Errorf("credentials dir missing: %v", err)
	}
	if _, err := os.Stat(ws.ContentDir()); err != nil {
		t.Errorf("content dir missing: %v", err)
	}

	if err := ws.Remove(); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(ws.Root()); !os.IsNotExist(err) {
		t.Errorf("expected workspace root to be removed, got err=%v", err)
	}
}

func TestWorkspace_CopyCredentialsIn_NoFileIsNotError(t *testing.T) {
	dir := t.TempDir()
	ws := NewWorkspace(dir, "task-2")
	if err := ws.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := ws.CopyCredentialsIn(); err != nil {
		t.Errorf("CopyCredentialsIn with no prior cookies should not error, got %v", err)
	}
}

func TestWorkspace_CopyCredentialsInThenOut(t *testing.T) {
	dir := t.TempDir()
	ws := NewWorkspace(dir, "task-3")
	if err := ws.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}

	want := []byte(`{"cookie":"abc"}`)
	if err := os.WriteFile(ws.CredentialsCookiesPath(), want, 0o640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := ws.CopyCredentialsIn(); err != nil {
		t.Fatalf("CopyCredentialsIn: %v", err)
	}
	got, err := os.ReadFile(ws.SharedCookiesPath())
	if err != nil {
		t.Fatalf("ReadFile shared cookies: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("shared cookies content: got %q, want %q", got, want)
	}

	// Simulate the backend having refreshed the shared cookie file.
	refreshed := []byte(`{"cookie":"refreshed"}`)
	if err := os.WriteFile(ws.SharedCookiesPath(), refreshed, 0o640); err != nil {
		t.Fatalf("WriteFile refreshed: %v", err)
	}

	if err := ws.CopyCredentialsOut(); err != nil {
		t.Fatalf("CopyCredentialsOut: %v", err)
	}
	gotBack, err := os.ReadFile(ws.CredentialsCookiesPath())
	if err != nil {
		t.Fatalf("ReadFile credentials cookies: %v", err)
	}
	if string(gotBack) != string(refreshed) {
		t.Errorf("credentials cookies content after copy-out: got %q, want %q", gotBack, refreshed)
	}
	if _, err := os.Stat(ws.SharedCookiesPath()); !os.IsNotExist(err) {
		t.Errorf("expected shared cookies file to be removed after copy-out, got err=%v", err)
	}
}

func TestWorkspace_CopyCredentialsOut_NoSharedFileIsNotError(t *testing.T) {
	dir := t.TempDir()
	ws := NewWorkspace(dir, "task-4")
	if err := ws.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := ws.CopyCredentialsOut(); err != nil {
		t.Errorf("CopyCredentialsOut with no shared file should not error, got %v", err)
	}
}

func TestBuild_UsesRegisteredFactory(t *testing.T) {
	dir := t.TempDir()
	ws := NewWorkspace(dir, "task-5")

	a, err := Build(config.DefaultTaskType, "task-5", ws)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if a == nil {
		t.Fatal("expected a non-nil Agent")
	}
}

func TestBuild_UnknownTaskTypeErrors(t *testing.T) {
	_, err := Build("no-such-type", "task-6", NewWorkspace(t.TempDir(), "task-6"))
	if err == nil {
		t.Error("expected error for unknown task_type")
	}
}

func TestProcessAgent_RunOnce_MissingExecutable(t *testing.T) {
	ws := NewWorkspace(t.TempDir(), "task-7")
	if err := ws.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}
	a := NewProcessAgent(filepath.Join(t.TempDir(), "does-not-exist-binary"), "task-7", ws)
	_, err := a.RunOnce(context.Background(), config.AgentParams{}, config.ModeStandard)
	if err == nil {
		t.Error("expected error when the operator executable cannot be found")
	}
}


