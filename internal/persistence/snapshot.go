// Package persistence implements the dispatcher's whole-registry durable
// snapshot (C8).
package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"firestige.xyz/opsched/internal/clock"
	"firestige.xyz/opsched/internal/config"
)

// snapshotVersion is the current wire format version.
const snapshotVersion = "v1"

// TaskEntry is one task's persisted form within the snapshot, carrying
// everything needed to rebuild its Task Record and reconstruct its Agent
// handle without consulting the live registry.
type TaskEntry struct {
	TaskID          string                 `json:"task_id"`
	AccountID       string                 `json:"account_id"`
	AccountName     string                 `json:"account_name"`
	TaskType        string                 `json:"task_type"`
	IntervalSeconds int                    `json:"interval_seconds"`
	ValidHourRange  *clock.HourRange       `json:"valid_hour_range,omitempty"`
	EndDate         time.Time              `json:"end_date"`
	Mode            config.ExecutionMode   `json:"mode"`
	AgentParams     config.AgentParams     `json:"agent_params"` // kwargs needed to reconstruct the Agent handle
	Status          string                 `json:"status"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
	LastExecutionTime *time.Time           `json:"last_execution_time,omitempty"`
	NextExecutionTime *time.Time           `json:"next_execution_time,omitempty"`
	RoundNum        int                    `json:"round_num"`
}

// Snapshot is the whole-registry durable representation (C8 schema).
type Snapshot struct {
	Version      string               `json:"version"`
	SavedAt      time.Time            `json:"saved_at"`
	Tasks        []TaskEntry          `json:"tasks"`
	AccountTasks map[string]string    `json:"account_tasks"` // "task_type\x00account_id" -> task_id, mirrors the Registry's secondary index
}

// Store persists and loads the dispatcher snapshot.
type Store struct {
	path string
}

// NewStore creates a Store writing to path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Save writes snap atomically (temp file + rename).
func (s *Store) Save(snap Snapshot) error {
	snap.Version = snapshotVersion

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("persistence: marshal snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("persistence: create snapshot directory %q: %w", dir, err)
	}

	tmpFile, err := os.CreateTemp(dir, ".snapshot.*.tmp")
	if err != nil {
		return fmt.Errorf("persistence: create temp snapshot file: %w", err)
	}
	tmpName := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("persistence: write temp snapshot file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("persistence: close temp snapshot file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("persistence: rename snapshot into place: %w", err)
	}

	slog.Debug("dispatcher snapshot persisted", "path", s.path, "tasks", len(snap.Tasks))
	return nil
}

// Load reads the snapshot. A missing file yields an empty Snapshot with no
// error (start with an empty Registry). A corrupt file is logged and also
// yields an empty Snapshot — startup must never fail on a bad snapshot.
func (s *Store) Load() Snapshot {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return emptySnapshot()
		}
		slog.Error("dispatcher snapshot: read failed, starting with empty registry", "path", s.path, "error", err)
		return emptySnapshot()
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		slog.Error("dispatcher snapshot: corrupt file, starting with empty registry", "path", s.path, "error", err)
		return emptySnapshot()
	}
	if snap.AccountTasks == nil {
		snap.AccountTasks = make(map[string]string)
	}
	return snap
}

func emptySnapshot() Snapshot {
	return Snapshot{Version: snapshotVersion, AccountTasks: make(map[string]string)}
}


