// Package config handles configuration structures.
package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ExecutionMode is the closed set of modes a task may run in. The scheduler
// treats it as an opaque passthrough consumed only by the agent.
type ExecutionMode string

const (
	ModeStandard    ExecutionMode = "standard"
	ModeInteraction ExecutionMode = "interaction"
	ModePublish     ExecutionMode = "publish"
)

func (m ExecutionMode) Valid() bool {
	switch m {
	case ModeStandard, ModeInteraction, ModePublish:
		return true
	default:
		return false
	}
}

// HourRangeConfig is the wire form of a validity window: 0 <= start < end <= 24.
type HourRangeConfig struct {
	StartHour int `json:"start_hour" yaml:"start_hour"`
	EndHour   int `json:"end_hour" yaml:"end_hour"`
}

// AgentParams is the opaque per-task parameter bag handed to the agent
// verbatim. Today only task_type "social-account-operator" exists.
type AgentParams struct {
	Topic     string         `json:"topic" yaml:"topic"`
	Style     string         `json:"style" yaml:"style"`
	Audience  string         `json:"audience" yaml:"audience"`
	NoteCount int            `json:"note_count" yaml:"note_count"`
	Extra     map[string]any `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// TaskConfig represents the creation/update parameters for a single task.
type TaskConfig struct {
	AccountID       string           `json:"account_id" yaml:"account_id"`
	AccountName     string           `json:"account_name" yaml:"account_name"`
	TaskType        string           `json:"task_type" yaml:"task_type"`
	IntervalSeconds int              `json:"interval_seconds" yaml:"interval_seconds"`
	ValidHourRange  *HourRangeConfig `json:"valid_hour_range,omitempty" yaml:"valid_hour_range,omitempty"`
	EndDate         string           `json:"end_date" yaml:"end_date"` // RFC3339 or YYYY-MM-DD, e.g. "2026-12-31"
	Mode            ExecutionMode    `json:"mode" yaml:"mode"`
	AgentParams     AgentParams      `json:"agent_params" yaml:"agent_params"`
}

// DefaultTaskType is the only task_type that exists today.
const DefaultTaskType = "social-account-operator"

// Validate checks and normalises a TaskConfig, applying the same defaults the
// control API applies on CreateTask.
func (tc *TaskConfig) Validate() error {
	if tc.AccountID == "" {
		return fmt.Errorf("account_id is required")
	}
	if tc.TaskType == "" {
		tc.TaskType = DefaultTaskType
	}
	if tc.Mode == "" {
		tc.Mode = ModeStandard
	}
	if !tc.Mode.Valid() {
		return fmt.Errorf("invalid mode: %q", tc.Mode)
	}
	if tc.IntervalSeconds <= 0 {
		return fmt.Errorf("interval_seconds must be positive, got %d", tc.IntervalSeconds)
	}
	if tc.ValidHourRange != nil {
		r := tc.ValidHourRange
		if r.StartHour < 0 || r.EndHour > 24 || r.StartHour >= r.EndHour {
			return fmt.Errorf("valid_hour_range must satisfy 0 <= start_hour < end_hour <= 24, got [%d, %d)", r.StartHour, r.EndHour)
		}
	}
	if tc.EndDate == "" {
		return fmt.Errorf("end_date is required")
	}
	if _, err := time.Parse(time.RFC3339, tc.EndDate); err != nil {
		if _, err2 := time.Parse("2006-01-02", tc.EndDate); err2 != nil {
			return fmt.Errorf("end_date must be RFC3339 or YYYY-MM-DD: %w", err)
		}
	}
	return nil
}

// ParseTaskConfig parses task configuration from JSON.
func ParseTaskConfig(data []byte) (*TaskConfig, error) {
	var tc TaskConfig
	if err := json.Unmarshal(data, &tc); err != nil {
		return nil, fmt.Errorf("failed to parse task config: %w", err)
	}
	if err := tc.Validate(); err != nil {
		return nil, err
	}
	return &tc, nil
}

// ParseTaskConfigAuto detects format (JSON/YAML) based on file extension
// and parses the task configuration accordingly.
func ParseTaskConfigAuto(data []byte, filename string) (*TaskConfig, error) {
	var tc TaskConfig

	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &tc); err != nil {
			return nil, fmt.Errorf("failed to parse YAML task config: %w", err)
		}
	case ".json", "":
		if err := json.Unmarshal(data, &tc); err != nil {
			return nil, fmt.Errorf("failed to parse JSON task config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &tc); err != nil {
			if err2 := yaml.Unmarshal(data, &tc); err2 != nil {
				return nil, fmt.Errorf("failed to parse task config (tried JSON and YAML): JSON: %v; YAML: %v", err, err2)
			}
		}
	}

	if err := tc.Validate(); err != nil {
		return nil, err
	}

	return &tc, nil
}


