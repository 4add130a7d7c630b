package config

import (
	"strings"
	"time"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Scheduler controls the poll loop (tick, timezone, default overlap).
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls the bounded worker pool that runs dispatched work.
	// If omitted, engine defaults apply.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	// Storage is the optional run journal. Nil disables it.
	Storage *StorageConfig `json:"storage,omitempty"`

	Tasks []TaskConfig `json:"tasks"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the scheduler loop.
//
// Enabled is a pointer so an omitted section means "on".
//
// Defaults:
//   - enabled: true
//   - tick: "1s"
//   - timezone: local
//   - overlap: "skip" (a running task is not dispatched again)
type SchedulerConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	// Tick is a Go duration string (e.g. "500ms", "1s").
	Tick     string `json:"tick,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	Overlap  string `json:"overlap,omitempty"`
}

// IsEnabled reports the effective scheduler.enabled value.
func (s SchedulerConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// TaskEngineConfig controls the task execution engine.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - history_size: 200
type TaskEngineConfig struct {
	Workers     int `json:"workers,omitempty"`
	QueueSize   int `json:"queue_size,omitempty"`
	HistorySize int `json:"history_size,omitempty"`
}

// StorageConfig controls the run journal.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./state/runs.db", "retention": "720h" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	Retention   string `json:"retention,omitempty"`    // Go duration string; empty keeps everything
}

// TaskConfig defines one task.
//
// Exactly one of At (one-shot) or Every (recurring) is set. Days, From,
// Until and Hours narrow a recurring task:
//
//	{ "name": "backup", "every": "6h", "days": "mon-fri", "hours": "01:00-05:00",
//	  "command": ["/usr/local/bin/backup", "--quick"] }
//
// A task without a command logs a heartbeat line each run.
type TaskConfig struct {
	Name string `json:"name"`
	Kind string `json:"kind,omitempty"` // "user" (default) or "system"

	At    string `json:"at,omitempty"`
	Every string `json:"every,omitempty"`
	Days  string `json:"days,omitempty"`
	From  string `json:"from,omitempty"`
	Until string `json:"until,omitempty"`
	Hours string `json:"hours,omitempty"`

	Overlap string `json:"overlap,omitempty"` // "skip" or "allow"; empty inherits scheduler.overlap
	Silent  bool   `json:"silent,omitempty"`

	Command []string `json:"command,omitempty"`
	Workdir string   `json:"workdir,omitempty"`
	Env     []string `json:"env,omitempty"`
}

// Location resolves scheduler.timezone. Empty means time.Local.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Scheduler.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}
