package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON lines journal next to Path
//   - "sqlite": SQLite database at Path
//
// An empty Driver or "none" disables storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only
	// Retention drops records older than this. 0 keeps everything.
	Retention time.Duration
}

// RunRecord is one journaled task event.
type RunRecord struct {
	RunID    string        `json:"run_id,omitempty"`
	Key      string        `json:"key"`
	Kind     string        `json:"kind,omitempty"`
	Event    string        `json:"event"`
	Forced   bool          `json:"forced,omitempty"`
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration,omitempty"`
	Err      string        `json:"err,omitempty"`
}

const defaultRecentLimit = 50
