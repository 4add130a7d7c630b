package engine

import (
	"time"
)

// Config controls the dispatch engine.
type Config struct {
	Workers     int
	QueueSize   int
	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Job is one dispatched run of a task.
//
// Run carries no context: a work routine is never interrupted by the engine.
// Dropped is called (at most once) when an accepted job is discarded before
// it ran. Panicked is called after Run panicked.
type Job struct {
	ID     string
	Name   string
	Kind   string
	Forced bool

	Run      func()
	Dropped  func(err error)
	Panicked func(v any)
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Panic      string        `json:"panic,omitempty"`
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Running  bool
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int

	Executed  uint64
	Panics    uint64
	QueueFull uint64
	Discarded uint64

	History []HistoryItem
}
