package scheduler

import (
	"sort"
	"time"
)

type Snapshot struct {
	Running bool          `json:"running"`
	Tick    time.Duration `json:"tick"`
	Passes  uint64        `json:"passes"`
	Now     time.Time     `json:"now"`
	Tasks   []Info        `json:"tasks"`
}

// Snapshot describes every registered task at one clock moment, sorted by key.
func (s *Scheduler) Snapshot() Snapshot {
	now := s.clk.Now()
	tasks := s.list()
	infos := make([]Info, 0, len(tasks))
	for _, t := range tasks {
		infos = append(infos, t.infoAt(now))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })

	return Snapshot{
		Running: s.Running(),
		Tick:    s.cfg.Tick,
		Passes:  s.passes.Load(),
		Now:     now,
		Tasks:   infos,
	}
}
