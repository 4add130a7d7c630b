package scheduler

import (
	"errors"

	"tasksched/internal/eventbus"
	"tasksched/internal/task/engine"
	logx "tasksched/pkg/logx"
)

// dropped undoes a dispatch the dispatcher refused or discarded.
func (s *Scheduler) dropped(t *Task, tk runTicket, ev eventbus.TaskEvent, err error) {
	rolledBack := t.rollback(tk)
	ev.At = s.clk.Now()
	if err != nil {
		ev.Err = err.Error()
	}
	eventbus.Emit(s.bus, eventbus.TaskDropped, ev)

	// Drops during shutdown are expected.
	if errors.Is(err, engine.ErrStopped) || errors.Is(err, engine.ErrStopping) {
		s.log.Debug("task dispatch dropped", logx.String("task", t.key), logx.String("run", ev.RunID), logx.Err(err))
		return
	}
	if !s.warn.Allow(t.key) {
		return
	}
	s.log.Warn("task dispatch dropped",
		logx.String("task", t.key),
		logx.String("run", ev.RunID),
		logx.Bool("rolled_back", rolledBack),
		logx.Err(err),
	)
}
