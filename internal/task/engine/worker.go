package engine

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"tasksched/internal/eventbus"
	logx "tasksched/pkg/logx"
)

// runner executes jobs and keeps the history ring. Service and Spawner share it.
type runner struct {
	log logx.Logger
	bus eventbus.Bus

	inFlight atomic.Int32
	executed atomic.Uint64
	panics   atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
	histCap int
}

func newRunner(log logx.Logger, bus eventbus.Bus, historySize int) *runner {
	if historySize <= 0 {
		historySize = 200
	}
	return &runner{log: log, bus: bus, histCap: historySize}
}

// invoke runs job.Run and converts a panic into a *PanicError.
func invoke(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	job.Run()
	return nil
}

func (r *runner) exec(job Job, enqueuedAt time.Time) {
	start := time.Now()
	queueDelay := max(start.Sub(enqueuedAt), 0)
	ev := eventbus.TaskEvent{RunID: job.ID, Key: job.Name, Kind: job.Kind, Forced: job.Forced, At: start}

	r.log.Debug("task.started", logx.String("task", job.Name), logx.String("run", job.ID), logx.Duration("queue_delay", queueDelay))
	eventbus.Emit(r.bus, eventbus.TaskStarted, ev)

	r.inFlight.Add(1)
	err := invoke(job)
	r.inFlight.Add(-1)
	r.executed.Add(1)

	dur := time.Since(start)
	item := HistoryItem{ID: job.ID, Name: job.Name, Started: start, QueueDelay: queueDelay, Duration: dur}
	ev.At = time.Now()
	ev.Duration = dur

	if pe, ok := err.(*PanicError); ok {
		r.panics.Add(1)
		item.Panic = pe.Error()
		ev.Err = item.Panic
		r.log.Error("task.panic", logx.String("task", job.Name), logx.String("run", job.ID), logx.Any("panic", pe.Value), logx.String("stack", string(pe.Stack)))
		eventbus.Emit(r.bus, eventbus.TaskPanicked, ev)
		if job.Panicked != nil {
			func() {
				defer func() { _ = recover() }()
				job.Panicked(pe.Value)
			}()
		}
	} else {
		if dur >= 750*time.Millisecond {
			r.log.Info("task.returned", logx.String("task", job.Name), logx.Duration("dur", dur))
		} else {
			r.log.Debug("task.returned", logx.String("task", job.Name), logx.Duration("dur", dur))
		}
		eventbus.Emit(r.bus, eventbus.TaskReturned, ev)
	}

	r.record(item)
}

func (r *runner) record(item HistoryItem) {
	r.hmu.Lock()
	r.history = append(r.history, item)
	if len(r.history) > r.histCap {
		r.history = r.history[len(r.history)-r.histCap:]
	}
	r.hmu.Unlock()
}

func (r *runner) historyCopy() []HistoryItem {
	r.hmu.Lock()
	defer r.hmu.Unlock()
	out := make([]HistoryItem, len(r.history))
	copy(out, r.history)
	return out
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan queuedJob) {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qj := <-queue:
			s.exec(qj.job, qj.enqueuedAt)
		}
	}
}
