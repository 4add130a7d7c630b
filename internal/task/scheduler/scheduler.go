package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tasksched/internal/clock"
	"tasksched/internal/eventbus"
	rtsup "tasksched/internal/runtime/supervisor"
	"tasksched/internal/task/engine"
	"tasksched/internal/task/schedule"
	logx "tasksched/pkg/logx"
)

// Config controls the poll loop.
type Config struct {
	// Tick is the poll cadence (default 1s).
	Tick time.Duration
}

// Dispatcher runs dispatched work off the poll loop.
type Dispatcher interface {
	Enqueue(job engine.Job) error
}

// Scheduler is a task registry plus the loop that polls it.
type Scheduler struct {
	cfg  Config
	clk  clock.Clock
	log  logx.Logger
	bus  eventbus.Bus
	disp Dispatcher
	warn *logx.Throttle

	mu     sync.Mutex
	tasks  map[string]*Task
	sup    *rtsup.Supervisor
	stopCh chan struct{}

	passes atomic.Uint64
}

// New builds a scheduler. A nil disp runs each dispatch on its own supervised
// goroutine; a nil clk is the local wall clock.
func New(cfg Config, disp Dispatcher, clk clock.Clock, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if clk == nil {
		clk = clock.System(nil)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "scheduler"))
	if disp == nil {
		disp = engine.NewSpawner(log, bus)
	}
	return &Scheduler{
		cfg:   cfg,
		clk:   clk,
		log:   log,
		bus:   bus,
		disp:  disp,
		warn:  logx.NewThrottle(5 * time.Second),
		tasks: map[string]*Task{},
	}
}

// Add registers t. It reports false for a nil task, an empty key or a key
// that is already registered; the existing task is never replaced.
func (s *Scheduler) Add(t *Task) bool { return s.add(t) == nil }

// AddTask builds and registers a task.
func (s *Scheduler) AddTask(key string, sched schedule.Schedule, work Work, opts ...Option) (*Task, error) {
	t := NewTask(key, sched, work, opts...)
	if err := s.add(t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Scheduler) add(t *Task) error {
	if t == nil {
		return ErrNilTask
	}
	if t.key == "" {
		return ErrEmptyKey
	}
	s.mu.Lock()
	if _, ok := s.tasks[t.key]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrDuplicateKey, t.key)
	}
	t.attach(s)
	s.tasks[t.key] = t
	s.mu.Unlock()

	s.log.Debug("task added", logx.String("task", t.key), logx.String("kind", t.kind.String()), logx.String("schedule", t.sched.String()))
	if t.sched.Malformed() {
		s.log.Warn("task schedule is malformed and will never run", logx.String("task", t.key), logx.String("schedule", t.sched.String()))
	}
	eventbus.Emit(s.bus, eventbus.TaskAdded, eventbus.TaskEvent{Key: t.key, Kind: t.kind.String(), At: s.clk.Now()})
	return nil
}

// Remove deregisters key. Work already dispatched keeps running.
func (s *Scheduler) Remove(key string) bool {
	s.mu.Lock()
	t, ok := s.tasks[key]
	if ok {
		delete(s.tasks, key)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.warn.Forget(key)
	s.log.Debug("task removed", logx.String("task", key))
	eventbus.Emit(s.bus, eventbus.TaskRemoved, eventbus.TaskEvent{Key: key, Kind: t.kind.String(), At: s.clk.Now()})
	return true
}

func (s *Scheduler) Lookup(key string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[key]
	return t, ok
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Keys returns the registered keys in sorted order.
func (s *Scheduler) Keys() []string {
	s.mu.Lock()
	keys := make([]string, 0, len(s.tasks))
	for k := range s.tasks {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// RunForced dispatches key now, ignoring its schedule.
func (s *Scheduler) RunForced(key string) bool {
	t, ok := s.Lookup(key)
	if !ok {
		return false
	}
	return s.start(t, s.clk.Now(), true)
}

// Cancel moves key to Cancelled. The task stays registered until removed.
func (s *Scheduler) Cancel(key string) bool {
	t, ok := s.Lookup(key)
	if !ok {
		return false
	}
	return t.Cancel()
}

// Start launches the poll loop in the background. The first pass happens
// immediately. Starting a running scheduler returns ErrAlreadyStarted.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil && s.sup.Context().Err() == nil {
		return ErrAlreadyStarted
	}
	stopCh := make(chan struct{})
	sup := rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.sup, s.stopCh = sup, stopCh
	sup.GoRestart("scheduler.loop", func(c context.Context) error {
		return s.loop(c, stopCh)
	})
	s.log.Info("scheduler started", logx.Duration("tick", s.cfg.Tick), logx.Int("tasks", len(s.tasks)))
	return nil
}

// Stop halts polling and waits for the loop to exit or ctx to end. Work in
// flight is not interrupted. The scheduler may be started again.
func (s *Scheduler) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup, stopCh := s.sup, s.stopCh
	s.sup, s.stopCh = nil, nil
	s.mu.Unlock()
	if sup == nil {
		return
	}

	start := time.Now()
	close(stopCh)
	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("scheduler stop timed out", logx.Err(err))
	}
	sup.Cancel()
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// Running reports whether the poll loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup != nil && s.sup.Context().Err() == nil
}

func (s *Scheduler) loop(ctx context.Context, stop <-chan struct{}) error {
	tk := time.NewTicker(s.cfg.Tick)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}
		s.Poll()
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		case <-tk.C:
		}
	}
}

// Poll runs one pass over the registry at the current clock moment and
// returns how many tasks were dispatched. The loop calls it once per tick.
func (s *Scheduler) Poll() int {
	now := s.clk.Now()
	n := 0
	for _, t := range s.list() {
		if s.start(t, now, false) {
			n++
		}
	}
	s.passes.Add(1)
	return n
}

// list snapshots the registry so a pass never holds the registry lock.
func (s *Scheduler) list() []*Task {
	s.mu.Lock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	s.mu.Unlock()
	return out
}

// start dispatches t if it is still the registered task for its key and its
// gates allow it. The membership check and the transition share s.mu.
func (s *Scheduler) start(t *Task, now time.Time, forced bool) bool {
	s.mu.Lock()
	if s.tasks[t.key] != t {
		s.mu.Unlock()
		return false
	}
	tk, ok := t.begin(now, forced)
	s.mu.Unlock()
	if !ok {
		return false
	}

	ev := eventbus.TaskEvent{RunID: uuid.NewString(), Key: t.key, Kind: t.kind.String(), Forced: forced, At: now}
	job := engine.Job{
		ID:       ev.RunID,
		Name:     t.key,
		Kind:     ev.Kind,
		Forced:   forced,
		Run:      func() { t.work(t) },
		Dropped:  func(err error) { s.dropped(t, tk, ev, err) },
		Panicked: func(any) { t.finish(tk.seq) },
	}

	level := logx.LevelInfo
	if t.silent {
		level = logx.LevelDebug
	}
	s.log.Log(level, "task dispatched", logx.String("task", t.key), logx.String("run", ev.RunID), logx.Bool("forced", forced))
	eventbus.Emit(s.bus, eventbus.TaskDispatched, ev)

	if err := s.disp.Enqueue(job); err != nil {
		s.dropped(t, tk, ev, err)
		return false
	}
	return true
}

// ended is called by Task.End after the state change.
func (s *Scheduler) ended(t *Task, now time.Time, completed bool) {
	ev := eventbus.TaskEvent{Key: t.key, Kind: t.kind.String(), At: now}
	eventbus.Emit(s.bus, eventbus.TaskEnded, ev)
	if !completed {
		return
	}

	// Only retire the registration if it is still this very task; the key may
	// have been removed and reused meanwhile.
	s.mu.Lock()
	cur, ok := s.tasks[t.key]
	removed := ok && cur == t
	if removed {
		delete(s.tasks, t.key)
	}
	s.mu.Unlock()

	s.log.Debug("task completed", logx.String("task", t.key), logx.Bool("deregistered", removed))
	eventbus.Emit(s.bus, eventbus.TaskCompleted, ev)
}

func (s *Scheduler) cancelled(t *Task) {
	s.log.Info("task cancelled", logx.String("task", t.key))
	eventbus.Emit(s.bus, eventbus.TaskCancelled, eventbus.TaskEvent{Key: t.key, Kind: t.kind.String(), At: s.clk.Now()})
}
