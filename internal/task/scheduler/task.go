package scheduler

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"tasksched/internal/task/schedule"
)

// State is the lifecycle state of a task.
type State int8

const (
	StateCancelled State = -1
	StateStopped   State = 0
	StateRunning   State = 1
	StateCompleted State = 2
)

func (s State) String() string {
	switch s {
	case StateCancelled:
		return "cancelled"
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	default:
		return fmt.Sprintf("state(%d)", int8(s))
	}
}

// Kind classifies a task. It does not change scheduling.
type Kind int8

const (
	KindSystem Kind = iota
	KindUser
)

func (k Kind) String() string {
	if k == KindSystem {
		return "system"
	}
	return "user"
}

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "user":
		return KindUser, nil
	case "system":
		return KindSystem, nil
	default:
		return KindUser, fmt.Errorf("unknown task kind %q (use system or user)", s)
	}
}

// Overlap decides whether a due task may be dispatched while a previous run
// is still in flight.
type Overlap int8

const (
	OverlapSkipIfRunning Overlap = iota
	OverlapAllow
)

func (o Overlap) String() string {
	if o == OverlapAllow {
		return "allow"
	}
	return "skip_if_running"
}

func ParseOverlap(s string) (Overlap, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "skip", "skip_if_running":
		return OverlapSkipIfRunning, nil
	case "allow":
		return OverlapAllow, nil
	default:
		return OverlapSkipIfRunning, fmt.Errorf("unknown overlap policy %q (use skip_if_running or allow)", s)
	}
}

// Work is a task body. It must call t.End when it is finished, from any
// goroutine.
type Work func(t *Task)

type Option func(*Task)

func WithKind(k Kind) Option { return func(t *Task) { t.kind = k } }
func WithSilent(silent bool) Option { return func(t *Task) { t.silent = silent } }
func WithOverlap(o Overlap) Option { return func(t *Task) { t.overlap = o } }

// Task is a named unit of work with a schedule and a lifecycle.
//
// Key, schedule, kind and options are fixed at construction. State, last run
// and counters are guarded by the task mutex, so a check-and-transition is
// atomic with respect to End and Cancel.
type Task struct {
	key     string
	sched   schedule.Schedule
	work    Work
	kind    Kind
	silent  bool
	overlap Overlap

	mu      sync.Mutex
	owner   *Scheduler
	state   State
	lastRun time.Time
	seq     uint64
	runs    uint64
	forced  uint64
}

// NewTask builds a Stopped task. A nil work ends the task immediately.
func NewTask(key string, sched schedule.Schedule, work Work, opts ...Option) *Task {
	if work == nil {
		work = func(t *Task) { t.End() }
	}
	t := &Task{key: strings.TrimSpace(key), sched: sched, work: work, kind: KindUser}
	for _, o := range opts {
		if o != nil {
			o(t)
		}
	}
	return t
}

func (t *Task) Key() string { return t.key }
func (t *Task) Kind() Kind { return t.kind }
func (t *Task) Silent() bool { return t.silent }
func (t *Task) Overlap() Overlap { return t.overlap }
func (t *Task) Schedule() schedule.Schedule { return t.sched }

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// LastRun returns the last dispatch or end moment; ok is false if the task
// never ran.
func (t *Task) LastRun() (last time.Time, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastRun, !t.lastRun.IsZero()
}

// CheckStart reports whether the task would be dispatched right now.
func (t *Task) CheckStart() bool {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gateLocked(false) && t.sched.IsDue(now, t.lastRunLocked())
}

// Run dispatches the task if CheckStart holds. It reports whether a run was
// dispatched. A task that is not registered with a scheduler, or was removed
// from it, never runs.
func (t *Task) Run() bool {
	owner := t.scheduler()
	if owner == nil {
		return false
	}
	return owner.start(t, owner.clk.Now(), false)
}

// RunForced dispatches the task ignoring its schedule. Cancelled, completed
// and removed tasks are refused, and so is a one-shot task already running.
func (t *Task) RunForced() bool {
	owner := t.scheduler()
	if owner == nil {
		return false
	}
	return owner.start(t, owner.clk.Now(), true)
}

// End marks the current run finished. A recurring task returns to Stopped; a
// one-shot task becomes Completed and leaves the registry. End on a cancelled
// or completed task changes nothing.
func (t *Task) End() { t.finish(0) }

// Cancel moves the task to Cancelled for good. It reports false if the task
// was already cancelled.
func (t *Task) Cancel() bool {
	t.mu.Lock()
	if t.state == StateCancelled {
		t.mu.Unlock()
		return false
	}
	t.state = StateCancelled
	owner := t.owner
	t.mu.Unlock()
	if owner != nil {
		owner.cancelled(t)
	}
	return true
}

// Info is a point-in-time view of a task.
type Info struct {
	Key      string           `json:"key"`
	Kind     string           `json:"kind"`
	State    string           `json:"state"`
	Schedule string           `json:"schedule"`
	OneShot  bool             `json:"oneshot"`
	Overlap  string           `json:"overlap"`
	Silent   bool             `json:"silent,omitempty"`
	LastRun  time.Time        `json:"last_run"`
	Runs     uint64           `json:"runs"`
	Forced   uint64           `json:"forced"`
	Verdict  schedule.Verdict `json:"-"`
	Due      bool             `json:"due"`
}

func (t *Task) Info() Info { return t.infoAt(t.now()) }

func (t *Task) infoAt(now time.Time) Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := t.sched.Evaluate(now, t.lastRunLocked())
	return Info{
		Key:      t.key,
		Kind:     t.kind.String(),
		State:    t.state.String(),
		Schedule: t.sched.String(),
		OneShot:  t.sched.IsOneShot(),
		Overlap:  t.overlap.String(),
		Silent:   t.silent,
		LastRun:  t.lastRun,
		Runs:     t.runs,
		Forced:   t.forced,
		Verdict:  v,
		Due:      t.gateLocked(false) && v == schedule.Due,
	}
}

// runTicket remembers what a dispatch changed so it can be undone.
type runTicket struct {
	seq       uint64
	prevState State
	prevLast  time.Time
	forced    bool
}

// gateLocked applies the lifecycle rules that sit in front of the schedule.
func (t *Task) gateLocked(forced bool) bool {
	switch t.state {
	case StateCancelled, StateCompleted:
		return false
	case StateRunning:
		if t.sched.IsOneShot() {
			return false
		}
		return forced || t.overlap == OverlapAllow
	}
	return true
}

// begin performs the Stopped->Running transition when allowed.
func (t *Task) begin(now time.Time, forced bool) (runTicket, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.gateLocked(forced) {
		return runTicket{}, false
	}
	if !forced && !t.sched.IsDue(now, t.lastRunLocked()) {
		return runTicket{}, false
	}
	t.seq++
	tk := runTicket{seq: t.seq, prevState: t.state, prevLast: t.lastRun, forced: forced}
	t.state = StateRunning
	t.lastRun = now
	t.runs++
	if forced {
		t.forced++
	}
	return tk, true
}

// rollback undoes begin for a run that never reached a worker. It is a no-op
// once anything else touched the task.
func (t *Task) rollback(tk runTicket) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seq != tk.seq || t.state != StateRunning {
		return false
	}
	t.state = tk.prevState
	t.lastRun = tk.prevLast
	t.runs--
	if tk.forced {
		t.forced--
	}
	return true
}

// finish ends the task. A non-zero seq ends it only if that run is still the
// latest one and the task is still running.
func (t *Task) finish(seq uint64) {
	now := t.now()
	t.mu.Lock()
	if t.state == StateCancelled || t.state == StateCompleted {
		t.mu.Unlock()
		return
	}
	if seq != 0 && (t.seq != seq || t.state != StateRunning) {
		t.mu.Unlock()
		return
	}
	t.lastRun = now
	completed := t.sched.IsOneShot()
	if completed {
		t.state = StateCompleted
	} else {
		t.state = StateStopped
	}
	owner := t.owner
	t.mu.Unlock()

	if owner != nil {
		owner.ended(t, now, completed)
	}
}

func (t *Task) lastRunLocked() *time.Time {
	if t.lastRun.IsZero() {
		return nil
	}
	last := t.lastRun
	return &last
}

func (t *Task) attach(s *Scheduler) {
	t.mu.Lock()
	t.owner = s
	t.mu.Unlock()
}

func (t *Task) scheduler() *Scheduler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.owner
}

func (t *Task) now() time.Time {
	if s := t.scheduler(); s != nil {
		return s.clk.Now()
	}
	return time.Now()
}
