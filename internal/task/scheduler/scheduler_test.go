package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tasksched/internal/clock"
	"tasksched/internal/eventbus"
	"tasksched/internal/task/engine"
	"tasksched/internal/task/schedule"
	logx "tasksched/pkg/logx"
)

// 2026-01-05 is a Monday.
var t0 = time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)

// recorder is a Dispatcher that keeps jobs for the test to run by hand.
type recorder struct {
	mu   sync.Mutex
	jobs []engine.Job
	err  error
}

func (r *recorder) Enqueue(j engine.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.jobs = append(r.jobs, j)
	return nil
}

func (r *recorder) take() []engine.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.jobs
	r.jobs = nil
	return out
}

func newTestScheduler(t *testing.T) (*Scheduler, *recorder, *clock.Manual) {
	t.Helper()
	rec := &recorder{}
	clk := clock.NewManual(t0)
	return New(Config{Tick: 5 * time.Millisecond}, rec, clk, logx.Nop(), nil), rec, clk
}

func endWork(t *Task) { t.End() }

func TestAddKeepsKeysUnique(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestScheduler(t)

	first := NewTask("backup", schedule.Every(time.Minute), endWork)
	if !s.Add(first) {
		t.Fatal("first Add should succeed")
	}
	if s.Add(NewTask("backup", schedule.Every(time.Hour), endWork)) {
		t.Fatal("duplicate Add should report false")
	}
	if got, _ := s.Lookup("backup"); got != first {
		t.Fatal("duplicate Add must not replace the registered task")
	}
	if _, err := s.AddTask("backup", schedule.Every(0), endWork); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("AddTask duplicate err = %v", err)
	}
	if _, err := s.AddTask("  ", schedule.Every(0), endWork); !errors.Is(err, ErrEmptyKey) {
		t.Fatalf("AddTask empty err = %v", err)
	}
	if s.Add(nil) {
		t.Fatal("Add(nil) should report false")
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d", s.Len())
	}
}

func TestRemoveThenAdd(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestScheduler(t)
	_, _ = s.AddTask("a", schedule.Every(0), endWork)
	_, _ = s.AddTask("c", schedule.Every(0), endWork)
	_, _ = s.AddTask("b", schedule.Every(0), endWork)

	if !s.Remove("a") {
		t.Fatal("Remove existing should report true")
	}
	if s.Remove("a") {
		t.Fatal("Remove missing should report false")
	}
	if _, err := s.AddTask("a", schedule.Every(0), endWork); err != nil {
		t.Fatalf("re-add after remove: %v", err)
	}
	keys := s.Keys()
	if len(keys) != 3 || keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Fatalf("Keys = %v", keys)
	}
}

func TestRemovedTaskNeverRuns(t *testing.T) {
	t.Parallel()
	s, rec, _ := newTestScheduler(t)
	task, _ := s.AddTask("x", schedule.Every(time.Minute), endWork)
	s.Remove("x")

	if task.Run() || task.RunForced() {
		t.Fatal("a removed task must not be dispatched")
	}
	if n := len(rec.take()); n != 0 {
		t.Fatalf("dispatched %d jobs", n)
	}
	if task.State() != StateStopped {
		t.Fatalf("state = %v", task.State())
	}

	// Re-adding the same key under a new task does not revive the old one.
	fresh, _ := s.AddTask("x", schedule.Every(time.Minute), endWork)
	if task.RunForced() {
		t.Fatal("the old task must stay detached from the key")
	}
	if !fresh.RunForced() {
		t.Fatal("the registered task should run")
	}
}

func TestRecurringLifecycle(t *testing.T) {
	t.Parallel()
	s, rec, clk := newTestScheduler(t)
	task, _ := s.AddTask("tick", schedule.Every(60*time.Second), endWork)

	if n := s.Poll(); n != 1 {
		t.Fatalf("first poll dispatched %d", n)
	}
	if task.State() != StateRunning {
		t.Fatalf("state = %v", task.State())
	}
	if last, ok := task.LastRun(); !ok || !last.Equal(t0) {
		t.Fatalf("lastRun = %v %v", last, ok)
	}
	// Still running: skipped by the default overlap policy.
	if n := s.Poll(); n != 0 {
		t.Fatalf("poll while running dispatched %d", n)
	}

	clk.Advance(10 * time.Second)
	jobs := rec.take()
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d", len(jobs))
	}
	jobs[0].Run()
	if task.State() != StateStopped {
		t.Fatalf("after End state = %v", task.State())
	}
	// End marks the run again: the interval counts from t0+10s.
	if last, _ := task.LastRun(); !last.Equal(t0.Add(10 * time.Second)) {
		t.Fatalf("lastRun after End = %v", last)
	}

	clk.Set(t0.Add(60 * time.Second))
	if n := s.Poll(); n != 0 {
		t.Fatal("interval counts from End, should not be due yet")
	}
	clk.Set(t0.Add(70 * time.Second))
	if n := s.Poll(); n != 1 {
		t.Fatal("should be due 60s after End")
	}
}

func TestOneShotFiresOnceAndRetires(t *testing.T) {
	t.Parallel()
	s, rec, clk := newTestScheduler(t)
	bus := eventbus.New()
	s.bus = bus
	events, unsub := bus.Subscribe(32)
	defer unsub()

	task, _ := s.AddTask("once", schedule.At(t0.Add(10*time.Second)), endWork)

	if s.Poll() != 0 {
		t.Fatal("one-shot dispatched before target")
	}
	clk.Advance(10 * time.Second)
	if s.Poll() != 1 {
		t.Fatal("one-shot not dispatched at target")
	}
	clk.Advance(time.Second)
	if s.Poll() != 0 || task.RunForced() {
		t.Fatal("running one-shot must not be dispatched again")
	}

	rec.take()[0].Run()
	if task.State() != StateCompleted {
		t.Fatalf("state = %v", task.State())
	}
	if _, ok := s.Lookup("once"); ok {
		t.Fatal("completed one-shot should leave the registry")
	}
	if task.Run() || task.RunForced() {
		t.Fatal("completed one-shot must never run again")
	}
	task.End()
	if task.State() != StateCompleted {
		t.Fatal("End on completed task must not change it")
	}

	want := []eventbus.Topic{eventbus.TaskAdded, eventbus.TaskDispatched, eventbus.TaskEnded, eventbus.TaskCompleted}
	for _, w := range want {
		select {
		case e := <-events:
			if e.Topic != w {
				t.Fatalf("event %q, want %q", e.Topic, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing %q", w)
		}
	}
}

func TestOneShotEndKeepsReplacement(t *testing.T) {
	t.Parallel()
	s, rec, _ := newTestScheduler(t)
	old, _ := s.AddTask("job", schedule.At(t0), endWork)
	if s.Poll() != 1 {
		t.Fatal("not dispatched")
	}
	s.Remove("job")
	replacement, _ := s.AddTask("job", schedule.Every(time.Hour), endWork)

	rec.take()[0].Run()
	if old.State() != StateCompleted {
		t.Fatalf("old state = %v", old.State())
	}
	if got, ok := s.Lookup("job"); !ok || got != replacement {
		t.Fatal("ending the old task must not deregister its replacement")
	}
}

func TestRunForced(t *testing.T) {
	t.Parallel()
	s, rec, _ := newTestScheduler(t)
	task, _ := s.AddTask("daily", schedule.Every(24*time.Hour), endWork)

	if s.Poll() != 1 {
		t.Fatal("never-run task should be due")
	}
	rec.take()[0].Run()
	if s.Poll() != 0 {
		t.Fatal("should be throttled")
	}
	if !s.RunForced("daily") {
		t.Fatal("forced run should bypass the schedule")
	}
	if info := task.Info(); info.Forced != 1 || info.Runs != 2 {
		t.Fatalf("info = %+v", info)
	}
	if s.RunForced("missing") {
		t.Fatal("unknown key should report false")
	}
	rec.take()[0].Run()

	task.Cancel()
	if s.RunForced("daily") {
		t.Fatal("cancelled task must refuse forced runs")
	}
}

func TestOverlapAllow(t *testing.T) {
	t.Parallel()
	s, rec, _ := newTestScheduler(t)
	_, _ = s.AddTask("spam", schedule.Every(0), endWork, WithOverlap(OverlapAllow))
	s.Poll()
	s.Poll()
	if n := len(rec.take()); n != 2 {
		t.Fatalf("dispatched %d, want 2 overlapping runs", n)
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()
	s, rec, _ := newTestScheduler(t)
	task, _ := s.AddTask("c", schedule.Every(0), endWork)
	s.Poll()

	if !s.Cancel("c") {
		t.Fatal("Cancel should report true")
	}
	if s.Cancel("c") {
		t.Fatal("second Cancel should report false")
	}
	if s.Cancel("nope") {
		t.Fatal("unknown key should report false")
	}
	rec.take()[0].Run() // in-flight run ends after cancel
	if task.State() != StateCancelled {
		t.Fatalf("End must keep a cancelled task cancelled, got %v", task.State())
	}
	if s.Poll() != 0 || task.CheckStart() {
		t.Fatal("cancelled task must not be due")
	}
	if _, ok := s.Lookup("c"); !ok {
		t.Fatal("cancelled task stays registered")
	}
}

func TestMalformedNeverDispatched(t *testing.T) {
	t.Parallel()
	s, _, clk := newTestScheduler(t)
	_, _ = s.AddTask("bad", schedule.Every(0, schedule.Between(t0.Add(time.Hour), t0)), endWork)
	for i := 0; i < 5; i++ {
		if s.Poll() != 0 {
			t.Fatal("malformed schedule dispatched")
		}
		clk.Advance(30 * time.Minute)
	}
}

func TestDispatchRollback(t *testing.T) {
	t.Parallel()
	s, rec, _ := newTestScheduler(t)
	bus := eventbus.New()
	s.bus = bus
	events, unsub := bus.Subscribe(32)
	defer unsub()

	task, _ := s.AddTask("r", schedule.Every(time.Minute), endWork)
	rec.err = engine.ErrQueueFull
	if s.Poll() != 0 {
		t.Fatal("rejected dispatch should not count")
	}
	if task.State() != StateStopped {
		t.Fatalf("state = %v", task.State())
	}
	if _, ok := task.LastRun(); ok {
		t.Fatal("lastRun should be rolled back")
	}

	var dropped bool
	for !dropped {
		select {
		case e := <-events:
			if e.Topic == eventbus.TaskDropped {
				ev := e.Data.(eventbus.TaskEvent)
				if ev.Key != "r" || ev.Err == "" {
					t.Fatalf("dropped event = %+v", ev)
				}
				dropped = true
			}
		case <-time.After(time.Second):
			t.Fatal("missing task.dropped")
		}
	}

	// A job accepted and later discarded rolls back the same way.
	rec.err = nil
	if s.Poll() != 1 {
		t.Fatal("dispatch after rejection should work")
	}
	rec.take()[0].Dropped(engine.ErrStopped)
	if task.State() != StateStopped {
		t.Fatalf("after discard state = %v", task.State())
	}
	if task.Info().Runs != 0 {
		t.Fatalf("runs = %d", task.Info().Runs)
	}
}

func TestPanickedRunReleasesTask(t *testing.T) {
	t.Parallel()
	s, rec, _ := newTestScheduler(t)
	task, _ := s.AddTask("p", schedule.Every(0), func(*Task) { panic("boom") })
	s.Poll()
	job := rec.take()[0]
	job.Panicked("boom")
	if task.State() != StateStopped {
		t.Fatalf("state = %v", task.State())
	}
}

func TestSnapshot(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestScheduler(t)
	_, _ = s.AddTask("z", schedule.Every(time.Minute), endWork, WithKind(KindSystem), WithSilent(true))
	_, _ = s.AddTask("a", schedule.At(t0.Add(time.Hour)), endWork)

	snap := s.Snapshot()
	if snap.Running || len(snap.Tasks) != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}
	a, z := snap.Tasks[0], snap.Tasks[1]
	if a.Key != "a" || !a.OneShot || a.Due || a.Verdict != schedule.NotYet {
		t.Fatalf("a = %+v", a)
	}
	if z.Key != "z" || z.Kind != "system" || !z.Silent || !z.Due || z.State != "stopped" {
		t.Fatalf("z = %+v", z)
	}
}

func TestDetachedTask(t *testing.T) {
	t.Parallel()
	task := NewTask("loose", schedule.Every(0), nil)
	if !task.CheckStart() {
		t.Fatal("an unconstrained schedule is due")
	}
	if task.Run() || task.RunForced() {
		t.Fatal("an unregistered task has nowhere to run")
	}
	task.End()
	if task.State() != StateStopped {
		t.Fatalf("state = %v", task.State())
	}
}

func TestLoopStartStop(t *testing.T) {
	t.Parallel()
	var runs atomic.Int32
	s := New(Config{Tick: 5 * time.Millisecond}, nil, nil, logx.Nop(), nil)
	_, _ = s.AddTask("fast", schedule.Every(0), func(t *Task) {
		runs.Add(1)
		t.End()
	})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start = %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("runs = %d", runs.Load())
		}
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	if s.Running() {
		t.Fatal("still running after Stop")
	}
	fast, _ := s.Lookup("fast")
	dispatched := fast.Info().Runs
	time.Sleep(30 * time.Millisecond)
	if got := fast.Info().Runs; got != dispatched {
		t.Fatalf("dispatched after Stop: runs %d -> %d", dispatched, got)
	}

	// Restart is allowed.
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	s.Stop(ctx)
}

func TestStopDoesNotWaitForTick(t *testing.T) {
	t.Parallel()
	s := New(Config{Tick: time.Hour}, &recorder{}, clock.NewManual(t0), logx.Nop(), nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for s.Snapshot().Passes == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first pass did not run immediately")
		}
		time.Sleep(time.Millisecond)
	}

	began := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	if took := time.Since(began); took > time.Second {
		t.Fatalf("Stop took %v", took)
	}
}

func TestStartHonoursContext(t *testing.T) {
	t.Parallel()
	s := New(Config{Tick: time.Millisecond}, &recorder{}, clock.NewManual(t0), logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for s.Running() {
		if time.Now().After(deadline) {
			t.Fatal("loop ignored context cancellation")
		}
		time.Sleep(time.Millisecond)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start after cancelled context: %v", err)
	}
	s.Stop(context.Background())
}

func TestParseKindAndOverlap(t *testing.T) {
	t.Parallel()
	if k, err := ParseKind("System"); err != nil || k != KindSystem {
		t.Fatalf("ParseKind = %v %v", k, err)
	}
	if k, _ := ParseKind(""); k != KindUser {
		t.Fatal("default kind should be user")
	}
	if _, err := ParseKind("admin"); err == nil {
		t.Fatal("expected error")
	}
	if o, err := ParseOverlap("allow"); err != nil || o != OverlapAllow {
		t.Fatalf("ParseOverlap = %v %v", o, err)
	}
	if o, _ := ParseOverlap(""); o != OverlapSkipIfRunning {
		t.Fatal("default overlap should skip")
	}
	if _, err := ParseOverlap("queue"); err == nil {
		t.Fatal("expected error")
	}
}
