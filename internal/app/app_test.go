package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tasksched/internal/clock"
	"tasksched/internal/config"
	"tasksched/internal/storage"
	"tasksched/internal/task/scheduler"
	logx "tasksched/pkg/logx"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func hasEvent(t *testing.T, st storage.Store, key, event string) bool {
	t.Helper()
	recs, err := st.RecentRuns(context.Background(), key, 100)
	if err != nil {
		t.Fatalf("recent runs: %v", err)
	}
	for _, r := range recs {
		if r.Event == event {
			return true
		}
	}
	return false
}

func TestApp_RunJournalReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.json")
	write := func(body string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	store := filepath.Join(dir, "state", "runs")
	write(`{
	  "logging": {"level": "error"},
	  "scheduler": {"tick": "20ms", "timezone": "UTC"},
	  "storage": {"driver": "file", "path": "` + store + `"},
	  "tasks": [{"name": "hb", "every": "0s", "silent": true}]
	}`)

	a, err := NewApp(path)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, "heartbeat journaled", func() bool { return hasEvent(t, a.Store(), "hb", "task.ended") })
	if !hasEvent(t, a.Store(), "hb", "task.added") {
		t.Fatalf("task.added missing from the journal")
	}

	write(`{
	  "logging": {"level": "error"},
	  "scheduler": {"tick": "20ms", "timezone": "UTC"},
	  "storage": {"driver": "file", "path": "` + store + `"},
	  "tasks": [{"name": "once", "at": "2020-01-01 00:00"}]
	}`)
	// The file watcher may pick the change up first; either way it is applied.
	if _, err := a.cfgm.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	waitFor(t, "one-shot completed", func() bool { return hasEvent(t, a.Store(), "once", "task.completed") })
	waitFor(t, "hb removed", func() bool { return hasEvent(t, a.Store(), "hb", "task.removed") })
	if _, ok := a.Scheduler().Lookup("hb"); ok {
		t.Fatalf("hb should be deregistered after reload")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if a.Scheduler().Running() {
		t.Fatalf("scheduler still running after stop")
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("Done should be closed after stop")
	}
}

func newTestApp() *App {
	log := logx.Nop()
	return &App{
		log:   log,
		sched: scheduler.New(scheduler.Config{}, nil, clock.NewManual(time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)), log, nil),
		defs:  map[string]uint64{},
	}
}

func TestReconcile(t *testing.T) {
	t.Parallel()

	a := newTestApp()
	cfg1 := &config.Config{Tasks: []config.TaskConfig{
		{Name: "a", Every: "1m"},
		{Name: "b", Every: "1m"},
	}}
	if added, removed := a.reconcile(cfg1); added != 2 || removed != 0 {
		t.Fatalf("first reconcile: +%d -%d", added, removed)
	}
	ta, _ := a.sched.Lookup("a")
	tb, _ := a.sched.Lookup("b")

	cfg2 := &config.Config{Tasks: []config.TaskConfig{
		{Name: "a", Every: "1m"},
		{Name: "b", Every: "5m"},
		{Name: "c", At: "2026-02-01 09:00"},
	}}
	if added, removed := a.reconcile(cfg2); added != 2 || removed != 1 {
		t.Fatalf("second reconcile: +%d -%d", added, removed)
	}
	if got, _ := a.sched.Lookup("a"); got != ta {
		t.Fatalf("unchanged task should be kept")
	}
	if got, _ := a.sched.Lookup("b"); got == tb || got.Schedule().Interval() != 5*time.Minute {
		t.Fatalf("changed task should be rebuilt")
	}
	if strings.Join(a.sched.Keys(), ",") != "a,b,c" {
		t.Fatalf("keys = %v", a.sched.Keys())
	}

	if added, removed := a.reconcile(&config.Config{}); added != 0 || removed != 3 || a.sched.Len() != 0 {
		t.Fatalf("empty reconcile: +%d -%d len=%d", added, removed, a.sched.Len())
	}
}

func TestBuildTask(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Scheduler: config.SchedulerConfig{Overlap: "allow"}}
	tk, err := BuildTask(cfg, time.UTC, config.TaskConfig{Name: " sys ", Kind: "system", Every: "30s", Silent: true}, func(t *scheduler.Task) { t.End() })
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if tk.Key() != "sys" || tk.Kind() != scheduler.KindSystem || !tk.Silent() || tk.Overlap() != scheduler.OverlapAllow {
		t.Fatalf("unexpected task: key=%q kind=%v silent=%v overlap=%v", tk.Key(), tk.Kind(), tk.Silent(), tk.Overlap())
	}

	tk, err = BuildTask(cfg, time.UTC, config.TaskConfig{Name: "own", Every: "30s", Overlap: "skip"}, nil)
	if err != nil || tk.Overlap() != scheduler.OverlapSkipIfRunning || tk.Kind() != scheduler.KindUser {
		t.Fatalf("task overlap should win over the default: %v %v", tk.Overlap(), err)
	}

	if _, err := BuildTask(cfg, time.UTC, config.TaskConfig{Name: "bad", Every: "soon"}, nil); err == nil ||
		!strings.Contains(err.Error(), "task bad: every:") {
		t.Fatalf("want schedule error, got %v", err)
	}
}

func TestCommandSpec_Run(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	res := commandSpec{argv: []string{"sh", "-c", "echo out; echo err >&2; exit 3"}}.run(ctx)
	if res.exitCode != 3 || res.err == nil {
		t.Fatalf("exit = %d err = %v", res.exitCode, res.err)
	}
	if !strings.Contains(res.output, "out") || !strings.Contains(res.output, "err") {
		t.Fatalf("output = %q", res.output)
	}

	dir := t.TempDir()
	res = commandSpec{argv: []string{"sh", "-c", `echo "$GREETING"; pwd`}, dir: dir, env: []string{"GREETING=hello"}}.run(ctx)
	if res.err != nil || res.exitCode != 0 {
		t.Fatalf("run: %+v", res)
	}
	if !strings.HasPrefix(res.output, "hello") || !strings.Contains(res.output, filepath.Base(dir)) {
		t.Fatalf("output = %q", res.output)
	}

	res = commandSpec{argv: []string{filepath.Join(dir, "missing-binary")}}.run(ctx)
	if res.err == nil || res.exitCode != -1 {
		t.Fatalf("missing binary: %+v", res)
	}
}

func TestTailBuffer(t *testing.T) {
	t.Parallel()

	var b tailBuffer
	_, _ = b.Write([]byte("abc"))
	if b.String() != "abc" {
		t.Fatalf("got %q", b.String())
	}
	_, _ = b.Write([]byte(strings.Repeat("x", maxOutput-1)))
	_, _ = b.Write([]byte("yz"))
	s := b.String()
	if len(s) != maxOutput || !strings.HasSuffix(s, "xyz") {
		t.Fatalf("len=%d suffix=%q", len(s), s[len(s)-3:])
	}
	big := strings.Repeat("q", maxOutput+10)
	_, _ = b.Write([]byte(big))
	if b.String() != big[10:] {
		t.Fatalf("oversized write not trimmed")
	}
}

func TestStorageConfig(t *testing.T) {
	t.Parallel()

	if _, on, err := StorageConfig(&config.Config{}); on || err != nil {
		t.Fatalf("nil storage: %v %v", on, err)
	}
	if _, on, err := StorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "none"}}); on || err != nil {
		t.Fatalf("none storage: %v %v", on, err)
	}
	sc, on, err := StorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "SQLite", Path: "x.db", Retention: "48h"}})
	if !on || err != nil || sc.Driver != "sqlite" || sc.BusyTimeout != time.Second || sc.Retention != 48*time.Hour {
		t.Fatalf("sqlite mapping: %+v %v %v", sc, on, err)
	}
	if _, _, err := StorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "file"}}); err == nil {
		t.Fatalf("missing path should fail")
	}
}
