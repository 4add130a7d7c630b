package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"tasksched/internal/config"
	"tasksched/internal/task/scheduler"
	logx "tasksched/pkg/logx"
)

// maxOutput bounds how much command output is kept for the log line.
const maxOutput = 4 << 10

// BuildTask turns one task definition into a scheduler task running work.
// Wall-clock values are read in loc; an empty task overlap inherits
// scheduler.overlap.
func BuildTask(cfg *config.Config, loc *time.Location, tc config.TaskConfig, work scheduler.Work) (*scheduler.Task, error) {
	name := strings.TrimSpace(tc.Name)
	sched, err := tc.Schedule(loc)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", name, err)
	}
	kind, err := scheduler.ParseKind(tc.Kind)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", name, err)
	}
	ov := tc.Overlap
	if strings.TrimSpace(ov) == "" {
		ov = cfg.Scheduler.Overlap
	}
	overlap, err := scheduler.ParseOverlap(ov)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", name, err)
	}
	return scheduler.NewTask(name, sched, work,
		scheduler.WithKind(kind),
		scheduler.WithSilent(tc.Silent),
		scheduler.WithOverlap(overlap),
	), nil
}

// workFor returns the work routine for a task definition: its command, or a
// heartbeat log line when it has none.
func (a *App) workFor(tc config.TaskConfig) scheduler.Work {
	if len(tc.Command) == 0 {
		return func(t *scheduler.Task) {
			defer t.End()
			level := logx.LevelInfo
			if t.Silent() {
				level = logx.LevelDebug
			}
			a.log.Log(level, "heartbeat", logx.String("task", t.Key()))
		}
	}
	spec := commandSpec{argv: append([]string(nil), tc.Command...), dir: tc.Workdir, env: append([]string(nil), tc.Env...)}
	return func(t *scheduler.Task) {
		defer t.End()
		res := spec.run(a.runContext())
		a.logCommand(t, res)
	}
}

func (a *App) runContext() context.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sup == nil {
		return context.Background()
	}
	return a.sup.Context()
}

type commandSpec struct {
	argv []string
	dir  string
	env  []string
}

type commandResult struct {
	exitCode int
	output   string
	took     time.Duration
	err      error
}

// run executes the command to completion. Cancelling ctx kills it.
func (c commandSpec) run(ctx context.Context) commandResult {
	start := time.Now()
	cmd := exec.CommandContext(ctx, c.argv[0], c.argv[1:]...)
	cmd.Dir = c.dir
	if len(c.env) > 0 {
		cmd.Env = append(os.Environ(), c.env...)
	}
	cmd.WaitDelay = 2 * time.Second

	var out tailBuffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()

	res := commandResult{output: strings.TrimSpace(out.String()), took: time.Since(start), err: err}
	var ee *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &ee):
		res.exitCode = ee.ExitCode()
	default:
		res.exitCode = -1
	}
	return res
}

func (a *App) logCommand(t *scheduler.Task, res commandResult) {
	fields := []logx.Field{
		logx.String("task", t.Key()),
		logx.Int("exit", res.exitCode),
		logx.Duration("took", res.took),
	}
	if res.output != "" {
		fields = append(fields, logx.String("output", res.output))
	}
	if res.err != nil {
		a.log.Warn("task command failed", append(fields, logx.Err(res.err))...)
		return
	}
	level := logx.LevelInfo
	if t.Silent() {
		level = logx.LevelDebug
	}
	a.log.Log(level, "task command finished", fields...)
}

// tailBuffer keeps the last maxOutput bytes written to it.
type tailBuffer struct {
	buf bytes.Buffer
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n >= maxOutput {
		b.buf.Reset()
		b.buf.Write(p[n-maxOutput:])
		return n, nil
	}
	if over := b.buf.Len() + n - maxOutput; over > 0 {
		b.buf.Next(over)
	}
	b.buf.Write(p)
	return n, nil
}

func (b *tailBuffer) String() string { return b.buf.String() }

// reconcile brings the registry in line with cfg. A registered task whose
// definition is unchanged is kept with its run state; changed and removed
// definitions are removed, new and changed ones are added.
func (a *App) reconcile(cfg *config.Config) (added, removed int) {
	loc, err := cfg.Location()
	if err != nil {
		a.log.Warn("invalid scheduler.timezone; using local", logx.Err(err))
		loc = time.Local
	}

	want := make(map[string]config.TaskConfig, len(cfg.Tasks))
	for _, tc := range cfg.Tasks {
		want[strings.TrimSpace(tc.Name)] = tc
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for name, fp := range a.defs {
		tc, ok := want[name]
		if ok && cfg.Fingerprint(tc) == fp {
			continue
		}
		a.sched.Remove(name)
		delete(a.defs, name)
		removed++
	}
	for _, tc := range cfg.Tasks {
		name := strings.TrimSpace(tc.Name)
		if _, ok := a.defs[name]; ok {
			continue
		}
		t, err := BuildTask(cfg, loc, tc, a.workFor(tc))
		if err != nil {
			a.log.Warn("task skipped", logx.Err(err))
			continue
		}
		if !a.sched.Add(t) {
			a.log.Warn("task skipped: key already registered", logx.String("task", name))
			continue
		}
		a.defs[name] = cfg.Fingerprint(tc)
		added++
	}
	return added, removed
}
