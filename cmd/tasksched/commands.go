package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli"

	"tasksched/internal/app"
	"tasksched/internal/clock"
	"tasksched/internal/config"
	"tasksched/internal/task/scheduler"
	logx "tasksched/pkg/logx"
)

var configFlag = cli.StringFlag{
	Name:   "config, c",
	Value:  "./tasksched.yaml",
	Usage:  "path to the JSON or YAML config file",
	EnvVar: "TASKSCHED_CONFIG",
}

func newCLI() *cli.App {
	a := cli.NewApp()
	a.Name = "tasksched"
	a.Usage = "run commands on intervals, weekdays, date ranges and hour windows"
	a.UsageText = "tasksched <command> [arguments...]"
	a.Version = version
	a.HideVersion = true
	a.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "start the scheduler daemon",
			Flags:  []cli.Flag{configFlag},
			Action: runDaemon,
		},
		{
			Name:   "check",
			Usage:  "validate the config and show what each task would do now",
			Flags:  []cli.Flag{configFlag},
			Action: check,
		},
		{
			Name:  "history",
			Usage: "show recent runs from the journal",
			Flags: []cli.Flag{
				configFlag,
				cli.StringFlag{Name: "task, t", Usage: "only show this task"},
				cli.IntFlag{Name: "limit, n", Value: 20, Usage: "maximum number of records"},
			},
			Action: history,
		},
		{
			Name:    "version",
			Aliases: []string{"v"},
			Usage:   "print the version",
			Action: func(c *cli.Context) error {
				fmt.Fprintf(c.App.Writer, "tasksched %s (%s_%s)\n", version, runtime.GOOS, runtime.GOARCH)
				if commit != "" || date != "" {
					fmt.Fprintf(c.App.Writer, "build: %s %s\n", date, commit)
				}
				return nil
			},
		},
	}
	return a
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	cfg, err := config.NewConfigManager(path).Load()
	if err != nil {
		return nil, cli.NewExitError(fmt.Sprintf("config %s: %v", path, err), 2)
	}
	return cfg, nil
}

func runDaemon(c *cli.Context) error {
	a, err := app.NewApp(c.String("config"))
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("fatal: %v", err), 1)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		return cli.NewExitError(fmt.Sprintf("fatal start: %v", err), 1)
	}

	reason := app.StopUnknown
	select {
	case s := <-sigs:
		reason = app.StopSIGTERM
		if s == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return cli.NewExitError(fmt.Sprintf("fatal: %v", err), 1)
	}
	return nil
}

func check(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return cli.NewExitError(err.Error(), 2)
	}

	// A detached scheduler that never starts: it only evaluates.
	s := scheduler.New(scheduler.Config{}, nil, clock.System(loc), logx.Nop(), nil)
	for _, tc := range cfg.Tasks {
		t, err := app.BuildTask(cfg, loc, tc, nil)
		if err != nil {
			return cli.NewExitError(err.Error(), 2)
		}
		s.Add(t)
	}

	snap := s.Snapshot()
	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "TASK\tKIND\tSCHEDULE\tNOW\tNOTE\n")
	for _, info := range snap.Tasks {
		note := ""
		if t, ok := s.Lookup(info.Key); ok && info.OneShot {
			note = "fires " + humanize.Time(t.Schedule().Target())
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", info.Key, info.Kind, info.Schedule, info.Verdict, note)
	}
	_ = w.Flush()
	fmt.Fprintf(c.App.Writer, "%d task(s) OK, evaluated at %s (%s)\n", len(snap.Tasks), snap.Now.Format(time.RFC3339), loc)
	return nil
}

func history(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	st, err := app.OpenStore(cfg, logx.Nop())
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("storage: %v", err), 1)
	}
	if st == nil {
		return cli.NewExitError("storage is disabled in this config", 1)
	}
	defer st.Close()

	recs, err := st.RecentRuns(context.Background(), strings.TrimSpace(c.String("task")), c.Int("limit"))
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("storage: %v", err), 1)
	}
	if len(recs) == 0 {
		fmt.Fprintln(c.App.Writer, "no runs recorded")
		return nil
	}

	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "WHEN\tTASK\tEVENT\tRUN\tDURATION\tERROR\n")
	for _, r := range recs {
		run := r.RunID
		if len(run) > 8 {
			run = run[:8]
		}
		dur := ""
		if r.Duration > 0 {
			dur = r.Duration.Round(time.Millisecond).String()
		}
		if r.Forced {
			run += "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", humanize.Time(r.At), r.Key, r.Event, run, dur, r.Err)
	}
	_ = w.Flush()
	fmt.Fprintf(c.App.Writer, "%s record(s)\n", humanize.Comma(int64(len(recs))))
	return nil
}
