package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"tasksched/internal/clock"
	"tasksched/internal/config"
	"tasksched/internal/eventbus"
	rtsup "tasksched/internal/runtime/supervisor"
	"tasksched/internal/storage"
	"tasksched/internal/task/engine"
	"tasksched/internal/task/scheduler"
	logx "tasksched/pkg/logx"
)

// App is the scheduler daemon: config, logging, event bus, run journal,
// task engine and scheduler wired together.
type App struct {
	cfgm *config.ConfigManager

	root logx.Logger
	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	store   storage.Store
	journal *journal

	engine *engine.Service
	sched  *scheduler.Scheduler

	mu   sync.Mutex
	sup  *rtsup.Supervisor
	defs map[string]uint64 // task name -> config fingerprint
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := StorageConfig(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, root)
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	eng := engine.New(mapTaskEngineConfig(cfg), root.With(logx.String("comp", "taskengine")), bus)
	sched := scheduler.New(schedCfg, eng, clock.System(loc), root, bus)

	a := &App{
		cfgm:   cfgm,
		root:   root,
		log:    log,
		logs:   logSvc,
		bus:    bus,
		store:  store,
		engine: eng,
		sched:  sched,
		defs:   map[string]uint64{},
	}
	if store != nil {
		a.journal = newJournal(bus, store, root)
	}
	added, _ := a.reconcile(cfg)
	log.Info("tasks loaded", logx.Int("count", added), logx.String("timezone", loc.String()))
	return a, nil
}

func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }
func (a *App) Engine() *engine.Service { return a.engine }
func (a *App) Store() storage.Store { return a.store }
func (a *App) Bus() eventbus.Bus { return a.bus }

// Done is closed when the app supervisor context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.mu.Lock()
	a.sup = sup
	a.mu.Unlock()

	a.cfgm.SetLogger(a.root.With(logx.String("comp", "config")))

	if a.journal != nil {
		sup.Go0("journal", a.journal.run)
	}

	a.engine.Start(sup.Context())
	if a.cfgm.Get().Scheduler.IsEnabled() {
		if err := a.sched.Start(sup.Context()); err != nil {
			return err
		}
	} else {
		a.log.Info("scheduler disabled via config")
	}

	sub := a.cfgm.Subscribe(8)
	sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: apply only the newest.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.apply(c, last, newCfg)
				last = newCfg
			}
		}
	})
	sup.Go("config.watch", a.cfgm.Watch)
	sup.Go0("systemd.watchdog", func(c context.Context) { watchdog(c, a.log) })

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started", logx.Int("tasks", a.sched.Len()))
	return nil
}

// apply reacts to a committed config change.
func (a *App) apply(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, tasks := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	a.logs.Apply(mapLogConfig(newCfg))

	for _, s := range sections {
		switch s {
		case "storage", "task_engine":
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}
	if strings.TrimSpace(oldCfg.Scheduler.Tick) != strings.TrimSpace(newCfg.Scheduler.Tick) ||
		strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
		a.log.Warn("scheduler tick/timezone changed; restart required for changes to take effect")
	}

	added, removed := 0, 0
	if len(tasks) > 0 {
		added, removed = a.reconcile(newCfg)
	}

	switch on := newCfg.Scheduler.IsEnabled(); {
	case on && !a.sched.Running():
		a.log.Info("scheduler enabled via config")
		if err := a.sched.Start(ctx); err != nil && !errors.Is(err, scheduler.ErrAlreadyStarted) {
			a.log.Warn("scheduler start failed", logx.Err(err))
		}
	case !on && a.sched.Running():
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	}

	a.log.Info("config reloaded",
		logx.String("changed", strings.Join(sections, ",")),
		logx.Int("tasks_added", added),
		logx.Int("tasks_removed", removed),
	)
}

// Stop shuts down in stages, each bounded by its own deadline and by ctx.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	// Poll first so nothing new is dispatched while the rest unwinds.
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })

	// Cancelling the run context kills running commands and ends background loops.
	sup.Cancel()

	a.step(ctx, "taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "journal", 2*time.Second, func(c context.Context) error {
		if a.journal == nil {
			return nil
		}
		return a.journal.close(c)
	})
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store == nil {
			return nil
		}
		return a.store.Close()
	})
	a.step(ctx, "supervisor", 2*time.Second, sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown stage with an upper bound so a stuck component
// cannot stall the whole stop. It never extends the caller's deadline.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		level := logx.LevelDebug
		if took >= 500*time.Millisecond {
			level = logx.LevelInfo
		}
		a.log.Log(level, "stop step end", logx.String("name", name), logx.Duration("took", took))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name), logx.Err(stepCtx.Err()), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline",
				logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
		}()
	}
}
