package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"tasksched/internal/task/scheduler"
)

// ParseDurationField parses an optional non-negative Go duration. Empty is 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Validate checks every section and returns all problems joined, each
// prefixed with its config path (e.g. "tasks[2].every: ...").
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if _, err := ParseDurationField("scheduler.tick", cfg.Scheduler.Tick); err != nil {
		add(err)
	}
	loc, err := cfg.Location()
	if err != nil {
		add(fmt.Errorf("scheduler.timezone: invalid %q: %w", cfg.Scheduler.Timezone, err))
		loc = time.Local
	}
	if _, err := scheduler.ParseOverlap(cfg.Scheduler.Overlap); err != nil {
		add(fmt.Errorf("scheduler.overlap: %w", err))
	}

	if te := cfg.TaskEngine; te != nil {
		if te.Workers < 0 {
			add(errors.New("task_engine.workers must be >= 0"))
		}
		if te.QueueSize < 0 {
			add(errors.New("task_engine.queue_size must be >= 0"))
		}
		if te.HistorySize < 0 {
			add(errors.New("task_engine.history_size must be >= 0"))
		}
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				add(fmt.Errorf("storage.path is required when storage.driver=%s", strings.TrimSpace(st.Driver)))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q (use none, file or sqlite)", st.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout); err != nil {
			add(err)
		}
		if _, err := ParseDurationField("storage.retention", st.Retention); err != nil {
			add(err)
		}
	}

	seen := make(map[string]int, len(cfg.Tasks))
	for i, tc := range cfg.Tasks {
		path := fmt.Sprintf("tasks[%d]", i)
		name := strings.TrimSpace(tc.Name)
		if name == "" {
			add(fmt.Errorf("%s.name: required", path))
		} else if prev, dup := seen[name]; dup {
			add(fmt.Errorf("%s.name: duplicate %q (also tasks[%d])", path, name, prev))
		} else {
			seen[name] = i
		}
		if _, err := scheduler.ParseKind(tc.Kind); err != nil {
			add(fmt.Errorf("%s.kind: %w", path, err))
		}
		if _, err := scheduler.ParseOverlap(tc.Overlap); err != nil {
			add(fmt.Errorf("%s.overlap: %w", path, err))
		}
		if _, err := tc.Schedule(loc); err != nil {
			add(fmt.Errorf("%s.%w", path, err))
		}
		if len(tc.Command) > 0 && strings.TrimSpace(tc.Command[0]) == "" {
			add(fmt.Errorf("%s.command: program must not be empty", path))
		}
		for j, kv := range tc.Env {
			if k, _, ok := strings.Cut(kv, "="); !ok || strings.TrimSpace(k) == "" {
				add(fmt.Errorf("%s.env[%d]: expected KEY=VALUE, got %q", path, j, kv))
			}
		}
	}

	return errors.Join(errs...)
}
