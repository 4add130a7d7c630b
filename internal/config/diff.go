package config

import (
	"reflect"
	"sort"
	"strings"

	logx "tasksched/pkg/logx"
)

// SummarizeConfigChange returns the changed sections, structured attrs for
// logging, and the names of tasks that were added, removed or edited.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oSch, nSch := oldCfg.Scheduler, newCfg.Scheduler
	if oSch.IsEnabled() != nSch.IsEnabled() ||
		strings.TrimSpace(oSch.Tick) != strings.TrimSpace(nSch.Tick) ||
		strings.TrimSpace(oSch.Timezone) != strings.TrimSpace(nSch.Timezone) ||
		strings.TrimSpace(oSch.Overlap) != strings.TrimSpace(nSch.Overlap) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", nSch.IsEnabled()),
			logx.String("scheduler.tick", strings.TrimSpace(nSch.Tick)),
			logx.String("scheduler.timezone", strings.TrimSpace(nSch.Timezone)),
			logx.String("scheduler.overlap", strings.TrimSpace(nSch.Overlap)),
		)
	}

	oTE, nTE := derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)
	if oTE != nTE {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.Int("task_engine.history_size", nTE.HistorySize),
		)
	}

	oS, nS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.String("storage.retention", strings.TrimSpace(nS.Retention)),
		)
	}

	tasks := diffTasks(oldCfg, newCfg)
	if len(tasks) > 0 {
		changed = append(changed, "tasks")
		attrs = append(attrs,
			logx.Int("tasks.changed_count", len(tasks)),
			logx.Int("tasks.count", len(newCfg.Tasks)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, tasks
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

func derefStorage(sc *StorageConfig) StorageConfig {
	if sc == nil {
		return StorageConfig{}
	}
	return *sc
}

// diffTasks compares task fingerprints by name.
func diffTasks(oldCfg, newCfg *Config) []string {
	oldM := make(map[string]uint64, len(oldCfg.Tasks))
	for _, tc := range oldCfg.Tasks {
		oldM[strings.TrimSpace(tc.Name)] = oldCfg.Fingerprint(tc)
	}
	newM := make(map[string]uint64, len(newCfg.Tasks))
	for _, tc := range newCfg.Tasks {
		newM[strings.TrimSpace(tc.Name)] = newCfg.Fingerprint(tc)
	}

	out := make([]string, 0)
	for name, h := range newM {
		if oh, ok := oldM[name]; !ok || oh != h {
			out = append(out, name)
		}
	}
	for name := range oldM {
		if _, ok := newM[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
