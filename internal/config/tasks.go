package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"tasksched/internal/task/schedule"
)

// Schedule builds the task's schedule, reading wall-clock values in loc.
// Errors start with the offending field name so callers can prefix the
// task path.
func (tc TaskConfig) Schedule(loc *time.Location) (schedule.Schedule, error) {
	at := strings.TrimSpace(tc.At)
	every := strings.TrimSpace(tc.Every)

	switch {
	case at != "" && every != "":
		return schedule.Schedule{}, errors.New("at: mutually exclusive with every")
	case at == "" && every == "":
		return schedule.Schedule{}, errors.New("every: required when at is not set")
	case at != "":
		if tc.Days != "" || tc.From != "" || tc.Until != "" || tc.Hours != "" {
			return schedule.Schedule{}, errors.New("at: days/from/until/hours only apply to recurring tasks")
		}
		t, err := schedule.ParseMoment(at, loc)
		if err != nil {
			return schedule.Schedule{}, fmt.Errorf("at: %w", err)
		}
		return schedule.At(t), nil
	}

	d, err := schedule.ParseInterval(every)
	if err != nil {
		return schedule.Schedule{}, fmt.Errorf("every: %w", err)
	}
	var opts []schedule.Option
	if strings.TrimSpace(tc.Days) != "" {
		set, err := schedule.ParseDays(tc.Days)
		if err != nil {
			return schedule.Schedule{}, fmt.Errorf("days: %w", err)
		}
		opts = append(opts, schedule.OnWeekdays(set))
	}
	if strings.TrimSpace(tc.From) != "" {
		t, err := schedule.ParseMoment(tc.From, loc)
		if err != nil {
			return schedule.Schedule{}, fmt.Errorf("from: %w", err)
		}
		opts = append(opts, schedule.From(t))
	}
	if strings.TrimSpace(tc.Until) != "" {
		t, err := schedule.ParseMoment(tc.Until, loc)
		if err != nil {
			return schedule.Schedule{}, fmt.Errorf("until: %w", err)
		}
		// A bare date covers the whole day.
		if isDateOnly(tc.Until) {
			t = t.AddDate(0, 0, 1).Add(-time.Millisecond)
		}
		opts = append(opts, schedule.Until(t))
	}
	if strings.TrimSpace(tc.Hours) != "" {
		hr, err := schedule.ParseHours(tc.Hours)
		if err != nil {
			return schedule.Schedule{}, fmt.Errorf("hours: %w", err)
		}
		opts = append(opts, schedule.During(hr.From, hr.To))
	}
	return schedule.Every(d, opts...), nil
}

func isDateOnly(raw string) bool {
	_, err := time.Parse(time.DateOnly, strings.TrimSpace(raw))
	return err == nil
}

// Fingerprint identifies a task definition together with the scheduler
// settings that shape the built task. Equal fingerprints mean the running
// task can be kept as is across a reload.
func (c *Config) Fingerprint(tc TaskConfig) uint64 {
	b, err := json.Marshal(struct {
		Task     TaskConfig `json:"task"`
		Timezone string     `json:"tz"`
		Overlap  string     `json:"overlap"`
	}{tc, strings.TrimSpace(c.Scheduler.Timezone), strings.TrimSpace(c.Scheduler.Overlap)})
	if err != nil {
		return 0
	}
	return hashBytes(b)
}
