package schedule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"tasksched/internal/clock"
)

var (
	reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)
	reTOD  = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})(?::(\d{2}))?\s*$`)

	// dowParser accepts only the day-of-week field of a cron expression
	// ("mon-fri", "1,3,5", "*", "sat,sun").
	dowParser = cron.NewParser(cron.Dow)
)

// ParseInterval parses a recurring interval.
//
// Supported forms:
//   - Go duration: "90s", "55m", "2h30m"
//   - HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//   - Cron descriptor: "@every 5m"
//
// "0s" is accepted and means "every tick".
func ParseInterval(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("interval required")
	}
	if strings.HasPrefix(s, "@") {
		sched, err := cron.ParseStandard(s)
		if err != nil {
			return 0, fmt.Errorf("invalid interval %q: %w", raw, err)
		}
		cd, ok := sched.(cron.ConstantDelaySchedule)
		if !ok {
			return 0, fmt.Errorf("invalid interval %q: only @every descriptors are supported", raw)
		}
		return cd.Delay, nil
	}
	if reHHMM.MatchString(s) {
		return parseHHMMDuration(s)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("interval must be >= 0")
	}
	return d, nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	return time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute, nil
}

// ParseDays parses a cron day-of-week field into a weekday set.
func ParseDays(raw string) (WeekdaySet, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("days required")
	}
	if strings.ContainsAny(s, " \t") {
		return 0, fmt.Errorf("invalid days %q: use a single cron day-of-week field like 'mon-fri'", raw)
	}
	sched, err := dowParser.Parse(s)
	if err != nil {
		return 0, fmt.Errorf("invalid days %q: %w", raw, err)
	}
	spec, ok := sched.(*cron.SpecSchedule)
	if !ok {
		return 0, fmt.Errorf("invalid days %q", raw)
	}
	var set WeekdaySet
	for d := time.Sunday; d <= time.Saturday; d++ {
		if spec.Dow&(1<<uint(d)) != 0 {
			set |= 1 << uint(d)
		}
	}
	if set == 0 {
		return 0, fmt.Errorf("invalid days %q: empty set", raw)
	}
	return set, nil
}

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS".
func ParseTimeOfDay(raw string) (clock.TimeOfDay, error) {
	m := reTOD.FindStringSubmatch(raw)
	if m == nil {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM or HH:MM:SS", raw)
	}
	h, _ := strconv.Atoi(m[1])
	mi, _ := strconv.Atoi(m[2])
	sec := 0
	if m[3] != "" {
		sec, _ = strconv.Atoi(m[3])
	}
	if h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", raw)
	}
	if mi > 59 {
		return 0, fmt.Errorf("invalid minute in %q", raw)
	}
	if sec > 59 {
		return 0, fmt.Errorf("invalid second in %q", raw)
	}
	return clock.NewTimeOfDay(h, mi, sec), nil
}

// ParseHours parses a time-of-day window "08:00-18:00". An inverted window is
// accepted; it evaluates as Malformed.
func ParseHours(raw string) (HourRange, error) {
	from, to, ok := strings.Cut(strings.TrimSpace(raw), "-")
	if !ok {
		return HourRange{}, fmt.Errorf("invalid hours %q, expected HH:MM-HH:MM", raw)
	}
	f, err := ParseTimeOfDay(from)
	if err != nil {
		return HourRange{}, err
	}
	t, err := ParseTimeOfDay(to)
	if err != nil {
		return HourRange{}, err
	}
	return HourRange{From: f, To: t}, nil
}

var momentLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseMoment parses an instant. RFC3339 values carry their own offset;
// the other layouts are read in loc (time.Local when nil).
func ParseMoment(raw string, loc *time.Location) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, fmt.Errorf("time required")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if loc == nil {
		loc = time.Local
	}
	for _, layout := range momentLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q (use RFC3339 or 'YYYY-MM-DD[ HH:MM[:SS]]')", raw)
}
