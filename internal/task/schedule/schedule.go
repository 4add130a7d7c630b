// Package schedule describes when a task may run.
//
// A Schedule is either one-shot (At) or recurring (Every). Recurring schedules
// can be narrowed by weekday, by date range and by a time-of-day window; a
// constraint that is not set never blocks a run.
//
// Schedules are immutable values. The last run moment belongs to the task that
// owns the schedule and is passed into Evaluate.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"tasksched/internal/clock"
)

// Kind is the schedule variant.
type Kind int8

const (
	// Recurring repeats on an interval.
	Recurring Kind = 0
	// OneShot runs once at (or after) a target moment.
	OneShot Kind = 1
)

func (k Kind) String() string {
	switch k {
	case Recurring:
		return "recurring"
	case OneShot:
		return "oneshot"
	default:
		return fmt.Sprintf("kind(%d)", int8(k))
	}
}

// Verdict is the outcome of evaluating a schedule at a moment.
type Verdict int8

const (
	Due Verdict = iota
	// NotYet: one-shot target not reached.
	NotYet
	// Throttled: interval since the last run has not elapsed.
	Throttled
	WrongDay
	OutsideDates
	OutsideHours
	// Malformed: an inverted date range or time window; never due.
	Malformed
)

var verdictNames = [...]string{
	Due:          "due",
	NotYet:       "not_yet",
	Throttled:    "throttled",
	WrongDay:     "wrong_day",
	OutsideDates: "outside_dates",
	OutsideHours: "outside_hours",
	Malformed:    "malformed",
}

func (v Verdict) String() string {
	if int(v) >= 0 && int(v) < len(verdictNames) {
		return verdictNames[v]
	}
	return fmt.Sprintf("verdict(%d)", int8(v))
}

// DateRange bounds the active period. A nil bound is open.
type DateRange struct {
	Start *time.Time
	End   *time.Time
}

// HourRange is an inclusive time-of-day window.
type HourRange struct {
	From clock.TimeOfDay
	To   clock.TimeOfDay
}

// Schedule is the plan for one task.
type Schedule struct {
	kind Kind

	at       clock.Moment
	interval time.Duration

	days  *WeekdaySet
	dates *DateRange
	hours *HourRange
}

// At returns a one-shot schedule firing at t.
func At(t time.Time) Schedule {
	return Schedule{kind: OneShot, at: clock.MomentOf(t)}
}

// Every returns a recurring schedule with minimum spacing d between runs.
// d <= 0 means no throttling: the task is eligible on every tick.
func Every(d time.Duration, opts ...Option) Schedule {
	if d < 0 {
		d = 0
	}
	s := Schedule{kind: Recurring, interval: d}
	for _, o := range opts {
		if o != nil {
			o(&s)
		}
	}
	return s
}

// Option narrows a recurring schedule.
type Option func(*Schedule)

// OnDays restricts runs to the given weekdays.
func OnDays(days ...time.Weekday) Option {
	return func(s *Schedule) {
		set := NewWeekdaySet(days...)
		s.days = &set
	}
}

// OnWeekdays is OnDays with a prepared set.
func OnWeekdays(set WeekdaySet) Option {
	return func(s *Schedule) { s.days = &set }
}

// Between restricts runs to [start, end], both inclusive.
func Between(start, end time.Time) Option {
	return func(s *Schedule) {
		s.dates = &DateRange{Start: &start, End: &end}
	}
}

// From restricts runs to start and later.
func From(start time.Time) Option {
	return func(s *Schedule) {
		if s.dates == nil {
			s.dates = &DateRange{}
		}
		s.dates.Start = &start
	}
}

// Until restricts runs to end and earlier.
func Until(end time.Time) Option {
	return func(s *Schedule) {
		if s.dates == nil {
			s.dates = &DateRange{}
		}
		s.dates.End = &end
	}
}

// During restricts runs to the time-of-day window [from, to], both inclusive.
func During(from, to clock.TimeOfDay) Option {
	return func(s *Schedule) { s.hours = &HourRange{From: from, To: to} }
}

func (s Schedule) Kind() Kind { return s.kind }
func (s Schedule) IsOneShot() bool { return s.kind == OneShot }
func (s Schedule) Interval() time.Duration { return s.interval }
func (s Schedule) Target() time.Time { return s.at.Time(nil) }
func (s Schedule) Days() (WeekdaySet, bool) { return deref(s.days) }
func (s Schedule) Dates() (DateRange, bool) { return deref(s.dates) }
func (s Schedule) Hours() (HourRange, bool) { return deref(s.hours) }

func deref[T any](p *T) (T, bool) {
	if p == nil {
		var zero T
		return zero, false
	}
	return *p, true
}

// IsDue reports whether the schedule permits a run at now.
// lastRun is nil when the task never ran.
func (s Schedule) IsDue(now time.Time, lastRun *time.Time) bool {
	return s.Evaluate(now, lastRun) == Due
}

// Evaluate explains IsDue. Constraints are checked in a fixed order and the
// first failing one is reported; malformed windows win over everything else.
func (s Schedule) Evaluate(now time.Time, lastRun *time.Time) Verdict {
	tm := clock.MomentOf(now)
	if s.kind == OneShot {
		if tm < s.at {
			return NotYet
		}
		return Due
	}

	if s.Malformed() {
		return Malformed
	}
	if lastRun != nil && s.interval > 0 {
		if tm.Sub(clock.MomentOf(*lastRun)) < s.interval {
			return Throttled
		}
	}
	if s.days != nil && !s.days.Has(clock.DayOfWeek(now)) {
		return WrongDay
	}
	if s.dates != nil {
		if s.dates.Start != nil && tm < clock.MomentOf(*s.dates.Start) {
			return OutsideDates
		}
		if s.dates.End != nil && tm > clock.MomentOf(*s.dates.End) {
			return OutsideDates
		}
	}
	if s.hours != nil {
		tt := clock.TimeOfDayOf(now)
		if tt < s.hours.From || tt > s.hours.To {
			return OutsideHours
		}
	}
	return Due
}

// Malformed reports an inverted date range or time window.
func (s Schedule) Malformed() bool {
	if s.dates != nil && s.dates.Start != nil && s.dates.End != nil &&
		clock.MomentOf(*s.dates.End) < clock.MomentOf(*s.dates.Start) {
		return true
	}
	if s.hours != nil && s.hours.To < s.hours.From {
		return true
	}
	return false
}

func (s Schedule) String() string {
	if s.kind == OneShot {
		return "at " + s.at.Time(nil).Format(time.RFC3339)
	}
	var b strings.Builder
	if s.interval > 0 {
		b.WriteString("every ")
		b.WriteString(s.interval.String())
	} else {
		b.WriteString("every tick")
	}
	if s.days != nil {
		b.WriteString(" on ")
		b.WriteString(s.days.String())
	}
	if s.dates != nil {
		if s.dates.Start != nil {
			b.WriteString(" from ")
			b.WriteString(s.dates.Start.Format(time.RFC3339))
		}
		if s.dates.End != nil {
			b.WriteString(" until ")
			b.WriteString(s.dates.End.Format(time.RFC3339))
		}
	}
	if s.hours != nil {
		b.WriteString(" during ")
		b.WriteString(s.hours.From.String())
		b.WriteString("-")
		b.WriteString(s.hours.To.String())
	}
	return b.String()
}

// WeekdaySet is a set of weekdays (bit i = time.Weekday(i)).
type WeekdaySet uint8

func NewWeekdaySet(days ...time.Weekday) WeekdaySet {
	var s WeekdaySet
	for _, d := range days {
		if d >= time.Sunday && d <= time.Saturday {
			s |= 1 << uint(d)
		}
	}
	return s
}

func (s WeekdaySet) Has(d time.Weekday) bool { return s&(1<<uint(d)) != 0 }

func (s WeekdaySet) Days() []time.Weekday {
	out := make([]time.Weekday, 0, 7)
	for d := time.Sunday; d <= time.Saturday; d++ {
		if s.Has(d) {
			out = append(out, d)
		}
	}
	return out
}

func (s WeekdaySet) String() string {
	days := s.Days()
	if len(days) == 0 {
		return "no days"
	}
	parts := make([]string, 0, len(days))
	for _, d := range days {
		parts = append(parts, strings.ToLower(d.String()[:3]))
	}
	return strings.Join(parts, ",")
}
