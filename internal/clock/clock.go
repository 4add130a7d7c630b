// Package clock supplies the current moment and the calendar values derived
// from it (weekday, time of day).
//
// All due-checks compare Moments (epoch milliseconds) so monotonic clock
// readings and sub-millisecond noise never influence a verdict.
package clock

import (
	"fmt"
	"sync"
	"time"
)

// Clock supplies the current moment.
type Clock interface {
	Now() time.Time
}

// System returns the wall clock in loc. A nil loc means time.Local.
func System(loc *time.Location) Clock {
	if loc == nil {
		loc = time.Local
	}
	return systemClock{loc: loc}
}

type systemClock struct{ loc *time.Location }

func (c systemClock) Now() time.Time { return time.Now().In(c.loc) }

// Manual is a settable clock. It is safe for concurrent use.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

func NewManual(t time.Time) *Manual { return &Manual{now: t} }

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}

// Moment is a point in time as milliseconds since the Unix epoch.
type Moment int64

func MomentOf(t time.Time) Moment { return Moment(t.UnixMilli()) }

// Time converts m back to a time in loc (time.Local when nil).
func (m Moment) Time(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	return time.UnixMilli(int64(m)).In(loc)
}

// Sub returns m-o as a duration.
func (m Moment) Sub(o Moment) time.Duration { return time.Duration(m-o) * time.Millisecond }

// DayOfWeek returns the weekday of t in t's own location.
func DayOfWeek(t time.Time) time.Weekday { return t.Weekday() }

// TimeOfDay is the offset from local midnight, in milliseconds, kept at
// centisecond precision.
type TimeOfDay int32

const dayMillis = 24 * 60 * 60 * 1000

// NewTimeOfDay builds a TimeOfDay from wall clock parts. Out of range parts
// wrap within the day.
func NewTimeOfDay(hour, minute, second int) TimeOfDay {
	ms := ((hour*60+minute)*60 + second) * 1000
	ms %= dayMillis
	if ms < 0 {
		ms += dayMillis
	}
	return TimeOfDay(ms)
}

// TimeOfDayOf extracts the date-independent time of day of t in t's location.
func TimeOfDayOf(t time.Time) TimeOfDay {
	h, m, s := t.Clock()
	cs := t.Nanosecond() / int(10*time.Millisecond)
	return TimeOfDay(((h*60+m)*60+s)*1000 + cs*10)
}

func (d TimeOfDay) Hour() int   { return int(d) / 3600000 }
func (d TimeOfDay) Minute() int { return int(d) / 60000 % 60 }
func (d TimeOfDay) Second() int { return int(d) / 1000 % 60 }

func (d TimeOfDay) String() string {
	if d%1000 != 0 {
		return fmt.Sprintf("%02d:%02d:%02d.%02d", d.Hour(), d.Minute(), d.Second(), int(d)%1000/10)
	}
	if d.Second() != 0 {
		return fmt.Sprintf("%02d:%02d:%02d", d.Hour(), d.Minute(), d.Second())
	}
	return fmt.Sprintf("%02d:%02d", d.Hour(), d.Minute())
}
