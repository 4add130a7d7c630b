package logx

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle bounds how often a repeating log line is emitted per key.
//
// Zero value is not usable; create with NewThrottle.
type Throttle struct {
	every time.Duration

	mu   sync.Mutex
	keys map[string]*rate.Limiter
}

func NewThrottle(every time.Duration) *Throttle {
	if every <= 0 {
		every = 5 * time.Second
	}
	return &Throttle{every: every, keys: map[string]*rate.Limiter{}}
}

// Allow reports whether a line for key may be written now.
func (t *Throttle) Allow(key string) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	lim := t.keys[key]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(t.every), 1)
		t.keys[key] = lim
	}
	t.mu.Unlock()
	return lim.Allow()
}

// Forget drops the limiter for key (e.g. when a task is removed).
func (t *Throttle) Forget(key string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	delete(t.keys, key)
	t.mu.Unlock()
}
