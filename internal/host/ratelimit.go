package host

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Defaults for the per-instance log limiter.
const (
	DefaultLogRate  = 20 // lines per second
	DefaultLogBurst = 40
)

// logLimiter rate-limits the log primitive per card instance and counts
// the lines it drops.
type logLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	now      func() time.Time
	limiters map[string]*rate.Limiter
	dropped  map[string]int64
}

func newLogLimiter(perSecond float64, burst int, now func() time.Time) *logLimiter {
	return &logLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		now:      now,
		limiters: make(map[string]*rate.Limiter),
		dropped:  make(map[string]int64),
	}
}

// allow reports whether instance may log another line now.
func (l *logLimiter) allow(instance string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[instance]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[instance] = lim
	}
	if lim.AllowN(l.now(), 1) {
		return true
	}
	l.dropped[instance]++
	return false
}

// Dropped returns how many log lines instance has lost to the limiter.
func (l *logLimiter) Dropped(instance string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped[instance]
}

// forget releases the limiter of a removed instance.
func (l *logLimiter) forget(instance string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, instance)
	delete(l.dropped, instance)
}
