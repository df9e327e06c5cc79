package logging

import "time"

// Limiter lets a log line through at most once per interval.
// It is not safe for concurrent use; each owner keeps its own.
type Limiter struct {
	interval   time.Duration
	last       time.Time
	suppressed uint64
}

// NewLimiter creates a limiter with the given window
func NewLimiter(interval time.Duration) *Limiter {
	return &Limiter{interval: interval}
}

// Allow reports whether a line may be logged at time now. When it returns true
// it also returns how many lines were suppressed since the previous one.
func (l *Limiter) Allow(now time.Time) (bool, uint64) {
	if !l.last.IsZero() && now.Sub(l.last) < l.interval {
		l.suppressed++
		return false, 0
	}
	l.last = now
	suppressed := l.suppressed
	l.suppressed = 0
	return true, suppressed
}

// Reset forgets the last emission so the next call is allowed
func (l *Limiter) Reset() {
	l.last = time.Time{}
	l.suppressed = 0
}
