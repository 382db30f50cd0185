package broker

import (
	"context"
	"sync"
	"time"
)

const (
	minCallInterval     = 500 * time.Millisecond
	maxCallInterval     = 5 * time.Second
	initialCallInterval = 330 * time.Millisecond
	successDecay        = 0.95
	throttlePenalty     = 1.5
)

// AdaptiveLimiter spaces outbound REST calls. The interval shrinks 5% on
// every success and grows 50% on every 429, clamped to [min, max]. One
// limiter instance is shared by all REST traffic.
type AdaptiveLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	lastCall time.Time
}

// NewAdaptiveLimiter returns a limiter at the initial interval.
func NewAdaptiveLimiter() *AdaptiveLimiter {
	return &AdaptiveLimiter{interval: initialCallInterval}
}

// Wait blocks until the current interval has elapsed since the previous
// call, or ctx is done.
func (l *AdaptiveLimiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	wait := l.interval - time.Since(l.lastCall)
	if wait < 0 {
		wait = 0
	}
	// Reserve the slot before sleeping so concurrent callers queue up
	// behind each other instead of stampeding.
	l.lastCall = time.Now().Add(wait)
	l.mu.Unlock()

	if wait == 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReportSuccess decays the interval toward the floor.
func (l *AdaptiveLimiter) ReportSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.interval = time.Duration(float64(l.interval) * successDecay)
	if l.interval < minCallInterval {
		l.interval = minCallInterval
	}
}

// ReportThrottle widens the interval after a 429 and returns the new
// interval for logging.
func (l *AdaptiveLimiter) ReportThrottle() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.interval = time.Duration(float64(l.interval) * throttlePenalty)
	if l.interval > maxCallInterval {
		l.interval = maxCallInterval
	}
	return l.interval
}

// Interval returns the current spacing.
func (l *AdaptiveLimiter) Interval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.interval
}
