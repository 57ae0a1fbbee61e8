package bitbucket

import (
	"context"
	"sync"
	"time"
)

// RateLimiter spaces request grants at least one interval apart across all callers.
type RateLimiter struct {
	interval time.Duration

	mu        sync.Mutex
	lastGrant time.Time

	// Now and Sleep are injected for testability.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewRateLimiter creates a limiter for requestsPerSecond. Values <= 0 disable limiting.
func NewRateLimiter(requestsPerSecond float64) *RateLimiter {
	var interval time.Duration
	if requestsPerSecond > 0 {
		interval = time.Duration(float64(time.Second) / requestsPerSecond)
	}
	return &RateLimiter{
		interval: interval,
		Now:      time.Now,
		Sleep:    sleepContext,
	}
}

// Interval reports the enforced minimum spacing between grants.
func (l *RateLimiter) Interval() time.Duration {
	if l == nil {
		return 0
	}
	return l.interval
}

// Wait blocks until the caller may issue its request.
// The grant slot is reserved under the lock before sleeping, so concurrent
// callers line up one interval apart instead of bursting together.
func (l *RateLimiter) Wait(ctx context.Context) error {
	if l == nil || l.interval <= 0 {
		return ctx.Err()
	}

	l.mu.Lock()
	now := l.Now()
	grant := now
	if !l.lastGrant.IsZero() {
		earliest := l.lastGrant.Add(l.interval)
		if earliest.After(now) {
			grant = earliest
		}
	}
	l.lastGrant = grant
	l.mu.Unlock()

	wait := grant.Sub(now)
	if wait <= 0 {
		return ctx.Err()
	}
	return l.Sleep(ctx, wait)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
