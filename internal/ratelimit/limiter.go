// Package ratelimit paces transaction submissions to a fixed rate.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Limiter hands out permits at most once per interval. It never bursts: a
// caller that falls behind schedule proceeds at once, but the schedule
// itself only advances one interval per permit.
type Limiter struct {
	mu       sync.Mutex
	next     time.Time
	interval time.Duration
}

// New creates a Limiter issuing perSecond permits per second.
func New(perSecond float64) (*Limiter, error) {
	if perSecond <= 0 {
		return nil, fmt.Errorf("rate must be positive, got %v", perSecond)
	}
	return &Limiter{
		next:     time.Now(),
		interval: time.Duration(float64(time.Second) / perSecond),
	}, nil
}

// Interval returns the spacing between permits.
func (l *Limiter) Interval() time.Duration {
	return l.interval
}

// Wait blocks until the caller's permit time or until ctx is done. A
// cancelled wait gives its slot back when no later permit was taken.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	now := time.Now()
	if l.next.Before(now) {
		l.next = now
	}
	permit := l.next
	l.next = permit.Add(l.interval)
	l.mu.Unlock()

	wait := time.Until(permit)
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		if l.next.Equal(permit.Add(l.interval)) {
			l.next = permit
		}
		l.mu.Unlock()
		return ctx.Err()
	}
}
