package scheduler

import (
	"context"
	"sync"
	"time"
)

// RateLimiter enforces a global minimum spacing between individual scrape
// requests. Callers that arrive early are queued (each reserves the next free
// slot and sleeps until it), never dropped. Safe for concurrent use across
// all of a cycle's workers.
type RateLimiter struct {
	mu         sync.Mutex
	minSpacing time.Duration
	nextSlot   time.Time

	now func() time.Time // overridable in tests
}

// NewRateLimiter creates a limiter with the given minimum spacing. A
// non-positive spacing disables limiting.
func NewRateLimiter(minSpacing time.Duration) *RateLimiter {
	return &RateLimiter{
		minSpacing: minSpacing,
		now:        time.Now,
	}
}

// Wait blocks until the caller may issue its request, or until the context is
// cancelled. The reservation is made before sleeping, so concurrent callers
// serialize onto evenly spaced slots.
func (l *RateLimiter) Wait(ctx context.Context) error {
	if l == nil || l.minSpacing <= 0 {
		return nil
	}

	l.mu.Lock()
	now := l.now()
	slot := l.nextSlot
	if slot.Before(now) {
		slot = now
	}
	l.nextSlot = slot.Add(l.minSpacing)
	l.mu.Unlock()

	delay := slot.Sub(now)
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
