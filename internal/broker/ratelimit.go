package broker

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// OrderLimiter throttles outbound order mutations (place, modify, cancel all
// share one bucket). The soft budget is 7/s with a burst of 9; the broker's
// hard limit is 9/s, so the burst never allows the hard limit to be crossed
// within a rolling second.
type OrderLimiter struct {
	limiter        *rate.Limiter
	acquireTimeout time.Duration

	mu     sync.Mutex
	window []time.Time // acquisitions in the trailing second, for monitoring
	now    func() time.Time
}

// NewOrderLimiter builds the shared token bucket.
func NewOrderLimiter(ordersPerSec float64, burst int, acquireTimeout time.Duration) *OrderLimiter {
	return &OrderLimiter{
		limiter:        rate.NewLimiter(rate.Limit(ordersPerSec), burst),
		acquireTimeout: acquireTimeout,
		now:            time.Now,
	}
}

// Acquire blocks until a token is available, the acquire timeout elapses, or
// ctx is cancelled. Timeout surfaces as ErrRateLimited.
func (l *OrderLimiter) Acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, l.acquireTimeout)
	defer cancel()

	if err := l.limiter.Wait(waitCtx); err != nil {
		// Wait refuses up front with its own error when the reservation
		// cannot complete before the deadline; only caller cancellation
		// passes through.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrRateLimited
	}

	l.mu.Lock()
	now := l.now()
	l.window = append(l.window, now)
	l.trimLocked(now)
	l.mu.Unlock()
	return nil
}

// RatePerSecond returns the number of tokens acquired in the trailing second.
// The monitoring layer warns at sustained >=7 and alerts critical at >=9.
func (l *OrderLimiter) RatePerSecond() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.trimLocked(l.now())
	return len(l.window)
}

func (l *OrderLimiter) trimLocked(now time.Time) {
	cutoff := now.Add(-time.Second)
	i := 0
	for i < len(l.window) && l.window[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		l.window = append(l.window[:0], l.window[i:]...)
	}
}
