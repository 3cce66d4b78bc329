// Package ratelimit provides the token-bucket gate shared by all outbound
// requests of one client instance.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter is a token bucket with a fixed capacity and refill rate. It never
// sleeps itself: Acquire reports how long the caller must wait before
// proceeding, which keeps the limiter trivially testable.
//
// A Limiter is owned by the client handle that created it; there is no
// process-wide instance.
type Limiter struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time

	now func() time.Time // injectable clock
}

// New builds a limiter that refills ratePerSecond tokens per second up to
// capacity. The bucket starts full.
func New(ratePerSecond float64, capacity int) *Limiter {
	if ratePerSecond <= 0 {
		ratePerSecond = 1
	}

	if capacity < 1 {
		capacity = 1
	}

	l := &Limiter{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: ratePerSecond,
		now:        time.Now,
	}
	l.lastRefill = l.now()

	return l
}

// Acquire consumes one token and returns the delay the caller must observe
// before proceeding. The returned delay is zero when a full token was
// available. Acquire never fails; a deficit produces a wait, never a
// negative balance once the wait has elapsed.
func (l *Limiter) Acquire() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.refill(now)

	if l.tokens >= 1 {
		l.tokens--

		return 0
	}

	wait := time.Duration((1 - l.tokens) / l.refillRate * float64(time.Second))

	// The caller owns the refill accruing during its wait, so account for it
	// now by draining the balance and moving the refill mark past the wait.
	// This keeps the balance non-negative and prevents double-granting.
	l.tokens = 0
	l.lastRefill = now.Add(wait)

	return wait
}

// refill advances the balance for elapsed time. The refill mark can sit in
// the future when a waiter has reserved the next token; negative elapsed
// time grants nothing.
func (l *Limiter) refill(now time.Time) {
	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}

	l.lastRefill = now

	l.tokens += elapsed * l.refillRate
	if l.tokens > l.capacity {
		l.tokens = l.capacity
	}
}

// Wait acquires a token and sleeps out the required delay, honoring ctx.
func (l *Limiter) Wait(ctx context.Context) error {
	delay := l.Acquire()
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Tokens reports the current balance after refill; used by stats reporting.
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	tokens := l.tokens

	if elapsed := l.now().Sub(l.lastRefill).Seconds(); elapsed > 0 {
		tokens += elapsed * l.refillRate
	}

	if tokens > l.capacity {
		tokens = l.capacity
	}

	return tokens
}
