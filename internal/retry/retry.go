// Package retry implements attempt classification and exponential backoff
// for transfers against the content host.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/hubfetch/hubfetch/internal/hub"
	"github.com/hubfetch/hubfetch/internal/logctx"
)

// Policy computes backoff delays and drives the retry loop. The zero value is
// not usable; construct with DefaultPolicy and override fields as needed.
type Policy struct {
	// MaxAttempts is the total attempt budget, including the first try.
	MaxAttempts int

	// BaseDelay is the delay before the second attempt.
	BaseDelay time.Duration

	// Multiplier grows the delay per attempt.
	Multiplier float64

	// MaxDelay caps the computed delay.
	MaxDelay time.Duration

	// Jitter scales each delay by a uniform factor in [0.5, 1.0].
	Jitter bool
}

// DefaultPolicy matches the configuration surface defaults: 3 attempts,
// 500ms base, doubling, capped at 30s, with jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    30 * time.Second,
		Jitter:      true,
	}
}

// Delay computes the backoff for a 0-based attempt index:
// min(MaxDelay, BaseDelay * Multiplier^attempt), jitter-scaled when enabled.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if capped := float64(p.MaxDelay); delay > capped {
		delay = capped
	}

	if p.Jitter {
		delay *= 0.5 + rand.Float64()*0.5
	}

	return time.Duration(delay)
}

// DelayAfter computes the backoff for an attempt that failed with err. A
// host-provided Retry-After overrides the computed delay when it is larger.
func (p Policy) DelayAfter(attempt int, err error) time.Duration {
	delay := p.Delay(attempt)

	if retryAfter, ok := hub.RetryAfter(err); ok && retryAfter > delay {
		delay = retryAfter
	}

	return delay
}

// Do runs fn until it succeeds, fails fatally, or the attempt budget runs
// out. Fatal classifications are never retried; the last error is surfaced
// when the budget is exhausted. The backoff sleep honors ctx.
func (p Policy) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	logger := logctx.LoggerFromContext(ctx)

	var lastErr error

	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if !hub.Retryable(lastErr) {
			return lastErr
		}

		if attempt == p.MaxAttempts-1 {
			break
		}

		delay := p.DelayAfter(attempt, lastErr)

		logger.Warn("retrying after recoverable failure",
			"operation", operation,
			"attempt", attempt+1,
			"max_attempts", p.MaxAttempts,
			"delay", delay.String(),
			"err", lastErr)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()

			return ctx.Err()
		case <-timer.C:
		}
	}

	return lastErr
}
