package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hubfetch/hubfetch/internal/hub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelay_MonotonicUntilCap(t *testing.T) {
	p := Policy{
		MaxAttempts: 10,
		BaseDelay:   100 * time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    10 * time.Second,
		Jitter:      false,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{7, 10 * time.Second}, // 12.8s capped
		{8, 10 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestDelay_JitterRange(t *testing.T) {
	p := Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2.0,
		MaxDelay:    time.Minute,
		Jitter:      true,
	}

	for i := 0; i < 100; i++ {
		d := p.Delay(0)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, time.Second)
	}
}

func TestDelayAfter_RetryAfterOverride(t *testing.T) {
	p := Policy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    10 * time.Second,
		Jitter:      false,
	}

	tests := []struct {
		name string
		err  error
		want time.Duration
	}{
		{
			"larger retry-after wins",
			&hub.RateLimitedError{RetryAfter: 5 * time.Second},
			5 * time.Second,
		},
		{
			"smaller retry-after is ignored",
			&hub.RateLimitedError{RetryAfter: time.Millisecond},
			100 * time.Millisecond,
		},
		{
			"no retry-after keeps computed delay",
			&hub.ServerError{StatusCode: 500, Status: "500 Internal Server Error"},
			100 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.DelayAfter(0, tt.err))
		})
	}
}

func TestDo_SucceedsAfterRetryableFailures(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2.0, MaxDelay: time.Second}

	calls := 0

	err := p.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &hub.NetworkError{Operation: "op", Err: errors.New("connection reset")}
		}

		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_FatalNotRetried(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, Multiplier: 2.0, MaxDelay: time.Second}

	calls := 0
	fatal := &hub.NotFoundError{URL: "http://host/repo/resolve/main/missing.bin"}

	err := p.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++

		return fatal
	})

	assert.Equal(t, 1, calls)

	var notFound *hub.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestDo_BudgetExhaustedSurfacesLastError(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2.0, MaxDelay: time.Second}

	calls := 0

	err := p.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++

		return &hub.ServerError{StatusCode: 503, Status: "503 Service Unavailable"}
	})

	assert.Equal(t, 3, calls)

	var serverErr *hub.ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, 503, serverErr.StatusCode)
}

func TestDo_CancelledBetweenAttempts(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: time.Hour, Multiplier: 2.0, MaxDelay: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())

	calls := 0

	go func() {
		// Cancel while Do sleeps out the first backoff.
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := p.Do(ctx, "op", func(ctx context.Context) error {
		calls++

		return &hub.TimeoutError{Operation: "op", Err: errors.New("deadline")}
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
