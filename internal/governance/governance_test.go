package governance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func TestRetryPolicySucceedsAfterFailures(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{MaxRetries: 3, Delay: time.Millisecond})
	calls := 0
	err := rp.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errBoom
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicyExhausts(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{MaxRetries: 2, Delay: time.Millisecond})
	calls := 0
	err := rp.Do(context.Background(), func(context.Context) error {
		calls++
		return errBoom
	})
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.ErrorIs(t, err, errBoom)
}

func TestRetryPolicyStopsOnNonRetryable(t *testing.T) {
	fatal := errors.New("fatal")
	rp := NewRetryPolicy(RetryConfig{
		MaxRetries: 5,
		Delay:      time.Millisecond,
		Retryable:  func(err error) bool { return !errors.Is(err, fatal) },
	})
	calls := 0
	err := rp.Do(context.Background(), func(context.Context) error {
		calls++
		return fatal
	})
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, fatal)
	assert.NotErrorIs(t, err, ErrMaxRetriesExceeded)
}

func TestRetryPolicyHonoursContext(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{MaxRetries: 10, Delay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	err := rp.Do(ctx, func(context.Context) error {
		cancel()
		return errBoom
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, errBoom)
}

func TestBackoffIsFixedByDefault(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{MaxRetries: 3, Delay: 200 * time.Millisecond})
	for attempt := 0; attempt < 3; attempt++ {
		assert.Equal(t, 200*time.Millisecond, rp.Backoff(attempt))
	}

	grow := NewRetryPolicy(RetryConfig{MaxRetries: 3, Delay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: 300 * time.Millisecond})
	assert.Equal(t, 100*time.Millisecond, grow.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, grow.Backoff(1))
	assert.Equal(t, 300*time.Millisecond, grow.Backoff(2))
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.True(t, IsRetryableError(context.DeadlineExceeded))
	assert.True(t, IsRetryableError(errors.New("dial tcp: connection refused")))
	assert.False(t, IsRetryableError(errors.New("bad request")))
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 2, Timeout: time.Minute, MaxHalfOpenRequests: 1})
	cb.now = func() time.Time { return now }

	var transitions []CircuitBreakerState
	cb.OnStateChange(func(_, to CircuitBreakerState) { transitions = append(transitions, to) })

	fail := func(context.Context) error { return errBoom }
	ok := func(context.Context) error { return nil }
	ctx := context.Background()

	assert.ErrorIs(t, cb.ExecuteContext(ctx, fail), errBoom)
	assert.ErrorIs(t, cb.ExecuteContext(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.ExecuteContext(ctx, ok), ErrCircuitOpen)

	now = now.Add(2 * time.Minute)
	require.NoError(t, cb.ExecuteContext(ctx, ok))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, []CircuitBreakerState{StateOpen, StateHalfOpen, StateClosed}, transitions)
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, Timeout: time.Second})
	cb.now = func() time.Time { return now }
	ctx := context.Background()

	_ = cb.ExecuteContext(ctx, func(context.Context) error { return errBoom })
	now = now.Add(2 * time.Second)
	_ = cb.ExecuteContext(ctx, func(context.Context) error { return errBoom })
	assert.Equal(t, StateOpen, cb.State())
	assert.NotEmpty(t, cb.Stats().OpenUntil)

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerDisabled(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 0})
	for i := 0; i < 10; i++ {
		_ = cb.ExecuteContext(context.Background(), func(context.Context) error { return errBoom })
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestRateLimiterPerClient(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerSecond: 1, BurstSize: 2, IdleTTL: time.Minute})
	rl.now = func() time.Time { return now }

	_, ok := rl.Allow("a")
	assert.True(t, ok)
	left, ok := rl.Allow("a")
	assert.True(t, ok)
	assert.Equal(t, 0, left)
	_, ok = rl.Allow("a")
	assert.False(t, ok)

	_, ok = rl.Allow("b")
	assert.True(t, ok, "clients have separate buckets")

	now = now.Add(time.Second)
	_, ok = rl.Allow("a")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 2, rl.Sweep())
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{})
	assert.False(t, rl.Enabled())
	for i := 0; i < 1000; i++ {
		_, ok := rl.Allow("x")
		require.True(t, ok)
	}
}
