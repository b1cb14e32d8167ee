package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordSleeps(delays *[]time.Duration) Option {
	return WithSleep(func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	})
}

func TestPolicyExecute(t *testing.T) {
	t.Run("succeeds first try", func(t *testing.T) {
		var delays []time.Duration
		p := NewPolicy(recordSleeps(&delays))

		calls := 0
		err := p.Execute(context.Background(), func(int) error {
			calls++
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, 1, calls)
		assert.Empty(t, delays)
	})

	t.Run("retries with exponential backoff then gives up", func(t *testing.T) {
		// Arrange
		var delays []time.Duration
		p := NewPolicy(WithMaxAttempts(3), WithInitialDelay(time.Second), recordSleeps(&delays))
		boom := errors.New("registry unavailable")

		// Act
		var attempts []int
		err := p.Execute(context.Background(), func(n int) error {
			attempts = append(attempts, n)
			return boom
		})

		// Assert
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, []int{1, 2, 3}, attempts)
		assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)
	})

	t.Run("succeeds after failure", func(t *testing.T) {
		var delays []time.Duration
		p := NewPolicy(recordSleeps(&delays))

		err := p.Execute(context.Background(), func(n int) error {
			if n < 2 {
				return errors.New("temporary")
			}
			return nil
		})

		require.NoError(t, err)
		assert.Len(t, delays, 1)
	})

	t.Run("stops when context is cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		boom := errors.New("fail")
		p := NewPolicy(WithMaxAttempts(0), WithSleep(func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		}))

		calls := 0
		err := p.Execute(ctx, func(int) error {
			calls++
			return boom
		})

		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, calls)
	})
}

func TestPolicyDelayCap(t *testing.T) {
	p := NewPolicy(WithInitialDelay(100*time.Millisecond), WithMaxDelay(1600*time.Millisecond))

	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
	assert.Equal(t, 400*time.Millisecond, p.Delay(2))
	assert.Equal(t, 1600*time.Millisecond, p.Delay(4))
	assert.Equal(t, 1600*time.Millisecond, p.Delay(9))
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Sleep(ctx, time.Minute)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}
