package retry

import (
	"context"
	"math"
	"time"

	"github.com/babelcloud/gboxctl/pkg/logger"
)

// Policy defines how to retry failed operations. Delays are deterministic:
// initialDelay * multiplier^attempt, capped at maxDelay.
type Policy struct {
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
	logger       *logger.Logger
	sleep        func(ctx context.Context, d time.Duration) error
}

// Option configures retry behavior
type Option func(*Policy)

// WithMaxAttempts sets maximum attempts. Zero or less retries until the context ends.
func WithMaxAttempts(n int) Option {
	return func(p *Policy) {
		p.maxAttempts = n
	}
}

// WithInitialDelay sets the initial retry delay
func WithInitialDelay(d time.Duration) Option {
	return func(p *Policy) {
		p.initialDelay = d
	}
}

// WithMaxDelay sets the maximum retry delay
func WithMaxDelay(d time.Duration) Option {
	return func(p *Policy) {
		p.maxDelay = d
	}
}

// WithMultiplier sets the backoff multiplier
func WithMultiplier(m float64) Option {
	return func(p *Policy) {
		p.multiplier = m
	}
}

// WithLogger adds logging to retry attempts
func WithLogger(l *logger.Logger) Option {
	return func(p *Policy) {
		p.logger = l
	}
}

// WithSleep replaces the wait between attempts, used by tests to skip real delays
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Policy) {
		p.sleep = sleep
	}
}

// NewPolicy creates a new retry policy
func NewPolicy(opts ...Option) *Policy {
	p := &Policy{
		maxAttempts:  3,
		initialDelay: time.Second,
		maxDelay:     30 * time.Second,
		multiplier:   2.0,
		logger:       logger.Discard(),
		sleep:        Sleep,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// MaxAttempts returns the configured attempt bound
func (p *Policy) MaxAttempts() int {
	return p.maxAttempts
}

// Execute runs fn until it succeeds, attempts run out, or ctx ends.
// fn receives the 1-based attempt number. The last error is returned.
func (p *Policy) Execute(ctx context.Context, fn func(attempt int) error) error {
	var lastErr error

	for attempt := 0; p.maxAttempts <= 0 || attempt < p.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			if lastErr != nil {
				return lastErr
			}
			return ctx.Err()
		}

		err := fn(attempt + 1)
		if err == nil {
			if attempt > 0 {
				p.logger.Debug("operation succeeded on attempt %d", attempt+1)
			}
			return nil
		}
		lastErr = err

		// Don't delay after the last attempt
		if p.maxAttempts > 0 && attempt == p.maxAttempts-1 {
			break
		}

		delay := p.Delay(attempt)
		p.logger.Debug("attempt %d failed, retrying in %s: %v", attempt+1, delay, err)

		if err := p.sleep(ctx, delay); err != nil {
			return lastErr
		}
	}

	return lastErr
}

// Delay returns the wait after the given 0-based attempt
func (p *Policy) Delay(attempt int) time.Duration {
	delay := float64(p.initialDelay) * math.Pow(p.multiplier, float64(attempt))
	if p.maxDelay > 0 && delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	return time.Duration(delay)
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
