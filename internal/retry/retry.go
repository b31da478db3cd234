// Package retry provides exponential backoff retry logic for protected calls.
package retry

import (
	"context"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"k8s.io/utils/clock"

	perrors "github.com/p-blackswan/storefront-guard/internal/errors"
)

// Config holds retry configuration.
type Config struct {
	// MaxAttempts is the total number of calls, including the first one.
	MaxAttempts int
	// BaseDelay is the wait before the second attempt; each later wait doubles.
	BaseDelay time.Duration
	// MaxDelay caps a single wait. Zero means uncapped.
	MaxDelay time.Duration
	Jitter   bool

	// ShouldRetry reports whether a failed attempt may be retried.
	// Defaults to errors.IsRetryable.
	ShouldRetry func(err error) bool
	// OnRetry runs before waiting for attempt n (n >= 2).
	OnRetry func(attempt int, delay time.Duration, err error)
	// Clock drives the waits. Defaults to the real clock.
	Clock clock.Clock
}

// DefaultConfig returns sensible retry defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Jitter:      true,
	}
}

// backOff builds the wait schedule: BaseDelay before attempt 2, then
// BaseDelay*2^(n-2) before attempt n.
func (c Config) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	if c.Jitter {
		b.RandomizationFactor = 0.5
	}
	b.MaxInterval = time.Duration(math.MaxInt64)
	if c.MaxDelay > 0 {
		b.MaxInterval = c.MaxDelay
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Delays returns the waits Do would use between attempts, without jitter.
func Delays(cfg Config) []time.Duration {
	cfg.Jitter = false
	b := cfg.backOff()
	if cfg.MaxAttempts < 2 {
		return nil
	}
	out := make([]time.Duration, 0, cfg.MaxAttempts-1)
	for i := 1; i < cfg.MaxAttempts; i++ {
		out = append(out, b.NextBackOff())
	}
	return out
}

// Do executes fn with exponential backoff. Only retries if ShouldRetry
// accepts the error. The last error is returned unchanged.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = perrors.IsRetryable
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	b := cfg.backOff()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !shouldRetry(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, delay, lastErr)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clk.After(delay):
		}
	}
	return lastErr
}
