package governor

import (
	"fmt"
	"time"

	"k8s.io/utils/clock"

	perrors "github.com/p-blackswan/storefront-guard/internal/errors"
)

// Defaults used when a call site has no policy of its own.
const (
	DefaultMaxRetries     = 3
	DefaultRetryDelayBase = time.Second
)

// Config controls one governed call site.
type Config struct {
	// Debounce is the trailing-edge window. Zero disables debouncing.
	Debounce time.Duration
	// MaxRetries is the total number of attempts, including the first.
	MaxRetries int
	// RetryDelayBase is the wait before the second attempt. Each later wait
	// doubles, and a rate-limit cooldown lasts twice this long.
	RetryDelayBase time.Duration
	// MaxDelay caps a single backoff wait. Zero means uncapped.
	MaxDelay time.Duration
	// Jitter randomises backoff waits by ±50%.
	Jitter bool

	// Classifier detects rate limiting. Defaults to errors.DefaultClassifier.
	Classifier perrors.Classifier
	// Notifier is told when the call site starts cooling down.
	Notifier RateLimitNotifier
	// Clock schedules debounce, cooldown and backoff timers.
	Clock clock.WithDelayedExecution
}

// DefaultConfig returns the defaults with no debounce.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     DefaultMaxRetries,
		RetryDelayBase: DefaultRetryDelayBase,
	}
}

// Validate rejects nonsensical settings.
func (c Config) Validate() error {
	if c.Debounce < 0 {
		return fmt.Errorf("%w: negative debounce %s", ErrInvalidConfig, c.Debounce)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("%w: max retries must be at least 1, got %d", ErrInvalidConfig, c.MaxRetries)
	}
	if c.RetryDelayBase <= 0 {
		return fmt.Errorf("%w: retry delay base must be positive", ErrInvalidConfig)
	}
	if c.MaxDelay < 0 {
		return fmt.Errorf("%w: negative max delay", ErrInvalidConfig)
	}
	return nil
}

// Cooldown is how long a call site refuses calls after being rate limited.
func (c Config) Cooldown() time.Duration {
	return 2 * c.RetryDelayBase
}

func (c Config) clock() clock.WithDelayedExecution {
	if c.Clock == nil {
		return clock.RealClock{}
	}
	return c.Clock
}

func (c Config) classifier() perrors.Classifier {
	if c.Classifier == nil {
		return perrors.DefaultClassifier()
	}
	return c.Classifier
}
