package session

import (
	"fmt"
	"time"

	"k8s.io/utils/clock"
)

// Default idle budget for storefront sessions.
const (
	DefaultInactivityWindow = 4 * time.Hour
	DefaultWarningWindow    = 10 * time.Minute
	DefaultLogoutCooloff    = time.Second

	countdownTick = time.Second
)

// Config holds idle monitor configuration.
type Config struct {
	// InactivityWindow is the total idle time before a forced logout.
	InactivityWindow time.Duration
	// WarningWindow is the trailing part of InactivityWindow during which
	// the user sees a countdown and may extend the session.
	WarningWindow time.Duration
	// LogoutCooloff is how long the duplicate-logout guard stays set.
	LogoutCooloff time.Duration

	// Clock schedules timers. Defaults to the real clock.
	Clock clock.WithDelayedExecution
}

// DefaultConfig returns the storefront defaults.
func DefaultConfig() Config {
	return Config{
		InactivityWindow: DefaultInactivityWindow,
		WarningWindow:    DefaultWarningWindow,
		LogoutCooloff:    DefaultLogoutCooloff,
	}
}

// Validate checks the window relationship.
func (c Config) Validate() error {
	if c.InactivityWindow <= 0 {
		return fmt.Errorf("%w: inactivity window must be positive", ErrInvalidConfig)
	}
	if c.WarningWindow < 0 || c.WarningWindow >= c.InactivityWindow {
		return fmt.Errorf("%w: warning window %s must be within inactivity window %s",
			ErrInvalidConfig, c.WarningWindow, c.InactivityWindow)
	}
	if c.LogoutCooloff < 0 {
		return fmt.Errorf("%w: logout cool-off must not be negative", ErrInvalidConfig)
	}
	return nil
}

func (c Config) warningAfter() time.Duration {
	return c.InactivityWindow - c.WarningWindow
}

func (c Config) clock() clock.WithDelayedExecution {
	if c.Clock == nil {
		return clock.RealClock{}
	}
	return c.Clock
}
