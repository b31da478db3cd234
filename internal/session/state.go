package session

import (
	"context"
	"fmt"
	"time"

	"github.com/p-blackswan/storefront-guard/internal/metrics"
)

// Phase is the idle monitor's state.
type Phase int

const (
	// PhaseIdle means no identity is attached and no timers run.
	PhaseIdle Phase = iota
	// PhaseActive is the normal state of an attached session.
	PhaseActive
	// PhaseWarning means the warning window has started.
	PhaseWarning
	// PhaseExpired is terminal until the next Attach.
	PhaseExpired
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseActive:
		return "active"
	case PhaseWarning:
		return "warning"
	case PhaseExpired:
		return "expired"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// armed reports whether the phase holds a live session.
func (p Phase) armed() bool {
	return p == PhaseActive || p == PhaseWarning
}

// Reason says why a logout happened.
type Reason string

const (
	ReasonIdle     Reason = "idle"
	ReasonExplicit Reason = "explicit"
)

// State is a point-in-time view of a monitor.
type State struct {
	Identity         string     `json:"identity,omitempty"`
	Phase            Phase      `json:"phase"`
	WarningDeadline  *time.Time `json:"warning_deadline,omitempty"`
	SecondsRemaining int        `json:"seconds_remaining"`
	LogoutInFlight   bool       `json:"-"`
}

// LogoutFunc is the host's logout side effect. It runs at most once per
// expiry and must not block for long.
type LogoutFunc func(identity string, reason Reason)

// Notifier receives user-facing session notifications.
type Notifier interface {
	// Warning fires once when the warning window starts.
	Warning(identity string, secondsRemaining int)
	// Countdown fires on every tick of the warning countdown.
	Countdown(identity string, secondsRemaining int)
	// Expired fires after an idle logout, never after an explicit one.
	Expired(identity string)
}

// ScopeClearer removes persisted data owned by an identity.
type ScopeClearer interface {
	ClearScope(ctx context.Context, scope string) (int, error)
}

// Hooks are the monitor's collaborators. All fields are optional.
type Hooks struct {
	Logout   LogoutFunc
	Notifier Notifier
	Store    ScopeClearer
	Metrics  *metrics.Metrics
}
