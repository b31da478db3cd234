package notify

import "github.com/p-blackswan/storefront-guard/internal/session"

// Multi forwards every notification to each notifier in order.
type Multi []session.Notifier

func (m Multi) Warning(identity string, secondsRemaining int) {
	for _, n := range m {
		n.Warning(identity, secondsRemaining)
	}
}

func (m Multi) Countdown(identity string, secondsRemaining int) {
	for _, n := range m {
		n.Countdown(identity, secondsRemaining)
	}
}

func (m Multi) Expired(identity string) {
	for _, n := range m {
		n.Expired(identity)
	}
}
