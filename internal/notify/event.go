// Package notify delivers session and rate-limit notifications to shoppers'
// browsers over websockets, audits admin session expiries to Slack and
// reports logouts to the storefront backend.
package notify

import "time"

// Event types pushed to clients.
const (
	EventWarning     = "session.warning"
	EventCountdown   = "session.countdown"
	EventExpired     = "session.expired"
	EventRateLimited = "governor.rate_limited"
)

// Event is one notification as sent over the wire.
type Event struct {
	Type             string    `json:"type"`
	SecondsRemaining int       `json:"seconds_remaining,omitempty"`
	CallSite         string    `json:"call_site,omitempty"`
	Hint             string    `json:"hint,omitempty"`
	At               time.Time `json:"at"`
}

// clientMessage is what browsers may send back.
type clientMessage struct {
	Type string `json:"type"`
}

const clientActivity = "activity"
