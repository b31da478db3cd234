package session

import "errors"

var (
	// ErrInvalidConfig is returned for inconsistent window settings.
	ErrInvalidConfig = errors.New("invalid session monitor config")
	// ErrNotWarning is returned by Extend outside the warning period.
	ErrNotWarning = errors.New("session is not in the warning period")
	// ErrDisposed is returned by operations on a disposed monitor.
	ErrDisposed = errors.New("session monitor disposed")
	// ErrNoTimers means the clock could not schedule a callback.
	ErrNoTimers = errors.New("timer scheduling unavailable")
	// ErrNoIdentity is returned when an identity is required but empty.
	ErrNoIdentity = errors.New("identity is required")
	// ErrUnknownIdentity is returned by the registry for identities it does not track.
	ErrUnknownIdentity = errors.New("no session monitor for identity")
)
