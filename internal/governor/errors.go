package governor

import "errors"

var (
	// ErrInvalidConfig is returned by New for unusable settings.
	ErrInvalidConfig = errors.New("invalid governor config")
	// ErrDisposed is returned for calls made after, or cut short by, Dispose.
	ErrDisposed = errors.New("governor disposed")
	// ErrSuperseded is returned by Do when a later call replaced this one
	// inside the debounce window. It is not a failure: the later call runs
	// instead.
	ErrSuperseded = errors.New("call superseded by a later call")
)
