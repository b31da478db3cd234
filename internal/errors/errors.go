// Package errors provides structured error types for storefront-guard.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Sentinel errors for common failure modes.
var (
	ErrTimeout      = errors.New("operation timed out")
	ErrAuthFailure  = errors.New("authentication failed")
	ErrRateLimit    = errors.New("rate limit exceeded")
	ErrNotFound     = errors.New("resource not found")
	ErrDenied       = errors.New("access denied")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnavailable  = errors.New("service unavailable")
)

// APIError represents an error from an external API call.
type APIError struct {
	Service    string
	StatusCode int
	Message    string
	// RetryAfter is the server-provided wait from a Retry-After header, if any.
	RetryAfter time.Duration
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s API error (status %d): %s: %v", e.Service, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s API error (status %d): %s", e.Service, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// NewAPIError creates a new API error.
func NewAPIError(service string, statusCode int, message string) *APIError {
	return &APIError{Service: service, StatusCode: statusCode, Message: message}
}

// RateLimitError is surfaced to callers when a protected call was refused
// because the backend asked us to slow down, or because the call site is
// still cooling down from such a signal. It matches ErrRateLimit via errors.Is.
type RateLimitError struct {
	// Hint is an optional human-readable wait hint ("try again in 30s").
	Hint       string
	RetryAfter time.Duration
	// Err is the error that triggered the cooldown; nil for calls rejected
	// while already cooling down.
	Err error
}

func (e *RateLimitError) Error() string {
	msg := ErrRateLimit.Error()
	if e.Hint != "" {
		msg += ": " + e.Hint
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RateLimitError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrRateLimit}
	}
	return []error{ErrRateLimit, e.Err}
}

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimit) || errors.Is(err, ErrUnavailable)
}

// IsRateLimited reports whether err is a rate-limit signal according to the
// default classifier.
func IsRateLimited(err error) bool {
	_, limited := DefaultClassifier().Classify(err)
	return limited
}

// Classifier decides whether an operation error means the backend is rate
// limiting us. The returned hint may be empty.
type Classifier interface {
	Classify(err error) (hint string, limited bool)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(err error) (string, bool)

// Classify implements Classifier.
func (f ClassifierFunc) Classify(err error) (string, bool) { return f(err) }

// RateLimitPhrases are the literal messages the storefront backend returns
// when it throttles a client.
var RateLimitPhrases = []string{
	"Too many requests",
	"Rate limit exceeded",
}

type statusClassifier struct {
	phrases []string
}

// NewClassifier returns a Classifier that treats HTTP 429, ErrRateLimit and
// any error whose message contains one of phrases as rate limiting.
// Phrase matching is case-sensitive.
func NewClassifier(phrases ...string) Classifier {
	return &statusClassifier{phrases: phrases}
}

// DefaultClassifier matches 429 responses and RateLimitPhrases.
func DefaultClassifier() Classifier {
	return NewClassifier(RateLimitPhrases...)
}

func (c *statusClassifier) Classify(err error) (string, bool) {
	if err == nil {
		return "", false
	}

	var rlErr *RateLimitError
	if errors.As(err, &rlErr) {
		return rlErr.Hint, true
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		return hintFor(apiErr.RetryAfter, apiErr.Message), true
	}

	if errors.Is(err, ErrRateLimit) {
		return "", true
	}

	msg := err.Error()
	for _, p := range c.phrases {
		if p != "" && strings.Contains(msg, p) {
			if apiErr != nil {
				return hintFor(apiErr.RetryAfter, apiErr.Message), true
			}
			return "", true
		}
	}
	return "", false
}

// RetryAfterOf returns the server-provided wait carried by err, or 0.
func RetryAfterOf(err error) time.Duration {
	var rlErr *RateLimitError
	if errors.As(err, &rlErr) && rlErr.RetryAfter > 0 {
		return rlErr.RetryAfter
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}

func hintFor(retryAfter time.Duration, message string) string {
	if retryAfter > 0 {
		return "try again in " + retryAfter.Round(time.Second).String()
	}
	return message
}
