// Package tokenstore keeps per-identity credentials and other short-lived
// values. Every token belongs to a scope, normally the identity that owns
// it, so a logout can remove everything the identity left behind.
package tokenstore

import (
	"context"
	"errors"
	"time"
)

var (
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExpired  = errors.New("token expired")
	ErrInvalidKey    = errors.New("scope and key are required")
)

// Token represents a stored token with metadata.
type Token struct {
	Scope     string    `json:"scope"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// IsExpired checks if the token has expired. Tokens without an expiry
// never expire.
func (t *Token) IsExpired() bool {
	return !t.ExpiresAt.IsZero() && time.Now().After(t.ExpiresAt)
}

// Store defines the token storage interface.
type Store interface {
	// Set stores a token under scope and key. ttl <= 0 means no expiry.
	Set(ctx context.Context, scope, key, value string, ttl time.Duration) error
	// Get retrieves a token. Returns ErrTokenNotFound or ErrTokenExpired.
	Get(ctx context.Context, scope, key string) (*Token, error)
	// Delete removes a token.
	Delete(ctx context.Context, scope, key string) error
	// ClearScope removes every token in scope and returns how many were removed.
	ClearScope(ctx context.Context, scope string) (int, error)
	// Cleanup removes all expired tokens.
	Cleanup(ctx context.Context) (int, error)
	// Ping reports whether the backing storage is usable.
	Ping(ctx context.Context) error
	// Close releases the backing storage.
	Close() error
}

func expiryFor(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}
