package tokenstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory token store for development.
type MemoryStore struct {
	mu     sync.RWMutex
	scopes map[string]map[string]*Token
}

// NewMemoryStore creates a new in-memory token store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		scopes: make(map[string]map[string]*Token),
	}
}

func (m *MemoryStore) Set(_ context.Context, scope, key, value string, ttl time.Duration) error {
	if scope == "" || key == "" {
		return ErrInvalidKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tokens, ok := m.scopes[scope]
	if !ok {
		tokens = make(map[string]*Token)
		m.scopes[scope] = tokens
	}
	tokens[key] = &Token{
		Scope:     scope,
		Key:       key,
		Value:     value,
		ExpiresAt: expiryFor(ttl),
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, scope, key string) (*Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tok, ok := m.scopes[scope][key]
	if !ok {
		return nil, ErrTokenNotFound
	}
	if tok.IsExpired() {
		return nil, ErrTokenExpired
	}
	cp := *tok
	return &cp, nil
}

func (m *MemoryStore) Delete(_ context.Context, scope, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tokens, ok := m.scopes[scope]; ok {
		delete(tokens, key)
		if len(tokens) == 0 {
			delete(m.scopes, scope)
		}
	}
	return nil
}

func (m *MemoryStore) ClearScope(_ context.Context, scope string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.scopes[scope])
	delete(m.scopes, scope)
	return n, nil
}

func (m *MemoryStore) Cleanup(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for scope, tokens := range m.scopes {
		for k, tok := range tokens {
			if tok.IsExpired() {
				delete(tokens, k)
				count++
			}
		}
		if len(tokens) == 0 {
			delete(m.scopes, scope)
		}
	}
	return count, nil
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
