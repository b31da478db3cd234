package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/storefront-guard/lru"
)

// Registry keeps one Monitor per identity. It is bounded: when full, the
// least recently touched monitor is disposed to make room.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	hooks    Hooks
	logger   zerolog.Logger
	monitors *lru.Cache[string, *Monitor]
}

// NewRegistry creates a registry holding at most capacity monitors.
func NewRegistry(cfg Config, capacity int, hooks Hooks, logger zerolog.Logger) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if capacity < 1 {
		capacity = 1
	}
	r := &Registry{
		cfg:    cfg,
		hooks:  hooks,
		logger: logger.With().Str("component", "session.registry").Logger(),
	}
	r.monitors = lru.New[string, *Monitor](capacity,
		lru.WithOnEvict[string, *Monitor](func(identity string, m *Monitor) {
			r.logger.Warn().Str("identity", identity).Msg("registry full, disposing least recent monitor")
			m.Dispose()
		}),
	)
	return r, nil
}

// Attach starts (or restarts) monitoring identity.
func (r *Registry) Attach(identity string) (*Monitor, error) {
	if identity == "" {
		return nil, ErrNoIdentity
	}

	r.mu.Lock()
	m, ok := r.monitors.Get(identity)
	if !ok {
		var err error
		m, err = NewMonitor(r.cfg, r.hooks, r.logger)
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		r.monitors.Put(identity, m)
	}
	r.mu.Unlock()

	m.Attach(identity)
	return m, nil
}

// Get returns the monitor for identity.
func (r *Registry) Get(identity string) (*Monitor, bool) {
	if identity == "" {
		return nil, false
	}
	return r.monitors.Get(identity)
}

// RecordActivity forwards an activity event to identity's monitor.
func (r *Registry) RecordActivity(identity string) (State, error) {
	m, ok := r.Get(identity)
	if !ok {
		return State{}, ErrUnknownIdentity
	}
	m.RecordActivity()
	return m.Snapshot(), nil
}

// Extend extends identity's session out of the warning period.
func (r *Registry) Extend(identity string) (State, error) {
	m, ok := r.Get(identity)
	if !ok {
		return State{}, ErrUnknownIdentity
	}
	if err := m.Extend(); err != nil {
		return m.Snapshot(), err
	}
	return m.Snapshot(), nil
}

// Logout forces identity's logout. The bool is false when nothing happened.
func (r *Registry) Logout(identity string) (bool, error) {
	m, ok := r.Get(identity)
	if !ok {
		return false, ErrUnknownIdentity
	}
	return m.ForceLogout(), nil
}

// Snapshot returns identity's monitor state; unknown identities are idle.
func (r *Registry) Snapshot(identity string) State {
	m, ok := r.Get(identity)
	if !ok {
		return State{Identity: identity, Phase: PhaseIdle}
	}
	return m.Snapshot()
}

// Detach disposes and forgets identity's monitor.
func (r *Registry) Detach(identity string) bool {
	r.mu.Lock()
	m, ok := r.monitors.Delete(identity)
	r.mu.Unlock()
	if ok {
		m.Dispose()
	}
	return ok
}

// Len returns the number of tracked monitors.
func (r *Registry) Len() int {
	return r.monitors.Len()
}

// Close disposes every monitor.
func (r *Registry) Close() {
	r.mu.Lock()
	monitors := r.monitors.Drain()
	r.mu.Unlock()

	start := time.Now()
	for _, m := range monitors {
		m.Dispose()
	}
	r.logger.Info().
		Int("disposed", len(monitors)).
		Dur("took", time.Since(start)).
		Msg("session registry closed")
}
