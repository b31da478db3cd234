// Package session implements the storefront's client-side idle monitor:
// a warning/logout timer pair per attached identity, a one-second countdown
// during the warning window, and a guarded logout side effect.
//
// The monitor never blocks on its collaborators while holding its lock and
// never lets a panicking hook escape a timer goroutine.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"
)

const clearScopeTimeout = 5 * time.Second

// Monitor tracks inactivity for one identity at a time.
type Monitor struct {
	mu     sync.Mutex
	cfg    Config
	clk    clock.WithDelayedExecution
	hooks  Hooks
	logger zerolog.Logger

	identity         string
	phase            Phase
	logoutAt         time.Time
	warningDeadline  time.Time
	secondsRemaining int
	logoutInFlight   bool

	// gen invalidates callbacks of timers that were stopped too late.
	gen      uint64
	disabled bool
	disposed bool

	warningTimer clock.Timer
	logoutTimer  clock.Timer
	tickTimer    clock.Timer
	cooloffTimer clock.Timer
}

// NewMonitor creates an idle monitor. It starts idle; call Attach.
func NewMonitor(cfg Config, hooks Hooks, logger zerolog.Logger) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Monitor{
		cfg:    cfg,
		clk:    cfg.clock(),
		hooks:  hooks,
		logger: logger.With().Str("component", "session.monitor").Logger(),
	}, nil
}

// Attach starts monitoring identity, discarding any previous session state.
// An empty identity cancels all timers and leaves the monitor idle.
func (m *Monitor) Attach(identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disposed {
		return
	}

	m.stopTimersLocked()
	m.disabled = false
	m.identity = identity
	m.secondsRemaining = 0
	m.warningDeadline = time.Time{}

	if identity == "" {
		m.setPhaseLocked(PhaseIdle)
		m.logger.Debug().Msg("identity absent, monitor idle")
		return
	}

	m.setPhaseLocked(PhaseActive)
	m.armLocked()

	m.logger.Info().
		Str("identity", identity).
		Dur("inactivity_window", m.cfg.InactivityWindow).
		Dur("warning_window", m.cfg.WarningWindow).
		Msg("session monitor attached")
}

// RecordActivity pushes both deadlines out from now. It only applies while
// Active: during the warning period the user must call Extend explicitly.
func (m *Monitor) RecordActivity() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disposed || m.disabled || m.phase != PhaseActive {
		return
	}
	m.stopTimersLocked()
	m.armLocked()
}

// Extend leaves the warning period and restarts the full inactivity budget.
func (m *Monitor) Extend() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disposed {
		return ErrDisposed
	}
	if m.phase != PhaseWarning {
		return ErrNotWarning
	}

	m.stopTimersLocked()
	m.secondsRemaining = 0
	m.warningDeadline = time.Time{}
	m.setPhaseLocked(PhaseActive)
	m.armLocked()

	m.logger.Info().Str("identity", m.identity).Msg("session extended")
	return nil
}

// ForceLogout ends the session on the caller's behalf. It returns false
// when there is no live session or a logout is already in flight.
func (m *Monitor) ForceLogout() bool {
	m.mu.Lock()
	effects, ok := m.beginLogoutLocked(ReasonExplicit)
	m.mu.Unlock()

	if ok {
		effects()
	}
	return ok
}

// Dispose cancels every timer. The monitor cannot be reused.
func (m *Monitor) Dispose() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disposed {
		return
	}
	m.stopTimersLocked()
	stopTimer(&m.cooloffTimer)
	m.setPhaseLocked(PhaseIdle)
	m.identity = ""
	m.disposed = true
}

// Phase returns the current phase.
func (m *Monitor) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Identity returns the attached identity, or "".
func (m *Monitor) Identity() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// SecondsRemaining is the warning countdown. Only meaningful in PhaseWarning.
func (m *Monitor) SecondsRemaining() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.secondsRemaining
}

// Snapshot returns the full monitor state.
func (m *Monitor) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := State{
		Identity:         m.identity,
		Phase:            m.phase,
		SecondsRemaining: m.secondsRemaining,
		LogoutInFlight:   m.logoutInFlight,
	}
	if m.phase == PhaseWarning {
		deadline := m.warningDeadline
		s.WarningDeadline = &deadline
	}
	return s
}

// armLocked schedules the warning and logout timers from now.
func (m *Monitor) armLocked() {
	gen := m.gen
	m.logoutAt = m.clk.Now().Add(m.cfg.InactivityWindow)

	var err error
	m.warningTimer, err = m.schedule(m.cfg.warningAfter(), func() { m.onWarning(gen) })
	if err == nil {
		m.logoutTimer, err = m.schedule(m.cfg.InactivityWindow, func() { m.onLogoutDue(gen) })
	}
	if err != nil {
		m.degradeLocked(err)
	}
}

// stopTimersLocked cancels the warning, logout and countdown timers.
// Cool-off survives so a re-attach cannot bypass the duplicate guard.
func (m *Monitor) stopTimersLocked() {
	m.gen++
	stopTimer(&m.warningTimer)
	stopTimer(&m.logoutTimer)
	stopTimer(&m.tickTimer)
}

func (m *Monitor) degradeLocked(err error) {
	m.stopTimersLocked()
	m.disabled = true
	m.logger.Error().Err(err).
		Str("identity", m.identity).
		Msg("idle enforcement disabled")
}

func (m *Monitor) setPhaseLocked(p Phase) {
	prev := m.phase
	if prev == p {
		return
	}
	m.phase = p
	m.hooks.Metrics.RecordTransition(p.String())
	switch {
	case prev.armed() && !p.armed():
		m.hooks.Metrics.SessionDetached()
	case !prev.armed() && p.armed():
		m.hooks.Metrics.SessionAttached()
	}
}

func (m *Monitor) onWarning(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.disposed || m.phase != PhaseActive {
		m.mu.Unlock()
		return
	}
	m.setPhaseLocked(PhaseWarning)
	m.warningDeadline = m.logoutAt
	m.secondsRemaining = int(m.cfg.WarningWindow / time.Second)
	m.scheduleTickLocked(gen)
	identity, secs := m.identity, m.secondsRemaining
	m.mu.Unlock()

	m.logger.Info().
		Str("identity", identity).
		Int("seconds_remaining", secs).
		Msg("session entering warning period")

	if n := m.hooks.Notifier; n != nil {
		m.safely("warning notification", func() { n.Warning(identity, secs) })
	}
}

func (m *Monitor) scheduleTickLocked(gen uint64) {
	if m.secondsRemaining <= 0 {
		return
	}
	t, err := m.schedule(countdownTick, func() { m.onTick(gen) })
	if err != nil {
		// Countdown is cosmetic; the logout timer still fires.
		m.logger.Warn().Err(err).Msg("countdown tick not scheduled")
		return
	}
	m.tickTimer = t
}

func (m *Monitor) onTick(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.disposed || m.phase != PhaseWarning {
		m.mu.Unlock()
		return
	}
	m.tickTimer = nil
	if m.secondsRemaining > 0 {
		m.secondsRemaining--
	}
	m.scheduleTickLocked(gen)
	identity, secs := m.identity, m.secondsRemaining
	m.mu.Unlock()

	if n := m.hooks.Notifier; n != nil {
		m.safely("countdown notification", func() { n.Countdown(identity, secs) })
	}
}

func (m *Monitor) onLogoutDue(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	effects, ok := m.beginLogoutLocked(ReasonIdle)
	m.mu.Unlock()

	if ok {
		effects()
	}
}

// beginLogoutLocked performs the state transition and returns the side
// effects to run once the lock is released.
func (m *Monitor) beginLogoutLocked(reason Reason) (func(), bool) {
	if m.disposed {
		return nil, false
	}
	if m.logoutInFlight {
		m.hooks.Metrics.RecordDuplicateLogout()
		m.logger.Debug().
			Str("identity", m.identity).
			Str("reason", string(reason)).
			Msg("duplicate logout suppressed")
		return nil, false
	}
	if !m.phase.armed() {
		return nil, false
	}

	m.logoutInFlight = true
	identity := m.identity
	m.stopTimersLocked()
	m.secondsRemaining = 0
	m.warningDeadline = time.Time{}
	m.setPhaseLocked(PhaseExpired)
	m.armCooloffLocked()

	hooks := m.hooks
	return func() {
		m.logger.Info().
			Str("identity", identity).
			Str("reason", string(reason)).
			Msg("session logged out")
		hooks.Metrics.RecordLogout(string(reason))

		if hooks.Store != nil {
			m.safely("clear identity scope", func() {
				ctx, cancel := context.WithTimeout(context.Background(), clearScopeTimeout)
				defer cancel()
				n, err := hooks.Store.ClearScope(ctx, identity)
				if err != nil {
					m.logger.Warn().Err(err).Str("identity", identity).Msg("failed to clear identity data")
					return
				}
				m.logger.Debug().Str("identity", identity).Int("removed", n).Msg("identity data cleared")
			})
		}
		if hooks.Logout != nil {
			m.safely("logout hook", func() { hooks.Logout(identity, reason) })
		}
		if reason == ReasonIdle && hooks.Notifier != nil {
			m.safely("expiry notification", func() { hooks.Notifier.Expired(identity) })
		}
	}, true
}

func (m *Monitor) armCooloffLocked() {
	stopTimer(&m.cooloffTimer)
	if m.cfg.LogoutCooloff <= 0 {
		m.logoutInFlight = false
		return
	}
	var t clock.Timer
	t, err := m.schedule(m.cfg.LogoutCooloff, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.cooloffTimer == t {
			m.cooloffTimer = nil
			m.logoutInFlight = false
		}
	})
	if err != nil {
		m.logoutInFlight = false
		return
	}
	m.cooloffTimer = t
}

// schedule arms fn after d, converting a missing or panicking clock into
// ErrNoTimers. fn runs on its own goroutine: clocks may invoke the callback
// while holding their own lock, and fn calls back into the clock.
func (m *Monitor) schedule(d time.Duration, fn func()) (t clock.Timer, err error) {
	defer func() {
		if r := recover(); r != nil {
			t, err = nil, fmt.Errorf("%w: %v", ErrNoTimers, r)
		}
	}()
	t = m.clk.AfterFunc(d, func() { go fn() })
	if t == nil {
		return nil, ErrNoTimers
	}
	return t, nil
}

// safely runs a collaborator callback, logging instead of propagating panics.
func (m *Monitor) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().
				Str("callback", what).
				Interface("panic", r).
				Msg("session callback panicked")
		}
	}()
	fn()
}

func stopTimer(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
