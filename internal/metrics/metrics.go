// Package metrics provides Prometheus metrics for storefront-guard.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the guard. A nil *Metrics is
// valid and records nothing, so components can run without a registry.
type Metrics struct {
	SessionsActive     prometheus.Gauge
	SessionTransitions *prometheus.CounterVec
	Logouts            *prometheus.CounterVec
	DuplicateLogouts   prometheus.Counter

	GovernorCalls     *prometheus.CounterVec
	GovernorRetries   *prometheus.CounterVec
	GovernorDebounced *prometheus.CounterVec
	GovernorCooldowns *prometheus.CounterVec
	GovernorDuration  *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "guard_sessions_active",
				Help: "Number of identities with an armed idle monitor.",
			},
		),
		SessionTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guard_session_transitions_total",
				Help: "Idle monitor phase transitions by target phase.",
			},
			[]string{"phase"},
		),
		Logouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guard_logouts_total",
				Help: "Logout side effects performed, by reason.",
			},
			[]string{"reason"},
		),
		DuplicateLogouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "guard_duplicate_logouts_total",
				Help: "Logout triggers suppressed because one was already in flight.",
			},
		),
		GovernorCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guard_governor_calls_total",
				Help: "Governed invocations that passed the debounce gate, by call site and outcome.",
			},
			[]string{"call_site", "outcome"},
		),
		GovernorRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guard_governor_retries_total",
				Help: "Retry attempts scheduled after a transient failure.",
			},
			[]string{"call_site"},
		),
		GovernorDebounced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guard_governor_debounced_total",
				Help: "Invocations replaced by a later one inside the debounce window.",
			},
			[]string{"call_site"},
		),
		GovernorCooldowns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guard_governor_cooldowns_total",
				Help: "Cooldown windows entered after a rate-limit signal.",
			},
			[]string{"call_site"},
		),
		GovernorDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "guard_governor_call_duration_seconds",
				Help:    "Wall time of governed calls including retries.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"call_site"},
		),
		registry: reg,
	}

	reg.MustRegister(m.SessionsActive)
	reg.MustRegister(m.SessionTransitions)
	reg.MustRegister(m.Logouts)
	reg.MustRegister(m.DuplicateLogouts)
	reg.MustRegister(m.GovernorCalls)
	reg.MustRegister(m.GovernorRetries)
	reg.MustRegister(m.GovernorDebounced)
	reg.MustRegister(m.GovernorCooldowns)
	reg.MustRegister(m.GovernorDuration)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SessionAttached increments the active-session gauge.
func (m *Metrics) SessionAttached() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

// SessionDetached decrements the active-session gauge.
func (m *Metrics) SessionDetached() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

// RecordTransition counts a phase change.
func (m *Metrics) RecordTransition(phase string) {
	if m == nil {
		return
	}
	m.SessionTransitions.WithLabelValues(phase).Inc()
}

// RecordLogout counts a performed logout.
func (m *Metrics) RecordLogout(reason string) {
	if m == nil {
		return
	}
	m.Logouts.WithLabelValues(reason).Inc()
}

// RecordDuplicateLogout counts a suppressed logout trigger.
func (m *Metrics) RecordDuplicateLogout() {
	if m == nil {
		return
	}
	m.DuplicateLogouts.Inc()
}

// RecordCall counts a governed call outcome and its duration.
func (m *Metrics) RecordCall(callSite, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.GovernorCalls.WithLabelValues(callSite, outcome).Inc()
	m.GovernorDuration.WithLabelValues(callSite).Observe(seconds)
}

// RecordRetry counts a scheduled retry.
func (m *Metrics) RecordRetry(callSite string) {
	if m == nil {
		return
	}
	m.GovernorRetries.WithLabelValues(callSite).Inc()
}

// RecordDebounced counts a replaced invocation.
func (m *Metrics) RecordDebounced(callSite string) {
	if m == nil {
		return
	}
	m.GovernorDebounced.WithLabelValues(callSite).Inc()
}

// RecordCooldown counts a cooldown window.
func (m *Metrics) RecordCooldown(callSite string) {
	if m == nil {
		return
	}
	m.GovernorCooldowns.WithLabelValues(callSite).Inc()
}
