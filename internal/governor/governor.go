// Package governor protects calls to a throttled backend. Each Governor
// wraps one call site and composes, in order, a trailing-edge debounce, a
// rate-limit cooldown gate and exponential-backoff retries.
package governor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	perrors "github.com/p-blackswan/storefront-guard/internal/errors"
	"github.com/p-blackswan/storefront-guard/internal/metrics"
	"github.com/p-blackswan/storefront-guard/internal/retry"
)

// Op is the protected operation.
type Op[A, T any] func(ctx context.Context, args A) (T, error)

// RateLimitNotifier is told when a call site starts cooling down.
type RateLimitNotifier interface {
	RateLimited(callSite, hint string)
}

// RateLimitNotifierFunc adapts a function to RateLimitNotifier.
type RateLimitNotifierFunc func(callSite, hint string)

// RateLimited implements RateLimitNotifier.
func (f RateLimitNotifierFunc) RateLimited(callSite, hint string) { f(callSite, hint) }

// Outcome labels for call metrics.
const (
	outcomeOK          = "ok"
	outcomeFailed      = "failed"
	outcomeRateLimited = "rate_limited"
	outcomeCooling     = "cooling_down"
	outcomeCanceled    = "canceled"
	outcomeDisposed    = "disposed"
)

// pendingCall is a call waiting out the debounce window.
type pendingCall[A, T any] struct {
	ctx   context.Context
	args  A
	done  func(T, error)
	timer clock.Timer
	// drop releases a blocked Do caller when the call never runs.
	drop func(error)
}

// Governor guards one call site. Its state is never shared with other
// call sites.
type Governor[A, T any] struct {
	name    string
	op      Op[A, T]
	cfg     Config
	clk     clock.WithDelayedExecution
	classes perrors.Classifier
	logger  zerolog.Logger
	metrics *metrics.Metrics

	// base is cancelled by Dispose and aborts in-flight backoff waits.
	base   context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	gen           uint64
	pending       *pendingCall[A, T]
	coolingDown   bool
	cooldownUntil time.Time
	cooldownHint  string
	cooldownTimer clock.Timer
	retryCount    int
	disposed      bool
}

// New wraps op. name identifies the call site in logs and metrics.
func New[A, T any](name string, op Op[A, T], cfg Config, logger zerolog.Logger, m *metrics.Metrics) (*Governor[A, T], error) {
	if op == nil {
		return nil, fmt.Errorf("%w: nil operation", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base, cancel := context.WithCancel(context.Background())
	return &Governor[A, T]{
		name:    name,
		op:      op,
		cfg:     cfg,
		clk:     cfg.clock(),
		classes: cfg.classifier(),
		logger:  logger.With().Str("component", "governor").Str("call_site", name).Logger(),
		metrics: m,
		base:    base,
		cancel:  cancel,
	}, nil
}

// Name returns the call site name.
func (g *Governor[A, T]) Name() string { return g.name }

// Invoke schedules a call. If another call arrives within the debounce
// window this one is dropped and done is never called. Otherwise done is
// called exactly once with the outcome, on a goroutine owned by the
// governor. Invoke only fails when the governor has been disposed.
func (g *Governor[A, T]) Invoke(ctx context.Context, args A, done func(T, error)) error {
	return g.submit(ctx, args, done, nil)
}

// Do is the blocking form of Invoke. A call replaced by a later one inside
// the debounce window returns ErrSuperseded.
func (g *Governor[A, T]) Do(ctx context.Context, args A) (T, error) {
	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	done := func(v T, err error) { ch <- result{v, err} }
	drop := func(err error) {
		var zero T
		ch <- result{zero, err}
	}

	if err := g.submit(ctx, args, done, drop); err != nil {
		var zero T
		return zero, err
	}

	select {
	case r := <-ch:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (g *Governor[A, T]) submit(ctx context.Context, args A, done func(T, error), drop func(error)) error {
	if done == nil {
		done = func(T, error) {}
	}

	g.mu.Lock()
	if g.disposed {
		g.mu.Unlock()
		return ErrDisposed
	}

	superseded := g.pending
	g.pending = nil
	if superseded != nil {
		stopTimer(&superseded.timer)
	}
	g.gen++
	gen := g.gen

	call := &pendingCall[A, T]{ctx: ctx, args: args, done: done, drop: drop}
	if g.cfg.Debounce > 0 {
		call.timer = g.clk.AfterFunc(g.cfg.Debounce, func() { go g.fire(gen) })
		g.pending = call
	}
	g.mu.Unlock()

	if superseded != nil {
		g.metrics.RecordDebounced(g.name)
		g.logger.Debug().Msg("call superseded inside debounce window")
		if superseded.drop != nil {
			superseded.drop(ErrSuperseded)
		}
	}

	if g.cfg.Debounce <= 0 {
		go g.run(call)
	}
	return nil
}

// fire runs the pending call once its debounce window closes.
func (g *Governor[A, T]) fire(gen uint64) {
	g.mu.Lock()
	call := g.pending
	if g.disposed || gen != g.gen || call == nil {
		g.mu.Unlock()
		return
	}
	g.pending = nil
	g.mu.Unlock()

	g.run(call)
}

func (g *Governor[A, T]) run(call *pendingCall[A, T]) {
	v, err := g.execute(call.ctx, call.args)
	call.done(v, err)
}

// execute applies the cooldown gate and the retry loop.
func (g *Governor[A, T]) execute(ctx context.Context, args A) (T, error) {
	var zero T
	start := g.clk.Now()

	if err := ctx.Err(); err != nil {
		g.metrics.RecordCall(g.name, outcomeCanceled, 0)
		return zero, err
	}

	g.mu.Lock()
	if g.disposed {
		g.mu.Unlock()
		return zero, ErrDisposed
	}
	if g.coolingDown {
		rejected := &perrors.RateLimitError{
			Hint:       g.cooldownHint,
			RetryAfter: g.cooldownUntil.Sub(g.clk.Now()),
		}
		g.mu.Unlock()
		g.metrics.RecordCall(g.name, outcomeCooling, 0)
		g.logger.Debug().Msg("call rejected while cooling down")
		return zero, rejected
	}
	g.retryCount = 0
	g.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(g.base, cancel)
	defer stop()

	var val T
	err := retry.Do(runCtx, g.retryConfig(), func(ctx context.Context) error {
		v, err := g.op(ctx, args)
		if err == nil {
			val = v
		}
		return err
	})
	elapsed := g.clk.Since(start).Seconds()

	switch {
	case err == nil:
		g.mu.Lock()
		g.retryCount = 0
		g.mu.Unlock()
		g.metrics.RecordCall(g.name, outcomeOK, elapsed)
		return val, nil

	case g.base.Err() != nil:
		g.metrics.RecordCall(g.name, outcomeDisposed, elapsed)
		return zero, ErrDisposed

	case ctx.Err() != nil:
		g.metrics.RecordCall(g.name, outcomeCanceled, elapsed)
		return zero, err
	}

	if hint, limited := g.classes.Classify(err); limited {
		g.metrics.RecordCall(g.name, outcomeRateLimited, elapsed)
		g.startCooldown(hint)
		return zero, &perrors.RateLimitError{
			Hint:       hint,
			RetryAfter: perrors.RetryAfterOf(err),
			Err:        err,
		}
	}

	g.metrics.RecordCall(g.name, outcomeFailed, elapsed)
	g.logger.Warn().Err(err).Int("attempts", g.cfg.MaxRetries).Msg("call failed after retries")
	return zero, err
}

func (g *Governor[A, T]) retryConfig() retry.Config {
	return retry.Config{
		MaxAttempts: g.cfg.MaxRetries,
		BaseDelay:   g.cfg.RetryDelayBase,
		MaxDelay:    g.cfg.MaxDelay,
		Jitter:      g.cfg.Jitter,
		Clock:       g.clk,
		ShouldRetry: func(err error) bool {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return false
			}
			_, limited := g.classes.Classify(err)
			return !limited
		},
		OnRetry: func(attempt int, delay time.Duration, err error) {
			g.mu.Lock()
			g.retryCount++
			g.mu.Unlock()
			g.metrics.RecordRetry(g.name)
			g.logger.Debug().
				Err(err).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("retrying call")
		},
	}
}

func (g *Governor[A, T]) startCooldown(hint string) {
	d := g.cfg.Cooldown()

	g.mu.Lock()
	if g.disposed {
		g.mu.Unlock()
		return
	}
	stopTimer(&g.cooldownTimer)
	g.coolingDown = true
	g.cooldownHint = hint
	g.cooldownUntil = g.clk.Now().Add(d)
	var t clock.Timer
	t = g.clk.AfterFunc(d, func() { go g.endCooldown(&t) })
	g.cooldownTimer = t
	g.mu.Unlock()

	g.metrics.RecordCooldown(g.name)
	g.logger.Warn().Str("hint", hint).Dur("cooldown", d).Msg("rate limited, cooling down")

	if n := g.cfg.Notifier; n != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					g.logger.Error().Interface("panic", r).Msg("rate limit notifier panicked")
				}
			}()
			n.RateLimited(g.name, hint)
		}()
	}
}

// endCooldown clears the cooldown armed with *t. t is read under g.mu, where
// startCooldown assigns it.
func (g *Governor[A, T]) endCooldown(t *clock.Timer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cooldownTimer != *t {
		return
	}
	g.cooldownTimer = nil
	g.coolingDown = false
	g.cooldownHint = ""
	g.retryCount = 0
	g.logger.Debug().Msg("cooldown over")
}

// CoolingDown reports whether calls are currently refused.
func (g *Governor[A, T]) CoolingDown() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.coolingDown
}

// RetryCount is the number of retries since the last success or cooldown.
func (g *Governor[A, T]) RetryCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.retryCount
}

// Dispose cancels the pending call, the cooldown timer and any backoff
// wait in progress. Blocked Do callers return ErrDisposed.
func (g *Governor[A, T]) Dispose() {
	g.mu.Lock()
	if g.disposed {
		g.mu.Unlock()
		return
	}
	g.disposed = true
	g.gen++
	pending := g.pending
	g.pending = nil
	if pending != nil {
		stopTimer(&pending.timer)
	}
	stopTimer(&g.cooldownTimer)
	g.coolingDown = false
	g.mu.Unlock()

	g.cancel()
	if pending != nil && pending.drop != nil {
		pending.drop(ErrDisposed)
	}
}

func stopTimer(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
