package governor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/storefront-guard/internal/metrics"
	"github.com/p-blackswan/storefront-guard/lru"
)

// IdentityOp is an operation performed on behalf of an identity.
type IdentityOp[A, T any] func(ctx context.Context, identity string, args A) (T, error)

// IdentityNotifier is told when one identity's call site starts cooling down.
type IdentityNotifier interface {
	RateLimitedFor(identity, callSite, hint string)
}

// PoolOption configures a Pool.
type PoolOption func(*poolOptions)

type poolOptions struct {
	notifier IdentityNotifier
}

// WithIdentityNotifier routes each governor's cooldown notification to n
// along with the identity it belongs to. It replaces Config.Notifier.
func WithIdentityNotifier(n IdentityNotifier) PoolOption {
	return func(o *poolOptions) { o.notifier = n }
}

// Pool holds one Governor per identity for a single call site, so one
// shopper's cooldown never blocks another. Idle governors expire after
// idleTTL and are disposed, as are governors evicted for capacity.
type Pool[A, T any] struct {
	name    string
	op      IdentityOp[A, T]
	cfg     Config
	opts    poolOptions
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	governors *lru.Cache[string, *Governor[A, T]]
	closed    bool
}

// NewPool creates a pool for the call site name.
func NewPool[A, T any](name string, op IdentityOp[A, T], cfg Config, capacity int, idleTTL time.Duration, logger zerolog.Logger, m *metrics.Metrics, opts ...PoolOption) (*Pool[A, T], error) {
	if op == nil {
		return nil, fmt.Errorf("%w: nil operation", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if capacity < 1 {
		capacity = 1
	}
	p := &Pool[A, T]{
		name:    name,
		op:      op,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
	}
	for _, opt := range opts {
		opt(&p.opts)
	}
	p.governors = lru.New[string, *Governor[A, T]](capacity,
		lru.WithTTL[string, *Governor[A, T]](idleTTL),
		lru.WithOnEvict[string, *Governor[A, T]](func(_ string, g *Governor[A, T]) {
			g.Dispose()
		}),
	)
	return p, nil
}

// Name returns the call site name.
func (p *Pool[A, T]) Name() string { return p.name }

// Get returns identity's governor, creating it on first use.
func (p *Pool[A, T]) Get(identity string) (*Governor[A, T], error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrDisposed
	}
	if g, ok := p.governors.Get(identity); ok {
		// Refresh the idle deadline.
		p.governors.Put(identity, g)
		return g, nil
	}
	cfg := p.cfg
	if n := p.opts.notifier; n != nil {
		cfg.Notifier = RateLimitNotifierFunc(func(callSite, hint string) {
			n.RateLimitedFor(identity, callSite, hint)
		})
	}
	op := p.op
	g, err := New(p.name, func(ctx context.Context, args A) (T, error) {
		return op(ctx, identity, args)
	}, cfg, p.logger.With().Str("identity", identity).Logger(), p.metrics)
	if err != nil {
		return nil, err
	}
	p.governors.Put(identity, g)
	return g, nil
}

// Do runs a governed call for identity.
func (p *Pool[A, T]) Do(ctx context.Context, identity string, args A) (T, error) {
	g, err := p.Get(identity)
	if err != nil {
		var zero T
		return zero, err
	}
	return g.Do(ctx, args)
}

// Forget disposes identity's governor, for example after logout.
func (p *Pool[A, T]) Forget(identity string) bool {
	p.mu.Lock()
	g, ok := p.governors.Delete(identity)
	p.mu.Unlock()
	if ok {
		g.Dispose()
	}
	return ok
}

// Sweep disposes governors idle for longer than the pool's TTL.
func (p *Pool[A, T]) Sweep() int {
	return p.governors.Purge()
}

// Len returns the number of live governors.
func (p *Pool[A, T]) Len() int {
	return p.governors.Len()
}

// Close disposes every governor. Later calls fail with ErrDisposed.
func (p *Pool[A, T]) Close() {
	p.mu.Lock()
	p.closed = true
	governors := p.governors.Drain()
	p.mu.Unlock()

	for _, g := range governors {
		g.Dispose()
	}
}
