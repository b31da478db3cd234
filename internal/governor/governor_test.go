package governor

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	perrors "github.com/p-blackswan/storefront-guard/internal/errors"
	"github.com/p-blackswan/storefront-guard/internal/metrics"
)

const (
	waitFor = time.Second
	tick    = time.Millisecond
)

var errBoom = errors.New("boom")

// countingOp returns results in order, repeating the last one.
type countingOp struct {
	mu      sync.Mutex
	results []error
	calls   []string
	times   []time.Time
}

func (o *countingOp) call(_ context.Context, args string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, args)
	o.times = append(o.times, time.Now())
	i := len(o.calls) - 1
	if i >= len(o.results) {
		i = len(o.results) - 1
	}
	if i < 0 || o.results[i] == nil {
		return "ok:" + args, nil
	}
	return "", o.results[i]
}

func (o *countingOp) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.calls)
}

func (o *countingOp) args() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.calls...)
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) RateLimited(callSite, hint string) {
	m.Called(callSite, hint)
}

func generation[A, T any](g *Governor[A, T]) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gen
}

func newGovernor(t *testing.T, op *countingOp, cfg Config) *Governor[string, string] {
	t.Helper()
	g, err := New("contact.submit", op.call, cfg, zerolog.Nop(), nil)
	require.NoError(t, err)
	t.Cleanup(g.Dispose)
	return g
}

func TestNew_InvalidConfig(t *testing.T) {
	op := &countingOp{}
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no attempts", Config{MaxRetries: 0, RetryDelayBase: time.Second}},
		{"no delay", Config{MaxRetries: 3}},
		{"negative debounce", Config{MaxRetries: 3, RetryDelayBase: time.Second, Debounce: -1}},
		{"negative max delay", Config{MaxRetries: 3, RetryDelayBase: time.Second, MaxDelay: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New("x", op.call, tt.cfg, zerolog.Nop(), nil)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	_, err := New[string, string]("x", nil, DefaultConfig(), zerolog.Nop(), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestGovernor_RetriesThenSucceeds(t *testing.T) {
	const base = 30 * time.Millisecond
	op := &countingOp{results: []error{errBoom, errBoom, nil}}
	g := newGovernor(t, op, Config{MaxRetries: 3, RetryDelayBase: base})

	v, err := g.Do(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "ok:hello", v)
	assert.Equal(t, 3, op.count())
	assert.Zero(t, g.RetryCount(), "success resets the retry count")

	op.mu.Lock()
	defer op.mu.Unlock()
	assert.GreaterOrEqual(t, op.times[1].Sub(op.times[0]), base)
	assert.GreaterOrEqual(t, op.times[2].Sub(op.times[1]), 2*base)
}

func TestGovernor_ExhaustedRetriesReturnOriginalError(t *testing.T) {
	fc := testingclock.NewFakeClock(time.Now())
	op := &countingOp{results: []error{errBoom}}
	g := newGovernor(t, op, Config{MaxRetries: 2, RetryDelayBase: time.Second, Clock: fc})

	errCh := make(chan error, 1)
	go func() {
		_, err := g.Do(context.Background(), "x")
		errCh <- err
	}()

	require.Eventually(t, func() bool { return op.count() == 1 && fc.HasWaiters() }, waitFor, tick)
	assert.Equal(t, 1, g.RetryCount())

	fc.Step(999 * time.Millisecond)
	assert.Equal(t, 1, op.count())
	fc.Step(time.Millisecond)

	select {
	case err := <-errCh:
		assert.Equal(t, errBoom, err)
	case <-time.After(waitFor):
		t.Fatal("call did not finish")
	}
	assert.Equal(t, 2, op.count())
	assert.False(t, g.CoolingDown())
}

func TestGovernor_RetryCountIsPerCall(t *testing.T) {
	op := &countingOp{results: []error{errBoom}}
	g := newGovernor(t, op, Config{MaxRetries: 2, RetryDelayBase: time.Millisecond})

	for i := 0; i < 3; i++ {
		_, err := g.Do(context.Background(), "x")
		require.ErrorIs(t, err, errBoom)
		assert.LessOrEqual(t, g.RetryCount(), 2)
	}
	assert.Equal(t, 1, g.RetryCount())
	assert.Equal(t, 6, op.count())
}

func TestGovernor_RateLimitNotRetriedAndCoolsDown(t *testing.T) {
	fc := testingclock.NewFakeClock(time.Now())
	limited := &perrors.APIError{
		Service:    "storefront",
		StatusCode: http.StatusTooManyRequests,
		Message:    "Too many requests",
		RetryAfter: 30 * time.Second,
	}
	op := &countingOp{results: []error{limited, nil}}
	notifier := &mockNotifier{}
	notifier.On("RateLimited", "contact.submit", "try again in 30s").Once()

	g := newGovernor(t, op, Config{
		MaxRetries:     3,
		RetryDelayBase: time.Second,
		Notifier:       notifier,
		Clock:          fc,
	})

	_, err := g.Do(context.Background(), "a")
	require.Error(t, err)
	assert.ErrorIs(t, err, perrors.ErrRateLimit)
	assert.ErrorIs(t, err, limited)
	var rlErr *perrors.RateLimitError
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, "try again in 30s", rlErr.Hint)
	assert.Equal(t, 30*time.Second, rlErr.RetryAfter)
	assert.Equal(t, 1, op.count(), "rate limiting is never retried")
	assert.True(t, g.CoolingDown())
	notifier.AssertExpectations(t)

	// Inside the cooldown the operation is not called at all.
	_, err = g.Do(context.Background(), "b")
	require.ErrorAs(t, err, &rlErr)
	assert.Nil(t, rlErr.Err)
	assert.Equal(t, "try again in 30s", rlErr.Hint)
	assert.Equal(t, 1, op.count())

	fc.Step(time.Second)
	assert.True(t, g.CoolingDown())
	fc.Step(time.Second)
	require.Eventually(t, func() bool { return !g.CoolingDown() }, waitFor, tick)
	assert.Zero(t, g.RetryCount())

	v, err := g.Do(context.Background(), "c")
	require.NoError(t, err)
	assert.Equal(t, "ok:c", v)
	assert.Equal(t, 2, op.count())
}

func TestGovernor_RateLimitPhraseDetection(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		limited bool
	}{
		{"too many requests", errors.New("request failed: Too many requests"), true},
		{"rate limit exceeded", errors.New("Rate limit exceeded"), true},
		{"sentinel", perrors.ErrRateLimit, true},
		{"lowercase is not matched", errors.New("too many requests"), false},
		{"other", errBoom, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := &countingOp{results: []error{tt.err}}
			g := newGovernor(t, op, Config{MaxRetries: 1, RetryDelayBase: time.Millisecond})

			_, err := g.Do(context.Background(), "x")
			assert.Equal(t, tt.limited, perrors.IsRateLimited(err))
			assert.Equal(t, tt.limited, g.CoolingDown())
		})
	}
}

func TestGovernor_CustomClassifier(t *testing.T) {
	throttled := errors.New("slow down please")
	op := &countingOp{results: []error{throttled}}
	g := newGovernor(t, op, Config{
		MaxRetries:     3,
		RetryDelayBase: time.Millisecond,
		Classifier: perrors.ClassifierFunc(func(err error) (string, bool) {
			return "later", errors.Is(err, throttled)
		}),
	})

	_, err := g.Do(context.Background(), "x")
	var rlErr *perrors.RateLimitError
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, "later", rlErr.Hint)
	assert.Equal(t, 1, op.count())
}

func TestGovernor_DebounceRunsOnlyLastCall(t *testing.T) {
	fc := testingclock.NewFakeClock(time.Now())
	op := &countingOp{}
	g := newGovernor(t, op, Config{
		Debounce:       200 * time.Millisecond,
		MaxRetries:     3,
		RetryDelayBase: time.Second,
		Clock:          fc,
	})

	var (
		mu      sync.Mutex
		results = map[string]error{}
		wg      sync.WaitGroup
	)
	var submitted uint64
	call := func(arg string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Do(context.Background(), arg)
			mu.Lock()
			results[arg] = err
			mu.Unlock()
		}()
		submitted++
		require.Eventually(t, func() bool { return generation(g) == submitted }, waitFor, tick)
	}

	call("first")
	fc.Step(50 * time.Millisecond)
	call("second")
	fc.Step(50 * time.Millisecond)
	call("third")

	fc.Step(199 * time.Millisecond)
	assert.Zero(t, op.count())
	fc.Step(time.Millisecond)

	wg.Wait()
	assert.Equal(t, []string{"third"}, op.args())
	assert.ErrorIs(t, results["first"], ErrSuperseded)
	assert.ErrorIs(t, results["second"], ErrSuperseded)
	assert.NoError(t, results["third"])
}

func TestGovernor_InvokeCallbackOnlyForExecutedCall(t *testing.T) {
	fc := testingclock.NewFakeClock(time.Now())
	op := &countingOp{}
	g := newGovernor(t, op, Config{
		Debounce:       200 * time.Millisecond,
		MaxRetries:     1,
		RetryDelayBase: time.Second,
		Clock:          fc,
	})

	var fired atomic.Int32
	var got atomic.Value
	done := func(arg string) func(string, error) {
		return func(v string, err error) {
			fired.Add(1)
			got.Store(arg)
			assert.NoError(t, err)
		}
	}

	require.NoError(t, g.Invoke(context.Background(), "a", done("a")))
	require.NoError(t, g.Invoke(context.Background(), "b", done("b")))
	fc.Step(200 * time.Millisecond)

	require.Eventually(t, func() bool { return fired.Load() == 1 }, waitFor, tick)
	assert.Equal(t, "b", got.Load())
	assert.Never(t, func() bool { return fired.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestGovernor_Dispose(t *testing.T) {
	fc := testingclock.NewFakeClock(time.Now())
	op := &countingOp{}
	g := newGovernor(t, op, Config{
		Debounce:       time.Second,
		MaxRetries:     3,
		RetryDelayBase: time.Second,
		Clock:          fc,
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := g.Do(context.Background(), "pending")
		errCh <- err
	}()
	require.Eventually(t, fc.HasWaiters, waitFor, tick)

	g.Dispose()
	assert.ErrorIs(t, <-errCh, ErrDisposed)
	assert.False(t, fc.HasWaiters())

	fc.Step(time.Second)
	assert.Zero(t, op.count())

	assert.ErrorIs(t, g.Invoke(context.Background(), "late", nil), ErrDisposed)
	_, err := g.Do(context.Background(), "late")
	assert.ErrorIs(t, err, ErrDisposed)
	g.Dispose()
}

func TestGovernor_DisposeAbortsBackoff(t *testing.T) {
	fc := testingclock.NewFakeClock(time.Now())
	op := &countingOp{results: []error{errBoom}}
	g := newGovernor(t, op, Config{MaxRetries: 5, RetryDelayBase: time.Minute, Clock: fc})

	errCh := make(chan error, 1)
	go func() {
		_, err := g.Do(context.Background(), "x")
		errCh <- err
	}()
	require.Eventually(t, func() bool { return op.count() == 1 && fc.HasWaiters() }, waitFor, tick)

	g.Dispose()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrDisposed)
	case <-time.After(waitFor):
		t.Fatal("backoff wait was not aborted")
	}
	assert.Equal(t, 1, op.count())
}

func TestGovernor_CanceledContext(t *testing.T) {
	op := &countingOp{}
	g := newGovernor(t, op, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Do(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, op.count())
}

func TestGovernor_Metrics(t *testing.T) {
	m := metrics.New()
	op := &countingOp{results: []error{errBoom, nil}}
	g, err := New("contact.submit", op.call, Config{MaxRetries: 3, RetryDelayBase: time.Millisecond}, zerolog.Nop(), m)
	require.NoError(t, err)
	defer g.Dispose()

	_, err = g.Do(context.Background(), "x")
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.GovernorCalls.WithLabelValues("contact.submit", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GovernorRetries.WithLabelValues("contact.submit")))
}
