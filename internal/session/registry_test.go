package session

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

func newTestRegistry(t *testing.T, capacity int) (*Registry, *testingclock.FakeClock, *recorder) {
	t.Helper()
	fc := testingclock.NewFakeClock(time.Now())
	cfg := DefaultConfig()
	cfg.Clock = fc
	rec := &recorder{}
	r, err := NewRegistry(cfg, capacity, rec.hooks(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r, fc, rec
}

func TestNewRegistry_InvalidConfig(t *testing.T) {
	_, err := NewRegistry(Config{}, 10, Hooks{}, zerolog.Nop())
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRegistry_AttachRequiresIdentity(t *testing.T) {
	r, _, _ := newTestRegistry(t, 10)
	_, err := r.Attach("")
	assert.ErrorIs(t, err, ErrNoIdentity)
	assert.Zero(t, r.Len())
}

func TestRegistry_AttachReusesMonitor(t *testing.T) {
	r, _, _ := newTestRegistry(t, 10)

	m1, err := r.Attach("alice")
	require.NoError(t, err)
	m2, err := r.Attach("alice")
	require.NoError(t, err)

	assert.Same(t, m1, m2)
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, PhaseActive, r.Snapshot("alice").Phase)
}

func TestRegistry_UnknownIdentity(t *testing.T) {
	r, _, _ := newTestRegistry(t, 10)

	_, err := r.RecordActivity("ghost")
	assert.ErrorIs(t, err, ErrUnknownIdentity)
	_, err = r.Extend("ghost")
	assert.ErrorIs(t, err, ErrUnknownIdentity)
	_, err = r.Logout("ghost")
	assert.ErrorIs(t, err, ErrUnknownIdentity)

	s := r.Snapshot("ghost")
	assert.Equal(t, PhaseIdle, s.Phase)
	assert.Equal(t, "ghost", s.Identity)
}

func TestRegistry_IdentitiesAreIndependent(t *testing.T) {
	r, fc, rec := newTestRegistry(t, 10)

	_, err := r.Attach("alice")
	require.NoError(t, err)
	fc.Step(time.Hour)
	_, err = r.Attach("bob")
	require.NoError(t, err)

	fc.Step(DefaultInactivityWindow - DefaultWarningWindow - time.Hour)
	require.Eventually(t, func() bool { return r.Snapshot("alice").Phase == PhaseWarning }, waitFor, tick)
	assert.Equal(t, PhaseActive, r.Snapshot("bob").Phase)

	s, err := r.RecordActivity("alice")
	require.NoError(t, err)
	assert.Equal(t, PhaseWarning, s.Phase, "activity does not dismiss the warning")

	s, err = r.Extend("alice")
	require.NoError(t, err)
	assert.Equal(t, PhaseActive, s.Phase)

	_, err = r.Extend("bob")
	assert.ErrorIs(t, err, ErrNotWarning)

	ok, err := r.Logout("bob")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, rec.logoutCount())
	assert.Equal(t, PhaseActive, r.Snapshot("alice").Phase)
}

func TestRegistry_DuplicateLogout(t *testing.T) {
	r, _, rec := newTestRegistry(t, 10)
	_, err := r.Attach("alice")
	require.NoError(t, err)

	ok, err := r.Logout("alice")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Logout("alice")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, rec.logoutCount())
}

func TestRegistry_EvictionDisposes(t *testing.T) {
	r, fc, rec := newTestRegistry(t, 2)

	alice, err := r.Attach("alice")
	require.NoError(t, err)
	_, err = r.Attach("bob")
	require.NoError(t, err)
	_, err = r.Attach("carol")
	require.NoError(t, err)

	assert.Equal(t, 2, r.Len())
	_, ok := r.Get("alice")
	assert.False(t, ok)
	assert.ErrorIs(t, alice.Extend(), ErrDisposed)

	// Only bob and carol reach the idle logout.
	fc.Step(DefaultInactivityWindow)
	require.Eventually(t, func() bool { return rec.logoutCount() == 2 }, waitFor, tick)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, l := range rec.logouts {
		assert.NotEqual(t, "alice", l.identity)
	}
}

func TestRegistry_Detach(t *testing.T) {
	r, fc, rec := newTestRegistry(t, 10)
	m, err := r.Attach("alice")
	require.NoError(t, err)

	assert.True(t, r.Detach("alice"))
	assert.False(t, r.Detach("alice"))
	assert.Zero(t, r.Len())
	assert.Equal(t, PhaseIdle, m.Phase())

	fc.Step(DefaultInactivityWindow)
	assert.Zero(t, rec.logoutCount())
}

func TestRegistry_Close(t *testing.T) {
	r, fc, _ := newTestRegistry(t, 10)
	for _, id := range []string{"a", "b", "c"} {
		_, err := r.Attach(id)
		require.NoError(t, err)
	}
	require.True(t, fc.HasWaiters())

	r.Close()
	assert.Zero(t, r.Len())
	assert.False(t, fc.HasWaiters())
}
