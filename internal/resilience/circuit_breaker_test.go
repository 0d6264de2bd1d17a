package resilience

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maqeelabbas/sessionguard/internal/clock"
	"github.com/maqeelabbas/sessionguard/internal/kv"
	"github.com/maqeelabbas/sessionguard/internal/output"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newBreaker(t *testing.T, store kv.Store) (*CircuitBreaker, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(epoch)
	return NewCircuitBreaker(store, DefaultConfig().CircuitBreaker, clk, nil), clk
}

func TestCircuitBreakerTripsAfterRefreshLimit(t *testing.T) {
	cb, clk := newBreaker(t, nil)

	for i := 0; i < 5; i++ {
		require.NoError(t, cb.Allow(CategoryRefresh), "attempt %d", i+1)
		clk.Advance(100 * time.Millisecond)
	}
	assert.ErrorIs(t, cb.Allow(CategoryRefresh), ErrRefreshTripped)

	tripped, until := cb.RefreshTripped()
	assert.True(t, tripped)
	assert.Equal(t, epoch.Add(10*time.Second), until)

	// Stays tripped for the rest of the window.
	clk.Advance(5 * time.Second)
	assert.ErrorIs(t, cb.Allow(CategoryRefresh), ErrRefreshTripped)
}

func TestCircuitBreakerClosesAfterWindow(t *testing.T) {
	cb, clk := newBreaker(t, nil)
	for i := 0; i < 6; i++ {
		_ = cb.Allow(CategoryRefresh)
	}
	tripped, _ := cb.RefreshTripped()
	require.True(t, tripped)

	clk.Advance(10 * time.Second)

	tripped, _ = cb.RefreshTripped()
	assert.False(t, tripped)
	assert.NoError(t, cb.Allow(CategoryRefresh))
	assert.Equal(t, 1, cb.State().Counters[CategoryRefresh])
}

func TestCircuitBreakerAuthLimit(t *testing.T) {
	cb, _ := newBreaker(t, nil)
	for i := 0; i < 10; i++ {
		require.NoError(t, cb.Allow(CategoryAuth))
	}
	err := cb.Allow(CategoryAuth)
	assert.ErrorIs(t, err, output.ErrRateLimited)

	// Auth volume does not trip refresh.
	tripped, _ := cb.RefreshTripped()
	assert.False(t, tripped)
}

func TestCircuitBreakerOtherLimit(t *testing.T) {
	cb, _ := newBreaker(t, nil)
	for i := 0; i < 30; i++ {
		require.NoError(t, cb.Allow(CategoryOther))
	}
	assert.ErrorIs(t, cb.Allow(CategoryOther), output.ErrRateLimited)
}

func TestCircuitBreakerTotalLimitRejectsNonAuth(t *testing.T) {
	cfg := DefaultConfig().CircuitBreaker
	cfg.OtherLimit = 100
	cfg.AuthLimit = 100
	cb := NewCircuitBreaker(nil, cfg, clock.NewFake(epoch), nil)

	for i := 0; i < 25; i++ {
		require.NoError(t, cb.Allow(CategoryAuth))
		require.NoError(t, cb.Allow(CategoryOther))
	}
	assert.ErrorIs(t, cb.Allow(CategoryOther), output.ErrRateLimited)
	assert.NoError(t, cb.Allow(CategoryAuth))
}

func TestCircuitBreakerRefreshTrippedDoesNotCount(t *testing.T) {
	cb, _ := newBreaker(t, nil)
	for i := 0; i < 20; i++ {
		cb.RefreshTripped()
	}
	assert.Equal(t, 0, cb.State().Counters[CategoryRefresh])
}

func TestCircuitBreakerPersistsTrip(t *testing.T) {
	store := kv.NewMemory()
	cb, clk := newBreaker(t, store)
	for i := 0; i < 6; i++ {
		_ = cb.Allow(CategoryRefresh)
	}

	data, err := store.Get(context.Background(), CircuitStateKey)
	require.NoError(t, err)
	var st CircuitState
	require.NoError(t, json.Unmarshal(data, &st))
	assert.True(t, st.Tripped)
	assert.Equal(t, 6, st.Counters[CategoryRefresh])

	// A new breaker over the same store resumes the trip.
	restored := NewCircuitBreaker(store, DefaultConfig().CircuitBreaker, clk, nil)
	restored.Restore(context.Background())
	tripped, until := restored.RefreshTripped()
	assert.True(t, tripped)
	assert.Equal(t, epoch.Add(10*time.Second), until)
}

func TestCircuitBreakerRestoreIgnoresElapsedWindow(t *testing.T) {
	store := kv.NewMemory()
	st := NewCircuitState(epoch.Add(-time.Minute))
	st.Tripped = true
	st.CooldownUntil = epoch.Add(-50 * time.Second)
	data, err := json.Marshal(st)
	require.NoError(t, err)
	require.NoError(t, store.Set(context.Background(), CircuitStateKey, data))

	cb, _ := newBreaker(t, store)
	cb.Restore(context.Background())
	tripped, _ := cb.RefreshTripped()
	assert.False(t, tripped)
}

func TestCircuitBreakerRestoreIgnoresCorrupt(t *testing.T) {
	store := kv.NewMemory()
	require.NoError(t, store.Set(context.Background(), CircuitStateKey, []byte("{nope")))

	cb, _ := newBreaker(t, store)
	cb.Restore(context.Background())
	assert.NoError(t, cb.Allow(CategoryRefresh))
}

func TestCircuitStateTotal(t *testing.T) {
	st := NewCircuitState(epoch)
	st.Counters[CategoryAuth] = 2
	st.Counters[CategoryRefresh] = 3
	assert.Equal(t, 5, st.Total())
}

func TestCircuitBreakerReset(t *testing.T) {
	cb, _ := newBreaker(t, nil)
	for i := 0; i < 6; i++ {
		_ = cb.Allow(CategoryRefresh)
	}
	cb.Reset()
	tripped, _ := cb.RefreshTripped()
	assert.False(t, tripped)
	assert.Equal(t, 0, cb.State().Total())
}
