package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/maqeelabbas/sessionguard/internal/clock"
	"github.com/maqeelabbas/sessionguard/internal/kv"
	"github.com/maqeelabbas/sessionguard/internal/output"
)

// ErrRefreshTripped is returned by Allow for refresh traffic while the
// breaker is tripped. Callers hold the current token until the cooldown.
var ErrRefreshTripped = errors.New("refresh circuit tripped")

// persistTimeout bounds a best-effort snapshot write.
const persistTimeout = 2 * time.Second

// CircuitBreaker counts requests per category inside a fixed window and
// rejects traffic that exceeds the configured limits. State lives in memory;
// a snapshot is written to the store when the breaker trips and when a
// tripped window rolls over.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	store  kv.Store
	clock  clock.Clock
	logger *slog.Logger

	mu    sync.Mutex
	state CircuitState
}

// NewCircuitBreaker creates a circuit breaker. store may be nil, in which
// case nothing is persisted.
func NewCircuitBreaker(store kv.Store, config CircuitBreakerConfig, clk clock.Clock, logger *slog.Logger) *CircuitBreaker {
	clk = clock.Or(clk)
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &CircuitBreaker{
		config: config.withDefaults(),
		store:  store,
		clock:  clk,
		logger: logger,
		state:  NewCircuitState(clk.Now()),
	}
}

// Restore loads a persisted snapshot. A snapshot whose window has already
// elapsed is ignored. Errors are logged, never returned.
func (cb *CircuitBreaker) Restore(ctx context.Context) {
	if cb.store == nil {
		return
	}
	data, err := cb.store.Get(ctx, CircuitStateKey)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			cb.logger.Warn("circuit state unreadable", "error", err)
		}
		return
	}
	var st CircuitState
	if err := json.Unmarshal(data, &st); err != nil {
		cb.logger.Warn("circuit state corrupt, ignoring", "error", err)
		return
	}
	if st.Counters == nil {
		st.Counters = map[Category]int{}
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.clock.Now().Before(st.WindowStartedAt.Add(cb.config.Window)) {
		return
	}
	cb.state = st
}

// Allow records one request of the given category and reports whether it
// may proceed. Refresh traffic over its limit trips the breaker and yields
// ErrRefreshTripped; other rejections are rate limit errors.
func (cb *CircuitBreaker) Allow(category Category) error {
	cb.mu.Lock()
	now := cb.clock.Now()
	cb.rollLocked(now)

	st := &cb.state
	st.Counters[category]++

	var (
		err      error
		snapshot []byte
	)
	switch category {
	case CategoryRefresh:
		switch {
		case st.Tripped:
			err = ErrRefreshTripped
		case st.Counters[CategoryRefresh] > cb.config.RefreshLimit:
			st.Tripped = true
			st.CooldownUntil = st.WindowStartedAt.Add(cb.config.Window)
			snapshot = cb.snapshotLocked()
			err = ErrRefreshTripped
			cb.logger.Warn("refresh circuit tripped",
				"attempts", st.Counters[CategoryRefresh],
				"cooldown_until", st.CooldownUntil)
		case st.Total() > cb.config.TotalLimit:
			err = output.ErrRateLimit(string(category))
		}
	case CategoryAuth:
		if st.Counters[CategoryAuth] > cb.config.AuthLimit {
			err = output.ErrRateLimit(string(category))
		}
	default:
		if st.Counters[category] > cb.config.OtherLimit || st.Total() > cb.config.TotalLimit {
			err = output.ErrRateLimit(string(category))
		}
	}
	cb.mu.Unlock()

	if snapshot != nil {
		cb.persist(snapshot)
	}
	return err
}

// RefreshTripped reports whether refresh is currently tripped and, if so,
// when the cooldown ends. It does not count as a request.
func (cb *CircuitBreaker) RefreshTripped() (bool, time.Time) {
	cb.mu.Lock()
	cb.rollLocked(cb.clock.Now())
	tripped, until := cb.state.Tripped, cb.state.CooldownUntil
	cb.mu.Unlock()
	return tripped, until
}

// State returns a copy of the current window state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.rollLocked(cb.clock.Now())
	return cb.state.clone()
}

// Reset clears all counters and the trip flag.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.state = NewCircuitState(cb.clock.Now())
	snapshot := cb.snapshotLocked()
	cb.mu.Unlock()
	cb.persist(snapshot)
}

// rollLocked starts a fresh window once the current one has elapsed.
func (cb *CircuitBreaker) rollLocked(now time.Time) {
	if now.Before(cb.state.WindowStartedAt.Add(cb.config.Window)) {
		return
	}
	wasTripped := cb.state.Tripped
	cb.state = NewCircuitState(now)
	if wasTripped {
		cb.logger.Info("refresh circuit closed")
		snapshot := cb.snapshotLocked()
		go cb.persist(snapshot)
	}
}

func (cb *CircuitBreaker) snapshotLocked() []byte {
	if cb.store == nil {
		return nil
	}
	data, err := json.Marshal(cb.state)
	if err != nil {
		return nil
	}
	return data
}

func (cb *CircuitBreaker) persist(data []byte) {
	if cb.store == nil || data == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := cb.store.Set(ctx, CircuitStateKey, data); err != nil {
		cb.logger.Warn("circuit state not persisted", "error", err)
	}
}
