package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/maqeelabbas/sessionguard/internal/clock"
	"github.com/maqeelabbas/sessionguard/internal/observability"
	"github.com/maqeelabbas/sessionguard/internal/output"
	"github.com/maqeelabbas/sessionguard/internal/resilience"
)

// flightKey is the single-flight key; there is only one session per store.
const flightKey = "refresh"

// CoordinatorConfig tunes refresh timing.
type CoordinatorConfig struct {
	// FlightWait bounds how long a caller waits for an in-flight refresh
	// before carrying on with the token it already has.
	// Default: 15 seconds
	FlightWait time.Duration

	// RefreshTimeout bounds the network call to the issuer.
	// Default: 10 seconds
	RefreshTimeout time.Duration
}

// DefaultCoordinatorConfig returns the default refresh timing.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		FlightWait:     15 * time.Second,
		RefreshTimeout: 10 * time.Second,
	}
}

// Coordinator keeps at most one refresh in flight. Concurrent callers in
// this process share one flight; across processes the persisted Lock
// serializes leaders.
type Coordinator struct {
	store     *Store
	attempts  *Attempts
	lock      *Lock
	breaker   *resilience.CircuitBreaker
	refresher Refresher
	config    CoordinatorConfig
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *observability.SessionCollector

	group singleflight.Group
}

// CoordinatorDeps are the collaborators of a Coordinator.
type CoordinatorDeps struct {
	Store     *Store
	Attempts  *Attempts
	Lock      *Lock
	Breaker   *resilience.CircuitBreaker
	Refresher Refresher
	Clock     clock.Clock
	Logger    *slog.Logger
	Metrics   *observability.SessionCollector
}

// NewCoordinator creates a refresh coordinator.
func NewCoordinator(deps CoordinatorDeps, config CoordinatorConfig) *Coordinator {
	d := DefaultCoordinatorConfig()
	if config.FlightWait <= 0 {
		config.FlightWait = d.FlightWait
	}
	if config.RefreshTimeout <= 0 {
		config.RefreshTimeout = d.RefreshTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Coordinator{
		store:     deps.Store,
		attempts:  deps.Attempts,
		lock:      deps.Lock,
		breaker:   deps.Breaker,
		refresher: deps.Refresher,
		config:    config,
		clock:     clock.Or(deps.Clock),
		logger:    logger,
		metrics:   deps.Metrics,
	}
}

// Refresh refreshes the current token.
func (c *Coordinator) Refresh(ctx context.Context) (string, error) {
	seen, err := c.store.Token(ctx)
	if err != nil {
		return "", err
	}
	return c.RefreshFrom(ctx, seen)
}

// RefreshFrom refreshes on behalf of a caller that last observed seen. If
// the token has already moved on from seen and is not due, the new token is
// returned without contacting the issuer.
//
// Transient failures are absorbed: the existing token is returned with a
// nil error. Only an explicit rejection by the issuer, or having no token
// at all, yields an Unauthorized error.
func (c *Coordinator) RefreshFrom(ctx context.Context, seen string) (string, error) {
	ch := c.group.DoChan(flightKey, func() (any, error) {
		return c.lead(context.WithoutCancel(ctx), seen)
	})

	timer := time.NewTimer(c.config.FlightWait)
	defer timer.Stop()

	select {
	case res := <-ch:
		token, _ := res.Val.(string)
		return token, res.Err
	case <-timer.C:
		c.logger.Warn("refresh still in flight, continuing with current token", "wait", c.config.FlightWait)
		return c.current(ctx)
	case <-ctx.Done():
		return "", output.ErrNetwork(ctx.Err())
	}
}

// lead runs one refresh flight.
func (c *Coordinator) lead(ctx context.Context, seen string) (string, error) {
	c.metrics.RecordRefreshFlight()

	sess, err := c.store.Get(ctx)
	if err != nil {
		return seen, nil
	}
	if sess == nil {
		return "", output.ErrAuth("Not authenticated")
	}

	if tripped, until := c.breaker.RefreshTripped(); tripped {
		c.metrics.RecordBreakerRejection()
		c.hold(ctx, sess.Token, until)
		return sess.Token, nil
	}

	acquired, err := c.lock.Acquire(ctx)
	if err != nil {
		c.logger.Warn("refresh lock unavailable", "error", err)
		return sess.Token, nil
	}
	if !acquired {
		return c.current(ctx)
	}
	defer func() {
		if _, err := c.lock.Release(context.WithoutCancel(ctx)); err != nil {
			c.logger.Warn("refresh lock not released", "error", err)
		}
	}()

	// Another process may have refreshed while we waited for the lock.
	sess, err = c.store.Reload(ctx)
	if err != nil {
		return seen, nil
	}
	if sess == nil {
		return "", output.ErrAuth("Not authenticated")
	}
	if sess.Token != seen && !c.store.Due(sess) {
		return sess.Token, nil
	}

	now := c.clock.Now()
	st, err := c.attempts.Load(ctx)
	if err == nil && st.InBackoff(now) {
		c.hold(ctx, sess.Token, st.NextAttemptAt)
		return sess.Token, nil
	}

	if err := c.breaker.Allow(resilience.CategoryRefresh); err != nil {
		c.metrics.RecordBreakerRejection()
		if errors.Is(err, resilience.ErrRefreshTripped) {
			_, until := c.breaker.RefreshTripped()
			c.hold(ctx, sess.Token, until)
		}
		return sess.Token, nil
	}

	c.metrics.RecordRefreshCall()
	c.logger.Debug("refreshing token", "token", Fingerprint(sess.Token))

	rctx, cancel := context.WithTimeout(ctx, c.config.RefreshTimeout)
	grant, err := c.refresher.Refresh(rctx, sess.Token)
	cancel()

	switch {
	case err == nil:
		return c.succeed(ctx, sess, grant)
	case IsRejected(err):
		return c.reject(ctx, err)
	default:
		return c.softFail(ctx, sess, err)
	}
}

func (c *Coordinator) succeed(ctx context.Context, old *Session, grant Grant) (string, error) {
	applied, err := c.store.Replace(ctx, old.Token, grant)
	if err != nil {
		c.logger.Warn("refreshed token not persisted", "error", err)
		return old.Token, nil
	}
	if !applied {
		c.logger.Debug("session changed during refresh, discarding grant", "token", Fingerprint(grant.Token))
		return c.current(ctx)
	}
	if err := c.attempts.Reset(ctx); err != nil {
		c.logger.Warn("attempt state not reset", "error", err)
	}
	c.logger.Debug("token refreshed", "token", Fingerprint(grant.Token), "expires_at", grant.ExpiresAt)
	return grant.Token, nil
}

func (c *Coordinator) reject(ctx context.Context, cause error) (string, error) {
	c.metrics.RecordRefreshRejection()
	c.logger.Warn("token rejected by issuer, clearing session", "error", cause)
	if err := c.store.Clear(ctx); err != nil {
		c.logger.Warn("session not cleared", "error", err)
	}
	if err := c.attempts.Clear(ctx); err != nil {
		c.logger.Warn("attempt state not cleared", "error", err)
	}
	e := output.ErrAuth("Session rejected by server")
	e.Cause = cause
	return "", e
}

func (c *Coordinator) softFail(ctx context.Context, sess *Session, cause error) (string, error) {
	c.metrics.RecordRefreshSoftFailure()
	st, err := c.attempts.RecordFailure(ctx)
	if err != nil {
		c.logger.Warn("refresh failure not recorded", "error", err)
		return sess.Token, nil
	}
	c.hold(ctx, sess.Token, st.NextAttemptAt)
	c.logger.Warn("token refresh failed, keeping current token",
		"error", output.ErrRefreshTransientCause(cause),
		"attempt", st.Count,
		"next_attempt_at", st.NextAttemptAt)
	return sess.Token, nil
}

func (c *Coordinator) hold(ctx context.Context, token string, until time.Time) {
	if _, err := c.store.Hold(ctx, token, until); err != nil {
		c.logger.Warn("session hold not persisted", "error", err)
	}
}

// current returns the latest token from the backend.
func (c *Coordinator) current(ctx context.Context) (string, error) {
	sess, err := c.store.Reload(ctx)
	if err != nil {
		return "", err
	}
	if sess == nil {
		return "", output.ErrAuth("Not authenticated")
	}
	return sess.Token, nil
}

// Lock returns the persisted refresh lock.
func (c *Coordinator) Lock() *Lock {
	return c.lock
}

// Attempts returns the attempt tracker.
func (c *Coordinator) Attempts() *Attempts {
	return c.attempts
}
