package sessionguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/maqeelabbas/sessionguard/internal/api"
	"github.com/maqeelabbas/sessionguard/internal/auth"
	"github.com/maqeelabbas/sessionguard/internal/clock"
	"github.com/maqeelabbas/sessionguard/internal/config"
	"github.com/maqeelabbas/sessionguard/internal/hostutil"
	"github.com/maqeelabbas/sessionguard/internal/kv"
	"github.com/maqeelabbas/sessionguard/internal/observability"
	"github.com/maqeelabbas/sessionguard/internal/output"
	"github.com/maqeelabbas/sessionguard/internal/resilience"
)

// Config is the resolved configuration of a Client.
type Config = config.Config

// FlagOverrides carries command-line values that win over every other
// configuration source.
type FlagOverrides = config.FlagOverrides

// Response is a successful API response.
type Response = api.Response

// Metrics is a snapshot of a Client's counters.
type Metrics = observability.SessionMetrics

// DefaultConfig returns the default configuration. BaseURL must be set
// before use.
func DefaultConfig() *Config { return config.Default() }

// LoadConfig resolves configuration from defaults, the config file, .env,
// SESSIONGUARD_* variables, and overrides, in increasing precedence.
func LoadConfig(overrides FlagOverrides) (*Config, error) { return config.Load(overrides) }

// BindFlags registers the --session-* flags on a host's flag set.
var BindFlags = config.BindFlags

// Client sends API requests on behalf of one persisted session.
type Client struct {
	cfg     *config.Config
	backend kv.Store
	owned   bool

	store    *auth.Store
	attempts *auth.Attempts
	lock     *auth.Lock
	coord    *auth.Coordinator
	breaker  *resilience.CircuitBreaker
	ledger   *resilience.RetryLedger
	api      *api.Client
	metrics  *observability.SessionCollector
	clock    clock.Clock
	logger   *slog.Logger

	stopWatch context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// New builds a Client from cfg. Unless WithStore is given, the configured
// backend is opened and owned by the Client until Close.
func New(ctx context.Context, cfg *Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, output.ErrUsage("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	baseURL, err := hostutil.ParseBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = newLogger(cfg.Verbose, nil)
	}
	clk := clock.Or(o.clock)

	backend, owned := o.store, false
	if backend == nil {
		backend, err = kv.Open(ctx, kv.Options{
			Backend:        cfg.Store.Backend,
			Dir:            cfg.Store.Dir,
			KeyringService: cfg.Store.KeyringService,
			RedisAddr:      cfg.Store.RedisAddr,
			RedisPassword:  cfg.Store.RedisPassword,
			RedisDB:        cfg.Store.RedisDB,
			RedisPrefix:    cfg.Store.RedisPrefix,
			PostgresDSN:    cfg.Store.PostgresDSN,
			PostgresTable:  cfg.Store.PostgresTable,
		})
		if err != nil {
			return nil, output.ErrStore("open "+cfg.Store.Backend, err)
		}
		owned = true
	}

	backoff := resilience.NewBackoff(resilience.BackoffConfig{
		BaseDelay: cfg.BackoffBase,
		MaxDelay:  cfg.BackoffMax,
		MaxJitter: cfg.BackoffJitter,
	})
	if o.jitter != nil {
		backoff = backoff.WithJitterSource(o.jitter)
	}

	metrics := observability.NewSessionCollector()
	store := auth.NewStore(backend, auth.StoreConfig{
		BufferRatio:    cfg.BufferRatio,
		BufferCap:      cfg.BufferCap,
		LegacyLifetime: cfg.LegacyLifetime,
	}, clk, logger)
	attempts := auth.NewAttempts(backend, backoff, clk)
	lock := auth.NewLock(backend, auth.LockConfig{
		Wait:       cfg.LockWait,
		Poll:       cfg.LockPoll,
		StaleAfter: cfg.LockStale,
	}, clk, logger)

	breaker := resilience.NewCircuitBreaker(backend, resilience.CircuitBreakerConfig{
		Window:       cfg.BreakerWindow,
		AuthLimit:    cfg.AuthLimit,
		RefreshLimit: cfg.RefreshLimit,
		OtherLimit:   cfg.OtherLimit,
		TotalLimit:   cfg.TotalLimit,
	}, clk, logger)
	breaker.Restore(ctx)

	ledger := resilience.NewRetryLedger(cfg.RetryWindow, clk)

	refresher := o.refresher
	if refresher == nil {
		r := auth.NewHTTPRefresher(baseURL, o.httpClient)
		r.Path = cfg.RefreshPath
		r.Clock = clk
		r.Fallback = cfg.LegacyLifetime
		refresher = r
	}

	coord := auth.NewCoordinator(auth.CoordinatorDeps{
		Store:     store,
		Attempts:  attempts,
		Lock:      lock,
		Breaker:   breaker,
		Refresher: refresher,
		Clock:     clk,
		Logger:    logger,
		Metrics:   metrics,
	}, auth.CoordinatorConfig{
		FlightWait:     cfg.LockWait + cfg.RefreshTimeout,
		RefreshTimeout: cfg.RefreshTimeout,
	})

	dispatcher := api.NewClient(api.Config{
		BaseURL:        baseURL,
		RefreshPath:    cfg.RefreshPath,
		AuthPrefixes:   cfg.AuthPrefixes,
		RequestTimeout: cfg.RequestTimeout,
	}, api.Deps{
		HTTPClient:  o.httpClient,
		Store:       store,
		Coordinator: coord,
		Breaker:     breaker,
		Ledger:      ledger,
		Metrics:     metrics,
		Clock:       clk,
		Logger:      logger,
	})

	c := &Client{
		cfg:       cfg,
		backend:   backend,
		owned:     owned,
		store:     store,
		attempts:  attempts,
		lock:      lock,
		coord:     coord,
		breaker:   breaker,
		ledger:    ledger,
		api:       dispatcher,
		metrics:   metrics,
		clock:     clk,
		logger:    logger,
		stopWatch: func() {},
	}
	c.watch()
	return c, nil
}

// watch drops the cached session whenever another process rewrites the
// backend, for backends that can report changes.
func (c *Client) watch() {
	w, ok := c.backend.(kv.Watcher)
	if !ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Watch(ctx, c.store.Invalidate); err != nil {
		cancel()
		c.logger.Warn("session store watch unavailable", "error", err)
		return
	}
	c.stopWatch = cancel
}

// Send issues method on endpoint with body encoded as JSON.
func (c *Client) Send(ctx context.Context, method, endpoint string, body any) (*Response, error) {
	return c.api.Send(ctx, method, endpoint, body)
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, endpoint string) (*Response, error) {
	return c.api.Get(ctx, endpoint)
}

// Post performs a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, endpoint string, body any) (*Response, error) {
	return c.api.Post(ctx, endpoint, body)
}

// Put performs a PUT request with a JSON body.
func (c *Client) Put(ctx context.Context, endpoint string, body any) (*Response, error) {
	return c.api.Put(ctx, endpoint, body)
}

// Patch performs a PATCH request with a JSON body.
func (c *Client) Patch(ctx context.Context, endpoint string, body any) (*Response, error) {
	return c.api.Patch(ctx, endpoint, body)
}

// Delete performs a DELETE request.
func (c *Client) Delete(ctx context.Context, endpoint string) (*Response, error) {
	return c.api.Delete(ctx, endpoint)
}

// Login posts credentials to an auth endpoint and stores the token it
// returns. The endpoint must fall under one of the configured auth
// prefixes so that no session is required to reach it.
func (c *Client) Login(ctx context.Context, endpoint string, credentials any) error {
	if c.api.Classify(hostutil.Path(endpoint)) != resilience.CategoryAuth {
		return output.ErrUsage(fmt.Sprintf("login endpoint %q is not an auth endpoint", endpoint))
	}
	resp, err := c.api.Post(ctx, endpoint, credentials)
	if err != nil {
		return err
	}

	grant, err := auth.ParseGrant(resp.Data, resp.StatusCode, c.clock.Now(), c.cfg.LegacyLifetime)
	if err != nil {
		if auth.IsRejected(err) {
			e := output.ErrAuth("Login rejected")
			e.Cause = err
			return e
		}
		return output.ErrRequestMessage(resp.StatusCode, err.Error(), resp.Data)
	}
	return c.adopt(ctx, grant)
}

// Adopt stores a token obtained elsewhere. A zero expiresAt is taken from
// the token's exp claim, or a short default lifetime.
func (c *Client) Adopt(ctx context.Context, token string, expiresAt time.Time) error {
	if token == "" {
		return output.ErrUsage("token must not be empty")
	}
	if expiresAt.IsZero() {
		return c.adopt(ctx, auth.NewGrant(token, c.clock.Now(), c.cfg.LegacyLifetime))
	}
	return c.adopt(ctx, auth.Grant{Token: token, ExpiresAt: expiresAt})
}

func (c *Client) adopt(ctx context.Context, g auth.Grant) error {
	if err := c.store.Set(ctx, g.Token, g.ExpiresAt, g.IssuedAt); err != nil {
		return err
	}
	if err := c.attempts.Reset(ctx); err != nil {
		return err
	}
	c.ledger.Reset()
	return nil
}

// Logout forgets the session: the token, refresh attempt history, and
// retry ledger. The refresh lock is released only if this Client holds it.
func (c *Client) Logout(ctx context.Context) error {
	var errs []error
	if err := c.store.Clear(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := c.attempts.Clear(ctx); err != nil {
		errs = append(errs, err)
	}
	c.ledger.Reset()
	if c.lock.Held(ctx) {
		if _, err := c.lock.Release(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsAuthenticated reports whether an unexpired token is stored. It never
// refreshes.
func (c *Client) IsAuthenticated(ctx context.Context) bool {
	return c.store.IsAuthenticated(ctx)
}

// Refresh forces a token refresh and returns the resulting token. Transient
// failures return the existing token with a nil error.
func (c *Client) Refresh(ctx context.Context) (string, error) {
	return c.coord.Refresh(ctx)
}

// Stats returns a snapshot of request and refresh counters.
func (c *Client) Stats() Metrics {
	return c.metrics.Summary()
}

// Close stops watching the backend and closes it if the Client opened it.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.stopWatch()
		if c.owned {
			c.closeErr = c.backend.Close()
		}
	})
	return c.closeErr
}
