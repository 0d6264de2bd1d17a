package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maqeelabbas/sessionguard/internal/auth"
	"github.com/maqeelabbas/sessionguard/internal/clock"
	"github.com/maqeelabbas/sessionguard/internal/kv"
	"github.com/maqeelabbas/sessionguard/internal/observability"
	"github.com/maqeelabbas/sessionguard/internal/output"
	"github.com/maqeelabbas/sessionguard/internal/resilience"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type stack struct {
	client  *Client
	store   *auth.Store
	clock   *clock.Fake
	metrics *observability.SessionCollector
	hits    atomic.Int32
	refresh atomic.Int32
}

type stackOptions struct {
	refresh func(n int32, token string) (auth.Grant, error)
	delay   time.Duration
	breaker resilience.CircuitBreakerConfig
	timeout time.Duration
}

func newStack(t *testing.T, handler http.HandlerFunc, opts stackOptions) *stack {
	t.Helper()
	s := &stack{clock: clock.NewFake(epoch), metrics: observability.NewSessionCollector()}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	if opts.refresh == nil {
		opts.refresh = func(n int32, _ string) (auth.Grant, error) {
			now := s.clock.Now()
			return auth.Grant{Token: fmt.Sprintf("new-%d", n), ExpiresAt: now.Add(time.Hour), IssuedAt: now}, nil
		}
	}
	refresher := auth.RefresherFunc(func(ctx context.Context, token string) (auth.Grant, error) {
		n := s.refresh.Add(1)
		if opts.delay > 0 {
			time.Sleep(opts.delay)
		}
		return opts.refresh(n, token)
	})

	cfg := resilience.DefaultConfig()
	if opts.breaker.Window > 0 {
		cfg.CircuitBreaker = opts.breaker
	}
	backend := kv.NewMemory()
	backoff := resilience.NewBackoff(cfg.Backoff).WithJitterSource(func(time.Duration) time.Duration { return 0 })
	breaker := resilience.NewCircuitBreaker(backend, cfg.CircuitBreaker, s.clock, nil)

	s.store = auth.NewStore(backend, auth.DefaultStoreConfig(), s.clock, nil)
	coord := auth.NewCoordinator(auth.CoordinatorDeps{
		Store:     s.store,
		Attempts:  auth.NewAttempts(backend, backoff, s.clock),
		Lock:      auth.NewLock(backend, auth.LockConfig{Wait: 200 * time.Millisecond, Poll: 5 * time.Millisecond}, s.clock, nil),
		Breaker:   breaker,
		Refresher: refresher,
		Clock:     s.clock,
		Metrics:   s.metrics,
	}, auth.CoordinatorConfig{FlightWait: 2 * time.Second, RefreshTimeout: time.Second})

	s.client = NewClient(Config{BaseURL: srv.URL, RequestTimeout: opts.timeout}, Deps{
		HTTPClient:  srv.Client(),
		Store:       s.store,
		Coordinator: coord,
		Breaker:     breaker,
		Ledger:      resilience.NewRetryLedger(cfg.RetryWindow, s.clock),
		Metrics:     s.metrics,
		Clock:       s.clock,
	})
	return s
}

func (s *stack) seed(t *testing.T, token string, lifetime time.Duration) {
	t.Helper()
	require.NoError(t, s.store.Set(context.Background(), token, s.clock.Now().Add(lifetime), time.Time{}))
}

func bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func TestSendAttachesBearer(t *testing.T) {
	s := newStack(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/groups", r.URL.Path)
		assert.Equal(t, "tok", bearer(r))
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":1}]`))
	}, stackOptions{})
	s.seed(t, "tok", time.Hour)

	resp, err := s.client.Get(context.Background(), "/groups")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Headers.Get("Content-Type"))

	var groups []map[string]int
	require.NoError(t, resp.UnmarshalData(&groups))
	assert.Equal(t, 1, groups[0]["id"])
	assert.Equal(t, int32(0), s.refresh.Load())
}

func TestSendConcurrentDueTokenRefreshesOnce(t *testing.T) {
	s := newStack(t, func(w http.ResponseWriter, r *http.Request) {
		if bearer(r) != "new-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}, stackOptions{delay: 50 * time.Millisecond})
	s.seed(t, "old", 2*time.Minute)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.client.Send(context.Background(), "GET", "/groups", nil)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), s.refresh.Load())
	assert.Equal(t, int32(2), s.hits.Load())
}

func TestSendRetriesOnceAfter401(t *testing.T) {
	s := newStack(t, func(w http.ResponseWriter, r *http.Request) {
		if bearer(r) == "old" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}, stackOptions{})
	s.seed(t, "old", time.Hour)

	resp, err := s.client.Get(context.Background(), "/groups")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), s.hits.Load())
	assert.Equal(t, int32(1), s.refresh.Load())
	assert.Equal(t, 1, s.metrics.Summary().TotalRetries)

	// A successful retry frees the signature for a later 401.
	require.NoError(t, s.store.Set(context.Background(), "old", s.clock.Now().Add(time.Hour), time.Time{}))
	_, err = s.client.Get(context.Background(), "/groups")
	require.NoError(t, err)
	assert.Equal(t, int32(2), s.refresh.Load())
}

func TestSendSecond401IsUnauthorized(t *testing.T) {
	s := newStack(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}, stackOptions{})
	s.seed(t, "old", time.Hour)

	_, err := s.client.Get(context.Background(), "/groups")
	require.Error(t, err)
	assert.ErrorIs(t, err, output.ErrUnauthorized)
	assert.Equal(t, int32(2), s.hits.Load(), "no third send")
	assert.Equal(t, int32(1), s.refresh.Load())

	// The refreshed token is kept; only an issuer rejection clears it.
	tok, err := s.store.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new-1", tok)

	// Within the window the same request is not retried again.
	_, err = s.client.Get(context.Background(), "/groups")
	assert.ErrorIs(t, err, output.ErrUnauthorized)
	assert.Equal(t, int32(3), s.hits.Load())
	assert.Equal(t, int32(1), s.refresh.Load())

	// After the window it may be.
	s.clock.Advance(10 * time.Second)
	_, err = s.client.Get(context.Background(), "/groups")
	assert.ErrorIs(t, err, output.ErrUnauthorized)
	assert.Equal(t, int32(5), s.hits.Load())
	assert.Equal(t, int32(2), s.refresh.Load())
}

func TestSendConcurrentSame401BothRetry(t *testing.T) {
	var stale atomic.Int32
	both := make(chan struct{})
	s := newStack(t, func(w http.ResponseWriter, r *http.Request) {
		if bearer(r) == "old" {
			if stale.Add(1) == 2 {
				close(both)
			}
			select {
			case <-both:
			case <-time.After(2 * time.Second):
			}
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}, stackOptions{delay: 50 * time.Millisecond})
	s.seed(t, "old", time.Hour)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.client.Get(context.Background(), "/groups")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(2), stale.Load(), "both callers sent the stale token")
	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), s.refresh.Load())
	assert.Equal(t, int32(4), s.hits.Load())
}

func TestSendFailsFastAfterRejection(t *testing.T) {
	s := newStack(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}, stackOptions{refresh: func(int32, string) (auth.Grant, error) {
		return auth.Grant{}, &auth.RejectedError{StatusCode: http.StatusOK, Message: "invalid"}
	}})
	s.seed(t, "old", 2*time.Minute)

	_, err := s.client.Get(context.Background(), "/groups")
	assert.ErrorIs(t, err, output.ErrUnauthorized)
	assert.Equal(t, int32(0), s.hits.Load())
	assert.Equal(t, int32(1), s.refresh.Load())

	_, err = s.client.Get(context.Background(), "/groups")
	assert.ErrorIs(t, err, output.ErrUnauthorized)
	assert.Equal(t, int32(0), s.hits.Load())
	assert.Equal(t, int32(1), s.refresh.Load())
}

func TestSendWithoutSessionFailsFast(t *testing.T) {
	s := newStack(t, func(http.ResponseWriter, *http.Request) {}, stackOptions{})

	_, err := s.client.Post(context.Background(), "/groups", map[string]string{"name": "x"})
	assert.ErrorIs(t, err, output.ErrUnauthorized)
	assert.Equal(t, int32(0), s.hits.Load())
}

func TestSendTransientRefreshStillSends(t *testing.T) {
	s := newStack(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "old", bearer(r))
		_, _ = w.Write([]byte(`{}`))
	}, stackOptions{refresh: func(int32, string) (auth.Grant, error) {
		return auth.Grant{}, errors.New("issuer unavailable")
	}})
	s.seed(t, "old", 2*time.Minute)

	_, err := s.client.Get(context.Background(), "/groups")
	require.NoError(t, err)
	assert.Equal(t, int32(1), s.refresh.Load())

	// Backoff holds the token; the next request does not refresh.
	_, err = s.client.Get(context.Background(), "/groups")
	require.NoError(t, err)
	assert.Equal(t, int32(1), s.refresh.Load())
}

func TestSendRequestFailed(t *testing.T) {
	s := newStack(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"no such group"}`))
	}, stackOptions{})
	s.seed(t, "tok", time.Hour)

	_, err := s.client.Get(context.Background(), "/groups/9")
	require.Error(t, err)
	assert.ErrorIs(t, err, output.ErrRequestFailed)

	e := output.AsError(err)
	assert.Equal(t, http.StatusNotFound, e.HTTPStatus)
	assert.Equal(t, "no such group", e.Message)
	assert.JSONEq(t, `{"error":"no such group"}`, string(e.Body))
	assert.False(t, e.Retryable)
}

func TestSendServerErrorIsRetryable(t *testing.T) {
	s := newStack(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}, stackOptions{})
	s.seed(t, "tok", time.Hour)

	_, err := s.client.Delete(context.Background(), "/groups/1")
	e := output.AsError(err)
	require.NotNil(t, e)
	assert.Equal(t, output.CodeRequestFailed, e.Code)
	assert.True(t, e.Retryable)
	assert.Equal(t, int32(1), s.hits.Load(), "no retries for plain failures")
}

func TestSendTimeoutIsNetworkError(t *testing.T) {
	release := make(chan struct{})
	s := newStack(t, func(http.ResponseWriter, *http.Request) { <-release }, stackOptions{timeout: 50 * time.Millisecond})
	defer close(release)
	s.seed(t, "tok", time.Hour)

	_, err := s.client.Get(context.Background(), "/slow")
	require.Error(t, err)
	assert.ErrorIs(t, err, output.ErrNetworkFailure)
	assert.NotErrorIs(t, err, output.ErrUnauthorized)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSendRateLimited(t *testing.T) {
	cfg := resilience.DefaultConfig().CircuitBreaker
	cfg.OtherLimit = 2
	s := newStack(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}, stackOptions{breaker: cfg})
	s.seed(t, "tok", time.Hour)

	for i := 0; i < 2; i++ {
		_, err := s.client.Get(context.Background(), "/groups")
		require.NoError(t, err)
	}
	_, err := s.client.Get(context.Background(), "/groups")
	assert.ErrorIs(t, err, output.ErrRateLimited)
	assert.Equal(t, int32(2), s.hits.Load())

	s.clock.Advance(10 * time.Second)
	_, err = s.client.Get(context.Background(), "/groups")
	assert.NoError(t, err)
}

func TestSendRejectsInvalidInput(t *testing.T) {
	s := newStack(t, func(http.ResponseWriter, *http.Request) {}, stackOptions{})
	s.seed(t, "tok", time.Hour)

	for _, tc := range []struct{ method, endpoint string }{
		{"HEAD", "/groups"},
		{"TRACE", "/groups"},
		{"GET", ""},
		{"GET", "https://elsewhere.test/groups"},
	} {
		_, err := s.client.Send(context.Background(), tc.method, tc.endpoint, nil)
		e := output.AsError(err)
		require.NotNil(t, e, "%s %s", tc.method, tc.endpoint)
		assert.Equal(t, output.CodeUsage, e.Code)
	}
	assert.Equal(t, int32(0), s.hits.Load())

	_, err := s.client.Post(context.Background(), "/groups", func() {})
	assert.Equal(t, output.CodeUsage, output.AsError(err).Code)
}

func TestSendReusesBodyOnRetry(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
	)
	s := newStack(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		mu.Unlock()
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		if bearer(r) == "old" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":7}`))
	}, stackOptions{})
	s.seed(t, "old", time.Hour)

	resp, err := s.client.Patch(context.Background(), "/groups/7", map[string]any{"name": "eng"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Len(t, bodies, 2)
	assert.Equal(t, bodies[0], bodies[1])
	assert.JSONEq(t, `{"name":"eng"}`, bodies[0])
}

func TestSendNoContent(t *testing.T) {
	s := newStack(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}, stackOptions{})
	s.seed(t, "tok", time.Hour)

	resp, err := s.client.Delete(context.Background(), "/groups/1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Nil(t, resp.Data)
	assert.Error(t, resp.UnmarshalData(&struct{}{}))
}

func TestAuthEndpointsSkipSessionAndRetry(t *testing.T) {
	s := newStack(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"bad credentials"}`))
	}, stackOptions{})

	_, err := s.client.Post(context.Background(), "/auth/login", map[string]string{"user": "a"})
	assert.ErrorIs(t, err, output.ErrUnauthorized)
	assert.Equal(t, int32(1), s.hits.Load())
	assert.Equal(t, int32(0), s.refresh.Load())
}

func TestClassify(t *testing.T) {
	c := NewClient(Config{}, Deps{})
	assert.Equal(t, resilience.CategoryRefresh, c.Classify("/auth/refresh-token"))
	assert.Equal(t, resilience.CategoryAuth, c.Classify("/auth/login"))
	assert.Equal(t, resilience.CategoryOther, c.Classify("/groups"))
	assert.Equal(t, resilience.CategoryOther, c.Classify("/authors"))
}

func TestSendRecordsMetrics(t *testing.T) {
	s := newStack(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}, stackOptions{})
	s.seed(t, "tok", time.Hour)

	_, _ = s.client.Get(context.Background(), "/ok")
	_, _ = s.client.Get(context.Background(), "/bad")

	sum := s.metrics.Summary()
	assert.Equal(t, 2, sum.TotalRequests)
	assert.Equal(t, 1, sum.FailedOps)
	assert.Equal(t, 1, sum.FailuresByCode[output.CodeRequestFailed])
}

func TestResponseUnmarshalData(t *testing.T) {
	r := &Response{Data: json.RawMessage(`{"a":1}`)}
	var v map[string]int
	require.NoError(t, r.UnmarshalData(&v))
	assert.Equal(t, 1, v["a"])
}
