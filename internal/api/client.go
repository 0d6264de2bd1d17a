// Package api dispatches authenticated requests: it checks the session
// before sending, and retries once through a token refresh on a 401.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/maqeelabbas/sessionguard/internal/auth"
	"github.com/maqeelabbas/sessionguard/internal/clock"
	"github.com/maqeelabbas/sessionguard/internal/hostutil"
	"github.com/maqeelabbas/sessionguard/internal/observability"
	"github.com/maqeelabbas/sessionguard/internal/output"
	"github.com/maqeelabbas/sessionguard/internal/resilience"
	"github.com/maqeelabbas/sessionguard/internal/version"
)

// DefaultRequestTimeout bounds each send.
const DefaultRequestTimeout = 30 * time.Second

// Config configures a Client.
type Config struct {
	// BaseURL is prefixed to every endpoint.
	BaseURL string

	// RefreshPath is classified as refresh traffic.
	// Default: /auth/refresh-token
	RefreshPath string

	// AuthPrefixes are endpoint prefixes classified as auth traffic.
	// Default: ["/auth/"]
	AuthPrefixes []string

	// RequestTimeout bounds each send, including reading the body.
	// Default: 30 seconds
	RequestTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RefreshPath == "" {
		c.RefreshPath = auth.DefaultRefreshPath
	}
	if c.AuthPrefixes == nil {
		c.AuthPrefixes = []string{"/auth/"}
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	return c
}

// Deps are the collaborators of a Client.
type Deps struct {
	HTTPClient  *http.Client
	Store       *auth.Store
	Coordinator *auth.Coordinator
	Breaker     *resilience.CircuitBreaker
	Ledger      *resilience.RetryLedger
	Metrics     *observability.SessionCollector
	Clock       clock.Clock
	Logger      *slog.Logger
}

// Client sends requests on behalf of the current session.
type Client struct {
	httpClient *http.Client
	cfg        Config
	store      *auth.Store
	coord      *auth.Coordinator
	breaker    *resilience.CircuitBreaker
	ledger     *resilience.RetryLedger
	metrics    *observability.SessionCollector
	clock      clock.Clock
	logger     *slog.Logger
}

// Response wraps an API response.
type Response struct {
	// Data is the raw body; nil for 204 or an empty body.
	Data       json.RawMessage
	StatusCode int
	Headers    http.Header
}

// UnmarshalData unmarshals the response data into the given value.
func (r *Response) UnmarshalData(v any) error {
	if len(r.Data) == 0 {
		return errors.New("response has no body")
	}
	return json.Unmarshal(r.Data, v)
}

// NewClient creates a dispatcher.
func NewClient(cfg Config, deps Deps) *Client {
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		httpClient: httpClient,
		cfg:        cfg.withDefaults(),
		store:      deps.Store,
		coord:      deps.Coordinator,
		breaker:    deps.Breaker,
		ledger:     deps.Ledger,
		metrics:    deps.Metrics,
		clock:      clock.Or(deps.Clock),
		logger:     logger,
	}
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, endpoint string) (*Response, error) {
	return c.Send(ctx, http.MethodGet, endpoint, nil)
}

// Post performs a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, endpoint string, body any) (*Response, error) {
	return c.Send(ctx, http.MethodPost, endpoint, body)
}

// Put performs a PUT request with a JSON body.
func (c *Client) Put(ctx context.Context, endpoint string, body any) (*Response, error) {
	return c.Send(ctx, http.MethodPut, endpoint, body)
}

// Patch performs a PATCH request with a JSON body.
func (c *Client) Patch(ctx context.Context, endpoint string, body any) (*Response, error) {
	return c.Send(ctx, http.MethodPatch, endpoint, body)
}

// Delete performs a DELETE request.
func (c *Client) Delete(ctx context.Context, endpoint string) (*Response, error) {
	return c.Send(ctx, http.MethodDelete, endpoint, nil)
}

// Classify returns the traffic category of endpoint.
func (c *Client) Classify(endpoint string) resilience.Category {
	if endpoint == c.cfg.RefreshPath {
		return resilience.CategoryRefresh
	}
	for _, p := range c.cfg.AuthPrefixes {
		if strings.HasPrefix(endpoint, p) {
			return resilience.CategoryAuth
		}
	}
	return resilience.CategoryOther
}

// Send issues method on endpoint with body encoded as JSON.
//
// Requests outside the auth endpoints require a session; a token that is
// due is refreshed first. A 401 triggers one refresh and one resend; a
// second 401 is returned as Unauthorized.
func (c *Client) Send(ctx context.Context, method, endpoint string, body any) (*Response, error) {
	start := c.clock.Now()
	method = strings.ToUpper(method)
	resp, retried, err := c.send(ctx, method, endpoint, body)

	m := observability.RequestMetrics{
		Method:   method,
		Endpoint: endpoint,
		Category: string(c.Classify(endpoint)),
		Duration: c.clock.Now().Sub(start),
		Retried:  retried,
		Error:    err,
	}
	if resp != nil {
		m.StatusCode = resp.StatusCode
	}
	if e := output.AsError(err); e != nil {
		m.Code = e.Code
		m.StatusCode = e.HTTPStatus
	}
	c.metrics.RecordRequest(m)
	return resp, err
}

func (c *Client) send(ctx context.Context, method, endpoint string, body any) (*Response, bool, error) {
	if !allowedMethod(method) {
		return nil, false, output.ErrUsage(fmt.Sprintf("unsupported method %q", method))
	}
	if endpoint == "" || strings.Contains(endpoint, "://") {
		return nil, false, output.ErrUsage(fmt.Sprintf("endpoint %q must be a path", endpoint))
	}
	endpoint = hostutil.Path(endpoint)

	category := c.Classify(endpoint)
	if err := c.breaker.Allow(category); err != nil {
		if errors.Is(err, resilience.ErrRefreshTripped) {
			return nil, false, output.ErrRateLimit(string(category))
		}
		return nil, false, err
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, false, output.ErrUsage(fmt.Sprintf("failed to marshal body: %v", err))
		}
	}

	if category != resilience.CategoryOther {
		token, err := c.store.Token(ctx)
		if err != nil {
			return nil, false, err
		}
		resp, err := c.roundTrip(ctx, method, endpoint, payload, token)
		if isUnauthorizedStatus(err) {
			return nil, false, output.ErrAuth("Authentication failed")
		}
		return resp, false, err
	}

	token, err := c.ensureToken(ctx)
	if err != nil {
		return nil, false, err
	}

	resp, err := c.roundTrip(ctx, method, endpoint, payload, token)
	if !isUnauthorizedStatus(err) {
		return resp, false, err
	}

	sig := resilience.Signature(method, endpoint)
	first, marked := c.ledger.TryMark(sig, token)
	if !first && marked != token {
		c.logger.Debug("401 after recent retry, not retrying", "request", sig)
		return nil, false, output.ErrAuth("Authentication failed")
	}

	// A second caller whose token drew the same 401 shares the first
	// caller's refresh and still gets its own resend.
	c.logger.Debug("401, refreshing and retrying once", "request", sig, "concurrent", !first)
	next, err := c.coord.RefreshFrom(ctx, token)
	if err != nil {
		return nil, false, err
	}
	if !first && (next == "" || next == token) {
		return nil, false, output.ErrAuth("Authentication failed")
	}

	resp, err = c.roundTrip(ctx, method, endpoint, payload, next)
	if isUnauthorizedStatus(err) {
		return nil, true, output.ErrAuth("Authentication failed after token refresh")
	}
	if err == nil {
		c.ledger.Forget(sig)
	}
	return resp, true, err
}

// ensureToken returns a token for sending, refreshing first when due.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	sess, err := c.store.Get(ctx)
	if err != nil {
		return "", err
	}
	if sess == nil {
		return "", output.ErrAuth("Not authenticated")
	}
	if !c.store.Due(sess) {
		return sess.Token, nil
	}

	token, err := c.coord.RefreshFrom(ctx, sess.Token)
	switch {
	case err == nil:
		return token, nil
	case errors.Is(err, output.ErrUnauthorized):
		return "", err
	default:
		return sess.Token, nil
	}
}

// roundTrip performs one HTTP exchange and maps the outcome.
func (c *Client) roundTrip(ctx context.Context, method, endpoint string, payload []byte, token string) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, hostutil.Join(c.cfg.BaseURL, endpoint), bodyReader)
	if err != nil {
		return nil, output.ErrUsage(err.Error())
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("request", "method", method, "endpoint", endpoint, "token", auth.Fingerprint(token))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, output.ErrNetwork(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, output.ErrNetwork(err)
	}

	c.logger.Debug("response", "method", method, "endpoint", endpoint, "status", resp.StatusCode)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		r := &Response{StatusCode: resp.StatusCode, Headers: resp.Header}
		if len(respBody) > 0 {
			r.Data = respBody
		}
		return r, nil
	}
	return nil, requestError(resp.StatusCode, respBody)
}

// requestError builds a RequestFailed error, lifting a message out of a
// JSON error body when there is one.
func requestError(status int, body []byte) error {
	var apiErr struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &apiErr) == nil {
		msg := apiErr.Error
		if msg == "" {
			msg = apiErr.Message
		}
		if msg != "" {
			return output.ErrRequestMessage(status, msg, body)
		}
	}
	return output.ErrRequest(status, body)
}

func isUnauthorizedStatus(err error) bool {
	e := output.AsError(err)
	return e != nil && e.Code == output.CodeRequestFailed && e.HTTPStatus == http.StatusUnauthorized
}

func allowedMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
