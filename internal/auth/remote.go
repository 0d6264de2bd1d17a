package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/maqeelabbas/sessionguard/internal/clock"
	"github.com/maqeelabbas/sessionguard/internal/hostutil"
	"github.com/maqeelabbas/sessionguard/internal/output"
	"github.com/maqeelabbas/sessionguard/internal/version"
)

// DefaultRefreshPath is the issuer's refresh endpoint.
const DefaultRefreshPath = "/auth/refresh-token"

// maxResponseBytes bounds how much of an issuer response is read.
const maxResponseBytes = 1 << 20

// Grant is a token issued by login or refresh.
type Grant struct {
	Token     string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

// Refresher exchanges the current token for a new one.
//
// Implementations return a *RejectedError when the issuer explicitly
// refuses the token. Any other error is treated as transient.
type Refresher interface {
	Refresh(ctx context.Context, token string) (Grant, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, token string) (Grant, error)

// Refresh calls f.
func (f RefresherFunc) Refresh(ctx context.Context, token string) (Grant, error) {
	return f(ctx, token)
}

// RejectedError reports that the issuer refused the token.
type RejectedError struct {
	StatusCode int
	Message    string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("token rejected (HTTP %d)", e.StatusCode)
	}
	return fmt.Sprintf("token rejected (HTTP %d): %s", e.StatusCode, e.Message)
}

// IsRejected reports whether err is an explicit rejection.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// tokenEnvelope is the issuer's response body. Both the wrapped
// {success, data:{...}} form and a bare {token, tokenExpires} are accepted.
type tokenEnvelope struct {
	Success *bool         `json:"success"`
	Message string        `json:"message"`
	Data    *tokenPayload `json:"data"`
	tokenPayload
}

type tokenPayload struct {
	Token        string          `json:"token"`
	TokenExpires json.RawMessage `json:"tokenExpires"`
}

// ParseGrant decodes an issuer response. A response with success:false is
// a *RejectedError. When no usable expiry is given the token's exp claim is
// used, then now+fallback.
func ParseGrant(body []byte, status int, now time.Time, fallback time.Duration) (Grant, error) {
	var env tokenEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Grant{}, fmt.Errorf("decode token response: %w", err)
	}
	if env.Success != nil && !*env.Success {
		return Grant{}, &RejectedError{StatusCode: status, Message: env.Message}
	}

	payload := env.tokenPayload
	if env.Data != nil && env.Data.Token != "" {
		payload = *env.Data
	}
	if payload.Token == "" {
		return Grant{}, errors.New("token response carries no token")
	}

	g := NewGrant(payload.Token, now, fallback)
	if t, ok := parseRawTimestamp(payload.TokenExpires); ok {
		g.ExpiresAt = t
	}
	return g, nil
}

// NewGrant builds a Grant for a token that came without an expiry. Times
// are read from its JWT claims when present; otherwise it expires at
// now+fallback.
func NewGrant(token string, now time.Time, fallback time.Duration) Grant {
	g := Grant{Token: token, IssuedAt: now, ExpiresAt: now.Add(fallback)}
	exp, iat, ok := claimTimes(token)
	if !ok {
		return g
	}
	if !iat.IsZero() {
		g.IssuedAt = iat
	}
	if !exp.IsZero() {
		g.ExpiresAt = exp
	}
	return g
}

// HTTPRefresher calls the issuer's refresh endpoint with the current token
// in a JSON body.
type HTTPRefresher struct {
	BaseURL    string
	Path       string
	HTTPClient *http.Client
	Clock      clock.Clock

	// Fallback is the lifetime assumed when the issuer sends no expiry.
	Fallback time.Duration
}

// NewHTTPRefresher creates a refresher for baseURL.
func NewHTTPRefresher(baseURL string, httpClient *http.Client) *HTTPRefresher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPRefresher{
		BaseURL:    baseURL,
		Path:       DefaultRefreshPath,
		HTTPClient: httpClient,
		Fallback:   DefaultStoreConfig().LegacyLifetime,
	}
}

// Refresh implements Refresher.
func (r *HTTPRefresher) Refresh(ctx context.Context, token string) (Grant, error) {
	payload, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return Grant{}, err
	}

	path := r.Path
	if path == "" {
		path = DefaultRefreshPath
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hostutil.Join(r.BaseURL, path), bytes.NewReader(payload))
	if err != nil {
		return Grant{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return Grant{}, output.ErrNetwork(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Grant{}, output.ErrNetwork(err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Grant{}, &RejectedError{StatusCode: resp.StatusCode, Message: messageOf(body)}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return Grant{}, output.ErrRequestMessage(resp.StatusCode, "token refresh failed", body)
	}

	return ParseGrant(body, resp.StatusCode, clock.Or(r.Clock).Now(), r.Fallback)
}

// messageOf pulls a "message" or "error" field out of a JSON error body.
func messageOf(body []byte) string {
	var v struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &v) != nil {
		return ""
	}
	if v.Message != "" {
		return v.Message
	}
	return v.Error
}
