// Package auth owns the bearer session: its persisted record, the refresh
// lock and attempt state, and the coordinator that keeps a single refresh
// in flight.
package auth

import (
	"fmt"
	"time"
)

// Store keys.
const (
	SessionKey      = "session"
	LegacyTokenKey  = "token"
	LegacyExpiryKey = "tokenExpiry"
	AttemptsKey     = "refreshAttemptState"
	LockKey         = "refreshLock"
)

// Session is the persisted (token, expiry) pair. The whole record is
// written in one store operation so readers never see a torn pair.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	IssuedAt  time.Time `json:"issued_at,omitzero"`

	// HoldUntil suppresses refresh signalling while backoff or a tripped
	// breaker forbids contacting the issuer. ExpiresAt is left untouched.
	HoldUntil time.Time `json:"hold_until,omitzero"`
}

// Buffer returns how long before expiry a refresh becomes due: ratio of the
// issued lifetime, capped. Without an issuance time the cap applies.
func (s *Session) Buffer(ratio float64, limit time.Duration) time.Duration {
	if s.IssuedAt.IsZero() || !s.ExpiresAt.After(s.IssuedAt) {
		return limit
	}
	b := time.Duration(float64(s.ExpiresAt.Sub(s.IssuedAt)) * ratio)
	if b > limit {
		return limit
	}
	return b
}

// NeedsRefresh reports whether the token is missing, lacks an expiry, or
// expires within buffer of now. An active hold defers the signal.
func (s *Session) NeedsRefresh(now time.Time, buffer time.Duration) bool {
	if s == nil || s.Token == "" || s.ExpiresAt.IsZero() {
		return true
	}
	if now.Before(s.HoldUntil) {
		return false
	}
	return s.ExpiresAt.Sub(now) <= buffer
}

// Valid reports whether the token is present and not yet expired.
func (s *Session) Valid(now time.Time) bool {
	return s != nil && s.Token != "" && now.Before(s.ExpiresAt)
}

func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// Fingerprint renders a token for logs without revealing it.
func Fingerprint(token string) string {
	if token == "" {
		return "<none>"
	}
	prefix := token
	if len(prefix) > 6 {
		prefix = prefix[:6]
	}
	return fmt.Sprintf("%s…(%d)", prefix, len(token))
}
