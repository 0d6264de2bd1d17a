package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/maqeelabbas/sessionguard/internal/clock"
	"github.com/maqeelabbas/sessionguard/internal/kv"
	"github.com/maqeelabbas/sessionguard/internal/output"
)

// StoreConfig tunes expiry handling.
type StoreConfig struct {
	// BufferRatio is the share of the issued lifetime reserved before expiry.
	// Default: 0.10
	BufferRatio float64

	// BufferCap bounds the buffer.
	// Default: 5 minutes
	BufferCap time.Duration

	// LegacyLifetime is the expiry given to a token found without one.
	// Default: 2 minutes
	LegacyLifetime time.Duration
}

// DefaultStoreConfig returns the default expiry settings.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		BufferRatio:    0.10,
		BufferCap:      5 * time.Minute,
		LegacyLifetime: 2 * time.Minute,
	}
}

func (c StoreConfig) withDefaults() StoreConfig {
	d := DefaultStoreConfig()
	if c.BufferRatio <= 0 {
		c.BufferRatio = d.BufferRatio
	}
	if c.BufferCap <= 0 {
		c.BufferCap = d.BufferCap
	}
	if c.LegacyLifetime <= 0 {
		c.LegacyLifetime = d.LegacyLifetime
	}
	return c
}

// cached is the in-memory view of the session record. A nil session means
// the backend was read and holds none.
type cached struct {
	session *Session
}

// Store owns the current session. Reads are served from an in-memory cache
// that is filled from the backend on first use; every write goes to the
// backend first and then replaces the cache.
type Store struct {
	backend kv.Store
	config  StoreConfig
	clock   clock.Clock
	logger  *slog.Logger

	cache atomic.Pointer[cached]
}

// NewStore creates a session store over backend.
func NewStore(backend kv.Store, config StoreConfig, clk clock.Clock, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{
		backend: backend,
		config:  config.withDefaults(),
		clock:   clock.Or(clk),
		logger:  logger,
	}
}

// Config returns the effective expiry settings.
func (s *Store) Config() StoreConfig {
	return s.config
}

// Get returns a copy of the current session, or nil if there is none.
func (s *Store) Get(ctx context.Context) (*Session, error) {
	if c := s.cache.Load(); c != nil {
		return c.session.clone(), nil
	}
	return s.Reload(ctx)
}

// Token returns the current token, or "" if there is none.
func (s *Store) Token(ctx context.Context) (string, error) {
	sess, err := s.Get(ctx)
	if err != nil || sess == nil {
		return "", err
	}
	return sess.Token, nil
}

// Reload discards the cache and reads the backend.
func (s *Store) Reload(ctx context.Context) (*Session, error) {
	sess, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	s.cache.Store(&cached{session: sess})
	return sess.clone(), nil
}

// Invalidate drops the cache so the next read goes to the backend.
func (s *Store) Invalidate() {
	s.cache.Store(nil)
}

// Set replaces the session with token and its expiry. A zero issuedAt is
// taken from the token's iat claim when present.
func (s *Store) Set(ctx context.Context, token string, expiresAt, issuedAt time.Time) error {
	sess, err := newSession(token, expiresAt, issuedAt)
	if err != nil {
		return err
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	if err := s.backend.Set(ctx, SessionKey, data); err != nil {
		return output.ErrStore("save session", err)
	}
	s.cache.Store(&cached{session: sess})
	s.logger.Debug("session stored", "token", Fingerprint(token), "expires_at", expiresAt)
	return nil
}

// Replace stores g only while old is still the current token. A session
// cleared or replaced in the meantime is left as it is. Reports whether g
// was stored.
func (s *Store) Replace(ctx context.Context, old string, g Grant) (bool, error) {
	next, err := newSession(g.Token, g.ExpiresAt, g.IssuedAt)
	if err != nil {
		return false, err
	}
	var (
		applied bool
		after   *Session
	)
	err = kv.Update(ctx, s.backend, SessionKey, func(current []byte) ([]byte, error) {
		applied, after = false, nil
		if current == nil {
			return nil, nil
		}
		var sess Session
		if err := json.Unmarshal(current, &sess); err != nil || sess.Token == "" {
			return current, nil
		}
		after = &sess
		if sess.Token != old {
			return current, nil
		}
		applied, after = true, next
		return json.Marshal(next)
	})
	if err != nil {
		return false, output.ErrStore("replace session", err)
	}
	s.cache.Store(&cached{session: after})
	if applied {
		s.logger.Debug("session replaced", "token", Fingerprint(next.Token), "expires_at", next.ExpiresAt)
	}
	return applied, nil
}

func newSession(token string, expiresAt, issuedAt time.Time) (*Session, error) {
	if token == "" {
		return nil, output.ErrUsage("token must not be empty")
	}
	if issuedAt.IsZero() {
		if _, iat, ok := claimTimes(token); ok {
			issuedAt = iat
		}
	}
	return &Session{Token: token, ExpiresAt: expiresAt, IssuedAt: issuedAt}, nil
}

// Clear removes the session and any legacy token keys.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.backend.Delete(ctx, SessionKey, LegacyTokenKey, LegacyExpiryKey); err != nil {
		return output.ErrStore("clear session", err)
	}
	s.cache.Store(&cached{})
	return nil
}

// Hold defers refresh signalling for token until the given time. It is a
// no-op when token is no longer current or an equal or later hold exists.
// Reports whether the hold was applied.
func (s *Store) Hold(ctx context.Context, token string, until time.Time) (bool, error) {
	var (
		applied bool
		after   *Session
	)
	err := kv.Update(ctx, s.backend, SessionKey, func(current []byte) ([]byte, error) {
		applied, after = false, nil
		if current == nil {
			return nil, nil
		}
		var sess Session
		if err := json.Unmarshal(current, &sess); err != nil {
			return current, nil
		}
		after = &sess
		if sess.Token != token || !until.After(sess.HoldUntil) {
			return current, nil
		}
		sess.HoldUntil = until
		applied = true
		return json.Marshal(&sess)
	})
	if err != nil {
		return false, output.ErrStore("hold session", err)
	}
	s.cache.Store(&cached{session: after})
	if applied {
		s.logger.Debug("session held", "token", Fingerprint(token), "until", until)
	}
	return applied, nil
}

// Buffer returns the refresh buffer for sess.
func (s *Store) Buffer(sess *Session) time.Duration {
	if sess == nil {
		return s.config.BufferCap
	}
	return sess.Buffer(s.config.BufferRatio, s.config.BufferCap)
}

// NeedsRefresh reports whether the current session is due for refresh
// given buffer. A read failure counts as due.
func (s *Store) NeedsRefresh(ctx context.Context, buffer time.Duration) bool {
	sess, err := s.Get(ctx)
	if err != nil {
		return true
	}
	return sess.NeedsRefresh(s.clock.Now(), buffer)
}

// Due reports whether sess needs refresh using its own buffer.
func (s *Store) Due(sess *Session) bool {
	return sess.NeedsRefresh(s.clock.Now(), s.Buffer(sess))
}

// IsAuthenticated reports whether an unexpired token is present. It never
// triggers a refresh.
func (s *Store) IsAuthenticated(ctx context.Context) bool {
	sess, err := s.Get(ctx)
	if err != nil {
		return false
	}
	return sess.Valid(s.clock.Now())
}

func (s *Store) load(ctx context.Context) (*Session, error) {
	data, err := s.backend.Get(ctx, SessionKey)
	switch {
	case errors.Is(err, kv.ErrNotFound):
		return s.migrateLegacy(ctx)
	case err != nil:
		return nil, output.ErrStore("load session", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil || sess.Token == "" {
		s.logger.Warn("session record unreadable, ignoring", "error", err)
		return nil, nil
	}
	return &sess, nil
}

// migrateLegacy converts a bare token left under the legacy key into a
// session record. The expiry comes from the legacy expiry key, then the
// token's exp claim, then a short default lifetime.
func (s *Store) migrateLegacy(ctx context.Context) (*Session, error) {
	raw, err := s.backend.Get(ctx, LegacyTokenKey)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, output.ErrStore("load legacy token", err)
	}
	token := decodeLegacyString(raw)
	if token == "" {
		return nil, nil
	}

	now := s.clock.Now()
	sess := &Session{Token: token}
	if v, err := s.backend.Get(ctx, LegacyExpiryKey); err == nil {
		if t, ok := ParseTimestamp(decodeLegacyString(v)); ok {
			sess.ExpiresAt = t
		}
	}
	if exp, iat, ok := claimTimes(token); ok {
		if sess.ExpiresAt.IsZero() {
			sess.ExpiresAt = exp
		}
		sess.IssuedAt = iat
	}
	if sess.ExpiresAt.IsZero() {
		sess.ExpiresAt = now.Add(s.config.LegacyLifetime)
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return nil, err
	}
	swapped, err := s.backend.CompareAndSwap(ctx, SessionKey, nil, data)
	if err != nil {
		return nil, output.ErrStore("migrate legacy token", err)
	}
	if !swapped {
		// Someone else wrote a record first; theirs wins.
		return s.load(ctx)
	}
	if err := s.backend.Delete(ctx, LegacyTokenKey, LegacyExpiryKey); err != nil {
		s.logger.Warn("legacy token keys not removed", "error", err)
	}
	s.logger.Info("migrated legacy token", "token", Fingerprint(token), "expires_at", sess.ExpiresAt)
	return sess, nil
}

// decodeLegacyString accepts a raw or JSON-quoted string value.
func decodeLegacyString(raw []byte) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(raw))
}

// String satisfies fmt.Stringer without exposing the token.
func (s *Session) String() string {
	if s == nil {
		return "session(none)"
	}
	return fmt.Sprintf("session(%s, expires %s)", Fingerprint(s.Token), s.ExpiresAt.Format(time.RFC3339))
}
