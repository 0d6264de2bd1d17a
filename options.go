package sessionguard

import (
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/maqeelabbas/sessionguard/internal/auth"
	"github.com/maqeelabbas/sessionguard/internal/clock"
	"github.com/maqeelabbas/sessionguard/internal/kv"
)

// Backend is a durable key/value store with compare-and-swap. Any value
// implementing it can replace the configured backend via WithStore.
type Backend = kv.Store

// Refresher exchanges the current token for a new Grant.
type Refresher = auth.Refresher

// RefresherFunc adapts a function to Refresher.
type RefresherFunc = auth.RefresherFunc

// Grant is a token issued by a Refresher.
type Grant = auth.Grant

// RejectedError marks an explicit refusal by the issuer. A Refresher returns
// it to end the session; any other error is treated as transient.
type RejectedError = auth.RejectedError

// Clock supplies the current time.
type Clock = clock.Clock

// Option configures a Client.
type Option func(*options)

type options struct {
	store      kv.Store
	httpClient *http.Client
	refresher  auth.Refresher
	clock      clock.Clock
	logger     *slog.Logger
	jitter     func(max time.Duration) time.Duration
}

// WithStore uses backend instead of opening the configured one. The Client
// does not close a backend it did not open.
func WithStore(backend Backend) Option {
	return func(o *options) { o.store = backend }
}

// WithHTTPClient sets the HTTP client used for API requests and the
// default refresher.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithRefresher replaces the HTTP refresh call.
func WithRefresher(r Refresher) Option {
	return func(o *options) { o.refresher = r }
}

// WithClock sets the time source.
func WithClock(c Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger. Tokens are only ever logged as fingerprints.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithJitter replaces the backoff jitter source.
func WithJitter(fn func(max time.Duration) time.Duration) Option {
	return func(o *options) { o.jitter = fn }
}

// newLogger builds the default logger: warnings to stderr, or debug output
// when verbose.
func newLogger(verbose int, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level := slog.LevelWarn
	if verbose > 0 {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
