package resilience

import (
	"strings"
	"sync"
	"time"

	"github.com/maqeelabbas/sessionguard/internal/clock"
)

// RetryLedger remembers which request signatures already consumed their
// single 401 retry within a window, and for which token.
type RetryLedger struct {
	window time.Duration
	clock  clock.Clock

	mu      sync.Mutex
	entries map[string]ledgerEntry
}

type ledgerEntry struct {
	at    time.Time
	token string
}

// NewRetryLedger creates a ledger. A non-positive window takes the default.
func NewRetryLedger(window time.Duration, clk clock.Clock) *RetryLedger {
	if window <= 0 {
		window = DefaultConfig().RetryWindow
	}
	return &RetryLedger{
		window:  window,
		clock:   clock.Or(clk),
		entries: make(map[string]ledgerEntry),
	}
}

// Signature identifies a request for retry accounting.
func Signature(method, endpoint string) string {
	return strings.ToUpper(method) + " " + endpoint
}

// TryMark marks sig as retried after token drew a 401 and returns true,
// unless sig was already marked inside the window. When it returns false,
// marked is the token the existing mark was made for.
func (l *RetryLedger) TryMark(sig, token string) (ok bool, marked string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	for k, e := range l.entries {
		if now.Sub(e.at) >= l.window {
			delete(l.entries, k)
		}
	}
	if e, exists := l.entries[sig]; exists {
		return false, e.token
	}
	l.entries[sig] = ledgerEntry{at: now, token: token}
	return true, token
}

// Retried reports whether sig is marked inside the window.
func (l *RetryLedger) Retried(sig string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[sig]
	return ok && l.clock.Now().Sub(e.at) < l.window
}

// Forget unmarks sig, typically after its retry succeeded.
func (l *RetryLedger) Forget(sig string) {
	l.mu.Lock()
	delete(l.entries, sig)
	l.mu.Unlock()
}

// Reset forgets every signature.
func (l *RetryLedger) Reset() {
	l.mu.Lock()
	l.entries = make(map[string]ledgerEntry)
	l.mu.Unlock()
}

// Len returns the number of tracked signatures.
func (l *RetryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
