package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/maqeelabbas/sessionguard/internal/clock"
	"github.com/maqeelabbas/sessionguard/internal/kv"
	"github.com/maqeelabbas/sessionguard/internal/output"
	"github.com/maqeelabbas/sessionguard/internal/resilience"
)

// LockConfig tunes the persisted refresh lock.
type LockConfig struct {
	// Wait bounds how long Acquire waits for another holder.
	// Default: 5 seconds
	Wait time.Duration

	// Poll is the interval between acquisition attempts while waiting.
	// Default: 100 milliseconds
	Poll time.Duration

	// StaleAfter is the age at which a held lock may be taken over.
	// Default: 15 seconds
	StaleAfter time.Duration
}

// DefaultLockConfig returns the default lock timings.
func DefaultLockConfig() LockConfig {
	return LockConfig{
		Wait:       5 * time.Second,
		Poll:       100 * time.Millisecond,
		StaleAfter: 15 * time.Second,
	}
}

func (c LockConfig) withDefaults() LockConfig {
	d := DefaultLockConfig()
	if c.Wait <= 0 {
		c.Wait = d.Wait
	}
	if c.Poll <= 0 {
		c.Poll = d.Poll
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	return c
}

// LockRecord identifies the holder of the refresh lock.
type LockRecord struct {
	Owner      string    `json:"owner"`
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Lock is the cross-process tier of the refresh lock, held as a record in
// the store and changed only by compare-and-swap. Only the owner releases
// it; a holder that is too old or whose process has died on this host can
// be taken over.
type Lock struct {
	backend kv.Store
	config  LockConfig
	clock   clock.Clock
	logger  *slog.Logger

	owner string
	pid   int
	host  string
	alive func(pid int) bool
}

// NewLock creates a lock handle with a fresh owner identity.
func NewLock(backend kv.Store, config LockConfig, clk clock.Clock, logger *slog.Logger) *Lock {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	host, _ := os.Hostname()
	return &Lock{
		backend: backend,
		config:  config.withDefaults(),
		clock:   clock.Or(clk),
		logger:  logger,
		owner:   uuid.NewString(),
		pid:     os.Getpid(),
		host:    host,
		alive:   resilience.ProcessAlive,
	}
}

// Owner returns this handle's owner identity.
func (l *Lock) Owner() string {
	return l.owner
}

// Acquire takes the lock, waiting up to the configured Wait for the current
// holder. It returns false without error when the wait times out.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.TryAcquire(ctx)
	if ok || err != nil {
		return ok, err
	}

	timer := time.NewTimer(l.config.Wait)
	defer timer.Stop()
	ticker := time.NewTicker(l.config.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
			l.logger.Warn("refresh lock wait timed out", "wait", l.config.Wait)
			return false, nil
		case <-ticker.C:
			ok, err := l.TryAcquire(ctx)
			if ok || err != nil {
				return ok, err
			}
		}
	}
}

// TryAcquire makes one attempt to take the lock.
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	mine, err := json.Marshal(&LockRecord{
		Owner:      l.owner,
		PID:        l.pid,
		Host:       l.host,
		AcquiredAt: l.clock.Now(),
	})
	if err != nil {
		return false, err
	}

	current, err := l.backend.Get(ctx, LockKey)
	if errors.Is(err, kv.ErrNotFound) {
		current = nil
	} else if err != nil {
		return false, output.ErrStore("read refresh lock", err)
	}

	if current != nil {
		var rec LockRecord
		if err := json.Unmarshal(current, &rec); err == nil && !l.takeover(rec) {
			return false, nil
		}
	}

	swapped, err := l.backend.CompareAndSwap(ctx, LockKey, current, mine)
	if err != nil {
		return false, output.ErrStore("acquire refresh lock", err)
	}
	return swapped, nil
}

// takeover reports whether a lock held by rec may be claimed.
func (l *Lock) takeover(rec LockRecord) bool {
	if rec.Owner == l.owner {
		return true
	}
	age := l.clock.Now().Sub(rec.AcquiredAt)
	if age >= l.config.StaleAfter {
		l.logger.Warn("taking over stale refresh lock", "owner", rec.Owner, "age", age)
		return true
	}
	if rec.Host != "" && rec.Host == l.host && rec.PID != l.pid && !l.alive(rec.PID) {
		l.logger.Warn("taking over refresh lock from dead process", "owner", rec.Owner, "pid", rec.PID)
		return true
	}
	return false
}

// Release clears the lock if this handle holds it. It reports whether a
// release happened.
func (l *Lock) Release(ctx context.Context) (bool, error) {
	current, err := l.backend.Get(ctx, LockKey)
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, output.ErrStore("read refresh lock", err)
	}
	if !l.holds(current) {
		return false, nil
	}
	swapped, err := l.backend.CompareAndSwap(ctx, LockKey, current, nil)
	if err != nil {
		return false, output.ErrStore("release refresh lock", err)
	}
	return swapped, nil
}

// Held reports whether this handle currently holds the lock.
func (l *Lock) Held(ctx context.Context) bool {
	current, err := l.backend.Get(ctx, LockKey)
	if err != nil {
		return false
	}
	return l.holds(current)
}

// Holder returns the current lock record, if any.
func (l *Lock) Holder(ctx context.Context) (*LockRecord, error) {
	current, err := l.backend.Get(ctx, LockKey)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, output.ErrStore("read refresh lock", err)
	}
	var rec LockRecord
	if err := json.Unmarshal(current, &rec); err != nil {
		return nil, nil
	}
	return &rec, nil
}

func (l *Lock) holds(current []byte) bool {
	var rec LockRecord
	if err := json.Unmarshal(bytes.TrimSpace(current), &rec); err != nil {
		return false
	}
	return rec.Owner == l.owner
}
