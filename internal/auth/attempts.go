package auth

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/maqeelabbas/sessionguard/internal/clock"
	"github.com/maqeelabbas/sessionguard/internal/kv"
	"github.com/maqeelabbas/sessionguard/internal/output"
	"github.com/maqeelabbas/sessionguard/internal/resilience"
)

// AttemptState tracks consecutive failed refresh attempts.
type AttemptState struct {
	Count         int       `json:"count"`
	LastAttemptAt time.Time `json:"last_attempt_at"`

	// NextAttemptAt is fixed when the failure is recorded, so the jitter
	// drawn for it does not change between reads.
	NextAttemptAt time.Time `json:"next_attempt_at,omitzero"`
}

// InBackoff reports whether a refresh attempt is not yet allowed at now.
func (a AttemptState) InBackoff(now time.Time) bool {
	return a.Count > 0 && now.Before(a.NextAttemptAt)
}

// Attempts persists AttemptState and applies the backoff policy to it.
type Attempts struct {
	backend kv.Store
	backoff *resilience.Backoff
	clock   clock.Clock
}

// NewAttempts creates an attempt tracker.
func NewAttempts(backend kv.Store, backoff *resilience.Backoff, clk clock.Clock) *Attempts {
	return &Attempts{backend: backend, backoff: backoff, clock: clock.Or(clk)}
}

// Load returns the current attempt state. Missing or unreadable state is
// the zero state.
func (a *Attempts) Load(ctx context.Context) (AttemptState, error) {
	data, err := a.backend.Get(ctx, AttemptsKey)
	if errors.Is(err, kv.ErrNotFound) {
		return AttemptState{}, nil
	}
	if err != nil {
		return AttemptState{}, output.ErrStore("load attempt state", err)
	}
	var st AttemptState
	if err := json.Unmarshal(data, &st); err != nil {
		return AttemptState{}, nil
	}
	return st, nil
}

// RecordFailure increments the failure count and schedules the next
// allowed attempt.
func (a *Attempts) RecordFailure(ctx context.Context) (AttemptState, error) {
	var st AttemptState
	err := kv.Update(ctx, a.backend, AttemptsKey, func(current []byte) ([]byte, error) {
		st = AttemptState{}
		if current != nil {
			_ = json.Unmarshal(current, &st)
		}
		now := a.clock.Now()
		st.Count++
		st.LastAttemptAt = now
		st.NextAttemptAt = now.Add(a.backoff.Next(st.Count))
		return json.Marshal(&st)
	})
	if err != nil {
		return AttemptState{}, output.ErrStore("record refresh failure", err)
	}
	return st, nil
}

// Reset records a successful attempt. State that was cleared stays
// cleared.
func (a *Attempts) Reset(ctx context.Context) error {
	err := kv.Update(ctx, a.backend, AttemptsKey, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, nil
		}
		return json.Marshal(&AttemptState{LastAttemptAt: a.clock.Now()})
	})
	if err != nil {
		return output.ErrStore("reset attempt state", err)
	}
	return nil
}

// Clear removes the attempt state entirely.
func (a *Attempts) Clear(ctx context.Context) error {
	if err := a.backend.Delete(ctx, AttemptsKey); err != nil {
		return output.ErrStore("clear attempt state", err)
	}
	return nil
}
