package resilience

import (
	"time"
)

const (
	// StateVersion is the current snapshot schema version.
	StateVersion = 1

	// CircuitStateKey is the logical store key of the breaker snapshot.
	CircuitStateKey = "circuitState"
)

// Category classifies traffic for windowed counting.
type Category string

// Traffic categories.
const (
	CategoryAuth    Category = "auth"
	CategoryRefresh Category = "refresh"
	CategoryOther   Category = "other"
)

// CircuitState is the breaker's window state. It is persisted as a
// best-effort snapshot so a trip survives a restart.
type CircuitState struct {
	// Version is the schema version for future migrations.
	Version int `json:"version"`

	// Counters holds per-category counts for the current window.
	Counters map[Category]int `json:"window_counters"`

	// WindowStartedAt is when the current window began.
	WindowStartedAt time.Time `json:"window_started_at"`

	// Tripped is set once refresh attempts exceed their limit.
	Tripped bool `json:"tripped"`

	// CooldownUntil is when a tripped breaker closes again.
	CooldownUntil time.Time `json:"cooldown_until"`
}

// Total returns the number of events counted in the window.
func (s CircuitState) Total() int {
	n := 0
	for _, c := range s.Counters {
		n += c
	}
	return n
}

// clone returns a deep copy.
func (s CircuitState) clone() CircuitState {
	counters := make(map[Category]int, len(s.Counters))
	for k, v := range s.Counters {
		counters[k] = v
	}
	s.Counters = counters
	return s
}

// NewCircuitState returns an empty state with a window starting at now.
func NewCircuitState(now time.Time) CircuitState {
	return CircuitState{
		Version:         StateVersion,
		Counters:        map[Category]int{},
		WindowStartedAt: now,
	}
}
