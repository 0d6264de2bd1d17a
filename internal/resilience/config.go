package resilience

import (
	"time"
)

// Config holds configuration for all resilience primitives.
type Config struct {
	// Backoff configures the delay between failed refresh attempts.
	Backoff BackoffConfig

	// CircuitBreaker configures the windowed volume breaker.
	CircuitBreaker CircuitBreakerConfig

	// RetryWindow is how long a request signature stays marked as retried
	// after a 401-triggered retry.
	// Default: 10 seconds
	RetryWindow time.Duration
}

// BackoffConfig configures exponential refresh backoff.
type BackoffConfig struct {
	// BaseDelay is the delay after the first failure.
	// Default: 60 seconds
	BaseDelay time.Duration

	// MaxDelay caps the delay including jitter.
	// Default: 1 hour
	MaxDelay time.Duration

	// MaxJitter is the upper bound of the uniform random jitter added to each
	// delay so that client instances do not retry in lockstep.
	// Default: 5 seconds
	MaxJitter time.Duration
}

// CircuitBreakerConfig configures the sliding-window volume breaker.
type CircuitBreakerConfig struct {
	// Window is the length of the counting window. A tripped breaker stays
	// tripped until the window rolls over.
	// Default: 10 seconds
	Window time.Duration

	// AuthLimit is the max auth requests per window.
	// Default: 10
	AuthLimit int

	// RefreshLimit is the max refresh attempts per window. Exceeding it trips
	// the breaker for refresh operations.
	// Default: 5
	RefreshLimit int

	// OtherLimit is the max other requests per window.
	// Default: 30
	OtherLimit int

	// TotalLimit is the max requests of all categories per window. Exceeding
	// it rejects non-auth requests.
	// Default: 50
	TotalLimit int
}

// DefaultConfig returns a Config with the default thresholds.
func DefaultConfig() *Config {
	return &Config{
		Backoff: BackoffConfig{
			BaseDelay: 60 * time.Second,
			MaxDelay:  time.Hour,
			MaxJitter: 5 * time.Second,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Window:       10 * time.Second,
			AuthLimit:    10,
			RefreshLimit: 5,
			OtherLimit:   30,
			TotalLimit:   50,
		},
		RetryWindow: 10 * time.Second,
	}
}

// WithBackoff returns a copy of the config with custom backoff settings.
func (c *Config) WithBackoff(b BackoffConfig) *Config {
	copy := *c
	copy.Backoff = b
	return &copy
}

// WithCircuitBreaker returns a copy of the config with custom circuit breaker settings.
func (c *Config) WithCircuitBreaker(cb CircuitBreakerConfig) *Config {
	copy := *c
	copy.CircuitBreaker = cb
	return &copy
}

// CircuitBreaker builder methods

// WithWindow sets the counting window.
func (cb CircuitBreakerConfig) WithWindow(d time.Duration) CircuitBreakerConfig {
	cb.Window = d
	return cb
}

// WithRefreshLimit sets the refresh attempts allowed per window.
func (cb CircuitBreakerConfig) WithRefreshLimit(n int) CircuitBreakerConfig {
	cb.RefreshLimit = n
	return cb
}

// WithTotalLimit sets the total requests allowed per window.
func (cb CircuitBreakerConfig) WithTotalLimit(n int) CircuitBreakerConfig {
	cb.TotalLimit = n
	return cb
}

// withDefaults fills zero values.
func (cb CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	d := DefaultConfig().CircuitBreaker
	if cb.Window <= 0 {
		cb.Window = d.Window
	}
	if cb.AuthLimit <= 0 {
		cb.AuthLimit = d.AuthLimit
	}
	if cb.RefreshLimit <= 0 {
		cb.RefreshLimit = d.RefreshLimit
	}
	if cb.OtherLimit <= 0 {
		cb.OtherLimit = d.OtherLimit
	}
	if cb.TotalLimit <= 0 {
		cb.TotalLimit = d.TotalLimit
	}
	return cb
}

// Backoff builder methods

// WithBaseDelay sets the first-failure delay.
func (b BackoffConfig) WithBaseDelay(d time.Duration) BackoffConfig {
	b.BaseDelay = d
	return b
}

// WithMaxJitter sets the jitter bound.
func (b BackoffConfig) WithMaxJitter(d time.Duration) BackoffConfig {
	b.MaxJitter = d
	return b
}
