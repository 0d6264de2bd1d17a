package resilience

import (
	"math/rand/v2"
	"time"
)

// Backoff computes the delay before the next refresh attempt after
// consecutive failures.
type Backoff struct {
	config BackoffConfig
	jitter func(max time.Duration) time.Duration
}

// NewBackoff creates a backoff policy. Zero config values take defaults.
func NewBackoff(config BackoffConfig) *Backoff {
	d := DefaultConfig().Backoff
	if config.BaseDelay <= 0 {
		config.BaseDelay = d.BaseDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = d.MaxDelay
	}
	if config.MaxJitter < 0 {
		config.MaxJitter = 0
	}
	return &Backoff{config: config, jitter: uniformJitter}
}

// WithJitterSource replaces the random jitter source. fn receives the
// configured bound and should return a value in [0, max].
func (b *Backoff) WithJitterSource(fn func(max time.Duration) time.Duration) *Backoff {
	nb := *b
	if fn == nil {
		fn = uniformJitter
	}
	nb.jitter = fn
	return &nb
}

// Next returns the delay after the given number of consecutive failures:
// zero for no failures, otherwise base*2^(failures-1) plus jitter, capped
// at MaxDelay.
func (b *Backoff) Next(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}

	base, limit := b.config.BaseDelay, b.config.MaxDelay
	shift := failures - 1

	var delay time.Duration
	if shift >= 62 || base > limit>>shift {
		delay = limit
	} else {
		delay = base << shift
	}

	if b.config.MaxJitter > 0 && delay < limit {
		j := b.jitter(b.config.MaxJitter)
		if j > b.config.MaxJitter {
			j = b.config.MaxJitter
		}
		if j > 0 {
			delay += j
		}
	}

	if delay > limit {
		delay = limit
	}
	return delay
}

// Config returns the effective backoff configuration.
func (b *Backoff) Config() BackoffConfig {
	return b.config
}

func uniformJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max) + 1)) //nolint:gosec // G404: jitter doesn't need crypto rand
}
