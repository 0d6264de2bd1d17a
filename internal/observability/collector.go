// Package observability collects counters for the session coordinator.
package observability

import (
	"sync"
	"time"
)

// RequestMetrics holds timing and outcome for one dispatched request.
type RequestMetrics struct {
	Method     string
	Endpoint   string
	Category   string
	StatusCode int
	Duration   time.Duration
	Retried    bool
	Error      error

	// Code is the error code when the request failed.
	Code string
}

// SessionMetrics aggregates metrics for a client's lifetime.
type SessionMetrics struct {
	StartTime      time.Time
	EndTime        time.Time
	TotalRequests  int
	FailedOps      int
	FailuresByCode map[string]int
	TotalRetries   int
	TotalLatency   time.Duration

	RefreshFlights      int
	RefreshCalls        int
	RefreshSoftFailures int
	RefreshRejections   int
	BreakerRejections   int
}

// SessionCollector accumulates metrics. It is safe for concurrent use and a
// nil collector discards everything.
type SessionCollector struct {
	mu sync.Mutex

	startTime      time.Time
	totalRequests  int
	failedOps      int
	failuresByCode map[string]int
	totalRetries   int
	totalLatency   time.Duration

	refreshFlights      int
	refreshCalls        int
	refreshSoftFailures int
	refreshRejections   int
	breakerRejections   int
}

// NewSessionCollector creates a new SessionCollector.
func NewSessionCollector() *SessionCollector {
	return &SessionCollector{
		startTime:      time.Now(),
		failuresByCode: make(map[string]int),
	}
}

// RecordRequest records metrics for a dispatched request.
func (c *SessionCollector) RecordRequest(m RequestMetrics) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
	c.totalLatency += m.Duration
	if m.Retried {
		c.totalRetries++
	}
	if m.Error != nil {
		c.failedOps++
		code := m.Code
		if code == "" {
			code = "unknown"
		}
		c.failuresByCode[code]++
		if code == "rate_limit" {
			c.breakerRejections++
		}
	}
}

// RecordRefreshFlight records a refresh flight led by this process.
func (c *SessionCollector) RecordRefreshFlight() {
	c.bump(func() { c.refreshFlights++ })
}

// RecordRefreshCall records a network call to the refresh endpoint.
func (c *SessionCollector) RecordRefreshCall() {
	c.bump(func() { c.refreshCalls++ })
}

// RecordRefreshSoftFailure records a transient refresh failure that kept
// the existing token.
func (c *SessionCollector) RecordRefreshSoftFailure() {
	c.bump(func() { c.refreshSoftFailures++ })
}

// RecordRefreshRejection records an explicit rejection by the issuer.
func (c *SessionCollector) RecordRefreshRejection() {
	c.bump(func() { c.refreshRejections++ })
}

// RecordBreakerRejection records refresh traffic stopped by the breaker.
func (c *SessionCollector) RecordBreakerRejection() {
	c.bump(func() { c.breakerRejections++ })
}

func (c *SessionCollector) bump(fn func()) {
	if c == nil {
		return
	}
	c.mu.Lock()
	fn()
	c.mu.Unlock()
}

// Summary returns aggregated metrics for the session.
func (c *SessionCollector) Summary() SessionMetrics {
	if c == nil {
		return SessionMetrics{FailuresByCode: map[string]int{}}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	byCode := make(map[string]int, len(c.failuresByCode))
	for k, v := range c.failuresByCode {
		byCode[k] = v
	}
	return SessionMetrics{
		StartTime:           c.startTime,
		EndTime:             time.Now(),
		TotalRequests:       c.totalRequests,
		FailedOps:           c.failedOps,
		FailuresByCode:      byCode,
		TotalRetries:        c.totalRetries,
		TotalLatency:        c.totalLatency,
		RefreshFlights:      c.refreshFlights,
		RefreshCalls:        c.refreshCalls,
		RefreshSoftFailures: c.refreshSoftFailures,
		RefreshRejections:   c.refreshRejections,
		BreakerRejections:   c.breakerRejections,
	}
}

// Reset clears all collected metrics and resets the start time.
func (c *SessionCollector) Reset() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.startTime = time.Now()
	c.totalRequests = 0
	c.failedOps = 0
	c.failuresByCode = make(map[string]int)
	c.totalRetries = 0
	c.totalLatency = 0
	c.refreshFlights = 0
	c.refreshCalls = 0
	c.refreshSoftFailures = 0
	c.refreshRejections = 0
	c.breakerRejections = 0
}
