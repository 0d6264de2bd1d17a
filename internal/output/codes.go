// Package output defines the error taxonomy surfaced to callers of the
// session coordinator.
package output

// Error codes.
const (
	// CodeUnauthorized is terminal: the credential is invalid and the caller
	// must re-authenticate.
	CodeUnauthorized = "unauthorized"

	// CodeRateLimit means the circuit breaker is engaged; retry later.
	CodeRateLimit = "rate_limit"

	// CodeRequestFailed means the server rejected the request on its merits.
	CodeRequestFailed = "request_failed"

	// CodeNetwork is a transport-level failure, possibly transient.
	CodeNetwork = "network"

	// CodeRefreshTransient is internal to the refresh coordinator and is
	// never surfaced directly.
	CodeRefreshTransient = "refresh_transient"

	// CodeUsage is a caller mistake such as an unsupported method.
	CodeUsage = "usage"

	// CodeStore is a persistence failure.
	CodeStore = "store"
)

// Retryable reports whether errors with the given code may succeed if the
// caller tries again with its own policy.
func Retryable(code string) bool {
	switch code {
	case CodeRateLimit, CodeNetwork, CodeRefreshTransient, CodeStore:
		return true
	default:
		return false
	}
}
