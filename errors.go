package sessionguard

import (
	"errors"

	"github.com/maqeelabbas/sessionguard/internal/output"
)

// Error is the structured error returned by Client operations.
type Error = output.Error

// Error codes carried in Error.Code.
const (
	CodeUnauthorized  = output.CodeUnauthorized
	CodeRateLimit     = output.CodeRateLimit
	CodeRequestFailed = output.CodeRequestFailed
	CodeNetwork       = output.CodeNetwork
	CodeUsage         = output.CodeUsage
	CodeStore         = output.CodeStore
)

// Sentinels for errors.Is.
var (
	ErrUnauthorized  = output.ErrUnauthorized
	ErrRateLimited   = output.ErrRateLimited
	ErrRequestFailed = output.ErrRequestFailed
	ErrNetwork       = output.ErrNetworkFailure
)

// IsUnauthorized reports whether err means the session is gone and the
// user must log in again.
func IsUnauthorized(err error) bool {
	return errors.Is(err, output.ErrUnauthorized)
}

// IsRateLimited reports whether err came from the circuit breaker.
func IsRateLimited(err error) bool {
	return errors.Is(err, output.ErrRateLimited)
}

// IsRequestFailed reports whether the server answered with a non-2xx status.
func IsRequestFailed(err error) bool {
	return errors.Is(err, output.ErrRequestFailed)
}

// IsNetwork reports whether err is a transport failure or timeout.
func IsNetwork(err error) bool {
	return errors.Is(err, output.ErrNetworkFailure)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var e *output.Error
	if errors.As(err, &e) {
		return e.HTTPStatus
	}
	return 0
}
