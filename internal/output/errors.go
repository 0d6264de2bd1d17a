package output

import (
	"errors"
	"fmt"
)

// Error is a structured error with code, message, and optional hint.
type Error struct {
	Code       string
	Message    string
	Hint       string
	HTTPStatus int
	Body       []byte
	Retryable  bool
	Cause      error
}

func (e *Error) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Hint)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same Code, so sentinels below work with
// errors.Is regardless of message or status.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrUnauthorized     = &Error{Code: CodeUnauthorized}
	ErrRateLimited      = &Error{Code: CodeRateLimit}
	ErrRequestFailed    = &Error{Code: CodeRequestFailed}
	ErrNetworkFailure   = &Error{Code: CodeNetwork}
	ErrRefreshTransient = &Error{Code: CodeRefreshTransient}
)

// Error constructors for common cases.

func ErrAuth(msg string) *Error {
	return &Error{
		Code:       CodeUnauthorized,
		Message:    msg,
		Hint:       "Log in again",
		HTTPStatus: 401,
	}
}

func ErrRateLimit(category string) *Error {
	return &Error{
		Code:      CodeRateLimit,
		Message:   "Rate limited",
		Hint:      fmt.Sprintf("too many %s requests; try again shortly", category),
		Retryable: true,
	}
}

func ErrRequest(status int, body []byte) *Error {
	return &Error{
		Code:       CodeRequestFailed,
		Message:    fmt.Sprintf("Request failed (HTTP %d)", status),
		HTTPStatus: status,
		Body:       body,
		Retryable:  status == 429 || status >= 500,
	}
}

func ErrRequestMessage(status int, msg string, body []byte) *Error {
	e := ErrRequest(status, body)
	if msg != "" {
		e.Message = msg
	}
	return e
}

func ErrNetwork(cause error) *Error {
	return &Error{
		Code:      CodeNetwork,
		Message:   "Network error",
		Hint:      cause.Error(),
		Retryable: true,
		Cause:     cause,
	}
}

func ErrRefreshTransientCause(cause error) *Error {
	return &Error{
		Code:      CodeRefreshTransient,
		Message:   "Token refresh failed",
		Hint:      cause.Error(),
		Retryable: true,
		Cause:     cause,
	}
}

func ErrUsage(msg string) *Error {
	return &Error{Code: CodeUsage, Message: msg}
}

func ErrStore(op string, cause error) *Error {
	return &Error{
		Code:      CodeStore,
		Message:   fmt.Sprintf("Session store %s failed", op),
		Hint:      cause.Error(),
		Retryable: true,
		Cause:     cause,
	}
}

// AsError attempts to convert an error to an *Error. Errors of other types
// are reported as network errors; nil stays nil.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{
		Code:    CodeNetwork,
		Message: err.Error(),
		Cause:   err,
	}
}
