package output

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessageIncludesHint(t *testing.T) {
	e := ErrAuth("Session expired")
	assert.Equal(t, "Session expired: Log in again", e.Error())
	assert.Equal(t, 401, e.HTTPStatus)
	assert.False(t, e.Retryable)
}

func TestErrorsIsMatchesByCode(t *testing.T) {
	wrapped := fmt.Errorf("send /groups: %w", ErrAuth("nope"))

	assert.ErrorIs(t, wrapped, ErrUnauthorized)
	assert.NotErrorIs(t, wrapped, ErrRateLimited)
	assert.NotErrorIs(t, wrapped, ErrRequestFailed)
}

func TestNetworkErrorUnwrapsCause(t *testing.T) {
	e := ErrNetwork(context.DeadlineExceeded)

	assert.ErrorIs(t, e, context.DeadlineExceeded)
	assert.ErrorIs(t, e, ErrNetworkFailure)
	assert.True(t, e.Retryable)
}

func TestRequestFailedCarriesStatusAndBody(t *testing.T) {
	e := ErrRequest(422, []byte(`{"error":"bad"}`))

	assert.Equal(t, 422, e.HTTPStatus)
	assert.Equal(t, `{"error":"bad"}`, string(e.Body))
	assert.False(t, e.Retryable)
	assert.True(t, ErrRequest(503, nil).Retryable)
}

func TestAsError(t *testing.T) {
	plain := errors.New("boom")
	e := AsError(plain)
	assert.Equal(t, CodeNetwork, e.Code)
	assert.ErrorIs(t, e, plain)

	orig := ErrUsage("bad method")
	assert.Same(t, orig, AsError(fmt.Errorf("wrapped: %w", orig)))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(CodeNetwork))
	assert.True(t, Retryable(CodeRateLimit))
	assert.False(t, Retryable(CodeUnauthorized))
	assert.False(t, Retryable(CodeRequestFailed))
}
