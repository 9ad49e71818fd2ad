package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("select: %w", NewNoActiveServersError(3))

	assert.True(t, errors.Is(err, ErrNoActiveServers))
	assert.False(t, errors.Is(err, ErrCircuitOpen))
	assert.True(t, IsPlatformError(err))
	assert.Equal(t, ErrCodeNoActiveServers, GetErrorCode(err))
	assert.Equal(t, ErrCodeInternalError, GetErrorCode(errors.New("plain")))
}

func TestWrapErrorKeepsCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := WrapError(cause, ErrCodeCacheBackend, "cache", "redis unavailable")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, cause.Error(), err.Details)
	assert.Nil(t, WrapError(nil, ErrCodeCacheBackend, "cache", "unused"))
}

func TestCircuitOpenServerID(t *testing.T) {
	id, ok := CircuitOpenServerID(fmt.Errorf("forward: %w", NewCircuitOpenError("s1")))
	assert.True(t, ok)
	assert.Equal(t, "s1", id)

	_, ok = CircuitOpenServerID(NewServerNotFoundError("s1"))
	assert.False(t, ok)
}

func TestHTTPStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{NewConfigError("config", "bad"), http.StatusBadRequest},
		{NewError(ErrCodeInvalidLevel, "cache", "level 9"), http.StatusBadRequest},
		{NewAuthenticationError("missing token"), http.StatusUnauthorized},
		{NewServerNotFoundError("a"), http.StatusNotFound},
		{NewError(ErrCodeNotFound, "admin", "no route"), http.StatusNotFound},
		{NewDuplicateServerError("a"), http.StatusConflict},
		{NewRateLimitError("192.0.2.1", 5), http.StatusTooManyRequests},
		{NewNoActiveServersError(0), http.StatusServiceUnavailable},
		{NewCircuitOpenError("a"), http.StatusServiceUnavailable},
		{NewBackendFailedError("a", nil), http.StatusBadGateway},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, GetHTTPStatusCode(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, NewCircuitOpenError("a").IsRetryable())
	assert.True(t, NewBackendFailedError("a", errors.New("reset")).IsRetryable())
	assert.False(t, NewNoActiveServersError(2).IsRetryable())
}

func TestMetadataAndRequestID(t *testing.T) {
	err := NewError(ErrCodeInvalidRequest, "admin", "bad body").
		WithMetadata("field", "ttl").
		WithRequestID("req-1")

	assert.Equal(t, "ttl", err.Metadata["field"])
	assert.Equal(t, "req-1", err.RequestID)
	assert.Equal(t, "[INVALID_REQUEST] admin: bad body", err.Error())
}
