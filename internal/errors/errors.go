package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorCode represents a specific error type for better error handling
type ErrorCode string

const (
	// Load balancing errors
	ErrCodeNoActiveServers    ErrorCode = "NO_ACTIVE_SERVERS"
	ErrCodeCircuitBreakerOpen ErrorCode = "CIRCUIT_BREAKER_OPEN"
	ErrCodeServerNotFound     ErrorCode = "SERVER_NOT_FOUND"
	ErrCodeDuplicateServer    ErrorCode = "DUPLICATE_SERVER"
	ErrCodeInvalidAlgorithm   ErrorCode = "INVALID_ALGORITHM"

	// Cache errors
	ErrCodeLoaderFailed  ErrorCode = "LOADER_FAILED"
	ErrCodeCacheBackend  ErrorCode = "CACHE_BACKEND_FAILED"
	ErrCodeInvalidLevel  ErrorCode = "INVALID_LEVEL"
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"

	// Request processing errors
	ErrCodeInvalidRequest       ErrorCode = "INVALID_REQUEST"
	ErrCodeNotFound             ErrorCode = "NOT_FOUND"
	ErrCodeAuthenticationFailed ErrorCode = "AUTHENTICATION_FAILED"
	ErrCodeRateLimitExceeded    ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeBackendFailed        ErrorCode = "BACKEND_FAILED"

	// Internal errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// PlatformError represents a structured error with context
type PlatformError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Component string                 `json:"component,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Cause     error                  `json:"-"`
}

// Sentinels usable with errors.Is; matching is by code.
var (
	ErrNoActiveServers = &PlatformError{Code: ErrCodeNoActiveServers}
	ErrCircuitOpen     = &PlatformError{Code: ErrCodeCircuitBreakerOpen}
	ErrServerNotFound  = &PlatformError{Code: ErrCodeServerNotFound}
	ErrInvalidConfig   = &PlatformError{Code: ErrCodeInvalidConfig}
)

// Error implements the error interface
func (e *PlatformError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Component, e.Message)
}

// Unwrap returns the underlying error
func (e *PlatformError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error code
func (e *PlatformError) Is(target error) bool {
	if t, ok := target.(*PlatformError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithMetadata adds metadata to the error
func (e *PlatformError) WithMetadata(key string, value interface{}) *PlatformError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// WithRequestID attaches the request ID of the failing HTTP request
func (e *PlatformError) WithRequestID(requestID string) *PlatformError {
	e.RequestID = requestID
	return e
}

// IsRetryable returns true if the error might be resolved by retrying
// against another upstream.
func (e *PlatformError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeCircuitBreakerOpen, ErrCodeBackendFailed:
		return true
	default:
		return false
	}
}

// HTTPStatusCode returns the appropriate HTTP status code for this error
func (e *PlatformError) HTTPStatusCode() int {
	switch e.Code {
	case ErrCodeInvalidRequest, ErrCodeInvalidLevel, ErrCodeInvalidConfig, ErrCodeInvalidAlgorithm:
		return http.StatusBadRequest
	case ErrCodeAuthenticationFailed:
		return http.StatusUnauthorized
	case ErrCodeServerNotFound, ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeDuplicateServer:
		return http.StatusConflict
	case ErrCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case ErrCodeNoActiveServers, ErrCodeCircuitBreakerOpen:
		return http.StatusServiceUnavailable
	case ErrCodeBackendFailed, ErrCodeLoaderFailed, ErrCodeCacheBackend:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// NewError creates a new PlatformError
func NewError(code ErrorCode, component, message string) *PlatformError {
	return &PlatformError{
		Code:      code,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// WrapError wraps an existing error with PlatformError structure
func WrapError(err error, code ErrorCode, component, message string) *PlatformError {
	if err == nil {
		return nil
	}

	return &PlatformError{
		Code:      code,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
		Cause:     err,
		Details:   err.Error(),
	}
}

// NewNoActiveServersError creates an error when no server is eligible for selection
func NewNoActiveServersError(total int) *PlatformError {
	return NewError(
		ErrCodeNoActiveServers,
		"load_balancer",
		"No active servers available",
	).WithMetadata("registered", total)
}

// NewCircuitOpenError creates a circuit breaker rejection error
func NewCircuitOpenError(serverID string) *PlatformError {
	return NewError(
		ErrCodeCircuitBreakerOpen,
		"circuit_breaker",
		fmt.Sprintf("Circuit breaker is open for server %s", serverID),
	).WithMetadata("server_id", serverID)
}

// NewServerNotFoundError creates an error for an unknown server ID
func NewServerNotFoundError(serverID string) *PlatformError {
	return NewError(
		ErrCodeServerNotFound,
		"load_balancer",
		fmt.Sprintf("Server %s not found", serverID),
	).WithMetadata("server_id", serverID)
}

// NewDuplicateServerError creates an error for a repeated server ID
func NewDuplicateServerError(serverID string) *PlatformError {
	return NewError(
		ErrCodeDuplicateServer,
		"load_balancer",
		fmt.Sprintf("Server %s already registered", serverID),
	).WithMetadata("server_id", serverID)
}

// NewBackendFailedError creates an error for a failed upstream request
func NewBackendFailedError(serverID string, cause error) *PlatformError {
	err := NewError(
		ErrCodeBackendFailed,
		"proxy",
		fmt.Sprintf("Server %s failed to serve the request", serverID),
	).WithMetadata("server_id", serverID)
	if cause != nil {
		err.Cause = cause
		err.Details = cause.Error()
	}
	return err
}

// NewRateLimitError creates an error for rate limiting
func NewRateLimitError(clientIP string, limit float64) *PlatformError {
	return NewError(
		ErrCodeRateLimitExceeded,
		"rate_limiter",
		fmt.Sprintf("Rate limit exceeded for client %s (limit: %.2f/s)", clientIP, limit),
	).WithMetadata("client_ip", clientIP).WithMetadata("limit", limit)
}

// NewAuthenticationError creates an authentication error
func NewAuthenticationError(reason string) *PlatformError {
	return NewError(ErrCodeAuthenticationFailed, "auth", reason)
}

// NewConfigError creates a configuration validation error
func NewConfigError(component, message string) *PlatformError {
	return NewError(ErrCodeInvalidConfig, component, message)
}

// IsPlatformError checks if an error is a PlatformError
func IsPlatformError(err error) bool {
	var pErr *PlatformError
	return errors.As(err, &pErr)
}

// GetErrorCode extracts the error code from an error
func GetErrorCode(err error) ErrorCode {
	var pErr *PlatformError
	if errors.As(err, &pErr) {
		return pErr.Code
	}
	return ErrCodeInternalError
}

// CircuitOpenServerID returns the server whose breaker rejected the call.
func CircuitOpenServerID(err error) (string, bool) {
	var pErr *PlatformError
	if errors.As(err, &pErr) && pErr.Code == ErrCodeCircuitBreakerOpen {
		id, ok := pErr.Metadata["server_id"].(string)
		return id, ok
	}
	return "", false
}

// GetHTTPStatusCode gets the appropriate HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	var pErr *PlatformError
	if errors.As(err, &pErr) {
		return pErr.HTTPStatusCode()
	}
	return http.StatusInternalServerError
}
